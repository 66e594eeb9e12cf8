package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rafaeljc/bifrost/internal/rollback"
)

// PostgresEventSink appends rollback events to the rollback_events audit table.
// It is a notification sink, so a failing database never blocks a rollback.
type PostgresEventSink struct {
	db *pgxpool.Pool
}

// NewPostgresEventSink creates a sink backed by the given pool.
func NewPostgresEventSink(db *pgxpool.Pool) *PostgresEventSink {
	if db == nil {
		panic("store: database pool cannot be nil")
	}
	return &PostgresEventSink{db: db}
}

func (s *PostgresEventSink) Name() string { return "postgres" }

// Send inserts the event. Redelivering the same event id is a no-op.
func (s *PostgresEventSink) Send(ctx context.Context, ev rollback.Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("failed to encode rollback event data: %w", err)
	}

	var language *string
	if ev.Language != "" {
		language = &ev.Language
	}

	query := `
		INSERT INTO rollback_events
			(id, flag_id, trigger_desc, reason, language, affected_users, automatic, data, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`

	if _, err := s.db.Exec(ctx, query,
		ev.ID,
		ev.FlagID,
		ev.Trigger,
		ev.Reason,
		language,
		ev.AffectedUsers,
		ev.Automatic,
		data,
		ev.Timestamp,
	); err != nil {
		return fmt.Errorf("failed to insert rollback event: %w", err)
	}
	return nil
}

// ListEvents returns stored events newest first, at most limit. An empty
// flagID lists the events of every flag.
func (s *PostgresEventSink) ListEvents(ctx context.Context, flagID string, limit int) ([]rollback.Event, error) {
	query := `
		SELECT id, flag_id, trigger_desc, reason, COALESCE(language, ''), affected_users, automatic, data, occurred_at
		FROM rollback_events
		WHERE $1::text = '' OR flag_id = $1
		ORDER BY occurred_at DESC
		LIMIT $2
	`

	rows, err := s.db.Query(ctx, query, flagID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list rollback events: %w", err)
	}
	defer rows.Close()

	events := make([]rollback.Event, 0, limit)
	for rows.Next() {
		var (
			ev         rollback.Event
			data       []byte
			occurredAt time.Time
		)
		if err := rows.Scan(
			&ev.ID,
			&ev.FlagID,
			&ev.Trigger,
			&ev.Reason,
			&ev.Language,
			&ev.AffectedUsers,
			&ev.Automatic,
			&data,
			&occurredAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan rollback event row: %w", err)
		}
		if err := json.Unmarshal(data, &ev.Data); err != nil {
			return nil, fmt.Errorf("failed to decode rollback event %s: %w", ev.ID, err)
		}
		ev.Timestamp = occurredAt
		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return events, nil
}
