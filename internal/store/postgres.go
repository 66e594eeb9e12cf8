package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rafaeljc/bifrost/internal/registry"
	"github.com/rafaeljc/bifrost/internal/ruleengine"
)

// Compile-time check to verify that PostgresSource can seed the registry.
var _ registry.Source = (*PostgresSource)(nil)

// ErrStaleVersion is returned by SaveFlag when the stored row already holds the
// same or a newer version of the flag.
var ErrStaleVersion = errors.New("stored flag version is newer")

// PostgresSource stores each flag as a JSONB definition keyed by id.
// The version and timestamp columns are authoritative over the document.
type PostgresSource struct {
	db *pgxpool.Pool
}

// NewPostgresSource creates a source backed by the given pool.
func NewPostgresSource(db *pgxpool.Pool) *PostgresSource {
	if db == nil {
		panic("store: database pool cannot be nil")
	}
	return &PostgresSource{db: db}
}

func (s *PostgresSource) Name() string { return "postgres" }

// Load returns every stored flag ordered by id.
func (s *PostgresSource) Load(ctx context.Context) ([]*ruleengine.Flag, error) {
	query := `
		SELECT id, definition, version, created_at, updated_at
		FROM flags
		ORDER BY id
	`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list flags: %w", err)
	}
	defer rows.Close()

	flags := make([]*ruleengine.Flag, 0)
	for rows.Next() {
		var (
			id         string
			definition []byte
			f          ruleengine.Flag
		)
		if err := rows.Scan(&id, &definition, &f.Version, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan flag row: %w", err)
		}

		version, createdAt, updatedAt := f.Version, f.CreatedAt, f.UpdatedAt
		if err := json.Unmarshal(definition, &f); err != nil {
			return nil, fmt.Errorf("failed to decode flag %q: %w", id, err)
		}
		f.ID = id
		f.Version, f.CreatedAt, f.UpdatedAt = version, createdAt, updatedAt

		flags = append(flags, &f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return flags, nil
}

// SaveFlag inserts or replaces a flag definition. Writes that arrive out of
// order never overwrite a newer version; they return ErrStaleVersion.
func (s *PostgresSource) SaveFlag(ctx context.Context, f *ruleengine.Flag) error {
	if f == nil {
		return fmt.Errorf("flag cannot be nil")
	}
	definition, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode flag %q: %w", f.ID, err)
	}

	query := `
		INSERT INTO flags (id, definition, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET definition = EXCLUDED.definition,
		    version    = EXCLUDED.version,
		    updated_at = EXCLUDED.updated_at
		WHERE flags.version < EXCLUDED.version
	`

	tag, err := s.db.Exec(ctx, query, f.ID, definition, f.Version, f.CreatedAt, f.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			// Error Code 23514: check_violation
			if pgErr.Code == "23514" {
				return fmt.Errorf("flag %q rejected by constraint %s: %w", f.ID, pgErr.ConstraintName, err)
			}
		}
		return fmt.Errorf("failed to save flag %q: %w", f.ID, err)
	}

	if tag.RowsAffected() == 0 {
		return fmt.Errorf("flag %q version %d: %w", f.ID, f.Version, ErrStaleVersion)
	}
	return nil
}
