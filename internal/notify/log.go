package notify

import (
	"context"
	"log/slog"

	"github.com/rafaeljc/bifrost/internal/rollback"
)

// LogSink writes each event as a structured log record.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink. It is always configured.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(ctx context.Context, ev rollback.Event) error {
	s.logger.WarnContext(ctx, "rollback notification",
		slog.String("rollback_id", ev.ID),
		slog.String("flag_id", ev.FlagID),
		slog.String("trigger", ev.Trigger),
		slog.String("reason", ev.Reason),
		slog.String("language", ev.Language),
		slog.Int("affected_users", ev.AffectedUsers),
		slog.Bool("automatic", ev.Automatic),
		slog.Time("timestamp", ev.Timestamp),
	)
	return nil
}
