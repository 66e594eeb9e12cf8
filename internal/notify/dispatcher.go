// Package notify delivers rollback events to external sinks.
// Delivery is asynchronous, bounded by a timeout and attempted exactly once per sink.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rafaeljc/bifrost/internal/observability"
	"github.com/rafaeljc/bifrost/internal/rollback"
)

// DefaultTimeout bounds a single delivery attempt.
const DefaultTimeout = 5 * time.Second

// Sink is one delivery channel.
type Sink interface {
	Name() string
	Send(ctx context.Context, ev rollback.Event) error
}

// Compile-time check that Dispatcher can be handed to the rollback engine.
var _ rollback.Notifier = (*Dispatcher)(nil)

// Dispatcher fans every event out to its sinks, one goroutine per sink.
type Dispatcher struct {
	logger  *slog.Logger
	timeout time.Duration
	sinks   []Sink
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher. A non-positive timeout selects DefaultTimeout.
func NewDispatcher(logger *slog.Logger, timeout time.Duration, sinks ...Sink) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Dispatcher{logger: logger, timeout: timeout, sinks: sinks}
}

// Notify returns immediately. Failures are logged and counted, never returned:
// the rollback is already applied.
func (d *Dispatcher) Notify(ctx context.Context, ev rollback.Event) {
	// The caller's request may end before delivery does.
	base := context.WithoutCancel(ctx)

	for _, sink := range d.sinks {
		d.wg.Add(1)
		go func(sink Sink) {
			defer d.wg.Done()
			d.deliver(base, sink, ev)
		}(sink)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, sink Sink, ev rollback.Event) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			observability.NotificationsTotal.WithLabelValues(sink.Name(), "fail").Inc()
			d.logger.Error("notification sink panicked",
				slog.String("sink", sink.Name()),
				slog.String("rollback_id", ev.ID),
				slog.Any("panic", r),
			)
		}
	}()

	if err := sink.Send(ctx, ev); err != nil {
		observability.NotificationsTotal.WithLabelValues(sink.Name(), "fail").Inc()
		d.logger.Error("failed to deliver rollback notification",
			slog.String("sink", sink.Name()),
			slog.String("rollback_id", ev.ID),
			slog.String("flag_id", ev.FlagID),
			slog.Any("error", err),
		)
		return
	}
	observability.NotificationsTotal.WithLabelValues(sink.Name(), "success").Inc()
}

// Sinks returns the names of the configured sinks.
func (d *Dispatcher) Sinks() []string {
	names := make([]string, len(d.sinks))
	for i, s := range d.sinks {
		names[i] = s.Name()
	}
	return names
}

// Wait blocks until every in-flight delivery has finished. Used at shutdown.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
