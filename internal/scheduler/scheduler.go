// Package scheduler runs the periodic maintenance work of the engine:
// draining ingested metric samples into the recorder, pruning old samples and
// sweeping stale evaluation cache entries.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rafaeljc/bifrost/internal/cache"
	"github.com/rafaeljc/bifrost/internal/observability"
	"github.com/rafaeljc/bifrost/internal/recorder"
)

// Task names used in logs and the tick duration histogram.
const (
	TaskMetrics = "metrics"
	TaskSweep   = "sweep"
)

// maxDrainRounds caps the batches drained per metrics tick so a flooded queue
// cannot starve pruning.
const maxDrainRounds = 10

// Config holds the scheduler intervals.
type Config struct {
	MetricsInterval time.Duration
	SweepInterval   time.Duration
	MetricsMaxAge   time.Duration
	BatchSize       int
}

// SampleQueue is the ingest feed. It is optional.
type SampleQueue interface {
	Drain(ctx context.Context, max int) ([]recorder.Sample, error)
	Depth(ctx context.Context) (int64, error)
}

// SampleRecorder stores samples and forgets old ones.
type SampleRecorder interface {
	Record(ctx context.Context, s recorder.Sample)
	Prune(maxAge time.Duration) int
}

// CacheSweeper reclaims evaluation cache entries of stale flag versions.
type CacheSweeper interface {
	Sweep(current cache.VersionLookup) int
	Len() int
}

// Scheduler runs both loops until its context is cancelled.
type Scheduler struct {
	logger   *slog.Logger
	config   Config
	queue    SampleQueue
	recorder SampleRecorder
	cache    CacheSweeper
	versions cache.VersionLookup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithQueue enables draining of ingested samples.
func WithQueue(q SampleQueue) Option {
	return func(s *Scheduler) { s.queue = q }
}

// New creates a scheduler. Intervals below one second fall back to the defaults.
func New(logger *slog.Logger, cfg Config, rec SampleRecorder, sweeper CacheSweeper, versions cache.VersionLookup, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if rec == nil {
		panic("scheduler: recorder cannot be nil")
	}
	if sweeper == nil {
		panic("scheduler: cache cannot be nil")
	}
	if versions == nil {
		panic("scheduler: version lookup cannot be nil")
	}

	if cfg.MetricsInterval < time.Second {
		cfg.MetricsInterval = 60 * time.Second
	}
	if cfg.SweepInterval < time.Second {
		cfg.SweepInterval = 5 * time.Minute
	}
	if cfg.MetricsMaxAge <= 0 {
		cfg.MetricsMaxAge = 24 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}

	s := &Scheduler{
		logger:   logger,
		config:   cfg,
		recorder: rec,
		cache:    sweeper,
		versions: versions,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run blocks until ctx is cancelled. Each loop runs once immediately on start.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("starting scheduler",
		slog.String("metrics_interval", s.config.MetricsInterval.String()),
		slog.String("sweep_interval", s.config.SweepInterval.String()),
		slog.Bool("ingest_enabled", s.queue != nil),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.loop(ctx, TaskMetrics, s.config.MetricsInterval, s.collectMetrics)
		return nil
	})
	g.Go(func() error {
		s.loop(ctx, TaskSweep, s.config.SweepInterval, s.sweepCache)
		return nil
	})
	err := g.Wait()

	s.logger.Info("scheduler stopped")
	return err
}

func (s *Scheduler) loop(ctx context.Context, task string, interval time.Duration, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.tick(ctx, task, fn)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, task, fn)
		}
	}
}

// tick runs one task. Failures are logged and retried on the next tick.
func (s *Scheduler) tick(ctx context.Context, task string, fn func(context.Context) error) {
	start := time.Now()
	defer func() {
		observability.SchedulerTickDuration.WithLabelValues(task).Observe(time.Since(start).Seconds())
	}()

	if err := fn(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("scheduler task failed", slog.String("task", task), slog.String("error", err.Error()))
	}
}

// collectMetrics drains the ingest queue into the recorder, which checks
// rollback triggers for each sample, then prunes samples past the retention.
// Samples naming an unknown flag are dropped.
func (s *Scheduler) collectMetrics(ctx context.Context) error {
	var drainErr error
	recorded, rejected := 0, 0

	if s.queue != nil {
		for range maxDrainRounds {
			batch, err := s.queue.Drain(ctx, s.config.BatchSize)
			if err != nil {
				drainErr = err
				break
			}
			for _, sample := range batch {
				// Samples for flags that do not exist would only grow orphan series.
				if _, ok := s.versions(sample.FlagID); !ok {
					observability.IngestSamplesTotal.WithLabelValues("unknown_flag").Inc()
					rejected++
					continue
				}
				s.recorder.Record(ctx, sample)
				recorded++
			}
			if len(batch) < s.config.BatchSize {
				break
			}
		}
		if _, err := s.queue.Depth(ctx); err != nil && drainErr == nil {
			drainErr = err
		}
	}

	pruned := s.recorder.Prune(s.config.MetricsMaxAge)

	if rejected > 0 {
		s.logger.Warn("dropped samples for unknown flags", slog.Int("dropped", rejected))
	}
	if recorded > 0 || pruned > 0 {
		s.logger.Debug("metrics collected", slog.Int("recorded", recorded), slog.Int("pruned", pruned))
	}
	return drainErr
}

func (s *Scheduler) sweepCache(context.Context) error {
	removed := s.cache.Sweep(s.versions)
	observability.CacheItems.Set(float64(s.cache.Len()))
	if removed > 0 {
		s.logger.Debug("evaluation cache swept", slog.Int("removed", removed))
	}
	return nil
}
