// Package recorder keeps a bounded time series of metric samples per
// (flag, metric, language) and hands every new sample to the rollback engine.
package recorder

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rafaeljc/bifrost/internal/observability"
)

const (
	// DefaultCapacity is the number of samples kept per series.
	DefaultCapacity = 100

	// GlobalScope names the series of samples recorded without a language.
	GlobalScope = "global"
)

// Sample is one observation of a flag metric.
type Sample struct {
	FlagID    string    `json:"flag_id"`
	Metric    string    `json:"metric"`
	Language  string    `json:"language,omitempty"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Scope returns the series scope of the sample: its language or GlobalScope.
func (s Sample) Scope() string {
	if s.Language == "" {
		return GlobalScope
	}
	return s.Language
}

// TriggerChecker inspects a freshly recorded sample.
type TriggerChecker interface {
	CheckTriggers(ctx context.Context, s Sample)
}

type seriesKey struct {
	flagID string
	metric string
	scope  string
}

// Recorder is safe for concurrent use.
type Recorder struct {
	logger   *slog.Logger
	capacity int
	checker  TriggerChecker
	now      func() time.Time

	mu     sync.RWMutex
	series map[seriesKey]*ring[Sample]
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithCapacity sets the number of samples kept per series.
func WithCapacity(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.capacity = n
		}
	}
}

// WithClock overrides the clock stamping samples recorded without a timestamp.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// New creates a Recorder. checker may be nil, in which case samples are only stored.
func New(logger *slog.Logger, checker TriggerChecker, opts ...Option) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		logger:   logger,
		capacity: DefaultCapacity,
		checker:  checker,
		now:      time.Now,
		series:   make(map[seriesKey]*ring[Sample]),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetChecker replaces the trigger checker. It exists to break the construction
// cycle between the recorder and the rollback engine.
func (r *Recorder) SetChecker(c TriggerChecker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checker = c
}

// Record appends s to its series, evicting the oldest sample when the series is
// full, then runs the trigger check synchronously. The check runs after the
// series lock is released.
func (r *Recorder) Record(ctx context.Context, s Sample) {
	if s.Timestamp.IsZero() {
		s.Timestamp = r.now()
	}
	key := seriesKey{flagID: s.FlagID, metric: s.Metric, scope: s.Scope()}

	r.mu.Lock()
	buf, ok := r.series[key]
	if !ok {
		buf = newRing[Sample](r.capacity)
		r.series[key] = buf
		observability.RecorderSeries.Set(float64(len(r.series)))
	}
	buf.push(s)
	checker := r.checker
	r.mu.Unlock()

	observability.RecorderSamplesTotal.WithLabelValues(s.Metric).Inc()

	if checker != nil {
		checker.CheckTriggers(ctx, s)
	}
}

// Series returns the samples of one series, oldest first.
func (r *Recorder) Series(flagID, metric, scope string) []Sample {
	r.mu.RLock()
	defer r.mu.RUnlock()
	buf, ok := r.series[seriesKey{flagID: flagID, metric: metric, scope: scope}]
	if !ok {
		return nil
	}
	return buf.items()
}

// Snapshot returns every series of flagID keyed "metric:scope", oldest sample first.
func (r *Recorder) Snapshot(flagID string) map[string][]Sample {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]Sample)
	for k, buf := range r.series {
		if k.flagID == flagID {
			out[k.metric+":"+k.scope] = buf.items()
		}
	}
	return out
}

// Flags returns the ids of flags with recorded samples, sorted.
func (r *Recorder) Flags() []string {
	r.mu.RLock()
	seen := make(map[string]struct{})
	for k := range r.series {
		seen[k.flagID] = struct{}{}
	}
	r.mu.RUnlock()

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Prune drops samples older than maxAge and removes emptied series.
// It returns the number of dropped samples.
func (r *Recorder) Prune(maxAge time.Duration) int {
	cutoff := r.now().Add(-maxAge)

	r.mu.Lock()
	defer r.mu.Unlock()

	dropped := 0
	for k, buf := range r.series {
		dropped += buf.dropWhile(func(s Sample) bool { return s.Timestamp.Before(cutoff) })
		if buf.len() == 0 {
			delete(r.series, k)
		}
	}

	observability.RecorderPrunedTotal.Add(float64(dropped))
	observability.RecorderSeries.Set(float64(len(r.series)))
	if dropped > 0 {
		r.logger.Debug("pruned metric samples", slog.Int("dropped", dropped), slog.Int("series", len(r.series)))
	}
	return dropped
}
