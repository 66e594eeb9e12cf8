// Package service is the in-process API of the engine. It composes the flag
// registry, the rule engine, the evaluation cache, the metrics recorder and the
// rollback engine behind the evaluation, ingestion and administrative calls.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rafaeljc/bifrost/internal/cache"
	"github.com/rafaeljc/bifrost/internal/observability"
	"github.com/rafaeljc/bifrost/internal/recorder"
	"github.com/rafaeljc/bifrost/internal/registry"
	"github.com/rafaeljc/bifrost/internal/rollback"
	"github.com/rafaeljc/bifrost/internal/ruleengine"
	"github.com/rafaeljc/bifrost/internal/validation"
)

// ErrInvalidInput is returned for malformed ingestion or administrative requests.
var ErrInvalidInput = errors.New("invalid input")

// ReasonCached marks an evaluation served from the evaluation cache.
const ReasonCached ruleengine.Reason = "CACHED"

// DefaultPersistTimeout bounds a single write of a flag version to the store.
const DefaultPersistTimeout = 5 * time.Second

// defaultRollbackReason is recorded for manual rollbacks submitted without one.
const defaultRollbackReason = "manual rollback"

// historyLimit bounds the events read back from the durable rollback log.
const historyLimit = 1000

// FlagStore persists accepted flag versions. It is optional.
type FlagStore interface {
	SaveFlag(ctx context.Context, f *ruleengine.Flag) error
}

// EventLog reads back rollback events written by a durable notification sink.
// It is optional.
type EventLog interface {
	ListEvents(ctx context.Context, flagID string, limit int) ([]rollback.Event, error)
}

// Config holds the service settings.
type Config struct {
	// Environment is matched against each flag's environments list.
	Environment string
	// PersistTimeout bounds each asynchronous flag write. Zero selects the default.
	PersistTimeout time.Duration
}

// Dependencies are the components the service composes. Store may be nil.
type Dependencies struct {
	Registry *registry.Registry
	Engine   *ruleengine.Engine
	Cache    *cache.EvaluationCache
	Recorder *recorder.Recorder
	Rollback *rollback.Engine
	Store    FlagStore
	// StaleErr is the store error that marks a write superseded by a newer version.
	StaleErr error
	// Events, when set, makes rollback history survive restarts.
	Events EventLog
}

// Evaluation is the detailed outcome of one flag evaluation.
type Evaluation struct {
	FlagID  string            `json:"flag_id"`
	Value   ruleengine.Value  `json:"value"`
	Enabled bool              `json:"enabled"`
	Reason  ruleengine.Reason `json:"reason"`
	RuleID  string            `json:"rule_id,omitempty"`
	// Version is the flag version evaluated; zero when the flag is unknown.
	Version int64 `json:"version"`
}

// Service is safe for concurrent use.
type Service struct {
	logger         *slog.Logger
	environment    string
	persistTimeout time.Duration
	now            func() time.Time

	registry *registry.Registry
	engine   *ruleengine.Engine
	cache    *cache.EvaluationCache
	recorder *recorder.Recorder
	rollback *rollback.Engine
	store    FlagStore
	staleErr error
	events   EventLog

	persists sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the clock used for time-based conditions and schedules.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New wires the service and subscribes it to registry changes. Flags loaded
// into the registry before New is called are not written back to the store.
func New(logger *slog.Logger, cfg Config, deps Dependencies, opts ...Option) *Service {
	validation.AssertNotNil(deps.Registry, "flag registry")
	validation.AssertNotNil(deps.Engine, "rule engine")
	validation.AssertNotNil(deps.Cache, "evaluation cache")
	validation.AssertNotNil(deps.Recorder, "metrics recorder")
	validation.AssertNotNil(deps.Rollback, "rollback engine")

	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Environment == "" {
		panic("service: environment cannot be empty")
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = DefaultPersistTimeout
	}

	s := &Service{
		logger:         logger,
		environment:    cfg.Environment,
		persistTimeout: cfg.PersistTimeout,
		now:            time.Now,
		registry:       deps.Registry,
		engine:         deps.Engine,
		cache:          deps.Cache,
		recorder:       deps.Recorder,
		rollback:       deps.Rollback,
		store:          deps.Store,
		staleErr:       deps.StaleErr,
		events:         deps.Events,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.registry.OnChange(s.onFlagChange)
	return s
}

// -----------------------------------------------------------------------------
// Evaluation
// -----------------------------------------------------------------------------

// GetFlag returns the value of flagID for evalCtx. It never fails: an unknown
// flag yields fallback, and a disabled flag yields fallback unless it is null,
// in which case the flag's default value is served.
func (s *Service) GetFlag(ctx context.Context, flagID string, evalCtx ruleengine.Context, fallback ruleengine.Value) ruleengine.Value {
	return s.evaluate(ctx, flagID, evalCtx, fallback).Value
}

// IsEnabled interprets the value of flagID for evalCtx as an on/off decision.
// Unknown flags are off.
func (s *Service) IsEnabled(ctx context.Context, flagID string, evalCtx ruleengine.Context) bool {
	v := s.GetFlag(ctx, flagID, evalCtx, ruleengine.Null)
	return s.engine.IsEnabled(flagID, v, evalCtx)
}

// Evaluate is GetFlag with the decision details, for diagnostics.
func (s *Service) Evaluate(ctx context.Context, flagID string, evalCtx ruleengine.Context, fallback ruleengine.Value) Evaluation {
	ev := s.evaluate(ctx, flagID, evalCtx, fallback)
	ev.Enabled = s.engine.IsEnabled(flagID, ev.Value, evalCtx)
	return ev
}

func (s *Service) evaluate(_ context.Context, flagID string, evalCtx ruleengine.Context, fallback ruleengine.Value) Evaluation {
	flag, ok := s.registry.Snapshot(flagID)
	if !ok {
		observability.EvaluationsTotal.WithLabelValues(string(ruleengine.ReasonNotFound)).Inc()
		return Evaluation{FlagID: flagID, Value: fallback, Reason: ruleengine.ReasonNotFound}
	}

	// Disabled flags are answered before the cache: the answer depends on the
	// caller's fallback, which is not part of the cache key.
	if !flag.Enabled {
		v := fallback
		if v.IsNull() {
			v = flag.DefaultValue
		}
		observability.EvaluationsTotal.WithLabelValues(string(ruleengine.ReasonDisabled)).Inc()
		return Evaluation{FlagID: flagID, Value: v, Reason: ruleengine.ReasonDisabled, Version: flag.Version}
	}

	// The cache key carries no clock, so answers that move with time are
	// always computed.
	cacheable := !flag.TimeDependent()
	ctxKey := cache.ContextKey(evalCtx)
	if cacheable {
		if v, hit := s.cache.Get(flag.ID, flag.Version, ctxKey); hit {
			observability.EvaluationsTotal.WithLabelValues(string(ReasonCached)).Inc()
			return Evaluation{FlagID: flagID, Value: v, Reason: ReasonCached, Version: flag.Version}
		}
	}

	start := time.Now()
	res := s.engine.Evaluate(flag, ruleengine.EvaluationInput{
		Context:     evalCtx,
		Environment: s.environment,
		Now:         s.now(),
	})
	observability.EvaluationDuration.Observe(time.Since(start).Seconds())
	observability.EvaluationsTotal.WithLabelValues(string(res.Reason)).Inc()

	if cacheable && res.Reason != ruleengine.ReasonError {
		s.cache.Set(flag.ID, flag.Version, ctxKey, res.Value)
	}

	return Evaluation{FlagID: flagID, Value: res.Value, Reason: res.Reason, RuleID: res.RuleID, Version: flag.Version}
}

// -----------------------------------------------------------------------------
// Metric ingestion
// -----------------------------------------------------------------------------

// RecordMetric stores a sample and runs the flag's rollback triggers against it
// before returning. An empty language records a global sample.
func (s *Service) RecordMetric(ctx context.Context, flagID, metric string, value float64, language string) error {
	switch {
	case strings.TrimSpace(flagID) == "":
		return fmt.Errorf("%w: flag id is required", ErrInvalidInput)
	case strings.TrimSpace(metric) == "":
		return fmt.Errorf("%w: metric name is required", ErrInvalidInput)
	case math.IsNaN(value) || math.IsInf(value, 0):
		return fmt.Errorf("%w: metric value must be a finite number", ErrInvalidInput)
	}
	if _, ok := s.registry.Snapshot(flagID); !ok {
		return fmt.Errorf("%w: %s", registry.ErrFlagNotFound, flagID)
	}

	s.recorder.Record(ctx, recorder.Sample{
		FlagID:   flagID,
		Metric:   metric,
		Language: language,
		Value:    value,
	})
	return nil
}

// GetFlagMetrics returns the recorded samples of a flag keyed "metric:scope".
func (s *Service) GetFlagMetrics(_ context.Context, flagID string) (map[string][]recorder.Sample, error) {
	snapshot := s.recorder.Snapshot(flagID)
	if len(snapshot) == 0 {
		if _, ok := s.registry.Snapshot(flagID); !ok {
			return nil, fmt.Errorf("%w: %s", registry.ErrFlagNotFound, flagID)
		}
	}
	return snapshot, nil
}

// -----------------------------------------------------------------------------
// Administration
// -----------------------------------------------------------------------------

// UpsertFlag validates and stores flag as the next version of flag.ID.
// Errors wrap ruleengine.ErrInvalidFlag for rejected definitions.
func (s *Service) UpsertFlag(ctx context.Context, flag *ruleengine.Flag) (*ruleengine.Flag, error) {
	stored, err := s.registry.Upsert(flag)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "flag upserted", slog.String("flag_id", stored.ID), slog.Int64("version", stored.Version))
	return stored.Clone(), nil
}

// RollbackFlag forces flagID back to its default value, for one language or,
// when language is empty, globally.
func (s *Service) RollbackFlag(ctx context.Context, flagID, reason, language string) (rollback.Event, error) {
	if strings.TrimSpace(reason) == "" {
		reason = defaultRollbackReason
	}
	return s.rollback.Rollback(ctx, flagID, reason, language)
}

// GetRollbackHistory returns rollback events oldest first. An empty flagID
// returns the history of every flag. With an event log configured, events from
// earlier runs are merged in; if the log cannot be read only this process's
// events are returned.
func (s *Service) GetRollbackHistory(ctx context.Context, flagID string) []rollback.Event {
	live := s.rollback.History(flagID)
	if s.events == nil {
		return live
	}

	stored, err := s.events.ListEvents(ctx, flagID, historyLimit)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to read rollback log, serving in-memory history",
			slog.String("flag_id", flagID),
			slog.String("error", err.Error()),
		)
		return live
	}

	// Live events may not have reached the log yet.
	seen := make(map[string]struct{}, len(stored))
	merged := make([]rollback.Event, 0, len(stored)+len(live))
	for _, ev := range stored {
		seen[ev.ID] = struct{}{}
		merged = append(merged, ev)
	}
	for _, ev := range live {
		if _, ok := seen[ev.ID]; !ok {
			merged = append(merged, ev)
		}
	}
	slices.SortStableFunc(merged, func(a, b rollback.Event) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return merged
}

// ListFlags returns every flag ordered by id.
func (s *Service) ListFlags(context.Context) []*ruleengine.Flag {
	return s.registry.All()
}

// GetFlagDefinition returns a copy of one flag.
func (s *Service) GetFlagDefinition(_ context.Context, flagID string) (*ruleengine.Flag, error) {
	return s.registry.Get(flagID)
}

// Wait blocks until pending flag writes to the store have finished.
func (s *Service) Wait() {
	s.persists.Wait()
}

// onFlagChange runs under the flag's registry lock, so it only schedules work.
// Rollbacks invalidate the cache themselves.
func (s *Service) onFlagChange(c registry.Change) {
	if c.Kind == registry.KindUpsert {
		s.cache.InvalidateFlag(c.After.ID)
	}
	if s.store == nil {
		return
	}

	s.persists.Add(1)
	go func(f *ruleengine.Flag) {
		defer s.persists.Done()
		s.persist(f)
	}(c.After)
}

func (s *Service) persist(f *ruleengine.Flag) {
	ctx, cancel := context.WithTimeout(context.Background(), s.persistTimeout)
	defer cancel()

	err := s.store.SaveFlag(ctx, f)
	switch {
	case err == nil:
		observability.RegistryPersistTotal.WithLabelValues("ok").Inc()
	case s.staleErr != nil && errors.Is(err, s.staleErr):
		// A newer version reached the store first.
		observability.RegistryPersistTotal.WithLabelValues("stale").Inc()
		s.logger.Debug("skipped stale flag write", slog.String("flag_id", f.ID), slog.Int64("version", f.Version))
	default:
		observability.RegistryPersistTotal.WithLabelValues("fail").Inc()
		s.logger.Error("failed to persist flag",
			slog.String("flag_id", f.ID),
			slog.Int64("version", f.Version),
			slog.String("error", err.Error()),
		)
	}
}
