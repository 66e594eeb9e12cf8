// Package rollback compares metric samples against flag triggers and, on breach,
// rolls the flag back globally or for a single language.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rafaeljc/bifrost/internal/observability"
	"github.com/rafaeljc/bifrost/internal/recorder"
	"github.com/rafaeljc/bifrost/internal/registry"
	"github.com/rafaeljc/bifrost/internal/ruleengine"
	"github.com/rafaeljc/bifrost/internal/validation"
)

const (
	// DefaultCooldown applies to flags whose auto-rollback leaves the cooldown unset.
	DefaultCooldown = 15 * time.Minute

	// DefaultAudienceBase feeds the affected-user estimate.
	DefaultAudienceBase = 1000

	// OverrideRulePrefix starts the id of every rule injected by a language rollback.
	OverrideRulePrefix = "rollback-"

	languageAudienceShare = 0.15

	tracerName = "github.com/rafaeljc/bifrost/internal/rollback"
)

// ErrAlreadyRolledBack is returned when an automatic rollback targets a scope
// that is already rolled back.
var ErrAlreadyRolledBack = errors.New("flag already rolled back for this scope")

// Notifier receives every applied rollback. Notify must not block.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// Invalidator drops cached evaluations of a flag.
type Invalidator interface {
	InvalidateFlag(flagID string) int
}

// AudienceEstimator estimates how many users a rollback affects.
type AudienceEstimator func(flag *ruleengine.Flag, language string) int

// BaseAudience returns the default estimator: base users, 15% of them when
// language-scoped, scaled by the rollout percentage.
func BaseAudience(base int) AudienceEstimator {
	return func(flag *ruleengine.Flag, language string) int {
		audience := float64(base)
		if language != "" {
			audience *= languageAudienceShare
		}
		return int(math.Round(audience * flag.Rollout.Percentage / 100))
	}
}

type cooldownKey struct {
	flagID string
	metric string
	scope  string
}

type cooldownState struct {
	inflight bool
	last     time.Time
}

// Engine is safe for concurrent use.
type Engine struct {
	registry    *registry.Registry
	invalidator Invalidator
	notifier    Notifier
	logger      *slog.Logger
	tracer      trace.Tracer

	now             func() time.Time
	defaultCooldown time.Duration
	estimate        AudienceEstimator

	hmu     sync.RWMutex
	history []Event

	cmu       sync.Mutex
	cooldowns map[cooldownKey]*cooldownState
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the engine clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithDefaultCooldown sets the cooldown used when a flag does not configure one.
func WithDefaultCooldown(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.defaultCooldown = d
		}
	}
}

// WithAudienceEstimator replaces the affected-user estimator.
func WithAudienceEstimator(fn AudienceEstimator) Option {
	return func(e *Engine) {
		if fn != nil {
			e.estimate = fn
		}
	}
}

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracer = tp.Tracer(tracerName) }
}

// WithInvalidator sets the cache invalidated after every rollback.
func WithInvalidator(inv Invalidator) Option {
	return func(e *Engine) { e.invalidator = inv }
}

// WithNotifier sets the sink of rollback events.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// New creates an Engine mutating flags held by reg.
func New(logger *slog.Logger, reg *registry.Registry, opts ...Option) *Engine {
	validation.AssertNotNil(reg, "flag registry")
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		registry:        reg,
		logger:          logger,
		tracer:          otel.Tracer(tracerName),
		now:             time.Now,
		defaultCooldown: DefaultCooldown,
		estimate:        BaseAudience(DefaultAudienceBase),
		cooldowns:       make(map[cooldownKey]*cooldownState),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CheckTriggers implements recorder.TriggerChecker. The first breached trigger
// watching the sample rolls the flag back, unless the (flag, metric, language)
// key is cooling down from a previous automatic rollback.
func (e *Engine) CheckTriggers(ctx context.Context, s recorder.Sample) {
	flag, ok := e.registry.Snapshot(s.FlagID)
	if !ok || !flag.Monitoring.AutoRollback.Enabled {
		return
	}

	for _, trig := range flag.Monitoring.AutoRollback.Triggers {
		if !trig.AppliesTo(s.Metric, s.Language) || !trig.Breached(s.Value) {
			continue
		}

		key := cooldownKey{flagID: s.FlagID, metric: s.Metric, scope: s.Scope()}
		now := e.now()
		if !e.acquire(key, e.cooldownOf(flag), now) {
			observability.RollbacksSuppressed.Inc()
			e.logger.Info("rollback suppressed by cooldown",
				slog.String("flag_id", s.FlagID),
				slog.String("metric", s.Metric),
				slog.String("scope", s.Scope()),
			)
			return
		}

		_, err := e.apply(ctx, request{
			flagID:      s.FlagID,
			language:    s.Language,
			trigger:     describe(trig),
			reason:      fmt.Sprintf("Metric threshold exceeded: %s = %s", s.Metric, formatFloat(s.Value)),
			automatic:   true,
			metricValue: s.Value,
		})
		e.release(key, now, err == nil)
		if err != nil && !errors.Is(err, ErrAlreadyRolledBack) {
			e.logger.Error("automatic rollback failed",
				slog.String("flag_id", s.FlagID),
				slog.String("metric", s.Metric),
				slog.Any("error", err),
			)
		}
		return
	}
}

// Rollback performs an operator-initiated rollback. An empty language disables
// the flag everywhere; otherwise only that language is forced to the default value.
// Repeating it on a rolled back scope leaves the flag alone and records an
// event with Data.Repeated set.
func (e *Engine) Rollback(ctx context.Context, flagID, reason, language string) (Event, error) {
	return e.apply(ctx, request{
		flagID:   flagID,
		language: language,
		trigger:  TriggerManual,
		reason:   reason,
	})
}

// History returns applied rollbacks oldest first, optionally filtered by flag.
func (e *Engine) History(flagID string) []Event {
	e.hmu.RLock()
	defer e.hmu.RUnlock()
	out := make([]Event, 0, len(e.history))
	for _, ev := range e.history {
		if flagID == "" || ev.FlagID == flagID {
			out = append(out, ev)
		}
	}
	return out
}

type request struct {
	flagID      string
	language    string
	trigger     string
	reason      string
	automatic   bool
	metricValue float64
}

func (e *Engine) apply(ctx context.Context, req request) (ev Event, err error) {
	ctx, span := e.tracer.Start(ctx, "rollback.apply", trace.WithAttributes(
		attribute.String("flag.id", req.flagID),
		attribute.String("rollback.language", req.language),
		attribute.Bool("rollback.automatic", req.automatic),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	before, after, err := e.registry.Mutate(req.flagID, func(f *ruleengine.Flag) (bool, error) {
		if req.language != "" {
			return injectOverride(f, req.language), nil
		}
		return disable(f), nil
	})
	if err != nil {
		return Event{}, err
	}

	// A repeated manual rollback changes nothing but is still audited.
	repeated := before == after
	if repeated && req.automatic {
		return Event{}, fmt.Errorf("%w: %s", ErrAlreadyRolledBack, req.flagID)
	}

	affected := 0
	if !repeated {
		affected = e.estimate(before, req.language)
		if e.invalidator != nil {
			e.invalidator.InvalidateFlag(req.flagID)
		}
	}

	ev = Event{
		ID:            uuid.NewString(),
		FlagID:        req.flagID,
		Trigger:       req.trigger,
		Reason:        req.reason,
		Language:      req.language,
		AffectedUsers: affected,
		Timestamp:     e.now().UTC(),
		Data: EventData{
			PreviousValue: before.Value,
			NewValue:      before.DefaultValue,
			MetricValue:   req.metricValue,
			FlagVersion:   after.Version,
			Repeated:      repeated,
		},
		Automatic: req.automatic,
	}

	e.hmu.Lock()
	e.history = append(e.history, ev)
	e.hmu.Unlock()

	span.SetAttributes(
		attribute.String("rollback.id", ev.ID),
		attribute.Int64("flag.version", after.Version),
		attribute.Bool("rollback.repeated", repeated),
	)
	if repeated {
		e.logger.InfoContext(ctx, "rollback repeated on an already rolled back scope",
			slog.String("flag_id", ev.FlagID),
			slog.String("rollback_id", ev.ID),
			slog.String("scope", ev.Scope()),
			slog.String("language", ev.Language),
			slog.String("reason", ev.Reason),
		)
		if e.notifier != nil {
			e.notifier.Notify(ctx, ev)
		}
		return ev, nil
	}

	observability.RollbacksTotal.WithLabelValues(ev.Mode(), ev.Scope()).Inc()
	e.logger.WarnContext(ctx, "flag rolled back",
		slog.String("flag_id", ev.FlagID),
		slog.String("rollback_id", ev.ID),
		slog.String("mode", ev.Mode()),
		slog.String("scope", ev.Scope()),
		slog.String("language", ev.Language),
		slog.String("trigger", ev.Trigger),
		slog.String("reason", ev.Reason),
		slog.Int64("version", after.Version),
	)

	if e.notifier != nil {
		e.notifier.Notify(ctx, ev)
	}
	return ev, nil
}

// injectOverride adds the highest-priority rule forcing language to the default
// value. It reports false when an equivalent override already exists.
func injectOverride(f *ruleengine.Flag, language string) bool {
	for _, r := range f.Rules {
		if IsOverride(r) && r.Enabled && r.Condition.Value.String == language {
			return false
		}
	}
	f.Rules = append(f.Rules, ruleengine.Rule{
		ID: OverrideRulePrefix + language + "-" + uuid.NewString()[:8],
		Condition: ruleengine.RuleCondition{
			Type:     ruleengine.ConditionLanguage,
			Operator: ruleengine.OpEquals,
			Value:    ruleengine.String(language),
		},
		Value:    f.DefaultValue,
		Priority: ruleengine.OverridePriority,
		Enabled:  true,
	})
	return true
}

// disable hard-disables f. It reports false when f is already disabled.
func disable(f *ruleengine.Flag) bool {
	if !f.Enabled && f.Value.Equal(f.DefaultValue) {
		return false
	}
	f.Enabled = false
	f.Value = f.DefaultValue
	return true
}

// IsOverride reports whether r was injected by a language rollback.
func IsOverride(r ruleengine.Rule) bool {
	return strings.HasPrefix(r.ID, OverrideRulePrefix) &&
		r.Priority == ruleengine.OverridePriority &&
		r.Condition.Type == ruleengine.ConditionLanguage &&
		r.Condition.Operator == ruleengine.OpEquals
}

func (e *Engine) cooldownOf(f *ruleengine.Flag) time.Duration {
	if m := f.Monitoring.AutoRollback.CooldownMinutes; m > 0 {
		return time.Duration(m) * time.Minute
	}
	return e.defaultCooldown
}

// acquire reserves key for a rollback attempt. It fails while another attempt on
// key is running or while the last successful rollback is within cooldown.
func (e *Engine) acquire(key cooldownKey, cooldown time.Duration, now time.Time) bool {
	e.cmu.Lock()
	defer e.cmu.Unlock()

	st, ok := e.cooldowns[key]
	if !ok {
		st = &cooldownState{}
		e.cooldowns[key] = st
	}
	if st.inflight {
		return false
	}
	if !st.last.IsZero() && now.Sub(st.last) < cooldown {
		return false
	}
	st.inflight = true
	return true
}

func (e *Engine) release(key cooldownKey, at time.Time, applied bool) {
	e.cmu.Lock()
	defer e.cmu.Unlock()
	st := e.cooldowns[key]
	st.inflight = false
	if applied {
		st.last = at
	}
}

func describe(t ruleengine.Trigger) string {
	return fmt.Sprintf("%s %s %s", t.Metric, t.Condition, formatFloat(t.Value))
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
