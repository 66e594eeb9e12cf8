package ruleengine

import (
	"fmt"
	"log/slog"
	"slices"
	"sort"

	"github.com/rafaeljc/bifrost/internal/bucket"
)

// Reason explains how an evaluation produced its value.
type Reason string

const (
	ReasonNotFound   Reason = "NOT_FOUND"
	ReasonDisabled   Reason = "DISABLED"
	ReasonOutOfScope Reason = "OUT_OF_SCOPE"
	ReasonRuleMatch  Reason = "RULE_MATCH"
	ReasonRollout    Reason = "ROLLOUT"
	ReasonDefault    Reason = "DEFAULT"
	ReasonError      Reason = "ERROR"
)

// Result is the outcome of evaluating one flag for one context.
type Result struct {
	Value  Value
	Reason Reason
	// RuleID is set when Reason is ReasonRuleMatch.
	RuleID string
}

// GateMode selects how numeric flag values are turned into an on/off decision.
type GateMode string

const (
	// GateShared compares the value against the context-only rollout bucket.
	GateShared GateMode = "shared"
	// GateIndependent draws a second bucket salted with the flag id.
	GateIndependent GateMode = "independent"
)

// Engine is the orchestrator for feature flag evaluation.
type Engine struct {
	rollouts map[RolloutType]RolloutEvaluator
	gate     GateMode
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithGateMode sets how IsEnabled gates numeric values. Defaults to GateShared.
func WithGateMode(mode GateMode) Option {
	return func(e *Engine) {
		if mode != "" {
			e.gate = mode
		}
	}
}

// WithRolloutEvaluator registers or replaces the evaluator for a rollout type.
func WithRolloutEvaluator(t RolloutType, ev RolloutEvaluator) Option {
	return func(e *Engine) { e.rollouts[t] = ev }
}

// New creates a new Engine.
// If logger is nil, it defaults to slog.Default().
func New(logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	percentage := PercentageRollout{}
	e := &Engine{
		logger: logger,
		gate:   GateShared,
		rollouts: map[RolloutType]RolloutEvaluator{
			RolloutImmediate: ImmediateRollout{},
			RolloutGradual:   percentage,
			RolloutCanary:    percentage,
			RolloutScheduled: percentage,
			RolloutBlueGreen: BlueGreenRollout{},
			RolloutRing:      RingRollout{},
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate resolves the value of flag for in. It never panics: a failure inside
// evaluation is logged and degrades to the flag's default value.
//
// Order of precedence:
//  1. disabled flag -> default value
//  2. language or environment outside the flag scope -> default value
//  3. first matching enabled rule by descending priority (ties keep list order)
//  4. rollout strategy -> value when admitted, default value otherwise
func (e *Engine) Evaluate(flag *Flag, in EvaluationInput) (res Result) {
	if flag == nil {
		return Result{Value: Null, Reason: ReasonNotFound}
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("flag evaluation panicked, serving default",
				slog.String("flag_id", flag.ID),
				slog.String("panic", fmt.Sprint(r)),
			)
			res = Result{Value: flag.DefaultValue, Reason: ReasonError}
		}
	}()

	if !flag.Enabled {
		return Result{Value: flag.DefaultValue, Reason: ReasonDisabled}
	}

	if !slices.Contains(flag.Languages, in.Context.Language) ||
		!slices.Contains(flag.Environments, in.Environment) {
		return Result{Value: flag.DefaultValue, Reason: ReasonOutOfScope}
	}

	for _, rule := range orderedRules(flag.Rules) {
		if e.EvaluateCondition(rule.Condition, in.Context, in.Now) {
			return Result{Value: rule.Value, Reason: ReasonRuleMatch, RuleID: rule.ID}
		}
	}

	if e.InRollout(flag.Rollout, in.Context, in.Now) {
		return Result{Value: flag.Value, Reason: ReasonRollout}
	}
	return Result{Value: flag.DefaultValue, Reason: ReasonDefault}
}

// orderedRules returns the enabled rules sorted by descending priority.
// The sort is stable, so equal priorities keep their declaration order.
func orderedRules(rules []Rule) []Rule {
	out := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if r.Enabled {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

// IsEnabled interprets an evaluated value as an on/off decision.
//
//   - bool: as is
//   - number: the context bucket must fall below the value (see GateMode)
//   - string: on unless "", "false" or "0"
//   - anything else: off
func (e *Engine) IsEnabled(flagID string, v Value, ctx Context) bool {
	switch v.Kind {
	case KindBool:
		return v.Bool
	case KindNumber:
		return float64(e.gateBucket(flagID, ctx)) < v.Number
	case KindString:
		return v.String != "" && v.String != "false" && v.String != "0"
	default:
		return false
	}
}

func (e *Engine) gateBucket(flagID string, ctx Context) int {
	if e.gate == GateIndependent {
		return int(bucket.Independent(ctx.Identity(), flagID, bucket.Percent))
	}
	return e.bucketOf(ctx.Identity())
}

func (e *Engine) bucketOf(identity string) int {
	return bucket.Percentage(identity)
}
