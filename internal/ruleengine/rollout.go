package ruleengine

import (
	"log/slog"
	"slices"
	"time"
)

// RolloutInput is what a rollout strategy needs to place one context.
type RolloutInput struct {
	Context Context
	// Bucket is the context-only bucket of Context.Identity() in [0, 100).
	Bucket int
	Now    time.Time
}

// RolloutEvaluator decides membership for one rollout type.
// Implementations must be stateless and safe for concurrent use.
type RolloutEvaluator interface {
	InRollout(strategy RolloutStrategy, in RolloutInput) bool
}

// ImmediateRollout admits everyone.
type ImmediateRollout struct{}

func (ImmediateRollout) InRollout(RolloutStrategy, RolloutInput) bool { return true }

// PercentageRollout admits contexts whose bucket is below the effective percentage.
// It backs both gradual and canary rollouts.
type PercentageRollout struct{}

func (PercentageRollout) InRollout(s RolloutStrategy, in RolloutInput) bool {
	pct, open := EffectivePercentage(s, in.Now)
	if !open {
		return false
	}
	return float64(in.Bucket) < pct
}

// BlueGreenRollout is a binary switch: the green side is live once the
// percentage reaches 50. It does not split traffic.
type BlueGreenRollout struct{}

func (BlueGreenRollout) InRollout(s RolloutStrategy, in RolloutInput) bool {
	pct, open := EffectivePercentage(s, in.Now)
	return open && pct >= 50
}

// RingRollout admits a context once the currently open ring covers its bucket.
// Rings are nested thresholds; a ring is open when the percentage reaches it.
type RingRollout struct{}

func (RingRollout) InRollout(s RolloutStrategy, in RolloutInput) bool {
	pct, open := EffectivePercentage(s, in.Now)
	if !open {
		return false
	}
	for _, ring := range s.RingThresholds() {
		if pct >= float64(ring) && in.Bucket < ring {
			return true
		}
	}
	return false
}

// RingThresholds returns the configured rings in ascending order, or DefaultRings.
func (s RolloutStrategy) RingThresholds() []int {
	if len(s.Rings) == 0 {
		return DefaultRings
	}
	if slices.IsSorted(s.Rings) {
		return s.Rings
	}
	rings := slices.Clone(s.Rings)
	slices.Sort(rings)
	return rings
}

// EffectivePercentage returns the rollout percentage in force at now.
// Without a schedule it is s.Percentage. With one, the strategy is closed
// outside [Start, End] and otherwise follows the latest increment reached.
func EffectivePercentage(s RolloutStrategy, now time.Time) (float64, bool) {
	sch := s.Schedule
	if sch == nil {
		return s.Percentage, true
	}
	if !sch.Start.IsZero() && now.Before(sch.Start) {
		return 0, false
	}
	if sch.End != nil && now.After(*sch.End) {
		return 0, false
	}

	pct := s.Percentage
	for _, inc := range sch.Increments {
		if inc.Date.After(now) {
			break
		}
		pct = inc.Percentage
	}
	return pct, true
}

// InRollout reports whether ctx is part of the rollout described by s.
// Scope conditions are checked first; unknown rollout types fail closed.
func (e *Engine) InRollout(s RolloutStrategy, ctx Context, now time.Time) bool {
	if !matchesScope(s.Conditions, ctx) {
		return false
	}

	strategy, ok := e.rollouts[s.Type]
	if !ok {
		e.logger.Warn("unknown rollout type, failing closed", slog.String("type", string(s.Type)))
		return false
	}

	return strategy.InRollout(s, RolloutInput{
		Context: ctx,
		Bucket:  e.bucketOf(ctx.Identity()),
		Now:     now,
	})
}

// matchesScope applies the AND of every configured scope list.
// A context without a country is not rejected by a country restriction.
func matchesScope(c RolloutConditions, ctx Context) bool {
	if len(c.Languages) > 0 && !slices.Contains(c.Languages, ctx.Language) {
		return false
	}
	if len(c.Countries) > 0 && ctx.Country != "" && !slices.Contains(c.Countries, ctx.Country) {
		return false
	}
	if len(c.Devices) > 0 && !slices.Contains(c.Devices, ctx.Device) {
		return false
	}
	return true
}
