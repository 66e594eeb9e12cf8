package ruleengine

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInRollout_Types(t *testing.T) {
	t.Parallel()

	now := time.Now()
	tests := []struct {
		name     string
		strategy RolloutStrategy
		userID   string
		want     bool
	}{
		{name: "immediate admits everyone", strategy: RolloutStrategy{Type: RolloutImmediate}, userID: userBucket71, want: true},
		{name: "gradual admits bucket below percentage", strategy: RolloutStrategy{Type: RolloutGradual, Percentage: 10}, userID: userBucket9, want: true},
		{name: "gradual rejects bucket at percentage", strategy: RolloutStrategy{Type: RolloutGradual, Percentage: 50}, userID: userBucket50, want: false},
		{name: "canary behaves like gradual", strategy: RolloutStrategy{Type: RolloutCanary, Percentage: 41}, userID: userBucket40, want: true},
		{name: "gradual at zero admits nobody", strategy: RolloutStrategy{Type: RolloutGradual, Percentage: 0}, userID: userBucket9, want: false},
		{name: "gradual at hundred admits everyone", strategy: RolloutStrategy{Type: RolloutGradual, Percentage: 100}, userID: userBucket71, want: true},
		{name: "blue green live at 50", strategy: RolloutStrategy{Type: RolloutBlueGreen, Percentage: 50}, userID: userBucket71, want: true},
		{name: "blue green idle below 50", strategy: RolloutStrategy{Type: RolloutBlueGreen, Percentage: 49}, userID: userBucket9, want: false},
		{name: "ring 10 open covers bucket 9", strategy: RolloutStrategy{Type: RolloutRing, Percentage: 10}, userID: userBucket9, want: true},
		{name: "ring 10 open excludes bucket 17", strategy: RolloutStrategy{Type: RolloutRing, Percentage: 24}, userID: userBucket17, want: false},
		{name: "ring 25 open covers bucket 17", strategy: RolloutStrategy{Type: RolloutRing, Percentage: 25}, userID: userBucket17, want: true},
		{name: "ring below first threshold admits nobody", strategy: RolloutStrategy{Type: RolloutRing, Percentage: 9}, userID: userBucket9, want: false},
		{name: "ring 100 covers everyone", strategy: RolloutStrategy{Type: RolloutRing, Percentage: 100}, userID: userBucket71, want: true},
		{name: "custom rings replace defaults", strategy: RolloutStrategy{Type: RolloutRing, Percentage: 20, Rings: []int{5, 20, 100}}, userID: userBucket17, want: true},
		{name: "custom rings unsorted are ordered", strategy: RolloutStrategy{Type: RolloutRing, Percentage: 40, Rings: []int{100, 5}}, userID: userBucket17, want: false},
		{name: "unknown type fails closed", strategy: RolloutStrategy{Type: "shadow", Percentage: 100}, userID: userBucket9, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			engine, _ := newTestEngine(t)
			got := engine.InRollout(tt.strategy, Context{UserID: tt.userID, Language: "en"}, now)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInRollout_ScopeConditions(t *testing.T) {
	t.Parallel()

	engine, _ := newTestEngine(t)
	strategy := RolloutStrategy{
		Type: RolloutImmediate,
		Conditions: RolloutConditions{
			Languages: []string{"en", "fr"},
			Countries: []string{"US", "FR"},
			Devices:   []string{"desktop"},
		},
	}
	now := time.Now()

	tests := []struct {
		name string
		ctx  Context
		want bool
	}{
		{name: "all scopes match", ctx: Context{Language: "fr", Country: "FR", Device: "desktop"}, want: true},
		{name: "language outside scope", ctx: Context{Language: "de", Country: "FR", Device: "desktop"}, want: false},
		{name: "country outside scope", ctx: Context{Language: "en", Country: "BR", Device: "desktop"}, want: false},
		{name: "missing country is not rejected", ctx: Context{Language: "en", Device: "desktop"}, want: true},
		{name: "missing device is rejected", ctx: Context{Language: "en", Country: "US"}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, engine.InRollout(strategy, tt.ctx, now))
		})
	}
}

func TestEffectivePercentage_Schedule(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	strategy := RolloutStrategy{
		Type:       RolloutScheduled,
		Percentage: 5,
		Schedule: &Schedule{
			Start: start,
			End:   &end,
			Increments: []Increment{
				{Date: start.AddDate(0, 0, 7), Percentage: 25},
				{Date: start.AddDate(0, 0, 14), Percentage: 50},
				{Date: start.AddDate(0, 0, 21), Percentage: 100},
			},
		},
	}

	tests := []struct {
		name     string
		now      time.Time
		wantPct  float64
		wantOpen bool
	}{
		{name: "before start is closed", now: start.Add(-time.Minute), wantOpen: false},
		{name: "before first increment uses base percentage", now: start.AddDate(0, 0, 1), wantPct: 5, wantOpen: true},
		{name: "increment applies on its date", now: start.AddDate(0, 0, 7), wantPct: 25, wantOpen: true},
		{name: "latest reached increment wins", now: start.AddDate(0, 0, 15), wantPct: 50, wantOpen: true},
		{name: "final increment", now: start.AddDate(0, 0, 22), wantPct: 100, wantOpen: true},
		{name: "after end is closed", now: end.Add(time.Second), wantOpen: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pct, open := EffectivePercentage(strategy, tt.now)
			assert.Equal(t, tt.wantOpen, open)
			if tt.wantOpen {
				assert.Equal(t, tt.wantPct, pct)
			}
		})
	}
}

func TestInRollout_ScheduledFollowsIncrements(t *testing.T) {
	t.Parallel()

	engine, _ := newTestEngine(t)
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	strategy := RolloutStrategy{
		Type: RolloutScheduled,
		Schedule: &Schedule{
			Start:      start,
			Increments: []Increment{{Date: start.AddDate(0, 0, 7), Percentage: 45}},
		},
	}
	ctx := Context{UserID: userBucket40, Language: "en"}

	assert.False(t, engine.InRollout(strategy, ctx, start.AddDate(0, 0, 1)))
	assert.True(t, engine.InRollout(strategy, ctx, start.AddDate(0, 0, 8)))
}

func TestInRollout_GradualDistribution(t *testing.T) {
	t.Parallel()

	engine, _ := newTestEngine(t)
	strategy := RolloutStrategy{Type: RolloutGradual, Percentage: 30}
	now := time.Now()

	const total = 10_000
	admitted := 0
	for i := range total {
		if engine.InRollout(strategy, Context{UserID: fmt.Sprintf("user-%d", i), Language: "en"}, now) {
			admitted++
		}
	}

	assert.InDelta(t, 0.30, float64(admitted)/total, 0.02)
}

func TestWithRolloutEvaluator_Overrides(t *testing.T) {
	t.Parallel()

	engine, _ := newTestEngine(t, WithRolloutEvaluator("shadow", ImmediateRollout{}))
	assert.True(t, engine.InRollout(RolloutStrategy{Type: "shadow"}, Context{Language: "en"}, time.Now()))
}
