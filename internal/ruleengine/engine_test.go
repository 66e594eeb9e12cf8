package ruleengine

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolFlag(id string) *Flag {
	return &Flag{
		ID:           id,
		Name:         id,
		Type:         TypeBoolean,
		Value:        Bool(true),
		DefaultValue: Bool(false),
		Enabled:      true,
		Rollout:      RolloutStrategy{Type: RolloutImmediate, Percentage: 100},
		Environments: []string{"production", "development"},
		Languages:    []string{"en", "fr", "de"},
	}
}

func languageRule(id, lang string, value Value, priority int) Rule {
	return Rule{
		ID:        id,
		Condition: RuleCondition{Type: ConditionLanguage, Operator: OpEquals, Value: String(lang)},
		Value:     value,
		Priority:  priority,
		Enabled:   true,
	}
}

func input(ctx Context) EvaluationInput {
	return EvaluationInput{Context: ctx, Environment: "production", Now: time.Now()}
}

type panickingRollout struct{}

func (panickingRollout) InRollout(RolloutStrategy, RolloutInput) bool { panic("boom") }

func TestEngine_Evaluate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		flag       func() *Flag
		in         EvaluationInput
		wantValue  Value
		wantReason Reason
		wantRule   string
	}{
		{
			name:       "missing flag",
			flag:       func() *Flag { return nil },
			in:         input(Context{Language: "en"}),
			wantValue:  Null,
			wantReason: ReasonNotFound,
		},
		{
			name: "disabled flag serves default",
			flag: func() *Flag {
				f := boolFlag("f")
				f.Enabled = false
				return f
			},
			in:         input(Context{Language: "en"}),
			wantValue:  Bool(false),
			wantReason: ReasonDisabled,
		},
		{
			name: "language out of scope ignores rules and rollout",
			flag: func() *Flag {
				f := boolFlag("f")
				f.Languages = []string{"fr"}
				f.Rules = []Rule{languageRule("r1", "de", Bool(true), 10)}
				return f
			},
			in:         input(Context{Language: "de"}),
			wantValue:  Bool(false),
			wantReason: ReasonOutOfScope,
		},
		{
			name: "environment out of scope",
			flag: func() *Flag { return boolFlag("f") },
			in: EvaluationInput{
				Context:     Context{Language: "en"},
				Environment: "staging",
				Now:         time.Now(),
			},
			wantValue:  Bool(false),
			wantReason: ReasonOutOfScope,
		},
		{
			name: "highest priority matching rule wins",
			flag: func() *Flag {
				f := boolFlag("f")
				f.Type = TypeString
				f.Value, f.DefaultValue = String("base"), String("off")
				f.Rules = []Rule{
					languageRule("low", "fr", String("low"), 50),
					languageRule("high", "fr", String("high"), 100),
				}
				return f
			},
			in:         input(Context{Language: "fr"}),
			wantValue:  String("high"),
			wantReason: ReasonRuleMatch,
			wantRule:   "high",
		},
		{
			name: "equal priorities keep declaration order",
			flag: func() *Flag {
				f := boolFlag("f")
				f.Type = TypeString
				f.Value, f.DefaultValue = String("base"), String("off")
				f.Rules = []Rule{
					languageRule("first", "fr", String("first"), 10),
					languageRule("second", "fr", String("second"), 10),
				}
				return f
			},
			in:         input(Context{Language: "fr"}),
			wantValue:  String("first"),
			wantReason: ReasonRuleMatch,
			wantRule:   "first",
		},
		{
			name: "disabled rules are skipped",
			flag: func() *Flag {
				f := boolFlag("f")
				r := languageRule("off", "fr", Bool(false), 100)
				r.Enabled = false
				f.Rules = []Rule{r}
				return f
			},
			in:         input(Context{Language: "fr"}),
			wantValue:  Bool(true),
			wantReason: ReasonRollout,
		},
		{
			name: "rollout miss serves default",
			flag: func() *Flag {
				f := boolFlag("f")
				f.Rollout = RolloutStrategy{Type: RolloutGradual, Percentage: 10}
				return f
			},
			in:         input(Context{UserID: userBucket71, Language: "en"}),
			wantValue:  Bool(false),
			wantReason: ReasonDefault,
		},
		{
			name: "panic inside evaluation degrades to default",
			flag: func() *Flag {
				f := boolFlag("f")
				f.Rollout = RolloutStrategy{Type: "explosive"}
				return f
			},
			in:         input(Context{Language: "en"}),
			wantValue:  Bool(false),
			wantReason: ReasonError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			engine, _ := newTestEngine(t, WithRolloutEvaluator("explosive", panickingRollout{}))

			got := engine.Evaluate(tt.flag(), tt.in)

			assert.True(t, tt.wantValue.Equal(got.Value), "want %v, got %v", tt.wantValue, got.Value)
			assert.Equal(t, tt.wantReason, got.Reason)
			assert.Equal(t, tt.wantRule, got.RuleID)
		})
	}
}

func TestEngine_Evaluate_PanicIsLogged(t *testing.T) {
	t.Parallel()

	engine, logs := newTestEngine(t, WithRolloutEvaluator("explosive", panickingRollout{}))
	f := boolFlag("panicky")
	f.Rollout.Type = "explosive"

	engine.Evaluate(f, input(Context{Language: "en"}))

	assert.Contains(t, logs.String(), "flag evaluation panicked")
	assert.Contains(t, logs.String(), "flag_id=panicky")
}

func TestEngine_Evaluate_Idempotent(t *testing.T) {
	t.Parallel()

	engine, _ := newTestEngine(t)
	f := boolFlag("f")
	f.Rollout = RolloutStrategy{Type: RolloutGradual, Percentage: 50}
	in := input(Context{UserID: userBucket40, Language: "en"})

	first := engine.Evaluate(f, in)
	for range 10 {
		assert.Equal(t, first, engine.Evaluate(f, in))
	}
}

// Gradual rollout at 30% over 10k distinct users lands within two points of 30%.
func TestEngine_GradualRolloutScenario(t *testing.T) {
	t.Parallel()

	engine, _ := newTestEngine(t)
	f := boolFlag("F")
	f.Rollout = RolloutStrategy{Type: RolloutGradual, Percentage: 30}

	const total = 10_000
	on := 0
	for i := range total {
		res := engine.Evaluate(f, input(Context{UserID: fmt.Sprintf("synthetic-%d", i), Language: "en"}))
		if res.Value.Equal(Bool(true)) {
			on++
		}
	}

	assert.InDelta(t, 0.30, float64(on)/total, 0.02)
}

// A percentage flag with a French rule returns the rule value for French and
// the rollout decision for German.
func TestEngine_PercentageFlagScenario(t *testing.T) {
	t.Parallel()

	engine, _ := newTestEngine(t)
	f := &Flag{
		ID:           "G",
		Name:         "G",
		Type:         TypePercentage,
		Value:        Number(100),
		DefaultValue: Number(0),
		Enabled:      true,
		Rules:        []Rule{languageRule("fr-half", "fr", Number(50), 100)},
		Rollout:      RolloutStrategy{Type: RolloutGradual, Percentage: 10},
		Environments: []string{"production"},
		Languages:    []string{"fr", "de"},
	}
	require.NoError(t, CompileFlag(f))

	fr := engine.Evaluate(f, input(Context{Language: "fr"}))
	assert.True(t, Number(50).Equal(fr.Value))

	inside := engine.Evaluate(f, input(Context{Language: "de", UserID: userBucket9}))
	assert.True(t, Number(100).Equal(inside.Value))

	outside := engine.Evaluate(f, input(Context{Language: "de", UserID: userBucket17}))
	assert.True(t, Number(0).Equal(outside.Value))
}

func TestEngine_IsEnabled(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		value Value
		ctx   Context
		want  bool
	}{
		{name: "true", value: Bool(true), want: true},
		{name: "false", value: Bool(false), want: false},
		{name: "number above bucket", value: Number(10), ctx: Context{UserID: userBucket9}, want: true},
		{name: "number at bucket", value: Number(9), ctx: Context{UserID: userBucket9}, want: false},
		{name: "zero number", value: Number(0), ctx: Context{UserID: userBucket9}, want: false},
		{name: "non empty string", value: String("variant-b"), want: true},
		{name: "empty string", value: String(""), want: false},
		{name: "string false", value: String("false"), want: false},
		{name: "string zero", value: String("0"), want: false},
		{name: "document", value: Document(map[string]any{"a": 1.0}), want: false},
		{name: "null", value: Null, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			engine, _ := newTestEngine(t)
			assert.Equal(t, tt.want, engine.IsEnabled("flag", tt.value, tt.ctx))
		})
	}
}

func TestEngine_IsEnabled_IndependentGate(t *testing.T) {
	t.Parallel()

	shared, _ := newTestEngine(t)
	independent, _ := newTestEngine(t, WithGateMode(GateIndependent))

	// Full and empty gates behave the same regardless of the draw.
	ctx := Context{UserID: userBucket71}
	assert.True(t, independent.IsEnabled("f", Number(100), ctx))
	assert.False(t, independent.IsEnabled("f", Number(0), ctx))

	// With independent draws, the admitted population differs per flag.
	differs := 0
	for i := range 500 {
		c := Context{UserID: fmt.Sprintf("u-%d", i)}
		a := independent.IsEnabled("flag-a", Number(50), c)
		b := independent.IsEnabled("flag-b", Number(50), c)
		if a != b {
			differs++
		}
		// Shared mode ignores the flag id.
		require.Equal(t, shared.IsEnabled("flag-a", Number(50), c), shared.IsEnabled("flag-b", Number(50), c))
	}
	assert.Greater(t, differs, 100)
}
