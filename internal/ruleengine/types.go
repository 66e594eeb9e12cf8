// Package ruleengine decides, per request context, which value of a feature flag is active.
// It evaluates typed rule conditions, rollout strategies (immediate, gradual, canary,
// ring, blue/green, scheduled) and the prioritized rule list of a flag.
package ruleengine

import (
	"regexp"
	"time"
)

// Context is the per-request evaluation input. It is never persisted.
type Context struct {
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	// Language is required for scoped flags.
	Language string `json:"language"`

	Country string `json:"country,omitempty"`
	Device  string `json:"device,omitempty"`

	// Attributes holds custom targeting data referenced by "custom" conditions.
	Attributes map[string]Value `json:"attributes,omitempty"`
}

// AnonymousIdentity is the bucketing identity of a context without user or session.
const AnonymousIdentity = "anonymous"

// Identity returns the identifier used for bucketing: user id, then session id,
// then AnonymousIdentity.
func (c Context) Identity() string {
	if c.UserID != "" {
		return c.UserID
	}
	if c.SessionID != "" {
		return c.SessionID
	}
	return AnonymousIdentity
}

// ValueType is the declared type of a flag value.
type ValueType string

const (
	TypeBoolean    ValueType = "boolean"
	TypeString     ValueType = "string"
	TypeNumber     ValueType = "number"
	TypeJSON       ValueType = "json"
	TypePercentage ValueType = "percentage"
)

// ConditionType selects which context attribute a condition reads.
type ConditionType string

const (
	ConditionUser       ConditionType = "user"
	ConditionLanguage   ConditionType = "language"
	ConditionCountry    ConditionType = "country"
	ConditionDevice     ConditionType = "device"
	ConditionCustom     ConditionType = "custom"
	ConditionPercentage ConditionType = "percentage"
	ConditionTime       ConditionType = "time"
)

// Operator is the comparison applied by a condition.
type Operator string

const (
	OpEquals    Operator = "equals"
	OpNotEquals Operator = "not_equals"
	OpContains  Operator = "contains"
	OpGT        Operator = "gt"
	OpLT        Operator = "lt"
	OpIn        Operator = "in"
	OpNotIn     Operator = "not_in"
	OpRegex     Operator = "regex"
)

// RuleCondition is a single typed predicate over the evaluation context.
type RuleCondition struct {
	Type     ConditionType `json:"type" validate:"required,oneof=user language country device custom percentage time"`
	Operator Operator      `json:"operator" validate:"required,oneof=equals not_equals contains gt lt in not_in regex"`

	// Field names the custom attribute; only used by "custom" conditions.
	Field string `json:"field,omitempty"`
	Value Value  `json:"value"`

	pattern *regexp.Regexp
}

// Rule maps a matching condition to a value. Higher priority is evaluated first.
type Rule struct {
	ID        string        `json:"id" validate:"required"`
	Condition RuleCondition `json:"condition"`
	Value     Value         `json:"value"`
	Priority  int           `json:"priority"`
	Enabled   bool          `json:"enabled"`
}

// RolloutType selects the rollout strategy.
type RolloutType string

const (
	RolloutImmediate RolloutType = "immediate"
	RolloutGradual   RolloutType = "gradual"
	RolloutCanary    RolloutType = "canary"
	RolloutBlueGreen RolloutType = "blue_green"
	RolloutRing      RolloutType = "ring"
	RolloutScheduled RolloutType = "scheduled"
)

// DefaultRings is the ring cadence used when a strategy does not configure one.
var DefaultRings = []int{10, 25, 50, 100}

// Increment raises the effective rollout percentage once Date is reached.
type Increment struct {
	Date       time.Time `json:"date"`
	Percentage float64   `json:"percentage" validate:"min=0,max=100"`
}

// Schedule bounds a rollout in time and optionally ramps it up.
type Schedule struct {
	Start      time.Time   `json:"start"`
	End        *time.Time  `json:"end,omitempty"`
	Increments []Increment `json:"increments,omitempty" validate:"dive"`
}

// RolloutConditions scope a rollout. Every non-empty list must match (AND).
type RolloutConditions struct {
	Languages    []string `json:"languages,omitempty"`
	Countries    []string `json:"countries,omitempty"`
	Devices      []string `json:"devices,omitempty"`
	UserSegments []string `json:"user_segments,omitempty"`
}

// RolloutStrategy decides which share of contexts receives the flag value.
type RolloutStrategy struct {
	Type         RolloutType       `json:"type" validate:"required,oneof=immediate gradual canary blue_green ring scheduled"`
	Percentage   float64           `json:"percentage" validate:"min=0,max=100"`
	TargetGroups []string          `json:"target_groups,omitempty"`
	Rings        []int             `json:"rings,omitempty" validate:"dive,min=1,max=100"`
	Schedule     *Schedule         `json:"schedule,omitempty"`
	Conditions   RolloutConditions `json:"conditions"`
}

// TriggerCondition compares a metric sample against a trigger threshold.
type TriggerCondition string

const (
	TriggerGT     TriggerCondition = "gt"
	TriggerLT     TriggerCondition = "lt"
	TriggerEquals TriggerCondition = "equals"
)

// Trigger is a metric threshold that causes an automatic rollback when breached.
type Trigger struct {
	Metric          string           `json:"metric" validate:"required"`
	Condition       TriggerCondition `json:"condition" validate:"required,oneof=gt lt equals"`
	Value           float64          `json:"value"`
	DurationMinutes int              `json:"duration_minutes,omitempty" validate:"min=0"`
	Languages       []string         `json:"languages,omitempty"`
}

// Breached reports whether value crosses the trigger threshold. Unknown conditions never breach.
func (t Trigger) Breached(value float64) bool {
	switch t.Condition {
	case TriggerGT:
		return value > t.Value
	case TriggerLT:
		return value < t.Value
	case TriggerEquals:
		return value == t.Value
	default:
		return false
	}
}

// AppliesTo reports whether a sample with the given language is watched by the trigger.
// A language-restricted trigger never matches global samples.
func (t Trigger) AppliesTo(metric, language string) bool {
	if t.Metric != metric {
		return false
	}
	if len(t.Languages) == 0 {
		return true
	}
	if language == "" {
		return false
	}
	for _, l := range t.Languages {
		if l == language {
			return true
		}
	}
	return false
}

// AutoRollback configures automated rollback for a flag.
type AutoRollback struct {
	Enabled         bool      `json:"enabled"`
	Triggers        []Trigger `json:"triggers,omitempty" validate:"dive"`
	CooldownMinutes int       `json:"cooldown_minutes,omitempty" validate:"min=0"`
}

// MetricSnapshot is the last known aggregate of each monitored metric.
type MetricSnapshot struct {
	ErrorRate           float64 `json:"error_rate"`
	PerformanceImpact   float64 `json:"performance_impact"`
	UserSatisfaction    float64 `json:"user_satisfaction"`
	ConversionRate      float64 `json:"conversion_rate"`
	TranslationAccuracy float64 `json:"translation_accuracy,omitempty"`
}

// Thresholds are the alerting levels attached to a flag.
type Thresholds struct {
	ErrorRate         float64 `json:"error_rate"`
	PerformanceImpact float64 `json:"performance_impact"`
	UserSatisfaction  float64 `json:"user_satisfaction"`
}

// Monitoring groups the metric snapshot, thresholds and rollback policy of a flag.
type Monitoring struct {
	Metrics      MetricSnapshot `json:"metrics"`
	Thresholds   Thresholds     `json:"thresholds"`
	AutoRollback AutoRollback   `json:"auto_rollback"`
}

// Flag is a named, versioned unit of control.
type Flag struct {
	ID           string          `json:"id" validate:"required,max=255"`
	Name         string          `json:"name" validate:"required,max=255"`
	Description  string          `json:"description,omitempty"`
	Type         ValueType       `json:"type" validate:"required,oneof=boolean string number json percentage"`
	Value        Value           `json:"value"`
	DefaultValue Value           `json:"default_value"`
	Enabled      bool            `json:"enabled"`
	Rules        []Rule          `json:"rules,omitempty" validate:"dive"`
	Rollout      RolloutStrategy `json:"rollout_strategy"`
	Monitoring   Monitoring      `json:"monitoring"`
	Environments []string        `json:"environments" validate:"min=1,dive,required"`
	Languages    []string        `json:"languages" validate:"min=1,dive,required"`
	Version      int64           `json:"version"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// TimeDependent reports whether evaluating f can give a different answer as
// time passes with no change to the flag: it has an enabled time rule or a
// rollout schedule.
func (f *Flag) TimeDependent() bool {
	if f.Rollout.Schedule != nil {
		return true
	}
	for _, r := range f.Rules {
		if r.Enabled && r.Condition.Type == ConditionTime {
			return true
		}
	}
	return false
}

// Clone returns a copy of f whose slices can be modified without affecting f.
// Values are shared; they are immutable.
func (f *Flag) Clone() *Flag {
	c := *f
	c.Rules = append([]Rule(nil), f.Rules...)
	c.Environments = append([]string(nil), f.Environments...)
	c.Languages = append([]string(nil), f.Languages...)
	c.Rollout.TargetGroups = append([]string(nil), f.Rollout.TargetGroups...)
	c.Rollout.Rings = append([]int(nil), f.Rollout.Rings...)
	c.Rollout.Conditions = RolloutConditions{
		Languages:    append([]string(nil), f.Rollout.Conditions.Languages...),
		Countries:    append([]string(nil), f.Rollout.Conditions.Countries...),
		Devices:      append([]string(nil), f.Rollout.Conditions.Devices...),
		UserSegments: append([]string(nil), f.Rollout.Conditions.UserSegments...),
	}
	if f.Rollout.Schedule != nil {
		s := *f.Rollout.Schedule
		s.Increments = append([]Increment(nil), f.Rollout.Schedule.Increments...)
		c.Rollout.Schedule = &s
	}
	c.Monitoring.AutoRollback.Triggers = append([]Trigger(nil), f.Monitoring.AutoRollback.Triggers...)
	return &c
}

// EvaluationInput aggregates what a single flag evaluation needs.
type EvaluationInput struct {
	Context Context

	// Environment is where the evaluating process runs (e.g. "production").
	Environment string

	Now time.Time
}
