package ruleengine

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"
)

const (
	// MaxListSize limits the operand of in/not_in conditions.
	// Large membership lists belong in custom attributes or segments, not in a rule.
	MaxListSize = 10_000

	// OverridePriority is the priority of rules injected by a language-scoped rollback.
	// It is above anything an operator is expected to configure.
	OverridePriority = 1000
)

// ErrInvalidFlag is returned when a flag definition cannot be accepted.
var ErrInvalidFlag = errors.New("invalid flag")

var validate = validator.New()

// operatorsByType lists the operators accepted for each condition type.
var operatorsByType = map[ConditionType][]Operator{
	ConditionUser:       {OpEquals, OpNotEquals, OpContains, OpIn, OpNotIn, OpRegex},
	ConditionLanguage:   {OpEquals, OpNotEquals, OpContains, OpIn, OpNotIn, OpRegex},
	ConditionCountry:    {OpEquals, OpNotEquals, OpContains, OpIn, OpNotIn, OpRegex},
	ConditionDevice:     {OpEquals, OpNotEquals, OpContains, OpIn, OpNotIn, OpRegex},
	ConditionCustom:     {OpEquals, OpNotEquals, OpContains, OpGT, OpLT, OpIn, OpNotIn, OpRegex},
	ConditionPercentage: {OpEquals, OpNotEquals, OpGT, OpLT, OpIn, OpNotIn},
	ConditionTime:       {OpEquals, OpNotEquals, OpGT, OpLT},
}

// CompileFlag validates flag and prepares its rules for evaluation
// (regex conditions are compiled once here instead of on every request).
// Errors wrap ErrInvalidFlag.
func CompileFlag(flag *Flag) error {
	if err := validate.Struct(flag); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidFlag, err)
	}

	if err := checkValueType(flag.Type, flag.Value, "value"); err != nil {
		return err
	}
	if err := checkValueType(flag.Type, flag.DefaultValue, "default_value"); err != nil {
		return err
	}

	for i := range flag.Rules {
		rule := &flag.Rules[i]
		if err := compileCondition(&rule.Condition); err != nil {
			return fmt.Errorf("%w: rule %s: %w", ErrInvalidFlag, rule.ID, err)
		}
		if err := checkValueType(flag.Type, rule.Value, "rule "+rule.ID+" value"); err != nil {
			return err
		}
	}

	if err := checkStrategy(flag.Rollout); err != nil {
		return fmt.Errorf("%w: rollout_strategy: %w", ErrInvalidFlag, err)
	}

	return nil
}

func compileCondition(c *RuleCondition) error {
	allowed, ok := operatorsByType[c.Type]
	if !ok {
		return fmt.Errorf("unknown condition type %q", c.Type)
	}
	valid := false
	for _, op := range allowed {
		if op == c.Operator {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("operator %q is not valid for condition type %q", c.Operator, c.Type)
	}

	if c.Type == ConditionCustom && c.Field == "" {
		return errors.New("custom condition requires a field")
	}

	switch c.Operator {
	case OpIn, OpNotIn:
		if c.Value.Kind != KindList {
			return fmt.Errorf("operator %q requires a list value, got %s", c.Operator, c.Value.Kind)
		}
		if len(c.Value.List) > MaxListSize {
			return fmt.Errorf("list exceeds maximum size: %d > %d", len(c.Value.List), MaxListSize)
		}
	case OpRegex:
		if c.Value.Kind != KindString {
			return fmt.Errorf("regex condition requires a string pattern, got %s", c.Value.Kind)
		}
		re, err := regexp.Compile(c.Value.String)
		if err != nil {
			return fmt.Errorf("invalid regex pattern: %w", err)
		}
		c.pattern = re
	}
	return nil
}

func checkValueType(t ValueType, v Value, field string) error {
	ok := false
	switch t {
	case TypeBoolean:
		ok = v.Kind == KindBool
	case TypeString:
		ok = v.Kind == KindString
	case TypeNumber:
		ok = v.Kind == KindNumber
	case TypePercentage:
		ok = v.Kind == KindNumber && v.Number >= 0 && v.Number <= 100
	case TypeJSON:
		ok = !v.IsNull()
	}
	if !ok {
		return fmt.Errorf("%w: %s of kind %s does not fit flag type %q", ErrInvalidFlag, field, v.Kind, t)
	}
	return nil
}

func checkStrategy(s RolloutStrategy) error {
	for i := 1; i < len(s.Rings); i++ {
		if s.Rings[i] <= s.Rings[i-1] {
			return errors.New("rings must be strictly ascending")
		}
	}

	if s.Type == RolloutScheduled && s.Schedule == nil {
		return errors.New("scheduled rollout requires a schedule")
	}

	sch := s.Schedule
	if sch == nil {
		return nil
	}
	if sch.End != nil && !sch.Start.IsZero() && sch.End.Before(sch.Start) {
		return errors.New("schedule end precedes start")
	}
	if len(sch.Increments) > 0 && sch.Increments[0].Percentage < s.Percentage {
		return errors.New("increment 0 decreases the rollout percentage")
	}
	for i := 1; i < len(sch.Increments); i++ {
		prev, cur := sch.Increments[i-1], sch.Increments[i]
		if cur.Date.Before(prev.Date) {
			return fmt.Errorf("increment %d is not time-ordered", i)
		}
		if cur.Percentage < prev.Percentage {
			return fmt.Errorf("increment %d decreases the rollout percentage", i)
		}
	}
	return nil
}
