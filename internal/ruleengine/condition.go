package ruleengine

import (
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/rafaeljc/bifrost/internal/bucket"
)

// EvaluateCondition reports whether cond holds for ctx at instant now.
// Unknown condition types and operators evaluate to false.
func (e *Engine) EvaluateCondition(cond RuleCondition, ctx Context, now time.Time) bool {
	actual, ok := e.resolve(cond, ctx, now)
	if !ok {
		e.logger.Warn("unknown condition type, failing closed",
			slog.String("type", string(cond.Type)),
			slog.String("operator", string(cond.Operator)),
		)
		return false
	}

	expected := cond.Value
	if cond.Type == ConditionTime {
		expected = normalizeTime(expected)
	}

	switch cond.Operator {
	case OpEquals:
		return actual.Equal(expected)
	case OpNotEquals:
		return !actual.Equal(expected)
	case OpContains:
		return strings.Contains(actual.Text(), expected.Text())
	case OpGT, OpLT:
		a, okA := actual.Float()
		b, okB := expected.Float()
		if !okA || !okB {
			return false
		}
		if cond.Operator == OpGT {
			return a > b
		}
		return a < b
	case OpIn:
		return expected.Kind == KindList && containsValue(expected.List, actual)
	case OpNotIn:
		return expected.Kind == KindList && !containsValue(expected.List, actual)
	case OpRegex:
		re := cond.pattern
		if re == nil {
			var err error
			if re, err = regexp.Compile(expected.Text()); err != nil {
				e.logger.Warn("invalid regex condition, failing closed",
					slog.String("pattern", expected.Text()),
					slog.String("error", err.Error()),
				)
				return false
			}
		}
		return re.MatchString(actual.Text())
	default:
		e.logger.Warn("unknown operator, failing closed",
			slog.String("type", string(cond.Type)),
			slog.String("operator", string(cond.Operator)),
		)
		return false
	}
}

// resolve reads the context attribute a condition refers to.
// Absent optional attributes resolve to Null.
func (e *Engine) resolve(cond RuleCondition, ctx Context, now time.Time) (Value, bool) {
	switch cond.Type {
	case ConditionUser:
		return optionalString(ctx.UserID), true
	case ConditionLanguage:
		return String(ctx.Language), true
	case ConditionCountry:
		return optionalString(ctx.Country), true
	case ConditionDevice:
		return optionalString(ctx.Device), true
	case ConditionCustom:
		v, ok := ctx.Attributes[cond.Field]
		if !ok {
			return Null, true
		}
		return v, true
	case ConditionPercentage:
		return Number(float64(bucket.Percentage(ctx.Identity()))), true
	case ConditionTime:
		return Number(float64(now.UnixMilli())), true
	default:
		return Null, false
	}
}

func optionalString(s string) Value {
	if s == "" {
		return Null
	}
	return String(s)
}

// normalizeTime lets time conditions carry RFC 3339 timestamps as well as epoch milliseconds.
func normalizeTime(v Value) Value {
	if v.Kind != KindString {
		return v
	}
	t, err := time.Parse(time.RFC3339, v.String)
	if err != nil {
		return v
	}
	return Number(float64(t.UnixMilli()))
}

func containsValue(list []Value, v Value) bool {
	for _, item := range list {
		if item.Equal(v) {
			return true
		}
	}
	return false
}
