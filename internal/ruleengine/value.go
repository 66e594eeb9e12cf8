package ruleengine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// Kind identifies which member of a Value is populated.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindString
	KindNumber
	KindDocument
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindDocument:
		return "document"
	case KindList:
		return "list"
	default:
		return "null"
	}
}

// Value is the tagged union carried by flag values, rule results and condition operands.
// Values are treated as immutable once built; Document maps must not be modified in place.
type Value struct {
	Kind     Kind
	Bool     bool
	String   string
	Number   float64
	Document map[string]any
	List     []Value
}

// Null is the absent value. It is also what an unset context field resolves to.
var Null = Value{}

func Bool(b bool) Value { return Value{Kind: KindBool, Bool: b} }
func String(s string) Value { return Value{Kind: KindString, String: s} }
func Number(f float64) Value { return Value{Kind: KindNumber, Number: f} }
func List(vs ...Value) Value { return Value{Kind: KindList, List: vs} }
func Document(m map[string]any) Value {
	if m == nil {
		m = map[string]any{}
	}
	return Value{Kind: KindDocument, Document: m}
}

// Strings is a convenience for building string lists used by in/not_in conditions.
func Strings(ss ...string) Value {
	vs := make([]Value, len(ss))
	for i, s := range ss {
		vs[i] = String(s)
	}
	return List(vs...)
}

// IsNull reports whether v carries no value.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// Equal is strict equality: both kinds must match. Documents and lists compare deeply.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNull:
		return true
	case KindBool:
		return v.Bool == o.Bool
	case KindString:
		return v.String == o.String
	case KindNumber:
		return v.Number == o.Number
	case KindDocument:
		return reflect.DeepEqual(v.Document, o.Document)
	case KindList:
		if len(v.List) != len(o.List) {
			return false
		}
		for i := range v.List {
			if !v.List[i].Equal(o.List[i]) {
				return false
			}
		}
		return true
	}
	return false
}

// Text coerces v to a string: numbers use the shortest representation, bools
// "true"/"false", null the empty string and documents/lists their JSON form.
func (v Value) Text() string {
	switch v.Kind {
	case KindString:
		return v.String
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindNumber:
		return strconv.FormatFloat(v.Number, 'f', -1, 64)
	case KindDocument, KindList:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	default:
		return ""
	}
}

// Float coerces v to a number. The second result is false when no numeric
// interpretation exists, in which case every ordered comparison must fail.
func (v Value) Float() (float64, bool) {
	switch v.Kind {
	case KindNumber:
		return v.Number, !math.IsNaN(v.Number)
	case KindBool:
		if v.Bool {
			return 1, true
		}
		return 0, true
	case KindString:
		s := strings.TrimSpace(v.String)
		if s == "" {
			return 0, true
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(f) {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// Any converts v to plain Go values (bool, string, float64, map, slice, nil).
func (v Value) Any() any {
	switch v.Kind {
	case KindBool:
		return v.Bool
	case KindString:
		return v.String
	case KindNumber:
		return v.Number
	case KindDocument:
		return v.Document
	case KindList:
		out := make([]any, len(v.List))
		for i, item := range v.List {
			out[i] = item.Any()
		}
		return out
	default:
		return nil
	}
}

// FromAny builds a Value from decoded JSON/YAML data or plain Go scalars.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null, nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case float64:
		return Number(t), nil
	case float32:
		return Number(float64(t)), nil
	case int:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Null, fmt.Errorf("invalid number %q: %w", t, err)
		}
		return Number(f), nil
	case map[string]any:
		return Document(t), nil
	case []any:
		vs := make([]Value, 0, len(t))
		for _, item := range t {
			v, err := FromAny(item)
			if err != nil {
				return Null, err
			}
			vs = append(vs, v)
		}
		return List(vs...), nil
	case []string:
		return Strings(t...), nil
	default:
		return Null, fmt.Errorf("unsupported value type %T", x)
	}
}

// MarshalJSON writes v as its natural JSON token.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindList:
		if v.List == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.List)
	default:
		return json.Marshal(v.Any())
	}
}

// UnmarshalJSON infers the kind from the JSON token.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	parsed, err := FromAny(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
