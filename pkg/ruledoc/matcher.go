package ruledoc

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// MatcherKind discriminates the Matcher tagged union: the matcher shape is
// parsed once at rule-load rather than re-interpreted on every call.
type MatcherKind int

const (
	KindLiteral MatcherKind = iota
	KindRegex
	KindContains
	KindIn
	KindExists
	KindNumeric
	KindEq
	KindNe
	KindNot
	KindUnknown // unknown-shaped object, falls back to string-of-JSON equality
)

// NumericOp enumerates the four numeric comparison operators.
type NumericOp string

const (
	OpGT  NumericOp = "gt"
	OpGTE NumericOp = "gte"
	OpLT  NumericOp = "lt"
	OpLTE NumericOp = "lte"
)

// Matcher is a parsed matcher value: either a literal or one of the
// recognized operator shapes.
type Matcher struct {
	Kind MatcherKind

	Literal string // KindLiteral / KindUnknown: compared via string form

	RegexPattern string // KindRegex
	RegexFlags   string

	ContainsValue any // KindContains

	InValues []any // KindIn

	ExistsWant bool // KindExists

	NumericOp  NumericOp // KindNumeric
	NumericRHS float64

	EqValue any // KindEq
	NeValue any // KindNe

	Inner *Matcher // KindNot
}

// UnmarshalYAML implements yaml.Unmarshaler by probing the decoded value's
// shape and dispatching to the matching matcher kind.
func (m *Matcher) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("ruledoc: decoding matcher: %w", err)
	}
	parsed, err := parseMatcher(raw)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// UnmarshalJSON implements json.Unmarshaler the same way.
func (m *Matcher) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("ruledoc: decoding matcher: %w", err)
	}
	parsed, err := parseMatcher(raw)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// MarshalJSON round-trips a parsed Matcher back to its canonical object
// form, used by tests and by the admin status surface's echo of loaded
// rules.
func (m Matcher) MarshalJSON() ([]byte, error) {
	switch m.Kind {
	case KindRegex:
		obj := map[string]any{"regex": m.RegexPattern}
		if m.RegexFlags != "" {
			obj["flags"] = m.RegexFlags
		}
		return json.Marshal(obj)
	case KindContains:
		return json.Marshal(map[string]any{"contains": m.ContainsValue})
	case KindIn:
		return json.Marshal(map[string]any{"in": m.InValues})
	case KindExists:
		return json.Marshal(map[string]any{"exists": m.ExistsWant})
	case KindNumeric:
		return json.Marshal(map[string]any{string(m.NumericOp): m.NumericRHS})
	case KindEq:
		return json.Marshal(map[string]any{"eq": m.EqValue})
	case KindNe:
		return json.Marshal(map[string]any{"ne": m.NeValue})
	case KindNot:
		return json.Marshal(map[string]any{"not": m.Inner})
	default:
		return json.Marshal(m.Literal)
	}
}

func parseMatcher(raw any) (Matcher, error) {
	obj, isObj := raw.(map[string]any)
	if !isObj {
		return Matcher{Kind: KindLiteral, Literal: stringify(raw)}, nil
	}

	if v, ok := obj["regex"]; ok {
		flags, _ := obj["flags"].(string)
		return Matcher{Kind: KindRegex, RegexPattern: stringify(v), RegexFlags: flags}, nil
	}
	if v, ok := obj["contains"]; ok {
		return Matcher{Kind: KindContains, ContainsValue: v}, nil
	}
	if v, ok := obj["in"]; ok {
		arr, _ := v.([]any)
		return Matcher{Kind: KindIn, InValues: arr}, nil
	}
	if v, ok := obj["exists"]; ok {
		b, _ := v.(bool)
		return Matcher{Kind: KindExists, ExistsWant: b}, nil
	}
	for _, op := range []NumericOp{OpGT, OpGTE, OpLT, OpLTE} {
		if v, ok := obj[string(op)]; ok {
			n, err := toFloat64(v)
			if err != nil {
				return Matcher{}, fmt.Errorf("ruledoc: numeric matcher %q: %w", op, err)
			}
			return Matcher{Kind: KindNumeric, NumericOp: op, NumericRHS: n}, nil
		}
	}
	if v, ok := obj["eq"]; ok {
		return Matcher{Kind: KindEq, EqValue: v}, nil
	}
	if v, ok := obj["ne"]; ok {
		return Matcher{Kind: KindNe, NeValue: v}, nil
	}
	if v, ok := obj["not"]; ok {
		inner, err := parseMatcher(v)
		if err != nil {
			return Matcher{}, err
		}
		return Matcher{Kind: KindNot, Inner: &inner}, nil
	}

	// Unknown-shaped object: compared by string of the whole object.
	return Matcher{Kind: KindUnknown, Literal: stringify(raw)}, nil
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func toFloat64(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("not a number: %v", v)
	}
}
