package matcher

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/protoforge/mockgrpc/pkg/ruledoc"
)

// regexCache avoids recompiling the same pattern+flags on every call; a
// malformed pattern is treated as a non-match rather than a panic.
var (
	regexCacheMu sync.RWMutex
	regexCache   = map[string]*regexp.Regexp{}
)

func compileRegex(pattern, flags string) (*regexp.Regexp, bool) {
	key := flags + "\x00" + pattern
	regexCacheMu.RLock()
	if re, ok := regexCache[key]; ok {
		regexCacheMu.RUnlock()
		return re, re != nil
	}
	regexCacheMu.RUnlock()

	goPattern := pattern
	var inline strings.Builder
	for _, f := range flags {
		switch f {
		case 'i', 'm', 's':
			inline.WriteRune(f)
		}
	}
	if inline.Len() > 0 {
		goPattern = "(?" + inline.String() + ")" + goPattern
	}

	re, err := regexp.Compile(goPattern)
	regexCacheMu.Lock()
	if err != nil {
		regexCache[key] = nil
	} else {
		regexCache[key] = re
	}
	regexCacheMu.Unlock()
	return re, err == nil
}

// Evaluate applies a single parsed Matcher to a resolved (value, found) pair.
func Evaluate(m ruledoc.Matcher, value any, found bool) bool {
	switch m.Kind {
	case ruledoc.KindExists:
		exists := found && value != nil
		return exists == m.ExistsWant

	case ruledoc.KindNot:
		if m.Inner == nil {
			return true
		}
		return !Evaluate(*m.Inner, value, found)
	}

	if !found {
		return false
	}

	switch m.Kind {
	case ruledoc.KindRegex:
		re, ok := compileRegex(m.RegexPattern, m.RegexFlags)
		if !ok {
			return false
		}
		return re.MatchString(stringify(value))

	case ruledoc.KindContains:
		switch v := value.(type) {
		case string:
			sub, ok := m.ContainsValue.(string)
			if !ok {
				sub = stringify(m.ContainsValue)
			}
			return strings.Contains(v, sub)
		case []any:
			for _, item := range v {
				if stringify(item) == stringify(m.ContainsValue) {
					return true
				}
			}
			return false
		default:
			return false
		}

	case ruledoc.KindIn:
		sv := stringify(value)
		for _, candidate := range m.InValues {
			if stringify(candidate) == sv {
				return true
			}
		}
		return false

	case ruledoc.KindNumeric:
		lhs, ok := toFiniteFloat(value)
		if !ok {
			return false
		}
		switch m.NumericOp {
		case ruledoc.OpGT:
			return lhs > m.NumericRHS
		case ruledoc.OpGTE:
			return lhs >= m.NumericRHS
		case ruledoc.OpLT:
			return lhs < m.NumericRHS
		case ruledoc.OpLTE:
			return lhs <= m.NumericRHS
		}
		return false

	case ruledoc.KindEq:
		return stringify(value) == stringify(m.EqValue)

	case ruledoc.KindNe:
		return stringify(value) != stringify(m.NeValue)

	case ruledoc.KindLiteral, ruledoc.KindUnknown:
		return stringify(value) == m.Literal
	}

	return false
}

// EvaluateAll AND-joins a map of path -> Matcher against root. An empty or
// nil map is vacuously true.
func EvaluateAll(conditions map[string]ruledoc.Matcher, root map[string]any) bool {
	for path, m := range conditions {
		value, found := Resolve(path, root)
		if !Evaluate(m, value, found) {
			return false
		}
	}
	return true
}

// EvaluateGate evaluates the optional top-level match gate: request keys are
// field paths into the decoded request, metadata keys are header names
// (lower-cased); all conditions are AND-joined together.
func EvaluateGate(gate *ruledoc.Gate, root map[string]any) bool {
	if gate == nil {
		return true
	}
	for path, m := range gate.Request {
		value, found := Resolve("request."+path, root)
		if !Evaluate(m, value, found) {
			return false
		}
	}
	for header, m := range gate.Metadata {
		value, found := Resolve("metadata."+strings.ToLower(header), root)
		if !Evaluate(m, value, found) {
			return false
		}
	}
	return true
}

func stringify(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case bool:
		if s {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case int:
		return strconv.Itoa(s)
	case int64:
		return strconv.FormatInt(s, 10)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

func toFiniteFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	case bool:
		return 0, false
	default:
		return 0, false
	}
}
