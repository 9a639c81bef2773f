package validation

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"google.golang.org/protobuf/proto"
)

// engine owns the shared CEL cache across every Validate call in a process;
// a single process-wide instance is cheap and keeps the compiled-program
// cache warm across messages of the same field-set shape.
var (
	sharedEngine     *celEngine
	sharedEngineOnce sync.Once
)

func cel() *celEngine {
	sharedEngineOnce.Do(func() { sharedEngine = newCELEngine() })
	return sharedEngine
}

// Validate evaluates ir against msg, collecting every violation: fields in
// declaration order, then message-level CEL rules, with no short-circuit.
func Validate(ir *MessageIR, msg proto.Message) Result {
	var result Result
	if ir == nil {
		return result
	}

	data := messageToMap(msg)

	for _, fc := range ir.Fields {
		value, present := data[fc.Field]
		if fc.Ops.IgnoreEmpty && isZero(value, present) {
			continue
		}
		validateField(fc, value, present, &result)
	}

	if len(ir.CELRules) > 0 {
		env := map[string]any{"this": data}
		for k, v := range data {
			env[k] = v
		}
		for _, rule := range ir.CELRules {
			evalCELRule(rule.Expression, rule.Message, "", env, &result)
		}
	}

	return result
}

func evalCELRule(expression, message, field string, env map[string]any, result *Result) {
	out, err := cel().eval(expression, env)
	if err != nil {
		result.Add(field, "cel", firstNonEmpty(message, err.Error()))
		return
	}
	ok, isBool := out.(bool)
	if !isBool || !ok {
		result.Add(field, "cel", firstNonEmpty(message, fmt.Sprintf("expression %q did not hold", expression)))
	}
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func validateField(fc FieldConstraint, value any, present bool, result *Result) {
	switch fc.Kind {
	case KindPresence:
		if fc.Ops.Required && !present {
			result.Add(fc.Field, "required", "field is required")
		}
	case KindString:
		validateString(fc, value, present, result)
	case KindNumber:
		validateNumber(fc, value, present, result)
	case KindRepeated:
		validateRepeated(fc, value, present, result)
	case KindEnum:
		validateEnum(fc, value, present, result)
	case KindCEL:
		env := map[string]any{"this": value, "value": value}
		evalCELRule(fc.Ops.CELExpression, fc.Ops.CELMessage, fc.Field, env, result)
	}
}

func validateString(fc FieldConstraint, value any, present bool, result *Result) {
	s, ok := value.(string)
	if !present || !ok {
		if !fc.Ops.IgnoreEmpty {
			s = ""
		} else {
			return
		}
	}
	ops := fc.Ops

	if ops.Pattern != "" {
		re, err := regexp.Compile(ops.Pattern)
		if err != nil || !re.MatchString(s) {
			result.Add(fc.Field, "pattern", fmt.Sprintf("value does not match pattern %q", ops.Pattern))
		}
	}
	if ops.MinLen != nil && uint64(len(s)) < *ops.MinLen {
		result.Add(fc.Field, "min_len", fmt.Sprintf("length %d is less than minimum %d", len(s), *ops.MinLen))
	}
	if ops.MaxLen != nil && uint64(len(s)) > *ops.MaxLen {
		result.Add(fc.Field, "max_len", fmt.Sprintf("length %d exceeds maximum %d", len(s), *ops.MaxLen))
	}
	if ops.MinBytes != nil && uint64(len([]byte(s))) < *ops.MinBytes {
		result.Add(fc.Field, "min_bytes", "byte length below minimum")
	}
	if ops.MaxBytes != nil && uint64(len([]byte(s))) > *ops.MaxBytes {
		result.Add(fc.Field, "max_bytes", "byte length exceeds maximum")
	}
	if ops.Prefix != "" && !strings.HasPrefix(s, ops.Prefix) {
		result.Add(fc.Field, "prefix", fmt.Sprintf("value does not start with %q", ops.Prefix))
	}
	if ops.Suffix != "" && !strings.HasSuffix(s, ops.Suffix) {
		result.Add(fc.Field, "suffix", fmt.Sprintf("value does not end with %q", ops.Suffix))
	}
	if ops.Contains != "" && !strings.Contains(s, ops.Contains) {
		result.Add(fc.Field, "contains", fmt.Sprintf("value does not contain %q", ops.Contains))
	}
	if ops.NotContains != "" && strings.Contains(s, ops.NotContains) {
		result.Add(fc.Field, "not_contains", fmt.Sprintf("value must not contain %q", ops.NotContains))
	}
	if len(ops.In) > 0 && !containsString(ops.In, s) {
		result.Add(fc.Field, "in", "value is not one of the allowed values")
	}
	if len(ops.NotIn) > 0 && containsString(ops.NotIn, s) {
		result.Add(fc.Field, "not_in", "value is one of the disallowed values")
	}
	if ops.Email && !emailPattern.MatchString(s) {
		result.Add(fc.Field, "email", "value is not a valid email address")
	}
	if ops.UUID && !uuidPattern.MatchString(s) {
		result.Add(fc.Field, "uuid", "value is not a valid uuid")
	}
	if ops.Hostname && !hostnamePattern.MatchString(s) {
		result.Add(fc.Field, "hostname", "value is not a valid hostname")
	}
	if ops.IPv4 && !ipv4Pattern.MatchString(s) {
		result.Add(fc.Field, "ipv4", "value is not a valid IPv4 address")
	}
	if ops.IPv6 && !strings.Contains(s, ":") {
		result.Add(fc.Field, "ipv6", "value is not a valid IPv6 address")
	}
	if ops.URI && !uriPattern.MatchString(s) {
		result.Add(fc.Field, "uri", "value is not a valid URI")
	}
}

func validateNumber(fc FieldConstraint, value any, present bool, result *Result) {
	n, ok := toFloat64(value)
	if !present || !ok {
		return
	}
	ops := fc.Ops
	if ops.Const != nil && n != *ops.Const {
		result.Add(fc.Field, "const", fmt.Sprintf("value %v does not equal required constant %v", n, *ops.Const))
	}
	if ops.GT != nil && !(n > *ops.GT) {
		result.Add(fc.Field, "gt", fmt.Sprintf("value %v is not greater than %v", n, *ops.GT))
	}
	if ops.GTE != nil && !(n >= *ops.GTE) {
		result.Add(fc.Field, "gte", fmt.Sprintf("value %v is not greater than or equal to %v", n, *ops.GTE))
	}
	if ops.LT != nil && !(n < *ops.LT) {
		result.Add(fc.Field, "lt", fmt.Sprintf("value %v is not less than %v", n, *ops.LT))
	}
	if ops.LTE != nil && !(n <= *ops.LTE) {
		result.Add(fc.Field, "lte", fmt.Sprintf("value %v is not less than or equal to %v", n, *ops.LTE))
	}
	if len(ops.NumberIn) > 0 && !containsFloat(ops.NumberIn, n) {
		result.Add(fc.Field, "in", "value is not one of the allowed values")
	}
	if len(ops.NumberNotIn) > 0 && containsFloat(ops.NumberNotIn, n) {
		result.Add(fc.Field, "not_in", "value is one of the disallowed values")
	}
}

func validateRepeated(fc FieldConstraint, value any, present bool, result *Result) {
	items, _ := value.([]any)
	n := len(items)
	ops := fc.Ops
	if ops.MinItems != nil && uint64(n) < *ops.MinItems {
		result.Add(fc.Field, "min_items", fmt.Sprintf("item count %d is below minimum %d", n, *ops.MinItems))
	}
	if ops.MaxItems != nil && uint64(n) > *ops.MaxItems {
		result.Add(fc.Field, "max_items", fmt.Sprintf("item count %d exceeds maximum %d", n, *ops.MaxItems))
	}
	if ops.Unique {
		seen := map[string]bool{}
		for _, item := range items {
			key := fmt.Sprintf("%v", item)
			if seen[key] {
				result.Add(fc.Field, "unique", "repeated field contains a duplicate element")
				break
			}
			seen[key] = true
		}
	}
}

func validateEnum(fc FieldConstraint, value any, present bool, result *Result) {
	n, ok := toFloat64(value)
	if !present || !ok {
		return
	}
	v := int32(n)
	ops := fc.Ops
	if len(ops.EnumIn) > 0 && !containsInt32(ops.EnumIn, v) {
		result.Add(fc.Field, "in", "enum value is not one of the allowed values")
	}
	if len(ops.EnumNotIn) > 0 && containsInt32(ops.EnumNotIn, v) {
		result.Add(fc.Field, "not_in", "enum value is one of the disallowed values")
	}
}

var (
	emailPattern    = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	uuidPattern     = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	hostnamePattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$`)
	ipv4Pattern     = regexp.MustCompile(`^(\d{1,3}\.){3}\d{1,3}$`)
	uriPattern      = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*://`)
)

func containsString(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func containsFloat(set []float64, v float64) bool {
	for _, f := range set {
		if f == v {
			return true
		}
	}
	return false
}

func containsInt32(set []int32, v int32) bool {
	for _, i := range set {
		if i == v {
			return true
		}
	}
	return false
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case bool:
		return 0, false
	default:
		return 0, false
	}
}

// isZero reports whether value is the field's zero value, for ignore_empty:
// such fields are skipped entirely rather than validated against their zero
// value.
func isZero(value any, present bool) bool {
	if !present || value == nil {
		return true
	}
	switch v := value.(type) {
	case string:
		return v == ""
	case float64:
		return v == 0
	case bool:
		return !v
	case []any:
		return len(v) == 0
	default:
		return false
	}
}
