package validation

import (
	"encoding/json"
	"strconv"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/protoforge/mockgrpc/internal/validateproto"
)

// messageToMap converts any proto.Message to a generic JSON tree via
// protojson, with UseProtoNames so the resulting keys match the snake_case
// constraint op names (min_len, not_contains, ...).
func messageToMap(msg proto.Message) map[string]any {
	if msg == nil {
		return nil
	}
	data, err := protojson.MarshalOptions{UseProtoNames: true}.Marshal(msg)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

// Extract builds the MessageIR for one message type by walking its fields
// and, for each, probing first the PGV-shaped (validate.rules) extension and
// then the protovalidate-shaped (buf.validate.field) extension. Message-level
// CEL rules are drawn from (buf.validate.message).cel.
func Extract(md protoreflect.MessageDescriptor) (*MessageIR, error) {
	ir := &MessageIR{MessageName: string(md.FullName())}

	fields := md.Fields()
	for i := 0; i < fields.Len(); i++ {
		fd := fields.Get(i)
		fc, ok, err := extractField(fd)
		if err != nil {
			return nil, err
		}
		if ok {
			ir.Fields = append(ir.Fields, fc)
		}
	}

	msgConstraintsExt, err := validateproto.MessageConstraintsExtension()
	if err != nil {
		return nil, err
	}
	opts, ok := md.Options().(*descriptorpb.MessageOptions)
	if ok && opts != nil {
		extType := dynamicpb.NewExtensionType(msgConstraintsExt)
		if proto.HasExtension(opts, extType) {
			ext, _ := proto.GetExtension(opts, extType).(proto.Message)
			m := messageToMap(ext)
			ir.CELRules = append(ir.CELRules, celRulesFromMap(m, "cel")...)
		}
	}

	return ir, nil
}

func extractField(fd protoreflect.FieldDescriptor) (FieldConstraint, bool, error) {
	opts, ok := fd.Options().(*descriptorpb.FieldOptions)
	if !ok || opts == nil {
		return FieldConstraint{}, false, nil
	}

	if fc, ok, err := extractPGV(fd, opts); err != nil || ok {
		return fc, ok, err
	}
	return extractProtovalidate(fd, opts)
}

func extractPGV(fd protoreflect.FieldDescriptor, opts *descriptorpb.FieldOptions) (FieldConstraint, bool, error) {
	ext, err := validateproto.FieldRulesExtension()
	if err != nil {
		return FieldConstraint{}, false, err
	}
	extType := dynamicpb.NewExtensionType(ext)
	if !proto.HasExtension(opts, extType) {
		return FieldConstraint{}, false, nil
	}
	rules, _ := proto.GetExtension(opts, extType).(proto.Message)
	m := messageToMap(rules)
	fc := buildFieldConstraint(fd, SourcePGV, m, fieldNames{
		str: "string", num: "number", rep: "repeated", msg: "message", enum: "enum",
	})
	if fc.Kind == "" {
		return FieldConstraint{}, false, nil
	}
	return fc, true, nil
}

func extractProtovalidate(fd protoreflect.FieldDescriptor, opts *descriptorpb.FieldOptions) (FieldConstraint, bool, error) {
	ext, err := validateproto.FieldConstraintsExtension()
	if err != nil {
		return FieldConstraint{}, false, err
	}
	extType := dynamicpb.NewExtensionType(ext)
	if !proto.HasExtension(opts, extType) {
		return FieldConstraint{}, false, nil
	}
	constraints, _ := proto.GetExtension(opts, extType).(proto.Message)
	m := messageToMap(constraints)
	fc := buildFieldConstraint(fd, SourceProtovalidate, m, fieldNames{
		str: "string_val", num: "number", rep: "repeated", enum: "enum",
	})
	if cels := celRulesFromMap(m, "cel"); len(cels) > 0 && fc.Kind == "" {
		fc.Kind = KindCEL
		fc.Source = SourceProtovalidate
		fc.Ops.CELExpression = cels[0].Expression
		fc.Ops.CELMessage = cels[0].Message
	}
	if fc.Kind == "" {
		return FieldConstraint{}, false, nil
	}
	return fc, true, nil
}

type fieldNames struct {
	str, num, rep, msg, enum string
}

func buildFieldConstraint(fd protoreflect.FieldDescriptor, source Source, m map[string]any, names fieldNames) FieldConstraint {
	fc := FieldConstraint{Field: string(fd.Name()), Source: source}

	if fd.IsList() {
		if sub, ok := subMap(m, names.rep); ok {
			fc.Kind = KindRepeated
			fc.Ops.MinItems = asUint64Ptr(sub["min_items"])
			fc.Ops.MaxItems = asUint64Ptr(sub["max_items"])
			fc.Ops.Unique, _ = sub["unique"].(bool)
			return fc
		}
	}

	if sub, ok := subMap(m, names.str); ok {
		fc.Kind = KindString
		populateStringOps(&fc.Ops, sub)
		return fc
	}
	if sub, ok := subMap(m, names.num); ok {
		fc.Kind = KindNumber
		populateNumberOps(&fc.Ops, sub)
		return fc
	}
	if names.enum != "" {
		if sub, ok := subMap(m, names.enum); ok {
			fc.Kind = KindEnum
			fc.Ops.DefinedOnly, _ = sub["defined_only"].(bool)
			fc.Ops.EnumIn = asInt32Slice(sub["in"])
			fc.Ops.EnumNotIn = asInt32Slice(sub["not_in"])
			return fc
		}
	}
	if names.msg != "" {
		if sub, ok := subMap(m, names.msg); ok {
			fc.Kind = KindPresence
			fc.Ops.Required, _ = sub["required"].(bool)
			return fc
		}
	}

	return fc // Kind == "" signals "nothing recognized"
}

func populateStringOps(ops *Ops, sub map[string]any) {
	ops.Pattern, _ = sub["pattern"].(string)
	ops.MinLen = asUint64Ptr(sub["min_len"])
	ops.MaxLen = asUint64Ptr(sub["max_len"])
	ops.MinBytes = asUint64Ptr(sub["min_bytes"])
	ops.MaxBytes = asUint64Ptr(sub["max_bytes"])
	ops.Prefix, _ = sub["prefix"].(string)
	ops.Suffix, _ = sub["suffix"].(string)
	ops.Contains, _ = sub["contains"].(string)
	ops.NotContains, _ = sub["not_contains"].(string)
	ops.In = asStringSlice(sub["in"])
	ops.NotIn = asStringSlice(sub["not_in"])
	ops.Email, _ = sub["email"].(bool)
	ops.UUID, _ = sub["uuid"].(bool)
	ops.Hostname, _ = sub["hostname"].(bool)
	ops.IPv4, _ = sub["ipv4"].(bool)
	ops.IPv6, _ = sub["ipv6"].(bool)
	ops.URI, _ = sub["uri"].(bool)
	ops.IgnoreEmpty, _ = sub["ignore_empty"].(bool)
}

func populateNumberOps(ops *Ops, sub map[string]any) {
	ops.Const = asFloat64Ptr(sub["const"])
	ops.GT = asFloat64Ptr(sub["gt"])
	ops.GTE = asFloat64Ptr(sub["gte"])
	ops.LT = asFloat64Ptr(sub["lt"])
	ops.LTE = asFloat64Ptr(sub["lte"])
	ops.NumberIn = asFloat64Slice(sub["in"])
	ops.NumberNotIn = asFloat64Slice(sub["not_in"])
	ops.IgnoreEmpty, _ = sub["ignore_empty"].(bool)
}

func celRulesFromMap(m map[string]any, key string) []CELRule {
	raw, ok := m[key].([]any)
	if !ok {
		return nil
	}
	var out []CELRule
	for _, item := range raw {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		id, _ := obj["id"].(string)
		msg, _ := obj["message"].(string)
		expr, _ := obj["expression"].(string)
		out = append(out, CELRule{ID: id, Message: msg, Expression: expr})
	}
	return out
}

func subMap(m map[string]any, key string) (map[string]any, bool) {
	if key == "" || m == nil {
		return nil, false
	}
	sub, ok := m[key].(map[string]any)
	return sub, ok
}

func asUint64Ptr(v any) *uint64 {
	f, ok := asFloat64(v)
	if !ok {
		return nil
	}
	u := uint64(f)
	return &u
}

func asFloat64Ptr(v any) *float64 {
	f, ok := asFloat64(v)
	if !ok {
		return nil
	}
	return &f
}

func asFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string: // protojson renders uint64/int64 as strings
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func asStringSlice(v any) []string {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		s, _ := item.(string)
		out = append(out, s)
	}
	return out
}

func asFloat64Slice(v any) []float64 {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]float64, 0, len(arr))
	for _, item := range arr {
		if f, ok := asFloat64(item); ok {
			out = append(out, f)
		}
	}
	return out
}

func asInt32Slice(v any) []int32 {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]int32, 0, len(arr))
	for _, item := range arr {
		if f, ok := asFloat64(item); ok {
			out = append(out, int32(f))
		}
	}
	return out
}
