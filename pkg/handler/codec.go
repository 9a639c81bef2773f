package handler

import (
	"encoding/json"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

// DecodeMap converts a decoded proto.Message into a generic JSON tree for
// rule matching and template rendering via a protojson round-trip.
func DecodeMap(msg proto.Message) map[string]any {
	if msg == nil {
		return map[string]any{}
	}
	data, err := protojson.Marshal(msg)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{}
	}
	if out == nil {
		out = map[string]any{}
	}
	return out
}

// Encode builds a dynamic message of the given descriptor from a
// rule-authored JSON tree via json.Marshal followed by protojson.Unmarshal
// into a fresh dynamicpb.Message.
func Encode(desc protoreflect.MessageDescriptor, data any) (*dynamicpb.Message, error) {
	msg := dynamicpb.NewMessage(desc)
	if data == nil {
		return msg, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	if err := protojson.Unmarshal(raw, msg); err != nil {
		return nil, err
	}
	return msg, nil
}
