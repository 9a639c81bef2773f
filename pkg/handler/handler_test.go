package handler

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/bufbuild/protocompile"
	"github.com/bufbuild/protocompile/reporter"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/protoforge/mockgrpc/internal/validateproto"
	"github.com/protoforge/mockgrpc/pkg/metrics"
	"github.com/protoforge/mockgrpc/pkg/ruledoc"
	"github.com/protoforge/mockgrpc/pkg/schema"
	"github.com/protoforge/mockgrpc/pkg/validation"
)

const handlerTestProto = `syntax = "proto3";

package greet;

service Greeter {
  rpc SayHello (HelloRequest) returns (HelloReply) {}
  rpc SayHelloStream (HelloRequest) returns (stream HelloReply) {}
  rpc Sum (stream HelloRequest) returns (HelloReply) {}
  rpc Chat (stream HelloRequest) returns (stream HelloReply) {}
}

message HelloRequest {
  string name = 1;
}

message HelloReply {
  string message = 1;
}
`

func loadHandlerTestSchema(t *testing.T) (*schema.Registry, *schema.ServiceDescriptor) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "greet.proto"), []byte(handlerTestProto), 0o644))
	reg, report := schema.Load(dir)
	require.Len(t, report.Files, 1)
	require.Equal(t, "loaded", report.Files[0].Status)
	svc, ok := reg.GetService("greet.Greeter")
	require.True(t, ok)
	return reg, svc
}

func setName(msg *dynamicpb.Message, name string) *dynamicpb.Message {
	fd := msg.Descriptor().Fields().ByName("name")
	msg.Set(fd, protoreflect.ValueOfString(name))
	return msg
}

func newHandler(t *testing.T) *Handler {
	t.Helper()
	return New(Dependencies{
		Metrics: metrics.NewRecorder(nil),
		Config:  ValidationSettings{Enabled: true, Mode: "per_message"},
	})
}

func snapshotWithRule(reg *schema.Registry, ruleKey string, doc *ruledoc.RuleDoc) Snapshot {
	rules := map[string]*ruledoc.RuleDoc{}
	if doc != nil {
		rules[ruleKey] = doc
	}
	return Snapshot{Registry: reg, Rules: rules, Validation: validation.Empty()}
}

func TestUnaryReturnsRenderedBodyWhenRuleMatches(t *testing.T) {
	reg, svc := loadHandlerTestSchema(t)
	method := svc.Methods["SayHello"]

	doc := &ruledoc.RuleDoc{
		Responses: []ruledoc.ResponseOption{
			{Body: map[string]any{"message": "hi {{request.name}}"}},
		},
	}
	snap := snapshotWithRule(reg, method.RuleKey, doc)

	h := newHandler(t)
	call := Call{Protocol: "grpc", Service: svc, Method: method, Metadata: map[string]string{}}
	req := setName(dynamicpb.NewMessage(method.InputDescriptor), "bob")

	out, err := h.Unary(context.Background(), snap, call, req)
	require.NoError(t, err)
	body, ok := out.Body.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "hi bob", body["message"])
}

func TestUnaryReturnsUnimplementedWhenNoRuleExists(t *testing.T) {
	reg, svc := loadHandlerTestSchema(t)
	method := svc.Methods["SayHello"]
	snap := snapshotWithRule(reg, method.RuleKey, nil)

	h := newHandler(t)
	call := Call{Protocol: "grpc", Service: svc, Method: method, Metadata: map[string]string{}}
	req := dynamicpb.NewMessage(method.InputDescriptor)

	_, err := h.Unary(context.Background(), snap, call, req)
	require.Error(t, err)
	var herr *Error
	require.True(t, errors.As(err, &herr))
	require.Equal(t, CodeUnimplemented, herr.Code)
}

func TestUnaryShortCircuitsOnExplicitStatusCodeTrailer(t *testing.T) {
	reg, svc := loadHandlerTestSchema(t)
	method := svc.Methods["SayHello"]

	doc := &ruledoc.RuleDoc{
		Responses: []ruledoc.ResponseOption{
			{
				Body: map[string]any{"message": "unused"},
				Trailers: map[string]any{
					ruledoc.GRPCStatusTrailer:  CodeNotFound,
					ruledoc.GRPCMessageTrailer: "nope",
				},
			},
		},
	}
	snap := snapshotWithRule(reg, method.RuleKey, doc)

	h := newHandler(t)
	call := Call{Protocol: "grpc", Service: svc, Method: method, Metadata: map[string]string{}}
	req := dynamicpb.NewMessage(method.InputDescriptor)

	_, err := h.Unary(context.Background(), snap, call, req)
	require.Error(t, err)
	var herr *Error
	require.True(t, errors.As(err, &herr))
	require.Equal(t, CodeNotFound, herr.Code)
	require.Equal(t, "nope", herr.Message)
}

func TestUnaryValidationFailureReturnsInvalidArgument(t *testing.T) {
	files := compileConstrainedProto(t)
	vreg, errs := validation.BuildRegistry(files)
	require.Empty(t, errs)

	reg, svc := loadConstrainedSchema(t)
	method := svc.Methods["Check"]

	snap := Snapshot{
		Registry: reg,
		Rules: map[string]*ruledoc.RuleDoc{
			method.RuleKey: {Responses: []ruledoc.ResponseOption{{Body: map[string]any{"ok": true}}}},
		},
		Validation: vreg,
	}

	h := newHandler(t)
	call := Call{Protocol: "grpc", Service: svc, Method: method, Metadata: map[string]string{}}
	req := dynamicpb.NewMessage(method.InputDescriptor) // name left empty, violates min_len:1

	_, err := h.Unary(context.Background(), snap, call, req)
	require.Error(t, err)
	var herr *Error
	require.True(t, errors.As(err, &herr))
	require.Equal(t, CodeInvalidArgument, herr.Code)
	require.NotEmpty(t, herr.Violations)
}

func TestServerStreamEmitsEveryItemInOrder(t *testing.T) {
	reg, svc := loadHandlerTestSchema(t)
	method := svc.Methods["SayHelloStream"]

	zero := 0
	doc := &ruledoc.RuleDoc{
		Responses: []ruledoc.ResponseOption{
			{
				StreamItems: []any{
					map[string]any{"message": "one"},
					map[string]any{"message": "two"},
					map[string]any{"message": "three"},
				},
				DelayMs:       &zero,
				StreamDelayMs: &zero,
			},
		},
	}
	snap := snapshotWithRule(reg, method.RuleKey, doc)

	h := newHandler(t)
	call := Call{Protocol: "grpc", Service: svc, Method: method, Metadata: map[string]string{}}
	req := dynamicpb.NewMessage(method.InputDescriptor)

	var got []any
	out, err := h.ServerStream(context.Background(), snap, call, req, func(item Item) error {
		got = append(got, item.Body)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, "one", got[0].(map[string]any)["message"])
	require.Equal(t, "three", got[2].(map[string]any)["message"])
	require.NotNil(t, out.Trailers)
}

func TestServerStreamStopsWhenEmitReturnsError(t *testing.T) {
	reg, svc := loadHandlerTestSchema(t)
	method := svc.Methods["SayHelloStream"]

	zero := 0
	doc := &ruledoc.RuleDoc{
		Responses: []ruledoc.ResponseOption{
			{
				StreamItems: []any{
					map[string]any{"message": "one"},
					map[string]any{"message": "two"},
				},
				DelayMs:       &zero,
				StreamDelayMs: &zero,
			},
		},
	}
	snap := snapshotWithRule(reg, method.RuleKey, doc)

	h := newHandler(t)
	call := Call{Protocol: "grpc", Service: svc, Method: method, Metadata: map[string]string{}}
	req := dynamicpb.NewMessage(method.InputDescriptor)

	boom := errors.New("boom")
	count := 0
	_, err := h.ServerStream(context.Background(), snap, call, req, func(item Item) error {
		count++
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, count)
}

func TestServerStreamEmptyStreamItemsClosesWithZeroMessages(t *testing.T) {
	reg, svc := loadHandlerTestSchema(t)
	method := svc.Methods["SayHelloStream"]

	doc := &ruledoc.RuleDoc{
		Responses: []ruledoc.ResponseOption{
			{StreamItems: []any{}},
		},
	}
	snap := snapshotWithRule(reg, method.RuleKey, doc)

	h := newHandler(t)
	call := Call{Protocol: "grpc", Service: svc, Method: method, Metadata: map[string]string{}}
	req := dynamicpb.NewMessage(method.InputDescriptor)

	var got []any
	out, err := h.ServerStream(context.Background(), snap, call, req, func(item Item) error {
		got = append(got, item.Body)
		return nil
	})
	require.NoError(t, err)
	require.Empty(t, got)
	require.NotNil(t, out.Trailers)
}

func TestClientStreamAggregatesAndResolves(t *testing.T) {
	reg, svc := loadHandlerTestSchema(t)
	method := svc.Methods["Sum"]

	doc := &ruledoc.RuleDoc{
		Responses: []ruledoc.ResponseOption{
			{Body: map[string]any{"message": "count={{request.count}}"}},
		},
	}
	snap := snapshotWithRule(reg, method.RuleKey, doc)

	h := newHandler(t)
	call := Call{Protocol: "grpc", Service: svc, Method: method, Metadata: map[string]string{}}

	names := []string{"a", "b", "c"}
	i := 0
	recv := func() (proto.Message, error) {
		if i >= len(names) {
			return nil, io.EOF
		}
		req := setName(dynamicpb.NewMessage(method.InputDescriptor), names[i])
		i++
		return req, nil
	}

	out, err := h.ClientStream(context.Background(), snap, call, recv)
	require.NoError(t, err)
	body, ok := out.Body.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "count=3", body["message"])
}

func TestClientStreamPerMessageValidationFailsOnFirstBadMessage(t *testing.T) {
	files := compileConstrainedProto(t)
	vreg, errs := validation.BuildRegistry(files)
	require.Empty(t, errs)

	reg, svc := loadConstrainedSchema(t)
	method := svc.Methods["CheckStream"]

	snap := Snapshot{
		Registry:   reg,
		Rules:      map[string]*ruledoc.RuleDoc{},
		Validation: vreg,
	}

	h := newHandler(t)
	call := Call{Protocol: "grpc", Service: svc, Method: method, Metadata: map[string]string{}}

	calls := 0
	recv := func() (proto.Message, error) {
		calls++
		if calls > 1 {
			return nil, io.EOF
		}
		return dynamicpb.NewMessage(method.InputDescriptor), nil // empty name, violates min_len:1
	}

	_, err := h.ClientStream(context.Background(), snap, call, recv)
	require.Error(t, err)
	var herr *Error
	require.True(t, errors.As(err, &herr))
	require.Equal(t, CodeInvalidArgument, herr.Code)
	require.Equal(t, 1, calls, "collection must stop at the first invalid message in per_message mode")
}

func TestBidiStreamCollectsThenStreamsBack(t *testing.T) {
	reg, svc := loadHandlerTestSchema(t)
	method := svc.Methods["Chat"]

	zero := 0
	doc := &ruledoc.RuleDoc{
		Responses: []ruledoc.ResponseOption{
			{
				StreamItems: []any{
					map[string]any{"message": "echo:{{request.count}}"},
				},
				DelayMs:       &zero,
				StreamDelayMs: &zero,
			},
		},
	}
	snap := snapshotWithRule(reg, method.RuleKey, doc)

	h := newHandler(t)
	call := Call{Protocol: "grpc", Service: svc, Method: method, Metadata: map[string]string{}}

	names := []string{"x", "y"}
	i := 0
	recv := func() (proto.Message, error) {
		if i >= len(names) {
			return nil, io.EOF
		}
		req := setName(dynamicpb.NewMessage(method.InputDescriptor), names[i])
		i++
		return req, nil
	}

	var got []any
	out, err := h.BidiStream(context.Background(), snap, call, recv, func(item Item) error {
		got = append(got, item.Body)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	body := got[0].(map[string]any)
	require.Equal(t, "echo:2", body["message"])
	require.NotNil(t, out.Trailers)
}

func TestStatusNameOfMapsErrorsToCodeNames(t *testing.T) {
	require.Equal(t, "OK", statusNameOf(nil))
	require.Equal(t, "UNKNOWN", statusNameOf(errors.New("plain")))
	require.Equal(t, "NOT_FOUND", statusNameOf(&Error{Code: CodeNotFound}))
}

// --- fixtures shared by the validation tests above ---

const constrainedHandlerProto = `syntax = "proto3";

package testpkg;

import "validate/validate.proto";

service Checker {
  rpc Check (Constrained) returns (Constrained) {}
  rpc CheckStream (stream Constrained) returns (Constrained) {}
}

message Constrained {
  string name = 1 [(validate.rules).string = {min_len: 1}];
}
`

func loadConstrainedSchema(t *testing.T) (*schema.Registry, *schema.ServiceDescriptor) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "constrained.proto"), []byte(constrainedHandlerProto), 0o644))
	reg, report := schema.Load(dir)
	require.Len(t, report.Files, 1)
	require.Equal(t, "loaded", report.Files[0].Status)
	svc, ok := reg.GetService("testpkg.Checker")
	require.True(t, ok)
	return reg, svc
}

// compileConstrainedProto compiles constrainedHandlerProto a second time
// through protocompile directly, for the file descriptors that
// validation.BuildRegistry takes, so its extracted validation.Registry
// matches the schema.Registry built above by loadConstrainedSchema from the
// exact same source text.
func compileConstrainedProto(t *testing.T) []protoreflect.FileDescriptor {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "constrained.proto"), []byte(constrainedHandlerProto), 0o644))

	resolver := protocompile.CompositeResolver{
		&protocompile.SourceResolver{ImportPaths: []string{dir}},
		validateproto.Resolver{},
	}
	compiler := &protocompile.Compiler{
		Resolver: protocompile.WithStandardImports(resolver),
		Reporter: reporter.NewReporter(nil, nil),
	}
	files, err := compiler.Compile(context.Background(), "constrained.proto")
	require.NoError(t, err)
	require.Len(t, files, 1)
	return []protoreflect.FileDescriptor{files[0]}
}
