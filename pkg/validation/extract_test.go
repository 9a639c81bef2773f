package validation

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/bufbuild/protocompile"
	"github.com/bufbuild/protocompile/reporter"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/protoforge/mockgrpc/internal/validateproto"
)

const userProto = `
syntax = "proto3";
package testpkg;

import "validate/validate.proto";
import "buf/validate/validate.proto";

message CreateUserRequest {
  string name = 1 [(validate.rules).string = {min_len: 3, max_len: 20}];
  int32 age = 2 [(validate.rules).number = {gte: 0, lte: 150}];
  repeated string tags = 3 [(validate.rules).repeated = {max_items: 2}];
  string email = 4 [(buf.validate.field).string_val = {email: true}];
}
`

func compileTestMessage(t *testing.T) protoreflect.MessageDescriptor {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "user.proto"), []byte(userProto), 0o644))

	resolver := protocompile.CompositeResolver{
		&protocompile.SourceResolver{ImportPaths: []string{dir}},
		validateproto.Resolver{},
	}
	compiler := &protocompile.Compiler{
		Resolver: protocompile.WithStandardImports(resolver),
		Reporter: reporter.NewReporter(nil, nil),
	}
	files, err := compiler.Compile(context.Background(), "user.proto")
	require.NoError(t, err)
	require.Len(t, files, 1)

	md := files[0].Messages().ByName("CreateUserRequest")
	require.NotNil(t, md)
	return md
}

func TestExtractBuildsFieldConstraintsFromPGVAnnotations(t *testing.T) {
	md := compileTestMessage(t)
	ir, err := Extract(md)
	require.NoError(t, err)
	require.Len(t, ir.Fields, 4)

	byField := map[string]FieldConstraint{}
	for _, fc := range ir.Fields {
		byField[fc.Field] = fc
	}

	name := byField["name"]
	require.Equal(t, KindString, name.Kind)
	require.Equal(t, uint64(3), *name.Ops.MinLen)
	require.Equal(t, uint64(20), *name.Ops.MaxLen)

	age := byField["age"]
	require.Equal(t, KindNumber, age.Kind)
	require.Equal(t, float64(0), *age.Ops.GTE)
	require.Equal(t, float64(150), *age.Ops.LTE)

	tags := byField["tags"]
	require.Equal(t, KindRepeated, tags.Kind)
	require.Equal(t, uint64(2), *tags.Ops.MaxItems)

	email := byField["email"]
	require.Equal(t, KindString, email.Kind)
	require.Equal(t, SourceProtovalidate, email.Source)
	require.True(t, email.Ops.Email)
}

func TestValidateCollectsViolationsAcrossFieldsInDeclarationOrder(t *testing.T) {
	md := compileTestMessage(t)
	ir, err := Extract(md)
	require.NoError(t, err)

	msg := dynamicpb.NewMessage(md)
	fields := md.Fields()
	msg.Set(fields.ByName("name"), protoreflect.ValueOfString("hi"))
	msg.Set(fields.ByName("age"), protoreflect.ValueOfInt32(200))
	msg.Set(fields.ByName("email"), protoreflect.ValueOfString("not-an-email"))

	result := Validate(ir, msg)
	require.False(t, result.OK())

	var rules []string
	for _, v := range result.Violations {
		rules = append(rules, v.Field+":"+v.Rule)
	}
	require.Contains(t, rules, "name:min_len")
	require.Contains(t, rules, "age:lte")
	require.Contains(t, rules, "email:email")
}

func TestValidateIgnoresValidMessage(t *testing.T) {
	md := compileTestMessage(t)
	ir, err := Extract(md)
	require.NoError(t, err)

	msg := dynamicpb.NewMessage(md)
	fields := md.Fields()
	msg.Set(fields.ByName("name"), protoreflect.ValueOfString("Tom Riddle"))
	msg.Set(fields.ByName("age"), protoreflect.ValueOfInt32(42))
	msg.Set(fields.ByName("email"), protoreflect.ValueOfString("tom@example.com"))

	result := Validate(ir, msg)
	require.True(t, result.OK())
}
