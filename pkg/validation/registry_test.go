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

	"github.com/protoforge/mockgrpc/internal/validateproto"
)

const registryTestProto = `
syntax = "proto3";
package testpkg;

import "validate/validate.proto";

message Constrained {
  string name = 1 [(validate.rules).string = {min_len: 1}];
}

message Plain {
  string note = 1;
}
`

func compileRegistryTestFile(t *testing.T) []protoreflect.FileDescriptor {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "reg.proto"), []byte(registryTestProto), 0o644))

	resolver := protocompile.CompositeResolver{
		&protocompile.SourceResolver{ImportPaths: []string{dir}},
		validateproto.Resolver{},
	}
	compiler := &protocompile.Compiler{
		Resolver: protocompile.WithStandardImports(resolver),
		Reporter: reporter.NewReporter(nil, nil),
	}
	files, err := compiler.Compile(context.Background(), "reg.proto")
	require.NoError(t, err)
	require.Len(t, files, 1)
	return []protoreflect.FileDescriptor{files[0]}
}

func TestBuildRegistryExtractsEveryMessageType(t *testing.T) {
	files := compileRegistryTestFile(t)
	reg, errs := BuildRegistry(files)
	require.Empty(t, errs)

	ir, ok := reg.Lookup("testpkg.Constrained")
	require.True(t, ok)
	require.Len(t, ir.Fields, 1)

	_, ok = reg.Lookup("testpkg.Plain")
	require.True(t, ok)

	total, validated := reg.Coverage()
	require.Equal(t, 2, total)
	require.Equal(t, 1, validated)
}

func TestEmptyRegistryHasNoCoverageAndNoLookups(t *testing.T) {
	reg := Empty()
	_, ok := reg.Lookup("anything")
	require.False(t, ok)
	total, validated := reg.Coverage()
	require.Equal(t, 0, total)
	require.Equal(t, 0, validated)
}

func TestNilRegistryLookupAndCoverageAreSafe(t *testing.T) {
	var reg *Registry
	_, ok := reg.Lookup("anything")
	require.False(t, ok)
	total, validated := reg.Coverage()
	require.Equal(t, 0, total)
	require.Equal(t, 0, validated)
}
