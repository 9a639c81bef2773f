// Package validateproto embeds the two minimal constraint-extension schemas
// (PGV-shaped "validate.proto" and protovalidate-shaped "buf/validate/validate.proto")
// that the validation IR extractor inspects. Neither the real
// envoyproxy/protoc-gen-validate nor bufbuild/protovalidate .proto is
// vendored here, so these are hand-written, scoped to exactly the ops the
// engine recognizes.
package validateproto

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"io"
	"sync"

	"github.com/bufbuild/protocompile"
	"github.com/bufbuild/protocompile/reporter"
	"google.golang.org/protobuf/reflect/protoreflect"
)

//go:embed validate.proto buf_validate.proto
var sources embed.FS

// pathMap maps the import paths user schemas reference to the embedded
// source files.
var pathMap = map[string]string{
	"validate/validate.proto":      "validate.proto",
	"buf/validate/validate.proto":  "buf_validate.proto",
}

// Resolver resolves the two well-known import paths above against the
// embedded sources; it is threaded into the schema loader's
// protocompile.CompositeResolver so user .proto files can import either
// extension schema.
type Resolver struct{}

func (Resolver) FindFileByPath(path string) (protocompile.SearchResult, error) {
	name, ok := pathMap[path]
	if !ok {
		return protocompile.SearchResult{}, fmt.Errorf("validateproto: unknown import %q", path)
	}
	data, err := sources.ReadFile(name)
	if err != nil {
		return protocompile.SearchResult{}, err
	}
	return protocompile.SearchResult{Source: io.NopCloser(bytes.NewReader(data))}, nil
}

var (
	descOnce sync.Once
	descErr  error
	fieldExt protoreflect.ExtensionDescriptor // validate.rules
	pvField  protoreflect.ExtensionDescriptor // buf.validate.field
	pvMsg    protoreflect.ExtensionDescriptor // buf.validate.message
)

// compileExtensions compiles the two embedded schemas once and extracts the
// three extension descriptors the IR extractor needs.
func compileExtensions() error {
	descOnce.Do(func() {
		resolver := protocompile.CompositeResolver{Resolver{}}
		compiler := &protocompile.Compiler{
			Resolver: protocompile.WithStandardImports(resolver),
			Reporter: reporter.NewReporter(nil, nil),
		}
		files, err := compiler.Compile(context.Background(), "validate/validate.proto", "buf/validate/validate.proto")
		if err != nil {
			descErr = fmt.Errorf("validateproto: compiling embedded extensions: %w", err)
			return
		}
		for _, fd := range files {
			exts := fd.Extensions()
			for i := 0; i < exts.Len(); i++ {
				ext := exts.Get(i)
				switch string(ext.FullName()) {
				case "validate.rules":
					fieldExt = ext
				case "buf.validate.field":
					pvField = ext
				case "buf.validate.message":
					pvMsg = ext
				}
			}
		}
		if fieldExt == nil || pvField == nil || pvMsg == nil {
			descErr = fmt.Errorf("validateproto: embedded schemas did not yield expected extensions")
		}
	})
	return descErr
}

// FieldRulesExtension returns the PGV-shaped "(validate.rules)" field
// extension descriptor.
func FieldRulesExtension() (protoreflect.ExtensionDescriptor, error) {
	if err := compileExtensions(); err != nil {
		return nil, err
	}
	return fieldExt, nil
}

// FieldConstraintsExtension returns the protovalidate-shaped
// "(buf.validate.field)" extension descriptor.
func FieldConstraintsExtension() (protoreflect.ExtensionDescriptor, error) {
	if err := compileExtensions(); err != nil {
		return nil, err
	}
	return pvField, nil
}

// MessageConstraintsExtension returns the protovalidate-shaped
// "(buf.validate.message)" extension descriptor.
func MessageConstraintsExtension() (protoreflect.ExtensionDescriptor, error) {
	if err := compileExtensions(); err != nil {
		return nil, err
	}
	return pvMsg, nil
}
