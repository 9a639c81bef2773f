// Package schema loads .proto sources from disk into a descriptor-backed
// type and method registry, without ever invoking protoc.
package schema

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/bufbuild/protocompile"
	"github.com/bufbuild/protocompile/reporter"
	"google.golang.org/protobuf/reflect/protoreflect"

	"github.com/protoforge/mockgrpc/internal/validateproto"
)

// MethodDescriptor describes one RPC method resolved from the schema.
type MethodDescriptor struct {
	Name             string
	FullName         string
	RuleKey          string // lower-cased "package.service.method"
	InputType        string
	OutputType       string
	ClientStreaming  bool
	ServerStreaming  bool
	Descriptor       protoreflect.MethodDescriptor
	InputDescriptor  protoreflect.MessageDescriptor
	OutputDescriptor protoreflect.MessageDescriptor
}

// ServiceDescriptor describes one service resolved from the schema.
type ServiceDescriptor struct {
	Name       string // fully qualified, e.g. helloworld.Greeter
	Methods    map[string]*MethodDescriptor
	Descriptor protoreflect.ServiceDescriptor
}

// FileResult records the outcome of loading a single top-level proto file.
type FileResult struct {
	Path   string `json:"path"`
	Status string `json:"status"` // "loaded" or "skipped"
	Error  string `json:"error,omitempty"`
}

// Report summarizes a Load call, for surfacing on the external status
// endpoint.
type Report struct {
	Files []FileResult `json:"files"`
}

func (r *Report) add(path, status string, err error) {
	fr := FileResult{Path: path, Status: status}
	if err != nil {
		fr.Error = err.Error()
	}
	r.Files = append(r.Files, fr)
}

// Registry is the process-wide, immutable-per-reload type and method
// registry produced by Load. It must never be mutated after construction;
// the hot-reload coordinator publishes a brand new Registry on every reload.
type Registry struct {
	files    []protoreflect.FileDescriptor
	services map[string]*ServiceDescriptor
}

// GetService returns the named service descriptor, if present.
func (r *Registry) GetService(name string) (*ServiceDescriptor, bool) {
	svc, ok := r.services[name]
	return svc, ok
}

// GetMethodByRuleKey finds a method by its lower-cased rule key, scanning
// all loaded services. Returns nil if not found.
func (r *Registry) GetMethodByRuleKey(ruleKey string) (*ServiceDescriptor, *MethodDescriptor, bool) {
	for _, svc := range r.services {
		for _, m := range svc.Methods {
			if m.RuleKey == ruleKey {
				return svc, m, true
			}
		}
	}
	return nil, nil, false
}

// ListServices returns service names in sorted order.
func (r *Registry) ListServices() []string {
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ServiceCount returns the number of loaded services.
func (r *Registry) ServiceCount() int { return len(r.services) }

// MethodCount returns the total number of methods across all services.
func (r *Registry) MethodCount() int {
	n := 0
	for _, svc := range r.services {
		n += len(svc.Methods)
	}
	return n
}

// Files returns the descriptors of every successfully compiled file.
func (r *Registry) Files() []protoreflect.FileDescriptor { return r.files }

// Empty returns an empty-but-valid registry: a server with no RPCs but
// otherwise fully operational, per the loader's failure model.
func Empty() *Registry {
	return &Registry{services: map[string]*ServiceDescriptor{}}
}

// Load enumerates top-level .proto files under protoDir and compiles them,
// resolving imports against protoDir, the embedded validate schemas, and
// the import path as given on the filesystem; an import is not resolved
// relative to the importing file's own directory. It never returns an error for a malformed individual file: such files are
// recorded as "skipped" in the returned Report and excluded from the
// Registry. A directory with no valid files produces a valid, empty
// Registry.
func Load(protoDir string) (*Registry, *Report) {
	report := &Report{}

	entries, err := doublestar.Glob(os.DirFS(protoDir), "*.proto")
	if err != nil || len(entries) == 0 {
		return Empty(), report
	}
	sort.Strings(entries)

	resolver := protocompile.CompositeResolver{
		&protocompile.SourceResolver{ImportPaths: []string{protoDir}},
		validateproto.Resolver{},
		&fileSystemResolver{baseDir: protoDir},
	}

	compiler := &protocompile.Compiler{
		Resolver:       protocompile.WithStandardImports(resolver),
		SourceInfoMode: protocompile.SourceInfoStandard,
		Reporter:       reporter.NewReporter(nil, nil),
	}

	// Attempt a bulk compile first: when every file is well formed this
	// avoids N separate compiler invocations.
	files, bulkErr := compiler.Compile(newCtx(), entries...)
	if bulkErr == nil {
		reg := &Registry{services: map[string]*ServiceDescriptor{}}
		for i, fd := range files {
			reg.files = append(reg.files, fd)
			registerServices(reg, fd)
			report.add(entries[i], "loaded", nil)
		}
		return reg, report
	}

	// Fall back to per-file compilation so a single malformed file doesn't
	// sink the whole load.
	reg := &Registry{services: map[string]*ServiceDescriptor{}}
	for _, path := range entries {
		fds, err := compiler.Compile(newCtx(), path)
		if err != nil || len(fds) == 0 {
			report.add(path, "skipped", err)
			continue
		}
		reg.files = append(reg.files, fds[0])
		registerServices(reg, fds[0])
		report.add(path, "loaded", nil)
	}
	return reg, report
}

func registerServices(reg *Registry, fd protoreflect.FileDescriptor) {
	pkg := string(fd.Package())
	services := fd.Services()
	for i := 0; i < services.Len(); i++ {
		sd := services.Get(i)
		svcName := string(sd.FullName())
		svc := &ServiceDescriptor{
			Name:       svcName,
			Methods:    map[string]*MethodDescriptor{},
			Descriptor: sd,
		}
		methods := sd.Methods()
		for j := 0; j < methods.Len(); j++ {
			md := methods.Get(j)
			ruleKey := strings.ToLower(pkg + "." + string(sd.Name()) + "." + string(md.Name()))
			svc.Methods[string(md.Name())] = &MethodDescriptor{
				Name:             string(md.Name()),
				FullName:         string(md.FullName()),
				RuleKey:          ruleKey,
				InputType:        string(md.Input().FullName()),
				OutputType:       string(md.Output().FullName()),
				ClientStreaming:  md.IsStreamingClient(),
				ServerStreaming:  md.IsStreamingServer(),
				Descriptor:       md,
				InputDescriptor:  md.Input(),
				OutputDescriptor: md.Output(),
			}
		}
		reg.services[svcName] = svc
	}
}

// fileSystemResolver finds proto files relative to a base directory when
// the SourceResolver's import-path search comes up empty.
type fileSystemResolver struct {
	baseDir string
}

func (f *fileSystemResolver) FindFileByPath(path string) (protocompile.SearchResult, error) {
	candidates := []string{
		path,
		filepath.Join(f.baseDir, path),
	}
	for _, c := range candidates {
		data, err := os.ReadFile(c)
		if err == nil {
			return protocompile.SearchResult{Source: newReadCloser(data)}, nil
		}
	}
	return protocompile.SearchResult{}, fmt.Errorf("schema: could not resolve import %q", path)
}
