package validation

import (
	"fmt"

	"google.golang.org/protobuf/reflect/protoreflect"
)

// Registry is the process-wide, reload-scoped map of fully qualified message
// name -> extracted MessageIR. It is built once per successful reload by
// BuildRegistry and never mutated afterward.
type Registry struct {
	byName map[string]*MessageIR
}

// Lookup returns the MessageIR for a fully qualified message name. Every
// message type walked by BuildRegistry has an entry, including types with
// no extracted constraint.
func (r *Registry) Lookup(messageName string) (*MessageIR, bool) {
	if r == nil {
		return nil, false
	}
	ir, ok := r.byName[messageName]
	return ir, ok
}

// Coverage reports how many distinct message types were walked versus how
// many carry at least one extracted field constraint or CEL rule.
func (r *Registry) Coverage() (total, validated int) {
	if r == nil {
		return 0, 0
	}
	for _, ir := range r.byName {
		total++
		if len(ir.Fields) > 0 || len(ir.CELRules) > 0 {
			validated++
		}
	}
	return total, validated
}

// Empty returns a Registry with no extracted constraints.
func Empty() *Registry { return &Registry{byName: map[string]*MessageIR{}} }

// BuildRegistry walks every message type declared across the given files
// (top-level and nested) and extracts a MessageIR for each. A per-type
// extraction failure is collected rather than aborting the whole build,
// mirroring the schema loader's per-file failure isolation.
func BuildRegistry(files []protoreflect.FileDescriptor) (*Registry, []error) {
	reg := &Registry{byName: map[string]*MessageIR{}}
	var errs []error

	seen := map[string]bool{}
	var walk func(protoreflect.MessageDescriptors)
	walk = func(msgs protoreflect.MessageDescriptors) {
		for i := 0; i < msgs.Len(); i++ {
			md := msgs.Get(i)
			name := string(md.FullName())
			if seen[name] {
				continue
			}
			seen[name] = true

			ir, err := Extract(md)
			if err != nil {
				errs = append(errs, fmt.Errorf("validation: extracting %s: %w", name, err))
			} else {
				reg.byName[name] = ir
			}
			walk(md.Messages())
		}
	}

	for _, fd := range files {
		walk(fd.Messages())
	}
	return reg, errs
}
