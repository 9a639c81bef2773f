package validation

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// celEngine compiles and caches expr-lang programs for the CEL subset, using
// a double-checked-locking cache keyed by expression text plus environment
// shape. expr.AllowUndefinedVariables is deliberately never set: an
// undefined identifier must fail compilation, which the caller turns into a
// violation rather than treating as an engine error.
type celEngine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

func newCELEngine() *celEngine {
	return &celEngine{cache: map[string]*vm.Program{}}
}

func (e *celEngine) eval(expression string, env map[string]any) (any, error) {
	program, err := e.compile(expression, env)
	if err != nil {
		return nil, fmt.Errorf("validation: compiling cel expression %q: %w", expression, err)
	}
	result, err := expr.Run(program, env)
	if err != nil {
		return nil, fmt.Errorf("validation: evaluating cel expression %q: %w", expression, err)
	}
	return result, nil
}

func (e *celEngine) compile(expression string, env map[string]any) (*vm.Program, error) {
	key := expression + "\x00" + envSignature(env)

	e.mu.RLock()
	if p, ok := e.cache[key]; ok {
		e.mu.RUnlock()
		return p, nil
	}
	e.mu.RUnlock()

	program, err := expr.Compile(expression, expr.Env(env))
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if existing, ok := e.cache[key]; ok {
		e.mu.Unlock()
		return existing, nil
	}
	e.cache[key] = program
	e.mu.Unlock()

	return program, nil
}

func envSignature(env map[string]any) string {
	if len(env) == 0 {
		return ""
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s:%T", k, env[k]))
	}
	return strings.Join(parts, ",")
}
