// Package predicate evaluates flow predicates for XOR and OR splits.
// Predicates are JavaScript boolean expressions executed in a restricted
// goja runtime with the case data bound to the global `data` object.
package predicate

import (
	"fmt"
	"sync"

	"github.com/dop251/goja"
)

// dangerousGlobals are removed from every runtime before evaluation.
// Predicates are routing expressions, not programs.
var dangerousGlobals = []string{
	"require", "module", "exports", "process", "global",
	"__dirname", "__filename", "Buffer", "setImmediate", "clearImmediate",
}

// Evaluator compiles and runs flow predicate expressions. Compiled programs
// are cached by expression text; the evaluator is safe for concurrent use.
type Evaluator struct {
	mu       sync.Mutex
	programs map[string]*goja.Program
	pool     sync.Pool
}

// NewEvaluator creates a predicate evaluator.
func NewEvaluator() *Evaluator {
	e := &Evaluator{
		programs: make(map[string]*goja.Program),
	}
	e.pool.New = func() any {
		return newRestrictedRuntime()
	}
	return e
}

func newRestrictedRuntime() *goja.Runtime {
	vm := goja.New()
	for _, name := range dangerousGlobals {
		_ = vm.Set(name, goja.Undefined())
	}
	return vm
}

// compile returns a cached compiled program for the expression.
func (e *Evaluator) compile(expr string) (*goja.Program, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if prog, ok := e.programs[expr]; ok {
		return prog, nil
	}
	prog, err := goja.Compile("predicate", expr, true)
	if err != nil {
		return nil, fmt.Errorf("failed to compile predicate %q: %w", expr, err)
	}
	e.programs[expr] = prog
	return prog, nil
}

// Evaluate runs the expression against the case data and returns its boolean
// value. An empty expression evaluates to true (the default flow convention).
func (e *Evaluator) Evaluate(expr string, data map[string]any) (bool, error) {
	if expr == "" {
		return true, nil
	}

	prog, err := e.compile(expr)
	if err != nil {
		return false, err
	}

	vm := e.pool.Get().(*goja.Runtime)
	defer e.pool.Put(vm)

	if data == nil {
		data = map[string]any{}
	}
	if err := vm.Set("data", data); err != nil {
		return false, fmt.Errorf("failed to bind case data: %w", err)
	}

	value, err := vm.RunProgram(prog)
	if err != nil {
		return false, fmt.Errorf("predicate %q failed: %w", expr, err)
	}
	return value.ToBoolean(), nil
}
