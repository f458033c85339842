package eval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/agenttrace/agenttrace/trace"
)

// Evaluator scores a trace along one quality dimension. Evaluate must be a
// pure function of the trace plus any configured judge calls; it must not
// depend on evaluator ordering within a run.
type Evaluator interface {
	// Name is the registry key, namespaced as "namespace.name".
	Name() string
	// Description is a one-line human description.
	Description() string
	// Evaluate scores the trace.
	Evaluate(ctx context.Context, tree *trace.Tree) (*Result, error)
}

// Registry is the process-wide evaluator registry keyed by namespace.name.
type Registry struct {
	mu         sync.RWMutex
	evaluators map[string]Evaluator
}

var (
	globalMu sync.Mutex
	global   *Registry
)

// InitRegistry initializes the process-wide registry. Calling any accessor
// before InitRegistry panics, which surfaces wiring bugs early.
func InitRegistry() *Registry {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = &Registry{evaluators: make(map[string]Evaluator)}
	}
	return global
}

// ResetRegistry tears down the process-wide registry (test scoping).
func ResetRegistry() {
	globalMu.Lock()
	defer globalMu.Unlock()
	global = nil
}

// DefaultRegistry returns the process-wide registry.
func DefaultRegistry() *Registry {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		panic("eval: registry accessed before InitRegistry")
	}
	return global
}

// Register adds an evaluator. Names must be namespaced and unique.
func (r *Registry) Register(e Evaluator) error {
	name := e.Name()
	if !strings.Contains(name, ".") {
		return fmt.Errorf("evaluator name %q must be namespaced (namespace.name)", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.evaluators[name]; exists {
		return fmt.Errorf("evaluator %q already registered", name)
	}
	r.evaluators[name] = e
	return nil
}

// MustRegister panics on registration failure.
func (r *Registry) MustRegister(e Evaluator) {
	if err := r.Register(e); err != nil {
		panic(err)
	}
}

// Get returns a registered evaluator.
func (r *Registry) Get(name string) (Evaluator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.evaluators[name]
	return e, ok
}

// List returns the registered evaluators sorted by name.
func (r *Registry) List() []Evaluator {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.evaluators))
	for name := range r.evaluators {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Evaluator, 0, len(names))
	for _, name := range names {
		out = append(out, r.evaluators[name])
	}
	return out
}

// Resolve maps evaluator names to instances, failing on unknown names.
func (r *Registry) Resolve(names []string) ([]Evaluator, error) {
	out := make([]Evaluator, 0, len(names))
	for _, name := range names {
		e, ok := r.Get(name)
		if !ok {
			return nil, fmt.Errorf("unknown evaluator %q", name)
		}
		out = append(out, e)
	}
	return out, nil
}
