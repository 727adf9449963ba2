package algorithm

import (
	"errors"
	"fmt"
	"sort"

	"github.com/puzpuzpuz/xsync/v3"
)

var ErrUnknownAlgorithm = errors.New("unknown batch algorithm")

// Registry maps algorithm names to policies. Safe for concurrent use.
type Registry struct {
	algorithms *xsync.MapOf[string, BatchAlgorithm]
}

var defaultRegistry = NewRegistry()

// NewRegistry returns a registry holding the built-in policies
func NewRegistry() *Registry {
	r := &Registry{algorithms: xsync.NewMapOf[string, BatchAlgorithm]()}
	r.algorithms.Store(Default, DefaultBatch{})
	r.algorithms.Store(NonTransactional, NonTransactionalBatch{})
	r.algorithms.Store(Transactional, TransactionalBatch{})
	return r
}

// DefaultRegistry returns the process-wide registry
func DefaultRegistry() *Registry {
	return defaultRegistry
}

// Register adds or replaces the policy for name
func (r *Registry) Register(name string, a BatchAlgorithm) error {
	if name == "" {
		return fmt.Errorf("batch algorithm name is required")
	}
	if a == nil {
		return fmt.Errorf("batch algorithm %q is nil", name)
	}
	r.algorithms.Store(name, a)
	return nil
}

// Resolve returns the policy for name. A missing or empty name is an error,
// there is no fallback.
func (r *Registry) Resolve(name string) (BatchAlgorithm, error) {
	a, ok := r.algorithms.Load(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, name)
	}
	return a, nil
}

// Names returns the registered names in sorted order
func (r *Registry) Names() []string {
	names := make([]string, 0, r.algorithms.Size())
	r.algorithms.Range(func(name string, _ BatchAlgorithm) bool {
		names = append(names, name)
		return true
	})
	sort.Strings(names)
	return names
}

// Register adds a policy to the process-wide registry
func Register(name string, a BatchAlgorithm) error {
	return defaultRegistry.Register(name, a)
}
