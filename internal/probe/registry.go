package probe

import (
	"sort"
	"sync"
	"time"

	"codeberg.org/mutker/sensusd/internal/errors"
)

// Spec describes one probe to build from a registry.
type Spec struct {
	Name     string
	Type     string
	Enabled  bool
	Interval time.Duration
	Options  map[string]any
}

// Factory builds a probe of one registered type.
type Factory func(spec Spec) (*Probe, error)

// Registry maps probe type names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory for kind. Registering a kind twice fails.
func (r *Registry) Register(kind string, factory Factory) error {
	errFactory := errors.New()

	if kind == "" || factory == nil {
		return errFactory.New(ErrInvalidSpec)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.factories[kind]; ok {
		return errFactory.WithData(ErrDuplicateType, kind)
	}
	r.factories[kind] = factory

	return nil
}

// Types returns the registered type names in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.factories))
	for kind := range r.factories {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	return kinds
}

// Build creates a probe from spec. The probe name defaults to the type.
func (r *Registry) Build(spec Spec) (*Probe, error) {
	r.mu.RLock()
	factory, ok := r.factories[spec.Type]
	r.mu.RUnlock()

	if !ok {
		return nil, errors.New().WithData(ErrUnknownType, spec.Type)
	}

	if spec.Name == "" {
		spec.Name = spec.Type
	}

	p, err := factory(spec)
	if err != nil {
		return nil, errors.New().Wrap(ErrInvalidSpec, err).WithMessage("failed to build probe " + spec.Name)
	}
	p.kind = spec.Type
	p.enabled.Store(spec.Enabled)

	return p, nil
}

// Default builds one enabled probe of every registered type.
func (r *Registry) Default() ([]*Probe, error) {
	kinds := r.Types()
	probes := make([]*Probe, 0, len(kinds))

	for _, kind := range kinds {
		p, err := r.Build(Spec{Type: kind, Enabled: true})
		if err != nil {
			return nil, err
		}
		probes = append(probes, p)
	}

	return probes, nil
}
