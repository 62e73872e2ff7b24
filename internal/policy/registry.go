package policy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/seantiz/depflow/internal/model"
)

// Well-known policy names.
const (
	NameAuto      = "auto"
	NameInline    = "inline"
	NamePool      = "pool"
	NamePerDevice = "perdevice"
)

// autoRouting maps device types to their default policy for auto-resolution.
var autoRouting = map[string]string{
	model.DevCPU:       NamePool,
	model.DevGPU:       NamePerDevice,
	model.DevCPUPinned: NamePerDevice,
}

// Info pairs a policy name with its capabilities.
type Info struct {
	Name         string       `json:"name"`
	Capabilities Capabilities `json:"capabilities"`
}

// Registry holds registered policies and resolves which one runs a task
// based on the requested name and the task's device context.
type Registry struct {
	mu       sync.RWMutex
	policies map[string]Policy
}

// NewRegistry creates an empty policy registry.
func NewRegistry() *Registry {
	return &Registry{
		policies: make(map[string]Policy),
	}
}

// Register adds a policy to the registry under the given name, replacing any
// policy already registered under it.
func (r *Registry) Register(name string, p Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[name] = p
}

// Resolve returns the policy to use for the given name and context.
// If name is "auto", the autoRouting table picks the policy by device type.
func (r *Registry) Resolve(name string, ctx model.Context) (Policy, error) {
	target := name
	if target == NameAuto {
		resolved, ok := autoRouting[ctx.DevType]
		if !ok {
			return nil, fmt.Errorf("no auto-routing rule for device type %q", ctx.DevType)
		}
		target = resolved
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.policies[target]
	if !ok {
		return nil, fmt.Errorf("policy %q is not registered", target)
	}
	return p, nil
}

// List returns information about all registered policies, sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.policies))
	for name, p := range r.policies {
		infos = append(infos, Info{
			Name:         name,
			Capabilities: p.Capabilities(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// Close closes every registered policy and returns the joined errors.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var errs []error
	for name, p := range r.policies {
		if err := p.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close policy %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
