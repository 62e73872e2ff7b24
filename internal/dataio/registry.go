package dataio

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
)

// Factory creates an uninitialized iterator.
type Factory func() Iterator

// Entry describes a registered iterator.
type Entry struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Wraps       bool    `json:"wraps"`
	New         Factory `json:"-"`
}

// Stage is one step of an iterator chain.
type Stage struct {
	Iter   string `json:"iter" yaml:"iter"`
	Params Params `json:"params,omitempty" yaml:"params"`
}

// Registry maps iterator names to factories. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Register adds e. Names must be unique.
func (r *Registry) Register(e Entry) error {
	if e.Name == "" || e.New == nil {
		return errors.New("dataio: entry needs a name and a factory")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[e.Name]; ok {
		return fmt.Errorf("dataio: iterator %q already registered", e.Name)
	}
	r.entries[e.Name] = e
	return nil
}

// Lookup returns the entry registered under name.
func (r *Registry) Lookup(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// List returns every entry, sorted by name.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Build creates and initializes a chain. The first stage must be a source;
// every later stage must wrap and draws from the one before it.
func (r *Registry) Build(stages []Stage) (Iterator, error) {
	if len(stages) == 0 {
		return nil, errors.New("dataio: empty chain")
	}
	var it Iterator
	for i, st := range stages {
		e, ok := r.Lookup(st.Iter)
		if !ok {
			Close(it)
			return nil, fmt.Errorf("dataio: stage %d: unknown iterator %q", i, st.Iter)
		}
		if (i == 0) == e.Wraps {
			Close(it)
			if i == 0 {
				return nil, fmt.Errorf("dataio: stage 0: %q needs a source before it", st.Iter)
			}
			return nil, fmt.Errorf("dataio: stage %d: %q is a source and cannot wrap", i, st.Iter)
		}
		next := e.New()
		if w, ok := next.(Wrapper); ok {
			w.SetSource(it)
		}
		if err := next.Init(st.Params); err != nil {
			Close(it)
			return nil, fmt.Errorf("dataio: init %s: %w", st.Iter, err)
		}
		it = next
	}
	return it, nil
}

// Close releases it if it holds resources. A nil iterator is ignored.
func Close(it Iterator) error {
	if c, ok := it.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
