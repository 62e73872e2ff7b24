// Package singleton provides lazily created process-wide values whose
// teardown waits for every outstanding reference to be released. A value that
// depends on another holds a Ref to it, so dependents are always torn down
// before their dependencies.
package singleton

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrShutdown is returned by Get and Acquire after Shutdown has been called.
var ErrShutdown = errors.New("singleton: shut down")

// Teardown releases the resources behind a value.
type Teardown func(ctx context.Context) error

// InitFunc creates the value on first use. A nil Teardown is allowed.
type InitFunc[T any] func() (T, Teardown, error)

// Value is a lazily created, reference-counted value. It is safe for
// concurrent use.
type Value[T any] struct {
	name string
	init InitFunc[T]

	mu       sync.Mutex
	val      T
	ready    bool
	teardown Teardown
	refs     int
	shut     bool
	drained  chan struct{}
}

// New returns a Value that calls init on first use.
func New[T any](name string, init InitFunc[T]) *Value[T] {
	return &Value[T]{name: name, init: init}
}

// Get returns the value, creating it if needed. A failed init is not cached,
// so the next call retries.
func (s *Value[T]) Get() (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked()
}

func (s *Value[T]) getLocked() (T, error) {
	var zero T
	if s.shut {
		return zero, fmt.Errorf("%s: %w", s.name, ErrShutdown)
	}
	if s.ready {
		return s.val, nil
	}
	v, td, err := s.init()
	if err != nil {
		return zero, fmt.Errorf("init %s: %w", s.name, err)
	}
	s.val = v
	s.teardown = td
	s.ready = true
	return v, nil
}

// Acquire returns a shared reference to the value. Shutdown does not tear
// the value down until every reference is released.
func (s *Value[T]) Acquire() (*Ref[T], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.getLocked()
	if err != nil {
		return nil, err
	}
	s.refs++
	return &Ref[T]{owner: s, val: v}, nil
}

// Refs reports the number of outstanding references.
func (s *Value[T]) Refs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs
}

func (s *Value[T]) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs--
	if s.refs == 0 && s.drained != nil {
		close(s.drained)
		s.drained = nil
	}
}

// Shutdown stops handing out the value, waits for outstanding references to
// be released and runs the teardown. It is a no-op if the value was never
// created or Shutdown already ran.
func (s *Value[T]) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shut {
		s.mu.Unlock()
		return nil
	}
	s.shut = true
	if !s.ready {
		s.mu.Unlock()
		return nil
	}
	var wait chan struct{}
	if s.refs > 0 {
		wait = make(chan struct{})
		s.drained = wait
	}
	td := s.teardown
	s.mu.Unlock()

	if wait != nil {
		select {
		case <-wait:
		case <-ctx.Done():
			return fmt.Errorf("shut down %s: %d references outstanding: %w", s.name, s.Refs(), ctx.Err())
		}
	}
	if td == nil {
		return nil
	}
	if err := td(ctx); err != nil {
		return fmt.Errorf("tear down %s: %w", s.name, err)
	}
	return nil
}

// Ref is a shared reference obtained from Acquire.
type Ref[T any] struct {
	owner *Value[T]
	val   T
	once  sync.Once
}

// Value returns the referenced value.
func (r *Ref[T]) Value() T {
	return r.val
}

// Release drops the reference. Extra calls are ignored.
func (r *Ref[T]) Release() {
	r.once.Do(r.owner.release)
}
