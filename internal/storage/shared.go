package storage

import (
	"context"
	"log/slog"

	"github.com/seantiz/depflow/internal/singleton"
)

var shared = singleton.New("storage", func() (*Manager, singleton.Teardown, error) {
	m := NewManager(slog.Default())
	return m, func(context.Context) error {
		m.Close()
		return nil
	}, nil
})

// Get returns the process-wide manager, creating it on first use.
func Get() (*Manager, error) {
	return shared.Get()
}

// Acquire returns a reference to the process-wide manager. Shutdown waits
// until every reference is released, so holders can keep freeing buffers
// during their own teardown.
func Acquire() (*singleton.Ref[*Manager], error) {
	return shared.Acquire()
}

// Shutdown closes the process-wide manager once all references are
// released.
func Shutdown(ctx context.Context) error {
	return shared.Shutdown(ctx)
}
