package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/seantiz/depflow/internal/policy/builtin"
	"github.com/seantiz/depflow/internal/singleton"
	"github.com/seantiz/depflow/internal/storage"
)

var defaultEngine = singleton.New("engine", func() (*Engine, singleton.Teardown, error) {
	// Hold storage for as long as the engine lives: pending operations may
	// still free buffers while the engine drains.
	ref, err := storage.Acquire()
	if err != nil {
		return nil, nil, err
	}
	logger := slog.Default()
	reg := builtin.NewRegistry(builtin.Options{
		Workers:     runtime.GOMAXPROCS(0),
		CopyWorkers: 1,
		GPUWorkers:  2,
	}, logger)
	e := NewEngine(reg, logger)

	return e, func(ctx context.Context) error {
		defer ref.Release()
		if err := e.WaitForAllContext(ctx); err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("drain engine: %w", err)
			}
			logger.Warn("operations failed before shutdown", "error", err)
		}
		e.broker.Close()
		return reg.Close(ctx)
	}, nil
})

// Default returns the process-wide engine, creating it on first use with the
// built-in policies.
func Default() (*Engine, error) {
	return defaultEngine.Get()
}

// AcquireDefault returns a reference to the process-wide engine that keeps
// ShutdownDefault from tearing it down until released.
func AcquireDefault() (*singleton.Ref[*Engine], error) {
	return defaultEngine.Acquire()
}

// ShutdownDefault drains and stops the process-wide engine. Storage shutdown
// waits for it, since the engine holds a storage reference.
func ShutdownDefault(ctx context.Context) error {
	return defaultEngine.Shutdown(ctx)
}
