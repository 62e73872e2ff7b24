package policy

import (
	"context"

	"github.com/seantiz/depflow/internal/model"
)

// Task is one operation whose dependencies are satisfied. Execute must be
// called exactly once; it invokes the operation, which signals its own
// completion back to the engine.
type Task interface {
	Context() model.Context
	Property() model.FnProperty
	Execute()
}

// Policy is the interface every execution policy implements.
type Policy interface {
	// Dispatch eventually calls t.Execute. pusherThread is true when the
	// caller is the goroutine that submitted the operation, rather than a
	// completion path releasing it. Dispatch must not block on the work itself.
	Dispatch(t Task, pusherThread bool)

	// Capabilities reports how the policy executes work.
	Capabilities() Capabilities

	// Close stops accepting work and waits for queued tasks to drain or for
	// ctx to end.
	Close(ctx context.Context) error
}

// Capabilities describes a policy.
type Capabilities struct {
	Name        string   `json:"name"`
	Workers     int      `json:"workers"`
	CopyWorkers int      `json:"copy_workers"`
	Devices     []string `json:"devices"`
	Lanes       int      `json:"lanes"`
}
