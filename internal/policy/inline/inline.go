// Package inline provides a policy that runs every operation on the
// goroutine that made it eligible. Completion of one operation may therefore
// run its successors recursively on the same stack, which makes execution
// order deterministic for a single submitter.
package inline

import (
	"context"

	"github.com/seantiz/depflow/internal/policy"
)

// Policy executes tasks synchronously inside Dispatch.
type Policy struct{}

// Compile-time interface satisfaction check.
var _ policy.Policy = (*Policy)(nil)

// New creates an inline policy.
func New() *Policy {
	return &Policy{}
}

// Dispatch runs t immediately.
func (p *Policy) Dispatch(t policy.Task, _ bool) {
	t.Execute()
}

// Capabilities implements policy.Policy.
func (p *Policy) Capabilities() policy.Capabilities {
	return policy.Capabilities{
		Name:    policy.NameInline,
		Workers: 0,
		Devices: []string{"*"},
		Lanes:   0,
	}
}

// Close implements policy.Policy. There is nothing to drain.
func (p *Policy) Close(_ context.Context) error {
	return nil
}
