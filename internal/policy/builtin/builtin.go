// Package builtin assembles a policy registry with every policy this module
// ships.
package builtin

import (
	"log/slog"

	"github.com/seantiz/depflow/internal/policy"
	"github.com/seantiz/depflow/internal/policy/inline"
	"github.com/seantiz/depflow/internal/policy/perdevice"
	"github.com/seantiz/depflow/internal/policy/workerpool"
)

// Options sizes the worker-backed policies.
type Options struct {
	Workers     int
	CopyWorkers int
	GPUWorkers  int
}

// NewRegistry returns a registry holding the inline, pool and perdevice
// policies.
func NewRegistry(opts Options, logger *slog.Logger) *policy.Registry {
	reg := policy.NewRegistry()
	reg.Register(policy.NameInline, inline.New())
	reg.Register(policy.NamePool, workerpool.New(policy.NamePool, opts.Workers, opts.CopyWorkers, logger))
	reg.Register(policy.NamePerDevice, perdevice.New(policy.NamePerDevice, opts.GPUWorkers, opts.CopyWorkers, logger))
	return reg
}
