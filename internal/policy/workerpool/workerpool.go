// Package workerpool provides a policy backed by a fixed set of goroutines
// shared by all devices, with a separate lane for host/device copies.
package workerpool

import (
	"context"
	"log/slog"
	"sync"

	"github.com/seantiz/depflow/internal/model"
	"github.com/seantiz/depflow/internal/policy"
)

// Pool dispatches tasks to a normal lane and a copy lane. cpu_prioritized
// tasks jump ahead of the normal lane; async tasks submitted directly by the
// pushing goroutine run inline, since they only start asynchronous work.
type Pool struct {
	name        string
	workers     int
	copyWorkers int

	normal    *policy.Queue
	copy      *policy.Queue
	normalRun *policy.Workers
	copyRun   *policy.Workers
	closeOnce sync.Once
	closeErr  error
}

// Compile-time interface satisfaction check.
var _ policy.Policy = (*Pool)(nil)

// New starts a pool with the given worker counts. A copyWorkers value of zero
// sends copy operations to the normal lane.
func New(name string, workers, copyWorkers int, logger *slog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{
		name:        name,
		workers:     workers,
		copyWorkers: copyWorkers,
		normal:      policy.NewQueue(name, policy.LaneNormal),
	}
	p.normalRun = policy.StartWorkers(p.normal, workers, name, policy.LaneNormal, logger)
	if copyWorkers > 0 {
		p.copy = policy.NewQueue(name, policy.LaneCopy)
		p.copyRun = policy.StartWorkers(p.copy, copyWorkers, name, policy.LaneCopy, logger)
	}
	logger.Info("worker pool started", "policy", name, "workers", workers, "copy_workers", copyWorkers)
	return p
}

// Dispatch implements policy.Policy.
func (p *Pool) Dispatch(t policy.Task, pusherThread bool) {
	prop := t.Property()
	if prop == model.PropAsync && pusherThread {
		t.Execute()
		return
	}
	if prop.IsCopy() && p.copy != nil {
		p.enqueue(p.copy, t, false)
		return
	}
	p.enqueue(p.normal, t, prop == model.PropCPUPrioritized)
}

// enqueue pushes t, running it inline if the pool has been closed so the
// operation still completes.
func (p *Pool) enqueue(q *policy.Queue, t policy.Task, high bool) {
	if !q.Push(t, high) {
		t.Execute()
	}
}

// Capabilities implements policy.Policy.
func (p *Pool) Capabilities() policy.Capabilities {
	lanes := 1
	if p.copy != nil {
		lanes = 2
	}
	return policy.Capabilities{
		Name:        p.name,
		Workers:     p.workers,
		CopyWorkers: p.copyWorkers,
		Devices:     []string{"*"},
		Lanes:       lanes,
	}
}

// Close stops both lanes and waits for queued work to finish.
func (p *Pool) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		done := []<-chan struct{}{p.normalRun.Stop()}
		if p.copyRun != nil {
			done = append(done, p.copyRun.Stop())
		}
		for _, ch := range done {
			select {
			case <-ch:
			case <-ctx.Done():
				p.closeErr = ctx.Err()
				return
			}
		}
	})
	return p.closeErr
}
