// Package perdevice provides a policy with dedicated lanes for every
// (device, dispatch class) pair. Lanes are started on first use.
package perdevice

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/seantiz/depflow/internal/model"
	"github.com/seantiz/depflow/internal/policy"
)

type laneKey struct {
	ctx  model.Context
	lane string
}

type lane struct {
	queue   *policy.Queue
	workers *policy.Workers
}

// Policy runs each device's work on its own goroutines, so a slow device
// does not hold up another. Copies to and from a device use a separate lane
// from its compute work.
type Policy struct {
	name        string
	workers     int
	copyWorkers int
	logger      *slog.Logger

	mu     sync.Mutex
	lanes  map[laneKey]*lane
	closed bool
}

// Compile-time interface satisfaction check.
var _ policy.Policy = (*Policy)(nil)

// New creates a per-device policy. workers is the number of goroutines per
// device compute lane and copyWorkers the number per device copy lane.
func New(name string, workers, copyWorkers int, logger *slog.Logger) *Policy {
	if workers < 1 {
		workers = 1
	}
	if copyWorkers < 1 {
		copyWorkers = 1
	}
	return &Policy{
		name:        name,
		workers:     workers,
		copyWorkers: copyWorkers,
		logger:      logger,
		lanes:       make(map[laneKey]*lane),
	}
}

// Dispatch implements policy.Policy.
func (p *Policy) Dispatch(t policy.Task, pusherThread bool) {
	prop := t.Property()
	if prop == model.PropAsync && pusherThread {
		t.Execute()
		return
	}
	name := policy.LaneNormal
	if prop.IsCopy() {
		name = policy.LaneCopy
	}
	l := p.lane(laneKey{ctx: t.Context(), lane: name})
	if l == nil || !l.queue.Push(t, prop == model.PropCPUPrioritized) {
		t.Execute()
	}
}

// lane returns the lane for key, starting it if needed. It returns nil once
// the policy is closed.
func (p *Policy) lane(key laneKey) *lane {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	if l, ok := p.lanes[key]; ok {
		return l
	}
	n := p.workers
	if key.lane == policy.LaneCopy {
		n = p.copyWorkers
	}
	label := key.ctx.String() + "/" + key.lane
	q := policy.NewQueue(p.name, label)
	l := &lane{
		queue:   q,
		workers: policy.StartWorkers(q, n, p.name, label, p.logger),
	}
	p.lanes[key] = l
	p.logger.Info("device lane started", "policy", p.name, "context", key.ctx.String(), "lane", key.lane, "workers", n)
	return l
}

// Capabilities implements policy.Policy. Devices lists the contexts that
// currently have a lane.
func (p *Policy) Capabilities() policy.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	seen := make(map[string]bool)
	var devices []string
	for k := range p.lanes {
		s := k.ctx.String()
		if !seen[s] {
			seen[s] = true
			devices = append(devices, s)
		}
	}
	sort.Strings(devices)
	return policy.Capabilities{
		Name:        p.name,
		Workers:     p.workers,
		CopyWorkers: p.copyWorkers,
		Devices:     devices,
		Lanes:       len(p.lanes),
	}
}

// Close stops every lane and waits for queued tasks to finish.
func (p *Policy) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	done := make([]<-chan struct{}, 0, len(p.lanes))
	for _, l := range p.lanes {
		done = append(done, l.workers.Stop())
	}
	p.mu.Unlock()

	for _, ch := range done {
		select {
		case <-ch:
		case <-ctx.Done():
			return errors.Join(errors.New("perdevice: lanes still draining"), ctx.Err())
		}
	}
	return nil
}
