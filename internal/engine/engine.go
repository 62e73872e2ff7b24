package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/depflow/internal/model"
	"github.com/seantiz/depflow/internal/policy"
	"github.com/seantiz/depflow/internal/pool"
)

// maxRecordedFailures bounds the failures kept between two WaitForAll calls.
const maxRecordedFailures = 64

// Journal receives a record for every completed operation. Record must not
// block for long: it runs on the completing goroutine.
type Journal interface {
	Record(rec model.OpRecord)
}

// Engine schedules operations over variables. Operations that share a
// variable run in push order when either of them writes it; everything else
// runs concurrently, as far as the execution policy allows.
type Engine struct {
	policies   *policy.Registry
	policyName string
	logger     *slog.Logger
	debug      bool
	journal    Journal
	broker     *EventBroker
	metrics    map[model.FnProperty]*propMetrics

	blocks *pool.Slab[oprBlock]
	nodes  *pool.Slab[varNode]
	ops    *pool.Slab[Operator]
	vars   *pool.Slab[Var]

	varSeq atomic.Uint64
	opSeq  atomic.Uint64

	pending atomic.Int64
	mu      sync.Mutex
	cond    *sync.Cond

	failMu   sync.Mutex
	failures []error
	dropped  int
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy selects the registered policy that runs operations. The default
// is policy.NameAuto, which routes by device type.
func WithPolicy(name string) Option {
	return func(e *Engine) {
		e.policyName = name
	}
}

// WithJournal sends a record of every completed operation to j.
func WithJournal(j Journal) Option {
	return func(e *Engine) {
		e.journal = j
	}
}

// NewEngine creates an engine that dispatches ready operations through reg.
func NewEngine(reg *policy.Registry, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		policies:   reg,
		policyName: policy.NameAuto,
		logger:     logger,
		debug:      logger.Enabled(context.Background(), slog.LevelDebug),
		broker:     NewEventBroker(),
		metrics:    newPropMetrics(),
		blocks:     pool.NewSlab[oprBlock]("blocks"),
		nodes:      pool.NewSlab[varNode]("nodes"),
		ops:        pool.NewSlab[Operator]("operators"),
		vars:       pool.NewSlab[Var]("vars"),
	}
	e.cond = sync.NewCond(&e.mu)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Broker returns the engine's completion event broker.
func (e *Engine) Broker() *EventBroker {
	return e.broker
}

// PolicyName returns the name of the policy operations are dispatched to.
func (e *Engine) PolicyName() string {
	return e.policyName
}

// Policies returns the registry operations are dispatched through.
func (e *Engine) Policies() *policy.Registry {
	return e.policies
}

// NewVariable creates a variable with nothing queued on it.
func (e *Engine) NewVariable() *Var {
	nh, n := e.nodes.Alloc()
	*n = varNode{}
	h, v := e.vars.Alloc()
	v.reset(e, h, e.varSeq.Add(1), nh)
	liveVars.Inc()
	return v
}

func (e *Engine) freeVar(v *Var) {
	e.nodes.Free(v.head)
	v.head = pool.Nil
	v.err = nil
	e.vars.Free(v.self)
	liveVars.Dec()
}

// NewOperator creates a reusable operator. It fails with
// ErrConflictingDependency if a variable is both read and written; a
// variable listed twice in the same set is used once.
func (e *Engine) NewOperator(fn AsyncFn, reads, writes []*Var, prop model.FnProperty, opts ...OpOption) (*Operator, error) {
	op, err := e.newOperator(fn, reads, writes, prop, false, opts)
	if err != nil {
		return nil, fmt.Errorf("new operator: %w", err)
	}
	return op, nil
}

// DeleteOperator releases op once every execution pushed before this call
// has completed. op must not be pushed afterwards.
func (e *Engine) DeleteOperator(op *Operator) error {
	deps := make([]*Var, 0, len(op.reads)+len(op.writes))
	deps = append(deps, op.reads...)
	deps = append(deps, op.writes...)
	return e.PushAsync(func(_ RunContext, cb Callback) {
		e.releaseOperator(op)
		cb.Done(nil)
	}, model.CPU(0), nil, deps, model.PropAsync, WithName("delete-operator"))
}

// Push schedules one execution of op on ctx. It never blocks.
func (e *Engine) Push(op *Operator, ctx model.Context) {
	e.pending.Add(1)
	pendingOps.Inc()
	e.propMetrics(op.prop).pushed.Inc()
	op.refs.Add(1)

	bh, b := e.blocks.Alloc()
	b.reset(e, bh, op, ctx)
	for _, v := range op.reads {
		v.appendRead(bh)
	}
	for _, v := range op.writes {
		v.appendWrite(bh)
	}
	if b.wait.Add(-1) == 0 {
		e.dispatch(bh, true)
	}
}

// PushAsync schedules fn once on ctx, reading reads and writing writes.
func (e *Engine) PushAsync(fn AsyncFn, ctx model.Context, reads, writes []*Var, prop model.FnProperty, opts ...OpOption) error {
	op, err := e.newOperator(fn, reads, writes, prop, true, opts)
	if err != nil {
		return fmt.Errorf("push: %w", err)
	}
	e.Push(op, ctx)
	return nil
}

// PushSync is PushAsync for a function that is finished when it returns.
// Its returned error is the operation's result.
func (e *Engine) PushSync(fn SyncFn, ctx model.Context, reads, writes []*Var, prop model.FnProperty, opts ...OpOption) error {
	if fn == nil {
		return errors.New("push: operator function is nil")
	}
	return e.PushAsync(func(rc RunContext, cb Callback) {
		cb.Done(fn(rc))
	}, ctx, reads, writes, prop, opts...)
}

// DeleteVariable schedules fn as a write of v and frees v after it and every
// earlier use of v has completed. fn may be nil. v must not be used after
// this call.
func (e *Engine) DeleteVariable(fn SyncFn, ctx model.Context, v *Var) error {
	return e.PushAsync(func(rc RunContext, cb Callback) {
		var err error
		if fn != nil {
			err = fn(rc)
		}
		v.setToDelete()
		cb.Done(err)
	}, ctx, nil, []*Var{v}, model.PropNormal, WithName("delete-variable"))
}

// WaitForVar blocks until every write of v pushed before the call has
// completed and returns the error of the last one.
func (e *Engine) WaitForVar(v *Var) error {
	return e.WaitForVarContext(context.Background(), v)
}

// WaitForVarContext is WaitForVar bounded by ctx. The barrier it pushes
// still runs if ctx ends first.
func (e *Engine) WaitForVarContext(ctx context.Context, v *Var) error {
	if v.ReadyToRead() {
		return v.Err()
	}
	done := make(chan error, 1)
	err := e.PushAsync(func(_ RunContext, cb Callback) {
		done <- v.Err()
		cb.Done(nil)
	}, model.CPU(0), []*Var{v}, nil, model.PropAsync, WithName("wait-for-var"))
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("wait for var %d: %w", v.id, ctx.Err())
	}
}

// WaitForAll blocks until no pushed operation is outstanding. It returns the
// joined errors of operations that failed since the previous WaitForAll.
func (e *Engine) WaitForAll() error {
	return e.WaitForAllContext(context.Background())
}

// WaitForAllContext is WaitForAll bounded by ctx. Recorded failures are kept
// if ctx ends first.
func (e *Engine) WaitForAllContext(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		e.mu.Lock()
		e.cond.Broadcast()
		e.mu.Unlock()
	})
	defer stop()

	e.mu.Lock()
	for e.pending.Load() != 0 {
		if err := ctx.Err(); err != nil {
			e.mu.Unlock()
			return fmt.Errorf("wait for all: %w", err)
		}
		e.cond.Wait()
	}
	e.mu.Unlock()
	return e.takeFailures()
}

// Pending reports the number of operations pushed but not completed.
func (e *Engine) Pending() int64 {
	return e.pending.Load()
}

// Stats is a snapshot of the engine's state.
type Stats struct {
	Policy   string       `json:"policy"`
	Pending  int64        `json:"pending"`
	LiveVars int64        `json:"live_vars"`
	Pools    []pool.Stats `json:"pools"`
}

// Stats returns a snapshot of the engine's counters and arenas.
func (e *Engine) Stats() Stats {
	return Stats{
		Policy:   e.policyName,
		Pending:  e.pending.Load(),
		LiveVars: e.vars.InUse(),
		Pools: []pool.Stats{
			e.blocks.Stats(),
			e.nodes.Stats(),
			e.ops.Stats(),
			e.vars.Stats(),
		},
	}
}

// release satisfies one dependency of block bh, dispatching it if that was
// the last.
func (e *Engine) release(bh pool.Handle) {
	if e.blocks.At(bh).wait.Add(-1) == 0 {
		e.dispatch(bh, false)
	}
}

// dispatch hands a ready block to its policy. A block whose policy cannot be
// resolved completes as failed without running.
func (e *Engine) dispatch(bh pool.Handle, pusherThread bool) {
	b := e.blocks.At(bh)
	p, err := e.policies.Resolve(e.policyName, b.ctx)
	if err != nil {
		b.startedAt = time.Now()
		b.claim(b.gen())
		e.complete(bh, fmt.Errorf("resolve policy: %w", err))
		return
	}
	if e.debug {
		e.logger.Debug("dispatch operation",
			"op_id", b.opr.ID(),
			"name", b.opr.name,
			"context", b.ctx.String(),
			"policy", p.Capabilities().Name,
		)
	}
	p.Dispatch(b, pusherThread)
}

// complete retires block bh: it records the outcome, releases the block's
// dependents on every variable, frees what is no longer needed, and finally
// drops the pending count.
func (e *Engine) complete(bh pool.Handle, err error) {
	b := e.blocks.At(bh)
	op := b.opr
	e.observe(b, err, time.Now())

	if err != nil {
		e.recordFailure(fmt.Errorf("operation %s: %w", op.ID(), err))
	}

	for _, v := range op.reads {
		if v.completeRead() {
			e.freeVar(v)
		}
	}
	for _, v := range op.writes {
		if v.completeWrite(err) {
			e.freeVar(v)
		}
	}

	b.opr = nil
	e.blocks.Free(bh)
	// This execution's reference kept op alive through the fan-out, even if
	// a DeleteOperator barrier ran meanwhile.
	e.releaseOperator(op)

	pendingOps.Dec()
	if e.pending.Add(-1) == 0 {
		e.mu.Lock()
		e.cond.Broadcast()
		e.mu.Unlock()
	}
}

func (e *Engine) observe(b *oprBlock, err error, finished time.Time) {
	op := b.opr
	m := e.propMetrics(op.prop)
	status := model.StatusCompleted
	if err != nil {
		status = model.StatusFailed
		m.failed.Inc()
		e.logger.Error("operation failed",
			"op_id", op.ID(),
			"name", op.name,
			"context", b.ctx.String(),
			"error", err,
		)
	} else {
		m.completed.Inc()
	}
	m.wait.Observe(b.startedAt.Sub(b.queuedAt).Seconds())
	m.run.Observe(finished.Sub(b.startedAt).Seconds())

	if e.journal == nil && !e.broker.HasSubscribers() {
		return
	}
	rec := model.OpRecord{
		ID:         model.NewID(),
		OpID:       op.ID(),
		Name:       op.name,
		Property:   op.prop,
		Context:    b.ctx,
		Status:     status,
		QueuedAt:   b.queuedAt.UTC(),
		StartedAt:  b.startedAt.UTC(),
		FinishedAt: finished.UTC(),
		DurationUS: finished.Sub(b.startedAt).Microseconds(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if e.journal != nil {
		e.journal.Record(rec)
	}
	e.broker.Publish(rec)
}

func (e *Engine) propMetrics(p model.FnProperty) *propMetrics {
	if m, ok := e.metrics[p]; ok {
		return m
	}
	// Unknown properties are rare; resolve them without caching so the map
	// stays read-only.
	return metricsFor(p)
}

func (e *Engine) recordFailure(err error) {
	e.failMu.Lock()
	defer e.failMu.Unlock()
	if len(e.failures) < maxRecordedFailures {
		e.failures = append(e.failures, err)
		return
	}
	e.dropped++
}

func (e *Engine) takeFailures() error {
	e.failMu.Lock()
	defer e.failMu.Unlock()
	if len(e.failures) == 0 {
		return nil
	}
	errs := e.failures
	if e.dropped > 0 {
		errs = append(errs, fmt.Errorf("%d more operations failed", e.dropped))
	}
	e.failures = nil
	e.dropped = 0
	return errors.Join(errs...)
}
