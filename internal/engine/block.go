package engine

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/seantiz/depflow/internal/model"
	"github.com/seantiz/depflow/internal/policy"
	"github.com/seantiz/depflow/internal/pool"
)

// oprBlock is one pushed execution of an Operator. wait counts unsatisfied
// dependencies plus one held by the pusher until registration is finished;
// whoever brings it to zero dispatches the block.
//
// state packs the slot's generation (high bits) with a fired bit (bit 0), so
// a completion can only claim the generation it was issued for.
type oprBlock struct {
	wait  atomic.Int32
	state atomic.Uint64

	e         *Engine
	self      pool.Handle
	opr       *Operator
	ctx       model.Context
	queuedAt  time.Time
	startedAt time.Time
}

// Compile-time interface satisfaction check.
var _ policy.Task = (*oprBlock)(nil)

func (b *oprBlock) reset(e *Engine, self pool.Handle, op *Operator, ctx model.Context) {
	b.e = e
	b.self = self
	b.opr = op
	b.ctx = ctx
	b.queuedAt = time.Now()
	b.startedAt = time.Time{}
	b.state.Store((b.state.Load()>>1 + 1) << 1)
	b.wait.Store(int32(len(op.reads) + len(op.writes) + 1))
}

// gen returns the block's current generation.
func (b *oprBlock) gen() uint64 {
	return b.state.Load() >> 1
}

// claim marks generation gen of the block fired. Only the first claim of the
// current generation succeeds.
func (b *oprBlock) claim(gen uint64) bool {
	return b.state.CompareAndSwap(gen<<1, gen<<1|1)
}

// Context implements policy.Task.
func (b *oprBlock) Context() model.Context {
	return b.ctx
}

// Property implements policy.Task.
func (b *oprBlock) Property() model.FnProperty {
	return b.opr.prop
}

// Execute implements policy.Task. A panic in the operation's function is
// reported as its failure unless the function already completed.
func (b *oprBlock) Execute() {
	b.startedAt = time.Now()
	op := b.opr
	cb := Callback{e: b.e, h: b.self, gen: b.gen()}
	rc := RunContext{Ctx: b.ctx, op: op}
	if b.e.debug {
		b.e.logger.Debug("operation started", "op_id", op.ID(), "name", op.name, "context", b.ctx.String())
	}

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("operation %s panicked: %v", op.ID(), r)
			if !cb.tryDone(err) {
				b.e.logger.Error("operation panicked after completing", "error", err)
			}
		}
	}()
	op.fn(rc, cb)
}

// Callback signals that an operation has finished. It must be called exactly
// once per execution; the operation's dependents are released when it is.
type Callback struct {
	e   *Engine
	h   pool.Handle
	gen uint64
}

// Done completes the operation. A non-nil err marks it failed: the error is
// recorded on every variable it writes and reported by the wait functions.
// Calling Done twice panics.
func (c Callback) Done(err error) {
	if !c.tryDone(err) {
		panic("engine: operation completed more than once")
	}
}

func (c Callback) tryDone(err error) bool {
	if !c.e.blocks.At(c.h).claim(c.gen) {
		return false
	}
	c.e.complete(c.h, err)
	return true
}

// RunContext is passed to an operation's function.
type RunContext struct {
	// Ctx is the device the operation was pushed to.
	Ctx model.Context

	op *Operator
}

// OpID returns the id of the running operator.
func (rc RunContext) OpID() string {
	return rc.op.ID()
}

// Name returns the running operator's name, if it has one.
func (rc RunContext) Name() string {
	return rc.op.name
}
