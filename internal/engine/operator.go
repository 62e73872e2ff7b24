package engine

import (
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/seantiz/depflow/internal/model"
	"github.com/seantiz/depflow/internal/pool"
)

// ErrConflictingDependency is returned when a variable is both read and
// written by the same operation.
var ErrConflictingDependency = errors.New("variable is in both the read and the write set")

// AsyncFn is the body of an operation. It must call cb.Done exactly once,
// possibly after returning.
type AsyncFn func(rc RunContext, cb Callback)

// SyncFn is the body of an operation that finishes when it returns.
type SyncFn func(rc RunContext) error

// Operator describes an operation that may be pushed any number of times.
// Operators created by NewOperator stay valid until DeleteOperator; those
// created internally for PushAsync are released when they complete.
type Operator struct {
	e      *Engine
	self   pool.Handle
	id     string
	seq    uint64
	name   string
	fn     AsyncFn
	reads  []*Var
	writes []*Var
	prop   model.FnProperty

	// refs counts executions not yet completed, plus one held by a
	// persistent operator until DeleteOperator. The descriptor is freed when
	// it drops to zero.
	refs atomic.Int64
}

// OpOption configures an Operator.
type OpOption func(*Operator)

// WithName labels the operator in logs, events and the journal.
func WithName(name string) OpOption {
	return func(op *Operator) {
		op.name = name
	}
}

// ID returns the operator's identifier.
func (op *Operator) ID() string {
	if op.id != "" {
		return op.id
	}
	return "tmp-" + strconv.FormatUint(op.seq, 10)
}

// Name returns the operator's name.
func (op *Operator) Name() string {
	return op.name
}

// Property returns the operator's function property.
func (op *Operator) Property() model.FnProperty {
	return op.prop
}

// Reads returns the operator's read set. The slice must not be modified.
func (op *Operator) Reads() []*Var {
	return op.reads
}

// Writes returns the operator's write set. The slice must not be modified.
func (op *Operator) Writes() []*Var {
	return op.writes
}

// checkConflicts fails if any variable appears in both sets.
func checkConflicts(reads, writes []*Var) error {
	for _, w := range writes {
		for _, r := range reads {
			if r == w {
				return fmt.Errorf("var %d: %w", w.id, ErrConflictingDependency)
			}
		}
	}
	return nil
}

// appendUnique appends the variables of src not already in dst.
func appendUnique(dst, src []*Var) []*Var {
	for _, v := range src {
		dup := false
		for _, have := range dst {
			if have == v {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, v)
		}
	}
	return dst
}

func (e *Engine) newOperator(fn AsyncFn, reads, writes []*Var, prop model.FnProperty, temporary bool, opts []OpOption) (*Operator, error) {
	if fn == nil {
		return nil, errors.New("operator function is nil")
	}
	if err := checkConflicts(reads, writes); err != nil {
		return nil, err
	}
	if prop == "" {
		prop = model.PropNormal
	}

	h, op := e.ops.Alloc()
	op.e = e
	op.self = h
	op.fn = fn
	op.prop = prop
	op.name = ""
	op.id = ""
	op.seq = e.opSeq.Add(1)
	op.refs.Store(0)
	if !temporary {
		op.id = model.NewID()
		op.refs.Store(1)
	}
	op.reads = appendUnique(op.reads[:0], reads)
	op.writes = appendUnique(op.writes[:0], writes)
	for _, opt := range opts {
		opt(op)
	}
	return op, nil
}

// releaseOperator drops one reference to op, freeing it on the last.
func (e *Engine) releaseOperator(op *Operator) {
	if op.refs.Add(-1) == 0 {
		e.freeOperator(op)
	}
}

func (e *Engine) freeOperator(op *Operator) {
	clear(op.reads)
	clear(op.writes)
	op.reads = op.reads[:0]
	op.writes = op.writes[:0]
	op.fn = nil
	e.ops.Free(op.self)
}
