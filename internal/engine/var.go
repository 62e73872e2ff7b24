package engine

import (
	"sync"

	"github.com/seantiz/depflow/internal/pool"
)

// writeTriggered is stored in numPendingReads once the pending writer has
// been released to run.
const writeTriggered = -1

// varNode is one entry in a Var's queue. The queue always ends in an empty
// node (Var.head); appending fills that node and links a fresh empty one.
type varNode struct {
	next    pool.Handle
	trigger pool.Handle
	write   bool
}

// Var is a resource tracked by the engine. Operations that read a Var run
// concurrently with each other; operations that write it run alone and in
// the order they were pushed.
//
// A Var is created by Engine.NewVariable and lives until the operation
// pushed by Engine.DeleteVariable has completed and every earlier use has
// drained.
type Var struct {
	e    *Engine
	self pool.Handle
	id   uint64

	mu sync.Mutex
	// numPendingReads counts running readers, or is writeTriggered while the
	// pending writer runs.
	numPendingReads int
	// head is the empty node at the tail of the queue.
	head pool.Handle
	// pendingWrite is the oldest queued write, or pool.Nil when the Var is
	// clear to read.
	pendingWrite pool.Handle
	toDelete     bool
	err          error
}

// ID returns the variable's sequence number, unique within its engine.
func (v *Var) ID() uint64 {
	return v.id
}

// ReadyToRead reports whether no write is queued or running.
func (v *Var) ReadyToRead() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pendingWrite == pool.Nil
}

// Err returns the error reported by the most recent write, or nil if it
// succeeded.
func (v *Var) Err() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.err
}

func (v *Var) reset(e *Engine, self pool.Handle, id uint64, head pool.Handle) {
	v.e = e
	v.self = self
	v.id = id
	v.numPendingReads = 0
	v.head = head
	v.pendingWrite = pool.Nil
	v.toDelete = false
	v.err = nil
}

// appendRead registers block bh as a reader. When no write is pending the
// dependency is satisfied at once.
func (v *Var) appendRead(bh pool.Handle) {
	nodes := v.e.nodes
	v.mu.Lock()
	if v.pendingWrite == pool.Nil {
		v.numPendingReads++
		v.mu.Unlock()
		v.e.blocks.At(bh).wait.Add(-1)
		return
	}
	nh, n := nodes.Alloc()
	*n = varNode{}
	tail := nodes.At(v.head)
	tail.next = nh
	tail.trigger = bh
	tail.write = false
	v.head = nh
	v.mu.Unlock()
}

// appendWrite registers block bh as a writer. If nothing is ahead of it the
// dependency is satisfied at once.
func (v *Var) appendWrite(bh pool.Handle) {
	nodes := v.e.nodes
	nh, n := nodes.Alloc()
	*n = varNode{}

	v.mu.Lock()
	tail := nodes.At(v.head)
	tail.next = nh
	tail.trigger = bh
	tail.write = true
	ready := false
	if v.pendingWrite == pool.Nil {
		v.pendingWrite = v.head
		if v.numPendingReads == 0 {
			v.numPendingReads = writeTriggered
			ready = true
		}
	}
	v.head = nh
	v.mu.Unlock()

	if ready {
		v.e.blocks.At(bh).wait.Add(-1)
	}
}

// completeRead retires one running reader, releasing the pending writer when
// it was the last. It reports whether the Var can now be freed.
func (v *Var) completeRead() bool {
	trigger := pool.Nil
	v.mu.Lock()
	v.numPendingReads--
	if v.numPendingReads == 0 && v.pendingWrite != pool.Nil {
		trigger = v.e.nodes.At(v.pendingWrite).trigger
		v.numPendingReads = writeTriggered
	}
	drained := v.drainedLocked()
	v.mu.Unlock()

	if trigger != pool.Nil {
		v.e.release(trigger)
	}
	return drained
}

// completeWrite retires the running writer and records err as the Var's
// state. Readers queued behind it are released together, up to the next
// writer, which is released too if there were no such readers. It reports
// whether the Var can now be freed.
func (v *Var) completeWrite(err error) bool {
	nodes := v.e.nodes
	triggerWrite := pool.Nil

	v.mu.Lock()
	v.err = err
	done := v.pendingWrite
	first := nodes.At(done).next
	end := first
	reads := 0
	for end != v.head {
		n := nodes.At(end)
		if n.write {
			break
		}
		reads++
		end = n.next
	}
	if end == v.head {
		v.pendingWrite = pool.Nil
	} else {
		v.pendingWrite = end
		if reads == 0 {
			triggerWrite = nodes.At(end).trigger
			reads = writeTriggered
		}
	}
	v.numPendingReads = reads
	drained := v.drainedLocked()
	v.mu.Unlock()

	// Nodes in [first, end) are detached from the queue and owned here.
	nodes.Free(done)
	for cur := first; cur != end; {
		n := nodes.At(cur)
		next, trigger := n.next, n.trigger
		nodes.Free(cur)
		v.e.release(trigger)
		cur = next
	}
	if triggerWrite != pool.Nil {
		v.e.release(triggerWrite)
	}
	return drained
}

func (v *Var) setToDelete() {
	v.mu.Lock()
	v.toDelete = true
	v.mu.Unlock()
}

func (v *Var) drainedLocked() bool {
	return v.toDelete && v.numPendingReads == 0 && v.pendingWrite == pool.Nil
}
