// Package engine implements a dependency-tracking asynchronous execution
// engine. Operations declare the variables they read and write; the engine
// keeps a queue per variable and dispatches an operation to an execution
// policy as soon as every one of its dependencies is satisfied.
//
// Each variable's queue is guarded by its own mutex and there is no global
// lock on the push or completion paths. An operation's wait counter starts
// at the number of its dependencies plus one; the extra count is dropped by
// the pusher once registration is finished, so exactly one goroutine sees
// the counter reach zero and dispatches it. Scheduling blocks, queue nodes,
// operators and variables are allocated from pool.Slab arenas.
//
// Completion is signalled through a Callback, which may be invoked from any
// goroutine, once. A failed write records its error on the variables it
// wrote; WaitForVar and WaitForAll report such failures.
package engine
