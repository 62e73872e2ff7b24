// Package policy defines the hand-off point between the dependency engine and
// the code that actually runs operations. The engine decides when an
// operation may run; a Policy decides where and on which goroutine.
// Implementations live in subpackages (inline, workerpool, perdevice) and are
// looked up through a Registry that can route by device type.
package policy
