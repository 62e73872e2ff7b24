package pool

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
)

const (
	chunkBits = 8
	chunkSize = 1 << chunkBits
	chunkMask = chunkSize - 1

	// MaxSlots is the number of slots a single Slab can hand out, bounded
	// only by the width of Handle.
	MaxSlots = math.MaxUint32
)

// Handle addresses one slot in a Slab. The zero Handle is Nil and never
// refers to a live slot.
type Handle uint32

// Nil is the handle that refers to no slot.
const Nil Handle = 0

// Stats is a point-in-time view of a Slab's occupancy.
type Stats struct {
	Name     string `json:"name"`
	Capacity int    `json:"capacity"`
	InUse    int64  `json:"in_use"`
	Free     int    `json:"free"`
	Allocs   uint64 `json:"allocs"`
	Reuses   uint64 `json:"reuses"`
}

// chunk is a fixed block of slots. Chunks never move once allocated.
type chunk[T any] [chunkSize]T

// Slab is a concurrent arena of T values addressed by Handle.
//
// Alloc prefers the most recently freed slot. Free does not clear the slot:
// callers reset whatever state they need, which lets slice fields keep their
// capacity across reuse.
//
// The chunk directory grows by appending under mu and publishing the new
// slice header; readers holding an older header still see every chunk their
// handles point into.
type Slab[T any] struct {
	name string
	dir  atomic.Pointer[[]*chunk[T]]

	mu   sync.Mutex
	free []Handle
	next uint32

	inUse  atomic.Int64
	allocs atomic.Uint64
	reuses atomic.Uint64
}

// NewSlab creates an empty slab. name identifies it in Stats.
func NewSlab[T any](name string) *Slab[T] {
	s := &Slab[T]{
		name: name,
		next: 1,
	}
	dir := []*chunk[T]{}
	s.dir.Store(&dir)
	return s
}

// Alloc reserves a slot and returns its handle and address. Slabs grow
// without bound; only exhausting the Handle space panics.
func (s *Slab[T]) Alloc() (Handle, *T) {
	s.mu.Lock()
	if n := len(s.free); n > 0 {
		h := s.free[n-1]
		s.free = s.free[:n-1]
		s.mu.Unlock()
		s.reuses.Add(1)
		s.inUse.Add(1)
		return h, s.At(h)
	}

	idx := s.next
	if idx == MaxSlots {
		s.mu.Unlock()
		panic(fmt.Sprintf("pool: slab %q exhausted (%d slots)", s.name, uint64(MaxSlots)))
	}
	s.next++
	if dir := *s.dir.Load(); int(idx>>chunkBits) >= len(dir) {
		dir = append(dir, new(chunk[T]))
		s.dir.Store(&dir)
	}
	s.mu.Unlock()

	s.allocs.Add(1)
	s.inUse.Add(1)
	h := Handle(idx)
	return h, s.At(h)
}

// At returns the address of the slot behind h. h must have been returned by
// Alloc on this slab.
func (s *Slab[T]) At(h Handle) *T {
	dir := *s.dir.Load()
	return &dir[h>>chunkBits][h&chunkMask]
}

// Free returns h to the free list. The slot must not be used afterwards
// until Alloc hands it out again.
func (s *Slab[T]) Free(h Handle) {
	if h == Nil {
		panic("pool: free of nil handle")
	}
	s.mu.Lock()
	s.free = append(s.free, h)
	s.mu.Unlock()
	s.inUse.Add(-1)
}

// InUse reports the number of live slots.
func (s *Slab[T]) InUse() int64 {
	return s.inUse.Load()
}

// Stats returns a snapshot of the slab's counters.
func (s *Slab[T]) Stats() Stats {
	s.mu.Lock()
	capacity := int(s.next) - 1
	free := len(s.free)
	s.mu.Unlock()
	return Stats{
		Name:     s.name,
		Capacity: capacity,
		InUse:    s.inUse.Load(),
		Free:     free,
		Allocs:   s.allocs.Load(),
		Reuses:   s.reuses.Load(),
	}
}
