// Package pool provides a slab arena that hands out fixed-size slots by
// index. Slots live in chunks that are never moved or released, so a
// pointer obtained from a Handle stays valid for the arena's lifetime, and
// freed slots are recycled through a free list instead of the heap.
package pool
