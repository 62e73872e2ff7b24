// Package storage provides a pooled byte allocator keyed by device context.
// Freed buffers are kept per (size class, context) and handed out again by
// later allocations of the same class on the same device.
package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/seantiz/depflow/internal/model"
)

// Size class bounds. Requests above MaxPooledSize are not pooled.
const (
	MinClassSize  = 64
	MaxPooledSize = 1 << 30
)

// ErrClosed is returned by Alloc after Close.
var ErrClosed = errors.New("storage: manager closed")

// Handle is an allocated buffer. Data has length Size; its contents are
// undefined when allocated.
type Handle struct {
	Data []byte
	Size int
	Ctx  model.Context
}

type poolKey struct {
	ctx   model.Context
	class int
}

// Stats is a snapshot of a Manager's counters.
type Stats struct {
	Allocs      uint64 `json:"allocs"`
	Reuses      uint64 `json:"reuses"`
	Frees       uint64 `json:"frees"`
	BytesInUse  int64  `json:"bytes_in_use"`
	BytesPooled int64  `json:"bytes_pooled"`
	Pools       int    `json:"pools"`
}

// Manager allocates and pools buffers. It is safe for concurrent use.
type Manager struct {
	logger *slog.Logger

	mu     sync.Mutex
	pools  map[poolKey][][]byte
	pooled int64
	closed bool

	allocs atomic.Uint64
	reuses atomic.Uint64
	frees  atomic.Uint64
	inUse  atomic.Int64
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		logger: logger,
		pools:  make(map[poolKey][][]byte),
	}
}

// classFor returns the size class for n: the smallest power of two that is
// at least n and at least MinClassSize, or -1 if n is not pooled.
func classFor(n int) int {
	if n > MaxPooledSize {
		return -1
	}
	if n <= MinClassSize {
		return MinClassSize
	}
	return 1 << bits.Len(uint(n-1))
}

// Alloc returns a buffer of size bytes for ctx.
func (m *Manager) Alloc(size int, ctx model.Context) (Handle, error) {
	if size < 0 {
		return Handle{}, fmt.Errorf("storage: negative size %d", size)
	}
	if !model.ValidDevType(ctx.DevType) {
		return Handle{}, fmt.Errorf("storage: unknown device type %q", ctx.DevType)
	}

	class := classFor(size)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Handle{}, ErrClosed
	}
	var buf []byte
	if class > 0 {
		key := poolKey{ctx: ctx, class: class}
		if free := m.pools[key]; len(free) > 0 {
			buf = free[len(free)-1]
			free[len(free)-1] = nil
			m.pools[key] = free[:len(free)-1]
			m.pooled -= int64(class)
			poolBytes.Sub(float64(class))
		}
	}
	m.mu.Unlock()

	if buf != nil {
		m.reuses.Add(1)
		allocsTotal.WithLabelValues(resultReused).Inc()
	} else {
		capacity := class
		if class < 0 {
			capacity = size
		}
		buf = make([]byte, capacity)
		m.allocs.Add(1)
		allocsTotal.WithLabelValues(resultNew).Inc()
	}
	m.inUse.Add(int64(cap(buf)))
	inUseBytes.Add(float64(cap(buf)))
	return Handle{Data: buf[:size], Size: size, Ctx: ctx}, nil
}

// Free returns h's buffer to its pool. Freeing the zero Handle is a no-op.
// h must not be used afterwards.
func (m *Manager) Free(h Handle) {
	if h.Data == nil {
		return
	}
	buf := h.Data[:cap(h.Data)]
	m.frees.Add(1)
	m.inUse.Add(-int64(cap(buf)))
	inUseBytes.Sub(float64(cap(buf)))

	class := classFor(cap(buf))
	if class != cap(buf) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	key := poolKey{ctx: h.Ctx, class: class}
	m.pools[key] = append(m.pools[key], buf)
	m.pooled += int64(class)
	poolBytes.Add(float64(class))
}

// Trim drops every pooled buffer.
func (m *Manager) Trim() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trimLocked()
}

func (m *Manager) trimLocked() {
	poolBytes.Sub(float64(m.pooled))
	clear(m.pools)
	m.pooled = 0
}

// Stats returns a snapshot of the manager's counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	pooled := m.pooled
	n := len(m.pools)
	m.mu.Unlock()
	return Stats{
		Allocs:      m.allocs.Load(),
		Reuses:      m.reuses.Load(),
		Frees:       m.frees.Load(),
		BytesInUse:  m.inUse.Load(),
		BytesPooled: pooled,
		Pools:       n,
	}
}

// Close drops pooled buffers and rejects further allocations. Buffers still
// held may be freed; they are released to the garbage collector.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.trimLocked()
	m.logger.Info("storage manager closed",
		"allocs", m.allocs.Load(),
		"reuses", m.reuses.Load(),
		"bytes_in_use", m.inUse.Load(),
	)
}
