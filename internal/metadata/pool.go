package metadata

import (
	"log/slog"
	"sync"
)

// Pool recycles Metadata buffers to bound allocation churn.
//
// Thread-safety: all methods are safe for concurrent use. The objects
// themselves are not; a buffer belongs to whoever last called Acquire.
type Pool struct {
	mu        sync.Mutex
	free      []*Metadata
	allocated int
	logger    *slog.Logger
}

// PoolStats is a snapshot of pool occupancy.
type PoolStats struct {
	// Allocated counts buffers ever created by the pool.
	Allocated int
	// Free counts buffers waiting in the free list.
	Free int
}

// NewPool returns an empty pool. A nil logger falls back to slog.Default().
func NewPool(logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{logger: logger.With("component", "metadata-pool")}
}

// Acquire hands out an empty buffer, allocating one when the free list is empty.
func (p *Pool) Acquire() *Metadata {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.free); n > 0 {
		m := p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
		m.pooled = false
		return m
	}

	p.allocated++
	p.logger.Debug("metadata-pool: allocated new buffer", "allocated", p.allocated)
	return New()
}

// Release takes back a buffer. The caller must not touch m afterwards.
// Releasing nil or an already released buffer is logged and ignored.
func (p *Pool) Release(m *Metadata) {
	if m == nil {
		p.logger.Warn("metadata-pool: release of nil buffer ignored")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if m.pooled {
		p.logger.Warn("metadata-pool: double release ignored")
		return
	}
	m.Reset()
	m.pooled = true
	p.free = append(p.free, m)
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{Allocated: p.allocated, Free: len(p.free)}
}
