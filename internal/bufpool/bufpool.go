// Package bufpool implements the fixed-size scratch memory pool of a stream.
//
// A Pool is sized once with Allocate and hands out page-aligned blocks whose
// addresses stay stable until Destroy. Running out of blocks is backpressure
// (Get reports false), never an error.
package bufpool

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"unsafe"
)

var (
	// ErrAllocated is returned by a second Allocate.
	ErrAllocated = errors.New("bufpool: already allocated")

	// ErrInvalidSize rejects a zero or negative block size or count.
	ErrInvalidSize = errors.New("bufpool: invalid size")
)

// Blob is one scratch block.
type Blob struct {
	// Addr is the address of Data[0].
	Addr uintptr
	Data []byte

	busy bool
}

// Pool is a fixed set of equally sized blocks.
//
// Thread-safety: all methods are safe for concurrent use. busy flags are only
// touched under mu.
type Pool struct {
	mu sync.Mutex

	name      string
	blockSize int
	blobs     []*Blob
	byAddr    map[uintptr]*Blob
	busyCount int

	// release frees the backing arena; nil once destroyed.
	release func() error

	logger *slog.Logger
}

// Stats is a snapshot of pool occupancy.
type Stats struct {
	BlockSize int `yaml:"block_size" json:"block_size"`
	Capacity  int `yaml:"capacity" json:"capacity"`
	Busy      int `yaml:"busy" json:"busy"`
}

// New returns an empty pool. name only labels log lines.
func New(name string, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		name:   name,
		logger: logger.With("component", "bufpool", "pool", name),
	}
}

// Allocate sizes the pool with count blocks of blockSize bytes each.
// blockSize is rounded up to the page size. Only the first call succeeds.
func (p *Pool) Allocate(blockSize, count int) error {
	if blockSize <= 0 || count <= 0 {
		return fmt.Errorf("%w: block=%d count=%d", ErrInvalidSize, blockSize, count)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.blobs != nil {
		return ErrAllocated
	}

	page := pageSize()
	aligned := (blockSize + page - 1) / page * page

	arena, release, err := allocArena(aligned * count)
	if err != nil {
		return fmt.Errorf("bufpool: allocate %d x %d bytes: %w", count, aligned, err)
	}

	p.blockSize = aligned
	p.blobs = make([]*Blob, count)
	p.byAddr = make(map[uintptr]*Blob, count)
	for i := range p.blobs {
		data := arena[i*aligned : (i+1)*aligned : (i+1)*aligned]
		b := &Blob{Addr: uintptr(unsafe.Pointer(&data[0])), Data: data}
		p.blobs[i] = b
		p.byAddr[b.Addr] = b
	}
	p.release = release

	p.logger.Debug("bufpool: allocated",
		"block_size", aligned,
		"count", count,
	)
	return nil
}

// Destroy frees the blocks. Idempotent. Blobs still held by callers must not
// be used afterwards.
func (p *Pool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.release == nil {
		return
	}
	if p.busyCount > 0 {
		p.logger.Warn("bufpool: destroyed with blobs in use", "busy", p.busyCount)
	}
	if err := p.release(); err != nil {
		p.logger.Error("bufpool: release failed", "error", err)
	}
	p.release = nil
	p.blobs = nil
	p.byAddr = nil
	p.busyCount = 0
}

// Get hands out a free blob. ok is false when every blob is busy or the pool
// is not allocated.
func (p *Pool) Get() (blob *Blob, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, b := range p.blobs {
		if !b.busy {
			b.busy = true
			p.busyCount++
			return b, true
		}
	}
	return nil, false
}

// Return marks the blob at addr free. Unknown addresses are logged and ignored.
func (p *Pool) Return(addr uintptr) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.byAddr[addr]
	if !ok {
		p.logger.Warn("bufpool: return of unknown address", "addr", fmt.Sprintf("%#x", addr))
		return
	}
	if !b.busy {
		p.logger.Warn("bufpool: return of free blob", "addr", fmt.Sprintf("%#x", addr))
		return
	}
	b.busy = false
	p.busyCount--
}

// Busy returns the number of blobs handed out.
func (p *Pool) Busy() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.busyCount
}

// Capacity returns the number of blobs, 0 before Allocate.
func (p *Pool) Capacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.blobs)
}

// BlockSize returns the page-rounded block size.
func (p *Pool) BlockSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.blockSize
}

// Stats returns a snapshot.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{BlockSize: p.blockSize, Capacity: len(p.blobs), Busy: p.busyCount}
}
