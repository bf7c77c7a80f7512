package bufpool

import (
	"errors"
	"sync"
	"testing"
)

// TestPoolOfTwo validates the backpressure contract.
//
// Scenario:
//  1. Allocate 2 blobs
//  2. Get both
//  3. Third Get reports none
//  4. Return one, next Get succeeds
func TestPoolOfTwo(t *testing.T) {
	p := New("test", nil)
	if err := p.Allocate(1000, 2); err != nil {
		t.Fatalf("Allocate() failed: %v", err)
	}
	defer p.Destroy()

	a, ok := p.Get()
	if !ok {
		t.Fatal("first Get() failed")
	}
	b, ok := p.Get()
	if !ok {
		t.Fatal("second Get() failed")
	}
	if a.Addr == b.Addr {
		t.Fatal("Get() handed out the same blob twice")
	}

	if _, ok := p.Get(); ok {
		t.Fatal("Get() succeeded at capacity")
	}

	p.Return(a.Addr)

	c, ok := p.Get()
	if !ok {
		t.Fatal("Get() failed after Return()")
	}
	if c.Addr != a.Addr {
		t.Errorf("expected returned blob %#x, got %#x", a.Addr, c.Addr)
	}
}

func TestAllocateRoundsToPage(t *testing.T) {
	p := New("test", nil)
	if err := p.Allocate(1, 3); err != nil {
		t.Fatalf("Allocate() failed: %v", err)
	}
	defer p.Destroy()

	page := pageSize()
	if p.BlockSize() != page {
		t.Errorf("BlockSize() = %d, want %d", p.BlockSize(), page)
	}
	for i := 0; i < 3; i++ {
		b, _ := p.Get()
		if b.Addr%uintptr(page) != 0 {
			t.Errorf("blob %d not page aligned: %#x", i, b.Addr)
		}
		if len(b.Data) != page {
			t.Errorf("blob %d len = %d, want %d", i, len(b.Data), page)
		}
	}
}

func TestAllocateOnce(t *testing.T) {
	p := New("test", nil)
	if err := p.Allocate(64, 1); err != nil {
		t.Fatalf("Allocate() failed: %v", err)
	}
	defer p.Destroy()

	if err := p.Allocate(64, 1); !errors.Is(err, ErrAllocated) {
		t.Errorf("second Allocate() = %v, want ErrAllocated", err)
	}
	if err := New("bad", nil).Allocate(0, 1); !errors.Is(err, ErrInvalidSize) {
		t.Errorf("Allocate(0, 1) = %v, want ErrInvalidSize", err)
	}
}

func TestReturnUnknownAndDestroyIdempotent(t *testing.T) {
	p := New("test", nil)
	if err := p.Allocate(64, 1); err != nil {
		t.Fatalf("Allocate() failed: %v", err)
	}

	// Unknown address: logged, no state change.
	p.Return(0xdead)
	if p.Busy() != 0 {
		t.Errorf("Busy() = %d after unknown return", p.Busy())
	}

	b, _ := p.Get()
	p.Return(b.Addr)
	p.Return(b.Addr)
	if p.Busy() != 0 {
		t.Errorf("Busy() = %d after double return", p.Busy())
	}

	p.Destroy()
	p.Destroy()

	if p.Capacity() != 0 {
		t.Errorf("Capacity() = %d after Destroy()", p.Capacity())
	}
	if _, ok := p.Get(); ok {
		t.Error("Get() succeeded after Destroy()")
	}
}

// TestBusyNeverExceedsCapacity hammers the pool from many goroutines.
func TestBusyNeverExceedsCapacity(t *testing.T) {
	const capacity = 4
	p := New("test", nil)
	if err := p.Allocate(128, capacity); err != nil {
		t.Fatalf("Allocate() failed: %v", err)
	}
	defer p.Destroy()

	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				b, ok := p.Get()
				if busy := p.Busy(); busy > capacity {
					t.Errorf("busy %d > capacity %d", busy, capacity)
				}
				if ok {
					b.Data[0] = byte(i)
					p.Return(b.Addr)
				}
			}
		}()
	}
	wg.Wait()

	if s := p.Stats(); s.Busy != 0 || s.Capacity != capacity {
		t.Errorf("Stats() = %+v", s)
	}
}
