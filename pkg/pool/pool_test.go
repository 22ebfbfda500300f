package pool

import (
	"sync"
	"testing"
)

func TestAcquireDistinctSlots(t *testing.T) {
	p := New(3, 64)

	a := p.Acquire()
	b := p.Acquire()
	c := p.Acquire()

	// Every pooled acquisition must own a distinct slot
	seen := map[int]bool{}
	for _, o := range []*FrameObject{a, b, c} {
		if !o.Pooled() {
			t.Fatalf("Expected pooled buffer, got transient")
		}
		if seen[o.slot] {
			t.Fatalf("Slot %d handed out twice", o.slot)
		}
		seen[o.slot] = true
	}

	stats := p.Stats()
	if stats.InUse != 3 || stats.Available != 0 {
		t.Errorf("Expected 3 in use / 0 available, got %d / %d", stats.InUse, stats.Available)
	}
}

func TestExhaustedPoolFallsBackToTransient(t *testing.T) {
	p := New(2, 64)

	a := p.Acquire()
	b := p.Acquire()

	// Pool exhausted, the next acquire must not block
	c := p.Acquire()
	if c.Pooled() {
		t.Error("Expected transient buffer from exhausted pool")
	}
	if len(c.Data) != 64 {
		t.Errorf("Transient buffer has wrong size %d", len(c.Data))
	}

	stats := p.Stats()
	if stats.TransientAllocs != 1 {
		t.Errorf("Expected 1 transient alloc, got %d", stats.TransientAllocs)
	}

	p.Release(a)
	p.Release(b)
	p.Release(c)

	if got := p.Stats(); got.InUse != 0 {
		t.Errorf("Expected 0 in use after releases, got %d", got.InUse)
	}
}

func TestReleaseReturnsSlot(t *testing.T) {
	p := New(1, 64)

	a := p.Acquire()
	if !a.Pooled() {
		t.Fatal("Expected pooled buffer")
	}
	p.Release(a)

	b := p.Acquire()
	if !b.Pooled() {
		t.Error("Released slot not reused")
	}
}

func TestDoubleReleaseIsHarmless(t *testing.T) {
	p := New(2, 64)

	a := p.Acquire()
	p.Release(a)
	p.Release(a) // late worker releasing again

	stats := p.Stats()
	if stats.DoubleReleases != 1 {
		t.Errorf("Expected 1 double release, got %d", stats.DoubleReleases)
	}

	// The free list must not contain the slot twice: acquiring both
	// slots must yield distinct ones
	x := p.Acquire()
	y := p.Acquire()
	if x.slot == y.slot {
		t.Errorf("Free list corrupted: slot %d handed out twice", x.slot)
	}
	if !x.Pooled() || !y.Pooled() {
		t.Error("Expected both acquisitions pooled in a size-2 pool")
	}
}

func TestShrinkDropsFreeBuffersOnly(t *testing.T) {
	p := New(3, 64)

	held := p.Acquire()
	free1 := p.Acquire()
	free2 := p.Acquire()
	p.Release(free1)
	p.Release(free2)

	dropped := p.Shrink()
	if dropped != 2 {
		t.Errorf("Expected 2 buffers dropped, got %d", dropped)
	}

	// The held buffer keeps its backing array
	if held.Data == nil {
		t.Error("In-use buffer lost its data")
	}

	// A post-shrink acquire reallocates lazily
	again := p.Acquire()
	if !again.Pooled() {
		t.Error("Expected pooled buffer after shrink")
	}
	if len(again.Data) != 64 {
		t.Errorf("Reallocated buffer has wrong size %d", len(again.Data))
	}

	p.Release(held)
	p.Release(again)
}

func TestConcurrentAcquireRelease(t *testing.T) {
	p := New(4, 32)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				o := p.Acquire()
				o.Data[0] = byte(j)
				p.Release(o)
			}
		}()
	}
	wg.Wait()

	stats := p.Stats()
	if stats.InUse != 0 {
		t.Errorf("Expected 0 in use after all releases, got %d", stats.InUse)
	}
	if stats.Available != 4 {
		t.Errorf("Expected all 4 slots free, got %d", stats.Available)
	}
	if stats.Acquires != stats.PoolHits+stats.TransientAllocs {
		t.Errorf("Acquire accounting mismatch: %d != %d + %d", stats.Acquires, stats.PoolHits, stats.TransientAllocs)
	}
	if stats.DoubleReleases != 0 {
		t.Errorf("Unexpected double releases: %d", stats.DoubleReleases)
	}
}
