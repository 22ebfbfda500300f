// Package pool provides a fixed-size free-list of reusable frame
// buffers. Acquisition never blocks: when every slot is in use the
// caller gets a transient buffer instead, trading extra allocation for
// forward progress.
package pool

import (
	"sync"
)

// FrameObject is a reusable pixel buffer. Data must not be touched
// after Release.
type FrameObject struct {
	Data []byte
	slot int // -1 for transient buffers
}

// Pooled reports whether the buffer came from a pool slot
func (o *FrameObject) Pooled() bool { return o.slot >= 0 }

// Stats is a snapshot of pool activity
type Stats struct {
	Size            int   `json:"size"`
	Available       int   `json:"available"`
	InUse           int   `json:"in_use"`
	BufBytes        int   `json:"buf_bytes"`
	Acquires        int64 `json:"acquires"`
	PoolHits        int64 `json:"pool_hits"`
	TransientAllocs int64 `json:"transient_allocs"`
	Releases        int64 `json:"releases"`
	DoubleReleases  int64 `json:"double_releases"`
	Shrinks         int64 `json:"shrinks"`
}

type slot struct {
	data  []byte
	inUse bool
}

// Pool is a fixed-size arena of frame buffers with a free list.
// A slot is owned by at most one FrameObject at a time; the free list
// and per-slot inUse flags always agree.
type Pool struct {
	mu       sync.Mutex
	bufBytes int
	slots    []slot
	free     []int
	stats    Stats
}

// New creates a pool of size slots, each holding bufBytes. Buffers are
// allocated lazily on first acquire so an idle pool costs nothing.
func New(size, bufBytes int) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{
		bufBytes: bufBytes,
		slots:    make([]slot, size),
		free:     make([]int, 0, size),
	}
	for i := size - 1; i >= 0; i-- {
		p.free = append(p.free, i)
	}
	p.stats.Size = size
	p.stats.BufBytes = bufBytes
	return p
}

// Acquire returns a buffer, preferring a pooled slot. When the pool is
// exhausted it returns a transient buffer immediately rather than
// blocking.
func (p *Pool) Acquire() *FrameObject {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats.Acquires++

	if n := len(p.free); n > 0 {
		idx := p.free[n-1]
		p.free = p.free[:n-1]

		s := &p.slots[idx]
		s.inUse = true
		if s.data == nil {
			// First use, or the backing array was dropped by Shrink
			s.data = make([]byte, p.bufBytes)
		}

		p.stats.PoolHits++
		return &FrameObject{Data: s.data, slot: idx}
	}

	p.stats.TransientAllocs++
	return &FrameObject{Data: make([]byte, p.bufBytes), slot: -1}
}

// Release returns a buffer to the pool. Releasing a transient buffer
// just drops it. Releasing the same pooled buffer twice is counted but
// otherwise ignored, so a late worker cannot corrupt the free list.
func (p *Pool) Release(o *FrameObject) {
	if o == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if o.slot < 0 || o.slot >= len(p.slots) {
		p.stats.Releases++
		return
	}

	s := &p.slots[o.slot]
	if !s.inUse {
		p.stats.DoubleReleases++
		return
	}

	s.inUse = false
	p.free = append(p.free, o.slot)
	p.stats.Releases++
}

// Shrink drops the backing arrays of every free slot and returns the
// number of buffers dropped. In-use slots are untouched. This is the
// emergency-cleanup hook for critical memory pressure; dropped buffers
// are reallocated lazily on the next acquire.
func (p *Pool) Shrink() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	dropped := 0
	for _, idx := range p.free {
		if p.slots[idx].data != nil {
			p.slots[idx].data = nil
			dropped++
		}
	}
	if dropped > 0 {
		p.stats.Shrinks++
	}
	return dropped
}

// Stats returns a snapshot of pool activity
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.stats
	s.Available = len(p.free)
	s.InUse = s.Size - s.Available
	return s
}
