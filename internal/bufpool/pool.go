//////////////////////////////////////////////////////////////////////////////
//
// Fixed pool of frame buffers shared between a capture driver and a consumer.
//
// Buffers are identified by their index into the pool. Each buffer carries an
// ownership state, and every hand-off between pool, driver, slot and
// consumer is a checked state transition. Illegal transitions indicate a
// programming error and panic.
//
// Copyright 2019 Lanikai Labs LLC. All rights reserved.
//
//////////////////////////////////////////////////////////////////////////////

package bufpool

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrBuffersOutstanding = errors.New("bufpool: buffers still outstanding")
	errInvalidSize        = errors.New("bufpool: buffer count and size must be positive")
)

// Allocator supplies the memory backing a pool. Drivers that own their frame
// memory (e.g. mmap'd kernel buffers) implement it; everybody else gets heap
// memory.
type Allocator interface {
	// Allocate returns count regions of at least size bytes each.
	Allocate(count, size int) ([][]byte, error)

	// Free releases regions previously returned by Allocate.
	Free(regions [][]byte) error
}

type heapAllocator struct{}

func (heapAllocator) Allocate(count, size int) ([][]byte, error) {
	regions := make([][]byte, count)
	for i := range regions {
		regions[i] = make([]byte, size)
	}
	return regions, nil
}

func (heapAllocator) Free([][]byte) error {
	return nil
}

// HeapAllocator allocates buffers on the Go heap.
var HeapAllocator Allocator = heapAllocator{}

// Pool is a fixed-size set of preallocated buffers. It never grows.
type Pool struct {
	mu sync.Mutex

	buffers []*Buffer
	regions [][]byte
	alloc   Allocator

	// Indices of free buffers, used as a stack.
	free []int

	counts    Counts
	destroyed bool
}

// Counts is a census of buffers by owner.
type Counts struct {
	Free       int
	InTransit  int
	Current    int
	CheckedOut int
}

// Total is the number of buffers accounted for. It always equals the pool size.
func (c Counts) Total() int {
	return c.Free + c.InTransit + c.Current + c.CheckedOut
}

func (c *Counts) adjust(s State, delta int) {
	switch s {
	case Free:
		c.Free += delta
	case InTransit:
		c.InTransit += delta
	case Current:
		c.Current += delta
	case CheckedOut:
		c.CheckedOut += delta
	}
}

// New allocates count buffers of size bytes each. A nil allocator means heap
// memory.
func New(count, size int, alloc Allocator) (*Pool, error) {
	if count < 1 || size < 1 {
		return nil, errInvalidSize
	}
	if alloc == nil {
		alloc = HeapAllocator
	}

	regions, err := alloc.Allocate(count, size)
	if err != nil {
		return nil, errors.Wrap(err, "bufpool: allocation failed")
	}
	if len(regions) != count {
		alloc.Free(regions)
		return nil, errors.Errorf("bufpool: allocator returned %d of %d buffers", len(regions), count)
	}

	p := &Pool{
		buffers: make([]*Buffer, count),
		regions: regions,
		alloc:   alloc,
		free:    make([]int, 0, count),
	}
	for i, region := range regions {
		if len(region) < size {
			alloc.Free(regions)
			return nil, errors.Errorf("bufpool: region %d is %d bytes, want %d", i, len(region), size)
		}
		p.buffers[i] = &Buffer{pool: p, index: i, data: region[:size]}
		// Push in reverse so that Acquire hands out index 0 first.
		p.free = append(p.free, count-1-i)
	}
	p.counts.Free = count

	return p, nil
}

// Size returns the number of buffers in the pool.
func (p *Pool) Size() int {
	return len(p.buffers)
}

// BufferSize returns the capacity of each buffer.
func (p *Pool) BufferSize() int {
	return len(p.buffers[0].data)
}

// Buffer returns the buffer at index i.
func (p *Pool) Buffer(i int) *Buffer {
	return p.buffers[i]
}

// Acquire takes a free buffer and marks it in transit to the driver. It never
// blocks; ok is false when the pool is empty.
func (p *Pool) Acquire() (b *Buffer, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.destroyed || len(p.free) == 0 {
		return nil, false
	}

	i := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]

	b = p.buffers[i]
	p.transition(b, Free, InTransit)
	b.length = 0
	b.overrun = false
	return b, true
}

// Release returns a buffer to the free set from whichever owner holds it.
// Releasing a buffer from another pool, or one that is already free, panics.
func (p *Pool) Release(b *Buffer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.checkOwnership(b)
	if b.state == Free {
		panic(fmt.Sprintf("bufpool: double release of buffer %d", b.index))
	}

	p.transition(b, b.state, Free)
	p.free = append(p.free, b.index)
}

// Mark moves b from one owner to another. The current state must be from.
func (p *Pool) Mark(b *Buffer, from, to State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.checkOwnership(b)
	if to == Free {
		panic("bufpool: use Release to free a buffer")
	}
	p.transition(b, from, to)
}

// Counts returns a census of buffer ownership.
func (p *Pool) Counts() Counts {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts
}

// Destroy frees the pool memory. Every buffer must have been released.
func (p *Pool) Destroy() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.destroyed {
		return nil
	}
	if p.counts.Free != len(p.buffers) {
		return errors.Wrapf(ErrBuffersOutstanding, "%d in transit, %d current, %d checked out",
			p.counts.InTransit, p.counts.Current, p.counts.CheckedOut)
	}

	p.destroyed = true
	p.free = nil
	return p.alloc.Free(p.regions)
}

func (p *Pool) checkOwnership(b *Buffer) {
	if b == nil || b.pool != p {
		panic("bufpool: buffer does not belong to this pool")
	}
}

// Caller must hold p.mu.
func (p *Pool) transition(b *Buffer, from, to State) {
	if b.state != from {
		panic(fmt.Sprintf("bufpool: buffer %d is %v, expected %v (moving to %v)", b.index, b.state, from, to))
	}
	b.state = to
	if to == Free || to == CheckedOut {
		b.generation++
	}
	p.counts.adjust(from, -1)
	p.counts.adjust(to, 1)
}

// Stamp records frame metadata on a buffer about to be published.
func (p *Pool) Stamp(b *Buffer, seq uint64, ts time.Time) {
	p.mu.Lock()
	b.seq = seq
	b.timestamp = ts
	p.mu.Unlock()
}

// Valid reports whether b is still checked out under the given generation.
// The generation changes on every checkout and every release, so a handle
// taken for one checkout never validates against a later one.
func (p *Pool) Valid(b *Buffer, generation uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return b.state == CheckedOut && b.generation == generation
}
