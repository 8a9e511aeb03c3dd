package bufpool

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsInvalidSize(t *testing.T) {
	_, err := New(0, 16, nil)
	assert.Error(t, err)

	_, err = New(4, 0, nil)
	assert.Error(t, err)
}

type failingAllocator struct{}

func (failingAllocator) Allocate(count, size int) ([][]byte, error) {
	return nil, errors.New("out of memory")
}

func (failingAllocator) Free([][]byte) error { return nil }

func TestNewAllocatorFailure(t *testing.T) {
	_, err := New(4, 16, failingAllocator{})
	assert.Error(t, err)
}

func TestAcquireUntilEmpty(t *testing.T) {
	p, err := New(4, 16, nil)
	require.NoError(t, err)

	seen := map[int]bool{}
	for i := 0; i < 4; i++ {
		b, ok := p.Acquire()
		require.True(t, ok)
		assert.Equal(t, InTransit, b.State())
		assert.False(t, seen[b.Index()])
		seen[b.Index()] = true
	}

	_, ok := p.Acquire()
	assert.False(t, ok, "pool must not grow")
	assert.Equal(t, Counts{InTransit: 4}, p.Counts())
}

func TestReleaseReturnsToFree(t *testing.T) {
	p, _ := New(2, 16, nil)
	b, _ := p.Acquire()
	gen := b.Generation()

	p.Release(b)
	assert.Equal(t, Free, b.State())
	assert.Equal(t, gen+1, b.Generation())
	assert.Equal(t, 2, p.Counts().Free)
}

func TestDoubleReleasePanics(t *testing.T) {
	p, _ := New(2, 16, nil)
	b, _ := p.Acquire()
	p.Release(b)

	assert.Panics(t, func() { p.Release(b) })
	assert.Equal(t, 2, p.Counts().Free)
}

func TestForeignBufferPanics(t *testing.T) {
	p, _ := New(2, 16, nil)
	q, _ := New(2, 16, nil)
	b, _ := q.Acquire()

	assert.Panics(t, func() { p.Release(b) })
	assert.Panics(t, func() { p.Mark(b, InTransit, Current) })
}

func TestMarkChecksPreviousState(t *testing.T) {
	p, _ := New(2, 16, nil)
	b, _ := p.Acquire()

	assert.Panics(t, func() { p.Mark(b, Current, CheckedOut) })
	assert.Equal(t, InTransit, b.State())

	p.Mark(b, InTransit, Current)
	p.Mark(b, Current, CheckedOut)
	assert.Equal(t, Counts{Free: 1, CheckedOut: 1}, p.Counts())
	assert.True(t, p.Valid(b, b.Generation()))

	p.Release(b)
	assert.False(t, p.Valid(b, 0))
}

func TestConservation(t *testing.T) {
	p, _ := New(4, 8, nil)
	var held []*Buffer

	for round := 0; round < 50; round++ {
		if b, ok := p.Acquire(); ok {
			held = append(held, b)
			if round%3 == 0 {
				p.Mark(b, InTransit, Current)
			}
		} else {
			p.Release(held[0])
			held = held[1:]
		}
		assert.Equal(t, 4, p.Counts().Total())
	}
}

func TestSetLengthClamps(t *testing.T) {
	p, _ := New(1, 8, nil)
	b, _ := p.Acquire()

	b.SetLength(100)
	assert.Equal(t, 8, b.Len())
	assert.True(t, b.Overrun())
	b.SetLength(-1)
	assert.Equal(t, 0, b.Len())
	assert.False(t, b.Overrun())
	b.SetLength(3)
	assert.Len(t, b.Bytes(), 3)
	assert.False(t, b.Overrun())

	b.SetLength(9)
	p.Release(b)
	b, _ = p.Acquire()
	assert.False(t, b.Overrun(), "acquire resets the overrun flag")
	assert.Len(t, b.Data(), 8)
}

func TestDestroyRequiresAllFree(t *testing.T) {
	p, _ := New(2, 8, nil)
	b, _ := p.Acquire()

	err := p.Destroy()
	assert.True(t, errors.Is(err, ErrBuffersOutstanding))

	p.Release(b)
	assert.NoError(t, p.Destroy())
	assert.NoError(t, p.Destroy())

	_, ok := p.Acquire()
	assert.False(t, ok)
}
