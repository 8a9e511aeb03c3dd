package bufpool

import (
	"time"
)

// State identifies the current owner of a buffer.
type State int

const (
	Free       State = iota // Owned by the pool
	InTransit               // Handed to the driver, waiting to be filled
	Current                 // Holding the most recent frame in the slot
	CheckedOut              // Claimed by the consumer
)

func (s State) String() string {
	switch s {
	case Free:
		return "Free"
	case InTransit:
		return "InTransit"
	case Current:
		return "Current"
	case CheckedOut:
		return "CheckedOut"
	default:
		return "State(?)"
	}
}

// Buffer is one fixed-capacity frame region. Only its current owner may touch
// the payload or the length.
type Buffer struct {
	pool  *Pool
	index int
	data  []byte

	length    int
	overrun   bool
	seq       uint64
	timestamp time.Time

	// Guarded by pool.mu.
	state      State
	generation uint64
}

// Index of the buffer within its pool.
func (b *Buffer) Index() int {
	return b.index
}

// Data returns the full capacity of the buffer, for the driver to fill.
func (b *Buffer) Data() []byte {
	return b.data
}

// Bytes returns the valid portion of the buffer.
func (b *Buffer) Bytes() []byte {
	return b.data[:b.length]
}

// Len returns the number of valid bytes.
func (b *Buffer) Len() int {
	return b.length
}

// SetLength records how many bytes the driver wrote. Values outside the
// buffer capacity are clamped; a value above it also marks the buffer as
// overrun.
func (b *Buffer) SetLength(n int) {
	b.overrun = n > len(b.data)
	switch {
	case n < 0:
		n = 0
	case b.overrun:
		n = len(b.data)
	}
	b.length = n
}

// Overrun reports whether the last SetLength claimed more bytes than the
// buffer holds.
func (b *Buffer) Overrun() bool {
	return b.overrun
}

// Seq is the frame sequence number assigned when the frame was published.
func (b *Buffer) Seq() uint64 {
	return b.seq
}

// Timestamp is the capture time reported for the frame.
func (b *Buffer) Timestamp() time.Time {
	return b.timestamp
}

// State returns the current owner.
func (b *Buffer) State() State {
	b.pool.mu.Lock()
	defer b.pool.mu.Unlock()
	return b.state
}

// Generation increments every time the buffer is checked out or released.
func (b *Buffer) Generation() uint64 {
	b.pool.mu.Lock()
	defer b.pool.mu.Unlock()
	return b.generation
}
