package camstream

import (
	"time"

	"github.com/lanikai/camstream/internal/bufpool"
)

// Frame is the consumer's handle on a checked-out frame. It is only valid
// until the frame is returned or the stream stops; after that Data returns
// nil.
type Frame struct {
	pool *bufpool.Pool
	buf  *bufpool.Buffer
	gen  uint64

	seq       uint64
	timestamp time.Time
	length    int
}

func newFrame(pool *bufpool.Pool, b *bufpool.Buffer) *Frame {
	return &Frame{
		pool:      pool,
		buf:       b,
		gen:       b.Generation(),
		seq:       b.Seq(),
		timestamp: b.Timestamp(),
		length:    b.Len(),
	}
}

// Data returns the frame payload, or nil if the handle is no longer valid.
// The slice aliases pool memory and must not be retained past ReturnFrame.
func (f *Frame) Data() []byte {
	if !f.Valid() {
		return nil
	}
	return f.buf.Bytes()
}

// Valid reports whether the frame is still checked out.
func (f *Frame) Valid() bool {
	return f.pool.Valid(f.buf, f.gen)
}

// Len is the payload size in bytes.
func (f *Frame) Len() int {
	return f.length
}

// Seq numbers frames in delivery order, starting at 1. Gaps mean frames were
// dropped in favour of newer ones.
func (f *Frame) Seq() uint64 {
	return f.seq
}

func (f *Frame) Timestamp() time.Time {
	return f.timestamp
}

// Index of the underlying buffer in the stream's pool.
func (f *Frame) Index() int {
	return f.buf.Index()
}
