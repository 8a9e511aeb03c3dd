// Package slot implements the single-entry "latest frame" mailbox between a
// capture driver and a consumer.
//
// A newly published frame always replaces an unconsumed older one, whose
// buffer goes straight back to the pool. At most one frame is checked out by
// the consumer at a time.
package slot

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/lanikai/camstream/internal/bufpool"
	"github.com/lanikai/camstream/internal/logging"
)

var log = logging.DefaultLogger.WithTag("slot")

var (
	ErrNoFrame           = errors.New("slot: no frame available")
	ErrAlreadyCheckedOut = errors.New("slot: previous frame not returned")
	ErrClosed            = errors.New("slot: closed")
)

// Stats counts slot activity since creation.
type Stats struct {
	Published uint64 // Frames installed as current
	Dropped   uint64 // Frames overwritten before being checked out
	Consumed  uint64 // Frames checked out
}

type Slot struct {
	pool *bufpool.Pool

	mu    sync.Mutex
	ready *sync.Cond // Broadcast on publish and on close

	open       bool
	current    *bufpool.Buffer
	checkedOut *bufpool.Buffer

	stats Stats
}

// New returns a closed slot backed by the given pool.
func New(pool *bufpool.Pool) *Slot {
	s := &Slot{pool: pool}
	s.ready = sync.NewCond(&s.mu)
	return s
}

// Open allows frames to be published.
func (s *Slot) Open() {
	s.mu.Lock()
	s.open = true
	s.mu.Unlock()
}

// Close rejects further publishes, releases the current and checked-out
// buffers, and wakes any waiting consumer.
func (s *Slot) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.open = false
	if s.checkedOut != nil {
		s.pool.Release(s.checkedOut)
		s.checkedOut = nil
	}
	if s.current != nil {
		s.pool.Release(s.current)
		s.current = nil
	}
	s.ready.Broadcast()
}

// IsOpen reports whether the slot accepts frames.
func (s *Slot) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Publish installs b as the current frame. An unconsumed previous frame is
// dropped. Returns false, leaving b with the caller, if the slot is closed.
func (s *Slot) Publish(b *bufpool.Buffer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return false
	}

	if s.current != nil {
		log.Trace(5, "dropping frame %d for %d", s.current.Seq(), b.Seq())
		s.pool.Release(s.current)
		s.current = nil
		s.stats.Dropped++
	}

	s.pool.Mark(b, bufpool.InTransit, bufpool.Current)
	s.current = b
	s.stats.Published++

	s.ready.Broadcast()
	return true
}

// Checkout claims the current frame for the consumer.
func (s *Slot) Checkout() (*bufpool.Buffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkout()
}

// CheckoutWait is like Checkout but blocks until a frame is published. It
// returns ctx.Err() if the context ends first and ErrClosed if the slot is
// closed while waiting.
func (s *Slot) CheckoutWait(ctx context.Context) (*bufpool.Buffer, error) {
	// Wake the waiter if the context ends. The lock orders the broadcast after
	// the waiter has parked in Wait.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.ready.Broadcast()
			s.mu.Unlock()
		case <-done:
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if s.checkedOut != nil {
			return nil, ErrAlreadyCheckedOut
		}
		if s.current != nil {
			return s.checkout()
		}
		if !s.open {
			return nil, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s.ready.Wait()
	}
}

// Caller must hold s.mu.
func (s *Slot) checkout() (*bufpool.Buffer, error) {
	if s.checkedOut != nil {
		return nil, ErrAlreadyCheckedOut
	}
	if s.current == nil {
		return nil, ErrNoFrame
	}

	b := s.current
	s.pool.Mark(b, bufpool.Current, bufpool.CheckedOut)
	s.checkedOut = b
	s.current = nil
	s.stats.Consumed++
	return b, nil
}

// Return releases the checked-out frame. It reports false if nothing was
// checked out.
func (s *Slot) Return() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.checkedOut == nil {
		return false
	}
	s.pool.Release(s.checkedOut)
	s.checkedOut = nil
	return true
}

// HasFrame reports whether an unconsumed frame is waiting.
func (s *Slot) HasFrame() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

// CheckedOut returns the frame currently claimed by the consumer, if any.
func (s *Slot) CheckedOut() *bufpool.Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkedOut
}

func (s *Slot) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
