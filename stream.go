package camstream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/lanikai/camstream/internal/bufpool"
	"github.com/lanikai/camstream/internal/driver"
	"github.com/lanikai/camstream/internal/logging"
	"github.com/lanikai/camstream/internal/slot"
	"github.com/lanikai/camstream/internal/watchdog"
)

var log = logging.DefaultLogger.WithTag("camstream")

// State of a stream's lifecycle.
type State int

const (
	Created State = iota
	Started
	Stopped
	Destroyed
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Started:
		return "started"
	case Stopped:
		return "stopped"
	case Destroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Stream exchanges frames between one camera driver and one consumer. The
// consumer always gets the most recent frame; older unconsumed frames are
// dropped.
type Stream struct {
	id     string
	params Params

	drv      driver.Driver
	pool     *bufpool.Pool
	slot     *slot.Slot
	watchdog *watchdog.Watchdog

	// Guards lifecycle transitions. Never taken on the frame delivery path.
	mu    sync.Mutex
	state State
	err   error // Cause of the last forced stop

	// Incremented on every Start. Lets deferred stops recognise the run they
	// were raised in.
	epoch uint64

	seq      uint64
	counters counters
}

type counters struct {
	delivered      uint64
	flushed        uint64
	malformed      uint64
	rejected       uint64
	stalls         uint64
	faults         uint64
	submitFailures uint64
}

// Create allocates a stream and opens its driver. On failure nothing is left
// allocated and the error wraps ErrAllocation.
func Create(p Params, open driver.OpenFunc) (s *Stream, err error) {
	if err := p.Validate(); err != nil {
		return nil, errors.WithMessage(ErrAllocation, err.Error())
	}
	p = p.withDefaults()

	s = &Stream{
		id:     uuid.New().String(),
		params: p,
		state:  Created,
	}
	s.watchdog = watchdog.New(s.onStall)

	drv, err := open(p.format())
	if err != nil {
		return nil, errors.WithMessagef(ErrAllocation, "open driver: %v", err)
	}
	defer func() {
		if err != nil {
			if cerr := drv.Close(); cerr != nil {
				log.Warn("%s: close after failed create: %v", drv.Name(), cerr)
			}
		}
	}()

	size := p.BufferSize
	if size == 0 {
		size = drv.BufferSize()
	}
	if size == 0 {
		size = p.format().ImageSize()
	}

	var alloc bufpool.Allocator
	if a, ok := drv.(driver.Allocator); ok {
		alloc = a
	}
	pool, err := bufpool.New(p.BufferCount, size, alloc)
	if err != nil {
		return nil, errors.WithMessagef(ErrAllocation, "buffer pool: %v", err)
	}

	s.params.BufferSize = size
	s.drv = drv
	s.pool = pool
	s.slot = slot.New(pool)

	log.Info("%v: created %dx%d@%d, %d buffers of %d bytes",
		s, p.Width, p.Height, p.FPS, p.BufferCount, size)
	return s, nil
}

func (s *Stream) String() string {
	name := "?"
	if s.drv != nil {
		name = s.drv.Name()
	}
	return fmt.Sprintf("stream[%.8s %s]", s.id, name)
}

// ID uniquely identifies the stream in logs and metrics.
func (s *Stream) ID() string {
	return s.id
}

// Params returns the parameters in effect, with defaults and the negotiated
// buffer size filled in.
func (s *Stream) Params() Params {
	return s.params
}

// Start enables frame delivery. A started stream is stopped first, so Start
// can be used to recover after a forced stop.
func (s *Stream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case Destroyed:
		return ErrDestroyed
	case Started:
		s.stop()
	}

	s.err = nil
	atomic.AddUint64(&s.epoch, 1)
	s.slot.Open()

	if err := s.drv.EnableOutput(s.dispatch); err != nil {
		s.slot.Close()
		s.state = Stopped
		log.Error("%v: %v", s, err)
		return &DriverError{Op: "enable", Driver: s.drv.Name(), Err: err}
	}

	s.state = Started
	s.replenish()
	s.watchdog.Arm(s.params.WatchdogTimeout)

	log.Info("%v: started", s)
	return nil
}

// Stop disables frame delivery and releases every held frame. It is safe to
// call at any time and more than once.
func (s *Stream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stop()
}

// Caller must hold s.mu.
func (s *Stream) stop() {
	if s.state != Started {
		return
	}

	// Closing the slot first makes every frame delivered from here on bounce
	// straight back to the pool.
	s.slot.Close()
	s.watchdog.Cancel()

	// Flushes in-transit buffers back through dispatch.
	s.drv.DisableOutput()

	s.state = Stopped
	log.Info("%v: stopped", s)
}

// halt force-stops the run identified by epoch, recording cause.
func (s *Stream) halt(cause error, epoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Started || atomic.LoadUint64(&s.epoch) != epoch {
		return
	}
	s.err = cause
	s.stop()
}

// onStall runs on the watchdog timer goroutine.
func (s *Stream) onStall() {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A re-armed watchdog means the stream was restarted after this expiry
	// was scheduled.
	if s.state != Started || s.watchdog.Armed() {
		return
	}

	atomic.AddUint64(&s.counters.stalls, 1)
	log.Error("%v: no frames received for %v, aborting", s, s.params.WatchdogTimeout)
	s.err = errors.Wrapf(ErrStallDetected, "no frames for %v", s.params.WatchdogTimeout)
	s.stop()
}

// Destroy stops the stream, closes the driver and frees the buffer pool.
func (s *Stream) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Destroyed {
		return nil
	}
	s.stop()
	s.state = Destroyed

	// The pool goes first, since the driver may own its memory.
	var result error
	if err := s.pool.Destroy(); err != nil {
		log.Error("%v: %v", s, err)
		result = err
	}
	if err := s.drv.Close(); err != nil {
		log.Error("%v: close: %v", s, err)
		if result == nil {
			result = &DriverError{Op: "close", Driver: s.drv.Name(), Err: err}
		}
	}

	log.Debug("%v: destroyed", s)
	return result
}

// dispatch handles every event raised by the driver. It runs on driver
// goroutines and must never take s.mu, since Stop waits for the driver while
// holding it.
func (s *Stream) dispatch(ev driver.Event) {
	switch e := ev.(type) {
	case driver.FrameDelivered:
		s.onFrame(e)
	case driver.ControlEvent:
		s.onControl(e)
	default:
		log.Warn("%v: unexpected driver event %T", s, ev)
	}
}

func (s *Stream) onFrame(fd driver.FrameDelivered) {
	b := fd.Buffer
	atomic.AddUint64(&s.counters.delivered, 1)

	switch {
	case b.Len() == 0:
		// End of stream, or flushed by DisableOutput.
		log.Trace(5, "%v: zero-length buffer %d", s, b.Index())
		atomic.AddUint64(&s.counters.flushed, 1)
		s.recycle(b)
		return
	case b.Overrun():
		// A truncated frame is worse than none.
		log.Error("%v: driver overran buffer %d", s, b.Index())
		atomic.AddUint64(&s.counters.malformed, 1)
		s.recycle(b)
		return
	}

	ts := fd.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	s.pool.Stamp(b, atomic.AddUint64(&s.seq, 1), ts)

	if !s.slot.Publish(b) {
		// Stopped; nothing may be processed after stop.
		atomic.AddUint64(&s.counters.rejected, 1)
		s.pool.Release(b)
		return
	}

	s.watchdog.Kick()
	s.replenish()
}

func (s *Stream) onControl(ev driver.ControlEvent) {
	if ev.Kind != driver.EventError {
		log.Debug("%v: %v event", s, ev.Kind)
		return
	}

	atomic.AddUint64(&s.counters.faults, 1)
	log.Error("%v: driver error: %v", s, ev.Err)

	// Stopping waits for the driver goroutine we are running on, so it has
	// to happen elsewhere.
	cause := &DriverError{Op: "fault", Driver: s.drv.Name(), Err: ev.Err}
	go s.halt(cause, atomic.LoadUint64(&s.epoch))
}

// recycle releases a buffer that carried no frame and, unless the stream is
// stopping, hands it straight back to the driver.
func (s *Stream) recycle(b *bufpool.Buffer) {
	s.pool.Release(b)
	if s.slot.IsOpen() {
		s.replenish()
	}
}

// replenish hands every free buffer to the driver.
func (s *Stream) replenish() {
	for {
		b, ok := s.pool.Acquire()
		if !ok {
			return
		}
		if err := s.drv.SubmitBuffer(b); err != nil {
			log.Debug("%v: failed to send buffer to %s: %v", s, s.drv.Name(), err)
			atomic.AddUint64(&s.counters.submitFailures, 1)
			s.pool.Release(b)
			return
		}
	}
}

// RequestFrame checks out the most recent frame without blocking. The frame
// must be handed back with ReturnFrame before the next request.
func (s *Stream) RequestFrame() (*Frame, error) {
	b, err := s.slot.Checkout()
	return s.claim(b, err)
}

// WaitFrame is like RequestFrame but blocks until a frame is available, the
// context ends, or the stream stops.
func (s *Stream) WaitFrame(ctx context.Context) (*Frame, error) {
	b, err := s.slot.CheckoutWait(ctx)
	return s.claim(b, err)
}

func (s *Stream) claim(b *bufpool.Buffer, err error) (*Frame, error) {
	switch err {
	case nil:
		return newFrame(s.pool, b), nil
	case slot.ErrAlreadyCheckedOut:
		log.Warn("%v: not cleaned up last frame", s)
		return nil, ErrAlreadyCheckedOut
	case slot.ErrNoFrame:
		return nil, ErrNoFrameAvailable
	case slot.ErrClosed:
		return nil, ErrNotStarted
	default:
		return nil, err
	}
}

// ReturnFrame releases the checked-out frame and hands it back to the driver.
// It is a no-op if no frame is checked out.
func (s *Stream) ReturnFrame() {
	if s.slot.Return() && s.slot.IsOpen() {
		s.replenish()
	}
}

// HasFrame reports whether a frame newer than the last checkout is waiting.
func (s *Stream) HasFrame() bool {
	return s.slot.HasFrame()
}

func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Started reports whether frames are being delivered. It turns false on its
// own when the watchdog or the driver forces a stop.
func (s *Stream) Started() bool {
	return s.State() == Started
}

// Err returns why the stream was last forced to stop, or nil. It wraps
// ErrStallDetected or ErrDriverFault, and is cleared by Start.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
