package driver

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/lanikai/camstream/internal/bufpool"
)

// CaptureFunc writes one frame into buf and returns the number of bytes
// written. It should return ErrInterrupted promptly once quit is closed.
type CaptureFunc func(quit <-chan struct{}, buf []byte) (int, error)

// Port implements the buffer queue and delivery loop for drivers whose frames
// are produced by a goroutine in user space. It can be embedded; the embedder
// provides Capture and, usually, Name and BufferSize.
//
// With a nonzero Interval the loop ticks at that rate and a tick with no
// submitted buffer is skipped, like a sensor running out of buffers. With a
// zero Interval the loop waits for a buffer and lets Capture block.
type Port struct {
	Capture  CaptureFunc
	Interval time.Duration

	mu      sync.Mutex
	handler Handler
	queue   []*bufpool.Buffer

	// Signalled (non-blocking) whenever a buffer is queued.
	avail chan struct{}

	// Closed to stop the loop; terminated is closed once it has exited.
	quit       chan struct{}
	terminated chan struct{}

	starved   uint64
	delivered uint64
}

// EnableOutput starts the delivery loop.
func (p *Port) EnableOutput(h Handler) error {
	if h == nil {
		panic("driver.Port: nil handler")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.handler != nil {
		return ErrAlreadyEnabled
	}
	if p.Capture == nil {
		return errors.New("driver.Port: no capture function")
	}

	p.handler = h
	p.avail = make(chan struct{}, 1)
	p.quit = make(chan struct{})
	p.terminated = make(chan struct{})

	go p.loop(h, p.avail, p.quit, p.terminated)
	return nil
}

// DisableOutput stops the loop, waits for it to exit, then flushes queued
// buffers back through the handler with zero length.
func (p *Port) DisableOutput() {
	p.mu.Lock()
	h := p.handler
	if h == nil {
		p.mu.Unlock()
		return
	}
	close(p.quit)
	terminated := p.terminated
	p.mu.Unlock()

	<-terminated

	p.mu.Lock()
	queue := p.queue
	p.queue = nil
	p.handler = nil
	p.mu.Unlock()

	for _, b := range queue {
		b.SetLength(0)
		h(FrameDelivered{Buffer: b})
	}
}

// SubmitBuffer queues an empty buffer for the loop to fill.
func (p *Port) SubmitBuffer(b *bufpool.Buffer) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.handler == nil {
		return ErrNotEnabled
	}
	p.queue = append(p.queue, b)

	select {
	case p.avail <- struct{}{}:
	default:
	}
	return nil
}

// Queued returns the number of submitted buffers waiting to be filled.
func (p *Port) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Starved counts ticks skipped because no buffer was available.
func (p *Port) Starved() uint64 {
	return atomic.LoadUint64(&p.starved)
}

// Delivered counts frames handed to the handler.
func (p *Port) Delivered() uint64 {
	return atomic.LoadUint64(&p.delivered)
}

// take pops the oldest queued buffer.
func (p *Port) take() *bufpool.Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.queue) == 0 {
		return nil
	}
	b := p.queue[0]
	p.queue = p.queue[1:]
	return b
}

// putBack returns an unfilled buffer to the head of the queue so that
// DisableOutput flushes it.
func (p *Port) putBack(b *bufpool.Buffer) {
	p.mu.Lock()
	p.queue = append([]*bufpool.Buffer{b}, p.queue...)
	p.mu.Unlock()
}

func (p *Port) loop(h Handler, avail <-chan struct{}, quit <-chan struct{}, terminated chan<- struct{}) {
	defer close(terminated)

	var tick <-chan time.Time
	if p.Interval > 0 {
		ticker := time.NewTicker(p.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		var b *bufpool.Buffer
		if tick != nil {
			select {
			case <-quit:
				return
			case <-tick:
			}
			if b = p.take(); b == nil {
				atomic.AddUint64(&p.starved, 1)
				continue
			}
		} else {
			for b == nil {
				if b = p.take(); b != nil {
					break
				}
				select {
				case <-quit:
					return
				case <-avail:
				}
			}
		}

		n, err := p.Capture(quit, b.Data())
		if err != nil {
			p.putBack(b)
			switch {
			case err == ErrInterrupted:
			case err == io.EOF:
				h(ControlEvent{Kind: EventEndOfStream})
			default:
				log.Warn("capture failed: %v", err)
				h(ControlEvent{Kind: EventError, Err: err})
			}
			<-quit
			return
		}

		b.SetLength(n)
		atomic.AddUint64(&p.delivered, 1)
		h(FrameDelivered{Buffer: b, Timestamp: time.Now()})
	}
}
