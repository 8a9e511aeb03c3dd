//go:build linux && (amd64 || arm64)

package v4l2

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
	errors "golang.org/x/xerrors"

	"github.com/lanikai/camstream/internal/bufpool"
	"github.com/lanikai/camstream/internal/driver"
)

// How long a single poll waits before checking for shutdown.
const pollTimeout = 100 * time.Millisecond

func init() {
	driver.Register("v4l2", func(path string, f driver.Format) (driver.Driver, error) {
		return Open(path, f)
	})
}

// Camera is a V4L2 device acting as a stream driver. It also allocates the
// stream's buffers by mapping kernel memory.
type Camera struct {
	dev    *device
	cfg    Config
	format driver.Format
	pix    v4l2PixFormat

	mu      sync.Mutex
	handler driver.Handler
	queued  map[int]*bufpool.Buffer // Owned by the kernel, by buffer index
	quit    chan struct{}
	done    chan struct{}

	dequeued uint64
	corrupt  uint64
}

// Open a V4L2 video device and negotiate the requested format. Settings the
// device refuses (frame rate, exposure, ISO) are logged and skipped; a
// format the device cannot produce is an error.
func Open(spec string, f driver.Format) (*Camera, error) {
	cfg, err := ParseConfig(spec)
	if err != nil {
		return nil, err
	}

	dev, err := openDevice(cfg.Device)
	if err != nil {
		return nil, err
	}

	c := &Camera{dev: dev, cfg: cfg, format: f}
	if err := c.configure(); err != nil {
		dev.close()
		return nil, err
	}
	return c, nil
}

func (c *Camera) configure() error {
	dev, f := c.dev, c.format

	if f.Camera > 0 {
		if err := dev.selectInput(f.Camera); err != nil {
			return errors.Errorf("v4l2: %s: select input %d: %w", dev.path, f.Camera, err)
		}
	}

	pix, err := dev.setFormat(f.Width, f.Height, f.FourCC())
	if err != nil {
		return errors.Errorf("v4l2: %s: set format %dx%d %s: %w", dev.path, f.Width, f.Height, f.PixelFormat, err)
	}
	if pix.pixelformat != f.FourCC() {
		return errors.Errorf("v4l2: %s does not support pixel format %s", dev.path, f.PixelFormat)
	}
	if int(pix.width) != f.Width || int(pix.height) != f.Height {
		log.Warn("%s: requested %dx%d, got %dx%d", dev.path, f.Width, f.Height, pix.width, pix.height)
	}
	c.pix = pix

	if f.FPS > 0 {
		if err := dev.setFrameRate(f.FPS); err != nil {
			log.Warn("%s: cannot set frame rate %d: %v", dev.path, f.FPS, err)
		}
	}
	if f.ShutterSpeed > 0 {
		if err := dev.setExposure(f.ShutterSpeed); err != nil {
			log.Warn("%s: cannot set shutter speed %v: %v", dev.path, f.ShutterSpeed, err)
		}
	}
	if f.ISO > 0 {
		if err := dev.setISO(f.ISO); err != nil {
			log.Warn("%s: cannot set ISO %d: %v", dev.path, f.ISO, err)
		}
	}
	if c.cfg.HFlip {
		if err := dev.setControl(cidHFlip, 1); err != nil {
			log.Warn("%s: cannot flip horizontally: %v", dev.path, err)
		}
	}
	if c.cfg.VFlip {
		if err := dev.setControl(cidVFlip, 1); err != nil {
			log.Warn("%s: cannot flip vertically: %v", dev.path, err)
		}
	}

	log.Info("%s: %dx%d %s, %d bytes per image", dev.path, pix.width, pix.height, f.PixelFormat, pix.sizeimage)
	return nil
}

func (c *Camera) Name() string {
	return "v4l2:" + c.dev.path
}

// BufferSize is the image size reported by the device for the negotiated
// format.
func (c *Camera) BufferSize() int {
	return int(c.pix.sizeimage)
}

// Allocate maps count kernel buffers. Buffer i of the pool is kernel buffer i.
func (c *Camera) Allocate(count, size int) ([][]byte, error) {
	regions, err := c.dev.mapMemory(count)
	if err != nil {
		return nil, err
	}
	for i, r := range regions {
		if len(r) < size {
			c.dev.unmapMemory()
			return nil, errors.Errorf("v4l2: kernel buffer %d is %d bytes, need %d", i, len(r), size)
		}
	}
	return regions, nil
}

// Free unmaps the kernel buffers.
func (c *Camera) Free([][]byte) error {
	return c.dev.unmapMemory()
}

func (c *Camera) EnableOutput(h driver.Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handler != nil {
		return driver.ErrAlreadyEnabled
	}
	if c.dev.mmaps == nil {
		return errors.New("v4l2: buffers not mapped")
	}
	if err := c.dev.enableStream(); err != nil {
		return errors.Errorf("v4l2: %s: stream on: %w", c.dev.path, err)
	}

	c.handler = h
	c.queued = make(map[int]*bufpool.Buffer)
	c.quit = make(chan struct{})
	c.done = make(chan struct{})

	go c.loop(h, c.quit, c.done)
	return nil
}

// SubmitBuffer queues b with the kernel.
func (c *Camera) SubmitBuffer(b *bufpool.Buffer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handler == nil {
		return driver.ErrNotEnabled
	}
	if err := c.dev.enqueue(b.Index()); err != nil {
		return errors.Errorf("v4l2: queue buffer %d: %w", b.Index(), err)
	}
	c.queued[b.Index()] = b
	return nil
}

// DisableOutput turns the stream off, which returns every queued buffer to
// user space, and flushes those buffers to the handler.
func (c *Camera) DisableOutput() {
	c.mu.Lock()
	h := c.handler
	if h == nil {
		c.mu.Unlock()
		return
	}
	close(c.quit)
	done := c.done
	c.mu.Unlock()

	<-done

	c.mu.Lock()
	if err := c.dev.disableStream(); err != nil {
		log.Warn("%s: stream off: %v", c.dev.path, err)
	}
	queued := c.queued
	c.queued = nil
	c.handler = nil
	c.mu.Unlock()

	for _, b := range queued {
		b.SetLength(0)
		h(driver.FrameDelivered{Buffer: b})
	}
}

func (c *Camera) Close() error {
	c.DisableOutput()
	return c.dev.close()
}

// Dequeued counts buffers taken back from the kernel; Corrupt counts those
// the kernel flagged as damaged.
func (c *Camera) Dequeued() uint64 { return atomic.LoadUint64(&c.dequeued) }
func (c *Camera) Corrupt() uint64  { return atomic.LoadUint64(&c.corrupt) }

func (c *Camera) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queued)
}

func (c *Camera) loop(h driver.Handler, quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	fail := func(err error) {
		log.Error("%s: %v", c.dev.path, err)
		h(driver.ControlEvent{Kind: driver.EventError, Err: err})
		<-quit
	}

	for {
		select {
		case <-quit:
			return
		default:
		}

		ready, err := c.dev.wait(pollTimeout)
		if err == errPollError && c.pending() == 0 {
			// Starved: every buffer is with the consumer.
			select {
			case <-quit:
				return
			case <-time.After(c.format.FrameInterval() + time.Millisecond):
			}
			continue
		}
		if err != nil {
			fail(err)
			return
		}
		if !ready {
			continue
		}

		vb, err := c.dev.dequeue()
		switch err {
		case nil:
		case unix.EAGAIN:
			continue
		case unix.EPIPE:
			// Last buffer already dequeued.
			h(driver.ControlEvent{Kind: driver.EventEndOfStream})
			<-quit
			return
		default:
			fail(errors.Errorf("v4l2: dequeue: %w", err))
			return
		}
		atomic.AddUint64(&c.dequeued, 1)

		c.mu.Lock()
		b := c.queued[int(vb.index)]
		delete(c.queued, int(vb.index))
		c.mu.Unlock()

		if b == nil {
			log.Warn("%s: kernel returned unknown buffer %d", c.dev.path, vb.index)
			continue
		}

		n := int(vb.bytesused)
		if vb.flags&bufFlagError != 0 {
			log.Debug("%s: buffer %d flagged corrupt", c.dev.path, vb.index)
			atomic.AddUint64(&c.corrupt, 1)
			n = 0
		}
		b.SetLength(n)

		// Kernel timestamps use the monotonic clock, so take wall time here.
		h(driver.FrameDelivered{Buffer: b, Timestamp: time.Now()})
	}
}
