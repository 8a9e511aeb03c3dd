//go:build linux

package webcam

import (
	"sync"

	"github.com/blackjack/webcam"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/lanikai/camstream/internal/driver"
	"github.com/lanikai/camstream/internal/logging"
)

var log = logging.DefaultLogger.WithTag("webcam")

// Seconds WaitForFrame blocks before checking for shutdown.
const waitTimeout = 1

func init() {
	driver.Register("webcam", func(path string, f driver.Format) (driver.Driver, error) {
		return Open(path, f)
	})
}

// The subset of *webcam.Webcam used once the format is negotiated.
type device interface {
	StartStreaming() error
	StopStreaming() error
	WaitForFrame(timeout uint32) error
	GetFrame() ([]byte, uint32, error)
	ReleaseFrame(index uint32) error
	Close() error
}

type Camera struct {
	driver.Port

	path   string
	format driver.Format
	cam    device

	mu        sync.Mutex
	streaming bool
}

// Open a webcam and negotiate the requested format.
func Open(path string, f driver.Format) (*Camera, error) {
	if path == "" {
		path = "/dev/video0"
	}

	cam, err := webcam.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "webcam: can not open %s", path)
	}

	pf, w, h, err := cam.SetImageFormat(webcam.PixelFormat(f.FourCC()), uint32(f.Width), uint32(f.Height))
	if err != nil {
		cam.Close()
		return nil, errors.Wrapf(err, "webcam: %s: set format", path)
	}
	if uint32(pf) != f.FourCC() {
		cam.Close()
		return nil, errors.Errorf("webcam: %s does not support pixel format %s", path, f.PixelFormat)
	}
	if int(w) != f.Width || int(h) != f.Height {
		log.Warn("%s: requested %dx%d, got %dx%d", path, f.Width, f.Height, w, h)
		f.Width, f.Height = int(w), int(h)
	}

	if f.BufferCount > 0 {
		if err := cam.SetBufferCount(uint32(f.BufferCount)); err != nil {
			log.Warn("%s: cannot set buffer count: %v", path, err)
		}
	}
	if f.FPS > 0 {
		if err := cam.SetFramerate(float32(f.FPS)); err != nil {
			log.Warn("%s: cannot set frame rate %d: %v", path, f.FPS, err)
		}
	}

	if name, err := cam.GetName(); err == nil {
		log.Info("%s: %s, %dx%d %s", path, name, w, h, f.PixelFormat)
	}

	c := &Camera{path: path, format: f, cam: cam}
	c.Port.Capture = c.capture
	return c, nil
}

func (c *Camera) Name() string {
	return "webcam:" + c.path
}

func (c *Camera) BufferSize() int {
	return c.format.ImageSize()
}

func (c *Camera) EnableOutput(h driver.Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	started := false
	if !c.streaming {
		if err := c.cam.StartStreaming(); err != nil {
			return errors.Wrap(err, "webcam: can not start streaming")
		}
		c.streaming = true
		started = true
	}

	if err := c.Port.EnableOutput(h); err != nil {
		if started {
			if serr := c.cam.StopStreaming(); serr != nil {
				log.Warn("%s: stop streaming: %v", c.path, serr)
			}
			c.streaming = false
		}
		return err
	}
	return nil
}

func (c *Camera) DisableOutput() {
	c.Port.DisableOutput()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streaming {
		if err := c.cam.StopStreaming(); err != nil {
			log.Warn("%s: stop streaming: %v", c.path, err)
		}
		c.streaming = false
	}
}

func (c *Camera) Close() error {
	c.DisableOutput()
	return c.cam.Close()
}

func (c *Camera) capture(quit <-chan struct{}, buf []byte) (int, error) {
	for {
		select {
		case <-quit:
			return 0, driver.ErrInterrupted
		default:
		}

		err := c.cam.WaitForFrame(waitTimeout)
		switch err.(type) {
		case nil:
		case *webcam.Timeout:
			continue
		default:
			return 0, errors.Wrap(err, "webcam: frame wait failed")
		}

		frame, index, err := c.cam.GetFrame()
		if err == unix.EAGAIN {
			continue
		}
		if err != nil {
			return 0, errors.Wrap(err, "webcam: read frame failed")
		}

		n := copy(buf, frame)
		if n < len(frame) {
			log.Warn("%s: frame truncated from %d to %d bytes", c.path, len(frame), n)
		}
		if err := c.cam.ReleaseFrame(index); err != nil {
			return 0, errors.Wrap(err, "webcam: release frame failed")
		}
		if n == 0 {
			continue
		}
		return n, nil
	}
}
