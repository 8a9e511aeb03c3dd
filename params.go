package camstream

import (
	"time"

	"github.com/pkg/errors"

	"github.com/lanikai/camstream/internal/driver"
)

// Defaults applied to zero-valued Params fields.
const (
	DefaultWidth           = 1280
	DefaultHeight          = 720
	DefaultFPS             = 30
	DefaultBufferCount     = 4
	DefaultWatchdogTimeout = 4000 * time.Millisecond
	DefaultPixelFormat     = "YU12"

	// One buffer current, one checked out, one being filled.
	MinBufferCount = 3
)

// Params configures a stream. They are fixed when the stream is created.
type Params struct {
	Width  int
	Height int
	FPS    int

	// Number of frame buffers shared by driver and consumer, at least
	// MinBufferCount. More than four buys nothing.
	BufferCount int

	// Bytes per buffer. Zero uses the driver's recommendation.
	BufferSize int

	// Time without a frame after which the stream is force-stopped.
	WatchdogTimeout time.Duration

	// FourCC of the frame layout requested from the driver.
	PixelFormat string

	ShutterSpeed time.Duration // Zero means automatic
	ISO          int           // Zero means automatic
	Camera       int           // Sensor index on multi-camera boards
}

// withDefaults fills in zero-valued fields.
func (p Params) withDefaults() Params {
	if p.Width == 0 {
		p.Width = DefaultWidth
	}
	if p.Height == 0 {
		p.Height = DefaultHeight
	}
	if p.FPS == 0 {
		p.FPS = DefaultFPS
	}
	if p.BufferCount == 0 {
		p.BufferCount = DefaultBufferCount
	}
	if p.WatchdogTimeout == 0 {
		p.WatchdogTimeout = DefaultWatchdogTimeout
	}
	if p.PixelFormat == "" {
		p.PixelFormat = DefaultPixelFormat
	}
	return p
}

// Validate checks the parameters after defaults have been applied.
func (p Params) Validate() error {
	p = p.withDefaults()
	switch {
	case p.Width < 0 || p.Height < 0:
		return errors.Errorf("invalid frame size %dx%d", p.Width, p.Height)
	case p.FPS < 0:
		return errors.Errorf("invalid frame rate %d", p.FPS)
	case p.BufferCount < MinBufferCount:
		return errors.Errorf("buffer count %d below minimum %d", p.BufferCount, MinBufferCount)
	case p.BufferSize < 0:
		return errors.Errorf("invalid buffer size %d", p.BufferSize)
	case p.WatchdogTimeout < 0:
		return errors.Errorf("invalid watchdog timeout %v", p.WatchdogTimeout)
	case len(p.PixelFormat) != 4:
		return errors.Errorf("pixel format %q is not a FourCC", p.PixelFormat)
	}
	return nil
}

func (p Params) format() driver.Format {
	return driver.Format{
		Width:        p.Width,
		Height:       p.Height,
		FPS:          p.FPS,
		PixelFormat:  p.PixelFormat,
		BufferCount:  p.BufferCount,
		ShutterSpeed: p.ShutterSpeed,
		ISO:          p.ISO,
		Camera:       p.Camera,
	}
}
