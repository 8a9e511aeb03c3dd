// Package driver defines the contract between a stream and the capture
// hardware (or anything pretending to be one).
//
// Drivers report activity through a single Handler, invoked from a driver
// goroutine with one of two event types: FrameDelivered for every filled (or
// flushed) buffer and ControlEvent for lifecycle and error notifications.
package driver

import (
	"time"

	"github.com/lanikai/camstream/internal/bufpool"
	"github.com/lanikai/camstream/internal/logging"
)

var log = logging.DefaultLogger.WithTag("driver")

// Event is either FrameDelivered or ControlEvent.
type Event interface {
	event()
}

// FrameDelivered hands a buffer back from the driver. A zero length means the
// buffer was flushed without data (end of stream or output disabled).
type FrameDelivered struct {
	Buffer *bufpool.Buffer

	// Capture time, if the driver knows it.
	Timestamp time.Time
}

type EventKind int

const (
	// The driver hit an unrecoverable error. Err holds the cause.
	EventError EventKind = iota

	// The source ran out of frames.
	EventEndOfStream

	// A camera parameter changed underneath the stream.
	EventParameterChanged
)

func (k EventKind) String() string {
	switch k {
	case EventError:
		return "error"
	case EventEndOfStream:
		return "end-of-stream"
	case EventParameterChanged:
		return "parameter-changed"
	default:
		return "unknown"
	}
}

// ControlEvent reports something other than a frame.
type ControlEvent struct {
	Kind EventKind
	Err  error
}

func (FrameDelivered) event() {}
func (ControlEvent) event()   {}

// Handler receives driver events. It must not block for long; drivers call it
// from their capture goroutine.
type Handler func(Event)

// Driver is an output port producing frames into pool buffers.
type Driver interface {
	// Name identifies the driver in logs, e.g. "v4l2:/dev/video0".
	Name() string

	// BufferSize is the recommended buffer size for the negotiated format.
	BufferSize() int

	// EnableOutput starts delivering frames to h. Buffers must be submitted
	// before anything can be delivered.
	EnableOutput(h Handler) error

	// DisableOutput stops delivery. Before it returns, every submitted buffer
	// that was not delivered is handed back to the handler with zero length.
	// It must not be called from inside the handler.
	DisableOutput()

	// SubmitBuffer queues an empty buffer for the driver to fill.
	SubmitBuffer(b *bufpool.Buffer) error

	// Close releases the underlying device. Output must be disabled.
	Close() error
}

// Allocator is implemented by drivers that provide their own frame memory.
type Allocator interface {
	bufpool.Allocator
}

// Format is the negotiated capture configuration passed to a driver when it
// is opened.
type Format struct {
	Width       int
	Height      int
	FPS         int
	PixelFormat string // FourCC, e.g. "YU12"
	BufferCount int

	ShutterSpeed time.Duration // Zero means automatic
	ISO          int           // Zero means automatic
	Camera       int           // Camera index for multi-sensor devices
}

// FrameInterval is the nominal time between frames.
func (f Format) FrameInterval() time.Duration {
	if f.FPS <= 0 {
		return 0
	}
	return time.Second / time.Duration(f.FPS)
}

// FourCC packs the pixel format into its V4L2 integer code.
func (f Format) FourCC() uint32 {
	var code [4]byte
	copy(code[:], f.PixelFormat+"    ")
	return uint32(code[0]) | uint32(code[1])<<8 | uint32(code[2])<<16 | uint32(code[3])<<24
}

// ImageSize estimates the bytes needed for one frame in this format.
func (f Format) ImageSize() int {
	pixels := f.Width * f.Height
	switch f.PixelFormat {
	case "YU12", "YV12", "NV12", "NV21":
		return pixels * 3 / 2
	case "YUYV", "UYVY", "RGBP":
		return pixels * 2
	case "RGB3", "BGR3":
		return pixels * 3
	case "RGB4", "BGR4", "AR24", "XR24":
		return pixels * 4
	case "GREY":
		return pixels
	default:
		// Compressed formats: worst case is raw 4:2:0.
		return pixels * 3 / 2
	}
}
