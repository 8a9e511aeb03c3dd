// Package testsrc is a synthetic camera producing moving gradient frames at
// the configured rate. It needs no hardware and is registered as "testsrc".
//
// The path part of the source spec may set options, e.g.
// "testsrc:stall=5s" stops producing frames after five seconds.
package testsrc

import (
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/lanikai/camstream/internal/driver"
)

func init() {
	driver.Register("testsrc", func(path string, f driver.Format) (driver.Driver, error) {
		return Open(path, f)
	})
}

// Source generates frames in a planar 4:2:0 layout: a luma gradient that
// shifts every frame, with neutral chroma.
type Source struct {
	driver.Port

	format driver.Format
	frame  int

	// Stop producing after this long (zero means never).
	stallAfter time.Duration
	enabledAt  time.Time
}

// Open creates a synthetic source. Options are comma-separated key=value
// pairs; "stall=<duration>" is the only one understood.
func Open(options string, f driver.Format) (*Source, error) {
	if f.Width <= 0 || f.Height <= 0 {
		return nil, errors.Errorf("testsrc: invalid geometry %dx%d", f.Width, f.Height)
	}

	s := &Source{format: f}
	for _, opt := range strings.Split(options, ",") {
		if opt == "" {
			continue
		}
		kv := strings.SplitN(opt, "=", 2)
		switch {
		case len(kv) == 2 && kv[0] == "stall":
			d, err := time.ParseDuration(kv[1])
			if err != nil {
				return nil, errors.Wrap(err, "testsrc: stall")
			}
			s.stallAfter = d
		default:
			return nil, errors.Errorf("testsrc: unknown option %q", opt)
		}
	}

	s.Port.Interval = f.FrameInterval()
	s.Port.Capture = s.capture
	return s, nil
}

func (s *Source) Name() string {
	return "testsrc"
}

func (s *Source) BufferSize() int {
	return s.format.Width * s.format.Height * 3 / 2
}

func (s *Source) EnableOutput(h driver.Handler) error {
	s.enabledAt = time.Now()
	return s.Port.EnableOutput(h)
}

func (s *Source) Close() error {
	s.Port.DisableOutput()
	return nil
}

func (s *Source) capture(quit <-chan struct{}, buf []byte) (int, error) {
	if s.stallAfter > 0 && time.Since(s.enabledAt) > s.stallAfter {
		// Sensor hang: keep the buffer and never deliver.
		<-quit
		return 0, driver.ErrInterrupted
	}

	n := s.BufferSize()
	if len(buf) < n {
		return 0, errors.Errorf("testsrc: buffer too small (%d < %d)", len(buf), n)
	}

	Fill(buf[:n], s.format.Width, s.format.Height, s.frame)
	s.frame++
	return n, nil
}

// Fill draws gradient frame number i into a planar 4:2:0 buffer.
func Fill(buf []byte, width, height, i int) {
	luma := buf[:width*height]
	for y := 0; y < height; y++ {
		row := luma[y*width : (y+1)*width]
		for x := range row {
			row[x] = byte(((x+i)*255/width)%256 + ((y+i)*255/height)%256)
		}
	}
	chroma := buf[width*height:]
	for j := range chroma {
		chroma[j] = 128
	}
}
