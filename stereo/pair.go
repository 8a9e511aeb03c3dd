// Package stereo runs two independent streams as a matched pair, e.g. the
// two sensors of a stereo camera board. Each stream keeps its own pool, slot
// and watchdog; the pair only coordinates lifecycle and checkout.
package stereo

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/lanikai/camstream"
	"github.com/lanikai/camstream/internal/logging"
)

var log = logging.DefaultLogger.WithTag("stereo")

type Pair struct {
	Left, Right *camstream.Stream
}

// Frames is one checked-out frame from each stream.
type Frames struct {
	Left, Right *camstream.Frame
}

// Skew is the capture time difference between the two frames.
func (f Frames) Skew() time.Duration {
	d := f.Left.Timestamp().Sub(f.Right.Timestamp())
	if d < 0 {
		d = -d
	}
	return d
}

func New(left, right *camstream.Stream) *Pair {
	return &Pair{Left: left, Right: right}
}

func (p *Pair) streams() []*camstream.Stream {
	return []*camstream.Stream{p.Left, p.Right}
}

// Start both streams. If the second fails the first is stopped again.
func (p *Pair) Start() error {
	if err := p.Left.Start(); err != nil {
		return errors.Wrap(err, "stereo: left")
	}
	if err := p.Right.Start(); err != nil {
		p.Left.Stop()
		return errors.Wrap(err, "stereo: right")
	}
	return nil
}

func (p *Pair) Stop() {
	for _, s := range p.streams() {
		s.Stop()
	}
}

// Started reports whether both streams are running.
func (p *Pair) Started() bool {
	return p.Left.Started() && p.Right.Started()
}

// Err returns the first stream's forced-stop cause, if any.
func (p *Pair) Err() error {
	if err := p.Left.Err(); err != nil {
		return errors.Wrap(err, "stereo: left")
	}
	if err := p.Right.Err(); err != nil {
		return errors.Wrap(err, "stereo: right")
	}
	return nil
}

// RequestFrames checks out a frame from each stream, or neither.
func (p *Pair) RequestFrames() (Frames, error) {
	if !p.Left.HasFrame() || !p.Right.HasFrame() {
		return Frames{}, camstream.ErrNoFrameAvailable
	}

	left, err := p.Left.RequestFrame()
	if err != nil {
		return Frames{}, err
	}
	right, err := p.Right.RequestFrame()
	if err != nil {
		p.Left.ReturnFrame()
		return Frames{}, err
	}
	return Frames{Left: left, Right: right}, nil
}

// WaitFrames blocks until both streams have a frame.
func (p *Pair) WaitFrames(ctx context.Context) (Frames, error) {
	left, err := p.Left.WaitFrame(ctx)
	if err != nil {
		return Frames{}, err
	}
	right, err := p.Right.WaitFrame(ctx)
	if err != nil {
		p.Left.ReturnFrame()
		return Frames{}, err
	}
	return Frames{Left: left, Right: right}, nil
}

func (p *Pair) ReturnFrames() {
	for _, s := range p.streams() {
		s.ReturnFrame()
	}
}

// Destroy both streams, reporting the first failure.
func (p *Pair) Destroy() error {
	var first error
	for _, s := range p.streams() {
		if err := s.Destroy(); err != nil {
			log.Error("%v: %v", s, err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}
