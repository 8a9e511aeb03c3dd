package main

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/lanikai/camstream"
	"github.com/lanikai/camstream/internal/metrics"
	"github.com/lanikai/camstream/internal/preview"
	"github.com/lanikai/camstream/stereo"
)

// How often the frame rate is reported.
const reportInterval = 100

// source is a single stream or a stereo pair, seen from the consumer loop.
type source interface {
	Start() error
	Started() bool
	Err() error
	Destroy() error

	// wait checks out the next frame(s); release hands them back.
	wait(ctx context.Context) ([]*camstream.Frame, error)
	release()

	streams() []*camstream.Stream
}

type mono struct {
	*camstream.Stream
}

func (m mono) wait(ctx context.Context) ([]*camstream.Frame, error) {
	f, err := m.WaitFrame(ctx)
	if err != nil {
		return nil, err
	}
	return []*camstream.Frame{f}, nil
}

func (m mono) release() { m.ReturnFrame() }

func (m mono) streams() []*camstream.Stream { return []*camstream.Stream{m.Stream} }

type pair struct {
	*stereo.Pair
}

func (p pair) wait(ctx context.Context) ([]*camstream.Frame, error) {
	fs, err := p.WaitFrames(ctx)
	if err != nil {
		return nil, err
	}
	if skew := fs.Skew(); skew > time.Second/time.Duration(flagFPS+1) {
		log.Debug("stereo skew %v", skew)
	}
	return []*camstream.Frame{fs.Left, fs.Right}, nil
}

func (p pair) release() { p.ReturnFrames() }

func (p pair) streams() []*camstream.Stream { return []*camstream.Stream{p.Left, p.Right} }

type consumer struct {
	src       source
	preview   *preview.Server
	maxFrames int
	restart   bool

	count uint64
}

func (c *consumer) consumed() uint64 {
	return atomic.LoadUint64(&c.count)
}

// consume takes frames until ctx ends, maxFrames is reached, or the source
// stops without being restarted.
func (c *consumer) consume(ctx context.Context) error {
	last := time.Now()
	for {
		if ctx.Err() != nil {
			log.Info("Shutting down after %d frames", c.consumed())
			return nil
		}

		frames, err := c.src.wait(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			continue
		case errors.Is(err, camstream.ErrNotStarted):
			if err := c.recover(); err != nil {
				return err
			}
			continue
		default:
			return err
		}

		checkout := time.Now()
		for _, f := range frames {
			metrics.FrameAge.Observe(checkout.Sub(f.Timestamp()).Seconds())
		}
		if c.preview != nil {
			// Only the left image of a pair is previewed.
			c.preview.Publish(frames[0].Data())
		}
		c.src.release()
		metrics.ProcessingTime.Observe(time.Since(checkout).Seconds())

		n := atomic.AddUint64(&c.count, 1)
		if n%reportInterval == 0 {
			now := time.Now()
			log.Info("%d frames, %.1f fps", n, reportInterval/now.Sub(last).Seconds())
			last = now
		}
		if c.maxFrames > 0 && n >= uint64(c.maxFrames) {
			log.Info("Captured %d frames, exiting", n)
			return nil
		}
	}
}

// recover restarts a source that was forced to stop, if allowed.
func (c *consumer) recover() error {
	cause := c.src.Err()
	if cause == nil {
		// Stopped between checkouts without a recorded fault.
		cause = camstream.ErrNotStarted
	}
	if !c.restart {
		return cause
	}

	label := "driver"
	if errors.Is(cause, camstream.ErrStallDetected) {
		label = "stall"
	}
	metrics.RestartsTotal.WithLabelValues(label).Inc()

	log.Warn("Restarting after: %v", cause)
	return c.src.Start()
}
