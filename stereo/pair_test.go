package stereo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanikai/camstream"
	"github.com/lanikai/camstream/internal/driver"
	"github.com/lanikai/camstream/internal/driver/testsrc"
)

var params = camstream.Params{Width: 64, Height: 48, FPS: 100, PixelFormat: "YU12"}

func openTestsrc(f driver.Format) (driver.Driver, error) {
	return testsrc.Open("", f)
}

// busy refuses to start.
type busy struct {
	*testsrc.Source
}

func (busy) EnableOutput(driver.Handler) error {
	return errors.New("device busy")
}

func newPair(t *testing.T, right driver.OpenFunc) *Pair {
	l, err := camstream.Create(params, openTestsrc)
	require.NoError(t, err)
	r, err := camstream.Create(params, right)
	require.NoError(t, err)
	return New(l, r)
}

func TestPairDeliversMatchedFrames(t *testing.T) {
	p := newPair(t, openTestsrc)
	defer p.Destroy()

	require.NoError(t, p.Start())
	assert.True(t, p.Started())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	f, err := p.WaitFrames(ctx)
	require.NoError(t, err)
	assert.Len(t, f.Left.Data(), 64*48*3/2)
	assert.Len(t, f.Right.Data(), 64*48*3/2)
	assert.True(t, f.Skew() < time.Second)

	_, err = p.RequestFrames()
	assert.Error(t, err, "frames must be returned first")

	p.ReturnFrames()
	assert.Nil(t, f.Left.Data())

	p.Stop()
	assert.False(t, p.Started())
	assert.NoError(t, p.Err())
}

func TestPairStartUnwinds(t *testing.T) {
	p := newPair(t, func(f driver.Format) (driver.Driver, error) {
		src, err := testsrc.Open("", f)
		return busy{src}, err
	})
	defer p.Destroy()

	err := p.Start()
	require.Error(t, err)
	assert.True(t, errors.Is(err, camstream.ErrPortEnable))
	assert.False(t, p.Left.Started())
	assert.False(t, p.Right.Started())
}

func TestPairRequestIsAllOrNothing(t *testing.T) {
	p := newPair(t, openTestsrc)
	defer p.Destroy()

	// Only the left side runs, so no pair can be formed.
	require.NoError(t, p.Left.Start())
	assert.Eventually(t, p.Left.HasFrame, time.Second, 5*time.Millisecond)

	_, err := p.RequestFrames()
	assert.Equal(t, camstream.ErrNoFrameAvailable, err)
	assert.True(t, p.Left.HasFrame(), "left frame must not be consumed")
}
