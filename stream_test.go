package camstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanikai/camstream/internal/bufpool"
	"github.com/lanikai/camstream/internal/driver"
)

// fakeDriver delivers frames only when the test asks it to.
type fakeDriver struct {
	mu      sync.Mutex
	handler driver.Handler
	queue   []*bufpool.Buffer

	enableErr     error
	leakOnDisable bool
	closed        bool
}

func (d *fakeDriver) Name() string    { return "fake" }
func (d *fakeDriver) BufferSize() int { return 64 }

func (d *fakeDriver) EnableOutput(h driver.Handler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.enableErr != nil {
		return d.enableErr
	}
	if d.handler != nil {
		return driver.ErrAlreadyEnabled
	}
	d.handler = h
	return nil
}

func (d *fakeDriver) DisableOutput() {
	d.mu.Lock()
	h, queue := d.handler, d.queue
	d.handler, d.queue = nil, nil
	leak := d.leakOnDisable
	d.mu.Unlock()

	if h == nil || leak {
		return
	}
	for _, b := range queue {
		b.SetLength(0)
		h(driver.FrameDelivered{Buffer: b})
	}
}

func (d *fakeDriver) SubmitBuffer(b *bufpool.Buffer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handler == nil {
		return driver.ErrNotEnabled
	}
	d.queue = append(d.queue, b)
	return nil
}

func (d *fakeDriver) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

// deliver fills the oldest queued buffer with payload and hands it to the
// stream. It reports false if no buffer was queued.
func (d *fakeDriver) deliver(payload string) bool {
	d.mu.Lock()
	if d.handler == nil || len(d.queue) == 0 {
		d.mu.Unlock()
		return false
	}
	b := d.queue[0]
	d.queue = d.queue[1:]
	h := d.handler
	d.mu.Unlock()

	b.SetLength(copy(b.Data(), payload))
	h(driver.FrameDelivered{Buffer: b, Timestamp: time.Now()})
	return true
}

// deliverLength hands the oldest queued buffer back claiming n bytes.
func (d *fakeDriver) deliverLength(n int) bool {
	d.mu.Lock()
	if d.handler == nil || len(d.queue) == 0 {
		d.mu.Unlock()
		return false
	}
	b := d.queue[0]
	d.queue = d.queue[1:]
	h := d.handler
	d.mu.Unlock()

	b.SetLength(n)
	h(driver.FrameDelivered{Buffer: b, Timestamp: time.Now()})
	return true
}

func (d *fakeDriver) fault(err error) {
	d.mu.Lock()
	h := d.handler
	d.mu.Unlock()
	h(driver.ControlEvent{Kind: driver.EventError, Err: err})
}

func (d *fakeDriver) queued() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

type failingAllocator struct {
	*fakeDriver
}

func (failingAllocator) Allocate(count, size int) ([][]byte, error) {
	return nil, errors.New("out of CMA memory")
}

func (failingAllocator) Free([][]byte) error { return nil }

func newTestStream(t *testing.T, p Params) (*Stream, *fakeDriver) {
	d := &fakeDriver{}
	s, err := Create(p, func(driver.Format) (driver.Driver, error) {
		return d, nil
	})
	require.NoError(t, err)
	return s, d
}

func assertAllFree(t *testing.T, s *Stream) {
	c := s.pool.Counts()
	assert.Equal(t, s.pool.Size(), c.Free, "buffers not returned: %+v", c)
}

func TestCreateAppliesDefaults(t *testing.T) {
	s, _ := newTestStream(t, Params{})
	defer s.Destroy()

	p := s.Params()
	assert.Equal(t, DefaultWidth, p.Width)
	assert.Equal(t, DefaultBufferCount, p.BufferCount)
	assert.Equal(t, DefaultWatchdogTimeout, p.WatchdogTimeout)
	assert.Equal(t, 64, p.BufferSize)
	assert.Equal(t, Created, s.State())
	assert.NotEmpty(t, s.ID())
}

func TestCreateFailures(t *testing.T) {
	_, err := Create(Params{BufferCount: -1}, nil)
	assert.True(t, errors.Is(err, ErrAllocation))

	_, err = Create(Params{}, func(driver.Format) (driver.Driver, error) {
		return nil, errors.New("no such device")
	})
	assert.True(t, errors.Is(err, ErrAllocation))

	// The driver is closed again when the pool cannot be allocated.
	d := &fakeDriver{}
	_, err = Create(Params{}, func(driver.Format) (driver.Driver, error) {
		return failingAllocator{d}, nil
	})
	assert.True(t, errors.Is(err, ErrAllocation))
	assert.True(t, d.closed)
}

func TestLatestFrameWins(t *testing.T) {
	s, d := newTestStream(t, Params{BufferCount: 4})
	defer s.Destroy()

	require.NoError(t, s.Start())
	assert.Equal(t, 4, d.queued())

	for i := 1; i <= 3; i++ {
		require.True(t, d.deliver(fmt.Sprintf("F%d", i)))
	}
	assert.True(t, s.HasFrame())

	f, err := s.RequestFrame()
	require.NoError(t, err)
	assert.Equal(t, []byte("F3"), f.Data())
	assert.EqualValues(t, 3, f.Seq())
	assert.Equal(t, 2, f.Len())

	st := s.Stats()
	assert.EqualValues(t, 3, st.Published)
	assert.EqualValues(t, 2, st.Dropped)
	assert.Equal(t, bufpool.Counts{InTransit: 3, CheckedOut: 1}, st.Buffers)

	s.ReturnFrame()
	assert.Nil(t, f.Data(), "handle must be invalid after return")

	_, err = s.RequestFrame()
	assert.Equal(t, ErrNoFrameAvailable, err)
}

func TestNoFrameBeforeDelivery(t *testing.T) {
	s, _ := newTestStream(t, Params{})
	defer s.Destroy()

	_, err := s.RequestFrame()
	assert.Equal(t, ErrNoFrameAvailable, err)

	require.NoError(t, s.Start())
	_, err = s.RequestFrame()
	assert.Equal(t, ErrNoFrameAvailable, err)
	assert.False(t, s.HasFrame())
}

func TestSecondCheckoutRefused(t *testing.T) {
	s, d := newTestStream(t, Params{})
	defer s.Destroy()
	require.NoError(t, s.Start())

	d.deliver("one")
	f1, err := s.RequestFrame()
	require.NoError(t, err)

	d.deliver("two")
	_, err = s.RequestFrame()
	assert.Equal(t, ErrAlreadyCheckedOut, err)
	assert.Equal(t, []byte("one"), f1.Data(), "refused request leaves the held frame alone")

	s.ReturnFrame()
	s.ReturnFrame()

	f2, err := s.RequestFrame()
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), f2.Data())
	assert.Nil(t, f1.Data())
}

func TestWaitFrame(t *testing.T) {
	s, d := newTestStream(t, Params{})
	defer s.Destroy()

	_, err := s.WaitFrame(context.Background())
	assert.Equal(t, ErrNotStarted, err)

	require.NoError(t, s.Start())
	go func() {
		time.Sleep(20 * time.Millisecond)
		d.deliver("late")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	f, err := s.WaitFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("late"), f.Data())
	s.ReturnFrame()

	ctx, cancel = context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.WaitFrame(ctx)
	assert.Equal(t, context.DeadlineExceeded, err)
}

func TestStopReleasesEverything(t *testing.T) {
	s, d := newTestStream(t, Params{BufferCount: 4})
	defer s.Destroy()
	require.NoError(t, s.Start())

	d.deliver("a")
	f, err := s.RequestFrame()
	require.NoError(t, err)
	d.deliver("b")

	s.Stop()
	assert.False(t, s.Started())
	assert.NoError(t, s.Err())
	assert.Nil(t, f.Data())
	assertAllFree(t, s)

	// Late deliveries and repeated stops are harmless.
	assert.False(t, d.deliver("c"))
	s.Stop()
	s.ReturnFrame()
	assertAllFree(t, s)
}

func TestCreateRejectsSmallPool(t *testing.T) {
	d := &fakeDriver{}
	_, err := Create(Params{BufferCount: MinBufferCount - 1}, func(driver.Format) (driver.Driver, error) {
		return d, nil
	})
	assert.True(t, errors.Is(err, ErrAllocation))
}

func TestReturnHandsBufferBack(t *testing.T) {
	s, d := newTestStream(t, Params{BufferCount: MinBufferCount})
	defer s.Destroy()
	require.NoError(t, s.Start())
	require.Equal(t, MinBufferCount, d.queued())

	for i := 0; i < 10; i++ {
		require.True(t, d.deliver(fmt.Sprint(i)), "cycle %d", i)
		f, err := s.RequestFrame()
		require.NoError(t, err)
		assert.Equal(t, []byte(fmt.Sprint(i)), f.Data())
		s.ReturnFrame()

		assert.Equal(t, MinBufferCount, d.queued(), "cycle %d", i)
	}
	assert.True(t, s.Started())
}

func TestOverrunCountedMalformed(t *testing.T) {
	s, d := newTestStream(t, Params{BufferCount: 3})
	defer s.Destroy()
	require.NoError(t, s.Start())

	require.True(t, d.deliverLength(1<<20))

	st := s.Stats()
	assert.EqualValues(t, 1, st.Malformed)
	assert.EqualValues(t, 0, st.Published)
	assert.False(t, s.HasFrame())
	assert.Equal(t, 3, d.queued(), "overrun buffer goes back to the driver")
}

func TestLateDeliveryAfterStallRejected(t *testing.T) {
	s, d := newTestStream(t, Params{BufferCount: 3, WatchdogTimeout: 50 * time.Millisecond})
	defer s.Destroy()
	require.NoError(t, s.Start())

	// Hold on to the handler and the in-flight buffers past the stop.
	d.mu.Lock()
	d.leakOnDisable = true
	h := d.handler
	inflight := append([]*bufpool.Buffer(nil), d.queue...)
	d.mu.Unlock()
	require.Len(t, inflight, 3)

	assert.Eventually(t, func() bool { return !s.Started() }, time.Second, 5*time.Millisecond)
	require.True(t, errors.Is(s.Err(), ErrStallDetected))

	late := inflight[0]
	late.SetLength(copy(late.Data(), "late"))
	h(driver.FrameDelivered{Buffer: late, Timestamp: time.Now()})
	for _, b := range inflight[1:] {
		b.SetLength(0)
		h(driver.FrameDelivered{Buffer: b})
	}

	st := s.Stats()
	assert.EqualValues(t, 1, st.Rejected)
	assert.EqualValues(t, 2, st.Flushed)
	assert.EqualValues(t, 0, st.Published)
	assert.False(t, s.HasFrame())
	_, err := s.RequestFrame()
	assert.Equal(t, ErrNoFrameAvailable, err)
	assertAllFree(t, s)

	// Only a new Start accepts frames again.
	d.mu.Lock()
	d.leakOnDisable = false
	d.mu.Unlock()
	require.NoError(t, s.Start())
	require.True(t, d.deliver("fresh"))
	f, err := s.RequestFrame()
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh"), f.Data())
}

func TestWatchdogStopsStalledStream(t *testing.T) {
	s, d := newTestStream(t, Params{WatchdogTimeout: 50 * time.Millisecond})
	defer s.Destroy()
	require.NoError(t, s.Start())

	d.deliver("x")
	f, err := s.RequestFrame()
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)

	assert.False(t, s.Started())
	assert.True(t, errors.Is(s.Err(), ErrStallDetected))
	assert.EqualValues(t, 1, s.Stats().Stalls)
	assert.Nil(t, f.Data())
	assertAllFree(t, s)

	_, err = s.RequestFrame()
	assert.Equal(t, ErrNoFrameAvailable, err)

	// Restarting clears the error.
	require.NoError(t, s.Start())
	assert.True(t, s.Started())
	assert.NoError(t, s.Err())
}

func TestSteadyFramesKeepWatchdogQuiet(t *testing.T) {
	s, d := newTestStream(t, Params{WatchdogTimeout: 60 * time.Millisecond})
	defer s.Destroy()
	require.NoError(t, s.Start())

	for i := 0; i < 8; i++ {
		time.Sleep(20 * time.Millisecond)
		require.True(t, d.deliver("tick"))
	}
	assert.True(t, s.Started())
	assert.NoError(t, s.Err())
}

func TestStartFailureLeavesBuffersFree(t *testing.T) {
	s, d := newTestStream(t, Params{})
	defer s.Destroy()

	d.enableErr = errors.New("ENOSPC")
	err := s.Start()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPortEnable))

	var de *DriverError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "fake", de.Driver)

	assert.False(t, s.Started())
	assertAllFree(t, s)
}

func TestDriverFaultStopsStream(t *testing.T) {
	s, d := newTestStream(t, Params{})
	defer s.Destroy()
	require.NoError(t, s.Start())

	d.deliver("ok")
	d.fault(errors.New("sensor timeout"))

	assert.Eventually(t, func() bool { return !s.Started() }, time.Second, 5*time.Millisecond)
	assert.True(t, errors.Is(s.Err(), ErrDriverFault))
	assert.EqualValues(t, 1, s.Stats().Faults)
	assertAllFree(t, s)
}

func TestStaleHaltIgnored(t *testing.T) {
	s, _ := newTestStream(t, Params{})
	defer s.Destroy()

	require.NoError(t, s.Start())
	old := s.epoch
	s.Stop()
	require.NoError(t, s.Start())

	s.halt(errors.New("from previous run"), old)
	assert.True(t, s.Started())
	assert.NoError(t, s.Err())
}

func TestDestroy(t *testing.T) {
	s, d := newTestStream(t, Params{})
	require.NoError(t, s.Start())
	d.deliver("x")

	require.NoError(t, s.Destroy())
	assert.True(t, d.closed)
	assert.Equal(t, Destroyed, s.State())
	assert.NoError(t, s.Destroy())
	assert.Equal(t, ErrDestroyed, s.Start())
}

func TestDestroyWithOutstandingBuffers(t *testing.T) {
	s, d := newTestStream(t, Params{})
	require.NoError(t, s.Start())

	// A driver that loses its queued buffers on disable.
	d.leakOnDisable = true
	err := s.Destroy()
	assert.True(t, errors.Is(err, ErrBuffersOutstanding))
}

func TestConcurrentProducerConsumer(t *testing.T) {
	s, d := newTestStream(t, Params{BufferCount: 3})
	defer s.Destroy()
	require.NoError(t, s.Start())

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			d.deliver(fmt.Sprint(i))
		}
	}()

	var last uint64
	for i := 0; i < 200; i++ {
		f, err := s.RequestFrame()
		if err == ErrNoFrameAvailable {
			continue
		}
		require.NoError(t, err)
		assert.True(t, f.Seq() > last, "frames go forward")
		last = f.Seq()
		s.ReturnFrame()

		c := s.Stats().Buffers
		assert.Equal(t, 3, c.Total())
	}

	close(stop)
	wg.Wait()
	s.Stop()
	assertAllFree(t, s)
}
