package watchdog

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func counter() (*int32, func()) {
	var n int32
	return &n, func() { atomic.AddInt32(&n, 1) }
}

func TestExpiresOnce(t *testing.T) {
	n, fn := counter()
	w := New(fn)

	w.Arm(20 * time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	assert.EqualValues(t, 1, atomic.LoadInt32(n))
	assert.False(t, w.Armed())
	assert.EqualValues(t, 1, w.Fired())
}

func TestKickPostponesExpiry(t *testing.T) {
	n, fn := counter()
	w := New(fn)

	w.Arm(50 * time.Millisecond)
	for i := 0; i < 5; i++ {
		time.Sleep(20 * time.Millisecond)
		assert.True(t, w.Kick())
	}
	assert.EqualValues(t, 0, atomic.LoadInt32(n))

	time.Sleep(120 * time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(n))
}

func TestCancelPreventsExpiry(t *testing.T) {
	n, fn := counter()
	w := New(fn)

	w.Arm(20 * time.Millisecond)
	w.Cancel()
	time.Sleep(60 * time.Millisecond)

	assert.EqualValues(t, 0, atomic.LoadInt32(n))
	assert.False(t, w.Armed())
}

func TestKickAfterCancelDoesNotRearm(t *testing.T) {
	n, fn := counter()
	w := New(fn)

	w.Arm(20 * time.Millisecond)
	w.Cancel()
	assert.False(t, w.Kick())
	time.Sleep(60 * time.Millisecond)

	assert.EqualValues(t, 0, atomic.LoadInt32(n))
}

func TestRearmAfterExpiry(t *testing.T) {
	n, fn := counter()
	w := New(fn)

	w.Arm(10 * time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	w.Arm(10 * time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	assert.EqualValues(t, 2, atomic.LoadInt32(n))
}

func TestCallbackMayCancel(t *testing.T) {
	done := make(chan struct{})
	var w *Watchdog
	w = New(func() {
		w.Cancel()
		close(done)
	})

	w.Arm(10 * time.Millisecond)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expiry callback deadlocked")
	}
}
