//////////////////////////////////////////////////////////////////////////////
//
// Broadcast frames from one writer to multiple preview clients.
//
// Each client has its own bounded channel. Once a client's channel is full,
// the oldest frame is dropped for each new one, so a slow client always
// catches up to the latest frame instead of falling behind.
//
// Copyright 2019 Lanikai Labs LLC. All rights reserved.
//
//////////////////////////////////////////////////////////////////////////////

package preview

import (
	"sync"

	"github.com/pkg/errors"
)

var errNotFound = errors.New("preview: subscriber not found")

type Broadcaster struct {
	mu          sync.Mutex
	subscribers []chan []byte
	dropped     uint64
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{}
}

// Subscribe to broadcasts, buffering up to n frames for the subscriber.
func (b *Broadcaster) Subscribe(n int) <-chan []byte {
	if n < 1 {
		panic("preview: malformed buffer size")
	}

	ch := make(chan []byte, n)
	b.mu.Lock()
	b.subscribers = append(b.subscribers, ch)
	b.mu.Unlock()
	return ch
}

// Unsubscribe closes the channel returned by Subscribe.
func (b *Broadcaster) Unsubscribe(s <-chan []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subscribers {
		if s == sub {
			// Remove subscriber from slice (order not preserved)
			subs := b.subscribers
			close(subs[i])
			subs[len(subs)-1], subs[i] = subs[i], subs[len(subs)-1]
			b.subscribers = subs[:len(subs)-1]
			return nil
		}
	}
	return errNotFound
}

// Write hands p to every subscriber. The slice is shared, not copied.
func (b *Broadcaster) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subscribers {
		for {
			select {
			case sub <- p:
			default:
				// Subscriber backlogged. Drop oldest, then retry.
				select {
				case <-sub:
					b.dropped++
				default:
				}
				continue
			}
			break
		}
	}
	return len(p), nil
}

// Subscribers returns the number of attached clients.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Dropped counts frames discarded for backlogged subscribers.
func (b *Broadcaster) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close all subscriber channels.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subscribers {
		close(sub)
	}
	b.subscribers = nil
	return nil
}
