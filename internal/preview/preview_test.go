package preview

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeAndWrite(t *testing.T) {
	b := NewBroadcaster()

	var wg sync.WaitGroup
	subs := make([]<-chan []byte, 10)
	for i := range subs {
		subs[i] = b.Subscribe(1)
	}

	b.Write([]byte{0xc0, 0xff, 0xee})

	for _, s := range subs {
		wg.Add(1)
		go func(s <-chan []byte) {
			defer wg.Done()
			assert.Equal(t, []byte{0xc0, 0xff, 0xee}, <-s)
		}(s)
	}
	wg.Wait()
}

func TestBacklogKeepsNewest(t *testing.T) {
	b := NewBroadcaster()
	s := b.Subscribe(2)

	for i := byte(1); i <= 5; i++ {
		b.Write([]byte{i})
	}

	assert.Equal(t, []byte{4}, <-s)
	assert.Equal(t, []byte{5}, <-s)
	assert.EqualValues(t, 3, b.Dropped())
}

func TestUnsubscribe(t *testing.T) {
	b := NewBroadcaster()
	s := b.Subscribe(1)

	require.NoError(t, b.Unsubscribe(s))
	_, ok := <-s
	assert.False(t, ok)
	assert.Equal(t, errNotFound, b.Unsubscribe(s))
	assert.Zero(t, b.Subscribers())
}

func TestWebsocketPreview(t *testing.T) {
	s := NewServer("", 4, 2, "GREY")
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	var f Format
	require.NoError(t, ws.ReadJSON(&f))
	assert.Equal(t, Format{Type: "format", Width: 4, Height: 2, PixelFormat: "GREY"}, f)

	// The client is subscribed before the format message is sent.
	frame := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	s.Publish(frame)
	frame[0] = 99 // Publish must have copied

	typ, data, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, typ)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, data)
}
