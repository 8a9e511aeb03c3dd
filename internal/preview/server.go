// Package preview serves consumed frames to browsers over a websocket.
//
// A client connecting to /ws first receives a JSON message describing the
// frame layout, then one binary message per frame. Frames are copied out of
// the stream's buffers on Publish, so the consumer may return its frame
// immediately afterwards.
package preview

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lanikai/camstream/internal/logging"
)

var log = logging.DefaultLogger.WithTag("preview")

// Frames buffered per client before the oldest is dropped.
const clientBacklog = 2

const writeTimeout = 5 * time.Second

// Format describes the frames being previewed.
type Format struct {
	Type        string `json:"type"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	PixelFormat string `json:"pixelFormat"`
}

type Server struct {
	format Format
	frames *Broadcaster
	server *http.Server

	published uint64
}

// NewServer returns a preview server that will listen on addr.
func NewServer(addr string, width, height int, pixelFormat string) *Server {
	router := http.NewServeMux()
	s := &Server{
		format: Format{Type: "format", Width: width, Height: height, PixelFormat: pixelFormat},
		frames: NewBroadcaster(),
		server: &http.Server{
			Addr:    addr,
			Handler: router,
		},
	}
	router.HandleFunc("/ws", s.handleWebsocket)
	return s
}

// Handler exposes the server's routes, for embedding or testing.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) ListenAndServe() error {
	log.Info("Preview available at ws://%s/ws", s.server.Addr)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.frames.Close()
	return s.server.Shutdown(ctx)
}

// Publish copies data and sends it to every connected client. It does
// nothing when nobody is watching.
func (s *Server) Publish(data []byte) {
	if s.frames.Subscribers() == 0 {
		return
	}
	atomic.AddUint64(&s.published, 1)
	s.frames.Write(append([]byte(nil), data...))
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	return s.frames.Subscribers()
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	// Upgrade websocket connection
	ws, err := new(websocket.Upgrader).Upgrade(w, r, nil)
	if err != nil {
		log.Warn("upgrade: %v", err)
		return
	}
	defer ws.Close()

	frames := s.frames.Subscribe(clientBacklog)
	defer s.frames.Unsubscribe(frames)

	if err := ws.WriteJSON(s.format); err != nil {
		log.Warn("Failed to send format: %v", err)
		return
	}
	log.Debug("Preview client %s connected", r.RemoteAddr)

	// Clients send nothing; reading notices when they go away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			log.Debug("Preview client %s disconnected", r.RemoteAddr)
			return
		case frame, ok := <-frames:
			if !ok {
				ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				log.Warn("Failed to send frame to %s: %v", r.RemoteAddr, err)
				return
			}
		}
	}
}
