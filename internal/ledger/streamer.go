package ledger

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Streamer fans out every recorded entry to connected websocket clients so
// an operator dashboard can tail the ledger live instead of polling the
// file, the optional extension named in spec §9.
type Streamer struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// NewStreamer creates an empty live-tail hub.
func NewStreamer() *Streamer {
	return &Streamer{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// ServeHTTP upgrades the connection and registers it for broadcasts.
func (s *Streamer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ledger: websocket upgrade failed", "error", err)
		return
	}

	s.mu.Lock()
	s.clients[conn] = struct{}{}
	s.mu.Unlock()

	go s.drainUntilClosed(conn)
}

// drainUntilClosed reads (and discards) client frames purely to detect
// disconnects; this stream is write-only from the server's perspective.
func (s *Streamer) drainUntilClosed(conn *websocket.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		conn.Close()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Broadcast pushes entry to every connected client, dropping any that fail
// to accept the write.
func (s *Streamer) Broadcast(entry map[string]interface{}) {
	raw, err := json.Marshal(entry)
	if err != nil {
		slog.Error("ledger: stream marshal failed", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.clients {
		if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			conn.Close()
			delete(s.clients, conn)
		}
	}
}

// StreamingRecorder decorates a Recorder so every successful Record also
// broadcasts the recorded event data, wrapped as {"data": ...}, to live tail
// subscribers. The signed entry's timestamp, prev_hash and signature are not
// included in the broadcast.
type StreamingRecorder struct {
	*Recorder
	streamer *Streamer
}

// NewStreamingRecorder wraps r with streamer.
func NewStreamingRecorder(r *Recorder, streamer *Streamer) *StreamingRecorder {
	return &StreamingRecorder{Recorder: r, streamer: streamer}
}

// Record appends via the wrapped Recorder and then broadcasts on success.
func (s *StreamingRecorder) Record(eventData map[string]interface{}) error {
	if err := s.Recorder.Record(eventData); err != nil {
		return err
	}
	s.streamer.Broadcast(map[string]interface{}{"data": eventData})
	return nil
}

// RecordAsync overrides the embedded Recorder's version so async writes
// still broadcast — Go method embedding does not dispatch virtually, so
// without this override a caller using RecordAsync through StreamingRecorder
// would silently skip the stream.
func (s *StreamingRecorder) RecordAsync(eventData map[string]interface{}) {
	go func() {
		if err := s.Record(eventData); err != nil {
			slog.Error("ledger: async record failed", "error", err)
		}
	}()
}
