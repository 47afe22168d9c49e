package stream

import (
	"encoding/binary"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"clipwatch/internal/pipeline"
)

// Frame message types.
const (
	FrameAnnotated   byte = 1
	FrameEndOfStream byte = 2
)

// frameHeaderSize is 1 byte type + 8 bytes sequence + 4 bytes length.
const frameHeaderSize = 13

// socketClient is a connected WebSocket viewer
type socketClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex // gorilla allows one concurrent writer
}

func (c *socketClient) write(messageType int, data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(timeout))
	return c.conn.WriteMessage(messageType, data)
}

var frameUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 256 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// FrameSocket pushes the annotated output to WebSocket viewers as binary
// messages: type, big-endian sequence and length, then the JPEG.
type FrameSocket struct {
	logger *log.Logger

	clients   map[*socketClient]bool
	clientsMu sync.RWMutex

	seq uint64
}

// NewFrameSocket creates a frame socket. Register OnFrame with
// Broadcaster.AddFrameListener to feed it.
func NewFrameSocket(logger *log.Logger) *FrameSocket {
	if logger == nil {
		logger = log.Default()
	}
	return &FrameSocket{
		logger:  logger,
		clients: make(map[*socketClient]bool),
	}
}

// EncodeFrameMessage builds the binary message for one frame.
func EncodeFrameMessage(kind byte, seq uint64, frame []byte) []byte {
	msg := make([]byte, frameHeaderSize+len(frame))
	msg[0] = kind
	binary.BigEndian.PutUint64(msg[1:9], seq)
	binary.BigEndian.PutUint32(msg[9:13], uint32(len(frame)))
	copy(msg[frameHeaderSize:], frame)
	return msg
}

// OnFrame is a FrameListener sending every published frame to all viewers.
// Writes use a short deadline so a stalled viewer cannot hold back playback.
func (s *FrameSocket) OnFrame(frame []byte, f pipeline.AnnotatedFrame) {
	s.seq++
	kind := FrameAnnotated
	if f.EndOfStream {
		kind = FrameEndOfStream
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	if len(s.clients) == 0 {
		return
	}

	msg := EncodeFrameMessage(kind, s.seq, frame)
	for c := range s.clients {
		if err := c.write(websocket.BinaryMessage, msg, 100*time.Millisecond); err != nil {
			// The read pump removes the client.
			s.logger.Printf("[WS] Frame write error: %v", err)
		}
	}
}

// ClientCount returns the number of connected viewers
func (s *FrameSocket) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// ServeHTTP upgrades the connection and keeps it until the viewer leaves.
func (s *FrameSocket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := frameUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("[WS] Upgrade error: %v", err)
		return
	}

	c := &socketClient{conn: conn}
	s.clientsMu.Lock()
	s.clients[c] = true
	n := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Printf("[WS] Frame viewer connected from %s (%d viewers)", r.RemoteAddr, n)

	s.readPump(c)
}

// readPump reads from the WebSocket to detect disconnection
func (s *FrameSocket) readPump(c *socketClient) {
	done := make(chan struct{})
	defer func() {
		close(done)
		s.clientsMu.Lock()
		delete(s.clients, c)
		n := len(s.clients)
		s.clientsMu.Unlock()
		c.conn.Close()
		s.logger.Printf("[WS] Frame viewer disconnected (%d viewers)", n)
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := c.write(websocket.PingMessage, nil, 10*time.Second); err != nil {
					return
				}
			}
		}
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
