package stream

import (
	"context"
	"fmt"
	"iter"
	"log"
	"net/http"
	"sync"

	"clipwatch/internal/annotate"
	"clipwatch/internal/pipeline"
)

// FrameListener is called with every published JPEG frame.
type FrameListener func(frame []byte, f pipeline.AnnotatedFrame)

// Broadcaster consumes the paced output of a run, encodes each frame as JPEG
// and fans it out to MJPEG clients. Slow clients drop frames instead of
// holding back playback.
type Broadcaster struct {
	quality int
	logger  *log.Logger

	clients   map[chan []byte]bool
	clientsMu sync.RWMutex

	currentFrame []byte
	frameSeq     uint64
	frameMu      sync.RWMutex

	listeners  []FrameListener
	listenerMu sync.RWMutex

	pumpMu sync.Mutex // one run is pumped at a time
}

// NewBroadcaster creates a broadcaster encoding at quality (0 = default).
func NewBroadcaster(quality int, logger *log.Logger) *Broadcaster {
	if logger == nil {
		logger = log.Default()
	}
	return &Broadcaster{
		quality: quality,
		logger:  logger,
		clients: make(map[chan []byte]bool),
	}
}

// AddFrameListener registers a callback for published frames. Listeners run
// on the pump goroutine and must not block.
func (b *Broadcaster) AddFrameListener(listener FrameListener) {
	b.listenerMu.Lock()
	b.listeners = append(b.listeners, listener)
	b.listenerMu.Unlock()
}

// Pump publishes every frame of frames until the sequence ends or ctx is
// done. It returns the number of frames published.
func (b *Broadcaster) Pump(ctx context.Context, frames iter.Seq[pipeline.AnnotatedFrame]) int {
	b.pumpMu.Lock()
	defer b.pumpMu.Unlock()

	n := 0
	for f := range frames {
		if ctx.Err() != nil {
			break
		}
		data, err := annotate.EncodeJPEG(f.Image, b.quality)
		if err != nil {
			b.logger.Printf("[MJPEG] Error encoding frame: %v", err)
			continue
		}
		b.publish(data, f)
		n++
		if f.EndOfStream {
			break
		}
	}
	b.logger.Printf("[MJPEG] Output stream ended after %d frames", n)
	return n
}

func (b *Broadcaster) publish(data []byte, f pipeline.AnnotatedFrame) {
	b.frameMu.Lock()
	b.currentFrame = data
	b.frameSeq++
	seq := b.frameSeq
	b.frameMu.Unlock()

	b.clientsMu.RLock()
	dropped := 0
	for ch := range b.clients {
		select {
		case ch <- data:
		default:
			dropped++
		}
	}
	clients := len(b.clients)
	b.clientsMu.RUnlock()

	b.listenerMu.RLock()
	listeners := b.listeners
	b.listenerMu.RUnlock()
	for _, l := range listeners {
		l(data, f)
	}

	if seq%100 == 0 {
		b.logger.Printf("[MJPEG] frame %d, %d clients, %d dropped", seq, clients, dropped)
	}
}

// CurrentFrame returns the last published JPEG, or nil.
func (b *Broadcaster) CurrentFrame() []byte {
	b.frameMu.RLock()
	defer b.frameMu.RUnlock()
	return b.currentFrame
}

// FrameSeq returns the number of frames published so far.
func (b *Broadcaster) FrameSeq() uint64 {
	b.frameMu.RLock()
	defer b.frameMu.RUnlock()
	return b.frameSeq
}

// ClientCount returns the number of connected MJPEG clients.
func (b *Broadcaster) ClientCount() int {
	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()
	return len(b.clients)
}

// ServeHTTP serves the MJPEG stream to a client
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	// Set MJPEG headers
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	clientCh := make(chan []byte, 5)
	b.clientsMu.Lock()
	b.clients[clientCh] = true
	b.clientsMu.Unlock()

	defer func() {
		b.clientsMu.Lock()
		delete(b.clients, clientCh)
		b.clientsMu.Unlock()
	}()

	b.logger.Printf("[MJPEG] Client connected from %s", r.RemoteAddr)

	for {
		select {
		case <-r.Context().Done():
			b.logger.Printf("[MJPEG] Client disconnected from %s", r.RemoteAddr)
			return
		case frame := <-clientCh:
			if err := writePart(w, frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writePart(w http.ResponseWriter, frame []byte) error {
	if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(frame)); err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\r\n")
	return err
}

// SnapshotHandler serves the last published frame as a single JPEG
type SnapshotHandler struct {
	b *Broadcaster
}

// NewSnapshotHandler creates a new snapshot handler
func NewSnapshotHandler(b *Broadcaster) *SnapshotHandler {
	return &SnapshotHandler{b: b}
}

// ServeHTTP serves a single JPEG snapshot
func (h *SnapshotHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	frame := h.b.CurrentFrame()
	if frame == nil {
		http.Error(w, "No frame available", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(frame)))
	w.Write(frame)
}
