package stream

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clipwatch/internal/annotate"
	"clipwatch/internal/pipeline"
)

func frames(n int, withEnd bool) func(func(pipeline.AnnotatedFrame) bool) {
	return func(yield func(pipeline.AnnotatedFrame) bool) {
		for i := 0; i < n; i++ {
			img := image.NewRGBA(image.Rect(0, 0, 16, 16))
			if !yield(pipeline.AnnotatedFrame{Image: img, Label: pipeline.Label{ClassName: "NonViolence"}}) {
				return
			}
		}
		if withEnd {
			yield(pipeline.AnnotatedFrame{Image: annotate.Blank(8, 8), EndOfStream: true})
		}
	}
}

func newTestBroadcaster() *Broadcaster {
	return NewBroadcaster(0, log.New(io.Discard, "", 0))
}

func TestBroadcasterPump(t *testing.T) {
	b := newTestBroadcaster()

	var seen int
	b.AddFrameListener(func(frame []byte, f pipeline.AnnotatedFrame) { seen++ })

	n := b.Pump(context.Background(), frames(5, true))
	assert.Equal(t, 6, n)
	assert.Equal(t, 6, seen)
	assert.Equal(t, uint64(6), b.FrameSeq())

	img, err := jpeg.Decode(bytes.NewReader(b.CurrentFrame()))
	require.NoError(t, err)
	assert.Equal(t, 8, img.Bounds().Dx(), "end-of-stream frame is the last one published")
}

func TestBroadcasterPumpStopsOnContext(t *testing.T) {
	b := newTestBroadcaster()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Zero(t, b.Pump(ctx, frames(5, false)))
}

func TestSnapshotHandler(t *testing.T) {
	b := newTestBroadcaster()
	h := NewSnapshotHandler(b)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/video/snapshot", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	b.Pump(context.Background(), frames(1, false))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/video/snapshot", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	_, err := jpeg.Decode(rec.Body)
	assert.NoError(t, err)
}

func TestBroadcasterServesMultipart(t *testing.T) {
	b := newTestBroadcaster()
	srv := httptest.NewServer(b)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	respCh := make(chan *http.Response, 1)
	go func() {
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			respCh <- resp
		}
	}()

	require.Eventually(t, func() bool { return b.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	go b.Pump(context.Background(), frames(3, false))

	var resp *http.Response
	select {
	case resp = <-respCh:
	case <-time.After(3 * time.Second):
		t.Fatal("no response")
	}
	defer resp.Body.Close()

	assert.Equal(t, "multipart/x-mixed-replace; boundary=frame", resp.Header.Get("Content-Type"))

	mr := multipart.NewReader(resp.Body, "frame")
	part, err := mr.NextPart()
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", part.Header.Get("Content-Type"))
	img, err := jpeg.Decode(part)
	require.NoError(t, err)
	assert.Equal(t, 16, img.Bounds().Dx())

	cancel()
	require.Eventually(t, func() bool { return b.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}
