package source

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clipwatch/internal/pipeline"
)

// fakeFFmpeg writes a shell script standing in for the ffmpeg binary.
func fakeFFmpeg(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func garbageVideo(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "notavideo.mp4")
	require.NoError(t, os.WriteFile(path, []byte("this is not a video"), 0o600))
	return path
}

func TestOpenUndecodableFileFails(t *testing.T) {
	bin := fakeFFmpeg(t, `echo "notavideo.mp4: Invalid data found when processing input" >&2
exit 1`)

	_, err := Open(context.Background(), garbageVideo(t), Options{FFmpegPath: bin, Logger: quietLogger})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ffmpeg failed")
	assert.Contains(t, err.Error(), "Invalid data found")
}

func TestOpenKeepsFirstFrame(t *testing.T) {
	stream := filepath.Join(t.TempDir(), "stream.mjpeg")
	var data []byte
	for i := 0; i < 3; i++ {
		data = append(data, encodeJPEG(t, uint8(i*60))...)
	}
	require.NoError(t, os.WriteFile(stream, data, 0o600))
	t.Setenv("CLIPWATCH_TEST_STREAM", stream)
	bin := fakeFFmpeg(t, `cat "$CLIPWATCH_TEST_STREAM"`)

	dec, err := Open(context.Background(), garbageVideo(t), Options{FFmpegPath: bin, Logger: quietLogger})
	require.NoError(t, err)
	defer dec.Close()

	n := 0
	for {
		_, err := dec.ReadFrame()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		n++
	}
	assert.Equal(t, 3, n)
}

func TestOpenSourceWithoutFrames(t *testing.T) {
	bin := fakeFFmpeg(t, "exit 0")

	dec, err := Open(context.Background(), garbageVideo(t), Options{FFmpegPath: bin, Logger: quietLogger})
	require.NoError(t, err)
	defer dec.Close()

	_, err = dec.ReadFrame()
	assert.Equal(t, io.EOF, err)
}

func TestOpenTimesOutWithoutFirstFrame(t *testing.T) {
	bin := fakeFFmpeg(t, "exec sleep 30")

	start := time.Now()
	_, err := Open(context.Background(), garbageVideo(t), Options{
		FFmpegPath:  bin,
		OpenTimeout: 200 * time.Millisecond,
		Logger:      quietLogger,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no frame")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestFFmpegCloseIsIdempotent(t *testing.T) {
	bin := fakeFFmpeg(t, "exec sleep 30")

	d, err := StartFFmpeg(bin, garbageVideo(t), Options{Logger: quietLogger})
	require.NoError(t, err)

	read := make(chan error, 1)
	go func() {
		_, err := d.ReadFrame()
		read <- err
	}()

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	select {
	case err := <-read:
		assert.Equal(t, io.EOF, err)
	case <-time.After(5 * time.Second):
		t.Fatal("ReadFrame was not unblocked by Close")
	}
}

// stubClassifier satisfies pipeline.Classifier without doing any work.
type stubClassifier struct {
	mu  sync.Mutex
	cfg pipeline.ModelConfig
}

func (c *stubClassifier) Classify(ctx context.Context, clip pipeline.Clip) (pipeline.Label, error) {
	return pipeline.Label{ClassName: "NonViolence", Confidence: 1}, nil
}

func (c *stubClassifier) Update(ctx context.Context, cfg pipeline.ModelConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
	return nil
}

func (c *stubClassifier) Config() pipeline.ModelConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

func TestControllerRejectsUndecodableFile(t *testing.T) {
	bin := fakeFFmpeg(t, `echo "Invalid data found when processing input" >&2
exit 1`)
	c := pipeline.NewController(&stubClassifier{}, pipeline.ControllerOptions{
		Open:   NewOpener(Options{FFmpegPath: bin, Logger: quietLogger}),
		Logger: quietLogger,
	})

	id, err := c.Start(context.Background(), pipeline.PipelineConfig{
		Source: garbageVideo(t),
		Model:  pipeline.ModelConfig{ClipSize: 4, Memory: 1, Threshold: 70},
	})
	assert.ErrorIs(t, err, pipeline.ErrSourceOpen)
	assert.Contains(t, err.Error(), "Invalid data found")
	assert.Empty(t, id)
	assert.Equal(t, pipeline.StateIdle, c.State())
}
