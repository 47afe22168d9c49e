package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testModel(clipSize int) ModelConfig {
	return ModelConfig{ClipSize: clipSize, Memory: 2, Threshold: 70}
}

func newTestController(cls Classifier, dec *fakeDecoder, rec RunRecorder) *Controller {
	opts := ControllerOptions{
		TargetFPS: 200,
		Recorder:  rec,
		Logger:    quietLogger,
	}
	if dec != nil {
		opts.Open = dec.opener()
	}
	return NewController(cls, opts)
}

func waitCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestControllerIdleMetrics(t *testing.T) {
	c := newTestController(newFakeClassifier(4), nil, nil)

	assert.Equal(t, StateIdle, c.State())
	assert.Equal(t, RateUnknown, c.PlaybackFPS())
	assert.Equal(t, RateUnknown, c.ProcessingFPS())
	assert.Equal(t, RateUnknown, c.CaptureFPS())
	assert.Equal(t, RateUnknown, c.StreamingDelay())
	assert.Empty(t, c.RunID())
	assert.Empty(t, collect(c.FrameStream(context.Background())))
	assert.ErrorIs(t, c.TriggerCapture(testImage(1)), ErrNotRunning)

	c.End() // idle End is a no-op
}

func TestControllerRunsVideoToCompletion(t *testing.T) {
	cls := newFakeClassifier(4)
	dec := newFakeDecoder(10, 0)
	rec := &fakeRecorder{}
	c := newTestController(cls, dec, rec)

	id, err := c.Start(context.Background(), PipelineConfig{Source: "clip.mp4", Model: testModel(4)})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, id, c.RunID())

	frames := collect(c.FrameStream(waitCtx(t)))

	// 10 frames in clips of 4: the last clip is padded to 4.
	require.Len(t, frames, 13)
	assert.True(t, frames[12].EndOfStream)
	for _, f := range frames[:12] {
		assert.Equal(t, "NonViolence", f.Label.ClassName)
	}
	assert.Equal(t, []int{4, 4, 4}, cls.ClipLens())

	require.NoError(t, c.Wait(waitCtx(t)))
	assert.Equal(t, StateIdle, c.State())
	assert.True(t, dec.Closed())
	assert.GreaterOrEqual(t, c.StreamingDelay(), 0.0)

	finished := rec.Finished()
	require.Len(t, finished, 1)
	assert.Equal(t, id, finished[0].ID)
	assert.Equal(t, uint64(3), finished[0].Clips)
	assert.Equal(t, uint64(10), finished[0].FramesCaptured)
	assert.NoError(t, finished[0].Err)
}

func TestControllerAppliesModelConfig(t *testing.T) {
	cls := newFakeClassifier(4)
	c := newTestController(cls, newFakeDecoder(3, 0), nil)

	_, err := c.Start(context.Background(), PipelineConfig{Source: "clip.mp4", Model: testModel(8)})
	require.NoError(t, err)
	collect(c.FrameStream(waitCtx(t)))

	assert.Equal(t, 8, c.ModelConfig().ClipSize)
	assert.Equal(t, []int{8}, cls.ClipLens())
}

func TestControllerSingleFlight(t *testing.T) {
	cls := newFakeClassifier(2)
	first := newFakeDecoder(-1, 5*time.Millisecond)
	second := newFakeDecoder(-1, 5*time.Millisecond)

	decoders := []*fakeDecoder{first, second}
	var mu sync.Mutex
	c := NewController(cls, ControllerOptions{
		TargetFPS: 200,
		Logger:    quietLogger,
		Open: func(ctx context.Context, source string) (Decoder, error) {
			mu.Lock()
			defer mu.Unlock()
			d := decoders[0]
			decoders = decoders[1:]
			return d, nil
		},
	})

	id1, err := c.Start(context.Background(), PipelineConfig{Source: "a.mp4", Model: testModel(2)})
	require.NoError(t, err)
	stream := c.FrameStream(waitCtx(t))

	id2, err := c.Start(context.Background(), PipelineConfig{Source: "b.mp4", Model: testModel(2)})
	require.NoError(t, err)

	assert.NotEqual(t, id1, id2)
	assert.True(t, first.Closed(), "previous source released before the new run")
	assert.False(t, second.Closed())
	assert.Equal(t, id2, c.RunID())

	// The old run's stream was terminated without an end-of-stream frame.
	for f := range stream {
		assert.False(t, f.EndOfStream)
	}

	c.End()
	assert.True(t, second.Closed())
	assert.Equal(t, StateIdle, c.State())
	assert.Empty(t, c.RunID())
}

func TestControllerEndUnblocksSlowClassifier(t *testing.T) {
	cls := newFakeClassifier(2)
	cls.delay = time.Hour
	dec := newFakeDecoder(-1, time.Millisecond)
	c := newTestController(cls, dec, nil)

	_, err := c.Start(context.Background(), PipelineConfig{Source: "cam", Model: testModel(2)})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		c.End()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("End did not return")
	}
	assert.NoError(t, c.LastError())
}

func TestControllerSourceOpenFailure(t *testing.T) {
	dec := newFakeDecoder(0, 0)
	dec.openErr = os.ErrNotExist

	tmp := filepath.Join(t.TempDir(), "upload.mp4")
	require.NoError(t, os.WriteFile(tmp, []byte("x"), 0o600))

	c := newTestController(newFakeClassifier(4), dec, nil)
	_, err := c.Start(context.Background(), PipelineConfig{Source: tmp, Model: testModel(4), TempSource: true})

	require.ErrorIs(t, err, ErrSourceOpen)
	assert.Equal(t, StateIdle, c.State())
	_, statErr := os.Stat(tmp)
	assert.True(t, os.IsNotExist(statErr), "temporary upload removed")
}

func TestControllerInvalidConfig(t *testing.T) {
	c := newTestController(newFakeClassifier(4), newFakeDecoder(1, 0), nil)

	_, err := c.Start(context.Background(), PipelineConfig{Source: "", Model: testModel(4)})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = c.Start(context.Background(), PipelineConfig{Source: "a.mp4", Model: ModelConfig{ClipSize: 0, Memory: 1}})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestControllerEmptySource(t *testing.T) {
	c := newTestController(newFakeClassifier(4), newFakeDecoder(0, 0), nil)

	_, err := c.Start(context.Background(), PipelineConfig{Source: "empty.mp4", Model: testModel(4)})
	require.NoError(t, err)

	frames := collect(c.FrameStream(waitCtx(t)))
	require.Len(t, frames, 1)
	assert.True(t, frames[0].EndOfStream)

	assert.ErrorIs(t, c.Wait(waitCtx(t)), ErrEmptySource)
	assert.ErrorIs(t, c.LastError(), ErrEmptySource)
}

func TestControllerClassifierFailure(t *testing.T) {
	cls := newFakeClassifier(2)
	cls.err = errBoom
	c := newTestController(cls, newFakeDecoder(10, 0), nil)

	_, err := c.Start(context.Background(), PipelineConfig{Source: "a.mp4", Model: testModel(2)})
	require.NoError(t, err)

	err = c.Wait(waitCtx(t))
	var clsErr *ClassifierError
	require.True(t, errors.As(err, &clsErr))
	assert.ErrorIs(t, err, errBoom)

	c.End()
	assert.ErrorIs(t, c.LastError(), errBoom)
}

func TestControllerTriggerCapture(t *testing.T) {
	cls := newFakeClassifier(3)
	c := newTestController(cls, nil, nil)

	_, err := c.Start(context.Background(), PipelineConfig{Source: SourceLive, Model: testModel(3)})
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		require.NoError(t, c.TriggerCapture(testImage(uint8(i))))
		time.Sleep(2 * time.Millisecond)
	}

	var got int
	for f := range c.FrameStream(waitCtx(t)) {
		require.False(t, f.EndOfStream)
		got++
		if got == 6 {
			break
		}
	}
	assert.Equal(t, 6, got)
	assert.Equal(t, StateRunning, c.State())
	assert.Greater(t, c.CaptureFPS(), 0.0)

	c.End()
	assert.ErrorIs(t, c.TriggerCapture(testImage(0)), ErrNotRunning)
}

func TestControllerTriggerRejectedForFileRun(t *testing.T) {
	c := newTestController(newFakeClassifier(2), newFakeDecoder(-1, 10*time.Millisecond), nil)
	_, err := c.Start(context.Background(), PipelineConfig{Source: "a.mp4", Model: testModel(2)})
	require.NoError(t, err)
	defer c.End()

	assert.ErrorIs(t, c.TriggerCapture(testImage(0)), ErrNotRunning)
}

func TestControllerMetricsWhileRunning(t *testing.T) {
	cls := newFakeClassifier(2)
	cls.delay = 10 * time.Millisecond
	c := newTestController(cls, newFakeDecoder(-1, 2*time.Millisecond), nil)

	_, err := c.Start(context.Background(), PipelineConfig{Source: "cam", Model: testModel(2)})
	require.NoError(t, err)
	defer c.End()

	for f := range c.FrameStream(waitCtx(t)) {
		if f.Source != nil && f.Source.Seq >= 6 {
			break
		}
	}

	m := c.Metrics()
	assert.Equal(t, StateRunning, m.State)
	assert.Equal(t, c.RunID(), m.RunID)
	assert.Greater(t, m.ProcessingFPS, 0.0)
	assert.Greater(t, m.CaptureFPS, 0.0)
	assert.GreaterOrEqual(t, m.StreamingDelay, 0.0)
	assert.NotZero(t, m.Clips)
	require.NotNil(t, m.LastLabel)
	assert.Equal(t, "NonViolence", m.LastLabel.ClassName)
}

func TestControllerCaptureCapacity(t *testing.T) {
	c := newTestController(newFakeClassifier(4), nil, nil)
	assert.Equal(t, 4*DefaultCaptureClips, c.captureOptions(4).Capacity)

	c.opts.Capture.Capacity = 2
	assert.Equal(t, 4, c.captureOptions(4).Capacity, "queue must hold a whole clip")

	c.opts.Capture.Capacity = 50
	assert.Equal(t, 50, c.captureOptions(4).Capacity)
}
