package pipeline

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"io/fs"
	"log"
	"sync"
	"time"
)

var quietLogger = log.New(io.Discard, "", 0)

func testImage(shade uint8) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.SetRGBA(x, y, color.RGBA{R: shade, G: shade, B: shade, A: 255})
		}
	}
	return img
}

func testFrames(n int) Clip {
	clip := make(Clip, n)
	for i := range clip {
		clip[i] = &Frame{Image: testImage(uint8(i)), Seq: uint64(i + 1), Timestamp: time.Now()}
	}
	return clip
}

// fakeDecoder yields count frames, or frames forever when count < 0.
type fakeDecoder struct {
	count    int
	interval time.Duration
	openErr  error

	mu      sync.Mutex
	read    int
	closes  int
	closed  chan struct{}
	closeMu sync.Once
}

func newFakeDecoder(count int, interval time.Duration) *fakeDecoder {
	return &fakeDecoder{count: count, interval: interval, closed: make(chan struct{})}
}

func (d *fakeDecoder) ReadFrame() (image.Image, error) {
	if d.interval > 0 {
		select {
		case <-time.After(d.interval):
		case <-d.closed:
			return nil, io.EOF
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	select {
	case <-d.closed:
		return nil, io.EOF
	default:
	}
	if d.count >= 0 && d.read >= d.count {
		return nil, io.EOF
	}
	d.read++
	return testImage(uint8(d.read)), nil
}

func (d *fakeDecoder) Close() error {
	d.mu.Lock()
	d.closes++
	d.mu.Unlock()
	d.closeMu.Do(func() { close(d.closed) })
	return nil
}

func (d *fakeDecoder) Closed() bool {
	select {
	case <-d.closed:
		return true
	default:
		return false
	}
}

func (d *fakeDecoder) opener() SourceOpener {
	return func(ctx context.Context, source string) (Decoder, error) {
		if d.openErr != nil {
			return nil, d.openErr
		}
		return d, nil
	}
}

// errDecoder fails every read.
type errDecoder struct{}

func (errDecoder) ReadFrame() (image.Image, error) { return nil, fs.ErrNotExist }
func (errDecoder) Close() error                    { return nil }

// fakeClassifier returns a fixed label after an optional delay.
type fakeClassifier struct {
	mu       sync.Mutex
	cfg      ModelConfig
	label    Label
	delay    time.Duration
	err      error
	clipLens []int
	updates  int
}

func newFakeClassifier(clipSize int) *fakeClassifier {
	return &fakeClassifier{
		cfg:   ModelConfig{ClipSize: clipSize, Memory: 1, Threshold: 70},
		label: Label{ClassName: "NonViolence", Confidence: 0.9},
	}
}

func (c *fakeClassifier) Classify(ctx context.Context, clip Clip) (Label, error) {
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return Label{}, ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.clipLens = append(c.clipLens, len(clip))
	if c.err != nil {
		return Label{}, c.err
	}
	return c.label, nil
}

func (c *fakeClassifier) Update(ctx context.Context, cfg ModelConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates++
	c.cfg = cfg
	return nil
}

func (c *fakeClassifier) Config() ModelConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

func (c *fakeClassifier) ClipLens() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.clipLens...)
}

type fakeRecorder struct {
	mu       sync.Mutex
	started  []RunInfo
	finished []RunSummary
}

func (r *fakeRecorder) RunStarted(ctx context.Context, run RunInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, run)
	return nil
}

func (r *fakeRecorder) RunFinished(ctx context.Context, summary RunSummary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, summary)
	return nil
}

func (r *fakeRecorder) Finished() []RunSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RunSummary(nil), r.finished...)
}

var errBoom = errors.New("boom")

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func collect(seq func(func(AnnotatedFrame) bool)) []AnnotatedFrame {
	var out []AnnotatedFrame
	for f := range seq {
		out = append(out, f)
	}
	return out
}
