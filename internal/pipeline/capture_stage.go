package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log"
	"sync"
	"time"

	"golang.org/x/image/draw"
)

// DefaultFirstFrameTimeout bounds how long ReadClip waits on a pull source
// that has not produced a single frame yet.
const DefaultFirstFrameTimeout = 10 * time.Second

// DefaultCaptureCapacity is the queue bound of a stage created without one.
const DefaultCaptureCapacity = 256

// CaptureOptions tunes a CaptureStage. Zero values select defaults.
type CaptureOptions struct {
	FirstFrameTimeout time.Duration
	RateWindow        int
	// Capacity bounds the frame queue. A pull source blocks while the queue
	// is full; in trigger mode the oldest frame is dropped.
	Capacity int
	Logger   *log.Logger
}

// CaptureStage owns the queue of captured frames. In pull mode a background
// goroutine decodes frames from a Decoder; in trigger mode an outside caller
// pushes frames with TriggerCapture.
type CaptureStage struct {
	mu       sync.Mutex
	notify   *signal
	queue    []*Frame
	produced uint64
	live     bool
	stopped  bool
	started  bool
	readErr  error
	capacity int
	dropped  uint64

	decoder Decoder
	trigger bool

	done      chan struct{}
	stopOnce  sync.Once
	closeOnce sync.Once

	rate              *RateTracker
	created           time.Time
	firstFrameTimeout time.Duration
	logger            *log.Logger
}

// NewCaptureStage creates a pull-mode stage reading from dec. Call Start to
// launch the capture goroutine.
func NewCaptureStage(dec Decoder, opts CaptureOptions) *CaptureStage {
	c := newCaptureStage(opts)
	c.decoder = dec
	return c
}

// NewTriggerCaptureStage creates a push-mode stage fed by TriggerCapture.
func NewTriggerCaptureStage(opts CaptureOptions) *CaptureStage {
	c := newCaptureStage(opts)
	c.trigger = true
	return c
}

func newCaptureStage(opts CaptureOptions) *CaptureStage {
	if opts.FirstFrameTimeout <= 0 {
		opts.FirstFrameTimeout = DefaultFirstFrameTimeout
	}
	if opts.RateWindow <= 0 {
		opts.RateWindow = 30
	}
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCaptureCapacity
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &CaptureStage{
		notify:            newSignal(),
		live:              true,
		done:              make(chan struct{}),
		rate:              NewRateTracker(opts.RateWindow),
		created:           time.Now(),
		firstFrameTimeout: opts.FirstFrameTimeout,
		capacity:          opts.Capacity,
		logger:            opts.Logger,
	}
}

// Start launches the capture goroutine. It does nothing in trigger mode or
// when the stage was already started or stopped.
func (c *CaptureStage) Start() {
	c.mu.Lock()
	if c.trigger || c.started || c.stopped {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	go c.run()
}

func (c *CaptureStage) run() {
	defer close(c.done)
	defer c.release()

	c.logger.Printf("[Capture] Capture loop started")

	for {
		if !c.waitForRoom() {
			break
		}

		img, err := c.decoder.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) && !c.isStopped() {
				c.logger.Printf("[Capture] Error reading frame: %v", err)
				c.mu.Lock()
				c.readErr = err
				c.mu.Unlock()
			}
			break
		}
		c.push(img)
	}

	c.mu.Lock()
	c.live = false
	produced := c.produced
	c.notify.broadcast()
	c.mu.Unlock()

	c.logger.Printf("[Capture] Capture loop ended after %d frames", produced)
}

// waitForRoom blocks while the queue is full. It reports false once the
// stage is stopped.
func (c *CaptureStage) waitForRoom() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.queue) >= c.capacity && !c.stopped {
		ch := c.notify.wait()
		c.mu.Unlock()
		sleepOn(context.Background(), ch, pollInterval)
		c.mu.Lock()
	}
	return !c.stopped
}

// TriggerCapture injects one frame in trigger mode. The image is normalized
// to RGBA here so later stages never deal with foreign color layouts.
func (c *CaptureStage) TriggerCapture(img image.Image) error {
	if img == nil {
		return errors.New("nil frame")
	}
	if !c.trigger {
		return errors.New("capture stage is not in trigger mode")
	}
	if c.isStopped() {
		return ErrNotRunning
	}
	c.push(img)
	return nil
}

func (c *CaptureStage) push(img image.Image) {
	frame := &Frame{
		Image:     ToRGBA(img),
		Timestamp: time.Now(),
	}

	c.mu.Lock()
	if len(c.queue) >= c.capacity {
		// Only reachable in trigger mode, pull mode waits for room.
		c.queue[0] = nil
		c.queue = c.queue[1:]
		c.dropped++
	}
	c.produced++
	frame.Seq = c.produced
	c.queue = append(c.queue, frame)
	c.rate.Record()
	c.notify.broadcast()
	c.mu.Unlock()

	if frame.Seq%100 == 0 {
		c.logger.Printf("[Capture] frame %d, %.1f fps", frame.Seq, c.rate.Rate(1))
	}
}

// ReadClip dequeues up to n frames in arrival order, waiting until n frames
// are queued, the source stops being live, or the stage is stopped. A short
// read is padded by repeating its own frames cyclically, so the returned clip
// always holds exactly n frames.
func (c *CaptureStage) ReadClip(ctx context.Context, n int) (Clip, error) {
	if n <= 0 {
		return nil, fmt.Errorf("clip size must be > 0, got %d", n)
	}

	c.mu.Lock()
	for len(c.queue) < n && len(c.queue) < c.capacity && c.live && !c.stopped {
		if !c.trigger && c.produced == 0 && time.Since(c.created) > c.firstFrameTimeout {
			break
		}
		ch := c.notify.wait()
		c.mu.Unlock()
		ok := sleepOn(ctx, ch, pollInterval)
		c.mu.Lock()
		if !ok {
			c.mu.Unlock()
			return nil, ctx.Err()
		}
	}

	k := min(n, len(c.queue))
	clip := make(Clip, k, n)
	copy(clip, c.queue[:k])
	for i := 0; i < k; i++ {
		c.queue[i] = nil
	}
	c.queue = c.queue[k:]
	produced := c.produced
	readErr := c.readErr
	if k > 0 {
		c.notify.broadcast()
	}
	c.mu.Unlock()

	if k == 0 {
		if produced == 0 {
			if readErr != nil {
				return nil, fmt.Errorf("%w: %w", ErrEmptySource, readErr)
			}
			return nil, ErrEmptySource
		}
		return nil, ErrNoFrames
	}
	return PadClip(clip, n), nil
}

// PadClip extends clip to n frames by repeating it from the front, e.g.
// [a b c] padded to 7 is [a b c a b c a]. Clips already n long or longer are
// returned unchanged.
func PadClip(clip Clip, n int) Clip {
	k := len(clip)
	if k == 0 || k >= n {
		return clip
	}
	for i := k; i < n; i++ {
		clip = append(clip, clip[i%k])
	}
	return clip
}

// IsFlowing reports whether frames may still be read: the source is live or
// frames remain queued.
func (c *CaptureStage) IsFlowing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live || len(c.queue) > 0
}

// FPS returns the capture rate in frames per second, or RateUnknown.
func (c *CaptureStage) FPS() float64 {
	return c.rate.Rate(1)
}

// Len returns the number of queued frames.
func (c *CaptureStage) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Capacity returns the queue bound.
func (c *CaptureStage) Capacity() int {
	return c.capacity
}

// Dropped returns the number of trigger frames discarded on a full queue.
func (c *CaptureStage) Dropped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Produced returns the number of frames captured so far.
func (c *CaptureStage) Produced() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.produced
}

// IsTrigger reports whether the stage is in trigger mode.
func (c *CaptureStage) IsTrigger() bool {
	return c.trigger
}

// Stop signals the capture goroutine, waits for it to exit and releases the
// source. Safe to call more than once and from several goroutines.
func (c *CaptureStage) Stop() {
	var started bool
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.stopped = true
		if c.trigger {
			c.live = false
		}
		c.notify.broadcast()
		c.mu.Unlock()

		// Unblocks a ReadFrame in flight; the decoder is released at most once.
		c.release()
	})

	c.mu.Lock()
	started = c.started
	c.mu.Unlock()
	if started {
		<-c.done
	}
}

func (c *CaptureStage) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

func (c *CaptureStage) release() {
	if c.decoder == nil {
		return
	}
	c.closeOnce.Do(func() {
		if err := c.decoder.Close(); err != nil {
			c.logger.Printf("[Capture] Error releasing source: %v", err)
		}
	})
}

// ToRGBA returns img as *image.RGBA, copying unless it already is one.
func ToRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}
