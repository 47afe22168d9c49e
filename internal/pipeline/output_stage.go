package pipeline

import (
	"context"
	"image"
	"image/color"
	"iter"
	"log"
	"sync"
	"time"

	"golang.org/x/image/draw"
)

// DefaultTargetFPS is the playback rate of the output stage.
const DefaultTargetFPS = 30

// Annotator renders a label onto a frame for display. It must not modify the
// frame; the same frame may appear several times in a padded clip.
type Annotator func(frame *Frame, label Label) *image.RGBA

// OutputOptions tunes an OutputStage. Zero values select defaults.
type OutputOptions struct {
	TargetFPS   float64
	Annotate    Annotator
	BlankWidth  int
	BlankHeight int
	RateWindow  int
	Logger      *log.Logger
}

type outputItem struct {
	frame *Frame
	label Label
}

// OutputStage buffers classified frames and emits them at a fixed rate once
// started. Stop (End) drains the buffer before finishing; Terminate aborts
// immediately and discards whatever is still queued.
type OutputStage struct {
	mu     sync.Mutex
	notify *signal
	queue  []outputItem

	startRequested     bool
	stopRequested      bool
	terminateRequested bool
	terminated         chan struct{}
	startTimer         *time.Timer

	spf      time.Duration
	annotate Annotator
	blankW   int
	blankH   int

	rate      *RateTracker
	emitted   uint64
	lastLabel *Label
	logger    *log.Logger
}

// NewOutputStage creates an idle output stage.
func NewOutputStage(opts OutputOptions) *OutputStage {
	if opts.TargetFPS <= 0 {
		opts.TargetFPS = DefaultTargetFPS
	}
	if opts.BlankWidth <= 0 || opts.BlankHeight <= 0 {
		opts.BlankWidth, opts.BlankHeight = 1280, 720
	}
	if opts.RateWindow <= 0 {
		opts.RateWindow = 10
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &OutputStage{
		notify:     newSignal(),
		terminated: make(chan struct{}),
		spf:        time.Duration(float64(time.Second) / opts.TargetFPS),
		annotate:   opts.Annotate,
		blankW:     opts.BlankWidth,
		blankH:     opts.BlankHeight,
		rate:       NewRateTracker(opts.RateWindow),
		logger:     opts.Logger,
	}
}

// SecondsPerFrame returns the target interval between emissions.
func (o *OutputStage) SecondsPerFrame() time.Duration {
	return o.spf
}

// ReadOutput queues every frame of clip paired with label.
func (o *OutputStage) ReadOutput(clip Clip, label Label) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.terminateRequested {
		return
	}
	for _, f := range clip {
		o.queue = append(o.queue, outputItem{frame: f, label: label})
	}
	o.notify.broadcast()
}

// Start begins emission now.
func (o *OutputStage) Start() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.terminateRequested {
		return
	}
	if o.startTimer != nil {
		o.startTimer.Stop()
		o.startTimer = nil
	}
	if !o.startRequested {
		o.startRequested = true
		o.notify.broadcast()
	}
}

// StartAfterDelay schedules Start after d without blocking. A later call
// replaces the pending schedule. It does nothing once started or terminated.
func (o *OutputStage) StartAfterDelay(d time.Duration) {
	if d <= 0 {
		o.Start()
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.startRequested || o.terminateRequested {
		return
	}
	if o.startTimer != nil {
		o.startTimer.Stop()
	}
	o.startTimer = time.AfterFunc(d, o.Start)
}

// End tells the stage no more input is coming. Queued frames are still emitted.
func (o *OutputStage) End() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.stopRequested = true
	o.notify.broadcast()
}

// Terminate aborts emission and discards queued frames. It takes priority
// over End and cancels a pending delayed start.
func (o *OutputStage) Terminate() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.terminateRequested {
		return
	}
	o.terminateRequested = true
	if o.startTimer != nil {
		o.startTimer.Stop()
		o.startTimer = nil
	}
	dropped := len(o.queue)
	o.queue = nil
	close(o.terminated)
	o.notify.broadcast()

	if dropped > 0 {
		o.logger.Printf("[Output] Terminated with %d frames discarded", dropped)
	}
}

// Started reports whether emission has been started.
func (o *OutputStage) Started() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.startRequested
}

// Pending returns the number of frames waiting to be emitted.
func (o *OutputStage) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

// Emitted returns the number of frames emitted so far.
func (o *OutputStage) Emitted() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.emitted
}

// LastLabel returns the label of the most recently emitted frame.
func (o *OutputStage) LastLabel() (Label, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lastLabel == nil {
		return Label{}, false
	}
	return *o.lastLabel, true
}

// FPS returns the measured playback rate, or RateUnknown.
func (o *OutputStage) FPS() float64 {
	return o.rate.Rate(1)
}

type dequeueResult int

const (
	dequeued dequeueResult = iota
	drained
	aborted
)

// FrameStream returns the paced emission sequence. It waits for Start (or
// yields nothing if terminated first), then yields one annotated frame per
// target period. After End it drains the queue and yields a single blank
// EndOfStream frame; after Terminate it stops without one. Iteration also
// stops when ctx is done or the consumer breaks out of the loop.
//
// The stage supports a single consumer.
func (o *OutputStage) FrameStream(ctx context.Context) iter.Seq[AnnotatedFrame] {
	return func(yield func(AnnotatedFrame) bool) {
		if !o.awaitStart(ctx) {
			return
		}

		next := time.Now()
		var last Label

		for {
			item, res := o.dequeue(ctx)
			switch res {
			case aborted:
				return
			case drained:
				yield(AnnotatedFrame{
					Image:       o.blank(),
					Label:       last,
					EndOfStream: true,
				})
				return
			}

			now := time.Now()
			if wait := next.Sub(now); wait > 0 {
				if !o.pause(ctx, wait) {
					return
				}
				now = time.Now()
			}
			// A stall of more than one period resets the schedule instead of
			// bursting queued frames to catch up.
			if now.Sub(next) > o.spf {
				next = now.Add(o.spf)
			} else {
				next = next.Add(o.spf)
			}

			o.rate.Record()
			last = item.label

			img := item.frame.Image
			if o.annotate != nil {
				img = o.annotate(item.frame, item.label)
			}

			o.mu.Lock()
			if o.terminateRequested {
				o.mu.Unlock()
				return
			}
			o.emitted++
			o.lastLabel = &last
			o.mu.Unlock()

			if !yield(AnnotatedFrame{Image: img, Label: item.label, Source: item.frame}) {
				return
			}
		}
	}
}

// awaitStart blocks until Start or Terminate. It reports whether to emit.
func (o *OutputStage) awaitStart(ctx context.Context) bool {
	o.mu.Lock()
	for !o.startRequested && !o.terminateRequested {
		ch := o.notify.wait()
		o.mu.Unlock()
		if !sleepOn(ctx, ch, pollInterval) {
			return false
		}
		o.mu.Lock()
	}
	terminated := o.terminateRequested
	o.mu.Unlock()
	return !terminated
}

func (o *OutputStage) dequeue(ctx context.Context) (outputItem, dequeueResult) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for len(o.queue) == 0 && !o.stopRequested && !o.terminateRequested {
		ch := o.notify.wait()
		o.mu.Unlock()
		ok := sleepOn(ctx, ch, pollInterval)
		o.mu.Lock()
		if !ok {
			return outputItem{}, aborted
		}
	}

	if o.terminateRequested {
		return outputItem{}, aborted
	}
	if len(o.queue) == 0 {
		return outputItem{}, drained
	}

	item := o.queue[0]
	o.queue[0] = outputItem{}
	o.queue = o.queue[1:]
	return item, dequeued
}

// pause sleeps for d unless terminated or ctx is done first.
func (o *OutputStage) pause(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-o.terminated:
		return false
	case <-ctx.Done():
		return false
	}
}

func (o *OutputStage) blank() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, o.blankW, o.blankH))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)
	return img
}
