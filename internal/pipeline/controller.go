package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"iter"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultCaptureClips is the capture queue bound, in clips, used when
// Capture.Capacity is unset.
const DefaultCaptureClips = 4

// ControllerOptions configures a Controller. Zero values select defaults.
type ControllerOptions struct {
	// Open opens pull-mode sources. Required unless only SourceLive is used.
	Open SourceOpener
	// Recorder, when set, is told about every run start and finish.
	Recorder RunRecorder
	// Annotate draws labels onto emitted frames.
	Annotate Annotator

	TargetFPS float64
	// WarmupSamples is the number of clip timings required before the
	// output start delay is trusted.
	WarmupSamples int
	// DelayHorizon is passed to CalculateDelay.
	DelayHorizon int
	// ProcessingWindow is the number of clip timings averaged for the
	// processing rate.
	ProcessingWindow int

	Capture CaptureOptions
	Output  OutputOptions
	Logger  *log.Logger
}

// RunInfo identifies a run.
type RunInfo struct {
	ID        string
	Source    string
	Model     ModelConfig
	StartedAt time.Time
}

// RunSummary is reported when a run's control loop exits.
type RunSummary struct {
	RunInfo
	EndedAt        time.Time
	Clips          uint64
	FramesCaptured uint64
	ProcessingFPS  float64
	CaptureFPS     float64
	StreamingDelay float64
	LastLabel      *Label
	Err            error
}

// Controller runs one capture, classification and output pipeline at a
// time. Starting a new run always tears the previous one down first.
type Controller struct {
	classifier Classifier
	opts       ControllerOptions
	logger     *log.Logger

	lifecycle sync.Mutex // serializes Start and End

	mu      sync.RWMutex
	current *run
	lastErr error
}

type run struct {
	info       RunInfo
	cfg        PipelineConfig
	clipSize   int
	capture    *CaptureStage
	output     *OutputStage
	processing *RateTracker
	cancel     context.CancelFunc
	done       chan struct{}

	mu             sync.Mutex
	state          State
	clips          uint64
	delay          time.Duration
	delayKnown     bool
	startScheduled bool
	err            error
}

// NewController creates an idle controller around classifier.
func NewController(classifier Classifier, opts ControllerOptions) *Controller {
	if opts.TargetFPS <= 0 {
		opts.TargetFPS = DefaultTargetFPS
	}
	if opts.WarmupSamples <= 0 {
		opts.WarmupSamples = 1
	}
	if opts.DelayHorizon <= 0 {
		opts.DelayHorizon = DefaultDelayHorizon
	}
	if opts.ProcessingWindow <= 0 {
		opts.ProcessingWindow = 10
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Capture.Logger == nil {
		opts.Capture.Logger = opts.Logger
	}
	if opts.Output.Logger == nil {
		opts.Output.Logger = opts.Logger
	}
	opts.Output.TargetFPS = opts.TargetFPS
	if opts.Annotate != nil {
		opts.Output.Annotate = opts.Annotate
	}

	return &Controller{
		classifier: classifier,
		opts:       opts,
		logger:     opts.Logger,
	}
}

// Start ends any active run, applies cfg.Model to the classifier, opens the
// source and launches the control loop. It returns once the new run is
// running; the source failing to open is reported here and no run begins.
func (c *Controller) Start(ctx context.Context, cfg PipelineConfig) (string, error) {
	if err := cfg.Validate(); err != nil {
		removeTempSource(cfg, c.logger)
		return "", err
	}

	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.endLocked()

	if err := c.classifier.Update(ctx, cfg.Model); err != nil {
		removeTempSource(cfg, c.logger)
		return "", &ClassifierError{Err: fmt.Errorf("apply model config: %w", err)}
	}

	captureOpts := c.captureOptions(c.classifier.Config().ClipSize)
	var capture *CaptureStage
	if cfg.IsLive() {
		capture = NewTriggerCaptureStage(captureOpts)
	} else {
		if c.opts.Open == nil {
			removeTempSource(cfg, c.logger)
			return "", fmt.Errorf("%w: no source opener configured", ErrSourceOpen)
		}
		dec, err := c.opts.Open(ctx, cfg.Source)
		if err != nil {
			removeTempSource(cfg, c.logger)
			return "", fmt.Errorf("%w: %s: %v", ErrSourceOpen, cfg.Source, err)
		}
		capture = NewCaptureStage(dec, captureOpts)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{
		info: RunInfo{
			ID:        uuid.NewString(),
			Source:    cfg.Source,
			Model:     c.classifier.Config(),
			StartedAt: time.Now(),
		},
		cfg:        cfg,
		clipSize:   c.classifier.Config().ClipSize,
		capture:    capture,
		output:     NewOutputStage(c.opts.Output),
		processing: NewRateTracker(c.opts.ProcessingWindow),
		cancel:     cancel,
		done:       make(chan struct{}),
		state:      StateRunning,
	}

	c.mu.Lock()
	c.current = r
	c.lastErr = nil
	c.mu.Unlock()

	if c.opts.Recorder != nil {
		if err := c.opts.Recorder.RunStarted(ctx, r.info); err != nil {
			c.logger.Printf("[Pipeline] Failed to record run start %s: %v", r.info.ID, err)
		}
	}

	capture.Start()
	go c.loop(runCtx, r)

	c.logger.Printf("[Pipeline] Started run %s (source: %s, clip size: %d, memory: %d, threshold: %d)",
		r.info.ID, cfg.Source, r.clipSize, cfg.Model.Memory, cfg.Model.Threshold)
	return r.info.ID, nil
}

// captureOptions bounds the capture queue to whole clips. The queue must
// hold at least one clip or ReadClip could never fill it.
func (c *Controller) captureOptions(clipSize int) CaptureOptions {
	opts := c.opts.Capture
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCaptureClips * clipSize
	}
	if opts.Capacity < clipSize {
		opts.Capacity = clipSize
	}
	return opts
}

// loop is the control loop of one run: read clip, classify, forward, retime.
func (c *Controller) loop(ctx context.Context, r *run) {
	defer close(r.done)

	r.processing.SetStart()
	r.processing.Record()

	for r.capture.IsFlowing() && ctx.Err() == nil {
		clip, err := r.capture.ReadClip(ctx, r.clipSize)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, ErrNoFrames) {
				c.logger.Printf("[Pipeline] Run %s: %v", r.info.ID, err)
				r.setErr(err)
			}
			break
		}

		label, err := c.classifier.Classify(ctx, clip)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Printf("[Pipeline] Run %s: classification failed: %v", r.info.ID, err)
				r.setErr(&ClassifierError{Err: err})
			}
			break
		}

		r.output.ReadOutput(clip, label)
		r.processing.Record()
		r.addClip()

		if r.processing.HasAtLeast(c.opts.WarmupSamples) {
			delay := CalculateDelay(
				r.processing.Average(),
				r.output.SecondsPerFrame(),
				r.clipSize,
				c.opts.DelayHorizon,
				r.processing.Elapsed(),
			)
			r.setDelay(delay)
			r.output.StartAfterDelay(delay)
		} else if !r.capture.IsFlowing() {
			// The source ended before a timing sample could be taken.
			r.setDelay(0)
			r.output.Start()
		}
	}

	r.setState(StateDraining)

	if !r.output.Started() && !r.hasDelay() {
		r.output.Start()
	}
	r.output.End()
	r.capture.Stop()
	removeTempSource(r.cfg, c.logger)

	summary := r.summary()
	if c.opts.Recorder != nil {
		if err := c.opts.Recorder.RunFinished(context.Background(), summary); err != nil {
			c.logger.Printf("[Pipeline] Failed to record run finish %s: %v", r.info.ID, err)
		}
	}

	r.setState(StateIdle)
	c.logger.Printf("[Pipeline] Run %s control loop exited after %d clips", r.info.ID, summary.Clips)
}

// End stops the active run: the control loop is cancelled, output is
// terminated without draining and the capture source is released. It
// returns once every goroutine of the run has exited. Calling End while idle
// does nothing.
func (c *Controller) End() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	c.endLocked()
}

func (c *Controller) endLocked() {
	c.mu.RLock()
	r := c.current
	c.mu.RUnlock()
	if r == nil {
		return
	}

	r.cancel()
	r.output.Terminate()
	r.capture.Stop()
	<-r.done

	c.mu.Lock()
	c.current = nil
	c.lastErr = r.getErr()
	c.mu.Unlock()

	c.logger.Printf("[Pipeline] Ended run %s", r.info.ID)
}

// Wait blocks until the active run's control loop exits or ctx is done.
func (c *Controller) Wait(ctx context.Context) error {
	r := c.active()
	if r == nil {
		return nil
	}
	select {
	case <-r.done:
		return r.getErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FrameStream returns the active run's paced output. With no active run the
// sequence is empty.
func (c *Controller) FrameStream(ctx context.Context) iter.Seq[AnnotatedFrame] {
	r := c.active()
	if r == nil {
		return func(func(AnnotatedFrame) bool) {}
	}
	return r.output.FrameStream(ctx)
}

// TriggerCapture forwards a pushed frame to the active run. It returns
// ErrNotRunning when no trigger-mode run is active.
func (c *Controller) TriggerCapture(img image.Image) error {
	r := c.active()
	if r == nil {
		return ErrNotRunning
	}
	if !r.capture.IsTrigger() {
		return fmt.Errorf("%w: active run reads from %s", ErrNotRunning, r.cfg.Source)
	}
	return r.capture.TriggerCapture(img)
}

// State returns the state of the active run, or StateIdle.
func (c *Controller) State() State {
	r := c.active()
	if r == nil {
		return StateIdle
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// RunID returns the active run id, or "".
func (c *Controller) RunID() string {
	r := c.active()
	if r == nil {
		return ""
	}
	return r.info.ID
}

// LastError returns the error that ended the active or most recent run.
func (c *Controller) LastError() error {
	c.mu.RLock()
	r, lastErr := c.current, c.lastErr
	c.mu.RUnlock()
	if r != nil {
		return r.getErr()
	}
	return lastErr
}

// ModelConfig returns the classifier config currently in effect.
func (c *Controller) ModelConfig() ModelConfig {
	return c.classifier.Config()
}

// PlaybackFPS returns the measured output rate, or RateUnknown.
func (c *Controller) PlaybackFPS() float64 {
	r := c.active()
	if r == nil {
		return RateUnknown
	}
	return r.output.FPS()
}

// ProcessingFPS returns frames classified per second, or RateUnknown.
func (c *Controller) ProcessingFPS() float64 {
	r := c.active()
	if r == nil {
		return RateUnknown
	}
	return r.processing.Rate(r.clipSize)
}

// CaptureFPS returns the capture rate, or RateUnknown.
func (c *Controller) CaptureFPS() float64 {
	r := c.active()
	if r == nil {
		return RateUnknown
	}
	return r.capture.FPS()
}

// StreamingDelay returns the computed output start delay in seconds, or
// RateUnknown before it has been computed.
func (c *Controller) StreamingDelay() float64 {
	r := c.active()
	if r == nil {
		return RateUnknown
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.delayKnown {
		return RateUnknown
	}
	return r.delay.Seconds()
}

// Metrics returns a snapshot of every live measurement.
func (c *Controller) Metrics() Metrics {
	m := Metrics{
		State:          c.State(),
		PlaybackFPS:    c.PlaybackFPS(),
		ProcessingFPS:  c.ProcessingFPS(),
		CaptureFPS:     c.CaptureFPS(),
		StreamingDelay: c.StreamingDelay(),
	}
	if r := c.active(); r != nil {
		m.RunID = r.info.ID
		r.mu.Lock()
		m.Clips = r.clips
		r.mu.Unlock()
		if l, ok := r.output.LastLabel(); ok {
			m.LastLabel = &l
		}
	}
	return m
}

func (c *Controller) active() *run {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

func (r *run) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *run) setErr(err error) {
	r.mu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.mu.Unlock()
}

func (r *run) getErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *run) addClip() {
	r.mu.Lock()
	r.clips++
	r.mu.Unlock()
}

func (r *run) setDelay(d time.Duration) {
	r.mu.Lock()
	r.delay = d
	r.delayKnown = true
	r.startScheduled = true
	r.mu.Unlock()
}

func (r *run) hasDelay() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startScheduled
}

func (r *run) summary() RunSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := RunSummary{
		RunInfo:        r.info,
		EndedAt:        time.Now(),
		Clips:          r.clips,
		FramesCaptured: r.capture.Produced(),
		ProcessingFPS:  r.processing.Rate(r.clipSize),
		CaptureFPS:     r.capture.FPS(),
		StreamingDelay: RateUnknown,
		Err:            r.err,
	}
	if r.delayKnown {
		s.StreamingDelay = r.delay.Seconds()
	}
	if l, ok := r.output.LastLabel(); ok {
		s.LastLabel = &l
	}
	return s
}

func removeTempSource(cfg PipelineConfig, logger *log.Logger) {
	if !cfg.TempSource || cfg.Source == "" || cfg.IsLive() {
		return
	}
	if err := os.Remove(cfg.Source); err != nil && !os.IsNotExist(err) {
		logger.Printf("[Pipeline] Failed to remove temporary source %s: %v", cfg.Source, err)
	}
}
