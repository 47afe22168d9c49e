package pipeline

import (
	"errors"
	"fmt"
	"image"
	"time"
)

// SourceLive selects push/trigger capture: frames are injected by an outside
// caller (webcam snapshots) instead of being decoded from a source.
const SourceLive = "live"

// RateUnknown is returned by rate and delay getters when nothing has been
// measured yet or no run is active.
const RateUnknown = -1.0

var (
	// ErrSourceOpen is returned by Start when the source cannot be opened.
	ErrSourceOpen = errors.New("source could not be opened")
	// ErrEmptySource is returned by ReadClip when the source never produced a frame.
	ErrEmptySource = errors.New("source produced no frames")
	// ErrNoFrames is returned by ReadClip when capture ended with nothing left to read.
	ErrNoFrames = errors.New("no frames available")
	// ErrNotRunning is returned by operations that need an active run.
	ErrNotRunning = errors.New("pipeline is not running")
	// ErrInvalidConfig is returned for pipeline configs that fail validation.
	ErrInvalidConfig = errors.New("invalid pipeline config")
)

// Frame is a decoded picture travelling through the pipeline. The image is
// never modified after capture; annotation always draws onto a copy.
type Frame struct {
	Image     *image.RGBA
	Seq       uint64
	Timestamp time.Time
}

// Bounds returns the frame dimensions.
func (f *Frame) Bounds() image.Rectangle {
	if f == nil || f.Image == nil {
		return image.Rectangle{}
	}
	return f.Image.Bounds()
}

// Clip is an ordered batch of exactly ClipSize frames handed to the classifier.
type Clip []*Frame

// Label is the classifier verdict for one clip.
type Label struct {
	ClassName  string  `json:"label"`
	Confidence float64 `json:"confidence"` // [0,1]
	ClassIndex int     `json:"class_index"`
}

// Score returns the confidence as a percentage rounded to two decimals.
func (l Label) Score() float64 {
	return float64(int64(l.Confidence*10000+0.5)) / 100
}

func (l Label) String() string {
	if l.ClassName == "" {
		return ""
	}
	return fmt.Sprintf("%s %.2f", l.ClassName, l.Score())
}

// AnnotatedFrame is what the output stage yields to its consumer.
type AnnotatedFrame struct {
	Image *image.RGBA
	Label Label
	// Source is the captured frame the annotation was drawn from. Nil for the
	// end-of-stream marker.
	Source *Frame
	// EndOfStream marks the single blank frame yielded after a graceful drain.
	EndOfStream bool
}

// ModelConfig holds the classifier knobs a run applies before it starts.
type ModelConfig struct {
	ClipSize  int `json:"clip_size"`
	Memory    int `json:"memory"`
	Threshold int `json:"threshold"` // percent, 0-100
}

// Validate checks the model config ranges.
func (c ModelConfig) Validate() error {
	if c.ClipSize <= 0 {
		return fmt.Errorf("%w: clip_size must be > 0, got %d", ErrInvalidConfig, c.ClipSize)
	}
	if c.Memory <= 0 {
		return fmt.Errorf("%w: memory must be > 0, got %d", ErrInvalidConfig, c.Memory)
	}
	if c.Threshold < 0 || c.Threshold > 100 {
		return fmt.Errorf("%w: threshold must be within 0-100, got %d", ErrInvalidConfig, c.Threshold)
	}
	return nil
}

// PipelineConfig describes one run. It is not modified once the run starts.
type PipelineConfig struct {
	Source string      `json:"source"` // path, URL, device or SourceLive
	Model  ModelConfig `json:"model"`
	// TempSource marks a source file materialized from an upload; it is
	// deleted once the run's control loop exits.
	TempSource bool `json:"-"`
}

// Validate checks the config before a run is started.
func (c PipelineConfig) Validate() error {
	if c.Source == "" {
		return fmt.Errorf("%w: source is required", ErrInvalidConfig)
	}
	return c.Model.Validate()
}

// IsLive reports whether the config selects push/trigger capture.
func (c PipelineConfig) IsLive() bool {
	return c.Source == SourceLive
}

// State is the controller's run state.
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateDraining State = "draining"
)

// Metrics is a snapshot of the live pipeline measurements.
type Metrics struct {
	RunID          string  `json:"run_id,omitempty"`
	State          State   `json:"state"`
	PlaybackFPS    float64 `json:"playback_fps"`
	ProcessingFPS  float64 `json:"processing_fps"`
	CaptureFPS     float64 `json:"capture_fps"`
	StreamingDelay float64 `json:"streaming_delay"` // seconds
	Clips          uint64  `json:"clips"`
	LastLabel      *Label  `json:"last_label,omitempty"`
}

// ClassifierError wraps a failure returned by the classifier collaborator.
type ClassifierError struct {
	Err error
}

func (e *ClassifierError) Error() string {
	return fmt.Sprintf("classifier failed: %v", e.Err)
}

func (e *ClassifierError) Unwrap() error {
	return e.Err
}
