package pipeline

import (
	"context"
	"image"
)

// Classifier is the external model collaborator. It is treated as opaque: the
// pipeline only knows its clip size and that a call may take a while.
type Classifier interface {
	// Classify returns the smoothed verdict for one clip of Config().ClipSize frames.
	Classify(ctx context.Context, clip Clip) (Label, error)

	// Update applies a new model config. It may block for seconds when the
	// clip size changes and the model has to be reloaded.
	Update(ctx context.Context, cfg ModelConfig) error

	// Config returns the config currently in effect.
	Config() ModelConfig
}

// Decoder yields decoded frames from a file, stream or device.
type Decoder interface {
	// ReadFrame returns the next frame, or io.EOF once the source is exhausted.
	ReadFrame() (image.Image, error)

	// Close releases the source. It must be safe to call more than once and
	// must unblock a concurrent ReadFrame.
	Close() error
}

// SourceOpener opens a decoder for a source string (path, URL or device).
type SourceOpener func(ctx context.Context, source string) (Decoder, error)

// RunRecorder receives run lifecycle notifications, e.g. for run history.
type RunRecorder interface {
	RunStarted(ctx context.Context, run RunInfo) error
	RunFinished(ctx context.Context, summary RunSummary) error
}
