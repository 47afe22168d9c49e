// Package classifier turns per-clip model predictions into smoothed labels.
package classifier

import (
	"context"
	"fmt"
	"log"
	"sync"

	"gonum.org/v1/gonum/floats"

	"clipwatch/internal/pipeline"
)

// Model produces one probability per class for a clip.
type Model interface {
	Predict(ctx context.Context, clip pipeline.Clip) ([]float64, error)
	// Load prepares the model for clips of clipSize frames. It may be slow.
	Load(ctx context.Context, clipSize int) error
	Close() error
}

// SmoothingClassifier averages the last Memory predictions of a Model and
// applies the threshold rule to pick a label.
type SmoothingClassifier struct {
	model  Model
	labels []string
	logger *log.Logger

	mu      sync.Mutex
	cfg     pipeline.ModelConfig
	history [][]float64
}

// New wraps model. The model is loaded for cfg.ClipSize before New returns.
func New(ctx context.Context, model Model, labels []string, cfg pipeline.ModelConfig, logger *log.Logger) (*SmoothingClassifier, error) {
	if len(labels) < 2 {
		return nil, fmt.Errorf("classifier needs at least 2 labels, got %d", len(labels))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}
	if err := model.Load(ctx, cfg.ClipSize); err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	return &SmoothingClassifier{
		model:  model,
		labels: labels,
		logger: logger,
		cfg:    cfg,
	}, nil
}

// Classify predicts clip, remembers the prediction and returns the verdict
// over the remembered window.
func (c *SmoothingClassifier) Classify(ctx context.Context, clip pipeline.Clip) (pipeline.Label, error) {
	pred, err := c.model.Predict(ctx, clip)
	if err != nil {
		return pipeline.Label{}, err
	}
	if len(pred) != len(c.labels) {
		return pipeline.Label{}, fmt.Errorf("model returned %d scores for %d classes", len(pred), len(c.labels))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.history) == c.cfg.Memory {
		c.history = c.history[1:]
	}
	c.history = append(c.history, pred)

	return Decide(c.history, c.labels, float64(c.cfg.Threshold)/100), nil
}

// Update applies cfg. Threshold and memory changes take effect immediately
// and clear the prediction history; a clip size change reloads the model.
func (c *SmoothingClassifier) Update(ctx context.Context, cfg pipeline.ModelConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	reload := cfg.ClipSize != c.cfg.ClipSize
	c.mu.Unlock()

	if reload {
		c.logger.Printf("[Classifier] Reloading model for clip size %d", cfg.ClipSize)
		if err := c.model.Load(ctx, cfg.ClipSize); err != nil {
			return fmt.Errorf("reload model: %w", err)
		}
	}

	c.mu.Lock()
	c.cfg = cfg
	c.history = nil
	c.mu.Unlock()
	return nil
}

// Config returns the config currently in effect.
func (c *SmoothingClassifier) Config() pipeline.ModelConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Labels returns the class map.
func (c *SmoothingClassifier) Labels() []string {
	return c.labels
}

// Close releases the model.
func (c *SmoothingClassifier) Close() error {
	return c.model.Close()
}

// Decide averages predictions and picks the top class, then applies the
// threshold: a non-normal winner below threshold falls back to class 0, and
// a normal winner whose complement exceeds threshold is flipped to class 1.
func Decide(predictions [][]float64, labels []string, threshold float64) pipeline.Label {
	avg := make([]float64, len(labels))
	for _, p := range predictions {
		floats.Add(avg, p)
	}
	if len(predictions) > 0 {
		floats.Scale(1/float64(len(predictions)), avg)
	}

	idx := floats.MaxIdx(avg)
	if idx != 0 && avg[idx] < threshold {
		idx = 0
	}
	if idx == 0 && 1-avg[0] > threshold {
		idx = 1
	}

	return pipeline.Label{
		ClassName:  labels[idx],
		Confidence: avg[idx],
		ClassIndex: idx,
	}
}

var _ pipeline.Classifier = (*SmoothingClassifier)(nil)
