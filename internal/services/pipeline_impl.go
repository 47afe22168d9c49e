package services

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"clipwatch/internal/pipeline"
	"clipwatch/internal/stream"
)

// StartPayload selects the source and model knobs of a new run. Unset model
// fields keep the values currently in effect.
type StartPayload struct {
	Source    string `json:"source"`
	ClipSize  *int   `json:"clip_size,omitempty"`
	Memory    *int   `json:"memory,omitempty"`
	Threshold *int   `json:"threshold,omitempty"`
}

// RunStatus describes the run a request started or stopped.
type RunStatus struct {
	RunID  string               `json:"run_id"`
	Source string               `json:"source"`
	Model  pipeline.ModelConfig `json:"model"`
	State  pipeline.State       `json:"state"`
}

// MetricsResult is the live measurement snapshot plus the last run error.
type MetricsResult struct {
	pipeline.Metrics
	Error string `json:"error,omitempty"`
}

// PipelineImplementation drives the pipeline controller and feeds its output
// to the MJPEG broadcaster.
type PipelineImplementation struct {
	controller  *pipeline.Controller
	broadcaster *stream.Broadcaster
	uploadDir   string
	logger      *log.Logger

	startMu sync.Mutex
}

// NewPipelineService creates a new pipeline service implementation
func NewPipelineService(controller *pipeline.Controller, broadcaster *stream.Broadcaster, uploadDir string, logger *log.Logger) *PipelineImplementation {
	if logger == nil {
		logger = log.Default()
	}
	if uploadDir == "" {
		uploadDir = os.TempDir()
	}
	return &PipelineImplementation{
		controller:  controller,
		broadcaster: broadcaster,
		uploadDir:   uploadDir,
		logger:      logger,
	}
}

// Start ends the active run, if any, and starts a new one.
func (s *PipelineImplementation) Start(ctx context.Context, p *StartPayload) (*RunStatus, error) {
	if p == nil || strings.TrimSpace(p.Source) == "" {
		return nil, badRequest("source is required")
	}
	return s.start(ctx, pipeline.PipelineConfig{
		Source: strings.TrimSpace(p.Source),
		Model:  s.modelConfig(p),
	})
}

// StartUpload stores an uploaded video in the upload directory and starts a
// run reading it. The file is removed when the run ends.
func (s *PipelineImplementation) StartUpload(ctx context.Context, filename string, body io.Reader, p *StartPayload) (*RunStatus, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	f, err := os.CreateTemp(s.uploadDir, "upload-*"+ext)
	if err != nil {
		return nil, fmt.Errorf("create upload file: %w", err)
	}
	n, err := io.Copy(f, body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(f.Name())
		return nil, fmt.Errorf("store upload: %w", err)
	}
	if n == 0 {
		os.Remove(f.Name())
		return nil, badRequest("uploaded video is empty")
	}
	s.logger.Printf("[Pipeline] Stored upload %q (%d bytes) as %s", filename, n, f.Name())

	if p == nil {
		p = &StartPayload{}
	}
	return s.start(ctx, pipeline.PipelineConfig{
		Source:     f.Name(),
		Model:      s.modelConfig(p),
		TempSource: true,
	})
}

func (s *PipelineImplementation) modelConfig(p *StartPayload) pipeline.ModelConfig {
	cfg := s.controller.ModelConfig()
	if p.ClipSize != nil {
		cfg.ClipSize = *p.ClipSize
	}
	if p.Memory != nil {
		cfg.Memory = *p.Memory
	}
	if p.Threshold != nil {
		cfg.Threshold = *p.Threshold
	}
	return cfg
}

func (s *PipelineImplementation) start(ctx context.Context, cfg pipeline.PipelineConfig) (*RunStatus, error) {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	// The run outlives the request that started it.
	id, err := s.controller.Start(context.WithoutCancel(ctx), cfg)
	if err != nil {
		return nil, pipelineError(err)
	}

	// The previous pump has returned or is returning: Start terminated its
	// output before the new run began.
	frames := s.controller.FrameStream(context.Background())
	go s.broadcaster.Pump(context.Background(), frames)

	return &RunStatus{
		RunID:  id,
		Source: cfg.Source,
		Model:  s.controller.ModelConfig(),
		State:  s.controller.State(),
	}, nil
}

// End stops the active run. Ending while idle is not an error.
func (s *PipelineImplementation) End(ctx context.Context) (*RunStatus, error) {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	id := s.controller.RunID()
	s.controller.End()
	return &RunStatus{
		RunID: id,
		Model: s.controller.ModelConfig(),
		State: s.controller.State(),
	}, nil
}

// Metrics returns the live measurements.
func (s *PipelineImplementation) Metrics(ctx context.Context) (*MetricsResult, error) {
	res := &MetricsResult{Metrics: s.controller.Metrics()}
	if err := s.controller.LastError(); err != nil {
		res.Error = err.Error()
	}
	return res, nil
}

// Model returns the classifier config currently in effect.
func (s *PipelineImplementation) Model(ctx context.Context) (pipeline.ModelConfig, error) {
	return s.controller.ModelConfig(), nil
}

// PushFrame decodes an uploaded picture and injects it into the active live
// run.
func (s *PipelineImplementation) PushFrame(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		return badRequest("empty frame")
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return badRequest(fmt.Sprintf("decode frame: %v", err))
	}
	if err := s.controller.TriggerCapture(img); err != nil {
		return pipelineError(err)
	}
	return nil
}
