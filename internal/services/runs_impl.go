package services

import (
	"context"
	"time"

	"clipwatch/internal/database"
)

const defaultRunLimit = 50

// RunView is a run history entry as returned by the API
type RunView struct {
	ID             string     `json:"id"`
	Source         string     `json:"source"`
	ClipSize       int        `json:"clip_size"`
	Memory         int        `json:"memory"`
	Threshold      int        `json:"threshold"`
	State          string     `json:"state"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	Clips          int64      `json:"clips"`
	FramesCaptured int64      `json:"frames_captured"`
	ProcessingFPS  float64    `json:"processing_fps"`
	CaptureFPS     float64    `json:"capture_fps"`
	StreamingDelay float64    `json:"streaming_delay"`
	LastLabel      string     `json:"last_label,omitempty"`
	LastScore      float64    `json:"last_score,omitempty"`
	Error          string     `json:"error,omitempty"`
}

func newRunView(r *database.RunRecord) *RunView {
	return &RunView{
		ID:             r.ID,
		Source:         r.Source,
		ClipSize:       r.ClipSize,
		Memory:         r.Memory,
		Threshold:      r.Threshold,
		State:          r.State,
		StartedAt:      r.StartedAt,
		EndedAt:        r.EndedAt,
		Clips:          r.Clips,
		FramesCaptured: r.FramesCaptured,
		ProcessingFPS:  r.ProcessingFPS,
		CaptureFPS:     r.CaptureFPS,
		StreamingDelay: r.StreamingDelay,
		LastLabel:      r.LastLabel,
		LastScore:      r.LastScore,
		Error:          r.Error,
	}
}

// RunsImplementation serves the run history
type RunsImplementation struct {
	db *database.Database
}

// NewRunsService creates a new runs service implementation
func NewRunsService(db *database.Database) *RunsImplementation {
	return &RunsImplementation{db: db}
}

// List returns the most recent runs first
func (s *RunsImplementation) List(ctx context.Context, limit int) ([]*RunView, error) {
	if limit <= 0 {
		limit = defaultRunLimit
	}
	runs, err := s.db.ListRuns(limit)
	if err != nil {
		return nil, err
	}
	views := make([]*RunView, len(runs))
	for i, r := range runs {
		views[i] = newRunView(r)
	}
	return views, nil
}

// Get returns one run by id
func (s *RunsImplementation) Get(ctx context.Context, id string) (*RunView, error) {
	run, err := s.db.GetRun(id)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, notFound("run not found: " + id)
	}
	return newRunView(run), nil
}
