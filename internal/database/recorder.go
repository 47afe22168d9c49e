package database

import (
	"context"

	"clipwatch/internal/pipeline"
)

// Recorder stores pipeline run history. It implements pipeline.RunRecorder.
type Recorder struct {
	db *Database
}

// NewRecorder returns a Recorder writing to db.
func NewRecorder(db *Database) *Recorder {
	return &Recorder{db: db}
}

// RunStarted inserts the run and remembers its model config for the next
// process start.
func (r *Recorder) RunStarted(ctx context.Context, run pipeline.RunInfo) error {
	if err := r.db.SaveRun(&RunRecord{
		ID:             run.ID,
		Source:         run.Source,
		ClipSize:       run.Model.ClipSize,
		Memory:         run.Model.Memory,
		Threshold:      run.Model.Threshold,
		State:          RunRunning,
		StartedAt:      run.StartedAt,
		ProcessingFPS:  pipeline.RateUnknown,
		CaptureFPS:     pipeline.RateUnknown,
		StreamingDelay: pipeline.RateUnknown,
	}); err != nil {
		return err
	}
	return r.db.SaveModelConfig(run.Model)
}

// RunFinished stores the final measurements of a run.
func (r *Recorder) RunFinished(ctx context.Context, s pipeline.RunSummary) error {
	rec := &RunRecord{
		ID:             s.ID,
		Source:         s.Source,
		ClipSize:       s.Model.ClipSize,
		Memory:         s.Model.Memory,
		Threshold:      s.Model.Threshold,
		State:          RunFinished,
		StartedAt:      s.StartedAt,
		EndedAt:        &s.EndedAt,
		Clips:          int64(s.Clips),
		FramesCaptured: int64(s.FramesCaptured),
		ProcessingFPS:  s.ProcessingFPS,
		CaptureFPS:     s.CaptureFPS,
		StreamingDelay: s.StreamingDelay,
	}
	if s.LastLabel != nil {
		rec.LastLabel = s.LastLabel.ClassName
		rec.LastScore = s.LastLabel.Score()
	}
	if s.Err != nil {
		rec.State = RunFailed
		rec.Error = s.Err.Error()
	}
	return r.db.SaveRun(rec)
}

var _ pipeline.RunRecorder = (*Recorder)(nil)
