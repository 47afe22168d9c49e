package ws

import (
	"time"

	"clipwatch/internal/pipeline"
)

// MetricsMessage carries the live pipeline measurements
type MetricsMessage struct {
	Type           string    `json:"type"` // "metrics"
	RunID          string    `json:"run_id,omitempty"`
	State          string    `json:"state"`
	PlaybackFPS    float64   `json:"playback_fps"`
	ProcessingFPS  float64   `json:"processing_fps"`
	CaptureFPS     float64   `json:"capture_fps"`
	StreamingDelay float64   `json:"streaming_delay"` // seconds, -1 until known
	Clips          uint64    `json:"clips"`
	Timestamp      time.Time `json:"timestamp"`
}

// LabelMessage announces a change of the label being played back
type LabelMessage struct {
	Type       string    `json:"type"` // "label"
	RunID      string    `json:"run_id,omitempty"`
	Label      string    `json:"label"`
	Score      float64   `json:"score"` // percent
	ClassIndex int       `json:"class_index"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewMetricsMessage creates a metrics message from a snapshot
func NewMetricsMessage(m pipeline.Metrics) *MetricsMessage {
	return &MetricsMessage{
		Type:           "metrics",
		RunID:          m.RunID,
		State:          string(m.State),
		PlaybackFPS:    m.PlaybackFPS,
		ProcessingFPS:  m.ProcessingFPS,
		CaptureFPS:     m.CaptureFPS,
		StreamingDelay: m.StreamingDelay,
		Clips:          m.Clips,
		Timestamp:      time.Now(),
	}
}

// NewLabelMessage creates a label message
func NewLabelMessage(runID string, l pipeline.Label) *LabelMessage {
	return &LabelMessage{
		Type:       "label",
		RunID:      runID,
		Label:      l.ClassName,
		Score:      l.Score(),
		ClassIndex: l.ClassIndex,
		Timestamp:  time.Now(),
	}
}
