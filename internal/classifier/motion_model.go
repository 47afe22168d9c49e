package classifier

import (
	"context"
	"image"
	"sync"

	"gonum.org/v1/gonum/stat"

	"clipwatch/internal/pipeline"
)

// MotionModel is a local two-class model scoring a clip by how much of the
// picture changes between consecutive frames. It needs no external service,
// which makes it the fallback when no model endpoint is configured.
type MotionModel struct {
	// PixelThreshold is the 16-bit brightness change counted as motion.
	PixelThreshold int
	// Gain scales the changed-pixel ratio into the class 1 probability.
	Gain float64
	// Step samples every Step-th pixel in both directions.
	Step int

	mu       sync.Mutex
	clipSize int
}

// NewMotionModel returns a MotionModel with streaming-friendly defaults.
func NewMotionModel() *MotionModel {
	return &MotionModel{
		PixelThreshold: 6000,
		Gain:           3,
		Step:           2,
	}
}

// Predict returns [P(normal), P(motion)] for clip.
func (m *MotionModel) Predict(ctx context.Context, clip pipeline.Clip) ([]float64, error) {
	ratios := make([]float64, 0, len(clip))
	for i := 1; i < len(clip); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if r, ok := m.changeRatio(clip[i-1].Image, clip[i].Image); ok {
			ratios = append(ratios, r)
		}
	}

	var p float64
	if len(ratios) > 0 {
		p = stat.Mean(ratios, nil) * m.Gain
	}
	p = min(max(p, 0), 1)
	return []float64{1 - p, p}, nil
}

// changeRatio compares two frames and returns the share of sampled pixels
// whose brightness moved past PixelThreshold.
func (m *MotionModel) changeRatio(prev, cur *image.RGBA) (float64, bool) {
	if prev == nil || cur == nil || prev.Bounds() != cur.Bounds() {
		return 0, false
	}
	if prev == cur {
		return 0, true
	}

	step := max(m.Step, 1)
	b := cur.Bounds()
	var changed, sampled int
	for y := b.Min.Y; y < b.Max.Y; y += step {
		for x := b.Min.X; x < b.Max.X; x += step {
			pc := prev.RGBAAt(x, y)
			cc := cur.RGBAAt(x, y)

			// 8-bit channels widened to the 16-bit range image.Color uses.
			pb := (int(pc.R) + int(pc.G) + int(pc.B)) * 0x101 / 3
			cb := (int(cc.R) + int(cc.G) + int(cc.B)) * 0x101 / 3

			diff := pb - cb
			if diff < 0 {
				diff = -diff
			}
			if diff > m.PixelThreshold {
				changed++
			}
			sampled++
		}
	}
	if sampled == 0 {
		return 0, false
	}
	return float64(changed) / float64(sampled), true
}

// Load records the clip size. The motion model works with any size.
func (m *MotionModel) Load(ctx context.Context, clipSize int) error {
	m.mu.Lock()
	m.clipSize = clipSize
	m.mu.Unlock()
	return nil
}

// ClipSize returns the size passed to the last Load.
func (m *MotionModel) ClipSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clipSize
}

func (m *MotionModel) Close() error { return nil }

var _ Model = (*MotionModel)(nil)
