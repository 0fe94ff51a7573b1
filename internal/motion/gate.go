// Package motion implements the background-model motion gate.
//
// The gate keeps an exponentially-weighted per-pixel luma mean and
// reports, for each frame, the fraction of sampled pixels deviating
// from that background. It is owned by the single pipeline consumer
// and is not safe for concurrent use; the pipeline's single consumer
// is its only caller.
package motion

import (
	"fmt"

	"github.com/visiona/sentinel/internal/types"
)

// Config contains gate tunables.
type Config struct {
	// Threshold is the motion area fraction above which a frame is
	// motion-positive. Default 0.02 (~2% of frame area).
	Threshold float64
	// LearningFrames is the length of the learning phase. While
	// learning, the model absorbs frames but hasMotion is forced
	// false.
	LearningFrames int
	// PixelStride samples every Nth pixel in both axes. 2 cuts the
	// per-frame cost 4x; motion regions of interest are far larger
	// than 2px.
	PixelStride int
	// NoiseDelta is the per-pixel luma deviation below which a pixel
	// is considered background noise.
	NoiseDelta float64
	// Alpha is the background update weight.
	Alpha float64
}

// DefaultConfig returns the stock gate tuning.
func DefaultConfig() Config {
	return Config{
		Threshold:      0.02,
		LearningFrames: 100,
		PixelStride:    2,
		NoiseDelta:     25,
		Alpha:          0.05,
	}
}

// Gate is the stateful motion detector.
type Gate struct {
	cfg Config

	background []float64 // EW luma mean per sampled pixel
	width      int
	height     int
	absorbed   int // frames absorbed since the last reset
}

// NewGate creates a gate with an uninitialized background model; the
// first LearningFrames frames are the learning phase.
func NewGate(cfg Config) *Gate {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.02
	}
	if cfg.LearningFrames <= 0 {
		cfg.LearningFrames = 100
	}
	if cfg.PixelStride <= 0 {
		cfg.PixelStride = 2
	}
	if cfg.NoiseDelta <= 0 {
		cfg.NoiseDelta = 25
	}
	if cfg.Alpha <= 0 || cfg.Alpha >= 1 {
		cfg.Alpha = 0.05
	}
	return &Gate{cfg: cfg}
}

// Process scores one BGR24 frame against the background model and
// absorbs it into the model.
func (g *Gate) Process(frame *types.Frame) (types.MotionResult, error) {
	if frame.Width <= 0 || frame.Height <= 0 {
		return types.MotionResult{}, fmt.Errorf("motion: invalid frame dimensions %dx%d", frame.Width, frame.Height)
	}
	if len(frame.Data) < frame.Width*frame.Height*3 {
		return types.MotionResult{}, fmt.Errorf("motion: short frame buffer: got %d bytes, need %d",
			len(frame.Data), frame.Width*frame.Height*3)
	}

	// Resolution change invalidates the model.
	if g.background != nil && (frame.Width != g.width || frame.Height != g.height) {
		g.Reset()
	}

	stride := g.cfg.PixelStride
	cols := (frame.Width + stride - 1) / stride
	rows := (frame.Height + stride - 1) / stride

	if g.background == nil {
		g.background = make([]float64, cols*rows)
		g.width = frame.Width
		g.height = frame.Height
		// Seed the model with the first frame instead of zeros so the
		// learning phase converges from a real baseline.
		i := 0
		for y := 0; y < frame.Height; y += stride {
			for x := 0; x < frame.Width; x += stride {
				g.background[i] = luma(frame.Data, (y*frame.Width+x)*3)
				i++
			}
		}
		g.absorbed = 1
		return types.MotionResult{Frame: frame, HasMotion: false, Confidence: 0}, nil
	}

	deviating := 0
	i := 0
	for y := 0; y < frame.Height; y += stride {
		for x := 0; x < frame.Width; x += stride {
			l := luma(frame.Data, (y*frame.Width+x)*3)
			bg := g.background[i]
			d := l - bg
			if d < 0 {
				d = -d
			}
			if d > g.cfg.NoiseDelta {
				deviating++
			}
			g.background[i] = bg + g.cfg.Alpha*(l-bg)
			i++
		}
	}
	g.absorbed++

	confidence := float64(deviating) / float64(cols*rows)
	result := types.MotionResult{Frame: frame, Confidence: confidence}

	// Learning phase: the uninitialized baseline would flag everything.
	if g.absorbed <= g.cfg.LearningFrames {
		return result, nil
	}

	result.HasMotion = confidence >= g.cfg.Threshold
	return result, nil
}

// Reset clears the learned model and re-enters the learning phase.
// Call when the scene is known to have changed (camera repositioned).
func (g *Gate) Reset() {
	g.background = nil
	g.absorbed = 0
}

// Learning reports whether the gate is still in its learning phase.
func (g *Gate) Learning() bool {
	return g.absorbed < g.cfg.LearningFrames
}

// luma approximates pixel luminance from BGR bytes as (r + 2g + b) / 4.
func luma(data []byte, idx int) float64 {
	b := float64(data[idx])
	gr := float64(data[idx+1])
	r := float64(data[idx+2])
	return (r + 2*gr + b) / 4
}
