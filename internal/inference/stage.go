// Package inference invokes the classification and description
// collaborators for sampled frames, with the pipeline enforcing its
// own per-call timeouts rather than trusting the collaborators'.
package inference

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/visiona/sentinel/internal/metric"
	"github.com/visiona/sentinel/internal/types"
)

// Config contains per-call timeout budgets.
type Config struct {
	// ClassifyTimeout bounds one classification call. Default 500ms.
	ClassifyTimeout time.Duration
	// DescribeTimeout bounds one description call. Description is a
	// language-model round trip; seconds, not milliseconds. Default 10s.
	DescribeTimeout time.Duration
}

// Stage runs the inference collaborators for one sampled frame.
type Stage struct {
	classifier types.Classifier
	describer  types.Describer
	cfg        Config
	agg        *metric.Aggregator
}

// NewStage builds an inference stage. The describer may be nil, in
// which case events carry an empty description.
func NewStage(classifier types.Classifier, describer types.Describer, cfg Config, agg *metric.Aggregator) *Stage {
	return &Stage{
		classifier: classifier,
		describer:  describer,
		cfg:        cfg.withDefaults(),
		agg:        agg,
	}
}

func (c Config) withDefaults() Config {
	if c.ClassifyTimeout <= 0 {
		c.ClassifyTimeout = 500 * time.Millisecond
	}
	if c.DescribeTimeout <= 0 {
		c.DescribeTimeout = 10 * time.Second
	}
	return c
}

// Reconfigure replaces the timeout budgets. The collaborators stay;
// only the caller-side deadlines change. Must be called from the
// goroutine that runs Classify and Describe.
func (s *Stage) Reconfigure(cfg Config) {
	s.cfg = cfg.withDefaults()
}

// Config returns the budgets currently in effect.
func (s *Stage) Config() Config { return s.cfg }

// Classify runs the classification collaborator under its timeout.
// A failure here skips the frame: without detections there is nothing
// to deduplicate or emit.
func (s *Stage) Classify(ctx context.Context, frame *types.Frame) (types.DetectionSet, error) {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.ClassifyTimeout)
	defer cancel()

	start := time.Now()
	detections, err := s.classifier.Classify(cctx, frame)
	s.agg.Observe("classify", time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("classify frame %d: %w", frame.Seq, err)
	}
	return detections, nil
}

// Describe runs the description collaborator under its timeout.
// A failure degrades the event to an empty description; it never
// fails the frame.
func (s *Stage) Describe(ctx context.Context, frame *types.Frame, detections types.DetectionSet) string {
	if s.describer == nil {
		return ""
	}

	dctx, cancel := context.WithTimeout(ctx, s.cfg.DescribeTimeout)
	defer cancel()

	start := time.Now()
	text, err := s.describer.Describe(dctx, frame, detections)
	s.agg.Observe("describe", time.Since(start))
	if err != nil {
		slog.Warn("inference: description failed, emitting without it",
			"frame_seq", frame.Seq,
			"error", err)
		return ""
	}
	return text
}
