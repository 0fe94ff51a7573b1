package types

import (
	"context"
	"errors"
	"time"
)

// ErrReadTimeout is returned by FrameSource.Read when no frame arrived
// within the caller's timeout. Counts as one failure for reconnection.
var ErrReadTimeout = errors.New("frame read timeout")

// ErrSourceClosed is returned by FrameSource.Read once the source has
// terminated and will produce no further frames.
var ErrSourceClosed = errors.New("frame source closed")

// FrameSource is the pull-based video stream contract.
//
// Implementations live at the edge of the system (RTSP adapter, mock
// generator); the pipeline only depends on this interface.
type FrameSource interface {
	// Connect establishes the stream. Safe to call again after an error.
	Connect(ctx context.Context) error
	// Read blocks until a frame arrives, the timeout elapses
	// (ErrReadTimeout), or the source terminates (ErrSourceClosed).
	Read(ctx context.Context, timeout time.Duration) (*Frame, error)
	// Close releases the stream. Idempotent.
	Close() error
}

// Classifier is the object-classification collaborator.
// Expected latency budget is under 100ms; the caller enforces its own
// timeout via ctx and treats expiry as an error.
type Classifier interface {
	Classify(ctx context.Context, frame *Frame) (DetectionSet, error)
}

// Describer is the natural-language description collaborator.
// Latency budget is several seconds; the caller enforces the timeout.
type Describer interface {
	Describe(ctx context.Context, frame *Frame, detections DetectionSet) (string, error)
}

// EventSink receives emitted events. The pipeline calls every
// configured sink for each event; a secondary sink error is logged,
// not fatal.
type EventSink interface {
	// Name identifies the sink in logs and stats.
	Name() string
	// Write persists one event.
	Write(ctx context.Context, event *Event) error
	// Flush forces buffered writes out. Called during drain.
	Flush(ctx context.Context) error
	// Close releases sink resources.
	Close() error
}

// MetricsSink consumes periodic metrics snapshots (append-only).
type MetricsSink interface {
	Append(ctx context.Context, snapshot *MetricsSnapshot) error
	Close() error
}
