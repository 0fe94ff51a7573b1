package types

import "time"

// Frame is a single captured video frame.
//
// IMMUTABILITY CONTRACT: Data MUST NOT be modified after the frame
// leaves the capture loop. Exactly one pipeline stage owns a frame at
// any time; a stage either drops it or forwards it, never both.
type Frame struct {
	// Seq is the monotonic sequence number assigned by the capture loop.
	Seq uint64
	// Timestamp is when the frame was captured (source time).
	Timestamp time.Time
	// Width in pixels
	Width int
	// Height in pixels
	Height int
	// Data contains the raw pixel buffer (BGR24 by default).
	Data []byte
	// TraceID is a unique identifier for tracing a frame across stages.
	TraceID string
}

// MotionResult is the motion gate's verdict for one frame.
// Immutable; discarded after the sampling decision.
type MotionResult struct {
	Frame      *Frame
	HasMotion  bool
	Confidence float64 // fraction of pixels deviating from background, [0,1]
}

// StreamStats contains frame source statistics.
type StreamStats struct {
	FrameCount  uint64
	FPSReal     float64
	Resolution  string
	Reconnects  uint32
	IsConnected bool
	Errors      uint64
}
