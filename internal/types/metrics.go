package types

import "time"

// TimerStats summarizes one rolling latency window at snapshot time.
type TimerStats struct {
	Samples int           `json:"samples"`
	Mean    time.Duration `json:"mean"`
	P95     time.Duration `json:"p95"`
}

// MetricsSnapshot is a point-in-time view of the pipeline counters and
// timers. Immutable value object; appended to the metrics log.
type MetricsSnapshot struct {
	Timestamp        time.Time             `json:"timestamp"`
	FramesSeen       uint64                `json:"frames_seen"`
	FramesMotion     uint64                `json:"frames_motion"`
	FramesDropped    uint64                `json:"frames_dropped"`
	FramesSampled    uint64                `json:"frames_sampled"`
	EventsEmitted    uint64                `json:"events_emitted"`
	EventsSuppressed uint64                `json:"events_suppressed"`
	Reconnects       uint64                `json:"reconnects"`
	FrameErrors      uint64                `json:"frame_errors"`
	Timers           map[string]TimerStats `json:"timers,omitempty"`
}
