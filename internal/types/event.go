package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Detection is a single labeled bounding box from the classifier.
type Detection struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	X          int     `json:"x"`
	Y          int     `json:"y"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
}

// DetectionSet is the full classifier output for one sampled frame.
// Immutable once produced.
type DetectionSet []Detection

// Labels returns the distinct labels in the set, insertion order preserved.
func (ds DetectionSet) Labels() []string {
	seen := make(map[string]struct{}, len(ds))
	labels := make([]string, 0, len(ds))
	for _, d := range ds {
		if _, ok := seen[d.Label]; ok {
			continue
		}
		seen[d.Label] = struct{}{}
		labels = append(labels, d.Label)
	}
	return labels
}

// Event is the unit of durable output.
//
// Write-once: an Event is never mutated after NewEvent returns. Sinks
// insert or read events, never update them.
type Event struct {
	EventID          string       `json:"event_id"`
	Timestamp        time.Time    `json:"timestamp"` // UTC capture time
	MotionConfidence float64      `json:"motion_confidence"`
	Detections       DetectionSet `json:"detections"`
	Description      string       `json:"description,omitempty"`
	ImageRef         string       `json:"image_ref,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
}

// NewEvent builds an event for a sampled frame. The event ID combines
// the capture timestamp with a random suffix so it is unique for the
// process lifetime and still sorts roughly by time.
func NewEvent(frame *Frame, motionConfidence float64, detections DetectionSet, description string) *Event {
	ts := frame.Timestamp.UTC()
	return &Event{
		EventID:          fmt.Sprintf("evt-%s-%s", ts.Format("20060102T150405"), uuid.NewString()[:8]),
		Timestamp:        ts,
		MotionConfidence: motionConfidence,
		Detections:       detections,
		Description:      description,
		CreatedAt:        time.Now().UTC(),
	}
}
