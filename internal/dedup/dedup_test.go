package dedup

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/visiona/sentinel/internal/types"
)

func detections(labels ...string) types.DetectionSet {
	set := make(types.DetectionSet, 0, len(labels))
	for _, l := range labels {
		set = append(set, types.Detection{Label: l, Confidence: 0.9})
	}
	return set
}

// clockAt pins the deduplicator to a controllable clock starting at a
// fixed instant.
func clockAt(d *Deduplicator) *time.Time {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }
	return &now
}

func TestSuppressWithinWindow(t *testing.T) {
	d := New(DefaultConfig())
	now := clockAt(d)

	assert.True(t, d.ShouldEmit(detections("person")))

	*now = now.Add(10 * time.Second)
	assert.False(t, d.ShouldEmit(detections("person")))
	assert.Equal(t, uint64(1), d.Suppressed())
	assert.Equal(t, uint64(1), d.Emitted())
}

func TestEmitAfterWindowLapses(t *testing.T) {
	d := New(DefaultConfig())
	now := clockAt(d)

	assert.True(t, d.ShouldEmit(detections("person")))

	*now = now.Add(31 * time.Second)
	assert.True(t, d.ShouldEmit(detections("person")))
}

// A stationary object produces one event per window: suppressed
// sightings do not refresh the entry's timestamp.
func TestSuppressionDoesNotExtendWindow(t *testing.T) {
	d := New(DefaultConfig())
	now := clockAt(d)

	emits := 0
	for i := 0; i < 13; i++ { // sightings every 10s over 2 minutes
		if d.ShouldEmit(detections("person")) {
			emits++
		}
		*now = now.Add(10 * time.Second)
	}
	// Emitted at t=0, 40s, 80s, 120s: one per lapsed window.
	assert.Equal(t, 4, emits)
}

func TestOverlapBelowThresholdIsDistinct(t *testing.T) {
	d := New(DefaultConfig())
	clockAt(d)

	// {person, package} vs {person}: Jaccard 1/2 < 0.80.
	assert.True(t, d.ShouldEmit(detections("person", "package")))
	assert.True(t, d.ShouldEmit(detections("person")))
}

func TestOverlapAtThresholdSuppresses(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinOverlap = 0.75
	d := New(cfg)
	clockAt(d)

	// {a,b,c,d} vs {a,b,c}: Jaccard 3/4 = 0.75.
	assert.True(t, d.ShouldEmit(detections("a", "b", "c", "d")))
	assert.False(t, d.ShouldEmit(detections("a", "b", "c")))
}

func TestLabelOrderIrrelevant(t *testing.T) {
	d := New(DefaultConfig())
	clockAt(d)

	assert.True(t, d.ShouldEmit(detections("dog", "person")))
	assert.False(t, d.ShouldEmit(detections("person", "dog")))
}

func TestHistoryBoundedToFiveEntries(t *testing.T) {
	d := New(DefaultConfig())
	clockAt(d)

	for i := 0; i < 6; i++ {
		assert.True(t, d.ShouldEmit(detections(fmt.Sprintf("label-%d", i))))
	}
	// label-0 was pushed out of the 5-entry history, so a repeat
	// sighting is treated as fresh even inside the window.
	assert.True(t, d.ShouldEmit(detections("label-0")))
	// label-5 is still held.
	assert.False(t, d.ShouldEmit(detections("label-5")))
}

func TestStaleEntriesEvicted(t *testing.T) {
	d := New(DefaultConfig())
	now := clockAt(d)

	assert.True(t, d.ShouldEmit(detections("person")))

	*now = now.Add(61 * time.Second) // past 2x the 30s window
	d.evictStale(*now)
	assert.Empty(t, d.history)
}

func TestEmptyDetectionSetAlwaysEmits(t *testing.T) {
	d := New(DefaultConfig())
	clockAt(d)

	assert.True(t, d.ShouldEmit(nil))
	assert.True(t, d.ShouldEmit(types.DetectionSet{}))
}

func TestSignature(t *testing.T) {
	assert.Equal(t, "dog+person", Signature(detections("person", "dog")))
	assert.Equal(t, "", Signature(nil))
}

func TestJaccard(t *testing.T) {
	assert.Equal(t, 1.0, jaccard([]string{"a"}, []string{"a"}))
	assert.Equal(t, 0.5, jaccard([]string{"a", "b"}, []string{"a"}))
	assert.Equal(t, 0.0, jaccard([]string{"a"}, []string{"b"}))
	assert.Equal(t, 1.0, jaccard(nil, nil))
}
