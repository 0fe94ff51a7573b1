// Package dedup suppresses repeat events for scenes that keep
// producing the same detections.
//
// The cache is a short global history of label-set sightings, not a
// per-label table; five entries bound both memory and lookup cost. It
// is owned by the single pipeline consumer and needs no locking.
package dedup

import (
	"sort"
	"strings"
	"time"

	"github.com/visiona/sentinel/internal/types"
)

// Config contains suppression tunables.
type Config struct {
	// Window is how long a label set stays suppressed after an
	// emitted sighting. Default 30s.
	Window time.Duration
	// MinOverlap is the Jaccard similarity at or above which two
	// label sets are considered the same sighting. Default 0.80.
	MinOverlap float64
	// HistorySize bounds the global sighting history. Default 5.
	HistorySize int
}

// DefaultConfig returns the stock suppression tuning.
func DefaultConfig() Config {
	return Config{Window: 30 * time.Second, MinOverlap: 0.80, HistorySize: 5}
}

type entry struct {
	labels     []string // sorted distinct labels
	lastSeenAt time.Time
}

// Deduplicator decides, per detection set, whether an event should be
// emitted or suppressed as a duplicate of a recent sighting.
type Deduplicator struct {
	cfg     Config
	history []entry

	suppressed uint64
	emitted    uint64

	now func() time.Time
}

// New creates a deduplicator with an empty history.
func New(cfg Config) *Deduplicator {
	if cfg.Window <= 0 {
		cfg.Window = 30 * time.Second
	}
	if cfg.MinOverlap <= 0 || cfg.MinOverlap > 1 {
		cfg.MinOverlap = 0.80
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 5
	}
	return &Deduplicator{cfg: cfg, now: time.Now}
}

// ShouldEmit reports whether a detection set is a fresh sighting.
//
// A sighting is suppressed when a history entry with label overlap at
// or above MinOverlap was emitted within the window. Suppressed
// sightings do NOT refresh the entry's timestamp: a stationary object
// produces one event per window rather than going silent for as long
// as it stays in frame. Emitted sightings refresh (or create) their
// entry.
func (d *Deduplicator) ShouldEmit(detections types.DetectionSet) bool {
	now := d.now()
	d.evictStale(now)

	labels := distinctSorted(detections.Labels())
	if len(labels) == 0 {
		// Nothing detected, nothing to key on; always emit.
		d.emitted++
		return true
	}

	best := -1
	for i := len(d.history) - 1; i >= 0; i-- {
		if jaccard(labels, d.history[i].labels) >= d.cfg.MinOverlap {
			best = i
			break
		}
	}

	if best >= 0 && now.Sub(d.history[best].lastSeenAt) <= d.cfg.Window {
		d.suppressed++
		return false
	}

	if best >= 0 {
		// Same sighting, but the window has lapsed: emit again and
		// restart its window.
		d.history[best].lastSeenAt = now
	} else {
		d.record(labels, now)
	}
	d.emitted++
	return true
}

// Suppressed returns the count of suppressed sightings.
func (d *Deduplicator) Suppressed() uint64 { return d.suppressed }

// Emitted returns the count of emitted sightings.
func (d *Deduplicator) Emitted() uint64 { return d.emitted }

func (d *Deduplicator) record(labels []string, now time.Time) {
	d.history = append(d.history, entry{labels: labels, lastSeenAt: now})
	if len(d.history) > d.cfg.HistorySize {
		d.history = d.history[len(d.history)-d.cfg.HistorySize:]
	}
}

func (d *Deduplicator) evictStale(now time.Time) {
	cutoff := now.Add(-2 * d.cfg.Window)
	kept := d.history[:0]
	for _, e := range d.history {
		if e.lastSeenAt.After(cutoff) {
			kept = append(kept, e)
		}
	}
	d.history = kept
}

// Signature renders a label set as a stable order-independent key,
// used for logging suppressed sightings.
func Signature(detections types.DetectionSet) string {
	return strings.Join(distinctSorted(detections.Labels()), "+")
}

func distinctSorted(labels []string) []string {
	out := make([]string, len(labels))
	copy(out, labels)
	sort.Strings(out)
	return out
}

// jaccard computes |intersection| / |union| over two sorted label
// slices.
func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter, i, j := 0, 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			inter++
			i++
			j++
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
