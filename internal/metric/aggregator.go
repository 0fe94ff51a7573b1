// Package metric provides the pipeline metrics substrate: monotonic
// counters, rolling latency windows, and periodic immutable snapshots.
//
// The aggregator is an owned instance passed by handle to every stage
// that records; there is no ambient global state.
package metric

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/visiona/sentinel/internal/types"
)

// DefaultWindowSize is the rolling sample count per timed operation.
const DefaultWindowSize = 1000

// Aggregator collects counters and rolling timer windows.
//
// Thread-safety: counters are atomic; timer windows are mutex-guarded.
// Snapshot copies window contents under the lock and computes
// statistics outside it, so a snapshot never observes a partial
// update and never stalls recording for the duration of the math.
type Aggregator struct {
	framesSeen       atomic.Uint64
	framesMotion     atomic.Uint64
	framesDropped    atomic.Uint64
	framesSampled    atomic.Uint64
	eventsEmitted    atomic.Uint64
	eventsSuppressed atomic.Uint64
	reconnects       atomic.Uint64
	frameErrors      atomic.Uint64

	mu         sync.Mutex
	timers     map[string]*window
	windowSize int

	now func() time.Time
}

// window is a fixed-size ring of duration samples.
type window struct {
	samples []time.Duration
	next    int
	full    bool
}

// New creates an aggregator with the given rolling window size.
func New(windowSize int) *Aggregator {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	return &Aggregator{
		timers:     make(map[string]*window),
		windowSize: windowSize,
		now:        time.Now,
	}
}

// Counter increments. One method per counter keeps call sites grep-able.

func (a *Aggregator) IncFramesSeen()       { a.framesSeen.Add(1) }
func (a *Aggregator) IncFramesMotion()     { a.framesMotion.Add(1) }
func (a *Aggregator) IncFramesSampled()    { a.framesSampled.Add(1) }
func (a *Aggregator) IncEventsEmitted()    { a.eventsEmitted.Add(1) }
func (a *Aggregator) IncEventsSuppressed() { a.eventsSuppressed.Add(1) }
func (a *Aggregator) IncReconnects()       { a.reconnects.Add(1) }
func (a *Aggregator) IncFrameErrors()      { a.frameErrors.Add(1) }

// AddFramesDropped accounts queue evictions reported by the frame queue.
func (a *Aggregator) AddFramesDropped(n uint64) { a.framesDropped.Add(n) }

// Observe records one latency sample for the named operation.
func (a *Aggregator) Observe(name string, d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()

	w, ok := a.timers[name]
	if !ok {
		w = &window{samples: make([]time.Duration, a.windowSize)}
		a.timers[name] = w
	}
	w.samples[w.next] = d
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.full = true
	}
}

// Time starts a latency measurement; the returned func records it.
//
//	defer agg.Time("classify")()
func (a *Aggregator) Time(name string) func() {
	start := a.now()
	return func() {
		a.Observe(name, a.now().Sub(start))
	}
}

// Snapshot returns an immutable point-in-time view of all counters
// and timer windows.
func (a *Aggregator) Snapshot() *types.MetricsSnapshot {
	snap := &types.MetricsSnapshot{
		Timestamp:        a.now().UTC(),
		FramesSeen:       a.framesSeen.Load(),
		FramesMotion:     a.framesMotion.Load(),
		FramesDropped:    a.framesDropped.Load(),
		FramesSampled:    a.framesSampled.Load(),
		EventsEmitted:    a.eventsEmitted.Load(),
		EventsSuppressed: a.eventsSuppressed.Load(),
		Reconnects:       a.reconnects.Load(),
		FrameErrors:      a.frameErrors.Load(),
	}

	// Copy window contents under the lock, compute outside it.
	copies := make(map[string][]time.Duration)
	a.mu.Lock()
	for name, w := range a.timers {
		n := w.next
		if w.full {
			n = len(w.samples)
		}
		if n == 0 {
			continue
		}
		c := make([]time.Duration, n)
		copy(c, w.samples[:n])
		copies[name] = c
	}
	a.mu.Unlock()

	if len(copies) > 0 {
		snap.Timers = make(map[string]types.TimerStats, len(copies))
		for name, samples := range copies {
			snap.Timers[name] = computeStats(samples)
		}
	}

	return snap
}

// computeStats calculates mean and p95 over one window copy.
func computeStats(samples []time.Duration) types.TimerStats {
	var sum time.Duration
	for _, s := range samples {
		sum += s
	}
	sorted := samples
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	// Nearest-rank p95: ceil(0.95 * n), 1-based.
	rank := (len(sorted)*95 + 99) / 100
	if rank < 1 {
		rank = 1
	}

	return types.TimerStats{
		Samples: len(sorted),
		Mean:    sum / time.Duration(len(sorted)),
		P95:     sorted[rank-1],
	}
}
