// Package emitter delivers events to the configured sinks.
//
// Delivery is fan-out with primary-sink semantics: the first
// configured sink is the primary, and an event counts as emitted when
// the primary accepted it. Secondary sink failures are logged and
// counted, never fatal.
package emitter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/visiona/sentinel/internal/types"
)

// Fanout writes each event to every configured sink.
type Fanout struct {
	sinks []types.EventSink

	mu       sync.Mutex
	written  map[string]uint64
	failures map[string]uint64
}

// NewFanout builds a fan-out over the given sinks. The first sink is
// the primary.
func NewFanout(sinks ...types.EventSink) *Fanout {
	return &Fanout{
		sinks:    sinks,
		written:  make(map[string]uint64),
		failures: make(map[string]uint64),
	}
}

// Write delivers one event to all sinks. It returns an error only if
// the primary sink failed; the event is then not considered emitted.
func (f *Fanout) Write(ctx context.Context, event *types.Event) error {
	var primaryErr error
	for i, sink := range f.sinks {
		err := sink.Write(ctx, event)

		f.mu.Lock()
		if err != nil {
			f.failures[sink.Name()]++
		} else {
			f.written[sink.Name()]++
		}
		f.mu.Unlock()

		if err == nil {
			continue
		}
		if i == 0 {
			primaryErr = fmt.Errorf("primary sink %s: %w", sink.Name(), err)
			continue
		}
		slog.Warn("emitter: secondary sink write failed",
			"sink", sink.Name(),
			"event_id", event.EventID,
			"error", err)
	}
	return primaryErr
}

type prober interface {
	Probe(ctx context.Context) error
}

// Probe checks liveness of every sink that exposes a probe. The first
// failure is returned after all sinks have been tried; the caller
// decides how loud to be about it.
func (f *Fanout) Probe(ctx context.Context) error {
	var firstErr error
	for _, sink := range f.sinks {
		p, ok := sink.(prober)
		if !ok {
			continue
		}
		if err := p.Probe(ctx); err != nil {
			slog.Warn("emitter: sink probe failed", "sink", sink.Name(), "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("probe %s: %w", sink.Name(), err)
			}
		}
	}
	return firstErr
}

// Flush flushes every sink. Called during drain; errors are collected
// into one, since drain proceeds regardless.
func (f *Fanout) Flush(ctx context.Context) error {
	var firstErr error
	for _, sink := range f.sinks {
		if err := sink.Flush(ctx); err != nil {
			slog.Warn("emitter: sink flush failed", "sink", sink.Name(), "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("flush %s: %w", sink.Name(), err)
			}
		}
	}
	return firstErr
}

// Close closes every sink.
func (f *Fanout) Close() error {
	var firstErr error
	for _, sink := range f.sinks {
		if err := sink.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s: %w", sink.Name(), err)
		}
	}
	return firstErr
}

// Stats returns per-sink delivery counts.
func (f *Fanout) Stats() (written, failures map[string]uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	written = make(map[string]uint64, len(f.written))
	for k, v := range f.written {
		written[k] = v
	}
	failures = make(map[string]uint64, len(f.failures))
	for k, v := range f.failures {
		failures[k] = v
	}
	return written, failures
}
