// Package capture owns frame acquisition: the reconnect supervisor
// that wraps a FrameSource, plus the concrete sources (RTSP, mock).
//
// The acquisition loop is the producer half of the pipeline. It writes
// only into the bounded frame queue; everything downstream runs in the
// pipeline consumer context.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/visiona/sentinel/internal/framequeue"
	"github.com/visiona/sentinel/internal/metric"
	"github.com/visiona/sentinel/internal/types"
)

// State is the reconnect supervisor's connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFatal
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ErrFatalReconnect is returned by Run when the failure budget is
// exhausted and the supervisor is configured to treat Fatal as
// terminal.
var ErrFatalReconnect = errors.New("consecutive reconnect failures exhausted")

// Config contains supervisor tunables.
type Config struct {
	ReadTimeout    time.Duration // frame read timeout, counts as a failure
	MaxFailures    int           // consecutive failures before Fatal
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// FatalIsTerminal decides the Fatal policy: terminate Run with
	// ErrFatalReconnect, or keep retrying at the capped interval.
	FatalIsTerminal bool
}

// DefaultConfig returns the stock reconnect policy: 1s, 2s, 4s, 8s
// backoff capped at 8s, Fatal after 5 consecutive failures.
func DefaultConfig() Config {
	return Config{
		ReadTimeout:    5 * time.Second,
		MaxFailures:    5,
		BackoffInitial: 1 * time.Second,
		BackoffMax:     8 * time.Second,
	}
}

// Supervisor wraps a FrameSource with reconnection and pushes frames
// into the bounded queue.
//
// Reconnection is only ever attempted from the single Run goroutine;
// the state mutex exists so transitions are observed in order by
// concurrent State() readers, not to serialize reconnect attempts
// across callers.
type Supervisor struct {
	source types.FrameSource
	queue  *framequeue.Queue
	agg    *metric.Aggregator
	cfg    Config

	mu       sync.Mutex
	state    State
	failures int // consecutive failure count

	seq        atomic.Uint64
	framesRead atomic.Uint64

	fatalC chan int // signals failure count on entering Fatal

	// Injectable for tests: backoff without wall-clock waits.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool
}

// NewSupervisor creates a supervisor for the given source and queue.
func NewSupervisor(source types.FrameSource, queue *framequeue.Queue, agg *metric.Aggregator, cfg Config) *Supervisor {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = time.Second
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		cfg.BackoffMax = 8 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 5 * time.Second
	}
	return &Supervisor{
		source: source,
		queue:  queue,
		agg:    agg,
		cfg:    cfg,
		fatalC: make(chan int, 1),
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

// Fatal exposes the Fatal signal. The supervisor core decides whether
// a Fatal transition terminates the process; when FatalIsTerminal is
// set, Run has already returned ErrFatalReconnect by the time the
// signal is observable.
func (s *Supervisor) Fatal() <-chan int {
	return s.fatalC
}

// State returns the current connection state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats returns acquisition statistics.
func (s *Supervisor) Stats() types.StreamStats {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	return types.StreamStats{
		FrameCount:  s.framesRead.Load(),
		IsConnected: state == StateConnected,
	}
}

// Run acquires frames until ctx is cancelled. It returns nil on
// cancellation and ErrFatalReconnect only under the terminal Fatal
// policy.
func (s *Supervisor) Run(ctx context.Context) error {
	defer func() {
		if err := s.source.Close(); err != nil {
			slog.Warn("capture: source close failed", "error", err)
		}
	}()

	for {
		if ctx.Err() != nil {
			slog.Info("capture: acquisition stopping", "frames_read", s.framesRead.Load())
			return nil
		}

		if s.State() != StateConnected {
			if err := s.connect(ctx); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return nil
				}
				return err
			}
			continue
		}

		frame, err := s.source.Read(ctx, s.cfg.ReadTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// A read timeout and a terminal stream error both count
			// as one failure toward the reconnect budget.
			s.onReadFailure(err)
			continue
		}

		frame.Seq = s.seq.Add(1)
		s.framesRead.Add(1)
		if s.queue.Push(frame) {
			s.agg.AddFramesDropped(1)
		}
	}
}

// connect drives Disconnected → Connecting → Connected with
// exponential backoff, escalating to Fatal after MaxFailures
// consecutive failed attempts.
func (s *Supervisor) connect(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.setState(StateConnecting)

		err := s.source.Connect(ctx)
		if err == nil {
			s.mu.Lock()
			s.failures = 0
			s.mu.Unlock()
			s.setState(StateConnected)
			return nil
		}

		s.agg.IncReconnects()
		s.mu.Lock()
		s.failures++
		failures := s.failures
		s.mu.Unlock()

		slog.Error("capture: connect failed",
			"error", err,
			"consecutive_failures", failures,
			"max_failures", s.cfg.MaxFailures,
		)

		if failures >= s.cfg.MaxFailures {
			s.setState(StateFatal)
			select {
			case s.fatalC <- failures:
			default:
			}
			if s.cfg.FatalIsTerminal {
				return fmt.Errorf("%w after %d attempts: %v", ErrFatalReconnect, failures, err)
			}
			// Non-terminal policy: keep retrying at the capped interval.
			if !s.sleep(ctx, s.cfg.BackoffMax) {
				return ctx.Err()
			}
			s.setState(StateDisconnected)
			continue
		}

		s.setState(StateDisconnected)

		delay := backoff(failures, s.cfg.BackoffInitial, s.cfg.BackoffMax)
		slog.Warn("capture: retrying connection",
			"consecutive_failures", failures,
			"delay", delay,
		)
		if !s.sleep(ctx, delay) {
			return ctx.Err()
		}
	}
}

// onReadFailure records one failure and drops back to Disconnected so
// the next loop iteration reconnects.
func (s *Supervisor) onReadFailure(err error) {
	s.mu.Lock()
	s.failures++
	failures := s.failures
	s.mu.Unlock()

	level := slog.LevelWarn
	if errors.Is(err, types.ErrSourceClosed) {
		level = slog.LevelError
	}
	slog.Log(context.Background(), level, "capture: frame read failed",
		"error", err,
		"consecutive_failures", failures,
	)

	s.setState(StateDisconnected)
}

// setState applies and logs a transition. Transitions are observed in
// order because the same mutex guards both the write and the log.
func (s *Supervisor) setState(next State) {
	s.mu.Lock()
	prev := s.state
	if prev == next {
		s.mu.Unlock()
		return
	}
	s.state = next
	failures := s.failures
	s.mu.Unlock()

	slog.Info("capture: state transition",
		"from", prev.String(),
		"to", next.String(),
		"consecutive_failures", failures,
	)
}

// backoff returns initial * 2^(failures-1), capped.
func backoff(failures int, initial, max time.Duration) time.Duration {
	if failures < 1 {
		failures = 1
	}
	shift := uint(failures - 1)
	if shift > 16 {
		shift = 16
	}
	d := initial << shift
	if d > max || d <= 0 {
		d = max
	}
	return d
}

// sleepCtx waits for d or cancellation; returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
