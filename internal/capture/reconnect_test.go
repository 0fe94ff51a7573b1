package capture

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visiona/sentinel/internal/framequeue"
	"github.com/visiona/sentinel/internal/metric"
	"github.com/visiona/sentinel/internal/types"
)

// scriptSource is a FrameSource whose Connect/Read behavior is scripted
// per call, so reconnect paths run without a real stream.
type scriptSource struct {
	mu       sync.Mutex
	connects []error // one result per Connect call, last repeats
	reads    []func() (*types.Frame, error)
	readIdx  int
	connIdx  int
	closed   bool
}

func (s *scriptSource) Connect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.connects) == 0 {
		return nil
	}
	i := s.connIdx
	if i >= len(s.connects) {
		i = len(s.connects) - 1
	}
	s.connIdx++
	return s.connects[i]
}

func (s *scriptSource) Read(context.Context, time.Duration) (*types.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readIdx >= len(s.reads) {
		return nil, types.ErrReadTimeout
	}
	fn := s.reads[s.readIdx]
	s.readIdx++
	return fn()
}

func (s *scriptSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// instrument replaces the supervisor's sleep with a recorder that
// never touches the wall clock.
func instrument(s *Supervisor) *[]time.Duration {
	delays := &[]time.Duration{}
	s.sleep = func(ctx context.Context, d time.Duration) bool {
		*delays = append(*delays, d)
		return ctx.Err() == nil
	}
	return delays
}

func newTestSupervisor(src types.FrameSource, cfg Config) (*Supervisor, *framequeue.Queue) {
	q := framequeue.New(16)
	return NewSupervisor(src, q, metric.New(10), cfg), q
}

func TestBackoffSequenceAndFatal(t *testing.T) {
	src := &scriptSource{connects: []error{errors.New("refused")}}
	cfg := DefaultConfig()
	cfg.FatalIsTerminal = true
	sup, _ := newTestSupervisor(src, cfg)
	delays := instrument(sup)

	err := sup.Run(context.Background())
	require.ErrorIs(t, err, ErrFatalReconnect)
	assert.Equal(t, StateFatal, sup.State())

	// Four backoff waits before the 5th failure escalates to Fatal.
	assert.Equal(t, []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
	}, *delays)

	select {
	case failures := <-sup.Fatal():
		assert.Equal(t, 5, failures)
	default:
		t.Fatal("expected Fatal signal")
	}
}

func TestBackoffCapsAtMax(t *testing.T) {
	src := &scriptSource{connects: []error{errors.New("refused")}}
	cfg := DefaultConfig()
	cfg.MaxFailures = 8
	cfg.FatalIsTerminal = true
	sup, _ := newTestSupervisor(src, cfg)
	delays := instrument(sup)

	_ = sup.Run(context.Background())

	// 1,2,4,8 then capped at 8 for every further attempt.
	require.Len(t, *delays, 7)
	for _, d := range (*delays)[3:] {
		assert.Equal(t, 8*time.Second, d)
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	src := &scriptSource{
		// Two failures, then success.
		connects: []error{errors.New("refused"), errors.New("refused"), nil},
		reads: []func() (*types.Frame, error){
			func() (*types.Frame, error) {
				return &types.Frame{Timestamp: time.Now()}, nil
			},
			func() (*types.Frame, error) {
				cancel()
				return nil, types.ErrReadTimeout
			},
		},
	}
	cfg := DefaultConfig()
	cfg.FatalIsTerminal = true
	sup, q := newTestSupervisor(src, cfg)
	delays := instrument(sup)

	err := sup.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, []time.Duration{1 * time.Second, 2 * time.Second}, *delays)
	assert.Equal(t, 1, q.Len())

	f, ok := q.Pop(time.Second)
	require.True(t, ok)
	assert.Equal(t, uint64(1), f.Seq, "supervisor assigns monotonic sequence numbers")

	sup.mu.Lock()
	assert.Equal(t, 0, sup.failures, "consecutive count resets on success")
	sup.mu.Unlock()
}

func TestReadTimeoutCountsAsFailure(t *testing.T) {
	readCount := 0
	src := &scriptSource{
		connects: []error{nil, errors.New("refused")},
		reads: []func() (*types.Frame, error){
			func() (*types.Frame, error) {
				readCount++
				return nil, types.ErrReadTimeout
			},
		},
	}
	cfg := DefaultConfig()
	cfg.MaxFailures = 2
	cfg.FatalIsTerminal = true
	sup, _ := newTestSupervisor(src, cfg)
	instrument(sup)

	err := sup.Run(context.Background())
	require.ErrorIs(t, err, ErrFatalReconnect)
	assert.Equal(t, 1, readCount)
}

func TestNonTerminalFatalKeepsRetrying(t *testing.T) {
	src := &scriptSource{
		// Five failures hit the budget, the sixth attempt succeeds.
		connects: []error{
			errors.New("refused"), errors.New("refused"), errors.New("refused"),
			errors.New("refused"), errors.New("refused"), nil,
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	src.reads = []func() (*types.Frame, error){
		func() (*types.Frame, error) {
			cancel()
			return nil, types.ErrReadTimeout
		},
	}

	cfg := DefaultConfig()
	cfg.FatalIsTerminal = false
	sup, _ := newTestSupervisor(src, cfg)
	delays := instrument(sup)

	err := sup.Run(ctx)
	require.NoError(t, err)

	// 1,2,4,8 backoffs, then the capped Fatal retry interval.
	assert.Equal(t, []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second,
	}, *delays)
}

func TestQueueEvictionCountsDrops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reads := make([]func() (*types.Frame, error), 0, 40)
	for i := 0; i < 40; i++ {
		last := i == 39
		reads = append(reads, func() (*types.Frame, error) {
			if last {
				cancel()
			}
			return &types.Frame{Timestamp: time.Now()}, nil
		})
	}
	src := &scriptSource{reads: reads}

	q := framequeue.New(8)
	agg := metric.New(10)
	sup := NewSupervisor(src, q, agg, DefaultConfig())
	instrument(sup)

	require.NoError(t, sup.Run(ctx))
	assert.Equal(t, 8, q.Len())
	assert.Equal(t, uint64(32), agg.Snapshot().FramesDropped)
}
