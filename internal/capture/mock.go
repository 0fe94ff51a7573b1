package capture

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/visiona/sentinel/internal/types"
)

// MockSource generates synthetic BGR24 frames at a target FPS. Used by
// tests and by sentineld when no RTSP URL is configured.
type MockSource struct {
	width  int
	height int
	fps    int

	mu        sync.Mutex
	connected bool
	closed    bool
	seq       uint64
	lastRead  time.Time

	// Paint fills the pixel buffer for a frame. Nil leaves frames
	// black. Tests use it to script pixel deltas.
	Paint func(seq uint64, data []byte)
}

// NewMockSource creates a mock frame source.
func NewMockSource(width, height, fps int) *MockSource {
	if fps <= 0 {
		fps = 10
	}
	return &MockSource{width: width, height: height, fps: fps}
}

// Connect implements types.FrameSource.
func (m *MockSource) Connect(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return types.ErrSourceClosed
	}
	m.connected = true
	return nil
}

// Read implements types.FrameSource. Frames are paced at the target
// FPS; a timeout shorter than the frame interval yields ErrReadTimeout.
func (m *MockSource) Read(ctx context.Context, timeout time.Duration) (*types.Frame, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, types.ErrSourceClosed
	}
	if !m.connected {
		m.mu.Unlock()
		return nil, types.ErrSourceClosed
	}
	interval := time.Second / time.Duration(m.fps)
	wait := interval - time.Since(m.lastRead)
	m.mu.Unlock()

	if wait > 0 {
		if wait > timeout {
			if !sleepCtx(ctx, timeout) {
				return nil, ctx.Err()
			}
			return nil, types.ErrReadTimeout
		}
		if !sleepCtx(ctx, wait) {
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, types.ErrSourceClosed
	}
	m.lastRead = time.Now()
	m.seq++

	data := make([]byte, m.width*m.height*3)
	if m.Paint != nil {
		m.Paint(m.seq, data)
	}

	return &types.Frame{
		Timestamp: time.Now(),
		Width:     m.width,
		Height:    m.height,
		Data:      data,
		TraceID:   uuid.NewString(),
	}, nil
}

// Close implements types.FrameSource. Idempotent.
func (m *MockSource) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.connected = false
	return nil
}
