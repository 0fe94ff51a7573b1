package metric

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/visiona/sentinel/internal/types"
)

// LogSink appends metrics snapshots to a JSONL file, one snapshot per
// line. Append-only; no read path.
type LogSink struct {
	mu   sync.Mutex
	file *os.File
}

// NewLogSink opens (or creates) the metrics log in append mode.
func NewLogSink(path string) (*LogSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create metrics log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open metrics log: %w", err)
	}
	return &LogSink{file: f}, nil
}

// Append writes one snapshot line.
func (s *LogSink) Append(_ context.Context, snapshot *types.MetricsSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics snapshot: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return fmt.Errorf("metrics log closed")
	}
	if _, err := s.file.Write(data); err != nil {
		return fmt.Errorf("failed to append metrics snapshot: %w", err)
	}
	return nil
}

// Close flushes and closes the log file. Idempotent.
func (s *LogSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
