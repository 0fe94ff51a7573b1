package storage

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"time"
)

// Snapshot is a point-in-time observation of archive disk usage.
// Recomputed on demand, never persisted.
type Snapshot struct {
	TotalBytes  int64   `json:"total_bytes"`
	LimitBytes  int64   `json:"limit_bytes"`
	PercentUsed float64 `json:"percent_used"`
	OverLimit   bool    `json:"over_limit"`
}

// Level classifies a usage check result.
type Level int

const (
	// LevelOK means usage is below the warning threshold.
	LevelOK Level = iota
	// LevelWarning means usage is at or above 80% of the limit.
	LevelWarning
	// LevelCritical means usage is at or above the limit even after
	// rotation; the caller must initiate graceful shutdown.
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelOK:
		return "ok"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

const (
	warnFraction   = 0.80
	rotateFraction = 0.90
)

// Status is the outcome of one usage check.
type Status struct {
	Level    Level
	Snapshot Snapshot
	// Rotated lists partitions deleted by this check, oldest first.
	Rotated []string
	// RetentionConflict is set when rotation could not bring usage
	// down to the target because the retention floor or the
	// current-day guard blocked further deletion. The floor wins over
	// the ceiling; the caller logs this loudly.
	RetentionConflict bool
}

// Config contains governor tunables.
type Config struct {
	// MaxBytes is the archive byte budget. Default 4 GiB.
	MaxBytes int64
	// MinRetentionDays is the floor on retained day partitions.
	// Default 7. Takes precedence over MaxBytes.
	MinRetentionDays int
	// CheckEveryEvents amortizes the directory walk. Default 100.
	CheckEveryEvents int
}

// RecordPruner removes persisted event records older than a cutoff
// time. Implemented by sinks that keep per-event rows outside the day
// partitions, so rotation can delete their rows alongside the images.
type RecordPruner interface {
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Governor measures archive usage every N events and keeps it under
// budget via FIFO partition rotation. Owned by the single pipeline
// consumer.
type Governor struct {
	archive *Archive
	cfg     Config
	pruner  RecordPruner

	eventsSinceCheck int

	now func() time.Time
}

// NewGovernor builds a governor over the archive.
func NewGovernor(archive *Archive, cfg Config) *Governor {
	return &Governor{archive: archive, cfg: cfg.withDefaults(), now: time.Now}
}

func (c Config) withDefaults() Config {
	if c.MaxBytes <= 0 {
		c.MaxBytes = 4 << 30
	}
	if c.MinRetentionDays <= 0 {
		c.MinRetentionDays = 7
	}
	if c.CheckEveryEvents <= 0 {
		c.CheckEveryEvents = 100
	}
	return c
}

// AttachPruner registers a record store to be pruned whenever
// rotation deletes day partitions.
func (g *Governor) AttachPruner(p RecordPruner) { g.pruner = p }

// Reconfigure replaces the governor tunables. The amortization
// counter carries over, so a lowered CheckEveryEvents takes effect on
// the next event. Must be called from the pipeline consumer.
func (g *Governor) Reconfigure(cfg Config) {
	g.cfg = cfg.withDefaults()
}

// Config returns the tunables currently in effect.
func (g *Governor) Config() Config { return g.cfg }

// OnEvent counts one emitted event and runs a usage check every
// CheckEveryEvents. Returns nil between checks.
func (g *Governor) OnEvent() (*Status, error) {
	g.eventsSinceCheck++
	if g.eventsSinceCheck < g.cfg.CheckEveryEvents {
		return nil, nil
	}
	g.eventsSinceCheck = 0
	return g.Check()
}

// Check measures usage now, rotating if warranted.
func (g *Governor) Check() (*Status, error) {
	total, err := dirSize(g.archive.Root())
	if err != nil {
		return nil, fmt.Errorf("storage: measure usage: %w", err)
	}

	status := &Status{Snapshot: g.snapshot(total)}

	if status.Snapshot.TotalBytes >= int64(rotateFraction*float64(g.cfg.MaxBytes)) {
		rotated, conflict, err := g.rotate(total)
		if err != nil {
			return nil, err
		}
		status.Rotated = rotated
		status.RetentionConflict = conflict

		total, err = dirSize(g.archive.Root())
		if err != nil {
			return nil, fmt.Errorf("storage: measure usage after rotation: %w", err)
		}
		status.Snapshot = g.snapshot(total)
	}

	switch {
	case status.Snapshot.OverLimit:
		status.Level = LevelCritical
	case status.Snapshot.TotalBytes >= int64(warnFraction*float64(g.cfg.MaxBytes)):
		status.Level = LevelWarning
		slog.Warn("storage: usage above warning threshold",
			"total_bytes", status.Snapshot.TotalBytes,
			"limit_bytes", status.Snapshot.LimitBytes,
			"percent_used", fmt.Sprintf("%.1f", status.Snapshot.PercentUsed))
	}
	return status, nil
}

func (g *Governor) snapshot(total int64) Snapshot {
	return Snapshot{
		TotalBytes:  total,
		LimitBytes:  g.cfg.MaxBytes,
		PercentUsed: 100 * float64(total) / float64(g.cfg.MaxBytes),
		OverLimit:   total >= g.cfg.MaxBytes,
	}
}

// dirSize sums file sizes under root. Bounded walk; the check
// interval amortizes its cost.
func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			// A partition may vanish mid-walk during rotation.
			return nil
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}
