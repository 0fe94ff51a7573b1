package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// rotate deletes whole day partitions oldest-first until usage drops
// below the warning threshold. The current day is never deleted, and
// the number of retained days never drops below MinRetentionDays even
// if the archive stays over budget. Returns the deleted partition
// names and whether a floor-vs-ceiling conflict blocked the target.
func (g *Governor) rotate(total int64) (rotated []string, conflict bool, err error) {
	parts, err := g.partitions()
	if err != nil {
		return nil, false, err
	}

	target := int64(warnFraction * float64(g.cfg.MaxBytes))
	today := g.now().UTC().Format(partitionLayout)
	remaining := len(parts)

	for _, part := range parts {
		if total < target {
			break
		}
		if part.name == today {
			// Current day holds the events being written right now.
			continue
		}
		if remaining <= g.cfg.MinRetentionDays {
			break
		}

		dir := filepath.Join(g.archive.Root(), part.name)
		if err := os.RemoveAll(dir); err != nil {
			return rotated, false, fmt.Errorf("storage: delete partition %s: %w", part.name, err)
		}
		total -= part.bytes
		remaining--
		rotated = append(rotated, part.name)
		slog.Info("storage: rotated partition",
			"partition", part.name,
			"freed_bytes", part.bytes,
			"total_bytes", total)
	}

	if len(rotated) > 0 {
		g.pruneRecords(rotated)
	}

	if total >= target {
		conflict = true
		slog.Warn("storage: retention floor prevents reaching usage target",
			"total_bytes", total,
			"target_bytes", target,
			"limit_bytes", g.cfg.MaxBytes,
			"retained_days", remaining,
			"min_retention_days", g.cfg.MinRetentionDays)
	}
	return rotated, conflict, nil
}

// pruneRecords drops the rows backing the rotated days from the
// attached record store. The cutoff is the midnight after the newest
// deleted partition; partitions are whole days, so everything older
// is gone from disk already. Best effort: orphaned rows are a defect,
// a stuck rotation is worse.
func (g *Governor) pruneRecords(rotated []string) {
	if g.pruner == nil {
		return
	}
	newest, err := time.Parse(partitionLayout, rotated[len(rotated)-1])
	if err != nil {
		return
	}
	cutoff := newest.AddDate(0, 0, 1)
	n, err := g.pruner.PruneBefore(context.Background(), cutoff)
	if err != nil {
		slog.Warn("storage: record prune after rotation failed",
			"cutoff", cutoff.Format(partitionLayout),
			"error", err)
		return
	}
	slog.Info("storage: pruned event records for rotated days",
		"rows", n,
		"cutoff", cutoff.Format(partitionLayout))
}

type partition struct {
	name  string
	bytes int64
}

// partitions lists day directories under the root, oldest first.
// Non-partition entries (the SQLite database, stray files) are
// ignored.
func (g *Governor) partitions() ([]partition, error) {
	entries, err := os.ReadDir(g.archive.Root())
	if err != nil {
		return nil, fmt.Errorf("storage: list partitions: %w", err)
	}

	var parts []partition
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := time.Parse(partitionLayout, e.Name()); err != nil {
			continue
		}
		size, err := dirSize(filepath.Join(g.archive.Root(), e.Name()))
		if err != nil {
			return nil, err
		}
		parts = append(parts, partition{name: e.Name(), bytes: size})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].name < parts[j].name })
	return parts, nil
}

// RetainedDays returns the number of day partitions currently held.
func (g *Governor) RetainedDays() (int, error) {
	parts, err := g.partitions()
	if err != nil {
		return 0, err
	}
	return len(parts), nil
}
