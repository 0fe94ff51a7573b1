// Package storage owns the on-disk event archive: date-partitioned
// image and record files, usage accounting, and FIFO rotation under a
// byte budget with a retention floor.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/visiona/sentinel/internal/types"
)

const (
	partitionLayout = "2006-01-02"
	recordFile      = "events.jsonl"
	jpegQuality     = 85
)

// Archive persists event images and records under date-partitioned
// directories: <root>/YYYY-MM-DD/<eventID>.jpg plus one JSONL record
// file per day. It implements types.EventSink for the record side.
type Archive struct {
	root string

	mu sync.Mutex
}

// NewArchive creates the archive root if needed.
func NewArchive(root string) (*Archive, error) {
	if root == "" {
		return nil, fmt.Errorf("archive: empty root")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("archive: create root %s: %w", root, err)
	}
	return &Archive{root: root}, nil
}

// Root returns the archive root directory.
func (a *Archive) Root() string { return a.root }

// SaveImage encodes the frame as JPEG under the day partition for ts
// and returns the path relative to the archive root.
func (a *Archive) SaveImage(eventID string, frame *types.Frame, ts time.Time) (string, error) {
	day := ts.UTC().Format(partitionLayout)
	dir := filepath.Join(a.root, day)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("archive: create partition %s: %w", day, err)
	}

	img, err := frameToImage(frame)
	if err != nil {
		return "", err
	}

	rel := filepath.Join(day, eventID+".jpg")
	f, err := os.Create(filepath.Join(a.root, rel))
	if err != nil {
		return "", fmt.Errorf("archive: create image %s: %w", rel, err)
	}
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		f.Close()
		return "", fmt.Errorf("archive: encode image %s: %w", rel, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("archive: close image %s: %w", rel, err)
	}
	return rel, nil
}

// Name implements types.EventSink.
func (a *Archive) Name() string { return "archive" }

// Write implements types.EventSink: appends the event as one JSONL
// line to its day's record file.
func (a *Archive) Write(_ context.Context, event *types.Event) error {
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("archive: encode event %s: %w", event.EventID, err)
	}

	day := event.Timestamp.UTC().Format(partitionLayout)
	dir := filepath.Join(a.root, day)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("archive: create partition %s: %w", day, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := os.OpenFile(filepath.Join(dir, recordFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("archive: open record file for %s: %w", day, err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("archive: append event %s: %w", event.EventID, err)
	}
	return nil
}

// Flush implements types.EventSink. Records are appended and closed
// per write.
func (a *Archive) Flush(context.Context) error { return nil }

// Close implements types.EventSink.
func (a *Archive) Close() error { return nil }

// frameToImage wraps BGR24 pixel data as a stdlib image for encoding.
func frameToImage(frame *types.Frame) (image.Image, error) {
	if len(frame.Data) < frame.Width*frame.Height*3 {
		return nil, fmt.Errorf("archive: short frame buffer: got %d bytes, need %d",
			len(frame.Data), frame.Width*frame.Height*3)
	}
	img := image.NewRGBA(image.Rect(0, 0, frame.Width, frame.Height))
	for y := 0; y < frame.Height; y++ {
		for x := 0; x < frame.Width; x++ {
			src := (y*frame.Width + x) * 3
			dst := img.PixOffset(x, y)
			img.Pix[dst+0] = frame.Data[src+2] // R
			img.Pix[dst+1] = frame.Data[src+1] // G
			img.Pix[dst+2] = frame.Data[src+0] // B
			img.Pix[dst+3] = 0xff
		}
	}
	return img, nil
}
