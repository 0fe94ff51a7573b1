// Package core orchestrates the sentinel pipeline: frame acquisition
// feeding a bounded queue, a single sequential consumer running
// motion gating, sampling, inference, deduplication, and emission,
// plus the periodic storage and metrics duties.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/visiona/sentinel/internal/capture"
	"github.com/visiona/sentinel/internal/config"
	"github.com/visiona/sentinel/internal/dedup"
	"github.com/visiona/sentinel/internal/emitter"
	"github.com/visiona/sentinel/internal/framequeue"
	"github.com/visiona/sentinel/internal/inference"
	"github.com/visiona/sentinel/internal/metric"
	"github.com/visiona/sentinel/internal/motion"
	"github.com/visiona/sentinel/internal/storage"
	"github.com/visiona/sentinel/internal/types"
)

// ErrStorageExhausted is returned by Run when the archive hit its
// byte budget and rotation could not relieve it.
var ErrStorageExhausted = errors.New("storage budget exhausted")

// Deps are the collaborators the supervisor orchestrates. All are
// required except MetricsSink and Describer (carried inside Stage).
type Deps struct {
	Queue    *framequeue.Queue
	Capture  *capture.Supervisor
	Gate     *motion.Gate
	Dedup    *dedup.Deduplicator
	Stage    *inference.Stage
	Sinks    *emitter.Fanout
	Archive  *storage.Archive
	Governor *storage.Governor
	Agg      *metric.Aggregator

	MetricsSink types.MetricsSink
}

// Supervisor owns the pipeline lifecycle:
// Starting → Running → Draining → Stopped, with ReloadingConfig
// re-entrant from Running.
type Supervisor struct {
	cfg        *config.Config
	configPath string
	deps       Deps

	mu      sync.RWMutex
	state   State
	started time.Time

	// motionCount feeds the sampling decision; touched only by the
	// pipeline consumer.
	motionCount uint64

	// Owned by Run; applyReload resets them when intervals change.
	metricsTick *time.Ticker
	statsTick   *time.Ticker

	reloadC chan struct{}
}

// NewSupervisor wires a supervisor over already-constructed
// collaborators.
func NewSupervisor(cfg *config.Config, configPath string, deps Deps) *Supervisor {
	return &Supervisor{
		cfg:        cfg,
		configPath: configPath,
		deps:       deps,
		state:      StateStarting,
		reloadC:    make(chan struct{}, 1),
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// RequestReload asks the pipeline to reload configuration at the next
// loop iteration. Safe from any goroutine (signal handlers).
func (s *Supervisor) RequestReload() {
	select {
	case s.reloadC <- struct{}{}:
	default:
	}
}

// Run drives the pipeline until ctx is cancelled or a fatal condition
// forces shutdown. It always drains before returning.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	s.started = time.Now()
	s.mu.Unlock()
	s.setState(StateStarting)

	if err := s.healthCheck(ctx); err != nil {
		s.setState(StateStopped)
		return fmt.Errorf("startup health check: %w", err)
	}

	captureCtx, stopCapture := context.WithCancel(ctx)
	defer stopCapture()

	captureErr := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		captureErr <- s.deps.Capture.Run(captureCtx)
	}()

	s.setState(StateRunning)

	s.metricsTick = time.NewTicker(s.cfg.Metrics.Interval())
	defer s.metricsTick.Stop()
	s.statsTick = time.NewTicker(s.cfg.Pipeline.StatsInterval())
	defer s.statsTick.Stop()

	var runErr error

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-captureErr:
			if err != nil {
				runErr = fmt.Errorf("frame acquisition: %w", err)
				break loop
			}
			// Acquisition ended without error only because ctx is
			// going down; the next select sees it.
			continue
		case failures := <-s.deps.Capture.Fatal():
			// Under the terminal policy the acquisition goroutine
			// returns its error next; queued frames keep flowing
			// until then.
			slog.Error("pipeline: frame source entered fatal state",
				"consecutive_failures", failures,
				"terminal", s.cfg.Camera.FatalIsTerminal)
			continue
		case <-s.metricsTick.C:
			s.flushMetrics(ctx)
			continue
		case <-s.statsTick.C:
			s.logStats()
			continue
		case <-s.reloadC:
			s.applyReload()
			continue
		default:
		}

		frame, ok := s.deps.Queue.Pop(s.cfg.Pipeline.PopPoll())
		if !ok {
			continue
		}
		if critical := s.processFrame(ctx, frame); critical {
			runErr = ErrStorageExhausted
			break loop
		}
	}

	s.drain(stopCapture, &wg)

	if runErr != nil {
		return runErr
	}
	return nil
}

// processFrame runs one frame through the pipeline stages. Any
// single-frame error is logged and absorbed here; a bad frame never
// terminates the process. The return value reports a critical storage
// condition, which does.
func (s *Supervisor) processFrame(ctx context.Context, frame *types.Frame) (critical bool) {
	s.deps.Agg.IncFramesSeen()

	result, err := s.deps.Gate.Process(frame)
	if err != nil {
		slog.Warn("pipeline: motion gate rejected frame",
			"frame_seq", frame.Seq, "error", err)
		s.deps.Agg.IncFrameErrors()
		return false
	}
	if !result.HasMotion {
		return false
	}
	s.deps.Agg.IncFramesMotion()

	s.motionCount++
	if !shouldSample(s.motionCount, s.cfg.Pipeline.SamplingRate) {
		return false
	}
	s.deps.Agg.IncFramesSampled()

	detections, err := s.deps.Stage.Classify(ctx, frame)
	if err != nil {
		slog.Warn("pipeline: classification failed, skipping frame",
			"frame_seq", frame.Seq, "error", err)
		s.deps.Agg.IncFrameErrors()
		return false
	}

	if !s.deps.Dedup.ShouldEmit(detections) {
		s.deps.Agg.IncEventsSuppressed()
		slog.Debug("pipeline: event suppressed as duplicate",
			"frame_seq", frame.Seq,
			"signature", dedup.Signature(detections))
		return false
	}

	description := s.deps.Stage.Describe(ctx, frame, detections)

	event := types.NewEvent(frame, result.Confidence, detections, description)
	if ref, err := s.deps.Archive.SaveImage(event.EventID, frame, event.Timestamp); err != nil {
		slog.Warn("pipeline: image archive failed, emitting without image",
			"event_id", event.EventID, "error", err)
	} else {
		event.ImageRef = ref
	}

	if err := s.deps.Sinks.Write(ctx, event); err != nil {
		slog.Error("pipeline: event emission failed",
			"event_id", event.EventID, "error", err)
		s.deps.Agg.IncFrameErrors()
		return false
	}
	s.deps.Agg.IncEventsEmitted()
	slog.Info("event emitted",
		"event_id", event.EventID,
		"labels", event.Detections.Labels(),
		"motion_confidence", fmt.Sprintf("%.3f", event.MotionConfidence),
		"image_ref", event.ImageRef)

	return s.afterEmit()
}

// afterEmit runs the amortized storage check and interprets its
// status.
func (s *Supervisor) afterEmit() (critical bool) {
	status, err := s.deps.Governor.OnEvent()
	if err != nil {
		slog.Warn("pipeline: storage check failed", "error", err)
		return false
	}
	if status == nil {
		return false
	}

	if len(status.Rotated) > 0 {
		slog.Info("pipeline: storage rotated",
			"partitions", status.Rotated,
			"percent_used", fmt.Sprintf("%.1f", status.Snapshot.PercentUsed))
	}
	if status.RetentionConflict {
		slog.Error("pipeline: retention floor conflicts with storage ceiling; keeping minimum days and exceeding the byte budget",
			"total_bytes", status.Snapshot.TotalBytes,
			"limit_bytes", status.Snapshot.LimitBytes,
			"min_retention_days", s.cfg.Storage.MinRetentionDays)
	}
	if status.Level == storage.LevelCritical {
		slog.Error("pipeline: storage budget exhausted, initiating graceful shutdown",
			"total_bytes", status.Snapshot.TotalBytes,
			"limit_bytes", status.Snapshot.LimitBytes)
		return true
	}
	return false
}

// drain moves through Draining to Stopped under the configured
// ceiling: stop admitting frames, flush every sink, wait for
// acquisition to land.
func (s *Supervisor) drain(stopCapture context.CancelFunc, wg *sync.WaitGroup) {
	s.setState(StateDraining)
	deadline := time.Now().Add(s.cfg.Pipeline.DrainTimeout())

	stopCapture()
	s.deps.Queue.Close()

	flushCtx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	s.flushMetrics(flushCtx)
	if err := s.deps.Sinks.Flush(flushCtx); err != nil {
		slog.Warn("pipeline: sink flush during drain failed", "error", err)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Until(deadline)):
		slog.Error("pipeline: drain ceiling exceeded, forcing termination",
			"ceiling", s.cfg.Pipeline.DrainTimeout())
	}

	if err := s.deps.Sinks.Close(); err != nil {
		slog.Warn("pipeline: sink close failed", "error", err)
	}
	if s.deps.MetricsSink != nil {
		if err := s.deps.MetricsSink.Close(); err != nil {
			slog.Warn("pipeline: metrics sink close failed", "error", err)
		}
	}

	s.setState(StateStopped)
}

// applyReload re-reads the configuration file and applies the dynamic
// subset. On validation failure the previous configuration remains in
// effect. Camera, queue, and sink topology changes need a restart and
// are ignored with a warning.
func (s *Supervisor) applyReload() {
	s.setState(StateReloadingConfig)
	defer s.setState(StateRunning)

	fresh, err := config.Load(s.configPath)
	if err != nil {
		slog.Error("reload: config rejected, keeping previous configuration",
			"path", s.configPath, "error", err)
		return
	}

	old := s.cfg

	if fresh.Motion != old.Motion {
		s.deps.Gate = motion.NewGate(motion.Config{
			Threshold:      fresh.Motion.Threshold,
			LearningFrames: fresh.Motion.LearningFrames,
			PixelStride:    fresh.Motion.PixelStride,
			NoiseDelta:     float64(fresh.Motion.NoiseDelta),
			Alpha:          fresh.Motion.Alpha,
		})
		slog.Info("reload: motion gate rebuilt, re-entering learning phase")
	}
	if fresh.Dedup != old.Dedup {
		s.deps.Dedup = dedup.New(dedup.Config{
			Window:      time.Duration(fresh.Dedup.WindowS) * time.Second,
			MinOverlap:  fresh.Dedup.OverlapThreshold,
			HistorySize: fresh.Dedup.HistorySize,
		})
		slog.Info("reload: deduplicator rebuilt with fresh history")
	}
	if fresh.Inference.ClassifierURL != old.Inference.ClassifierURL ||
		fresh.Inference.DescriberURL != old.Inference.DescriberURL {
		slog.Warn("reload: inference endpoint changes require a restart; ignored")
		fresh.Inference.ClassifierURL = old.Inference.ClassifierURL
		fresh.Inference.DescriberURL = old.Inference.DescriberURL
	}
	if fresh.Inference != old.Inference {
		s.deps.Stage.Reconfigure(inference.Config{
			ClassifyTimeout: fresh.Inference.ClassifyTimeout(),
			DescribeTimeout: fresh.Inference.DescribeTimeout(),
		})
		slog.Info("reload: inference timeouts applied",
			"classify_timeout", fresh.Inference.ClassifyTimeout(),
			"describe_timeout", fresh.Inference.DescribeTimeout())
	}

	if fresh.Storage.Root != old.Storage.Root {
		slog.Warn("reload: storage root change requires a restart; ignored")
		fresh.Storage.Root = old.Storage.Root
	}
	if fresh.Storage != old.Storage {
		s.deps.Governor.Reconfigure(storage.Config{
			MaxBytes:         fresh.Storage.MaxBytes,
			MinRetentionDays: fresh.Storage.MinRetentionDays,
			CheckEveryEvents: fresh.Storage.CheckEveryEvents,
		})
		slog.Info("reload: storage limits applied",
			"max_bytes", fresh.Storage.MaxBytes,
			"min_retention_days", fresh.Storage.MinRetentionDays)
	}

	if fresh.Metrics.WindowSize != old.Metrics.WindowSize ||
		fresh.Metrics.LogPath != old.Metrics.LogPath {
		slog.Warn("reload: metrics window and log path changes require a restart; ignored")
		fresh.Metrics.WindowSize = old.Metrics.WindowSize
		fresh.Metrics.LogPath = old.Metrics.LogPath
	}
	if fresh.Metrics.IntervalS != old.Metrics.IntervalS && s.metricsTick != nil {
		s.metricsTick.Reset(fresh.Metrics.Interval())
		slog.Info("reload: metrics interval applied", "interval", fresh.Metrics.Interval())
	}
	if fresh.Pipeline.StatsIntervalS != old.Pipeline.StatsIntervalS && s.statsTick != nil {
		s.statsTick.Reset(fresh.Pipeline.StatsInterval())
	}

	if fresh.Camera != old.Camera || !sinksEqual(fresh.Sinks, old.Sinks) ||
		fresh.Pipeline.QueueCapacity != old.Pipeline.QueueCapacity {
		slog.Warn("reload: camera, sink, or queue changes require a restart; ignored")
		fresh.Camera = old.Camera
		fresh.Sinks = old.Sinks
		fresh.Pipeline.QueueCapacity = old.Pipeline.QueueCapacity
	}

	s.mu.Lock()
	s.cfg = fresh
	s.mu.Unlock()

	slog.Info("reload: configuration applied",
		"sampling_rate", fresh.Pipeline.SamplingRate,
		"motion_threshold", fresh.Motion.Threshold,
		"suppression_window_s", fresh.Dedup.WindowS)
}

func sinksEqual(a, b config.SinksConfig) bool {
	if a.SQLite != b.SQLite {
		return false
	}
	if (a.MQTT == nil) != (b.MQTT == nil) {
		return false
	}
	return a.MQTT == nil || *a.MQTT == *b.MQTT
}

func (s *Supervisor) flushMetrics(ctx context.Context) {
	snapshot := s.deps.Agg.Snapshot()
	if s.deps.MetricsSink == nil {
		return
	}
	if err := s.deps.MetricsSink.Append(ctx, snapshot); err != nil {
		slog.Warn("pipeline: metrics append failed", "error", err)
	}
}

func (s *Supervisor) logStats() {
	snapshot := s.deps.Agg.Snapshot()
	stats := s.deps.Capture.Stats()
	slog.Info("pipeline stats",
		"frames_seen", snapshot.FramesSeen,
		"frames_motion", snapshot.FramesMotion,
		"frames_sampled", snapshot.FramesSampled,
		"frames_dropped", snapshot.FramesDropped,
		"events_emitted", snapshot.EventsEmitted,
		"events_suppressed", snapshot.EventsSuppressed,
		"queue_len", s.deps.Queue.Len(),
		"stream_connected", stats.IsConnected,
		"reconnects", snapshot.Reconnects)
}

func (s *Supervisor) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	if prev != next {
		slog.Info("pipeline: state transition", "from", prev.String(), "to", next.String())
	}
}
