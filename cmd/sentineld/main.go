package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/visiona/sentinel/internal/capture"
	"github.com/visiona/sentinel/internal/config"
	"github.com/visiona/sentinel/internal/core"
	"github.com/visiona/sentinel/internal/dedup"
	"github.com/visiona/sentinel/internal/emitter"
	"github.com/visiona/sentinel/internal/framequeue"
	"github.com/visiona/sentinel/internal/inference"
	"github.com/visiona/sentinel/internal/metric"
	"github.com/visiona/sentinel/internal/motion"
	"github.com/visiona/sentinel/internal/storage"
	"github.com/visiona/sentinel/internal/types"
)

const defaultConfigPath = "config/sentinel.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	slog.Info("starting sentinel service",
		"config", *configPath,
		"debug", *debug,
	)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}

	supervisor, err := build(cfg, *configPath)
	if err != nil {
		slog.Error("failed to build pipeline", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	errChan := make(chan error, 1)
	go func() {
		errChan <- supervisor.Run(ctx)
	}()

	for {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				slog.Info("received reload signal")
				supervisor.RequestReload()
				continue
			}
			slog.Info("received shutdown signal", "signal", sig.String())
			cancel()
		case err := <-errChan:
			if err != nil {
				slog.Error("sentinel terminated", "reason", err)
				os.Exit(1)
			}
			slog.Info("sentinel service stopped")
			return
		}
	}
}

// build wires the pipeline from configuration: frame source, queue,
// stages, sinks, governor.
func build(cfg *config.Config, configPath string) (*core.Supervisor, error) {
	agg := metric.New(cfg.Metrics.WindowSize)
	queue := framequeue.New(cfg.Pipeline.QueueCapacity)

	var source types.FrameSource
	if cfg.Camera.RTSPURL != "" {
		rtsp, err := capture.NewRTSPSource(cfg.Camera.RTSPURL, cfg.Camera.Width, cfg.Camera.Height, cfg.Camera.FPS)
		if err != nil {
			return nil, fmt.Errorf("rtsp source: %w", err)
		}
		source = rtsp
	} else {
		slog.Warn("no rtsp_url configured, using synthetic frame source")
		source = capture.NewMockSource(cfg.Camera.Width, cfg.Camera.Height, cfg.Camera.FPS)
	}

	captureSup := capture.NewSupervisor(source, queue, agg, capture.Config{
		ReadTimeout:     cfg.Camera.ReadTimeout(),
		MaxFailures:     cfg.Camera.MaxReconnects,
		BackoffInitial:  cfg.Camera.BackoffInitial(),
		BackoffMax:      cfg.Camera.BackoffMax(),
		FatalIsTerminal: cfg.Camera.FatalIsTerminal,
	})

	gate := motion.NewGate(motion.Config{
		Threshold:      cfg.Motion.Threshold,
		LearningFrames: cfg.Motion.LearningFrames,
		PixelStride:    cfg.Motion.PixelStride,
		NoiseDelta:     float64(cfg.Motion.NoiseDelta),
		Alpha:          cfg.Motion.Alpha,
	})

	deduplicator := dedup.New(dedup.Config{
		Window:      cfg.Dedup.Window(),
		MinOverlap:  cfg.Dedup.OverlapThreshold,
		HistorySize: cfg.Dedup.HistorySize,
	})

	var describer types.Describer
	if cfg.Inference.DescriberURL != "" {
		describer = inference.NewHTTPDescriber(cfg.Inference.DescriberURL)
	}
	var classifier types.Classifier
	if cfg.Inference.ClassifierURL != "" {
		classifier = inference.NewHTTPClassifier(cfg.Inference.ClassifierURL)
	} else {
		return nil, fmt.Errorf("inference.classifier_url is required")
	}
	stage := inference.NewStage(classifier, describer, inference.Config{
		ClassifyTimeout: cfg.Inference.ClassifyTimeout(),
		DescribeTimeout: cfg.Inference.DescribeTimeout(),
	}, agg)

	archive, err := storage.NewArchive(cfg.Storage.Root)
	if err != nil {
		return nil, err
	}

	// The archive is the primary sink: an event exists once it is on
	// local disk. MQTT and SQLite are best-effort secondaries.
	sinks := []types.EventSink{archive}
	if cfg.Sinks.MQTT != nil {
		mqttSink, err := emitter.NewMQTTSink(*cfg.Sinks.MQTT, cfg.InstanceID)
		if err != nil {
			return nil, err
		}
		if err := mqttSink.Connect(context.Background()); err != nil {
			return nil, err
		}
		sinks = append(sinks, mqttSink)
	}
	var sqliteSink *emitter.SQLiteSink
	if cfg.Sinks.SQLite != "" {
		sqliteSink, err = emitter.NewSQLiteSink(cfg.Sinks.SQLite)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sqliteSink)
	}

	governor := storage.NewGovernor(archive, storage.Config{
		MaxBytes:         cfg.Storage.MaxBytes,
		MinRetentionDays: cfg.Storage.MinRetentionDays,
		CheckEveryEvents: cfg.Storage.CheckEveryEvents,
	})
	if sqliteSink != nil {
		// Rotation drops the database rows for deleted days too.
		governor.AttachPruner(sqliteSink)
	}

	var metricsSink types.MetricsSink
	if cfg.Metrics.LogPath != "" {
		metricsSink, err = metric.NewLogSink(cfg.Metrics.LogPath)
		if err != nil {
			return nil, err
		}
	}

	return core.NewSupervisor(cfg, configPath, core.Deps{
		Queue:       queue,
		Capture:     captureSup,
		Gate:        gate,
		Dedup:       deduplicator,
		Stage:       stage,
		Sinks:       emitter.NewFanout(sinks...),
		Archive:     archive,
		Governor:    governor,
		Agg:         agg,
		MetricsSink: metricsSink,
	}), nil
}
