package config

import (
	"fmt"
	"regexp"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks the configuration and applies defaults in place.
// A Config that passes Validate is safe to hand to the supervisor.
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	// Camera defaults
	if cfg.Camera.Width <= 0 {
		cfg.Camera.Width = 640
	}
	if cfg.Camera.Height <= 0 {
		cfg.Camera.Height = 480
	}
	if cfg.Camera.FPS <= 0 {
		cfg.Camera.FPS = 10
	}
	if cfg.Camera.ReadTimeoutS <= 0 {
		cfg.Camera.ReadTimeoutS = 5
	}
	if cfg.Camera.MaxReconnects <= 0 {
		cfg.Camera.MaxReconnects = 5
	}
	if cfg.Camera.BackoffInitialMS <= 0 {
		cfg.Camera.BackoffInitialMS = 1000
	}
	if cfg.Camera.BackoffMaxMS <= 0 {
		cfg.Camera.BackoffMaxMS = 8000
	}
	if cfg.Camera.BackoffMaxMS < cfg.Camera.BackoffInitialMS {
		return fmt.Errorf("camera.backoff_max_ms must be >= camera.backoff_initial_ms")
	}

	// Pipeline defaults
	if cfg.Pipeline.QueueCapacity <= 0 {
		cfg.Pipeline.QueueCapacity = 100
	}
	if cfg.Pipeline.SamplingRate <= 0 {
		cfg.Pipeline.SamplingRate = 1
	}
	if cfg.Pipeline.DrainTimeoutS <= 0 {
		cfg.Pipeline.DrainTimeoutS = 10
	}
	if cfg.Pipeline.StatsIntervalS <= 0 {
		cfg.Pipeline.StatsIntervalS = 30
	}
	if cfg.Pipeline.PopPollInterval <= 0 {
		cfg.Pipeline.PopPollInterval = 100
	}

	// Motion defaults
	if cfg.Motion.Threshold <= 0 {
		cfg.Motion.Threshold = 0.02
	}
	if cfg.Motion.Threshold >= 1 {
		return fmt.Errorf("motion.threshold must be in (0,1), got %v", cfg.Motion.Threshold)
	}
	if cfg.Motion.LearningFrames <= 0 {
		cfg.Motion.LearningFrames = 100
	}
	if cfg.Motion.PixelStride <= 0 {
		cfg.Motion.PixelStride = 2
	}
	if cfg.Motion.NoiseDelta <= 0 {
		cfg.Motion.NoiseDelta = 25
	}
	if cfg.Motion.Alpha <= 0 || cfg.Motion.Alpha >= 1 {
		cfg.Motion.Alpha = 0.05
	}

	// Dedup defaults
	if cfg.Dedup.WindowS <= 0 {
		cfg.Dedup.WindowS = 30
	}
	if cfg.Dedup.OverlapThreshold <= 0 {
		cfg.Dedup.OverlapThreshold = 0.80
	}
	if cfg.Dedup.OverlapThreshold > 1 {
		return fmt.Errorf("dedup.overlap_threshold must be in (0,1], got %v", cfg.Dedup.OverlapThreshold)
	}
	if cfg.Dedup.HistorySize <= 0 {
		cfg.Dedup.HistorySize = 5
	}

	// Inference defaults
	if cfg.Inference.ClassifyTimeoutMS <= 0 {
		cfg.Inference.ClassifyTimeoutMS = 500
	}
	if cfg.Inference.DescribeTimeoutS <= 0 {
		cfg.Inference.DescribeTimeoutS = 10
	}

	// Storage defaults
	if cfg.Storage.Root == "" {
		return fmt.Errorf("storage.root is required")
	}
	if cfg.Storage.MaxBytes <= 0 {
		cfg.Storage.MaxBytes = 4 << 30 // 4 GiB
	}
	if cfg.Storage.MinRetentionDays <= 0 {
		cfg.Storage.MinRetentionDays = 7
	}
	if cfg.Storage.CheckEveryEvents <= 0 {
		cfg.Storage.CheckEveryEvents = 100
	}

	// Metrics defaults
	if cfg.Metrics.IntervalS <= 0 {
		cfg.Metrics.IntervalS = 60
	}
	if cfg.Metrics.WindowSize <= 0 {
		cfg.Metrics.WindowSize = 1000
	}

	// Sink validation
	if cfg.Sinks.MQTT != nil {
		if cfg.Sinks.MQTT.Broker == "" {
			return fmt.Errorf("sinks.mqtt.broker is required when mqtt sink is configured")
		}
		if cfg.Sinks.MQTT.Topic == "" {
			cfg.Sinks.MQTT.Topic = fmt.Sprintf("sentinel/events/%s", cfg.InstanceID)
		}
		switch cfg.Sinks.MQTT.Encoding {
		case "":
			cfg.Sinks.MQTT.Encoding = "json"
		case "json", "msgpack":
		default:
			return fmt.Errorf("sinks.mqtt.encoding must be json or msgpack, got %q", cfg.Sinks.MQTT.Encoding)
		}
	}

	return nil
}
