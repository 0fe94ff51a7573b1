// Package config loads and validates the sentinel YAML configuration.
//
// Load reads a file, Validate applies defaults and rejects invalid
// values. Hot reload re-runs the same pair against the same path; the
// previous configuration stays in effect if validation fails.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete sentinel configuration.
type Config struct {
	InstanceID string `yaml:"instance_id"`

	Camera    CameraConfig    `yaml:"camera"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Motion    MotionConfig    `yaml:"motion"`
	Dedup     DedupConfig     `yaml:"dedup"`
	Inference InferenceConfig `yaml:"inference"`
	Storage   StorageConfig   `yaml:"storage"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Sinks     SinksConfig     `yaml:"sinks"`
}

// CameraConfig contains frame source settings.
type CameraConfig struct {
	RTSPURL string `yaml:"rtsp_url"` // empty = mock source
	Width   int    `yaml:"width"`
	Height  int    `yaml:"height"`
	FPS     int    `yaml:"fps"`

	ReadTimeoutS     int  `yaml:"read_timeout_s"`     // frame read timeout (default 5)
	MaxReconnects    int  `yaml:"max_reconnects"`     // consecutive failures before Fatal (default 5)
	FatalIsTerminal  bool `yaml:"fatal_is_terminal"`  // Fatal state terminates the process
	BackoffInitialMS int  `yaml:"backoff_initial_ms"` // default 1000
	BackoffMaxMS     int  `yaml:"backoff_max_ms"`     // default 8000
}

// PipelineConfig contains queue and loop settings.
type PipelineConfig struct {
	QueueCapacity   int `yaml:"queue_capacity"`    // default 100
	SamplingRate    int `yaml:"sampling_rate"`     // default 1 (every motion frame)
	DrainTimeoutS   int `yaml:"drain_timeout_s"`   // default 10
	StatsIntervalS  int `yaml:"stats_interval_s"`  // default 30
	PopPollInterval int `yaml:"pop_poll_interval"` // ms, default 100
}

// MotionConfig contains motion gate settings.
type MotionConfig struct {
	Threshold      float64 `yaml:"threshold"`       // motion area fraction, default 0.02
	LearningFrames int     `yaml:"learning_frames"` // default 100
	PixelStride    int     `yaml:"pixel_stride"`    // default 2
	NoiseDelta     int     `yaml:"noise_delta"`     // per-pixel luma threshold, default 25
	Alpha          float64 `yaml:"alpha"`           // background EW weight, default 0.05
}

// DedupConfig contains suppression settings.
type DedupConfig struct {
	WindowS          int     `yaml:"window_s"`          // default 30
	OverlapThreshold float64 `yaml:"overlap_threshold"` // Jaccard, default 0.80
	HistorySize      int     `yaml:"history_size"`      // default 5
}

// InferenceConfig contains collaborator endpoints and timeouts.
type InferenceConfig struct {
	ClassifierURL     string `yaml:"classifier_url"`
	DescriberURL      string `yaml:"describer_url"`
	ClassifyTimeoutMS int    `yaml:"classify_timeout_ms"` // default 500
	DescribeTimeoutS  int    `yaml:"describe_timeout_s"`  // default 10
}

// StorageConfig contains retention settings.
type StorageConfig struct {
	Root             string `yaml:"root"`               // event-data root directory
	MaxBytes         int64  `yaml:"max_bytes"`          // default 4 GiB
	MinRetentionDays int    `yaml:"min_retention_days"` // default 7
	CheckEveryEvents int    `yaml:"check_every_events"` // default 100
}

// MetricsConfig contains metrics aggregation settings.
type MetricsConfig struct {
	IntervalS  int    `yaml:"interval_s"`  // snapshot interval, default 60
	WindowSize int    `yaml:"window_size"` // rolling samples per timer, default 1000
	LogPath    string `yaml:"log_path"`    // metrics JSONL log, empty = disabled
}

// SinksConfig configures event sinks. The archive sink is always on
// (it backs retention); MQTT and SQLite are optional.
type SinksConfig struct {
	MQTT   *MQTTSinkConfig `yaml:"mqtt,omitempty"`
	SQLite string          `yaml:"sqlite,omitempty"` // database path, empty = disabled
}

// MQTTSinkConfig contains MQTT broker settings for the event sink.
type MQTTSinkConfig struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	QoS      byte   `yaml:"qos"`
	Encoding string `yaml:"encoding"` // json (default) or msgpack
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// ReadTimeout returns the frame read timeout.
func (c *CameraConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutS) * time.Second
}

// BackoffInitial returns the initial reconnect delay.
func (c *CameraConfig) BackoffInitial() time.Duration {
	return time.Duration(c.BackoffInitialMS) * time.Millisecond
}

// BackoffMax returns the reconnect delay cap.
func (c *CameraConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxMS) * time.Millisecond
}

// Window returns the suppression window.
func (c *DedupConfig) Window() time.Duration {
	return time.Duration(c.WindowS) * time.Second
}

// ClassifyTimeout returns the per-call classification timeout.
func (c *InferenceConfig) ClassifyTimeout() time.Duration {
	return time.Duration(c.ClassifyTimeoutMS) * time.Millisecond
}

// DescribeTimeout returns the per-call description timeout.
func (c *InferenceConfig) DescribeTimeout() time.Duration {
	return time.Duration(c.DescribeTimeoutS) * time.Second
}

// DrainTimeout returns the draining ceiling.
func (c *PipelineConfig) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutS) * time.Second
}

// PopPoll returns the queue pop polling interval.
func (c *PipelineConfig) PopPoll() time.Duration {
	return time.Duration(c.PopPollInterval) * time.Millisecond
}

// MetricsInterval returns the snapshot interval.
func (c *MetricsConfig) Interval() time.Duration {
	return time.Duration(c.IntervalS) * time.Second
}

// StatsInterval returns the periodic stats logging interval.
func (c *PipelineConfig) StatsInterval() time.Duration {
	return time.Duration(c.StatsIntervalS) * time.Second
}
