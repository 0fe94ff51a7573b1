package core

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/visiona/sentinel/internal/capture"
	"github.com/visiona/sentinel/internal/types"
)

const probeTimeout = 3 * time.Second

// healthCheck verifies the pipeline's dependencies before any frame
// is consumed: the archive root must be writable, the inference
// collaborators reachable, and the frame source and sinks probed.
// Only the archive and the classifier are fatal; everything else
// either degrades (describer, secondary sinks) or recovers on its own
// (the source, via the reconnect supervisor).
func (s *Supervisor) healthCheck(ctx context.Context) error {
	probe := filepath.Join(s.deps.Archive.Root(), ".probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("archive root not writable: %w", err)
	}
	os.Remove(probe)

	if s.cfg.Inference.ClassifierURL != "" {
		if err := probeEndpoint(ctx, s.cfg.Inference.ClassifierURL); err != nil {
			return fmt.Errorf("classifier unreachable: %w", err)
		}
	}
	if s.cfg.Inference.DescriberURL != "" {
		if err := probeEndpoint(ctx, s.cfg.Inference.DescriberURL); err != nil {
			// Description is a degradable stage; an unreachable
			// describer delays nothing.
			slog.Warn("health: describer unreachable at startup, events will lack descriptions",
				"url", s.cfg.Inference.DescriberURL, "error", err)
		}
	}
	if s.cfg.Camera.RTSPURL != "" {
		if err := probeEndpoint(ctx, s.cfg.Camera.RTSPURL); err != nil {
			// The reconnect supervisor owns recovery; startup proceeds.
			slog.Warn("health: camera unreachable at startup, relying on reconnection",
				"url", s.cfg.Camera.RTSPURL, "error", err)
		}
	}
	if err := s.deps.Sinks.Probe(ctx); err != nil {
		// Secondaries are best effort; the primary archive was just
		// verified writable above.
		slog.Warn("health: sink probe failed, delivery may be degraded", "error", err)
	}

	slog.Info("health: startup checks passed",
		"archive_root", s.deps.Archive.Root(),
		"classifier", s.cfg.Inference.ClassifierURL,
		"describer", s.cfg.Inference.DescriberURL)
	return nil
}

// probeEndpoint confirms a TCP path to the collaborator's host.
func probeEndpoint(ctx context.Context, rawURL string) error {
	host, err := endpointAddr(rawURL)
	if err != nil {
		return err
	}
	d := net.Dialer{Timeout: probeTimeout}
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return err
	}
	conn.Close()
	return nil
}

// endpointAddr resolves a collaborator URL to a dialable host:port,
// filling in the scheme's well-known port when none is given.
func endpointAddr(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse %s: %w", rawURL, err)
	}
	if u.Port() != "" {
		return u.Host, nil
	}
	switch u.Scheme {
	case "https":
		return net.JoinHostPort(u.Hostname(), "443"), nil
	case "rtsp":
		return net.JoinHostPort(u.Hostname(), "554"), nil
	default:
		return net.JoinHostPort(u.Hostname(), "80"), nil
	}
}

// Status is a point-in-time operational summary, exposed for the
// stats log and for operators poking the process.
type Status struct {
	State           string                 `json:"state"`
	UptimeSeconds   int64                  `json:"uptime_seconds"`
	StreamState     string                 `json:"stream_state"`
	StreamConnected bool                   `json:"stream_connected"`
	QueueLen        int                    `json:"queue_len"`
	Metrics         *types.MetricsSnapshot `json:"metrics"`
}

// Status reports the supervisor's current operational state.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	state := s.state
	started := s.started
	s.mu.RUnlock()

	streamState := s.deps.Capture.State()
	return Status{
		State:           state.String(),
		UptimeSeconds:   int64(time.Since(started).Seconds()),
		StreamState:     streamState.String(),
		StreamConnected: streamState == capture.StateConnected,
		QueueLen:        s.deps.Queue.Len(),
		Metrics:         s.deps.Agg.Snapshot(),
	}
}
