package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/visiona/sentinel/internal/types"
)

// RTSPSource implements types.FrameSource over a GStreamer pipeline:
//
//	rtspsrc → rtph264depay → avdec_h264 → videoconvert → videoscale →
//	videorate → capsfilter(BGR,WxH,fps) → appsink
//
// The appsink callback copies each sample into an internal channel;
// Read pulls from that channel. Connect/Read/Close implement the
// pull-based contract the reconnect supervisor drives; GStreamer's
// own retry machinery stays disabled so the supervisor owns the
// backoff policy.
type RTSPSource struct {
	url    string
	width  int
	height int
	fps    int

	mu       sync.Mutex
	pipeline *gst.Pipeline
	frames   chan *types.Frame
	failed   chan struct{} // closed by the bus watcher on pipeline error
	done     chan struct{} // closed on Close, stops the bus watcher
	closed   bool
}

// NewRTSPSource creates the adapter. Fail-fast validation only; the
// pipeline is built on Connect so a reconnect gets a fresh one.
func NewRTSPSource(url string, width, height, fps int) (*RTSPSource, error) {
	if url == "" {
		return nil, fmt.Errorf("capture: RTSP URL is required")
	}
	if fps <= 0 || fps > 30 {
		return nil, fmt.Errorf("capture: invalid fps %d (must be 1-30)", fps)
	}
	return &RTSPSource{url: url, width: width, height: height, fps: fps}, nil
}

// Connect implements types.FrameSource. Builds and starts a fresh
// pipeline; safe to call again after a failure.
func (r *RTSPSource) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return types.ErrSourceClosed
	}
	r.teardownLocked()

	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return fmt.Errorf("capture: failed to create pipeline: %w", err)
	}

	rtspsrc, err := gst.NewElement("rtspsrc")
	if err != nil {
		return fmt.Errorf("capture: failed to create rtspsrc: %w", err)
	}
	rtspsrc.SetProperty("location", r.url)
	rtspsrc.SetProperty("protocols", 4) // TCP only
	rtspsrc.SetProperty("latency", 200)
	rtspsrc.SetProperty("tcp-timeout", uint64(10000000)) // 10s

	depay, err := gst.NewElement("rtph264depay")
	if err != nil {
		return fmt.Errorf("capture: failed to create rtph264depay: %w", err)
	}

	decoder, err := gst.NewElement("avdec_h264")
	if err != nil {
		return fmt.Errorf("capture: failed to create avdec_h264: %w", err)
	}
	decoder.SetProperty("max-threads", 0)
	decoder.SetProperty("output-corrupt", false)

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return fmt.Errorf("capture: failed to create videoconvert: %w", err)
	}

	scaler, err := gst.NewElement("videoscale")
	if err != nil {
		return fmt.Errorf("capture: failed to create videoscale: %w", err)
	}

	videorate, err := gst.NewElement("videorate")
	if err != nil {
		return fmt.Errorf("capture: failed to create videorate: %w", err)
	}
	videorate.SetProperty("drop-only", true)
	videorate.SetProperty("skip-to-first", true)

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return fmt.Errorf("capture: failed to create capsfilter: %w", err)
	}
	capsStr := fmt.Sprintf("video/x-raw,format=BGR,width=%d,height=%d,framerate=%d/1",
		r.width, r.height, r.fps)
	capsfilter.SetProperty("caps", gst.NewCapsFromString(capsStr))

	appsink, err := app.NewAppSink()
	if err != nil {
		return fmt.Errorf("capture: failed to create appsink: %w", err)
	}
	appsink.SetProperty("sync", false)
	appsink.SetProperty("max-buffers", 1)
	appsink.SetProperty("drop", true)

	pipeline.AddMany(rtspsrc, depay, decoder, converter, scaler, videorate, capsfilter, appsink.Element)
	if err := gst.ElementLinkMany(depay, decoder, converter, scaler, videorate, capsfilter, appsink.Element); err != nil {
		return fmt.Errorf("capture: failed to link pipeline elements: %w", err)
	}

	// rtspsrc pads are dynamic; link to the depayloader as they appear.
	rtspsrc.Connect("pad-added", func(_ *gst.Element, srcPad *gst.Pad) {
		sinkPad := depay.GetStaticPad("sink")
		if sinkPad == nil {
			slog.Error("capture: rtph264depay has no sink pad")
			return
		}
		if ret := srcPad.Link(sinkPad); ret != gst.PadLinkOK {
			slog.Error("capture: failed to link rtspsrc pad", "pad", srcPad.GetName(), "ret", ret)
		}
	})

	frames := make(chan *types.Frame, 10)
	failed := make(chan struct{})
	done := make(chan struct{})

	appsink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			return r.onSample(sink, frames)
		},
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		pipeline.SetState(gst.StateNull)
		return fmt.Errorf("capture: failed to start pipeline: %w", err)
	}

	r.pipeline = pipeline
	r.frames = frames
	r.failed = failed
	r.done = done

	go r.watchBus(pipeline, failed, done)

	slog.Info("capture: rtsp pipeline started",
		"url", r.url,
		"resolution", fmt.Sprintf("%dx%d", r.width, r.height),
		"fps", r.fps,
	)
	return nil
}

// onSample copies one appsink sample into the frame channel,
// dropping when the channel is full. A single bad sample is skipped,
// never terminal.
func (r *RTSPSource) onSample(sink *app.Sink, frames chan *types.Frame) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}
	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		return gst.FlowOK
	}
	frameData := make([]byte, len(data))
	copy(frameData, data)
	buffer.Unmap()

	frame := &types.Frame{
		Timestamp: time.Now(),
		Width:     r.width,
		Height:    r.height,
		Data:      frameData,
		TraceID:   uuid.NewString(),
	}

	select {
	case frames <- frame:
	default:
		// Channel full; favor recency, the queue applies the same policy.
	}
	return gst.FlowOK
}

// watchBus surfaces pipeline errors and EOS as a terminal failure so
// Read reports ErrSourceClosed and the supervisor reconnects.
func (r *RTSPSource) watchBus(pipeline *gst.Pipeline, failed chan struct{}, done chan struct{}) {
	bus := pipeline.GetPipelineBus()
	for {
		select {
		case <-done:
			return
		default:
		}
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageError:
			gerr := msg.ParseError()
			slog.Error("capture: pipeline error", "error", gerr.Error())
			close(failed)
			return
		case gst.MessageEOS:
			slog.Warn("capture: pipeline end of stream")
			close(failed)
			return
		}
	}
}

// Read implements types.FrameSource.
func (r *RTSPSource) Read(ctx context.Context, timeout time.Duration) (*types.Frame, error) {
	r.mu.Lock()
	frames, failed := r.frames, r.failed
	closed := r.closed
	r.mu.Unlock()

	if closed || frames == nil {
		return nil, types.ErrSourceClosed
	}

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case frame := <-frames:
		return frame, nil
	case <-failed:
		return nil, types.ErrSourceClosed
	case <-t.C:
		return nil, types.ErrReadTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements types.FrameSource. Idempotent.
func (r *RTSPSource) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.teardownLocked()
	return nil
}

// teardownLocked stops the bus watcher and releases the pipeline.
func (r *RTSPSource) teardownLocked() {
	if r.done != nil {
		close(r.done)
		r.done = nil
	}
	if r.pipeline != nil {
		if err := r.pipeline.SetState(gst.StateNull); err != nil {
			slog.Warn("capture: failed to stop pipeline", "error", err)
		}
		r.pipeline = nil
	}
	r.frames = nil
	r.failed = nil
}
