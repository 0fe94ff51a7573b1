package emitter

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visiona/sentinel/internal/config"
	"github.com/visiona/sentinel/internal/types"
)

type stubSink struct {
	name    string
	err     error
	written []*types.Event
	flushed bool
	closed  bool
}

func (s *stubSink) Name() string { return s.name }

func (s *stubSink) Write(_ context.Context, event *types.Event) error {
	if s.err != nil {
		return s.err
	}
	s.written = append(s.written, event)
	return nil
}

func (s *stubSink) Flush(context.Context) error {
	s.flushed = true
	return nil
}

func (s *stubSink) Close() error {
	s.closed = true
	return nil
}

func testEvent() *types.Event {
	frame := &types.Frame{Seq: 1, Timestamp: time.Now(), Width: 2, Height: 2, Data: make([]byte, 12)}
	return types.NewEvent(frame, 0.12,
		types.DetectionSet{{Label: "person", Confidence: 0.91, X: 1, Y: 2, Width: 3, Height: 4}},
		"a person near the gate")
}

func TestFanoutDeliversToAllSinks(t *testing.T) {
	a := &stubSink{name: "a"}
	b := &stubSink{name: "b"}
	f := NewFanout(a, b)

	require.NoError(t, f.Write(context.Background(), testEvent()))
	assert.Len(t, a.written, 1)
	assert.Len(t, b.written, 1)

	written, failures := f.Stats()
	assert.Equal(t, uint64(1), written["a"])
	assert.Equal(t, uint64(1), written["b"])
	assert.Empty(t, failures)
}

func TestFanoutSecondaryFailureIsNotFatal(t *testing.T) {
	a := &stubSink{name: "a"}
	b := &stubSink{name: "b", err: errors.New("broker down")}
	f := NewFanout(a, b)

	require.NoError(t, f.Write(context.Background(), testEvent()))
	assert.Len(t, a.written, 1)

	_, failures := f.Stats()
	assert.Equal(t, uint64(1), failures["b"])
}

func TestFanoutPrimaryFailureFailsTheEvent(t *testing.T) {
	a := &stubSink{name: "a", err: errors.New("disk full")}
	b := &stubSink{name: "b"}
	f := NewFanout(a, b)

	err := f.Write(context.Background(), testEvent())
	assert.ErrorContains(t, err, "primary sink a")
	// Secondary is still attempted.
	assert.Len(t, b.written, 1)
}

func TestFanoutFlushAndClose(t *testing.T) {
	a := &stubSink{name: "a"}
	b := &stubSink{name: "b"}
	f := NewFanout(a, b)

	require.NoError(t, f.Flush(context.Background()))
	require.NoError(t, f.Close())
	assert.True(t, a.flushed)
	assert.True(t, b.flushed)
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}

type probeSink struct {
	stubSink
	probeErr error
}

func (s *probeSink) Probe(context.Context) error { return s.probeErr }

func TestFanoutProbeChecksProbeableSinks(t *testing.T) {
	plain := &stubSink{name: "archive"}
	healthy := &probeSink{stubSink: stubSink{name: "sqlite"}}
	f := NewFanout(plain, healthy)
	require.NoError(t, f.Probe(context.Background()))

	broken := &probeSink{stubSink: stubSink{name: "mqtt"}, probeErr: errors.New("no open connection")}
	f = NewFanout(plain, healthy, broken)
	assert.ErrorContains(t, f.Probe(context.Background()), "probe mqtt")
}

func TestSQLiteSinkRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	sink, err := NewSQLiteSink(path)
	require.NoError(t, err)
	defer sink.Close()

	ctx := context.Background()
	event := testEvent()
	require.NoError(t, sink.Write(ctx, event))

	n, err := sink.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	var label, description string
	row := sink.db.QueryRow("SELECT detections, description FROM events WHERE event_id = ?", event.EventID)
	require.NoError(t, row.Scan(&label, &description))
	assert.Contains(t, label, `"person"`)
	assert.Equal(t, "a person near the gate", description)
}

func TestSQLiteSinkRejectsDuplicateEventID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	sink, err := NewSQLiteSink(path)
	require.NoError(t, err)
	defer sink.Close()

	ctx := context.Background()
	event := testEvent()
	require.NoError(t, sink.Write(ctx, event))
	assert.Error(t, sink.Write(ctx, event), "events are insert-only; IDs must be unique")
}

func TestSQLiteSinkPruneBefore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	sink, err := NewSQLiteSink(path)
	require.NoError(t, err)
	defer sink.Close()

	ctx := context.Background()
	old := testEvent()
	old.Timestamp = time.Now().AddDate(0, 0, -10)
	require.NoError(t, sink.Write(ctx, old))
	require.NoError(t, sink.Write(ctx, testEvent()))

	pruned, err := sink.PruneBefore(ctx, time.Now().AddDate(0, 0, -7))
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	n, err := sink.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "rows newer than the cutoff survive")
}

func TestMQTTSinkRejectsUnknownEncoding(t *testing.T) {
	_, err := NewMQTTSink(config.MQTTSinkConfig{Broker: "localhost:1883", Encoding: "xml"}, "test")
	assert.ErrorContains(t, err, "unknown encoding")
}

func TestMQTTSinkWriteWhileDisconnected(t *testing.T) {
	sink, err := NewMQTTSink(config.MQTTSinkConfig{Broker: "localhost:1883", Topic: "t"}, "test")
	require.NoError(t, err)

	assert.ErrorContains(t, sink.Write(context.Background(), testEvent()), "not connected")
	assert.ErrorContains(t, sink.Probe(context.Background()), "no open connection")
}
