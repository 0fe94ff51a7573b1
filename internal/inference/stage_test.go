package inference

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visiona/sentinel/internal/metric"
	"github.com/visiona/sentinel/internal/types"
)

type fakeClassifier struct {
	detections types.DetectionSet
	err        error
	delay      time.Duration
}

func (f *fakeClassifier) Classify(ctx context.Context, _ *types.Frame) (types.DetectionSet, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.detections, f.err
}

type fakeDescriber struct {
	text string
	err  error
}

func (f *fakeDescriber) Describe(context.Context, *types.Frame, types.DetectionSet) (string, error) {
	return f.text, f.err
}

func testFrame() *types.Frame {
	return &types.Frame{Seq: 7, Timestamp: time.Now(), Width: 2, Height: 2, Data: make([]byte, 12)}
}

func newStage(c types.Classifier, d types.Describer, cfg Config) *Stage {
	return NewStage(c, d, cfg, metric.New(100))
}

func TestClassifySuccess(t *testing.T) {
	want := types.DetectionSet{{Label: "person", Confidence: 0.92}}
	s := newStage(&fakeClassifier{detections: want}, nil, Config{})

	got, err := s.Classify(context.Background(), testFrame())
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestClassifyErrorPropagates(t *testing.T) {
	s := newStage(&fakeClassifier{err: errors.New("model offline")}, nil, Config{})

	_, err := s.Classify(context.Background(), testFrame())
	assert.ErrorContains(t, err, "model offline")
}

func TestClassifyTimeoutEnforced(t *testing.T) {
	s := newStage(&fakeClassifier{delay: time.Second}, nil, Config{ClassifyTimeout: 20 * time.Millisecond})

	start := time.Now()
	_, err := s.Classify(context.Background(), testFrame())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestDescribeFailureDegradesToEmpty(t *testing.T) {
	s := newStage(&fakeClassifier{}, &fakeDescriber{err: errors.New("llm busy")}, Config{})

	text := s.Describe(context.Background(), testFrame(), nil)
	assert.Empty(t, text)
}

func TestDescribeNilDescriber(t *testing.T) {
	s := newStage(&fakeClassifier{}, nil, Config{})
	assert.Empty(t, s.Describe(context.Background(), testFrame(), nil))
}

func TestDescribeSuccess(t *testing.T) {
	s := newStage(&fakeClassifier{}, &fakeDescriber{text: "a person at the door"}, Config{})
	assert.Equal(t, "a person at the door", s.Describe(context.Background(), testFrame(), nil))
}

func TestHTTPClassifierRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.Write([]byte(`{"detections":[{"label":"person","confidence":0.9,"x":10,"y":20,"width":30,"height":40}]}`))
	}))
	defer srv.Close()

	c := NewHTTPClassifier(srv.URL)
	detections, err := c.Classify(context.Background(), testFrame())
	require.NoError(t, err)
	require.Len(t, detections, 1)
	assert.Equal(t, "person", detections[0].Label)
	assert.Equal(t, 30, detections[0].Width)
}

func TestHTTPClassifierServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "accelerator unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTPClassifier(srv.URL).Classify(context.Background(), testFrame())
	assert.ErrorContains(t, err, "status 503")
}

func TestHTTPDescriberRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"description":"a dog in the yard"}`))
	}))
	defer srv.Close()

	d := NewHTTPDescriber(srv.URL)
	text, err := d.Describe(context.Background(), testFrame(), types.DetectionSet{{Label: "dog"}})
	require.NoError(t, err)
	assert.Equal(t, "a dog in the yard", text)
}
