package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/visiona/sentinel/internal/types"
)

// HTTPClassifier calls an object-classification service over HTTP.
// The request carries the raw frame; the response is a detection list.
type HTTPClassifier struct {
	url    string
	client *http.Client
}

// NewHTTPClassifier builds a classifier client for the given endpoint.
// Timeouts come from the caller's context, so the http.Client itself
// carries none.
func NewHTTPClassifier(url string) *HTTPClassifier {
	return &HTTPClassifier{url: url, client: &http.Client{}}
}

type classifyRequest struct {
	Seq       uint64 `json:"seq"`
	Timestamp string `json:"timestamp"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Format    string `json:"format"`
	Image     string `json:"image"` // base64 pixel data
}

type classifyResponse struct {
	Detections []struct {
		Label      string  `json:"label"`
		Confidence float64 `json:"confidence"`
		X          int     `json:"x"`
		Y          int     `json:"y"`
		Width      int     `json:"width"`
		Height     int     `json:"height"`
	} `json:"detections"`
}

// Classify implements types.Classifier.
func (c *HTTPClassifier) Classify(ctx context.Context, frame *types.Frame) (types.DetectionSet, error) {
	body, err := json.Marshal(classifyRequest{
		Seq:       frame.Seq,
		Timestamp: frame.Timestamp.UTC().Format(time.RFC3339Nano),
		Width:     frame.Width,
		Height:    frame.Height,
		Format:    "bgr24",
		Image:     base64.StdEncoding.EncodeToString(frame.Data),
	})
	if err != nil {
		return nil, fmt.Errorf("encode classify request: %w", err)
	}

	var resp classifyResponse
	if err := postJSON(ctx, c.client, c.url, body, &resp); err != nil {
		return nil, err
	}

	detections := make(types.DetectionSet, 0, len(resp.Detections))
	for _, d := range resp.Detections {
		detections = append(detections, types.Detection{
			Label:      d.Label,
			Confidence: d.Confidence,
			X:          d.X,
			Y:          d.Y,
			Width:      d.Width,
			Height:     d.Height,
		})
	}
	return detections, nil
}

// HTTPDescriber calls a description-generation service over HTTP.
type HTTPDescriber struct {
	url    string
	client *http.Client
}

// NewHTTPDescriber builds a describer client for the given endpoint.
func NewHTTPDescriber(url string) *HTTPDescriber {
	return &HTTPDescriber{url: url, client: &http.Client{}}
}

type describeRequest struct {
	Seq    uint64   `json:"seq"`
	Labels []string `json:"labels"`
	Width  int      `json:"width"`
	Height int      `json:"height"`
	Format string   `json:"format"`
	Image  string   `json:"image"`
}

type describeResponse struct {
	Description string `json:"description"`
}

// Describe implements types.Describer.
func (d *HTTPDescriber) Describe(ctx context.Context, frame *types.Frame, detections types.DetectionSet) (string, error) {
	body, err := json.Marshal(describeRequest{
		Seq:    frame.Seq,
		Labels: detections.Labels(),
		Width:  frame.Width,
		Height: frame.Height,
		Format: "bgr24",
		Image:  base64.StdEncoding.EncodeToString(frame.Data),
	})
	if err != nil {
		return "", fmt.Errorf("encode describe request: %w", err)
	}

	var resp describeResponse
	if err := postJSON(ctx, d.client, d.url, body, &resp); err != nil {
		return "", err
	}
	return resp.Description, nil
}

func postJSON(ctx context.Context, client *http.Client, url string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("post %s: status %d: %s", url, resp.StatusCode, snippet)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", url, err)
	}
	return nil
}
