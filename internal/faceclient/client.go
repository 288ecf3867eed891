// Package faceclient calls the face embedding microservice.
package faceclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"presence/internal/apperr"
	"presence/internal/metrics"
)

// Result is the extractor's answer for one image. FacesDetected is zero when
// no face was found; Embedding may still be empty when a face was found but
// could not be encoded.
type Result struct {
	FacesDetected int
	Embedding     []float32
	Score         float64
}

// Client calls the face recognition microservice.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
	// SkipEmbedding is returned for every image while Skip is set.
	SkipEmbedding []float32
}

// New creates a client with the given request timeout.
func New(baseURL string, skip bool, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second // face processing can take time
	}
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// Extract uploads image to POST /embed. Transport failures and 5xx answers
// are ExtractorUnavailable; a 4xx answer means the service refused the image
// and is reported as EmbeddingExtractionFailed. No retries.
func (c *Client) Extract(ctx context.Context, image []byte) (Result, error) {
	if c.Skip {
		return Result{FacesDetected: 1, Embedding: append([]float32(nil), c.SkipEmbedding...), Score: 1}, nil
	}
	if len(image) == 0 {
		return Result{}, apperr.New(apperr.KindInvalidRequest, "image is required")
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("image", "capture.jpg")
	if err != nil {
		return Result{}, fmt.Errorf("build extractor request: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return Result{}, fmt.Errorf("build extractor request: %w", err)
	}
	if err := w.Close(); err != nil {
		return Result{}, fmt.Errorf("build extractor request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/embed", &buf)
	if err != nil {
		return Result{}, fmt.Errorf("build extractor request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	start := time.Now()
	resp, err := c.HTTP.Do(req)
	metrics.ExtractorDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return Result{}, apperr.Wrap(apperr.KindExtractorUnavailable, "face service request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		cause := fmt.Errorf("face service error %s: %s", resp.Status, string(body))
		if resp.StatusCode >= 500 {
			return Result{}, apperr.Wrap(apperr.KindExtractorUnavailable, "face service failed", cause)
		}
		return Result{}, apperr.Wrap(apperr.KindEmbeddingExtractionFailed, "face service rejected the image", cause)
	}

	var out struct {
		FacesDetected int       `json:"faces_detected"`
		Embedding     []float32 `json:"embedding"`
		Score         float64   `json:"score"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, apperr.Wrap(apperr.KindExtractorUnavailable, "decode face service response", err)
	}
	return Result{FacesDetected: out.FacesDetected, Embedding: out.Embedding, Score: out.Score}, nil
}

// Health checks if the face service is available.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("face service unhealthy: %s", resp.Status)
	}
	return nil
}
