package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"behavior-gate/internal/features"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HTTPClassifier calls a model server over HTTP.
type HTTPClassifier struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

type classifyRequest struct {
	Features features.Vector `json:"features"`
}

// NewHTTPClassifier creates a classifier client for endpoint. The per-call
// deadline comes from the caller's context.
func NewHTTPClassifier(endpoint, apiKey string) *HTTPClassifier {
	return &HTTPClassifier{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Classify implements Classifier.
func (c *HTTPClassifier) Classify(ctx context.Context, v features.Vector) (Prediction, error) {
	body, err := json.Marshal(classifyRequest{Features: v})
	if err != nil {
		return Prediction{}, fmt.Errorf("failed to marshal features: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/predict", bytes.NewReader(body))
	if err != nil {
		return Prediction{}, fmt.Errorf("failed to build classifier request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Prediction{}, fmt.Errorf("classifier request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Prediction{}, fmt.Errorf("classifier returned status %d", resp.StatusCode)
	}

	var p Prediction
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&p); err != nil {
		return Prediction{}, fmt.Errorf("failed to decode classifier response: %w", err)
	}
	return p, nil
}

// Ping reports whether the model server answers its health probe.
func (c *HTTPClassifier) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("classifier health probe failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("classifier health returned status %d", resp.StatusCode)
	}
	return nil
}
