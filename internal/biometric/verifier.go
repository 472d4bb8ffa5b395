package biometric

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/example/tunjiax-agent/internal/metrics"
	"github.com/example/tunjiax-agent/internal/resilience"
)

// Comparison is the verdict of a face comparison.
type Comparison struct {
	Verified  bool    `json:"verified"`
	Distance  float64 `json:"distance"`
	Threshold float64 `json:"threshold"`
}

// Verifier compares a probe image with a reference image.
type Verifier interface {
	Compare(ctx context.Context, reference, probe []byte) (Comparison, error)
}

// HTTPVerifier calls a face-comparison service that accepts
// {"reference": b64, "probe": b64} and answers with a Comparison.
type HTTPVerifier struct {
	url     string
	client  *http.Client
	breaker *resilience.Breaker
}

func NewHTTPVerifier(url string, timeout time.Duration, logger *slog.Logger, collector metrics.Collector) *HTTPVerifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPVerifier{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		breaker: resilience.NewBreaker("face_verifier", resilience.BreakerConfig{}, logger, collector),
	}
}

type compareRequest struct {
	Reference string `json:"reference"`
	Probe     string `json:"probe"`
}

func (v *HTTPVerifier) Compare(ctx context.Context, reference, probe []byte) (Comparison, error) {
	return resilience.Execute(v.breaker, func() (Comparison, error) {
		return v.compare(ctx, reference, probe)
	})
}

func (v *HTTPVerifier) compare(ctx context.Context, reference, probe []byte) (Comparison, error) {
	body, err := json.Marshal(compareRequest{
		Reference: base64.StdEncoding.EncodeToString(reference),
		Probe:     base64.StdEncoding.EncodeToString(probe),
	})
	if err != nil {
		return Comparison{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, bytes.NewReader(body))
	if err != nil {
		return Comparison{}, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return Comparison{}, fmt.Errorf("verifier request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Comparison{}, fmt.Errorf("verifier returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}

	var out Comparison
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return Comparison{}, fmt.Errorf("failed to decode verifier response: %w", err)
	}
	return out, nil
}
