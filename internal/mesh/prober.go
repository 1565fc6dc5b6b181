// ABOUTME: Reachability probes against a peer's /health endpoint
// ABOUTME: Each probe is bounded by the caller's context deadline

package mesh

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/2389/mesh-gateway/internal/metrics"
)

// Prober checks whether a host answers at baseURL.
type Prober interface {
	Probe(ctx context.Context, baseURL string) error
}

// HTTPProber probes with GET <baseURL>/health and expects a 2xx answer.
type HTTPProber struct {
	client *http.Client
}

// NewHTTPProber creates a prober. A nil client uses one without its own
// timeout; callers bound probes with their context.
func NewHTTPProber(client *http.Client) *HTTPProber {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPProber{client: client}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context, baseURL string) error {
	start := time.Now()
	err := p.probe(ctx, baseURL)

	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.ProbeDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
	return err
}

func (p *HTTPProber) probe(ctx context.Context, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("building probe request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: health returned %d", ErrUnreachable, resp.StatusCode)
	}
	return nil
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, baseURL string) error

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context, baseURL string) error {
	return f(ctx, baseURL)
}
