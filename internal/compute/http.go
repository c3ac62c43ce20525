// Package compute provides optimize.ComputeAdapter implementations.
package compute

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/time/rate"

	"github.com/dyluth/hone/internal/optimize"
)

const (
	DefaultTimeout           = 30 * time.Second
	DefaultRequestsPerSecond = 20
	maxErrorBody             = 1 << 10
)

// HTTPOptions configures an HTTPAdapter.
type HTTPOptions struct {
	// Timeout bounds each HTTP round trip. Callers usually pass a shorter
	// context deadline.
	Timeout time.Duration
	// RequestsPerSecond throttles calls to the compute service; the burst is
	// the same number. Zero uses the default, a negative value disables it.
	RequestsPerSecond float64
	Client            *http.Client
}

// HTTPAdapter calls a JSON compute service:
//
//	POST {base}/next-points       NextPointsRequest      -> {"candidates": [...]}
//	POST {base}/rank              RankRequest            -> {"order": [...]}
//	POST {base}/hyperparameters   HyperparametersRequest -> {"hyperparameters": {...}}
//	POST {base}/importances       ImportancesRequest     -> {"importances": {...}}
type HTTPAdapter struct {
	base    string
	client  *http.Client
	limiter *rate.Limiter
}

var _ optimize.ComputeAdapter = (*HTTPAdapter)(nil)

// NewHTTPAdapter creates an adapter for the service at baseURL.
func NewHTTPAdapter(baseURL string, opts HTTPOptions) (*HTTPAdapter, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("compute base url cannot be empty")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.RequestsPerSecond == 0 {
		opts.RequestsPerSecond = DefaultRequestsPerSecond
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}

	a := &HTTPAdapter{base: strings.TrimRight(baseURL, "/"), client: client}
	if opts.RequestsPerSecond > 0 {
		burst := int(opts.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		a.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return a, nil
}

// StatusError is a non-2xx answer from the compute service.
type StatusError struct {
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("compute %s returned %d: %s", e.Path, e.StatusCode, e.Body)
}

func post[T any](ctx context.Context, a *HTTPAdapter, path string, in any) (*T, error) {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("compute %s throttled: %w", path, err)
		}
	}

	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.base+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("compute %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{Path: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return &out, nil
}

func (a *HTTPAdapter) NextPoints(ctx context.Context, req optimize.NextPointsRequest) ([]optimize.Candidate, error) {
	out, err := post[struct {
		Candidates []optimize.Candidate `json:"candidates"`
	}](ctx, a, "/next-points", req)
	if err != nil {
		return nil, err
	}
	return out.Candidates, nil
}

func (a *HTTPAdapter) Rank(ctx context.Context, req optimize.RankRequest) ([]int, error) {
	out, err := post[struct {
		Order []int `json:"order"`
	}](ctx, a, "/rank", req)
	if err != nil {
		return nil, err
	}
	return out.Order, nil
}

func (a *HTTPAdapter) Hyperparameters(ctx context.Context, req optimize.HyperparametersRequest) (json.RawMessage, error) {
	out, err := post[struct {
		Hyperparameters json.RawMessage `json:"hyperparameters"`
	}](ctx, a, "/hyperparameters", req)
	if err != nil {
		return nil, err
	}
	return out.Hyperparameters, nil
}

func (a *HTTPAdapter) Importances(ctx context.Context, req optimize.ImportancesRequest) (map[string]float64, error) {
	out, err := post[struct {
		Importances map[string]float64 `json:"importances"`
	}](ctx, a, "/importances", req)
	if err != nil {
		return nil, err
	}
	return out.Importances, nil
}
