package external

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultHTTPTimeout = 2 * time.Minute
	defaultRateLimit   = 5.0
	defaultBurst       = 10
	maxResponseBytes   = 1 << 20
)

// HTTPOption configures the HTTP service clients.
type HTTPOption func(*jsonClient)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(j *jsonClient) {
		if c != nil {
			j.http = c
		}
	}
}

// WithRateLimit caps outgoing calls per second.
func WithRateLimit(rps float64, burst int) HTTPOption {
	return func(j *jsonClient) {
		if rps > 0 && burst > 0 {
			j.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

// jsonClient posts JSON and classifies failures: transport errors, 429 and
// 5xx are retryable, any other non-2xx status is fatal.
type jsonClient struct {
	url     string
	apiKey  string `json:"-"`
	http    *http.Client
	limiter *rate.Limiter
}

func newJSONClient(url, apiKey string, opts []HTTPOption) (*jsonClient, error) {
	if url == "" {
		return nil, errors.New("service url is required")
	}
	j := &jsonClient{
		url:     url,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: defaultHTTPTimeout},
		limiter: rate.NewLimiter(rate.Limit(defaultRateLimit), defaultBurst),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

func (j *jsonClient) post(ctx context.Context, in, out interface{}) error {
	if err := j.limiter.Wait(ctx); err != nil {
		return Retryable(fmt.Errorf("rate limiter: %w", err))
	}
	body, err := json.Marshal(in)
	if err != nil {
		return Fatal(fmt.Errorf("marshal request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.url, bytes.NewReader(body))
	if err != nil {
		return Fatal(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if j.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+j.apiKey)
	}

	resp, err := j.http.Do(req)
	if err != nil {
		return Retryable(fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Retryable(fmt.Errorf("read response: %w", err))
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return Retryable(errors.New("rate limited (429)"))
	case resp.StatusCode >= 500:
		return Retryable(fmt.Errorf("server error (%d)", resp.StatusCode))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return Fatal(fmt.Errorf("request rejected (%d)", resp.StatusCode))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return Fatal(fmt.Errorf("parse response: %w", err))
	}
	return nil
}

// HTTPGenerator calls a generation service that accepts a GenerateRequest
// as JSON and answers with an OutputRef.
type HTTPGenerator struct {
	client *jsonClient
}

// NewHTTPGenerator creates a generator client for url.
func NewHTTPGenerator(url, apiKey string, opts ...HTTPOption) (*HTTPGenerator, error) {
	c, err := newJSONClient(url, apiKey, opts)
	if err != nil {
		return nil, fmt.Errorf("generator: %w", err)
	}
	return &HTTPGenerator{client: c}, nil
}

// Generate implements Generator.
func (g *HTTPGenerator) Generate(ctx context.Context, req GenerateRequest) (OutputRef, error) {
	var out OutputRef
	if err := g.client.post(ctx, req, &out); err != nil {
		return OutputRef{}, fmt.Errorf("generate: %w", err)
	}
	if out.AssetID == "" {
		return OutputRef{}, Fatal(errors.New("generate: response has no asset id"))
	}
	return out, nil
}

// HTTPReviewer calls a review service that accepts a ReviewRequest as JSON
// and answers with a Review.
type HTTPReviewer struct {
	client *jsonClient
}

// NewHTTPReviewer creates a reviewer client for url.
func NewHTTPReviewer(url, apiKey string, opts ...HTTPOption) (*HTTPReviewer, error) {
	c, err := newJSONClient(url, apiKey, opts)
	if err != nil {
		return nil, fmt.Errorf("reviewer: %w", err)
	}
	return &HTTPReviewer{client: c}, nil
}

// Review implements Reviewer.
func (r *HTTPReviewer) Review(ctx context.Context, req ReviewRequest) (Review, error) {
	var out Review
	if err := r.client.post(ctx, req, &out); err != nil {
		return Review{}, fmt.Errorf("review: %w", err)
	}
	switch out.Decision {
	case DecisionApproved, DecisionRejected:
	default:
		return Review{}, Fatal(fmt.Errorf("review: unknown decision %q", out.Decision))
	}
	return out, nil
}
