package api

import (
	"context"
	"net/http"

	"golang.org/x/time/rate"
)

const (
	// MaxConcurrentRequests limits concurrent API requests to avoid overwhelming the tracker
	MaxConcurrentRequests = 5
	// RequestsPerSecond bounds the sustained request rate
	RequestsPerSecond = 10
)

// HTTPClient interface for HTTP operations (allows mocking in tests).
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// BaseClient contains common fields and functionality for all API clients.
type BaseClient struct {
	Config     ClientConfig
	HTTPClient HTTPClient
	Semaphore  chan struct{} // Limits concurrent requests
	Limiter    *rate.Limiter
}

// NewBaseClient creates a new base client with rate limiting.
func NewBaseClient(config ClientConfig, httpClient HTTPClient) *BaseClient {
	return &BaseClient{
		Config:     config,
		HTTPClient: httpClient,
		Semaphore:  make(chan struct{}, MaxConcurrentRequests),
		Limiter:    rate.NewLimiter(rate.Limit(RequestsPerSecond), MaxConcurrentRequests),
	}
}

// Do sends req once a concurrency slot and a rate token are available.
// The caller owns the response body.
func (c *BaseClient) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	select {
	case c.Semaphore <- struct{}{}:
		defer func() { <-c.Semaphore }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if err := c.Limiter.Wait(ctx); err != nil {
		return nil, err
	}

	if c.Config.Username != "" {
		req.SetBasicAuth(c.Config.Username, c.Config.Password)
	}
	return c.HTTPClient.Do(req.WithContext(ctx))
}
