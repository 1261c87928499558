// Package apiclient provides the resilient request execution core of a commerce API client:
// retry with exponential backoff, a client-wide circuit breaker, a TTL response cache with
// path-based invalidation, and an interceptor pipeline ending in a closed error taxonomy.
//
// Resource wrappers call Client.Request (or the typed Do helper); everything else in this
// package exists to decide whether that call is attempted, retried, short-circuited,
// served from cache, or turned into a typed *APIError.
package apiclient

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// ResilientClient defines a generic interface for executing requests.
// Type parameters Req and Resp can be any types. The Transport used by Client is a
// ResilientClient[*TransportRequest, *TransportResponse].
//
// Example:
//
//	type recordingTransport struct{}
//
//	func (recordingTransport) Execute(ctx context.Context, req *apiclient.TransportRequest) (*apiclient.TransportResponse, error) {
//	    return &apiclient.TransportResponse{StatusCode: http.StatusOK, Body: []byte(`{}`)}, nil
//	}
type ResilientClient[Req, Resp any] interface {
	// Execute performs a request and returns a response or error.
	// The context should be used to control timeouts and cancellation.
	Execute(ctx context.Context, req Req) (Resp, error)
}

// Client orchestrates calls against the remote API. The cache, its path index and
// the circuit breaker are owned by the Client and shared by every call made through
// it: a failure burst on one endpoint can open the breaker for all traffic.
//
// A Client is safe for concurrent use. Call Close to stop the cache sweeper.
type Client struct {
	config    *ClientConfig
	transport Transport
	logger    *slog.Logger
	metrics   *MetricsCollector
	tracer    trace.Tracer
	retry     RetryPolicy
	breaker   *CircuitBreaker[*attemptResult]
	cache     *Cache[*Response]
	index     *PathIndex
	pipeline  pipeline
	stats     retryStats

	cacheEnabled atomic.Bool
}

// attemptResult carries a successful attempt's response along with its correlation id.
type attemptResult struct {
	response  *TransportResponse
	requestID string
}

// NewClient creates a client with the given options.
//
// Example:
//
//	client := apiclient.NewClient(
//	    apiclient.WithBaseURL("https://api.example.com/v1"),
//	    apiclient.WithRetryPolicy(apiclient.WithMaxAttempts(5)),
//	    apiclient.WithCircuitBreaker(apiclient.WithFailureThreshold(3)),
//	)
//	defer client.Close()
func NewClient(opts ...ClientOption) *Client {
	config := DefaultClientConfig()
	for _, opt := range opts {
		opt(config)
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Transport == nil {
		config.Transport = NewHTTPTransport(nil)
	}

	c := &Client{
		config:    config,
		transport: config.Transport,
		logger:    config.Logger,
		metrics:   config.Metrics,
		tracer:    newTracer(config.TracerProvider),
		index:     NewPathIndex(),
	}

	c.retry = DefaultRetryPolicy()
	c.retry.Logger = config.Logger
	c.retry = c.retry.With(config.RetryOptions...)

	breakerOpts := append([]CircuitBreakerOption{WithCircuitBreakerLogger(config.Logger)}, config.BreakerOptions...)
	breakerOpts = append(breakerOpts, func(bc *CircuitBreakerConfig) {
		userHandler := bc.OnStateChange
		bc.OnStateChange = func(name string, from, to CircuitBreakerState) {
			c.metrics.RecordCircuitBreakerState(name, to)
			if userHandler != nil {
				userHandler(name, from, to)
			}
		}
	})
	c.breaker = NewCircuitBreaker[*attemptResult](breakerOpts...)
	c.metrics.RecordCircuitBreakerState(c.breaker.config.Name, StateClosed)

	c.cache = NewCache[*Response](config.CacheOptions...)
	c.cacheEnabled.Store(config.CacheEnabled)

	return c
}

// AddRequestInterceptor appends an interceptor run, in registration order, before dispatch.
func (c *Client) AddRequestInterceptor(fn RequestInterceptor) {
	c.pipeline.addRequest(fn)
}

// AddResponseInterceptor appends an interceptor run, in registration order, on success.
func (c *Client) AddResponseInterceptor(fn ResponseInterceptor) {
	c.pipeline.addResponse(fn)
}

// AddErrorInterceptor appends an interceptor run, in registration order, on every failed
// attempt before the failure is classified.
func (c *Client) AddErrorInterceptor(fn ErrorInterceptor) {
	c.pipeline.addError(fn)
}

// CircuitBreakerState returns the state of the client's breaker.
func (c *Client) CircuitBreakerState() CircuitBreakerState {
	return c.breaker.State()
}

// CircuitBreakerSnapshot returns the breaker state with its failure bookkeeping.
func (c *Client) CircuitBreakerSnapshot() BreakerSnapshot {
	return c.breaker.Snapshot()
}

// ResetCircuitBreaker forces the breaker CLOSED.
func (c *Client) ResetCircuitBreaker() {
	c.breaker.Reset()
}

// CacheStats returns a snapshot of the response cache.
func (c *Client) CacheStats() CacheStats {
	return c.cache.Stats()
}

// ClearCache drops every cached response and the path index.
func (c *Client) ClearCache() {
	c.cache.Clear()
	c.index.Reset()
	c.metrics.RecordCacheSize(c.cache.Name(), 0)
}

// SetCacheEnabled turns GET caching on or off for subsequent calls.
// Entries already cached are kept.
func (c *Client) SetCacheEnabled(enabled bool) {
	c.cacheEnabled.Store(enabled)
}

// CacheEnabled reports whether GET caching is on.
func (c *Client) CacheEnabled() bool {
	return c.cacheEnabled.Load()
}

// RetryStats returns statistics about transport attempts and call outcomes.
// This method is thread-safe and returns a snapshot of the current statistics.
func (c *Client) RetryStats() RetryStats {
	return c.stats.snapshot()
}

// HealthCheck issues a single uncached GET to the health path and reports the
// outcome alongside the breaker's health.
func (c *Client) HealthCheck(ctx context.Context) HealthReport {
	start := time.Now()
	_, err := c.Request(ctx, http.MethodGet, c.config.HealthPath, nil,
		WithCache(false),
		WithRetryOptions(WithMaxAttempts(1)),
	)

	report := HealthReport{
		Status:    HealthStatusOK,
		Timestamp: time.Now(),
		Details: &HealthDetails{
			Breaker: c.breaker.Health(),
			Latency: time.Since(start),
		},
	}
	if err != nil {
		report.Status = HealthStatusError
		report.Details.Error = err.Error()
		c.logger.Warn("health check failed", "error", err)
	}
	return report
}

// Close stops the cache sweeper. The client must not be used afterwards.
func (c *Client) Close() {
	c.cache.Close()
}
