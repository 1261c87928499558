package apiclient

import (
	"maps"
	"net/http"
	"time"
)

// IdempotencyKeyHeader carries the per-call idempotency key.
const IdempotencyKeyHeader = "Idempotency-Key"

// RequestIDHeader carries the per-attempt correlation id.
const RequestIDHeader = "X-Request-Id"

type requestOptions struct {
	cache          *bool
	onRetryAttempt func(RetryAttempt)
	header         http.Header
	params         map[string]any
	cacheKey       string
	idempotencyKey string
	invalidate     []string
	retryOptions   []RetryOption
	cacheTTL       time.Duration
	timeout        time.Duration
}

// RequestOption configures a single call.
type RequestOption func(*requestOptions)

// WithCache enables or disables response caching for this call. Disabling always wins;
// enabling has no effect when the client has caching turned off or the method is not GET.
func WithCache(enabled bool) RequestOption {
	return func(o *requestOptions) {
		o.cache = &enabled
	}
}

// WithCacheKey stores and looks up the response under an explicit key instead of the derived one.
func WithCacheKey(key string) RequestOption {
	return func(o *requestOptions) {
		enabled := true
		o.cache = &enabled
		o.cacheKey = key
	}
}

// WithCacheTTL overrides the cache TTL for this call.
func WithCacheTTL(ttl time.Duration) RequestOption {
	return func(o *requestOptions) {
		enabled := true
		o.cache = &enabled
		o.cacheTTL = ttl
	}
}

// WithInvalidatePaths invalidates cached responses under additional paths once the call succeeds.
//
// Example:
//
//	// Updating an order also changes the customer's order list.
//	client.Request(ctx, http.MethodPut, "orders/42", body,
//	    apiclient.WithInvalidatePaths("customers/7/orders"),
//	)
func WithInvalidatePaths(paths ...string) RequestOption {
	return func(o *requestOptions) {
		o.invalidate = append(o.invalidate, paths...)
	}
}

// WithRetryOptions overrides parts of the client's retry policy for this call only.
//
// Example:
//
//	apiclient.WithRetryOptions(apiclient.WithMaxAttempts(5))
func WithRetryOptions(opts ...RetryOption) RequestOption {
	return func(o *requestOptions) {
		o.retryOptions = append(o.retryOptions, opts...)
	}
}

// WithOnRetryAttempt observes every retried failure of this call.
func WithOnRetryAttempt(fn func(RetryAttempt)) RequestOption {
	return func(o *requestOptions) {
		o.onRetryAttempt = fn
	}
}

// WithIdempotencyKey sends the key in the Idempotency-Key header on every attempt.
func WithIdempotencyKey(key string) RequestOption {
	return func(o *requestOptions) {
		o.idempotencyKey = key
	}
}

// WithHeaders adds headers to this call, on top of the client's default headers.
func WithHeaders(header http.Header) RequestOption {
	return func(o *requestOptions) {
		if o.header == nil {
			o.header = http.Header{}
		}
		for key, values := range header {
			for _, v := range values {
				o.header.Add(key, v)
			}
		}
	}
}

// WithHeader adds a single header to this call.
func WithHeader(key, value string) RequestOption {
	return func(o *requestOptions) {
		if o.header == nil {
			o.header = http.Header{}
		}
		o.header.Add(key, value)
	}
}

// WithParams sets the query parameters. They are also part of the derived cache key.
func WithParams(params map[string]any) RequestOption {
	return func(o *requestOptions) {
		if o.params == nil {
			o.params = make(map[string]any, len(params))
		}
		maps.Copy(o.params, params)
	}
}

// WithTimeout bounds each transport attempt of this call. It does not bound the retry sequence.
func WithTimeout(timeout time.Duration) RequestOption {
	return func(o *requestOptions) {
		o.timeout = timeout
	}
}
