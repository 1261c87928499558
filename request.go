package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Response is the outcome of a successful call.
type Response struct {
	Header     http.Header
	Body       []byte
	RequestID  string
	StatusCode int
	// Cached is true when the response was served from the cache.
	Cached bool
}

// Decode unmarshals the JSON body into v. An empty body leaves v untouched.
func (r *Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return nil
	}
	return json.Unmarshal(r.Body, v)
}

func (r *Response) clone() *Response {
	c := *r
	c.Header = r.Header.Clone()
	c.Body = bytes.Clone(r.Body)
	return &c
}

// Do performs Client.Request and decodes the JSON body into T.
//
// Example:
//
//	order, err := apiclient.Do[Order](ctx, client, http.MethodGet, "orders/42", nil)
func Do[T any](ctx context.Context, c *Client, method, path string, data any, opts ...RequestOption) (T, error) {
	var out T
	resp, err := c.Request(ctx, method, path, data, opts...)
	if err != nil {
		return out, err
	}
	if err := resp.Decode(&out); err != nil {
		return out, newClientSideError(strings.ToUpper(method), NormalizePath(path), "failed to decode response body", err)
	}
	return out, nil
}

// Request performs one logical call:
//
//  1. a cacheable GET is answered from the cache when possible, without touching the
//     network, interceptors, breaker or retry engine;
//  2. otherwise the request is built, passed through the request interceptors and
//     executed as breaker(retry(attempt));
//  3. each failed attempt passes through the error interceptors and is classified;
//  4. on success the response interceptors run, affected paths are invalidated and a
//     cacheable GET result is stored.
//
// ctx cancels the in-flight attempt only; a pending backoff sleep still runs to completion.
func (c *Client) Request(ctx context.Context, method, path string, data any, opts ...RequestOption) (*Response, error) {
	o := &requestOptions{}
	for _, opt := range opts {
		opt(o)
	}
	method = strings.ToUpper(method)
	normalized := NormalizePath(path)

	start := time.Now()
	ctx, span := startRequestSpan(ctx, c.tracer, method, normalized)

	c.metrics.RecordRequestStart(method, normalized)
	call := &callState{method: method, path: path, normalized: normalized, data: data, options: o}
	resp, err := c.do(ctx, call)
	c.metrics.RecordRequestEnd(method, normalized)

	endRequestSpan(span, call.cacheHit, call.attempts, err)
	if !call.cacheHit {
		c.metrics.RecordRequest(method, normalized, statusOf(resp, err), time.Since(start))
	}
	if err != nil {
		c.metrics.RecordError(errorKindLabel(err), method, normalized)
		return nil, err
	}
	return resp, nil
}

// callState is the bookkeeping of one logical call.
type callState struct {
	data       any
	options    *requestOptions
	method     string
	path       string
	normalized string
	attempts   int
	cacheHit   bool
}

func (c *Client) do(ctx context.Context, call *callState) (*Response, error) {
	o := call.options

	directive, cacheable, err := resolveCacheDirective(call.method, call.path, o.params, c.cacheEnabled.Load(), o)
	if err != nil {
		c.logger.Debug("cache key derivation failed, caching skipped",
			"path", call.normalized,
			"error", err)
	}
	if cacheable {
		if cached, ok := c.cache.Get(directive.Key); ok {
			call.cacheHit = true
			c.metrics.RecordCacheHit(call.normalized)
			resp := cached.clone()
			resp.Cached = true
			return resp, nil
		}
		c.metrics.RecordCacheMiss(call.normalized)
	}

	policy := c.policyFor(call)
	if policy.MaxAttempts <= 0 {
		return nil, newClientSideError(call.method, call.normalized, "invalid retry policy", ErrInvalidMaxAttempts)
	}

	req, err := c.buildRequest(call)
	if err != nil {
		return nil, err
	}

	req, err = c.pipeline.runRequest(ctx, req)
	if err != nil {
		return nil, newClientSideError(call.method, call.normalized, "request interceptor failed", err)
	}

	result, err := c.breaker.Execute(ctx, func(ctx context.Context) (*attemptResult, error) {
		return WithRetry(ctx, func(ctx context.Context) (*attemptResult, error) {
			call.attempts++
			c.stats.recordAttempt(call.attempts)
			return c.attempt(ctx, req, call.attempts)
		}, policy)
	})
	c.stats.recordOutcome(err)
	if err != nil {
		c.logger.Debug("request failed",
			"method", call.method,
			"path", call.normalized,
			"attempts", call.attempts,
			"error", err)
		return nil, err
	}

	resp := &Response{
		StatusCode: result.response.StatusCode,
		Header:     result.response.Header,
		Body:       result.response.Body,
		RequestID:  result.requestID,
	}
	resp, err = c.pipeline.runResponse(ctx, resp)
	if err != nil {
		return nil, newClientSideError(call.method, call.normalized, "response interceptor failed", err)
	}

	c.invalidate(call, directive, cacheable)

	if cacheable {
		c.cache.Set(directive.Key, resp.clone(), directive.TTL)
		c.index.Add(directive.Path, directive.Key)
		c.metrics.RecordCacheSize(c.cache.Name(), c.cache.Len())
	}

	return resp, nil
}

// attempt performs one transport attempt with a fresh correlation id. Any failure,
// whether raised or signalled by status, goes through the error interceptors and
// comes back as an *APIError.
func (c *Client) attempt(ctx context.Context, req *TransportRequest, n int) (*attemptResult, error) {
	attemptReq := req.Clone()
	requestID := uuid.NewString()
	attemptReq.Header.Set(RequestIDHeader, requestID)

	resp, err := c.transport.Execute(ctx, attemptReq)
	if err == nil && resp != nil && resp.StatusCode < http.StatusBadRequest {
		return &attemptResult{response: resp, requestID: requestID}, nil
	}
	if err == nil && resp == nil {
		err = errors.New("transport returned no response")
	}

	failure := c.pipeline.runError(ctx, &FailedAttempt{
		Request:   attemptReq,
		Response:  resp,
		Err:       err,
		RequestID: requestID,
		Attempt:   n,
	})
	apiErr := ClassifyFailure(failure)

	c.logger.Debug("attempt failed",
		"attempt", n,
		"kind", apiErr.Kind,
		"status", apiErr.Status,
		"request_id", requestID)
	return nil, apiErr
}

// policyFor merges the call's retry override over the client default.
func (c *Client) policyFor(call *callState) RetryPolicy {
	policy := c.retry.With(call.options.retryOptions...)
	if policy.Logger == nil {
		policy.Logger = c.logger
	}

	base := policy.OnAttempt
	perCall := call.options.onRetryAttempt
	policy.OnAttempt = func(attempt RetryAttempt) {
		c.metrics.RecordRetry(call.method, call.normalized, attempt.AttemptNumber)
		if base != nil {
			base(attempt)
		}
		if perCall != nil {
			perCall(attempt)
		}
	}
	return policy
}

// invalidate drops cached responses affected by a successful call: a mutating call's own
// path plus any explicitly requested paths, never the path this call is about to cache.
func (c *Client) invalidate(call *callState, directive CacheDirective, cacheable bool) {
	var paths []string
	if call.method != http.MethodGet {
		paths = append(paths, call.normalized)
	}
	for _, p := range call.options.invalidate {
		paths = append(paths, NormalizePath(p))
	}
	if cacheable {
		paths = slices.DeleteFunc(paths, func(p string) bool { return p == directive.Path })
	}

	for _, p := range slices.Compact(slices.Sorted(slices.Values(paths))) {
		keys := c.index.Invalidate(p)
		for _, key := range keys {
			c.cache.Delete(key)
		}
		if len(keys) > 0 {
			c.logger.Debug("cache invalidated", "path", p, "keys", len(keys))
		}
		c.metrics.RecordCacheInvalidation(p, len(keys))
	}
	if len(paths) > 0 {
		c.metrics.RecordCacheSize(c.cache.Name(), c.cache.Len())
	}
}

func (c *Client) buildRequest(call *callState) (*TransportRequest, error) {
	o := call.options

	target, err := c.buildURL(call.path, o.params)
	if err != nil {
		return nil, newClientSideError(call.method, call.normalized, "invalid request URL", err)
	}

	header := c.config.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	for key, values := range o.header {
		header.Del(key)
		for _, v := range values {
			header.Add(key, v)
		}
	}
	if header.Get("Accept") == "" {
		header.Set("Accept", "application/json")
	}
	if o.idempotencyKey != "" {
		header.Set(IdempotencyKeyHeader, o.idempotencyKey)
	}

	body, err := encodeBody(call)
	if err != nil {
		return nil, err
	}
	if len(body) > 0 && header.Get("Content-Type") == "" {
		header.Set("Content-Type", "application/json")
	}

	timeout := c.config.Timeout
	if o.timeout > 0 {
		timeout = o.timeout
	}

	return &TransportRequest{
		Method:  call.method,
		URL:     target,
		Path:    call.normalized,
		Header:  header,
		Body:    body,
		Timeout: timeout,
	}, nil
}

// buildURL joins the base URL and path and appends params to the query string.
func (c *Client) buildURL(path string, params map[string]any) (string, error) {
	base := strings.TrimRight(c.config.BaseURL, "/")
	u, err := url.Parse(base + "/" + strings.TrimLeft(path, "/"))
	if err != nil {
		return "", err
	}
	if len(params) == 0 {
		return u.String(), nil
	}

	query := u.Query()
	for key, value := range params {
		switch v := value.(type) {
		case nil:
		case []string:
			for _, s := range v {
				query.Add(key, s)
			}
		case []any:
			for _, s := range v {
				query.Add(key, fmt.Sprint(s))
			}
		default:
			query.Add(key, fmt.Sprint(v))
		}
	}
	u.RawQuery = query.Encode()
	return u.String(), nil
}

// encodeBody marshals the call's payload as JSON. Raw bytes are sent as-is.
func encodeBody(call *callState) ([]byte, error) {
	switch v := call.data.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	}

	body, err := json.Marshal(call.data)
	if err != nil {
		return nil, newClientSideError(call.method, call.normalized, "failed to encode request body", err)
	}
	return body, nil
}

// statusOf extracts the status code for metrics; 0 means no response.
func statusOf(resp *Response, err error) int {
	if resp != nil {
		return resp.StatusCode
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

func errorKindLabel(err error) string {
	var apiErr *APIError
	switch {
	case IsCircuitBreakerRejection(err):
		return "circuit_open"
	case errors.As(err, &apiErr):
		return string(apiErr.Kind)
	default:
		return "unknown"
	}
}
