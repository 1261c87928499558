package apiclient

import (
	"context"
	"errors"
	"slices"

	pkgerrors "github.com/JohnPlummer/jp-go-errors"
)

// ErrorClassifier determines whether an error should trigger a retry.
// Implement this interface to customize retry behavior for your specific error types.
type ErrorClassifier interface {
	// IsRetryable returns true if the error represents a transient failure
	// that should be retried.
	IsRetryable(err error) bool
}

// CircuitBreakerErrorClassifier determines whether an error should count as a
// circuit breaker failure.
type CircuitBreakerErrorClassifier interface {
	// ShouldTripCircuit returns true if the error represents a failure serious enough
	// to count towards opening the circuit breaker.
	ShouldTripCircuit(err error) bool
}

// HTTPError represents an error with an associated HTTP status code.
// APIError implements this interface.
type HTTPError interface {
	error
	StatusCode() int
}

// DefaultRetryCondition retries everything except client errors (4xx other than 429)
// and circuit breaker rejections. 429 is retried.
func DefaultRetryCondition(err error) bool {
	if err == nil {
		return false
	}
	if IsCircuitBreakerRejection(err) {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return !apiErr.IsClientError()
	}
	return true
}

// RetryConditionFromClassifier adapts an ErrorClassifier to a RetryPolicy condition.
func RetryConditionFromClassifier(classifier ErrorClassifier) func(error) bool {
	return classifier.IsRetryable
}

// everyFailureClassifier counts every error against the breaker except caller aborts.
type everyFailureClassifier struct{}

func (everyFailureClassifier) ShouldTripCircuit(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// DefaultCircuitBreakerErrorClassifier counts every failure towards the breaker threshold.
// A call the caller cancelled says nothing about the downstream and is not counted.
// Use NewHTTPStatusClassifier for status-aware tripping.
func DefaultCircuitBreakerErrorClassifier() CircuitBreakerErrorClassifier {
	return everyFailureClassifier{}
}

// HTTPStatusClassifier provides HTTP status code-based error classification.
// It classifies errors based on HTTP status codes, treating certain codes as retryable
// and others as circuit breaker trip conditions.
type HTTPStatusClassifier struct {
	// RetryableStatuses lists HTTP status codes that should trigger retries.
	// Defaults to 429, 500, 502, 503, 504 if nil.
	RetryableStatuses []int

	// CircuitTripStatuses lists HTTP status codes that should trip the circuit breaker.
	// Defaults to 401, 403, 500, 502, 503, 504 if nil.
	CircuitTripStatuses []int
}

// NewHTTPStatusClassifier creates a new HTTPStatusClassifier with default status code mappings.
// Retryable: 429 (rate limit), 500, 502, 503, 504 (server errors)
// Circuit trip: 401, 403 (auth errors), 500, 502, 503, 504 (server errors)
func NewHTTPStatusClassifier() *HTTPStatusClassifier {
	return &HTTPStatusClassifier{
		RetryableStatuses:   []int{429, 500, 502, 503, 504},
		CircuitTripStatuses: []int{401, 403, 500, 502, 503, 504},
	}
}

// IsRetryable implements ErrorClassifier for HTTP status codes.
func (c *HTTPStatusClassifier) IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// The caller's context is gone; another attempt would fail the same way.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	if IsCircuitBreakerRejection(err) {
		return false
	}

	if errors.Is(err, pkgerrors.ErrRateLimited) {
		return true
	}
	if pkgerrors.IsTimeout(err) {
		return true
	}

	statusCode := extractStatusCode(err)
	if statusCode == 0 {
		// Connection failures carry no status and are worth another try.
		return true
	}

	return slices.Contains(c.getRetryableStatuses(), statusCode)
}

// ShouldTripCircuit implements CircuitBreakerErrorClassifier for HTTP status codes.
func (c *HTTPStatusClassifier) ShouldTripCircuit(err error) bool {
	if err == nil {
		return false
	}

	// Rate limits and timeouts are transient and do not trip the circuit.
	if errors.Is(err, pkgerrors.ErrRateLimited) {
		return false
	}
	if pkgerrors.IsTimeout(err) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	statusCode := extractStatusCode(err)
	if statusCode == 0 {
		return true
	}

	return slices.Contains(c.getCircuitTripStatuses(), statusCode)
}

func (c *HTTPStatusClassifier) getRetryableStatuses() []int {
	if c.RetryableStatuses != nil {
		return c.RetryableStatuses
	}
	return []int{429, 500, 502, 503, 504}
}

func (c *HTTPStatusClassifier) getCircuitTripStatuses() []int {
	if c.CircuitTripStatuses != nil {
		return c.CircuitTripStatuses
	}
	return []int{401, 403, 500, 502, 503, 504}
}

// extractStatusCode returns the status code carried anywhere in the error chain, or 0.
func extractStatusCode(err error) int {
	var httpErr HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode()
	}
	return 0
}
