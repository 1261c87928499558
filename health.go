package apiclient

import "time"

// Health check outcomes reported in HealthReport.Status.
const (
	HealthStatusOK    = "ok"
	HealthStatusError = "error"
)

// BreakerHealth represents the health status of a circuit breaker.
// It provides a strongly-typed alternative to map[string]interface{} for health checks.
type BreakerHealth struct {
	// LastFailureTime is the time of the most recent counted failure, zero if none.
	LastFailureTime time.Time `json:"last_failure_time,omitempty"`

	// State is the breaker state ("CLOSED", "HALF_OPEN", "OPEN").
	State string `json:"state"`

	// Healthy indicates whether the circuit breaker is in a healthy state.
	// True for closed and half-open states, false for open state.
	Healthy bool `json:"healthy"`

	// FailureCount is the current run of consecutive failures.
	FailureCount uint32 `json:"failure_count"`

	// Requests is the total number of requests in the current generation.
	Requests uint32 `json:"requests"`

	// TotalSuccesses is the total number of successful requests.
	TotalSuccesses uint32 `json:"total_successes"`

	// TotalFailures is the total number of failed requests.
	TotalFailures uint32 `json:"total_failures"`

	// ConsecutiveFailures is the number of consecutive failures.
	ConsecutiveFailures uint32 `json:"consecutive_failures"`

	// ConsecutiveSuccesses is the number of consecutive successes.
	ConsecutiveSuccesses uint32 `json:"consecutive_successes"`
}

// HealthReport is the result of Client.HealthCheck.
type HealthReport struct {
	Timestamp time.Time `json:"timestamp"`

	// Details is always populated with the breaker view; Error is set when the probe failed.
	Details *HealthDetails `json:"details,omitempty"`

	// Status is HealthStatusOK or HealthStatusError.
	Status string `json:"status"`
}

// HealthDetails carries the breaker health and the probe outcome.
type HealthDetails struct {
	Breaker BreakerHealth `json:"circuit_breaker"`
	Error   string        `json:"error,omitempty"`
	Latency time.Duration `json:"latency"`
}
