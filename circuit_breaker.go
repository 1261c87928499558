package apiclient

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	jperrors "github.com/JohnPlummer/jp-go-errors"
	"github.com/sony/gobreaker/v2"
)

var (
	// ErrCircuitOpen is matched (errors.Is) by rejections issued while the breaker is open.
	ErrCircuitOpen = gobreaker.ErrOpenState

	// ErrCircuitHalfOpen is matched by rejections issued while the single half-open probe is in flight.
	ErrCircuitHalfOpen = gobreaker.ErrTooManyRequests
)

// IsCircuitBreakerRejection reports whether err is a fast-fail from the breaker.
// Rejections are not APIErrors and are never retried.
func IsCircuitBreakerRejection(err error) bool {
	return errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrCircuitHalfOpen)
}

// CircuitBreakerState represents the state of the circuit breaker.
type CircuitBreakerState int

const (
	// StateClosed means the circuit is closed and requests flow normally.
	StateClosed CircuitBreakerState = iota

	// StateHalfOpen means a single probe is allowed to test whether the downstream recovered.
	StateHalfOpen

	// StateOpen means the circuit is open and requests are rejected immediately.
	StateOpen
)

// String returns the string representation of the circuit breaker state.
func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerSnapshot is a point-in-time view of the breaker.
type BreakerSnapshot struct {
	LastFailureTime time.Time
	State           CircuitBreakerState
	// FailureCount is the current run of consecutive failures.
	FailureCount uint32
}

// CircuitBreakerCounts holds the counts of the underlying breaker's current generation.
type CircuitBreakerCounts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// CircuitBreaker guards an operation behind a three-state machine:
// CLOSED opens after FailureThreshold consecutive failures, OPEN rejects until
// ResetTimeout has elapsed, then HALF_OPEN lets exactly one probe through.
//
// A breaker is owned by one client and is safe for concurrent use.
type CircuitBreaker[T any] struct {
	cb          atomic.Pointer[gobreaker.CircuitBreaker[T]]
	config      *CircuitBreakerConfig
	logger      *slog.Logger
	classifier  CircuitBreakerErrorClassifier
	failures    atomic.Uint32
	lastFailure atomic.Int64
}

// NewCircuitBreaker creates a new circuit breaker.
//
// Example:
//
//	breaker := apiclient.NewCircuitBreaker[*Order](
//	    apiclient.WithFailureThreshold(3),
//	    apiclient.WithResetTimeout(30*time.Second),
//	)
func NewCircuitBreaker[T any](opts ...CircuitBreakerOption) *CircuitBreaker[T] {
	config := DefaultCircuitBreakerConfig()
	for _, opt := range opts {
		opt(config)
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.ErrorClassifier == nil {
		config.ErrorClassifier = DefaultCircuitBreakerErrorClassifier()
	}
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 1
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = DefaultCircuitBreakerConfig().ResetTimeout
	}

	b := &CircuitBreaker[T]{
		config:     config,
		logger:     config.Logger,
		classifier: config.ErrorClassifier,
	}
	b.cb.Store(b.newGobreaker())
	return b
}

func (b *CircuitBreaker[T]) newGobreaker() *gobreaker.CircuitBreaker[T] {
	config := b.config
	classifier := b.classifier

	settings := gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: 1,
		Timeout:     config.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.notifyStateChange(name, convertGobreakerState(from), convertGobreakerState(to))
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			return !classifier.ShouldTripCircuit(err)
		},
	}

	return gobreaker.NewCircuitBreaker[T](settings)
}

func (b *CircuitBreaker[T]) notifyStateChange(name string, from, to CircuitBreakerState) {
	b.logger.Warn("circuit breaker state changed",
		"name", name,
		"from", from.String(),
		"to", to.String())

	if b.config.OnStateChange != nil {
		b.config.OnStateChange(name, from, to)
	}
}

// Execute runs op through the breaker. While OPEN (or while a HALF_OPEN probe is
// in flight) op is not invoked and a jp-go-errors circuit breaker error wrapping
// ErrCircuitOpen / ErrCircuitHalfOpen is returned. Otherwise op's own result is
// returned and the breaker state is updated as a side effect.
func (b *CircuitBreaker[T]) Execute(ctx context.Context, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	cb := b.cb.Load()

	resp, err := cb.Execute(func() (T, error) {
		return op(ctx)
	})
	if err == nil {
		b.failures.Store(0)
		return resp, nil
	}

	switch {
	case errors.Is(err, gobreaker.ErrOpenState):
		counts := cb.Counts()
		b.logger.Warn("circuit breaker is open, request rejected",
			"error", err,
			"state", cb.State().String(),
			"counts", counts)
		return zero, jperrors.NewCircuitBreakerError(
			"Circuit breaker is OPEN",
			"execute",
			"open",
			jperrors.WithCause(err),
			jperrors.WithCounts(toJPCounts(counts)),
		)
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		counts := cb.Counts()
		b.logger.Debug("circuit breaker in half-open state, probe already in flight",
			"error", err)
		return zero, jperrors.NewCircuitBreakerError(
			"too many requests in half-open state",
			"execute",
			"half-open",
			jperrors.WithCause(err),
			jperrors.WithCounts(toJPCounts(counts)),
		)
	}

	shouldTrip := b.classifier.ShouldTripCircuit(err)
	switch {
	case shouldTrip:
		b.failures.Add(1)
		b.lastFailure.Store(time.Now().UnixNano())
	case errors.Is(err, context.Canceled):
		// Caller abort: the failure run is left as it was.
	default:
		b.failures.Store(0)
	}
	b.logger.Debug("request failed through circuit breaker",
		"error", err,
		"should_trip", shouldTrip)

	return zero, err
}

// Reset forces the breaker CLOSED with zeroed counters, whatever its current state.
func (b *CircuitBreaker[T]) Reset() {
	from := b.State()
	b.cb.Store(b.newGobreaker())
	b.failures.Store(0)
	b.lastFailure.Store(0)

	b.logger.Info("circuit breaker reset", "name", b.config.Name, "from", from.String())
	if from != StateClosed {
		b.notifyStateChange(b.config.Name, from, StateClosed)
	}
}

// State returns the current state of the circuit breaker.
// Reading the state after ResetTimeout has elapsed moves an OPEN breaker to HALF_OPEN.
func (b *CircuitBreaker[T]) State() CircuitBreakerState {
	return convertGobreakerState(b.cb.Load().State())
}

// Snapshot returns the state together with the failure bookkeeping.
func (b *CircuitBreaker[T]) Snapshot() BreakerSnapshot {
	s := BreakerSnapshot{
		State:        b.State(),
		FailureCount: b.failures.Load(),
	}
	if ns := b.lastFailure.Load(); ns != 0 {
		s.LastFailureTime = time.Unix(0, ns)
	}
	return s
}

// Counts returns the current counts of the circuit breaker.
func (b *CircuitBreaker[T]) Counts() CircuitBreakerCounts {
	counts := b.cb.Load().Counts()
	return CircuitBreakerCounts{
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
	}
}

// Health returns the health status of the circuit breaker.
func (b *CircuitBreaker[T]) Health() BreakerHealth {
	snapshot := b.Snapshot()
	counts := b.Counts()

	health := BreakerHealth{
		State:                snapshot.State.String(),
		FailureCount:         snapshot.FailureCount,
		LastFailureTime:      snapshot.LastFailureTime,
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
	}

	switch snapshot.State {
	case StateClosed:
		health.Healthy = true
	case StateHalfOpen:
		health.Healthy = true // Degraded but operational
	case StateOpen:
		health.Healthy = false
	}
	return health
}

// convertGobreakerState converts gobreaker.State to our CircuitBreakerState.
func convertGobreakerState(state gobreaker.State) CircuitBreakerState {
	switch state {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	case gobreaker.StateOpen:
		return StateOpen
	default:
		return StateClosed
	}
}

func toJPCounts(counts gobreaker.Counts) jperrors.CircuitCounts {
	return jperrors.CircuitCounts{
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
	}
}
