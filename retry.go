package apiclient

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

// ErrInvalidMaxAttempts is returned when a policy allows no attempts at all.
var ErrInvalidMaxAttempts = errors.New("max attempts must be positive")

// maxAttemptsCap bounds MaxAttempts to keep the uint64 conversion for go-retry safe.
const maxAttemptsCap = 1000

// RetryAttempt describes one failed try. The final, non-retried failure is recorded with Delay 0.
type RetryAttempt struct {
	Error         error
	AttemptNumber int
	Delay         time.Duration
}

// RetryExhaustedError is returned once every allowed attempt has failed.
// len(Attempts) always equals the policy's MaxAttempts.
type RetryExhaustedError struct {
	// LastError is the raw error of the final attempt.
	LastError error
	Attempts  []RetryAttempt
}

// Error implements the error interface.
func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", len(e.Attempts), e.LastError)
}

// Unwrap exposes the last attempt's error, so errors.As reaches the concrete APIError.
func (e *RetryExhaustedError) Unwrap() error {
	return e.LastError
}

// WithRetry runs op up to policy.MaxAttempts times.
//
// A non-final failure that the policy's RetryCondition rejects is returned as-is,
// letting callers tell "not retryable" apart from "retries exhausted". The final
// attempt's failure is recorded without consulting RetryCondition and the loop ends
// with a *RetryExhaustedError.
//
// ctx is passed to op untouched; the backoff sleep between attempts runs on a
// context detached from ctx's cancellation and is therefore never shortened.
//
// Example:
//
//	order, err := apiclient.WithRetry(ctx, fetchOrder, apiclient.DefaultRetryPolicy().With(
//	    apiclient.WithMaxAttempts(5),
//	))
func WithRetry[T any](ctx context.Context, op func(ctx context.Context) (T, error), policy RetryPolicy) (T, error) {
	var zero T

	if policy.MaxAttempts <= 0 {
		return zero, ErrInvalidMaxAttempts
	}
	maxAttempts := min(policy.MaxAttempts, maxAttemptsCap)

	condition := policy.RetryCondition
	if condition == nil {
		condition = DefaultRetryCondition
	}
	logger := policy.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var (
		result    T
		attempt   int
		attempts  []RetryAttempt
		lastErr   error
		exhausted bool
		nextDelay time.Duration
	)

	backoff := retry.WithMaxRetries(
		uint64(maxAttempts-1), // #nosec G115 - bounds checked above
		retry.BackoffFunc(func() (time.Duration, bool) {
			return nextDelay, false
		}),
	)

	err := retry.Do(context.WithoutCancel(ctx), backoff, func(context.Context) error {
		attempt++

		resp, err := op(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Debug("request succeeded after retry", "attempts", attempt)
			}
			result = resp
			return nil
		}
		lastErr = err

		if attempt >= maxAttempts {
			attempts = append(attempts, RetryAttempt{AttemptNumber: attempt, Error: err})
			exhausted = true
			return err
		}

		if !condition(err) {
			logger.Debug("non-retryable error, giving up",
				"error", err,
				"attempts", attempt)
			return err
		}

		nextDelay = policy.Delay(attempt)
		record := RetryAttempt{AttemptNumber: attempt, Delay: nextDelay, Error: err}
		attempts = append(attempts, record)
		if policy.OnAttempt != nil {
			policy.OnAttempt(record)
		}

		logger.Debug("retrying request after delay",
			"attempt", attempt,
			"delay", nextDelay,
			"error", err)

		return retry.RetryableError(err)
	})
	if err != nil {
		if exhausted {
			logger.Warn("request failed after retries",
				"attempts", attempt,
				"error", lastErr)
			return zero, &RetryExhaustedError{Attempts: attempts, LastError: lastErr}
		}
		return zero, err
	}

	return result, nil
}

// Delay computes the backoff before the retry that follows the given 1-indexed attempt:
// min(BaseDelay * BackoffMultiplier^(attempt-1), MaxDelay), jittered into [0.5, 1.0] of
// that value when Jitter is set.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	multiplier := p.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(p.BaseDelay) * math.Pow(multiplier, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	// Prevent overflow
	if delay > math.MaxInt64 {
		delay = math.MaxInt64
	}

	if p.Jitter {
		delay *= jitterFactor()
	}
	return time.Duration(delay)
}

// jitterFactor returns a uniform factor in [0.5, 1.0] using crypto/rand.
func jitterFactor() float64 {
	const steps = 1 << 20
	n, err := rand.Int(rand.Reader, big.NewInt(steps+1))
	if err != nil {
		// Fallback to no jitter if crypto/rand fails
		return 1.0
	}
	return 0.5 + 0.5*float64(n.Int64())/steps
}

// retryStats tracks retry operation statistics across all calls of a client.
type retryStats struct {
	mu              sync.RWMutex
	totalAttempts   int64
	totalRetries    int64
	totalSuccesses  int64
	totalFailures   int64
	lastAttemptTime time.Time
	lastError       error
}

func (s *retryStats) recordAttempt(attempt int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalAttempts++
	if attempt > 1 {
		s.totalRetries++
	}
	s.lastAttemptTime = time.Now()
}

func (s *retryStats) recordOutcome(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.totalFailures++
		s.lastError = err
		return
	}
	s.totalSuccesses++
}

func (s *retryStats) snapshot() RetryStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return RetryStats{
		TotalAttempts:   s.totalAttempts,
		TotalRetries:    s.totalRetries,
		TotalSuccesses:  s.totalSuccesses,
		TotalFailures:   s.totalFailures,
		LastAttemptTime: s.lastAttemptTime,
		LastError:       s.lastError,
	}
}

// RetryStats holds statistics about retry operations.
type RetryStats struct {
	// LastAttemptTime is the time of the last transport attempt
	LastAttemptTime time.Time

	// LastError is the last error returned to a caller (if any)
	LastError error

	// TotalAttempts is the total number of transport attempts (including initial and retries)
	TotalAttempts int64

	// TotalRetries is the number of retry attempts (not including initial attempts)
	TotalRetries int64

	// TotalSuccesses is the number of calls that eventually succeeded
	TotalSuccesses int64

	// TotalFailures is the number of calls that failed
	TotalFailures int64
}
