package apiclient

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// RetryPolicy holds retry configuration. A policy is immutable per call: per-request
// overrides are applied to a copy of the client default with RetryOption values.
type RetryPolicy struct {
	// RetryCondition decides whether a failed, non-final attempt is retried.
	// Default: DefaultRetryCondition
	RetryCondition func(err error) bool

	// OnAttempt is invoked for every retried failure, before the backoff sleep.
	OnAttempt func(attempt RetryAttempt)

	// Logger for retry operations.
	// Default: slog.Default()
	Logger *slog.Logger

	// MaxAttempts is the maximum number of attempts (including the initial request).
	// Default: 3
	MaxAttempts int

	// BaseDelay is the delay before the first retry.
	// Default: 1 second
	BaseDelay time.Duration

	// MaxDelay caps every computed delay.
	// Default: 30 seconds
	MaxDelay time.Duration

	// BackoffMultiplier grows the delay: BaseDelay * (multiplier ^ (attempt-1)).
	// Default: 2.0 (doubling)
	BackoffMultiplier float64

	// Jitter multiplies each delay by a uniform random factor in [0.5, 1.0].
	// Default: true
	Jitter bool
}

// RetryOption is a functional option for configuring retry behavior.
type RetryOption func(*RetryPolicy)

// WithMaxAttempts sets the maximum number of attempts.
// The total number of calls will be at most MaxAttempts (including the initial attempt).
//
// Example:
//
//	apiclient.WithMaxAttempts(5) // Try up to 5 times total
func WithMaxAttempts(attempts int) RetryOption {
	return func(p *RetryPolicy) {
		p.MaxAttempts = attempts
	}
}

// WithExponentialBackoff sets the base and maximum delay.
//
// Example:
//
//	apiclient.WithExponentialBackoff(time.Second, 30*time.Second)
//	// With multiplier 2.0 and no jitter: 1s, 2s, 4s, 8s, 16s, 30s (capped)
func WithExponentialBackoff(baseDelay, maxDelay time.Duration) RetryOption {
	return func(p *RetryPolicy) {
		p.BaseDelay = baseDelay
		p.MaxDelay = maxDelay
	}
}

// WithMultiplier sets the backoff multiplier.
//
// Example:
//
//	apiclient.WithMultiplier(1.5) // 50% growth per retry
func WithMultiplier(multiplier float64) RetryOption {
	return func(p *RetryPolicy) {
		p.BackoffMultiplier = multiplier
	}
}

// WithJitter enables or disables delay jitter.
func WithJitter(enabled bool) RetryOption {
	return func(p *RetryPolicy) {
		p.Jitter = enabled
	}
}

// WithRetryCondition sets the predicate deciding whether an error is retried.
//
// Example:
//
//	apiclient.WithRetryCondition(apiclient.NewHTTPStatusClassifier().IsRetryable)
func WithRetryCondition(condition func(err error) bool) RetryOption {
	return func(p *RetryPolicy) {
		p.RetryCondition = condition
	}
}

// WithOnAttempt sets the callback invoked for every retried failure.
func WithOnAttempt(fn func(attempt RetryAttempt)) RetryOption {
	return func(p *RetryPolicy) {
		p.OnAttempt = fn
	}
}

// WithRetryLogger sets a custom logger for retry operations.
func WithRetryLogger(logger *slog.Logger) RetryOption {
	return func(p *RetryPolicy) {
		p.Logger = logger
	}
}

// DefaultRetryPolicy returns a retry policy with sensible defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		BaseDelay:         time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
		RetryCondition:    DefaultRetryCondition,
		Logger:            slog.Default(),
	}
}

// With returns a copy of the policy with the options applied on top.
func (p RetryPolicy) With(opts ...RetryOption) RetryPolicy {
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// CircuitBreakerConfig holds circuit breaker configuration options.
type CircuitBreakerConfig struct {
	// ErrorClassifier determines which errors count as failures.
	// Default: every error counts
	ErrorClassifier CircuitBreakerErrorClassifier

	// OnStateChange is called whenever the circuit breaker changes state.
	OnStateChange func(name string, from, to CircuitBreakerState)

	// Logger for circuit breaker operations.
	// Default: slog.Default()
	Logger *slog.Logger

	// Name identifies the breaker in logs and metrics.
	// Default: "apiclient"
	Name string

	// ResetTimeout is how long the breaker stays open before allowing a probe.
	// Default: 60 seconds
	ResetTimeout time.Duration

	// FailureThreshold is the number of consecutive failures that opens the breaker.
	// Default: 5
	FailureThreshold uint32
}

// CircuitBreakerOption is a functional option for configuring circuit breaker behavior.
type CircuitBreakerOption func(*CircuitBreakerConfig)

// WithFailureThreshold sets the consecutive-failure count that opens the breaker.
//
// Example:
//
//	apiclient.WithFailureThreshold(3)
func WithFailureThreshold(threshold uint32) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.FailureThreshold = threshold
	}
}

// WithResetTimeout sets how long the breaker stays open before probing.
// A timeout <= 0 falls back to the 60 second default.
//
// Example:
//
//	apiclient.WithResetTimeout(30 * time.Second)
func WithResetTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.ResetTimeout = timeout
	}
}

// WithBreakerName sets the name reported in logs and metrics.
func WithBreakerName(name string) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.Name = name
	}
}

// WithCircuitBreakerErrorClassifier sets a custom error classifier for circuit breaker decisions.
//
// Example:
//
//	apiclient.WithCircuitBreakerErrorClassifier(apiclient.NewHTTPStatusClassifier())
func WithCircuitBreakerErrorClassifier(classifier CircuitBreakerErrorClassifier) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.ErrorClassifier = classifier
	}
}

// WithStateChangeHandler sets a callback for circuit breaker state changes.
//
// Example:
//
//	apiclient.WithStateChangeHandler(func(name string, from, to apiclient.CircuitBreakerState) {
//	    log.Printf("Circuit %s changed from %s to %s", name, from, to)
//	})
func WithStateChangeHandler(fn func(name string, from, to CircuitBreakerState)) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.OnStateChange = fn
	}
}

// WithCircuitBreakerLogger sets a custom logger for circuit breaker operations.
func WithCircuitBreakerLogger(logger *slog.Logger) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.Logger = logger
	}
}

// DefaultCircuitBreakerConfig returns circuit breaker configuration with sensible defaults.
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:             "apiclient",
		FailureThreshold: 5,
		ResetTimeout:     60 * time.Second,
		ErrorClassifier:  DefaultCircuitBreakerErrorClassifier(),
		Logger:           slog.Default(),
	}
}

// CacheConfig holds response cache configuration.
type CacheConfig struct {
	// Now is the clock used for expiry. Default: time.Now
	Now func() time.Time

	// Name identifies the cache in metrics.
	// Default: "responses"
	Name string

	// DefaultTTL applies when Set is called without a TTL.
	// Default: 5 minutes
	DefaultTTL time.Duration

	// SweepInterval is the period of the background expiry sweep. Zero disables the sweeper.
	// Default: 1 minute
	SweepInterval time.Duration

	// MaxSize is the entry capacity. Zero means unbounded.
	// Default: 1000
	MaxSize int
}

// CacheOption is a functional option for configuring the response cache.
type CacheOption func(*CacheConfig)

// WithCacheName sets the name reported in metrics.
func WithCacheName(name string) CacheOption {
	return func(c *CacheConfig) {
		c.Name = name
	}
}

// WithDefaultTTL sets the TTL used when none is given.
func WithDefaultTTL(ttl time.Duration) CacheOption {
	return func(c *CacheConfig) {
		c.DefaultTTL = ttl
	}
}

// WithMaxSize sets the entry capacity.
func WithMaxSize(size int) CacheOption {
	return func(c *CacheConfig) {
		c.MaxSize = size
	}
}

// WithSweepInterval sets the background sweep period. Zero disables sweeping.
func WithSweepInterval(interval time.Duration) CacheOption {
	return func(c *CacheConfig) {
		c.SweepInterval = interval
	}
}

// WithClock replaces the cache's clock. Intended for tests.
func WithClock(now func() time.Time) CacheOption {
	return func(c *CacheConfig) {
		c.Now = now
	}
}

// DefaultCacheConfig returns cache configuration with sensible defaults.
func DefaultCacheConfig() *CacheConfig {
	return &CacheConfig{
		Name:          "responses",
		DefaultTTL:    5 * time.Minute,
		MaxSize:       1000,
		SweepInterval: time.Minute,
		Now:           time.Now,
	}
}

// ClientConfig holds client-level configuration.
type ClientConfig struct {
	// Transport performs single attempts. Default: NewHTTPTransport(nil)
	Transport Transport

	// Logger for request orchestration.
	// Default: slog.Default()
	Logger *slog.Logger

	// Metrics receives Prometheus measurements. Nil disables metrics.
	Metrics *MetricsCollector

	// TracerProvider supplies the tracer for request spans.
	// Default: the global OpenTelemetry provider
	TracerProvider trace.TracerProvider

	// Header is sent with every request.
	Header http.Header

	// BaseURL is joined with each request path.
	BaseURL string

	// HealthPath is requested by HealthCheck.
	// Default: "health"
	HealthPath string

	RetryOptions   []RetryOption
	BreakerOptions []CircuitBreakerOption
	CacheOptions   []CacheOption

	// Timeout bounds a single transport attempt.
	// Default: 30 seconds
	Timeout time.Duration

	// CacheEnabled turns GET response caching on.
	// Default: true
	CacheEnabled bool
}

// ClientOption is a functional option for configuring the client.
type ClientOption func(*ClientConfig)

// WithBaseURL sets the URL every request path is joined to.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *ClientConfig) {
		c.BaseURL = baseURL
	}
}

// WithTransport replaces the default net/http transport.
func WithTransport(transport Transport) ClientOption {
	return func(c *ClientConfig) {
		c.Transport = transport
	}
}

// WithLogger sets the logger shared by the client, its retry engine and its breaker.
//
// Example:
//
//	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
//	apiclient.WithLogger(logger)
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *ClientConfig) {
		c.Logger = logger
	}
}

// WithMetrics attaches a Prometheus metrics collector.
func WithMetrics(metrics *MetricsCollector) ClientOption {
	return func(c *ClientConfig) {
		c.Metrics = metrics
	}
}

// WithTracerProvider sets the OpenTelemetry tracer provider used for request spans.
func WithTracerProvider(tp trace.TracerProvider) ClientOption {
	return func(c *ClientConfig) {
		c.TracerProvider = tp
	}
}

// WithDefaultHeader adds a header sent with every request.
func WithDefaultHeader(key, value string) ClientOption {
	return func(c *ClientConfig) {
		if c.Header == nil {
			c.Header = http.Header{}
		}
		c.Header.Add(key, value)
	}
}

// WithRequestTimeout sets the per-attempt timeout.
func WithRequestTimeout(timeout time.Duration) ClientOption {
	return func(c *ClientConfig) {
		c.Timeout = timeout
	}
}

// WithRetryPolicy adjusts the client-level default retry policy.
//
// Example:
//
//	apiclient.WithRetryPolicy(
//	    apiclient.WithMaxAttempts(5),
//	    apiclient.WithExponentialBackoff(100*time.Millisecond, 5*time.Second),
//	)
func WithRetryPolicy(opts ...RetryOption) ClientOption {
	return func(c *ClientConfig) {
		c.RetryOptions = append(c.RetryOptions, opts...)
	}
}

// WithCircuitBreaker adjusts the client's circuit breaker.
func WithCircuitBreaker(opts ...CircuitBreakerOption) ClientOption {
	return func(c *ClientConfig) {
		c.BreakerOptions = append(c.BreakerOptions, opts...)
	}
}

// WithCacheOptions adjusts the client's response cache.
func WithCacheOptions(opts ...CacheOption) ClientOption {
	return func(c *ClientConfig) {
		c.CacheOptions = append(c.CacheOptions, opts...)
	}
}

// WithCaching turns client-level GET caching on or off.
func WithCaching(enabled bool) ClientOption {
	return func(c *ClientConfig) {
		c.CacheEnabled = enabled
	}
}

// WithHealthPath sets the path requested by HealthCheck.
func WithHealthPath(path string) ClientOption {
	return func(c *ClientConfig) {
		c.HealthPath = path
	}
}

// DefaultClientConfig returns client configuration with sensible defaults.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Timeout:      30 * time.Second,
		CacheEnabled: true,
		HealthPath:   "health",
		Logger:       slog.Default(),
	}
}
