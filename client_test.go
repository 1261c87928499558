package apiclient_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"golang.org/x/sync/errgroup"

	apiclient "github.com/JohnPlummer/jp-go-apiclient"
)

type resource struct {
	ID    string `json:"id"`
	Value int    `json:"value"`
}

// resourceServer is a tiny in-memory backend: GET returns the current value,
// POST/PUT stores the body.
type resourceServer struct {
	mu    sync.Mutex
	value resource
}

func (s *resourceServer) handle(_ context.Context, req *apiclient.TransportRequest) (*apiclient.TransportResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch req.Method {
	case http.MethodPost, http.MethodPut:
		if err := json.Unmarshal(req.Body, &s.value); err != nil {
			return &apiclient.TransportResponse{StatusCode: http.StatusBadRequest, Body: []byte(`{"message":"invalid json"}`)}, nil
		}
		body, _ := json.Marshal(s.value)
		return &apiclient.TransportResponse{StatusCode: http.StatusCreated, Header: http.Header{}, Body: body}, nil
	default:
		body, _ := json.Marshal(s.value)
		return &apiclient.TransportResponse{StatusCode: http.StatusOK, Header: http.Header{}, Body: body}, nil
	}
}

var _ = Describe("Client", func() {
	var (
		ctx       context.Context
		cancel    context.CancelFunc
		transport *mockTransport
		client    *apiclient.Client
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		transport = &mockTransport{executeFunc: respond(http.StatusOK, `{"id":"1","value":1}`)}
		client = nil
	})

	AfterEach(func() {
		if client != nil {
			client.Close()
		}
		cancel()
	})

	Describe("end-to-end", func() {
		It("should serve repeated GETs from cache and refetch after a POST to the same path", func() {
			backend := &resourceServer{value: resource{ID: "r1", Value: 1}}
			transport.executeFunc = backend.handle
			client = newTestClient(transport)

			first, err := apiclient.Do[resource](ctx, client, http.MethodGet, "/resources", nil)
			Expect(err).NotTo(HaveOccurred())
			second, err := apiclient.Do[resource](ctx, client, http.MethodGet, "/resources", nil)
			Expect(err).NotTo(HaveOccurred())

			Expect(transport.getCallCount()).To(Equal(1))
			Expect(second).To(Equal(first))

			_, err = client.Request(ctx, http.MethodPost, "/resources", resource{ID: "r1", Value: 2})
			Expect(err).NotTo(HaveOccurred())
			Expect(transport.getCallCount()).To(Equal(2))

			third, err := apiclient.Do[resource](ctx, client, http.MethodGet, "/resources", nil)
			Expect(err).NotTo(HaveOccurred())

			Expect(transport.getCallCount()).To(Equal(3))
			Expect(third.Value).To(Equal(2))
		})

		It("should exhaust retries on a persistent 500", func() {
			transport.executeFunc = respond(http.StatusInternalServerError, `{"message":"database unavailable"}`)
			client = newTestClient(transport)

			_, err := client.Request(ctx, http.MethodGet, "orders", nil)

			Expect(transport.getCallCount()).To(Equal(3))

			var exhausted *apiclient.RetryExhaustedError
			Expect(errors.As(err, &exhausted)).To(BeTrue())
			Expect(exhausted.Attempts).To(HaveLen(3))

			var apiErr *apiclient.APIError
			Expect(errors.As(exhausted.LastError, &apiErr)).To(BeTrue())
			Expect(apiErr.Kind).To(Equal(apiclient.KindServer))
			Expect(apiErr.Message).To(Equal("database unavailable"))
		})

		It("should raise a 400 directly after a single attempt", func() {
			transport.executeFunc = respond(http.StatusBadRequest, `{"message":"limit must be positive"}`)
			client = newTestClient(transport)

			_, err := client.Request(ctx, http.MethodGet, "orders", nil)

			Expect(transport.getCallCount()).To(Equal(1))

			var exhausted *apiclient.RetryExhaustedError
			Expect(errors.As(err, &exhausted)).To(BeFalse())

			var apiErr *apiclient.APIError
			Expect(errors.As(err, &apiErr)).To(BeTrue())
			Expect(apiErr.Kind).To(Equal(apiclient.KindInvalidRequest))
			Expect(errors.Is(err, apiclient.ErrInvalidRequest)).To(BeTrue())
		})
	})

	Describe("request building", func() {
		BeforeEach(func() {
			client = newTestClient(transport,
				apiclient.WithDefaultHeader("Authorization", "Bearer secret"),
				apiclient.WithRequestTimeout(2*time.Second),
			)
		})

		It("should join the base URL, path and params", func() {
			_, err := client.Request(ctx, http.MethodGet, "/orders", nil,
				apiclient.WithParams(map[string]any{"status": "open", "ids": []string{"1", "2"}}),
			)
			Expect(err).NotTo(HaveOccurred())

			req := transport.lastRequest()
			Expect(req.URL).To(Equal("https://api.example.test/v1/orders?ids=1&ids=2&status=open"))
			Expect(req.Path).To(Equal("orders"))
			Expect(req.Timeout).To(Equal(2 * time.Second))
		})

		It("should send default and per-call headers", func() {
			_, err := client.Request(ctx, http.MethodGet, "orders", nil,
				apiclient.WithHeader("X-Store", "eu-1"),
			)
			Expect(err).NotTo(HaveOccurred())

			req := transport.lastRequest()
			Expect(req.Header.Get("Authorization")).To(Equal("Bearer secret"))
			Expect(req.Header.Get("X-Store")).To(Equal("eu-1"))
			Expect(req.Header.Get("Accept")).To(Equal("application/json"))
			Expect(req.Header.Get(apiclient.RequestIDHeader)).NotTo(BeEmpty())
		})

		It("should encode the payload as JSON", func() {
			_, err := client.Request(ctx, http.MethodPost, "orders", map[string]any{"sku": "A1", "qty": 2})
			Expect(err).NotTo(HaveOccurred())

			req := transport.lastRequest()
			Expect(req.Header.Get("Content-Type")).To(Equal("application/json"))
			Expect(req.Body).To(MatchJSON(`{"sku":"A1","qty":2}`))
		})

		It("should fail client-side for payloads that cannot be encoded", func() {
			_, err := client.Request(ctx, http.MethodPost, "orders", map[string]any{"bad": make(chan int)})

			Expect(errors.Is(err, apiclient.ErrAPI)).To(BeTrue())
			Expect(transport.getCallCount()).To(BeZero())
		})

		It("should override the per-attempt timeout per call", func() {
			_, err := client.Request(ctx, http.MethodGet, "orders", nil, apiclient.WithTimeout(50*time.Millisecond))
			Expect(err).NotTo(HaveOccurred())
			Expect(transport.lastRequest().Timeout).To(Equal(50 * time.Millisecond))
		})
	})

	Describe("retries", func() {
		It("should send the same idempotency key on every attempt with a fresh request id", func() {
			transport.executeFunc = respond(http.StatusServiceUnavailable, `{}`)
			client = newTestClient(transport)

			_, err := client.Request(ctx, http.MethodPost, "payments", map[string]any{"amount": 100},
				apiclient.WithIdempotencyKey("pay-123"),
			)
			Expect(err).To(HaveOccurred())

			requests := transport.allRequests()
			Expect(requests).To(HaveLen(3))
			for _, req := range requests {
				Expect(req.Header.Get(apiclient.IdempotencyKeyHeader)).To(Equal("pay-123"))
			}
			Expect(requests[0].Header.Get(apiclient.RequestIDHeader)).NotTo(Equal(requests[1].Header.Get(apiclient.RequestIDHeader)))
		})

		It("should honour a per-call retry override", func() {
			transport.executeFunc = respond(http.StatusBadGateway, `{}`)
			client = newTestClient(transport)

			var observed []int
			_, err := client.Request(ctx, http.MethodGet, "orders", nil,
				apiclient.WithRetryOptions(apiclient.WithMaxAttempts(5)),
				apiclient.WithOnRetryAttempt(func(a apiclient.RetryAttempt) {
					observed = append(observed, a.AttemptNumber)
				}),
			)

			Expect(err).To(HaveOccurred())
			Expect(transport.getCallCount()).To(Equal(5))
			Expect(observed).To(Equal([]int{1, 2, 3, 4}))
		})

		It("should recover when a later attempt succeeds", func() {
			var calls atomic.Int32
			transport.executeFunc = func(ctx context.Context, req *apiclient.TransportRequest) (*apiclient.TransportResponse, error) {
				if calls.Add(1) == 1 {
					return respond(http.StatusTooManyRequests, `{"message":"slow down"}`)(ctx, req)
				}
				return respond(http.StatusOK, `{"id":"1","value":7}`)(ctx, req)
			}
			client = newTestClient(transport)

			got, err := apiclient.Do[resource](ctx, client, http.MethodGet, "orders/1", nil)

			Expect(err).NotTo(HaveOccurred())
			Expect(got.Value).To(Equal(7))
			Expect(transport.getCallCount()).To(Equal(2))

			stats := client.RetryStats()
			Expect(stats.TotalAttempts).To(Equal(int64(2)))
			Expect(stats.TotalRetries).To(Equal(int64(1)))
			Expect(stats.TotalSuccesses).To(Equal(int64(1)))
		})
	})

	Describe("caching", func() {
		It("should store distinct entries for distinct params", func() {
			client = newTestClient(transport)

			_, err := client.Request(ctx, http.MethodGet, "orders", nil, apiclient.WithParams(map[string]any{"page": 1}))
			Expect(err).NotTo(HaveOccurred())
			_, err = client.Request(ctx, http.MethodGet, "orders", nil, apiclient.WithParams(map[string]any{"page": 2}))
			Expect(err).NotTo(HaveOccurred())
			resp, err := client.Request(ctx, http.MethodGet, "orders", nil, apiclient.WithParams(map[string]any{"page": 1}))
			Expect(err).NotTo(HaveOccurred())

			Expect(transport.getCallCount()).To(Equal(2))
			Expect(resp.Cached).To(BeTrue())
			Expect(client.CacheStats().Size).To(Equal(2))
		})

		It("should not cache non-GET requests", func() {
			client = newTestClient(transport)

			_, _ = client.Request(ctx, http.MethodPut, "orders/1", map[string]any{"status": "paid"})
			_, _ = client.Request(ctx, http.MethodPut, "orders/1", map[string]any{"status": "paid"})

			Expect(transport.getCallCount()).To(Equal(2))
			Expect(client.CacheStats().Size).To(BeZero())
		})

		It("should bypass the cache when disabled per call", func() {
			client = newTestClient(transport)

			_, _ = client.Request(ctx, http.MethodGet, "orders", nil, apiclient.WithCache(false))
			_, _ = client.Request(ctx, http.MethodGet, "orders", nil, apiclient.WithCache(false))

			Expect(transport.getCallCount()).To(Equal(2))
		})

		It("should bypass the cache when disabled on the client", func() {
			client = newTestClient(transport, apiclient.WithCaching(false))

			_, _ = client.Request(ctx, http.MethodGet, "orders", nil, apiclient.WithCache(true))
			_, _ = client.Request(ctx, http.MethodGet, "orders", nil, apiclient.WithCache(true))

			Expect(transport.getCallCount()).To(Equal(2))
			Expect(client.CacheEnabled()).To(BeFalse())

			client.SetCacheEnabled(true)
			_, _ = client.Request(ctx, http.MethodGet, "orders", nil)
			_, _ = client.Request(ctx, http.MethodGet, "orders", nil)
			Expect(transport.getCallCount()).To(Equal(3))
		})

		It("should use an explicit cache key", func() {
			client = newTestClient(transport)

			_, _ = client.Request(ctx, http.MethodGet, "orders", nil,
				apiclient.WithCacheKey("open-orders"), apiclient.WithParams(map[string]any{"page": 1}))
			_, _ = client.Request(ctx, http.MethodGet, "orders", nil,
				apiclient.WithCacheKey("open-orders"), apiclient.WithParams(map[string]any{"page": 2}))

			Expect(transport.getCallCount()).To(Equal(1))
		})

		It("should return copies that callers cannot corrupt", func() {
			client = newTestClient(transport)

			first, err := client.Request(ctx, http.MethodGet, "orders/1", nil)
			Expect(err).NotTo(HaveOccurred())
			first.Body[0] = 'X'

			second, err := client.Request(ctx, http.MethodGet, "orders/1", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(second.Body).To(MatchJSON(`{"id":"1","value":1}`))
		})

		It("should invalidate related paths after a mutation", func() {
			client = newTestClient(transport)

			_, _ = client.Request(ctx, http.MethodGet, "orders", nil)
			_, _ = client.Request(ctx, http.MethodGet, "orders/1", nil)
			_, _ = client.Request(ctx, http.MethodGet, "order-templates", nil)
			_, _ = client.Request(ctx, http.MethodGet, "customers/7/orders", nil)
			Expect(transport.getCallCount()).To(Equal(4))

			_, err := client.Request(ctx, http.MethodPut, "orders/1", map[string]any{"status": "paid"},
				apiclient.WithInvalidatePaths("customers/7/orders"),
			)
			Expect(err).NotTo(HaveOccurred())
			Expect(transport.getCallCount()).To(Equal(5))

			_, _ = client.Request(ctx, http.MethodGet, "order-templates", nil)
			Expect(transport.getCallCount()).To(Equal(5))

			_, _ = client.Request(ctx, http.MethodGet, "orders", nil)
			_, _ = client.Request(ctx, http.MethodGet, "orders/1", nil)
			_, _ = client.Request(ctx, http.MethodGet, "customers/7/orders", nil)
			Expect(transport.getCallCount()).To(Equal(8))
		})

		It("should not invalidate after a failed mutation", func() {
			client = newTestClient(transport)

			_, _ = client.Request(ctx, http.MethodGet, "orders", nil)
			transport.executeFunc = respond(http.StatusUnprocessableEntity, `{"message":"invalid"}`)
			_, err := client.Request(ctx, http.MethodPost, "orders", map[string]any{})
			Expect(err).To(HaveOccurred())

			resp, err := client.Request(ctx, http.MethodGet, "orders", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Cached).To(BeTrue())
		})

		It("should drop every entry on ClearCache", func() {
			client = newTestClient(transport)

			_, _ = client.Request(ctx, http.MethodGet, "orders", nil)
			client.ClearCache()
			_, _ = client.Request(ctx, http.MethodGet, "orders", nil)

			Expect(transport.getCallCount()).To(Equal(2))
		})

		It("should expire entries after the per-call TTL", func() {
			clock := newFakeClock()
			client = newTestClient(transport, apiclient.WithCacheOptions(apiclient.WithClock(clock.Now)))

			_, _ = client.Request(ctx, http.MethodGet, "orders", nil, apiclient.WithCacheTTL(time.Second))
			clock.Advance(2 * time.Second)
			_, _ = client.Request(ctx, http.MethodGet, "orders", nil, apiclient.WithCacheTTL(time.Second))

			Expect(transport.getCallCount()).To(Equal(2))
		})
	})

	Describe("circuit breaker", func() {
		It("should open for every endpoint after a failure burst on one", func() {
			transport.executeFunc = func(ctx context.Context, req *apiclient.TransportRequest) (*apiclient.TransportResponse, error) {
				if req.Path == "flaky" {
					return respond(http.StatusInternalServerError, `{}`)(ctx, req)
				}
				return respond(http.StatusOK, `{}`)(ctx, req)
			}
			var transitions atomic.Int32
			client = newTestClient(transport,
				fastRetry(1),
				apiclient.WithCircuitBreaker(
					apiclient.WithFailureThreshold(2),
					apiclient.WithResetTimeout(time.Minute),
					apiclient.WithStateChangeHandler(func(string, apiclient.CircuitBreakerState, apiclient.CircuitBreakerState) {
						transitions.Add(1)
					}),
				),
			)

			_, _ = client.Request(ctx, http.MethodGet, "flaky", nil, apiclient.WithCache(false))
			_, _ = client.Request(ctx, http.MethodGet, "flaky", nil, apiclient.WithCache(false))
			Expect(client.CircuitBreakerState()).To(Equal(apiclient.StateOpen))
			Expect(transitions.Load()).To(Equal(int32(1)))

			calls := transport.getCallCount()
			_, err := client.Request(ctx, http.MethodGet, "healthy", nil)

			Expect(apiclient.IsCircuitBreakerRejection(err)).To(BeTrue())
			Expect(transport.getCallCount()).To(Equal(calls))

			client.ResetCircuitBreaker()
			_, err = client.Request(ctx, http.MethodGet, "healthy", nil)
			Expect(err).NotTo(HaveOccurred())
		})

		It("should count a whole retry sequence as one breaker failure", func() {
			transport.executeFunc = respond(http.StatusServiceUnavailable, `{}`)
			client = newTestClient(transport,
				apiclient.WithCircuitBreaker(apiclient.WithFailureThreshold(2)),
			)

			_, _ = client.Request(ctx, http.MethodGet, "orders", nil)

			Expect(transport.getCallCount()).To(Equal(3))
			Expect(client.CircuitBreakerState()).To(Equal(apiclient.StateClosed))
			Expect(client.CircuitBreakerSnapshot().FailureCount).To(Equal(uint32(1)))
		})

		It("should still serve cached responses while open", func() {
			client = newTestClient(transport,
				fastRetry(1),
				apiclient.WithCircuitBreaker(apiclient.WithFailureThreshold(1), apiclient.WithResetTimeout(time.Minute)),
			)

			_, err := client.Request(ctx, http.MethodGet, "catalog", nil)
			Expect(err).NotTo(HaveOccurred())

			transport.executeFunc = respond(http.StatusInternalServerError, `{}`)
			_, _ = client.Request(ctx, http.MethodGet, "orders", nil)
			Expect(client.CircuitBreakerState()).To(Equal(apiclient.StateOpen))

			resp, err := client.Request(ctx, http.MethodGet, "catalog", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Cached).To(BeTrue())
		})
	})

	Describe("retry policy validation", func() {
		It("should reject a call without attempts as a client-side error and leave the breaker alone", func() {
			client = newTestClient(transport,
				apiclient.WithCircuitBreaker(apiclient.WithFailureThreshold(2)),
			)

			for range 2 {
				_, err := client.Request(ctx, http.MethodGet, "orders", nil,
					apiclient.WithRetryOptions(apiclient.WithMaxAttempts(0)),
				)

				var apiErr *apiclient.APIError
				Expect(errors.As(err, &apiErr)).To(BeTrue())
				Expect(apiErr.Kind).To(Equal(apiclient.KindAPI))
				Expect(errors.Is(err, apiclient.ErrInvalidMaxAttempts)).To(BeTrue())
			}

			Expect(transport.getCallCount()).To(BeZero())
			Expect(client.CircuitBreakerState()).To(Equal(apiclient.StateClosed))
			Expect(client.CircuitBreakerSnapshot().FailureCount).To(BeZero())
		})
	})

	Describe("cancellation", func() {
		It("should not count caller-cancelled calls against the breaker", func() {
			transport.executeFunc = func(ctx context.Context, req *apiclient.TransportRequest) (*apiclient.TransportResponse, error) {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				return respond(http.StatusOK, `{}`)(ctx, req)
			}
			client = newTestClient(transport,
				fastRetry(1),
				apiclient.WithCircuitBreaker(apiclient.WithFailureThreshold(2)),
			)

			cancelled, cancelCall := context.WithCancel(ctx)
			cancelCall()

			for range 2 {
				_, err := client.Request(cancelled, http.MethodGet, "orders", nil)
				Expect(errors.Is(err, context.Canceled)).To(BeTrue())
			}

			Expect(client.CircuitBreakerState()).To(Equal(apiclient.StateClosed))
			Expect(client.CircuitBreakerSnapshot().FailureCount).To(BeZero())

			_, err := client.Request(ctx, http.MethodGet, "customers", nil)
			Expect(err).NotTo(HaveOccurred())
		})

		It("should cancel only the in-flight attempt and let a pending backoff run out", func() {
			const backoff = 100 * time.Millisecond

			callCtx, cancelCall := context.WithCancel(ctx)
			defer cancelCall()

			var calls atomic.Int32
			transport.executeFunc = func(ctx context.Context, req *apiclient.TransportRequest) (*apiclient.TransportResponse, error) {
				if calls.Add(1) == 1 {
					// Cancel while the retry engine is sleeping.
					time.AfterFunc(10*time.Millisecond, cancelCall)
					return respond(http.StatusServiceUnavailable, `{}`)(ctx, req)
				}
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				return respond(http.StatusOK, `{}`)(ctx, req)
			}
			client = newTestClient(transport,
				apiclient.WithRetryPolicy(
					apiclient.WithMaxAttempts(2),
					apiclient.WithExponentialBackoff(backoff, backoff),
				),
				apiclient.WithCircuitBreaker(apiclient.WithFailureThreshold(1)),
			)

			start := time.Now()
			_, err := client.Request(callCtx, http.MethodGet, "orders", nil)
			elapsed := time.Since(start)

			Expect(errors.Is(err, context.Canceled)).To(BeTrue())
			Expect(transport.getCallCount()).To(Equal(2))
			Expect(elapsed).To(BeNumerically(">=", backoff))

			Expect(client.CircuitBreakerState()).To(Equal(apiclient.StateClosed))
			Expect(client.CircuitBreakerSnapshot().FailureCount).To(BeZero())
			Expect(client.CacheStats().Size).To(BeZero())
		})
	})

	Describe("concurrency", func() {
		It("should handle concurrent calls safely", func() {
			client = newTestClient(transport)

			g, gctx := errgroup.WithContext(ctx)
			for i := range 50 {
				g.Go(func() error {
					path := "orders"
					if i%2 == 0 {
						path = "customers"
					}
					_, err := client.Request(gctx, http.MethodGet, path, nil)
					return err
				})
			}
			for range 5 {
				g.Go(func() error {
					_, err := client.Request(gctx, http.MethodPost, "orders", map[string]any{"sku": "A1"})
					return err
				})
			}

			Expect(g.Wait()).To(Succeed())
			Expect(client.CircuitBreakerState()).To(Equal(apiclient.StateClosed))
			Expect(client.CacheStats().Size).To(BeNumerically("<=", 2))
		})
	})

	Describe("HealthCheck", func() {
		It("should report ok with breaker details", func() {
			client = newTestClient(transport)

			report := client.HealthCheck(ctx)

			Expect(report.Status).To(Equal(apiclient.HealthStatusOK))
			Expect(report.Details).NotTo(BeNil())
			Expect(report.Details.Breaker.State).To(Equal("CLOSED"))
			Expect(report.Details.Breaker.Healthy).To(BeTrue())
			Expect(transport.lastRequest().URL).To(Equal("https://api.example.test/v1/health"))
		})

		It("should probe once without caching and report failures", func() {
			transport.executeFunc = respond(http.StatusServiceUnavailable, `{"message":"down"}`)
			client = newTestClient(transport, apiclient.WithHealthPath("status"))

			report := client.HealthCheck(ctx)
			_ = client.HealthCheck(ctx)

			Expect(report.Status).To(Equal(apiclient.HealthStatusError))
			Expect(report.Details.Error).To(ContainSubstring("down"))
			Expect(transport.getCallCount()).To(Equal(2))
		})
	})
})
