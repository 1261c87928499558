package apiclient

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// RequestInterceptor receives the built request before dispatch and returns the request to send.
// Returning an error aborts the call.
type RequestInterceptor func(ctx context.Context, req *TransportRequest) (*TransportRequest, error)

// ResponseInterceptor receives a successful response and returns the response to hand back.
// Returning an error fails the call.
type ResponseInterceptor func(ctx context.Context, resp *Response) (*Response, error)

// ErrorInterceptor sees a failed attempt before it is classified. It may rewrite the
// response status or body, which changes the resulting taxonomy kind. Returning nil
// passes the failure through unchanged.
type ErrorInterceptor func(ctx context.Context, failure *FailedAttempt) *FailedAttempt

// FailedAttempt is the raw outcome of a failed transport attempt.
type FailedAttempt struct {
	Request *TransportRequest
	// Response is nil when no response was received.
	Response *TransportResponse
	// Err is the transport error, if the transport raised one.
	Err       error
	RequestID string
	Attempt   int
}

// pipeline holds the three ordered interceptor lists. Registration and execution
// may happen concurrently; each run works on a snapshot of the lists.
type pipeline struct {
	mu       sync.RWMutex
	request  []RequestInterceptor
	response []ResponseInterceptor
	errors   []ErrorInterceptor
}

func (p *pipeline) addRequest(fn RequestInterceptor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.request = append(p.request, fn)
}

func (p *pipeline) addResponse(fn ResponseInterceptor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.response = append(p.response, fn)
}

func (p *pipeline) addError(fn ErrorInterceptor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errors = append(p.errors, fn)
}

func (p *pipeline) runRequest(ctx context.Context, req *TransportRequest) (*TransportRequest, error) {
	p.mu.RLock()
	chain := slices.Clone(p.request)
	p.mu.RUnlock()

	for i, fn := range chain {
		next, err := fn(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("request interceptor %d: %w", i, err)
		}
		if next != nil {
			req = next
		}
	}
	return req, nil
}

func (p *pipeline) runResponse(ctx context.Context, resp *Response) (*Response, error) {
	p.mu.RLock()
	chain := slices.Clone(p.response)
	p.mu.RUnlock()

	for i, fn := range chain {
		next, err := fn(ctx, resp)
		if err != nil {
			return nil, fmt.Errorf("response interceptor %d: %w", i, err)
		}
		if next != nil {
			resp = next
		}
	}
	return resp, nil
}

func (p *pipeline) runError(ctx context.Context, failure *FailedAttempt) *FailedAttempt {
	p.mu.RLock()
	chain := slices.Clone(p.errors)
	p.mu.RUnlock()

	for _, fn := range chain {
		if next := fn(ctx, failure); next != nil {
			failure = next
		}
	}
	return failure
}
