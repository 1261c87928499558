package apiclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"time"

	pkgerrors "github.com/JohnPlummer/jp-go-errors"
)

// maxResponseBody caps how much of a response body the HTTP transport reads.
const maxResponseBody = 10 * 1024 * 1024

// TransportRequest is one fully built HTTP attempt.
// Request interceptors receive and return this value.
type TransportRequest struct {
	Method string
	// URL is the absolute URL including the encoded query string.
	URL string
	// Path is the normalized resource path, kept for logging and error reporting.
	Path   string
	Header http.Header
	Body   []byte
	// Timeout bounds a single attempt. Zero means no per-attempt limit.
	Timeout time.Duration
}

// Clone returns a deep copy so per-attempt mutations never leak between attempts.
func (r *TransportRequest) Clone() *TransportRequest {
	if r == nil {
		return nil
	}
	c := *r
	c.Header = r.Header.Clone()
	if c.Header == nil {
		c.Header = http.Header{}
	}
	if r.Body != nil {
		c.Body = bytes.Clone(r.Body)
	}
	return &c
}

// TransportResponse is what the transport received for one attempt.
type TransportResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Transport performs exactly one HTTP attempt. It returns a *TransportError when
// no response was received at all; any received response, whatever its status,
// is returned without error.
type Transport = ResilientClient[*TransportRequest, *TransportResponse]

// TransportFunc adapts a plain function to the Transport interface.
type TransportFunc func(ctx context.Context, req *TransportRequest) (*TransportResponse, error)

// Execute implements Transport.
func (f TransportFunc) Execute(ctx context.Context, req *TransportRequest) (*TransportResponse, error) {
	return f(ctx, req)
}

// TransportError signals that no response was received (DNS failure, timeout, refused connection).
type TransportError struct {
	Method string
	URL    string
	Err    error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

// Unwrap implements error unwrapping for errors.Is and errors.As.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// HTTPTransport is the default Transport backed by net/http.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport creates a transport using the given http.Client, or a fresh one if nil.
func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPTransport{client: client}
}

// Execute implements Transport.
func (t *HTTPTransport) Execute(ctx context.Context, req *TransportRequest) (*TransportResponse, error) {
	attemptCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, req.URL, body)
	if err != nil {
		return nil, &TransportError{Method: req.Method, URL: req.URL, Err: err}
	}
	maps.Copy(httpReq.Header, req.Header)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Method: req.Method, URL: req.URL, Err: attemptFailure(ctx, attemptCtx, req, err)}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, &TransportError{Method: req.Method, URL: req.URL, Err: attemptFailure(ctx, attemptCtx, req, err)}
	}

	return &TransportResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       data,
	}, nil
}

// attemptFailure tells a caller cancellation apart from the per-attempt timeout.
// The latter becomes a jp-go-errors timeout so timeout-aware classifiers recognise it.
func attemptFailure(parent, attempt context.Context, req *TransportRequest, err error) error {
	if parent.Err() != nil {
		return fmt.Errorf("%w: %w", parent.Err(), err)
	}
	if errors.Is(attempt.Err(), context.DeadlineExceeded) {
		return pkgerrors.NewTimeoutError("request timed out", req.Method+" "+req.Path, req.Timeout)
	}
	return err
}
