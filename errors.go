package apiclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	pkgerrors "github.com/JohnPlummer/jp-go-errors"
)

// ErrorKind names one member of the closed error taxonomy produced by the client.
type ErrorKind string

const (
	// KindInvalidRequest is produced for 400 responses.
	KindInvalidRequest ErrorKind = "invalid_request_error"

	// KindAuthentication is produced for 401 and 403 responses.
	KindAuthentication ErrorKind = "authentication_error"

	// KindNotFound is produced for 404 responses.
	KindNotFound ErrorKind = "not_found_error"

	// KindRateLimit is produced for 429 responses.
	KindRateLimit ErrorKind = "rate_limit_error"

	// KindServer is produced for 5xx responses.
	KindServer ErrorKind = "server_error"

	// KindConnection is produced when no response was received at all
	// (DNS failure, timeout, connection refused).
	KindConnection ErrorKind = "connection_error"

	// KindAPI is the generic kind for anything not matched above.
	KindAPI ErrorKind = "api_error"
)

// Sentinel errors for matching taxonomy kinds with errors.Is.
//
// Example:
//
//	if errors.Is(err, apiclient.ErrNotFound) {
//	    // handle missing resource
//	}
var (
	ErrInvalidRequest = errors.New("apiclient: invalid request")
	ErrAuthentication = errors.New("apiclient: authentication failed")
	ErrNotFound       = errors.New("apiclient: not found")
	ErrRateLimit      = errors.New("apiclient: rate limited")
	ErrServer         = errors.New("apiclient: server error")
	ErrConnection     = errors.New("apiclient: connection error")
	ErrAPI            = errors.New("apiclient: api error")
)

var kindSentinels = map[ErrorKind]error{
	KindInvalidRequest: ErrInvalidRequest,
	KindAuthentication: ErrAuthentication,
	KindNotFound:       ErrNotFound,
	KindRateLimit:      ErrRateLimit,
	KindServer:         ErrServer,
	KindConnection:     ErrConnection,
	KindAPI:            ErrAPI,
}

// APIError is the single error type that escapes the request pipeline for a failed attempt.
// Kind identifies the taxonomy subtype; exactly one kind is assigned per failed attempt.
type APIError struct {
	// Kind is the taxonomy subtype.
	Kind ErrorKind `json:"kind"`

	// Type is the server-provided error type, or the kind when the server sent none.
	Type string `json:"type"`

	// Message prefers the server-provided message and falls back to the transport's own.
	Message string `json:"message"`

	// Code is the server-provided error code, if any.
	Code string `json:"code,omitempty"`

	// Detail is the server-provided detail, if any.
	Detail string `json:"detail,omitempty"`

	// Status is the HTTP status code; 0 when no response was received.
	Status int `json:"status_code,omitempty"`

	Method    string    `json:"method,omitempty"`
	Path      string    `json:"path,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// Body is the raw response body, if any.
	Body []byte `json:"-"`

	// Cause is the underlying transport or client-side error, if any.
	Cause error `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Cause != nil && e.Cause.Error() != e.Message {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if e.Status > 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Method != "" || e.Path != "" {
		msg = fmt.Sprintf("%s [%s %s]", msg, e.Method, e.Path)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *APIError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is matches the kind sentinels, and jp-go-errors' ErrRateLimited for rate limit errors,
// so retry classifiers written against jp-go-errors keep working.
func (e *APIError) Is(target error) bool {
	if e == nil {
		return false
	}
	if target == kindSentinels[e.Kind] {
		return true
	}
	return e.Kind == KindRateLimit && target == pkgerrors.ErrRateLimited
}

// StatusCode returns the HTTP status code.
// This implements the HTTPError interface.
func (e *APIError) StatusCode() int {
	return e.Status
}

// IsClientError reports whether the error is a 4xx other than 429.
// These are not retried by DefaultRetryCondition.
func (e *APIError) IsClientError() bool {
	return e.Status >= 400 && e.Status < 500 && e.Status != http.StatusTooManyRequests
}

// KindForStatus maps a final status code onto the taxonomy.
// A status of 0 means no response was received.
func KindForStatus(status int) ErrorKind {
	switch {
	case status == 0:
		return KindConnection
	case status == http.StatusBadRequest:
		return KindInvalidRequest
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return KindAuthentication
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status >= 500 && status <= 599:
		return KindServer
	default:
		return KindAPI
	}
}

// ClassifyFailure converts a failed attempt, after error interceptors have run, into an APIError.
// The result is a pure function of the attempt's final status code and payload.
func ClassifyFailure(f *FailedAttempt) *APIError {
	apiErr := &APIError{
		Timestamp: time.Now(),
		Cause:     f.Err,
		RequestID: f.RequestID,
	}
	if f.Request != nil {
		apiErr.Method = f.Request.Method
		apiErr.Path = f.Request.Path
	}

	if f.Response == nil {
		apiErr.Kind = KindConnection
		apiErr.Message = "no response received"
		if f.Err != nil {
			apiErr.Message = f.Err.Error()
		}
		apiErr.Type = string(apiErr.Kind)
		return apiErr
	}

	apiErr.Status = f.Response.StatusCode
	apiErr.Kind = KindForStatus(f.Response.StatusCode)
	apiErr.Body = f.Response.Body

	payload := parseErrorPayload(f.Response.Body)
	apiErr.Type = payload.kind
	apiErr.Code = payload.code
	apiErr.Detail = payload.detail

	switch {
	case payload.message != "":
		apiErr.Message = payload.message
	case f.Err != nil:
		apiErr.Message = f.Err.Error()
	default:
		apiErr.Message = fmt.Sprintf("request failed with status code %d", f.Response.StatusCode)
	}
	if apiErr.Type == "" {
		apiErr.Type = string(apiErr.Kind)
	}
	return apiErr
}

// newClientSideError wraps failures that happen before or after the transport
// (body encoding, interceptors) so they still surface as an APIError.
func newClientSideError(method, path, message string, cause error) *APIError {
	return &APIError{
		Kind:      KindAPI,
		Type:      string(KindAPI),
		Message:   message,
		Method:    method,
		Path:      path,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

type errorPayload struct {
	message string
	code    string
	detail  string
	kind    string
}

// parseErrorPayload understands the flat {"message": ...} shape and the
// nested {"error": {"message": ...}} envelope. Anything else yields an empty payload.
func parseErrorPayload(body []byte) errorPayload {
	var p errorPayload
	if len(body) == 0 {
		return p
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return p
	}

	p.message = stringField(raw, "message")
	p.code = stringField(raw, "code")
	p.detail = stringField(raw, "detail")
	if p.detail == "" {
		p.detail = stringField(raw, "details")
	}
	p.kind = stringField(raw, "type")

	switch nested := raw["error"].(type) {
	case string:
		if p.message == "" {
			p.message = nested
		}
	case map[string]any:
		if p.message == "" {
			p.message = stringField(nested, "message")
		}
		if p.code == "" {
			p.code = stringField(nested, "code")
		}
		if p.detail == "" {
			p.detail = stringField(nested, "detail")
		}
		if p.kind == "" {
			p.kind = stringField(nested, "type")
		}
	}
	return p
}

func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return fmt.Sprintf("%v", v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
