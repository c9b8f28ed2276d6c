// Package errors defines the JSON error body shared by the hub API and the
// webcam server, and the status code each error code maps to.
package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
)

const (
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeInvalidNode        = "INVALID_NODE"
	CodeNotFound           = "NOT_FOUND"
	CodeDuplicateID        = "DUPLICATE_ID"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeForbidden          = "FORBIDDEN"
	CodeRateLimited        = "RATE_LIMITED"
	CodePersistenceFailure = "PERSISTENCE_FAILURE"
	CodeUnavailable        = "UNAVAILABLE"
	CodeInternalError      = "INTERNAL_ERROR"
)

// statusByCode maps codes to HTTP statuses. Unknown codes are 500.
var statusByCode = map[string]int{
	CodeInvalidRequest:     http.StatusBadRequest,
	CodeInvalidNode:        http.StatusBadRequest,
	CodeNotFound:           http.StatusNotFound,
	CodeDuplicateID:        http.StatusConflict,
	CodeUnauthorized:       http.StatusUnauthorized,
	CodeForbidden:          http.StatusForbidden,
	CodeRateLimited:        http.StatusTooManyRequests,
	CodePersistenceFailure: http.StatusServiceUnavailable,
	CodeUnavailable:        http.StatusServiceUnavailable,
}

// DefaultRetryAfter is the Retry-After hint, in seconds, for a registry that
// could not persist a change.
const DefaultRetryAfter = 1

// APIError is the body of every non-2xx JSON response.
type APIError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id"`

	// RetryAfter becomes a Retry-After header when positive.
	RetryAfter int `json:"-"`
}

func (e *APIError) Error() string { return e.Code + ": " + e.Message }

// HTTPStatusCode returns the status the error is written with.
func (e *APIError) HTTPStatusCode() int {
	if status, ok := statusByCode[e.Code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WithDetails returns a copy carrying details.
func (e *APIError) WithDetails(details map[string]any) *APIError {
	c := *e
	c.Details = details
	return &c
}

// WithRequestID returns a copy carrying requestID.
func (e *APIError) WithRequestID(requestID string) *APIError {
	c := *e
	c.RequestID = requestID
	return &c
}

// New returns an error with the given code and message.
func New(code, message string) *APIError {
	return &APIError{Code: code, Message: message}
}

func NewInvalidRequestError(msg string) *APIError { return New(CodeInvalidRequest, msg) }
func NewInvalidNodeError(msg string) *APIError    { return New(CodeInvalidNode, msg) }
func NewNotFoundError(msg string) *APIError       { return New(CodeNotFound, msg) }
func NewDuplicateIDError(msg string) *APIError    { return New(CodeDuplicateID, msg) }
func NewUnauthorizedError(msg string) *APIError   { return New(CodeUnauthorized, msg) }
func NewForbiddenError(msg string) *APIError      { return New(CodeForbidden, msg) }
func NewUnavailableError(msg string) *APIError    { return New(CodeUnavailable, msg) }
func NewInternalError(msg string) *APIError       { return New(CodeInternalError, msg) }

// NewRateLimitedError returns a 429 that asks the caller to wait retryAfter
// seconds.
func NewRateLimitedError(msg string, retryAfter int) *APIError {
	return &APIError{Code: CodeRateLimited, Message: msg, RetryAfter: retryAfter}
}

// NewPersistenceError returns a retryable 503 for a registry write that
// could not be made durable.
func NewPersistenceError(msg string) *APIError {
	return &APIError{Code: CodePersistenceFailure, Message: msg, RetryAfter: DefaultRetryAfter}
}

// WriteJSON writes data as a JSON body with status.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(data)
}

// WriteError writes e with its status and Retry-After header.
func WriteError(w http.ResponseWriter, e *APIError) {
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(e.RetryAfter))
	}
	WriteJSON(w, e.HTTPStatusCode(), e)
}

// WriteErrorWithRequestID writes a copy of e stamped with requestID.
func WriteErrorWithRequestID(w http.ResponseWriter, e *APIError, requestID string) {
	WriteError(w, e.WithRequestID(requestID))
}

// FieldError is one rejected field of a node record.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// FieldErrors collects every rejected field of a request.
type FieldErrors []FieldError

// Add records a rejected field.
func (v *FieldErrors) Add(field, message string) {
	*v = append(*v, FieldError{Field: field, Message: message})
}

// HasErrors reports whether any field was rejected.
func (v FieldErrors) HasErrors() bool { return len(v) > 0 }

// ToAPIError returns an INVALID_NODE error whose message names the first
// rejected field and whose details.fields lists all of them.
func (v FieldErrors) ToAPIError() *APIError {
	if len(v) == 0 {
		return NewInvalidNodeError("validation failed")
	}
	msg := v[0].Message
	if extra := len(v) - 1; extra > 0 {
		msg = fmt.Sprintf("%s (and %d more errors)", msg, extra)
	}
	return NewInvalidNodeError(msg).WithDetails(map[string]any{"fields": v})
}
