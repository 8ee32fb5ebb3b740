package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// ErrorCode represents a memsync error code.
type ErrorCode string

const (
	ErrInvalidRequest    ErrorCode = "INVALID_REQUEST"    // 400
	ErrMissingConfig     ErrorCode = "MISSING_CONFIG"     // 400
	ErrUnauthorized      ErrorCode = "UNAUTHORIZED"       // 401
	ErrForbidden         ErrorCode = "FORBIDDEN"          // 403
	ErrNotFound          ErrorCode = "NOT_FOUND"          // 404
	ErrRemoteRejected    ErrorCode = "REMOTE_REJECTED"    // 4xx from the remote service
	ErrSchemaMismatch    ErrorCode = "SCHEMA_MISMATCH"    // 422
	ErrRateLimited       ErrorCode = "RATE_LIMITED"       // 429 after retries
	ErrInternal          ErrorCode = "INTERNAL"           // 500
	ErrRemoteUnavailable ErrorCode = "REMOTE_UNAVAILABLE" // 5xx or network after retries
)

// SyncError represents a structured error with code, status, and details.
type SyncError struct {
	Code    ErrorCode
	Status  int
	Message string
	Details map[string]any

	// cause is the wrapped error, if any. Not serialized.
	cause error
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *SyncError) Unwrap() error {
	return e.cause
}

// NewInvalidRequest creates a 400 error for invalid request parameters.
func NewInvalidRequest(msg string) *SyncError {
	return &SyncError{
		Code:    ErrInvalidRequest,
		Status:  400,
		Message: msg,
	}
}

// NewMissingConfig creates a 400 error for a required configuration key that is absent.
func NewMissingConfig(collection, key string) *SyncError {
	msg := fmt.Sprintf("collection %q: missing required key %q", collection, key)
	if collection == "" {
		msg = fmt.Sprintf("missing required setting %q", key)
	}
	return &SyncError{
		Code:    ErrMissingConfig,
		Status:  400,
		Message: msg,
		Details: map[string]any{"collection": collection, "key": key},
	}
}

// NewNotFound creates a 404 error for a missing local or remote resource.
func NewNotFound(identifier string) *SyncError {
	return &SyncError{
		Code:    ErrNotFound,
		Status:  404,
		Message: fmt.Sprintf("not found: %s", identifier),
		Details: map[string]any{"identifier": identifier},
	}
}

// RemoteDetails describes a failed remote call. URL must already be redacted.
type RemoteDetails struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (d RemoteDetails) toMap() map[string]any {
	m := map[string]any{
		"method": d.Method,
		"url":    d.URL,
		"status": d.Status,
	}
	if d.Body != "" {
		m["body"] = d.Body
	}
	return m
}

// NewUnauthorized creates a 401 error for rejected credentials.
func NewUnauthorized(d RemoteDetails) *SyncError {
	return &SyncError{
		Code:    ErrUnauthorized,
		Status:  401,
		Message: fmt.Sprintf("remote rejected credentials: %s %s", d.Method, d.URL),
		Details: d.toMap(),
	}
}

// NewForbidden creates a 403 error.
func NewForbidden(d RemoteDetails) *SyncError {
	return &SyncError{
		Code:    ErrForbidden,
		Status:  403,
		Message: fmt.Sprintf("remote denied access: %s %s", d.Method, d.URL),
		Details: d.toMap(),
	}
}

// NewRemoteNotFound creates a 404 error for a remote path. A 404 on a collection
// usually means an invalid token or a disabled API rather than a missing collection.
func NewRemoteNotFound(d RemoteDetails) *SyncError {
	return &SyncError{
		Code:    ErrNotFound,
		Status:  404,
		Message: fmt.Sprintf("remote answered 404 (invalid token, API not enabled or wrong endpoint): %s %s", d.Method, d.URL),
		Details: d.toMap(),
	}
}

// NewRemoteRejected creates an error for any other terminal 4xx response.
func NewRemoteRejected(d RemoteDetails) *SyncError {
	return &SyncError{
		Code:    ErrRemoteRejected,
		Status:  d.Status,
		Message: fmt.Sprintf("remote rejected request with status %d: %s %s", d.Status, d.Method, d.URL),
		Details: d.toMap(),
	}
}

// NewRateLimited creates a 429 error after the retry budget is spent.
func NewRateLimited(d RemoteDetails, attempts int) *SyncError {
	details := d.toMap()
	details["attempts"] = attempts
	return &SyncError{
		Code:    ErrRateLimited,
		Status:  429,
		Message: fmt.Sprintf("still rate limited after %d attempts: %s %s", attempts, d.Method, d.URL),
		Details: details,
	}
}

// NewRemoteUnavailable creates a 503 error after the retry budget is spent on
// server errors or network failures. cause may be nil.
func NewRemoteUnavailable(d RemoteDetails, attempts int, cause error) *SyncError {
	details := d.toMap()
	details["attempts"] = attempts
	msg := fmt.Sprintf("remote unavailable after %d attempts: %s %s", attempts, d.Method, d.URL)
	if cause != nil {
		msg += ": " + cause.Error()
	}
	return &SyncError{
		Code:    ErrRemoteUnavailable,
		Status:  503,
		Message: msg,
		Details: details,
		cause:   cause,
	}
}

// NewSchemaMismatch creates a 422 error when rows cannot be written without losing field data.
func NewSchemaMismatch(table string, extIDs []string) *SyncError {
	return &SyncError{
		Code:    ErrSchemaMismatch,
		Status:  422,
		Message: fmt.Sprintf("table %q: %d record(s) have no field data after enrichment", table, len(extIDs)),
		Details: map[string]any{"table": table, "ext_ids": extIDs},
	}
}

// NewInternal creates a 500 error for unexpected internal errors.
// The message stays generic; the original error is kept in Details for logging.
func NewInternal(err error) *SyncError {
	details := map[string]any{}
	if err != nil {
		details["internal_error"] = err.Error()
	}
	return &SyncError{
		Code:    ErrInternal,
		Status:  500,
		Message: "an internal error occurred",
		Details: details,
		cause:   err,
	}
}

// Is checks if err (or anything it wraps) is a SyncError with the given code.
func Is(err error, code ErrorCode) bool {
	var sErr *SyncError
	if stderrors.As(err, &sErr) {
		return sErr.Code == code
	}
	return false
}

// As returns the SyncError in err's chain, if any.
func As(err error) (*SyncError, bool) {
	var sErr *SyncError
	if stderrors.As(err, &sErr) {
		return sErr, true
	}
	return nil, false
}

// Payload renders err as {"error": {code, message, status[, details]}}.
// Errors without a SyncError in their chain, and INTERNAL errors, get a
// generic message and no details. Wrapper context ("page 3: ...") is kept
// in the message.
func Payload(err error) map[string]any {
	obj := map[string]any{
		"code":    string(ErrInternal),
		"message": "an internal error occurred",
		"status":  500,
	}
	if se, ok := As(err); ok && se.Code != ErrInternal {
		msg := se.Message
		if full := err.Error(); full != se.Error() {
			msg = strings.Replace(full, se.Error(), se.Message, 1)
		}
		obj["code"] = string(se.Code)
		obj["status"] = se.Status
		obj["message"] = msg
		if se.Details != nil {
			obj["details"] = se.Details
		}
	}
	return map[string]any{"error": obj}
}
