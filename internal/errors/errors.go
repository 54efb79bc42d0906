// Package errors provides standardized error handling for the tezmeta service.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a standardized error code for the tezmeta service.
type ErrorCode string

const (
	// URI and resolution errors
	TZM_MALFORMED_URI        ErrorCode = "TZM_MALFORMED_URI"        // Metadata URI could not be decoded
	TZM_FETCH_FAILED         ErrorCode = "TZM_FETCH_FAILED"         // Web/IPFS fetch did not return 200
	TZM_DIGEST_MISMATCH      ErrorCode = "TZM_DIGEST_MISMATCH"      // sha256 integrity check failed
	TZM_MISSING_CONTRACT     ErrorCode = "TZM_MISSING_CONTRACT"     // Storage URI without address and no current contract
	TZM_NOT_IMPLEMENTED      ErrorCode = "TZM_NOT_IMPLEMENTED"      // Cross-network storage resolution
	TZM_NO_METADATA_BIGMAP   ErrorCode = "TZM_NO_METADATA_BIGMAP"   // Contract storage has no %metadata big map
	TZM_AMBIGUOUS_BIGMAP     ErrorCode = "TZM_AMBIGUOUS_BIGMAP"     // Contract storage has several %metadata big maps
	TZM_BIGMAP_KEY_NOT_FOUND ErrorCode = "TZM_BIGMAP_KEY_NOT_FOUND" // Big map entry absent or malformed envelope

	// Node pool errors
	TZM_NO_NODE_KNOWS_CONTRACT ErrorCode = "TZM_NO_NODE_KNOWS_CONTRACT" // Every configured node failed the contract probe

	// Request errors
	TZM_BAD_REQUEST ErrorCode = "TZM_BAD_REQUEST" // Bad request
	TZM_AUTHN       ErrorCode = "TZM_AUTHN"       // Authentication failed
	TZM_NOT_FOUND   ErrorCode = "TZM_NOT_FOUND"   // Resource not found

	// Server errors
	TZM_INTERNAL    ErrorCode = "TZM_INTERNAL"    // Internal server error
	TZM_UNAVAILABLE ErrorCode = "TZM_UNAVAILABLE" // Service unavailable
)

// Error represents a standardized error response.
type Error struct {
	Code          ErrorCode   `json:"code"`
	Message       string      `json:"message"`
	CorrelationID string      `json:"correlationId,omitempty"`
	Details       interface{} `json:"details,omitempty"`
	HTTPStatus    int         `json:"-"`
}

// New creates a new Error with the specified code and message.
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatusCodeForCode(code),
	}
}

// Newf creates a new Error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// NewWithDetails creates a new Error with the specified code, message, and details.
func NewWithDetails(code ErrorCode, message string, details interface{}) *Error {
	e := New(code, message)
	e.Details = details
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Details != nil {
		return fmt.Sprintf("%s: %s (details: %v)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// WithCorrelationID returns a shallow copy of the error carrying the
// request correlation id for display.
func (e *Error) WithCorrelationID(id string) *Error {
	cp := *e
	cp.CorrelationID = id
	return &cp
}

// CodeOf extracts the ErrorCode from err, returning TZM_INTERNAL for
// errors that did not originate in this package.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return TZM_INTERNAL
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// httpStatusCodeForCode maps error codes to HTTP status codes.
func httpStatusCodeForCode(code ErrorCode) int {
	switch code {
	case TZM_MALFORMED_URI, TZM_MISSING_CONTRACT, TZM_BAD_REQUEST:
		return http.StatusBadRequest
	case TZM_AUTHN:
		return http.StatusUnauthorized
	case TZM_NOT_FOUND, TZM_NO_METADATA_BIGMAP, TZM_BIGMAP_KEY_NOT_FOUND:
		return http.StatusNotFound
	case TZM_AMBIGUOUS_BIGMAP:
		return http.StatusConflict
	case TZM_FETCH_FAILED, TZM_DIGEST_MISMATCH:
		return http.StatusBadGateway
	case TZM_NO_NODE_KNOWS_CONTRACT, TZM_UNAVAILABLE:
		return http.StatusServiceUnavailable
	case TZM_NOT_IMPLEMENTED:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}
