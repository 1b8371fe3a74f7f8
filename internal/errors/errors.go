// Package errors provides the control plane's standardized error taxonomy.
//
// Every component returns a *AppError instead of a bare error so that the
// HTTP layer can render a consistent {error,message,code,details} body and
// pick the right status code without each handler repeating that logic.
package errors

import (
	"fmt"
	"net/http"
)

// AppError is a structured, HTTP-aware application error.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	StatusCode int    `json:"-"`
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s - %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrorResponse is the wire format returned to API clients.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// Error codes, one per kind in the error-handling taxonomy.
const (
	ErrCodeAuthError          = "AUTH_ERROR"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeNoCredentials      = "NO_CREDENTIALS"
	ErrCodeCorruptCredentials = "CORRUPT_CREDENTIALS"
	ErrCodeNotConnected       = "NOT_CONNECTED"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeUpstreamError      = "UPSTREAM_ERROR"
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeValidationFailed   = "VALIDATION_FAILED"
	ErrCodeInternalServer     = "INTERNAL_SERVER_ERROR"
	ErrCodeDatabaseError      = "DATABASE_ERROR"
)

func getStatusCodeForErrorCode(code string) int {
	switch code {
	case ErrCodeBadRequest, ErrCodeValidationFailed:
		return http.StatusBadRequest
	case ErrCodeAuthError:
		return http.StatusUnauthorized
	case ErrCodeForbidden:
		return http.StatusForbidden
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeConflict, ErrCodeNoCredentials, ErrCodeNotConnected:
		return http.StatusConflict
	case ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case ErrCodeUpstreamError:
		return http.StatusBadGateway
	case ErrCodeCorruptCredentials, ErrCodeInternalServer, ErrCodeDatabaseError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// New creates an AppError with no extra detail.
func New(code, message string) *AppError {
	return &AppError{Code: code, Message: message, StatusCode: getStatusCodeForErrorCode(code)}
}

// NewWithDetails creates an AppError carrying debugging context.
func NewWithDetails(code, message, details string) *AppError {
	return &AppError{Code: code, Message: message, Details: details, StatusCode: getStatusCodeForErrorCode(code)}
}

// Wrap turns an underlying error into an AppError, keeping its message as Details.
func Wrap(code, message string, err error) *AppError {
	details := ""
	if err != nil {
		details = err.Error()
	}
	return NewWithDetails(code, message, details)
}

// ToResponse converts an AppError to its wire form.
func (e *AppError) ToResponse() ErrorResponse {
	return ErrorResponse{Error: e.Code, Message: e.Message, Code: e.Code, Details: e.Details}
}

// Auth signals a failed or missing bearer token.
func Auth(message string) *AppError { return New(ErrCodeAuthError, message) }

// Forbidden signals a cross-tenant access attempt.
func Forbidden(message string) *AppError { return New(ErrCodeForbidden, message) }

// NotFound signals a missing resource.
func NotFound(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
}

// Conflict signals a violated uniqueness invariant.
func Conflict(message string) *AppError { return New(ErrCodeConflict, message) }

// NoCredentials signals the user has never stored credentials.
func NoCredentials(userID string) *AppError {
	return New(ErrCodeNoCredentials, fmt.Sprintf("no credentials stored for user %s", userID))
}

// CorruptCredentials signals a decrypt failure on stored credentials.
func CorruptCredentials(userID string, err error) *AppError {
	return Wrap(ErrCodeCorruptCredentials, fmt.Sprintf("credentials for user %s could not be decrypted", userID), err)
}

// NotConnected signals the Extension Bridge has no live connection for the user.
func NotConnected(userID string) *AppError {
	return New(ErrCodeNotConnected, fmt.Sprintf("no extension connection for user %s", userID))
}

// Timeout signals a bounded wait expired.
func Timeout(message string) *AppError { return New(ErrCodeTimeout, message) }

// Upstream signals a failure reported by an external collaborator.
func Upstream(message string, err error) *AppError {
	return Wrap(ErrCodeUpstreamError, message, err)
}

// BadRequest signals malformed input.
func BadRequest(message string) *AppError { return New(ErrCodeBadRequest, message) }

// ValidationFailed signals input that failed semantic validation.
func ValidationFailed(message string) *AppError { return New(ErrCodeValidationFailed, message) }

// InternalServer signals an unclassified server-side failure.
func InternalServer(message string) *AppError { return New(ErrCodeInternalServer, message) }

// Database wraps a *sql.DB failure.
func Database(err error) *AppError {
	return Wrap(ErrCodeDatabaseError, "database operation failed", err)
}

// As unwraps err into an *AppError, wrapping it generically if it
// isn't already one — used by HTTP handlers to render any error a
// component returns without every call site doing its own type switch.
func As(err error) *AppError {
	if ae, ok := err.(*AppError); ok {
		return ae
	}
	return InternalServer(err.Error())
}
