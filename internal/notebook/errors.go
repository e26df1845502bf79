package notebook

import (
	"errors"
	"fmt"
	"net/http"
)

// Stable error codes carried by every failing tool response.
const (
	CodeNotFound          = "NOT_FOUND"
	CodeInvalidID         = "INVALID_ID"
	CodeInvalidIndex      = "INVALID_INDEX"
	CodeCapacityLimit     = "CAPACITY_LIMIT_REACHED"
	CodeValidationError   = "VALIDATION_ERROR"
	CodeValidationTimeout = "VALIDATION_TIMEOUT"
	CodeConfigError       = "CONFIG_ERROR"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeConflict          = "CONFLICT"
	CodeInternal          = "INTERNAL_ERROR"
	// CodeShuttingDown rejects new work while the server drains.
	CodeShuttingDown = "SHUTTING_DOWN"
)

// Error is the domain error surfaced through the tool envelope.
// Details is optional structured context safe to show to callers.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// E builds a domain error with a formatted message.
func E(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetails attaches structured context and returns the same error.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// AsDomain unwraps err to a *Error, coercing unknown errors to INTERNAL_ERROR
// with a generic message so infrastructure details never leak to callers.
func AsDomain(err error) *Error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	return E(CodeInternal, "internal error")
}

// HTTPStatus maps an error code to its HTTP status.
func HTTPStatus(code string) int {
	switch code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidID, CodeInvalidIndex, CodeValidationError, CodeConfigError:
		return http.StatusBadRequest
	case CodeValidationTimeout:
		return http.StatusRequestTimeout
	case CodeCapacityLimit, CodeConflict:
		return http.StatusConflict
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeShuttingDown:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
