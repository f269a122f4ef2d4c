package apierror

import (
	"encoding/json"
	"net/http"
)

// Error represents a structured API error response.
type Error struct {
	StatusCode int          `json:"-"`
	Code       string       `json:"code"`
	Message    string       `json:"message"`
	Details    []FieldError `json:"details,omitempty"`
}

// FieldError represents a validation error for a specific field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// WithDetails adds field-level error details.
func (e *Error) WithDetails(details ...FieldError) *Error {
	e.Details = details
	return e
}

type envelope struct {
	Success bool   `json:"success"`
	Error   *Error `json:"error"`
}

// ToJSON converts the error to JSON bytes.
func (e *Error) ToJSON() []byte {
	data, _ := json.Marshal(envelope{Success: false, Error: e})
	return data
}

func newError(status int, code, message, fallback string) *Error {
	if message == "" {
		message = fallback
	}
	return &Error{StatusCode: status, Code: code, Message: message}
}

// BadRequest creates a 400 Bad Request error.
func BadRequest(message string) *Error {
	return newError(http.StatusBadRequest, "BAD_REQUEST", message, "Malformed request")
}

// ValidationError creates a 400 error with validation details.
func ValidationError(message string, details ...FieldError) *Error {
	e := newError(http.StatusBadRequest, "VALIDATION_ERROR", message, "Invalid request")
	e.Details = details
	return e
}

// Unauthorized creates a 401 Unauthorized error.
func Unauthorized(message string) *Error {
	return newError(http.StatusUnauthorized, "UNAUTHORIZED", message, "Authentication required")
}

// NotFound creates a 404 Not Found error.
func NotFound(message string) *Error {
	return newError(http.StatusNotFound, "NOT_FOUND", message, "Resource not found")
}

// UnknownItem creates a 404 error for an item the user cannot buy or equip.
func UnknownItem(itemID string) *Error {
	return &Error{
		StatusCode: http.StatusNotFound,
		Code:       "UNKNOWN_ITEM",
		Message:    "Item " + itemID + " is not available",
	}
}

// Conflict creates a 409 Conflict error.
func Conflict(message string) *Error {
	return newError(http.StatusConflict, "CONFLICT", message, "Request conflicts with current state")
}

// AlreadyUnlocked creates a 409 error for a repeated purchase.
func AlreadyUnlocked(itemID string) *Error {
	return &Error{
		StatusCode: http.StatusConflict,
		Code:       "ALREADY_UNLOCKED",
		Message:    "Item " + itemID + " is already unlocked",
	}
}

// ItemLocked creates a 409 error for equipping an item that is not owned.
func ItemLocked(itemID string) *Error {
	return &Error{
		StatusCode: http.StatusConflict,
		Code:       "ITEM_LOCKED",
		Message:    "Item " + itemID + " must be purchased first",
	}
}

// InsufficientFunds creates a 422 error for a purchase the balance cannot cover.
func InsufficientFunds(message string) *Error {
	return newError(http.StatusUnprocessableEntity, "INSUFFICIENT_FUNDS", message, "Not enough coins")
}

// TooManyRequests creates a 429 error.
func TooManyRequests(message string) *Error {
	return newError(http.StatusTooManyRequests, "RATE_LIMITED", message, "Too many requests")
}

// InternalError creates a 500 Internal Server Error.
func InternalError(message string) *Error {
	return newError(http.StatusInternalServerError, "INTERNAL_ERROR", message, "An unexpected error occurred")
}

// RemoteError creates a 502 error for a remote store that could not be reached.
func RemoteError(message string) *Error {
	return newError(http.StatusBadGateway, "REMOTE_ERROR", message, "Remote store unavailable")
}

// ServiceUnavailable creates a 503 Service Unavailable error.
func ServiceUnavailable(message string) *Error {
	return newError(http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", message, "Service temporarily unavailable")
}
