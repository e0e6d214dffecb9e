package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Error types reported in the "type" field of an error body.
const (
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthentication    = "authentication_error"
	TypeConfiguration     = "configuration_error"
	TypePersistence       = "persistence_error"
	TypeUpstreamTransport = "upstream_transport_error"
	TypeRateLimit         = "rate_limit_error"
	TypeNotFound          = "not_found_error"
	TypeInternal          = "internal_error"
)

// Error is a request failure with the HTTP status it maps to.
type Error struct {
	Status  int
	Type    string
	Message string
	Detail  any
}

func (e *Error) Error() string {
	if e.Detail != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// FieldError is one schema violation in a request body.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func InvalidRequest(message string, detail any) *Error {
	return &Error{Status: http.StatusBadRequest, Type: TypeInvalidRequest, Message: message, Detail: detail}
}

func Unauthorized() *Error {
	return &Error{Status: http.StatusUnauthorized, Type: TypeAuthentication, Message: "Unauthorized"}
}

func NotFound(message string) *Error {
	return &Error{Status: http.StatusNotFound, Type: TypeNotFound, Message: message}
}

func TooManyRequests() *Error {
	return &Error{Status: http.StatusTooManyRequests, Type: TypeRateLimit, Message: "Too Many Requests"}
}

func configurationError(message string) *Error {
	return &Error{Status: http.StatusInternalServerError, Type: TypeConfiguration, Message: message}
}

func persistenceError(err error) *Error {
	return &Error{Status: http.StatusInternalServerError, Type: TypePersistence, Message: "Failed to persist trace", Detail: err.Error()}
}

func upstreamTransportError(err error) *Error {
	return &Error{Status: http.StatusBadGateway, Type: TypeUpstreamTransport, Message: "Upstream request failed", Detail: err.Error()}
}

type errorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Detail  any    `json:"detail,omitempty"`
}

// WriteError writes err as {"error": {...}}. Errors that are not *Error are
// reported as a 500 without their text.
func WriteError(w http.ResponseWriter, err error) {
	var gerr *Error
	if !errors.As(err, &gerr) {
		gerr = &Error{Status: http.StatusInternalServerError, Type: TypeInternal, Message: "Internal server error"}
	}
	WriteJSON(w, gerr.Status, map[string]errorBody{
		"error": {Type: gerr.Type, Message: gerr.Message, Detail: gerr.Detail},
	})
}

// WriteJSON writes data as the JSON response body.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
