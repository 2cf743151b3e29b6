package exchange

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// unknownError is the fallback message for error shapes we cannot parse.
const unknownError = "Unknown Error"

// APIError is a rejected exchange request. Status is the HTTP status code;
// Name and Message come from the exchange's error envelope.
type APIError struct {
	Status  int
	Name    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bitmex %d %s: %s", e.Status, e.Name, e.Message)
}

// Fatal reports whether the rejection is permanent: authentication and
// permission failures, invalid arguments, insufficient funds, invalid
// orders, and order-not-found. These are never retried.
func (e *APIError) Fatal() bool {
	switch e.Status {
	case 400, 401, 403, 404:
		return true
	}
	return false
}

// errorEnvelope is the exchange's error body: {"error":{"message":..,"name":..}}.
type errorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Name    string `json:"name"`
	} `json:"error"`
}

// decodeAPIError builds an APIError from a non-2xx response body.
func decodeAPIError(status int, body []byte) *APIError {
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.Error.Message == "" {
		return &APIError{Status: status, Message: unknownError}
	}
	return &APIError{Status: status, Name: env.Error.Name, Message: env.Error.Message}
}

// ParseErrorMessage extracts the human-readable message from an exchange
// error string. The string may carry a "bitmex " prefix followed by the JSON
// error envelope; anything unrecognized becomes "Unknown Error".
func ParseErrorMessage(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "bitmex ")
	if idx := strings.IndexByte(s, '{'); idx >= 0 {
		var env errorEnvelope
		if err := json.Unmarshal([]byte(s[idx:]), &env); err == nil && env.Error.Message != "" {
			return env.Error.Message
		}
	}
	return unknownError
}

// ErrorMessage extracts the reply-facing message from any error returned by
// the adapter.
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return ParseErrorMessage(err.Error())
}

// IsFatal reports whether the error must not be retried.
func IsFatal(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Fatal()
}
