package client

import (
	"encoding/json"
	"fmt"
	"strings"
)

// APIError is a non-2xx response from the memory service. It is never
// retried by this layer.
type APIError struct {
	Status  int
	Message string
	Body    []byte // raw response body, kept for diagnostics
}

func (e *APIError) Error() string {
	return fmt.Sprintf("memory service returned %d: %s", e.Status, e.Message)
}

// NetworkError is a transport-level failure: the request never produced a
// response. For GET it triggers offline fallback before being surfaced.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("memory service unreachable: %v", e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// newAPIError builds an APIError with a best-effort human message: a JSON
// error body's "error" or "message" field, else the raw text, else a generic
// fallback.
func newAPIError(status int, body []byte) *APIError {
	msg := ""
	var parsed struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.Error != "" {
			msg = parsed.Error
		} else if parsed.Message != "" {
			msg = parsed.Message
		}
	}
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	if msg == "" {
		msg = fmt.Sprintf("Request failed (%d)", status)
	}
	return &APIError{Status: status, Message: msg, Body: body}
}
