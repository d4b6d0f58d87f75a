package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrNetwork marks requests that never reached the server.
	ErrNetwork = errors.New("network error")
	// ErrUnauthorized marks a rejected access token (401).
	ErrUnauthorized = errors.New("unauthorized")
	// ErrValidation marks malformed requests (400, 422).
	ErrValidation = errors.New("validation error")
	// ErrConflict marks duplicate or conflicting state (409).
	ErrConflict = errors.New("conflict")
	// ErrServer marks 5xx responses.
	ErrServer = errors.New("server error")
	// ErrMalformedResponse marks 2xx bodies that could not be decoded.
	ErrMalformedResponse = errors.New("malformed response")
)

// StatusError is a non-2xx response. It unwraps to the kind sentinel matching the
// status, or nil for statuses outside the taxonomy.
type StatusError struct {
	Status  int
	Message string
	Fields  map[string]string
	kind    error
}

func (e *StatusError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	return fmt.Sprintf("backend returned %d: %s", e.Status, msg)
}

// Unwrap returns the kind sentinel.
func (e *StatusError) Unwrap() error { return e.kind }

// Kind is the taxonomy sentinel, or nil.
func (e *StatusError) Kind() error { return e.kind }

type errorBody struct {
	Error   json.RawMessage `json:"error"`
	Message string          `json:"message"`
	Details string          `json:"details"`
	Errors  json.RawMessage `json:"errors"`
	Fields  json.RawMessage `json:"fields"`
}

func kindForStatus(status int) error {
	switch {
	case status == http.StatusUnauthorized:
		return ErrUnauthorized
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return ErrValidation
	case status == http.StatusConflict:
		return ErrConflict
	case status >= 500:
		return ErrServer
	default:
		return nil
	}
}

func newStatusError(status int, body []byte) *StatusError {
	se := &StatusError{Status: status, kind: kindForStatus(status)}

	var eb errorBody
	if len(body) == 0 || json.Unmarshal(body, &eb) != nil {
		se.Message = strings.TrimSpace(string(body))
		return se
	}

	var errText string
	if len(eb.Error) > 0 && json.Unmarshal(eb.Error, &errText) == nil && errText != "" {
		se.Message = errText
	}
	if se.Message == "" {
		se.Message = eb.Message
	}
	if se.Message == "" {
		se.Message = eb.Details
	}

	se.Fields = decodeFields(eb.Errors)
	if se.Fields == nil {
		se.Fields = decodeFields(eb.Fields)
	}
	return se
}

// decodeFields accepts {"field":"msg"} or {"field":["msg", ...]}.
func decodeFields(raw json.RawMessage) map[string]string {
	if len(raw) == 0 {
		return nil
	}
	var flat map[string]string
	if json.Unmarshal(raw, &flat) == nil && len(flat) > 0 {
		return flat
	}
	var multi map[string][]string
	if json.Unmarshal(raw, &multi) != nil || len(multi) == 0 {
		return nil
	}
	out := make(map[string]string, len(multi))
	for k, v := range multi {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
