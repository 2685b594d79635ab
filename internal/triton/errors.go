package triton

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrConnection marks transport failures. They are never retried.
	ErrConnection = errors.New("connection error")
	// ErrLoadFailed marks a load request the server (or the client, for a
	// malformed override) refused.
	ErrLoadFailed = errors.New("failed to load")
	// ErrConfigFormat marks an override that is not a flat JSON object.
	ErrConfigFormat = errors.New("invalid config override")
	// ErrNotFound marks queries against a model that is unknown or not loaded.
	ErrNotFound = errors.New("model not found")
)

// loadFailureMarker is the substring every load failure message carries.
const loadFailureMarker = "failed to load"

type ConnectionError struct {
	Op  string
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() []error { return []error{ErrConnection, e.Err} }

// ConfigFormatError is returned by LoadModel before any request is sent.
// It matches both ErrConfigFormat and ErrLoadFailed.
type ConfigFormatError struct {
	Model string
	Err   error
}

func (e *ConfigFormatError) Error() string {
	return fmt.Sprintf("%s '%s', %s: %v", loadFailureMarker, e.Model, ErrConfigFormat, e.Err)
}

func (e *ConfigFormatError) Unwrap() []error { return []error{ErrConfigFormat, ErrLoadFailed, e.Err} }

// ServerError is a non-2xx response. Message is the server's "error" field.
type ServerError struct {
	Op         string
	StatusCode int
	Message    string

	kind error
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: status=%d", e.Op, e.StatusCode)
	}
	return e.Message
}

func (e *ServerError) Unwrap() error { return e.kind }

func newServerError(op, model string, status int, msg string) *ServerError {
	e := &ServerError{Op: op, StatusCode: status, Message: msg}
	switch {
	case op == opLoad:
		e.kind = ErrLoadFailed
		if !strings.Contains(msg, loadFailureMarker) {
			e.Message = fmt.Sprintf("%s '%s': %s", loadFailureMarker, model, strings.TrimSpace(msg))
		}
	case status == http.StatusNotFound,
		strings.Contains(strings.ToLower(msg), "unknown model"):
		e.kind = ErrNotFound
	}
	return e
}
