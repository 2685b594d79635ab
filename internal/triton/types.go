package triton

import "time"

// Model states reported in the repository index.
const (
	StateReady       = "READY"
	StateUnavailable = "UNAVAILABLE"
)

type IndexEntry struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	State   string `json:"state,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

type ServerMetadata struct {
	Name       string   `json:"name"`
	Version    string   `json:"version"`
	Extensions []string `json:"extensions"`
}

type TensorMetadata struct {
	Name     string  `json:"name"`
	Datatype string  `json:"datatype"`
	Shape    []int64 `json:"shape"`
}

type ModelMetadata struct {
	Name     string           `json:"name"`
	Versions []string         `json:"versions,omitempty"`
	Platform string           `json:"platform"`
	Inputs   []TensorMetadata `json:"inputs"`
	Outputs  []TensorMetadata `json:"outputs"`
}

// ActivityEvent is one entry of the reference server's control log.
type ActivityEvent struct {
	ID    string    `json:"id"`
	At    time.Time `json:"at"`
	Type  string    `json:"type"`
	Model string    `json:"model"`
	Note  string    `json:"note,omitempty"`
}

type indexRequest struct {
	Ready bool `json:"ready,omitempty"`
}

type loadRequest struct {
	Parameters map[string]any `json:"parameters,omitempty"`
}

type unloadRequest struct {
	Parameters map[string]any `json:"parameters,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}
