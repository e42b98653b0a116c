package engine

import (
	"fmt"
	"strings"
)

// Kind identifies one of the specialized retrieval engines.
type Kind string

const (
	Vector       Kind = "VECTOR"
	Graph        Kind = "GRAPH"
	Quantitative Kind = "QUANTITATIVE"
)

// Kinds lists every engine kind in default priority order.
var Kinds = []Kind{Vector, Graph, Quantitative}

// Valid reports whether k is a known engine kind.
func (k Kind) Valid() bool {
	switch k {
	case Vector, Graph, Quantitative:
		return true
	}
	return false
}

// ParseKind parses an engine kind case-insensitively.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToUpper(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("unknown engine %q", s)
	}
	return k, nil
}

// Status is the terminal status of a single engine call.
type Status string

const (
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusTimedOut  Status = "TIMED_OUT"
)

// ErrorKind classifies why an engine call failed.
type ErrorKind string

const (
	ErrTimeout          ErrorKind = "TIMEOUT"
	ErrServer           ErrorKind = "SERVER_ERROR"
	ErrEmptyResponse    ErrorKind = "EMPTY_RESPONSE"
	ErrPermissionDenied ErrorKind = "PERMISSION_DENIED"
	ErrRateLimited      ErrorKind = "RATE_LIMITED"
	ErrUnknown          ErrorKind = "UNKNOWN"
)

// Error is a classified engine failure. It doubles as a Go error so engine
// clients can return it directly from Invoke.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Request is the uniform call contract sent to every engine.
type Request struct {
	Query    string         `json:"query"`
	TenantID string         `json:"tenant_id"`
	TraceID  string         `json:"trace_id"`
	Params   map[string]any `json:"params,omitempty"`
}

// Result is the uniform response returned by every engine.
type Result struct {
	Status     Status           `json:"status"`
	Response   string           `json:"response,omitempty"`
	Sources    []map[string]any `json:"sources,omitempty"`
	Confidence float64          `json:"confidence,omitempty"`
	LatencyMS  int64            `json:"latency_ms"`
	Error      *Error           `json:"error,omitempty"`
}
