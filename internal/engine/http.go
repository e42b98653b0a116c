package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxResponseBodySize = 4 << 20 // 4MB

// HTTPEngine invokes a retrieval engine exposed over HTTP. The request body is
// the JSON-encoded Request; the response body must decode strictly into Result.
type HTTPEngine struct {
	kind       Kind
	url        string
	token      string
	httpClient *http.Client
}

// NewHTTPEngine creates an engine client for kind posting to url. The client
// carries no timeout of its own: the caller's context bounds every call.
func NewHTTPEngine(kind Kind, url, token string) *HTTPEngine {
	return &HTTPEngine{
		kind:       kind,
		url:        strings.TrimRight(url, "/"),
		token:      token,
		httpClient: &http.Client{},
	}
}

func (e *HTTPEngine) Kind() Kind { return e.kind }

// Invoke posts req to the engine endpoint. HTTP-level failures are mapped to
// classified *Error values: 401/403 to PERMISSION_DENIED, 429 to
// RATE_LIMITED, everything else non-200 to SERVER_ERROR.
func (e *HTTPEngine) Invoke(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Trace-ID", req.TraceID)
	if e.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.token)
	}

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Result{}, &Error{Kind: ErrPermissionDenied, Message: fmt.Sprintf("engine returned HTTP %d", resp.StatusCode)}
	case resp.StatusCode == http.StatusTooManyRequests:
		return Result{}, &Error{Kind: ErrRateLimited, Message: fmt.Sprintf("rate limited (HTTP %d)", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, &Error{Kind: ErrServer, Message: fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))}
	}

	return DecodeResult(io.LimitReader(resp.Body, maxResponseBodySize))
}

// DecodeResult strictly decodes a single Result from r. Unknown fields,
// trailing data, and schema violations yield a SERVER_ERROR *Error.
func DecodeResult(r io.Reader) (Result, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()

	var res Result
	if err := dec.Decode(&res); err != nil {
		return Result{}, &Error{Kind: ErrServer, Message: fmt.Sprintf("non-conforming engine response: %v", err)}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Result{}, &Error{Kind: ErrServer, Message: "non-conforming engine response: trailing data"}
	}
	if err := res.Validate(); err != nil {
		return Result{}, &Error{Kind: ErrServer, Message: fmt.Sprintf("non-conforming engine response: %v", err)}
	}
	return res, nil
}

// Validate checks r against the engine response schema.
func (r Result) Validate() error {
	switch r.Status {
	case StatusSucceeded, StatusFailed, StatusTimedOut:
	case "":
		return errors.New("missing status")
	default:
		return fmt.Errorf("unknown status %q", r.Status)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("confidence %v outside [0,1]", r.Confidence)
	}
	if r.LatencyMS < 0 {
		return fmt.Errorf("negative latency_ms %d", r.LatencyMS)
	}
	if r.Error != nil {
		switch r.Error.Kind {
		case ErrTimeout, ErrServer, ErrEmptyResponse, ErrPermissionDenied, ErrRateLimited, ErrUnknown:
		default:
			return fmt.Errorf("unknown error kind %q", r.Error.Kind)
		}
	}
	return nil
}
