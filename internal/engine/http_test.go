package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestEngine(t *testing.T, handler http.HandlerFunc) *HTTPEngine {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPEngine(Graph, srv.URL, "engine-token")
}

func TestInvoke_Success(t *testing.T) {
	var got Request
	var auth, trace string
	e := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		trace = r.Header.Get("X-Trace-ID")
		json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprint(w, `{"status":"SUCCEEDED","response":"Alice reports to Bob","sources":[{"id":"n1"}],"confidence":0.8,"latency_ms":120}`)
	})

	res, err := e.Invoke(context.Background(), Request{Query: "who does alice report to", TenantID: "t1", TraceID: "tr-1"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Status != StatusSucceeded || res.Response != "Alice reports to Bob" {
		t.Errorf("result = %+v", res)
	}
	if res.Confidence != 0.8 || res.LatencyMS != 120 {
		t.Errorf("confidence/latency = %v/%d", res.Confidence, res.LatencyMS)
	}
	if len(res.Sources) != 1 || res.Sources[0]["id"] != "n1" {
		t.Errorf("sources = %v", res.Sources)
	}
	if got.TenantID != "t1" || got.TraceID != "tr-1" {
		t.Errorf("request = %+v", got)
	}
	if auth != "Bearer engine-token" {
		t.Errorf("Authorization = %q", auth)
	}
	if trace != "tr-1" {
		t.Errorf("X-Trace-ID = %q", trace)
	}
}

func TestInvoke_StatusMapping(t *testing.T) {
	tests := []struct {
		code int
		want ErrorKind
	}{
		{http.StatusUnauthorized, ErrPermissionDenied},
		{http.StatusForbidden, ErrPermissionDenied},
		{http.StatusTooManyRequests, ErrRateLimited},
		{http.StatusInternalServerError, ErrServer},
		{http.StatusBadGateway, ErrServer},
	}
	for _, tt := range tests {
		e := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.code)
		})
		_, err := e.Invoke(context.Background(), Request{Query: "q"})
		var engErr *Error
		if !errors.As(err, &engErr) {
			t.Fatalf("HTTP %d: err = %v, want *Error", tt.code, err)
		}
		if engErr.Kind != tt.want {
			t.Errorf("HTTP %d: kind = %s, want %s", tt.code, engErr.Kind, tt.want)
		}
	}
}

func TestInvoke_NonConformingBody(t *testing.T) {
	bodies := []string{
		`{"answer":"legacy shape"}`,
		`{"status":"DONE","response":"x"}`,
		`{"response":"missing status"}`,
		`{"status":"SUCCEEDED","response":"x","confidence":1.7}`,
		`{"status":"SUCCEEDED","response":"x"} {"status":"FAILED"}`,
		`not json`,
	}
	for _, body := range bodies {
		e := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, body)
		})
		_, err := e.Invoke(context.Background(), Request{Query: "q"})
		var engErr *Error
		if !errors.As(err, &engErr) || engErr.Kind != ErrServer {
			t.Errorf("body %q: err = %v, want SERVER_ERROR", body, err)
		}
	}
}

func TestInvoke_ContextCancelled(t *testing.T) {
	e := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := e.Invoke(ctx, Request{Query: "q"})
	if err == nil {
		t.Fatal("expected error on cancelled context")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestDecodeResult_EngineReportedFailure(t *testing.T) {
	res, err := DecodeResult(strings.NewReader(`{"status":"FAILED","latency_ms":5,"error":{"kind":"RATE_LIMITED","message":"slow down"}}`))
	if err != nil {
		t.Fatalf("DecodeResult: %v", err)
	}
	if res.Status != StatusFailed || res.Error == nil || res.Error.Kind != ErrRateLimited {
		t.Errorf("result = %+v", res)
	}
}
