package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/switchyard/internal/aggregate"
	"github.com/kalambet/switchyard/internal/orchestrator"
	"github.com/kalambet/switchyard/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Orchestrator is the query surface the HTTP and MCP layers expose.
type Orchestrator interface {
	Ask(ctx context.Context, req orchestrator.Request) (aggregate.Response, error)
	Retry(ctx context.Context, traceID string) (aggregate.Response, error)
	Trace(ctx context.Context, traceID string) (orchestrator.Trace, error)
}

// HandlerDeps holds dependencies for the HTTP handler. Token guards every
// route except /health; an empty Token with AuthDisabled unset rejects all
// guarded requests.
type HandlerDeps struct {
	Orchestrator Orchestrator
	Token        string
	AuthDisabled bool
	Metrics      http.Handler // optional; served on /metrics
}

// NewHandler returns the switchyard REST API.
func NewHandler(deps HandlerDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		if deps.AuthDisabled {
			slog.Warn("API authentication disabled")
		} else {
			r.Use(BearerAuth(deps.Token))
		}
		if deps.Metrics != nil {
			r.Method(http.MethodGet, "/metrics", deps.Metrics)
		}
		r.Post("/v1/query", handleQuery(deps.Orchestrator))
		r.Get("/v1/traces/{traceID}", handleTrace(deps.Orchestrator))
		r.Post("/v1/traces/{traceID}/retry", handleRetry(deps.Orchestrator))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleQuery(o Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req orchestrator.Request
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		resp, err := o.Ask(r.Context(), req)
		if err != nil {
			writeOrchestratorError(w, err)
			return
		}
		writeJSON(w, StatusFor(resp), resp)
	}
}

func handleTrace(o Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tr, err := o.Trace(r.Context(), chi.URLParam(r, "traceID"))
		if err != nil {
			writeOrchestratorError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, tr)
	}
}

func handleRetry(o Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp, err := o.Retry(r.Context(), chi.URLParam(r, "traceID"))
		if err != nil {
			writeOrchestratorError(w, err)
			return
		}
		writeJSON(w, StatusFor(resp), resp)
	}
}

// StatusFor maps a resolution outcome onto an HTTP status. Budget-related
// failures are still a completed answer and return 200.
func StatusFor(resp aggregate.Response) int {
	if resp.Status != aggregate.StatusFailed {
		return http.StatusOK
	}
	switch resp.Error {
	case aggregate.ErrAllEnginesFailed:
		return http.StatusBadGateway
	case aggregate.ErrPermissionDenied:
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

func writeOrchestratorError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found_error", "trace not found")
	case errors.Is(err, orchestrator.ErrNotTerminal):
		httpError(w, http.StatusConflict, "conflict_error", "%v", err)
	default:
		slog.Error("request failed", "error", err)
		httpError(w, http.StatusInternalServerError, "api_error", "internal error")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encoding response failed", "error", err)
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
