package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/switchyard/internal/aggregate"
	"github.com/kalambet/switchyard/internal/config"
	"github.com/kalambet/switchyard/internal/engine"
	"github.com/kalambet/switchyard/internal/orchestrator"
	"github.com/kalambet/switchyard/internal/storage"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type cannedResponse struct {
	code int
	body string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]cannedResponse) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			code := resp.code
			if code == 0 {
				code = http.StatusOK
			}
			w.WriteHeader(code)
			w.Write([]byte(resp.body))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func TestAskCommand_PostsQuery(t *testing.T) {
	ts := newTestServer(t, map[string]cannedResponse{
		"POST /v1/query": {body: `{"status":"SUCCESS","answer":"42","sources":[],"confidence":0.9,"engine_used":"quantitative","engines_tried":["quantitative"],"trace_id":"tr-1"}`},
	})

	client := ts.client()
	resp, err := client.post(ctx, "/v1/query", orchestrator.Request{
		Question: "What was revenue in 2023?",
		TenantID: "acme",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out, err := decodeResolution(resp)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if out.Status != aggregate.StatusSuccess {
		t.Errorf("status = %q, want SUCCESS", out.Status)
	}
	if out.EngineUsed != engine.Quantitative {
		t.Errorf("engine_used = %q, want quantitative", out.EngineUsed)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Method != "POST" {
		t.Errorf("method = %q, want POST", r.Method)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["question"] != "What was revenue in 2023?" {
		t.Errorf("body.question = %v", body["question"])
	}
	if body["tenant_id"] != "acme" {
		t.Errorf("body.tenant_id = %v, want acme", body["tenant_id"])
	}
}

func TestDecodeResolution_FailedResolution(t *testing.T) {
	ts := newTestServer(t, map[string]cannedResponse{
		"POST /v1/query": {code: http.StatusBadGateway, body: `{"status":"FAILED","answer":"","sources":[],"confidence":0,"engines_tried":["vector","graph"],"trace_id":"tr-2","error":"ALL_ENGINES_FAILED","message":"every engine failed"}`},
	})

	resp, err := ts.client().post(ctx, "/v1/query", orchestrator.Request{Question: "q", TenantID: "t"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out, err := decodeResolution(resp)
	if err != nil {
		t.Fatalf("a failed resolution should decode, got %v", err)
	}
	if out.Error != aggregate.ErrAllEnginesFailed {
		t.Errorf("error = %q, want ALL_ENGINES_FAILED", out.Error)
	}
	if len(out.EnginesTried) != 2 {
		t.Errorf("engines_tried = %v, want 2 entries", out.EnginesTried)
	}
}

func TestDecodeResolution_GatewayWithoutBody(t *testing.T) {
	ts := newTestServer(t, map[string]cannedResponse{
		"POST /v1/query": {code: http.StatusBadGateway, body: `upstream gone`},
	})

	resp, err := ts.client().post(ctx, "/v1/query", orchestrator.Request{Question: "q", TenantID: "t"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := decodeResolution(resp); err == nil || !strings.Contains(err.Error(), "502") {
		t.Errorf("error = %v, want it to mention 502", err)
	}
}

func TestAskCommand_MissingArgs(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"ask"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing args")
	}
	if !strings.Contains(err.Error(), "requires at least 1 arg") {
		t.Errorf("error = %q, want it to mention the missing argument", err.Error())
	}
}

func TestTraceCommand(t *testing.T) {
	ts := newTestServer(t, map[string]cannedResponse{
		"GET /v1/traces/tr-3": {body: `{"query":{"id":"q-1","tenant_id":"acme","trace_id":"tr-3","text":"who reports to dana"},"state":{"trace_id":"tr-3","phase":"DONE","generation":1,"iteration_count":2,"max_iterations":10},"tasks":[{"id":"t-1","engine":"graph","status":"SUCCEEDED","generation":1,"attempt_count":1,"max_attempts":3}]}`},
	})

	resp, err := ts.client().get(ctx, "/v1/traces/tr-3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var tr orchestrator.Trace
	if err := decodeJSON(resp, &tr); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if tr.State.Phase != storage.PhaseDone {
		t.Errorf("phase = %q, want DONE", tr.State.Phase)
	}
	if len(tr.Tasks) != 1 || tr.Tasks[0].Engine != engine.Graph {
		t.Fatalf("tasks = %+v, want one graph task", tr.Tasks)
	}

	old := noColor
	defer func() { noColor = old }()
	noColor = true

	var buf bytes.Buffer
	printTrace(&buf, tr)
	out := buf.String()
	for _, want := range []string{"tr-3", "who reports to dana", "DONE", "graph", "attempt 1/3"} {
		if !strings.Contains(out, want) {
			t.Errorf("trace output missing %q:\n%s", want, out)
		}
	}
}

func TestTraceCommand_NotFound(t *testing.T) {
	ts := newTestServer(t, map[string]cannedResponse{})

	resp, err := ts.client().get(ctx, "/v1/traces/missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var tr orchestrator.Trace
	if err := decodeJSON(resp, &tr); err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("error = %v, want it to mention 404", err)
	}
}

func TestRetryCommand(t *testing.T) {
	ts := newTestServer(t, map[string]cannedResponse{
		"POST /v1/traces/tr-4/retry": {body: `{"status":"SUCCESS","answer":"ok","sources":[],"confidence":0.8,"engine_used":"vector","engines_tried":["vector"],"trace_id":"tr-4"}`},
	})

	resp, err := ts.client().post(ctx, "/v1/traces/tr-4/retry", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out, err := decodeResolution(resp)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if out.TraceID != "tr-4" {
		t.Errorf("trace_id = %q, want tr-4", out.TraceID)
	}
	if ts.requests[0].Body != "" {
		t.Errorf("retry should send no body, got %q", ts.requests[0].Body)
	}
}

func TestPrintResolution(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()
	noColor = true

	var buf bytes.Buffer
	printResolution(&buf, aggregate.Response{
		Status:       aggregate.StatusPartial,
		Answer:       "about 12 million",
		Confidence:   0.55,
		EngineUsed:   engine.Vector,
		EnginesTried: []engine.Kind{engine.Quantitative, engine.Vector},
		TraceID:      "tr-5",
		Error:        aggregate.ErrPlanExceededIterations,
		Message:      "iteration budget exhausted",
		Errors: []aggregate.TaskFailure{
			{Engine: engine.Quantitative, AttemptCount: 1, Code: aggregate.ErrEngineTimeout, Message: "deadline exceeded"},
		},
		CacheHit: true,
	})

	out := buf.String()
	for _, want := range []string{
		"PARTIAL (cached)",
		"about 12 million",
		"vector (confidence 0.55)",
		"quantitative, vector",
		"PLAN_EXCEEDED_ITERATIONS",
		"quantitative attempt 1: ENGINE_TIMEOUT",
		"tr-5",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "\033[") {
		t.Errorf("output should not contain ANSI codes with noColor set")
	}
}

func TestStatusCommand_Running(t *testing.T) {
	ts := newTestServer(t, map[string]cannedResponse{
		"GET /health": {body: `{"status":"ok"}`},
	})

	client := ts.client()
	resp, err := client.get(ctx, "/health")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("status code = %d, want 200", resp.StatusCode)
	}
}

func TestStatusCommand_Stopped(t *testing.T) {
	ts := newTestServer(t, map[string]cannedResponse{})
	ts.server.Close()

	client := ts.client()
	_, err := client.get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestStatusColor(t *testing.T) {
	cases := map[string]string{
		"SUCCESS":   colorGreen,
		"SUCCEEDED": colorGreen,
		"PARTIAL":   colorYellow,
		"FAILED":    colorRed,
		"TIMED_OUT": colorRed,
	}
	for status, want := range cases {
		if got := statusColor(status); got != want {
			t.Errorf("statusColor(%q) = %q, want %q", status, got, want)
		}
	}
}

func TestAPIClientAuth(t *testing.T) {
	ts := newTestServer(t, map[string]cannedResponse{
		"GET /health": {body: `{"status":"ok"}`},
	})

	client := ts.client()
	client.token = "my-secret-token"

	_, err := client.get(ctx, "/health")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	if ts.requests[0].Auth != "Bearer my-secret-token" {
		t.Errorf("auth = %q, want 'Bearer my-secret-token'", ts.requests[0].Auth)
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(401)
		w.Write([]byte(`{"error":{"message":"unauthorized","type":"auth_error"}}`))
	}))
	defer ts.Close()

	client := &apiClient{
		baseURL:    ts.URL,
		token:      "bad-token",
		httpClient: ts.Client(),
	}

	resp, err := client.get(ctx, "/v1/traces/tr-1")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var result any
	err = decodeJSON(resp, &result)
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("error = %q, want it to contain '401'", err.Error())
	}
}

func TestConfigShowAll(t *testing.T) {
	cfg := config.Config{}
	cfg.Server.Port = 4000
	cfg.Classifier.Mode = config.ClassifierKeywords

	keys := config.ShowAll(cfg)
	if len(keys) == 0 {
		t.Fatal("expected non-empty keys from ShowAll")
	}

	found := map[string]bool{}
	for _, k := range keys {
		if k.Key == "server.port" && k.Value == "4000" {
			found["port"] = true
		}
		if k.Key == "classifier.mode" && k.Value == "keywords" {
			found["mode"] = true
		}
	}
	if !found["port"] {
		t.Error("expected to find server.port=4000 in ShowAll output")
	}
	if !found["mode"] {
		t.Error("expected to find classifier.mode=keywords in ShowAll output")
	}
}

func TestPIDFileRoundTrip(t *testing.T) {
	path := pidFilePath(t.TempDir())
	if err := writePIDFile(path); err != nil {
		t.Fatalf("writePIDFile: %v", err)
	}
	pid, err := readPIDFile(path)
	if err != nil {
		t.Fatalf("readPIDFile: %v", err)
	}
	if pid <= 0 {
		t.Errorf("pid = %d, want positive", pid)
	}
	removePIDFile(path)
	if _, err := readPIDFile(path); err == nil {
		t.Error("expected error after removing PID file")
	}
}

func TestBuildServices_KeywordsNoCache(t *testing.T) {
	store, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	eng := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"SUCCEEDED","response":"from vector","confidence":0.9,"latency_ms":5}`))
	}))
	defer eng.Close()

	var cfg config.Config
	cfg.Classifier.Mode = config.ClassifierKeywords
	cfg.Classifier.DefaultEngine = string(engine.Vector)
	cfg.Classifier.Threshold = 0.75
	cfg.Engines.VectorURL = eng.URL
	cfg.Engines.Timeout = 5 * time.Second
	cfg.Execution.MaxAttempts = 3
	cfg.Execution.MaxIterations = 10
	cfg.Cache.Backend = config.CacheNone

	svc, err := buildServices(ctx, cfg, store, nil, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("buildServices: %v", err)
	}
	defer svc.Close()

	if len(svc.engines) != 1 || svc.engines[0] != engine.Vector {
		t.Fatalf("engines = %v, want [vector]", svc.engines)
	}

	out, err := svc.orch.Ask(ctx, orchestrator.Request{Question: "summarize the onboarding policy", TenantID: "acme"})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if out.Status != aggregate.StatusSuccess || out.Answer != "from vector" {
		t.Errorf("response = %+v, want SUCCESS from vector", out)
	}
}

func TestBuildServices_WarnsOnUnreachableFallback(t *testing.T) {
	var logs bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&logs, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	store, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	var cfg config.Config
	cfg.Classifier.Mode = config.ClassifierKeywords
	cfg.Classifier.DefaultEngine = string(engine.Vector)
	cfg.Engines.VectorURL = "http://127.0.0.1:1/invoke"
	cfg.Engines.GraphURL = "http://127.0.0.1:1/invoke"
	cfg.Engines.Timeout = time.Second
	cfg.Execution.MaxAttempts = 3
	cfg.Cache.Backend = config.CacheNone

	svc, err := buildServices(ctx, cfg, store, nil, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("buildServices: %v", err)
	}
	defer svc.Close()

	if len(svc.engines) != 2 || svc.engines[0] != engine.Vector || svc.engines[1] != engine.Graph {
		t.Errorf("engines = %v, want [VECTOR GRAPH] in catalogue order", svc.engines)
	}
	out := logs.String()
	if !strings.Contains(out, "fallback=QUANTITATIVE") {
		t.Errorf("expected a warning for the unconfigured QUANTITATIVE fallback, got:\n%s", out)
	}
	if strings.Contains(out, "fallback=GRAPH") || strings.Contains(out, "fallback=VECTOR") {
		t.Errorf("warned about a configured fallback engine:\n%s", out)
	}
}

func TestBuildServices_BadDefaultEngine(t *testing.T) {
	store, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	var cfg config.Config
	cfg.Classifier.Mode = config.ClassifierKeywords
	cfg.Classifier.DefaultEngine = "sql"
	cfg.Execution.MaxAttempts = 3

	if _, err := buildServices(ctx, cfg, store, nil, &bytes.Buffer{}); err == nil {
		t.Fatal("expected error for unknown default engine")
	}
}
