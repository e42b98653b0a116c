package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"

	"github.com/kalambet/switchyard/internal/api"
	"github.com/kalambet/switchyard/internal/cache"
	"github.com/kalambet/switchyard/internal/config"
	"github.com/kalambet/switchyard/internal/dispatch"
	"github.com/kalambet/switchyard/internal/engine"
	"github.com/kalambet/switchyard/internal/execution"
	"github.com/kalambet/switchyard/internal/fallback"
	"github.com/kalambet/switchyard/internal/intent"
	"github.com/kalambet/switchyard/internal/metrics"
	"github.com/kalambet/switchyard/internal/ollama"
	"github.com/kalambet/switchyard/internal/orchestrator"
	"github.com/kalambet/switchyard/internal/planner"
	"github.com/kalambet/switchyard/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the switchyard server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running switchyard server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show switchyard system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "also serve MCP over stdio")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "switchyard.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

// services is everything the server runs on top of the store.
type services struct {
	orch    *orchestrator.Orchestrator
	worker  *execution.Worker
	engines []engine.Kind
	closers []io.Closer
}

func (s *services) Close() {
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			slog.Warn("closing service", "error", err)
		}
	}
}

// buildServices wires the query path: catalogue, dispatcher, planner,
// fallback monitor, execution loop, classifier and cache.
func buildServices(ctx context.Context, cfg config.Config, store *storage.Store, m *metrics.Metrics, w io.Writer) (*services, error) {
	svc := &services{}

	cat, err := cfg.Catalogue()
	if err != nil {
		return nil, fmt.Errorf("loading engine catalogue: %w", err)
	}
	if err := cat.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine catalogue: %w", err)
	}
	d := dispatch.New(cat.Build(), cat.RateLimits(), m, slog.Default())
	chains := cat.Chains()
	for _, k := range cat.Priority() {
		if !d.Has(k) {
			continue
		}
		svc.engines = append(svc.engines, k)
		for _, next := range chains[k] {
			if !d.Has(next) {
				slog.Warn("fallback engine has no endpoint; falling back to it will fail", "engine", k, "fallback", next)
			}
		}
	}
	if len(svc.engines) == 0 {
		slog.Warn("no engine endpoints configured; every question will fail",
			"hint", "set engines.vector_url, engines.graph_url or engines.quantitative_url")
	}

	p := planner.New(store, cfg.Execution.MaxAttempts, cat.Timeouts(cfg.Engines.Timeout), cfg.Engines.Timeout)
	mon := fallback.New(chains, p.Timeout)
	loop := execution.NewLoop(store, p, d, mon, m)

	defaultEngine, err := engine.ParseKind(cfg.Classifier.DefaultEngine)
	if err != nil {
		return nil, err
	}
	opts := intent.Options{
		DefaultEngine: defaultEngine,
		Threshold:     cfg.Classifier.Threshold,
		Chains:        chains,
	}
	var classifier intent.Classifier = intent.NewKeywordClassifier(opts)
	if cfg.Classifier.Mode == config.ClassifierLLM {
		oc := ollama.New(cfg.Ollama.BaseURL)
		if err := ollama.EnsureReady(ctx, oc, cfg.Classifier.Model, w); err != nil {
			printWarning("LLM classifier unavailable, using keyword routing: %v", err)
		} else {
			classifier = intent.NewLLMClassifier(oc, cfg.Classifier.Model, opts)
		}
	}

	var backend cache.Backend
	switch cfg.Cache.Backend {
	case config.CacheMemory:
		backend = cache.NewMemory(cfg.Cache.TTL, cfg.Cache.TTL)
	case config.CacheRedis:
		r, err := cache.NewRedis(ctx, cfg.Cache.RedisURL)
		if err != nil {
			return nil, err
		}
		svc.closers = append(svc.closers, r)
		backend = r
	}

	svc.orch = orchestrator.New(store, classifier, p, loop, cache.New(backend, cfg.Cache.TTL), m, orchestrator.Options{
		MaxIterations:    cfg.Execution.MaxIterations,
		Budget:           cfg.Execution.Budget,
		PlanningOverhead: cfg.Execution.PlanningOverhead,
	})
	svc.worker = execution.NewWorker(store, loop, m, cfg.Resume.Interval, cfg.Resume.StaleAfter)
	return svc, nil
}

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "switchyard version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	var apiToken string
	if !cfg.Auth.Disabled {
		if apiToken, err = config.GetAPIToken(); err != nil {
			return fmt.Errorf("initializing API token: %w", err)
		}
		slog.Info("API bearer token available")
	}

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("switchyard is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("switchyard is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	svc, err := buildServices(ctx, cfg, store, m, os.Stderr)
	if err != nil {
		return err
	}
	defer svc.Close()
	slog.Info("engines registered", "engines", svc.engines, "classifier", cfg.Classifier.Mode, "cache", cfg.Cache.Backend)

	handler := api.NewHandler(api.HandlerDeps{
		Orchestrator: svc.orch,
		Token:        apiToken,
		AuthDisabled: cfg.Auth.Disabled,
		Metrics:      promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	ln = netutil.LimitListener(ln, cfg.Server.MaxConnections)

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Pick up resolutions a previous process left unfinished.
	go svc.worker.Run(ctx)

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Orchestrator: svc.orch, DefaultTenant: "default"})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "switchyard listening on %s\n", addr)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("switchyard is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop switchyard (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to switchyard (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Classifier", "%s", classifierLabel(cfg))
	if cfg.Classifier.Mode == config.ClassifierLLM {
		ollamaResp, err := client.Get(cfg.Ollama.BaseURL + "/api/version")
		if err != nil {
			printStatus("Ollama", "not running")
		} else {
			ollamaResp.Body.Close()
			printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
		}
	}

	urls := cfg.EngineURLs()
	for _, k := range engine.Kinds {
		if u, ok := urls[k]; ok {
			printStatus("Engine "+string(k), "%s", u)
		} else {
			printStatus("Engine "+string(k), "not configured")
		}
	}
	if cfg.Engines.File != "" {
		printStatus("Engine file", "%s", cfg.Engines.File)
	}

	printStatus("Cache", "%s (ttl %s)", cfg.Cache.Backend, cfg.Cache.TTL)
	printStatus("Budget", "%d iterations, %s", cfg.Execution.MaxIterations, cfg.Execution.Budget)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func classifierLabel(cfg config.Config) string {
	if cfg.Classifier.Mode == config.ClassifierLLM {
		return fmt.Sprintf("llm (%s)", cfg.Classifier.Model)
	}
	return cfg.Classifier.Mode
}
