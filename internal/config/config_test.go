package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/switchyard/internal/engine"
)

// mapBackend is an in-memory ConfigBackend for tests.
type mapBackend struct {
	data map[string]any
}

func newMapBackend(kv map[string]any) *mapBackend {
	if kv == nil {
		kv = make(map[string]any)
	}
	return &mapBackend{data: kv}
}

func (m *mapBackend) GetString(key string) (string, bool, error) {
	v, ok := m.data[key]
	if !ok {
		return "", false, nil
	}
	s, _ := v.(string)
	return s, true, nil
}

func (m *mapBackend) GetInt(key string) (int, bool, error) {
	v, ok := m.data[key]
	if !ok {
		return 0, false, nil
	}
	i, _ := v.(int)
	return i, true, nil
}

func (m *mapBackend) SetString(key, val string) error { m.data[key] = val; return nil }
func (m *mapBackend) SetInt(key string, val int) error { m.data[key] = val; return nil }
func (m *mapBackend) Delete(key string) error          { delete(m.data, key); return nil }

// TestDefaults verifies all default values are applied when nothing is configured.
func TestDefaults(t *testing.T) {
	cfg, err := loadWith(newMapBackend(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want 4100", cfg.Server.Port)
	}
	if cfg.Classifier.Mode != ClassifierLLM {
		t.Errorf("Classifier.Mode = %q, want %q", cfg.Classifier.Mode, ClassifierLLM)
	}
	if cfg.Classifier.Threshold != 0.75 {
		t.Errorf("Classifier.Threshold = %v, want 0.75", cfg.Classifier.Threshold)
	}
	if cfg.Execution.MaxIterations != 10 || cfg.Execution.MaxAttempts != 3 {
		t.Errorf("Execution = %+v", cfg.Execution)
	}
	if cfg.Execution.Budget != 60*time.Second {
		t.Errorf("Execution.Budget = %s, want 60s", cfg.Execution.Budget)
	}
	if cfg.Cache.Backend != CacheMemory || cfg.Cache.TTL != 10*time.Minute {
		t.Errorf("Cache = %+v", cfg.Cache)
	}
	if cfg.Auth.Disabled {
		t.Error("Auth.Disabled should default to false")
	}
}

// TestBackendValues verifies that every value type is read from the backend.
func TestBackendValues(t *testing.T) {
	b := newMapBackend(map[string]any{
		"server.port":          5000,
		"classifier.mode":      "keywords",
		"classifier.threshold": "0.6",
		"auth.disabled":        "true",
		"engines.timeout":      "3s",
		"storage.data_dir":     "/tmp/switchyard-test",
	})

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d, want 5000", cfg.Server.Port)
	}
	if cfg.Classifier.Mode != ClassifierKeywords {
		t.Errorf("Classifier.Mode = %q", cfg.Classifier.Mode)
	}
	if cfg.Classifier.Threshold != 0.6 {
		t.Errorf("Classifier.Threshold = %v", cfg.Classifier.Threshold)
	}
	if !cfg.Auth.Disabled {
		t.Error("Auth.Disabled = false, want true")
	}
	if cfg.Engines.Timeout != 3*time.Second {
		t.Errorf("Engines.Timeout = %s", cfg.Engines.Timeout)
	}
	if cfg.Storage.DataDir != "/tmp/switchyard-test" {
		t.Errorf("Storage.DataDir = %q", cfg.Storage.DataDir)
	}
}

// TestEnvOverride verifies that environment variables override backend values.
func TestEnvOverride(t *testing.T) {
	b := newMapBackend(map[string]any{"server.port": 5000, "cache.ttl": "1m"})

	t.Setenv("SWITCHYARD_SERVER_PORT", "6000")
	t.Setenv("SWITCHYARD_CACHE_TTL", "90s")
	t.Setenv("SWITCHYARD_ENGINES_TOKEN", "engine-secret")

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 6000 {
		t.Errorf("Server.Port = %d, want 6000", cfg.Server.Port)
	}
	if cfg.Cache.TTL != 90*time.Second {
		t.Errorf("Cache.TTL = %s, want 90s", cfg.Cache.TTL)
	}
	if cfg.Engines.Token != "engine-secret" {
		t.Errorf("Engines.Token = %q", cfg.Engines.Token)
	}
}

// TestInvalidEnvKeepsDefault verifies an unparseable env var is ignored.
func TestInvalidEnvKeepsDefault(t *testing.T) {
	t.Setenv("SWITCHYARD_EXECUTION_BUDGET", "soon")

	cfg, err := loadWith(newMapBackend(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Execution.Budget != 60*time.Second {
		t.Errorf("Execution.Budget = %s, want default 60s", cfg.Execution.Budget)
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"redis without url":      func(c *Config) { c.Cache.Backend = CacheRedis },
		"unknown cache backend":  func(c *Config) { c.Cache.Backend = "disk" },
		"unknown mode":           func(c *Config) { c.Classifier.Mode = "oracle" },
		"unknown default engine": func(c *Config) { c.Classifier.DefaultEngine = "SQL" },
		"threshold above one":    func(c *Config) { c.Classifier.Threshold = 1.5 },
		"zero iterations":        func(c *Config) { c.Execution.MaxIterations = 0 },
		"budget below overhead":  func(c *Config) { c.Execution.Budget = time.Second },
		"stale within budget":    func(c *Config) { c.Resume.StaleAfter = c.Execution.Budget },
		"budget outlasts stale":  func(c *Config) { c.Execution.Budget = 5 * time.Minute },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := defaults()
			mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	if err := defaults().Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestSetKey(t *testing.T) {
	b := newMapBackend(nil)

	if err := setKeyWith(b, "server.port", "4200"); err != nil {
		t.Fatalf("set port: %v", err)
	}
	if b.data["server.port"] != 4200 {
		t.Errorf("server.port stored as %v", b.data["server.port"])
	}
	if err := setKeyWith(b, "cache.ttl", "5m"); err != nil {
		t.Fatalf("set ttl: %v", err)
	}
	if err := setKeyWith(b, "cache.ttl", "whenever"); err == nil {
		t.Error("expected error for invalid duration")
	}
	if err := setKeyWith(b, "engines.token", "x"); err == nil {
		t.Error("expected error for secret key")
	}
	if err := setKeyWith(b, "nope", "x"); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestSetKey_RejectsInvalidConfig(t *testing.T) {
	b := newMapBackend(nil)

	if err := setKeyWith(b, "classifier.mode", "telepathy"); err == nil {
		t.Error("expected error for unknown classifier mode")
	}
	if _, ok := b.data["classifier.mode"]; ok {
		t.Error("rejected value was stored")
	}

	// redis without a URL does not validate; with one it does.
	if err := setKeyWith(b, "cache.backend", "redis"); err == nil {
		t.Error("expected error for redis backend without a URL")
	}
	if err := setKeyWith(b, "cache.redis_url", "redis://localhost:6379/0"); err != nil {
		t.Fatalf("set redis_url: %v", err)
	}
	if err := setKeyWith(b, "cache.backend", "redis"); err != nil {
		t.Errorf("set cache.backend after redis_url: %v", err)
	}
}

func TestShowAll_MarksEnvOverrides(t *testing.T) {
	t.Setenv("SWITCHYARD_SERVER_PORT", "4300")

	for _, k := range ShowAll(defaults()) {
		switch k.Key {
		case "server.port":
			if !k.FromEnv {
				t.Error("server.port should be marked as set from the environment")
			}
		case "log.level":
			if k.FromEnv {
				t.Error("log.level should not be marked as set from the environment")
			}
		}
	}
}

func TestShowAllHidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Engines.Token = "hidden"
	for _, k := range ShowAll(cfg) {
		if k.Key == "engines.token" || k.Value == "hidden" {
			t.Errorf("secret leaked in ShowAll: %+v", k)
		}
	}
}

func TestCatalogue_FromURLs(t *testing.T) {
	cfg := defaults()
	cfg.Engines.VectorURL = "http://vector/invoke"
	cfg.Engines.QuantitativeURL = "http://quant/invoke"
	cfg.Engines.Token = "tok"

	cat, err := cfg.Catalogue()
	if err != nil {
		t.Fatalf("Catalogue: %v", err)
	}
	built := cat.Build()
	if len(built) != 2 {
		t.Fatalf("built %d engines, want 2", len(built))
	}
	if built[0].Kind() != engine.Vector || built[1].Kind() != engine.Quantitative {
		t.Errorf("kinds = %s, %s", built[0].Kind(), built[1].Kind())
	}
}

func TestCatalogue_FileWithEnvURL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engines.yaml")
	yaml := "engines:\n  - kind: graph\n    fallback: [quantitative]\n  - kind: vector\n    url: http://v\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := defaults()
	cfg.Engines.File = path
	cfg.Engines.GraphURL = "http://g"

	cat, err := cfg.Catalogue()
	if err != nil {
		t.Fatalf("Catalogue: %v", err)
	}
	if got := cat.Priority(); len(got) != 2 || got[0] != engine.Graph {
		t.Errorf("Priority = %v", got)
	}
	if cat.Engines[0].URL != "http://g" {
		t.Errorf("graph URL = %q, want env-provided http://g", cat.Engines[0].URL)
	}
	if chain := cat.Chains()[engine.Graph]; len(chain) != 1 || chain[0] != engine.Quantitative {
		t.Errorf("graph chain = %v", chain)
	}
}

func TestAPIToken_GeneratedOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "switchyard", "secrets.json")

	first, err := tokenFromFile(path)
	if err != nil {
		t.Fatalf("tokenFromFile: %v", err)
	}
	if len(first) != 64 {
		t.Errorf("token length = %d, want 64", len(first))
	}
	second, err := tokenFromFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("token regenerated on second call")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("secrets file mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestAPIToken_EnvWins(t *testing.T) {
	t.Setenv("SWITCHYARD_API_TOKEN", "from-env")
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	tok, err := GetAPIToken()
	if err != nil {
		t.Fatal(err)
	}
	if tok != "from-env" {
		t.Errorf("token = %q", tok)
	}
	if !strings.HasPrefix(secretsFilePath(), os.Getenv("XDG_DATA_HOME")) {
		t.Errorf("secrets path %q not under XDG_DATA_HOME", secretsFilePath())
	}
}

func TestFileBackend_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "switchyard", "config.json")

	b := openFileBackend(path)
	if err := setKeyWith(b, "server.port", "4200"); err != nil {
		t.Fatalf("set port: %v", err)
	}
	if err := setKeyWith(b, "classifier.threshold", "0.6"); err != nil {
		t.Fatalf("set threshold: %v", err)
	}

	cfg, err := loadWith(openFileBackend(path))
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 4200 {
		t.Errorf("Server.Port = %d, want 4200", cfg.Server.Port)
	}
	if cfg.Classifier.Threshold != 0.6 {
		t.Errorf("Classifier.Threshold = %v, want 0.6", cfg.Classifier.Threshold)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("config file mode = %v, want 0600", info.Mode().Perm())
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("config dir holds %d entries, want only config.json", len(entries))
	}
}

func TestFileBackend_HandWrittenValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"server.port": 5100, "cache.ttl": "30s", "auth.disabled": true, "engines.token": "leaked", "colour": "blue"}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadWith(openFileBackend(path))
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 5100 {
		t.Errorf("Server.Port = %d, want 5100", cfg.Server.Port)
	}
	if cfg.Cache.TTL != 30*time.Second {
		t.Errorf("Cache.TTL = %s, want 30s", cfg.Cache.TTL)
	}
	if !cfg.Auth.Disabled {
		t.Error("Auth.Disabled = false, want true")
	}
	if cfg.Engines.Token != "" {
		t.Errorf("Engines.Token = %q, secrets must not load from the config file", cfg.Engines.Token)
	}
}

func TestFileBackend_CorruptFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadWith(openFileBackend(path))
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want default 4100", cfg.Server.Port)
	}
}

func TestFileBackend_NonIntegerPort(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"server.port": 41.5}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := loadWith(openFileBackend(path)); err == nil {
		t.Error("expected error for fractional port")
	}
}
