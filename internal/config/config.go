package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/switchyard/internal/engine"
)

type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Log        LogConfig
	Auth       AuthConfig
	Classifier ClassifierConfig
	Ollama     OllamaConfig
	Engines    EnginesConfig
	Execution  ExecutionConfig
	Cache      CacheConfig
	Resume     ResumeConfig
}

type ServerConfig struct {
	Port           int
	MaxConnections int
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

type AuthConfig struct {
	// Disabled turns off bearer-token checks. Only meant for local use.
	Disabled bool
}

type ClassifierConfig struct {
	Mode          string // "llm" or "keywords"
	Model         string
	DefaultEngine string
	Threshold     float64
}

type OllamaConfig struct {
	BaseURL string
}

type EnginesConfig struct {
	VectorURL       string
	GraphURL        string
	QuantitativeURL string
	File            string
	Token           string
	Timeout         time.Duration
	RateLimit       float64
}

type ExecutionConfig struct {
	MaxIterations    int
	MaxAttempts      int
	Budget           time.Duration
	PlanningOverhead time.Duration
}

type CacheConfig struct {
	Backend  string // "memory", "redis" or "none"
	TTL      time.Duration
	RedisURL string
}

type ResumeConfig struct {
	Interval   time.Duration
	StaleAfter time.Duration
}

const (
	ClassifierLLM      = "llm"
	ClassifierKeywords = "keywords"

	CacheMemory = "memory"
	CacheRedis  = "redis"
	CacheNone   = "none"
)

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:           4100,
			MaxConnections: 256,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Classifier: ClassifierConfig{
			Mode:          ClassifierLLM,
			Model:         "phi3.5",
			DefaultEngine: string(engine.Vector),
			Threshold:     0.75,
		},
		Ollama: OllamaConfig{
			BaseURL: "http://localhost:11434",
		},
		Engines: EnginesConfig{
			Timeout: 10 * time.Second,
		},
		Execution: ExecutionConfig{
			MaxIterations:    10,
			MaxAttempts:      3,
			Budget:           60 * time.Second,
			PlanningOverhead: 2 * time.Second,
		},
		Cache: CacheConfig{
			Backend: CacheMemory,
			TTL:     10 * time.Minute,
		},
		Resume: ResumeConfig{
			Interval:   5 * time.Second,
			StaleAfter: 2 * time.Minute,
		},
	}
}

// Load reads configuration from the JSON file backend at
// $XDG_CONFIG_HOME/switchyard/config.json, then applies environment
// variable overrides (SWITCHYARD_*), then validates the result.
func Load() (Config, error) {
	return loadWith(openFileBackend(configFilePath()))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.MaxConnections < 1 {
		errs = append(errs, fmt.Errorf("server.max_connections must be positive, got %d", c.Server.MaxConnections))
	}
	if c.Classifier.Mode != ClassifierLLM && c.Classifier.Mode != ClassifierKeywords {
		errs = append(errs, fmt.Errorf("classifier.mode must be %q or %q, got %q", ClassifierLLM, ClassifierKeywords, c.Classifier.Mode))
	}
	if _, err := engine.ParseKind(c.Classifier.DefaultEngine); err != nil {
		errs = append(errs, fmt.Errorf("classifier.default_engine: %w", err))
	}
	if c.Classifier.Threshold < 0 || c.Classifier.Threshold > 1 {
		errs = append(errs, fmt.Errorf("classifier.threshold must be in [0,1], got %v", c.Classifier.Threshold))
	}
	if c.Engines.Timeout <= 0 {
		errs = append(errs, errors.New("engines.timeout must be positive"))
	}
	if c.Engines.RateLimit < 0 {
		errs = append(errs, errors.New("engines.rate_limit must not be negative"))
	}
	if c.Execution.MaxIterations < 1 {
		errs = append(errs, errors.New("execution.max_iterations must be at least 1"))
	}
	if c.Execution.MaxAttempts < 1 {
		errs = append(errs, errors.New("execution.max_attempts must be at least 1"))
	}
	if c.Execution.Budget <= c.Execution.PlanningOverhead {
		errs = append(errs, fmt.Errorf("execution.budget (%s) must exceed execution.planning_overhead (%s)",
			c.Execution.Budget, c.Execution.PlanningOverhead))
	}
	switch c.Cache.Backend {
	case CacheMemory, CacheNone:
	case CacheRedis:
		if c.Cache.RedisURL == "" {
			errs = append(errs, errors.New("cache.redis_url is required when cache.backend is redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("cache.backend must be memory, redis or none, got %q", c.Cache.Backend))
	}
	if c.Resume.Interval <= 0 || c.Resume.StaleAfter <= 0 {
		errs = append(errs, errors.New("resume.interval and resume.stale_after must be positive"))
	}
	// A live coordinator writes its state at least once per budget, so a
	// shorter stale window would hand its resolution to the resume worker.
	if window := c.Execution.Budget + c.Execution.PlanningOverhead; c.Resume.StaleAfter <= window {
		errs = append(errs, fmt.Errorf("resume.stale_after (%s) must exceed execution.budget plus planning_overhead (%s)",
			c.Resume.StaleAfter, window))
	}
	return errors.Join(errs...)
}

// EngineURLs returns the configured endpoint per engine kind, skipping blanks.
func (c Config) EngineURLs() map[engine.Kind]string {
	urls := make(map[engine.Kind]string)
	for k, u := range map[engine.Kind]string{
		engine.Vector:       c.Engines.VectorURL,
		engine.Graph:        c.Engines.GraphURL,
		engine.Quantitative: c.Engines.QuantitativeURL,
	} {
		if u != "" {
			urls[k] = u
		}
	}
	return urls
}

// Catalogue returns the engine catalogue: the YAML file named by
// engines.file when set, otherwise one entry per configured engine URL in
// default priority order. URLs and the shared token from the environment
// fill entries the file leaves blank.
func (c Config) Catalogue() (*engine.Catalogue, error) {
	cat := &engine.Catalogue{}
	if c.Engines.File != "" {
		loaded, err := engine.LoadCatalogue(c.Engines.File)
		if err != nil {
			return nil, err
		}
		cat = loaded
	} else {
		for _, k := range engine.Kinds {
			cat.Engines = append(cat.Engines, engine.Entry{Kind: k})
		}
	}

	urls := c.EngineURLs()
	for i := range cat.Engines {
		e := &cat.Engines[i]
		if e.URL == "" {
			e.URL = urls[e.Kind]
		}
		if e.Token == "" {
			e.Token = c.Engines.Token
		}
		if e.RateLimit == 0 {
			e.RateLimit = c.Engines.RateLimit
		}
	}
	return cat, nil
}
