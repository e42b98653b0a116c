package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "SWITCHYARD_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.max_connections", typ: kInt, env: "SWITCHYARD_SERVER_MAX_CONNECTIONS",
		apply:   func(cfg *Config, v any) { cfg.Server.MaxConnections = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MaxConnections },
	},
	{
		key: "storage.data_dir", typ: kString, env: "SWITCHYARD_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "SWITCHYARD_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "auth.disabled", typ: kBool, env: "SWITCHYARD_AUTH_DISABLED",
		apply:   func(cfg *Config, v any) { cfg.Auth.Disabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Auth.Disabled },
	},
	{
		key: "classifier.mode", typ: kString, env: "SWITCHYARD_CLASSIFIER_MODE",
		apply:   func(cfg *Config, v any) { cfg.Classifier.Mode = v.(string) },
		extract: func(cfg Config) any { return cfg.Classifier.Mode },
	},
	{
		key: "classifier.model", typ: kString, env: "SWITCHYARD_CLASSIFIER_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Classifier.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Classifier.Model },
	},
	{
		key: "classifier.default_engine", typ: kString, env: "SWITCHYARD_CLASSIFIER_DEFAULT_ENGINE",
		apply:   func(cfg *Config, v any) { cfg.Classifier.DefaultEngine = v.(string) },
		extract: func(cfg Config) any { return cfg.Classifier.DefaultEngine },
	},
	{
		key: "classifier.threshold", typ: kFloat, env: "SWITCHYARD_CLASSIFIER_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Classifier.Threshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Classifier.Threshold },
	},
	{
		key: "ollama.base_url", typ: kString, env: "SWITCHYARD_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "engines.vector_url", typ: kString, env: "SWITCHYARD_ENGINES_VECTOR_URL",
		apply:   func(cfg *Config, v any) { cfg.Engines.VectorURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Engines.VectorURL },
	},
	{
		key: "engines.graph_url", typ: kString, env: "SWITCHYARD_ENGINES_GRAPH_URL",
		apply:   func(cfg *Config, v any) { cfg.Engines.GraphURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Engines.GraphURL },
	},
	{
		key: "engines.quantitative_url", typ: kString, env: "SWITCHYARD_ENGINES_QUANTITATIVE_URL",
		apply:   func(cfg *Config, v any) { cfg.Engines.QuantitativeURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Engines.QuantitativeURL },
	},
	{
		key: "engines.file", typ: kString, env: "SWITCHYARD_ENGINES_FILE",
		apply:   func(cfg *Config, v any) { cfg.Engines.File = v.(string) },
		extract: func(cfg Config) any { return cfg.Engines.File },
	},
	{
		key: "engines.token", typ: kString, env: "SWITCHYARD_ENGINES_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Engines.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Engines.Token },
	},
	{
		key: "engines.timeout", typ: kDuration, env: "SWITCHYARD_ENGINES_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Engines.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Engines.Timeout },
	},
	{
		key: "engines.rate_limit", typ: kFloat, env: "SWITCHYARD_ENGINES_RATE_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Engines.RateLimit = v.(float64) },
		extract: func(cfg Config) any { return cfg.Engines.RateLimit },
	},
	{
		key: "execution.max_iterations", typ: kInt, env: "SWITCHYARD_EXECUTION_MAX_ITERATIONS",
		apply:   func(cfg *Config, v any) { cfg.Execution.MaxIterations = v.(int) },
		extract: func(cfg Config) any { return cfg.Execution.MaxIterations },
	},
	{
		key: "execution.max_attempts", typ: kInt, env: "SWITCHYARD_EXECUTION_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Execution.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Execution.MaxAttempts },
	},
	{
		key: "execution.budget", typ: kDuration, env: "SWITCHYARD_EXECUTION_BUDGET",
		apply:   func(cfg *Config, v any) { cfg.Execution.Budget = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Execution.Budget },
	},
	{
		key: "execution.planning_overhead", typ: kDuration, env: "SWITCHYARD_EXECUTION_PLANNING_OVERHEAD",
		apply:   func(cfg *Config, v any) { cfg.Execution.PlanningOverhead = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Execution.PlanningOverhead },
	},
	{
		key: "cache.backend", typ: kString, env: "SWITCHYARD_CACHE_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Cache.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Cache.Backend },
	},
	{
		key: "cache.ttl", typ: kDuration, env: "SWITCHYARD_CACHE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Cache.TTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Cache.TTL },
	},
	{
		key: "cache.redis_url", typ: kString, env: "SWITCHYARD_CACHE_REDIS_URL",
		apply:   func(cfg *Config, v any) { cfg.Cache.RedisURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Cache.RedisURL },
	},
	{
		key: "resume.interval", typ: kDuration, env: "SWITCHYARD_RESUME_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Resume.Interval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Resume.Interval },
	},
	{
		key: "resume.stale_after", typ: kDuration, env: "SWITCHYARD_RESUME_STALE_AFTER",
		apply:   func(cfg *Config, v any) { cfg.Resume.StaleAfter = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Resume.StaleAfter },
	},
}

// parseValue converts a raw string into the Go type expected by typ.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			slog.Warn("unparseable config value, using default", "key", s.key, "value", raw, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			slog.Warn("unparseable environment override, using default", "env", s.env, "value", raw, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
}
