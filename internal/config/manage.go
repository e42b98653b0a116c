package config

import (
	"fmt"
	"os"
)

// KeyInfo describes one config key for `switchyard config show`. FromEnv is
// set when EnvVar currently overrides the stored value.
type KeyInfo struct {
	Key     string
	EnvVar  string
	Value   string
	FromEnv bool
}

// ShowAll lists every non-secret key with its value in cfg.
func ShowAll(cfg Config) []KeyInfo {
	var result []KeyInfo
	for _, s := range specs {
		if s.secret {
			continue
		}
		result = append(result, KeyInfo{
			Key:     s.key,
			EnvVar:  s.env,
			Value:   fmt.Sprint(s.extract(cfg)),
			FromEnv: os.Getenv(s.env) != "",
		})
	}
	return result
}

// SetKey stores a config key in the config file.
func SetKey(key, value string) error {
	return setKeyWith(openFileBackend(configFilePath()), key, value)
}

// setKeyWith parses value for key and stores it only if the config that
// results from the backend plus this change still validates, so a bad
// value cannot stop the server from starting.
func setKeyWith(b ConfigBackend, key, value string) error {
	s, ok := lookupSpec(key)
	if !ok {
		return fmt.Errorf("unknown config key: %q", key)
	}
	if s.secret {
		return fmt.Errorf("cannot set secret %q via config; use environment variable %s", key, s.env)
	}
	v, err := parseValue(s.typ, value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}

	candidate := defaults()
	if err := applyBackend(&candidate, b); err != nil {
		return err
	}
	s.apply(&candidate, v)
	if err := candidate.Validate(); err != nil {
		return fmt.Errorf("rejected %s=%s: %w", key, value, err)
	}

	if s.typ == kInt {
		return b.SetInt(key, v.(int))
	}
	return b.SetString(key, value)
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// ValidKeys returns the names of the keys `config set` accepts.
func ValidKeys() []string {
	var keys []string
	for _, s := range specs {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}
