package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
)

const appDir = "switchyard"

// xdgPath places name inside the switchyard directory of the XDG base
// directory env points at, or of ~/fallback when env is unset.
func xdgPath(env, fallback, name string) string {
	base := os.Getenv(env)
	if base == "" {
		base = "."
		if home, err := os.UserHomeDir(); err == nil {
			base = filepath.Join(home, fallback)
		}
	}
	return filepath.Join(base, appDir, name)
}

func defaultDataDir() string {
	return xdgPath("XDG_DATA_HOME", filepath.Join(".local", "share"), "")
}

func configFilePath() string {
	return xdgPath("XDG_CONFIG_HOME", ".config", "config.json")
}

// fileBackend keeps `config set` values as a flat JSON object keyed by the
// dotted key names. Values stay raw until read so each key is decoded with
// the type its keySpec declares.
type fileBackend struct {
	path   string
	values map[string]json.RawMessage
}

// openFileBackend loads path. A missing file is an empty config; an
// unreadable or corrupt one is logged and treated as empty so the defaults
// apply.
func openFileBackend(path string) *fileBackend {
	b := &fileBackend{path: path, values: make(map[string]json.RawMessage)}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return b
	}
	if err != nil {
		slog.Warn("config file unreadable, using defaults", "path", path, "error", err)
		return b
	}
	if err := json.Unmarshal(data, &b.values); err != nil {
		slog.Warn("config file is not valid JSON, using defaults", "path", path, "error", err)
		b.values = make(map[string]json.RawMessage)
		return b
	}

	for key := range b.values {
		s, ok := lookupSpec(key)
		switch {
		case !ok:
			slog.Warn("ignoring unknown config key", "path", path, "key", key)
		case s.secret:
			slog.Warn("ignoring secret in config file", "path", path, "key", key, "env", s.env)
		}
	}
	return b
}

// GetString returns a JSON string as-is and any other JSON literal as its
// source text, so "0.6" and 0.6 read the same.
func (b *fileBackend) GetString(key string) (string, bool, error) {
	raw, ok := b.values[key]
	if !ok {
		return "", false, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true, nil
	}
	return string(raw), true, nil
}

func (b *fileBackend) GetInt(key string) (int, bool, error) {
	s, ok, _ := b.GetString(key)
	if !ok {
		return 0, false, nil
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, true, fmt.Errorf("%s: %q is not an integer", key, s)
	}
	return i, true, nil
}

func (b *fileBackend) SetString(key, val string) error {
	return b.set(key, val)
}

func (b *fileBackend) SetInt(key string, val int) error {
	return b.set(key, val)
}

func (b *fileBackend) Delete(key string) error {
	if _, ok := b.values[key]; !ok {
		return nil
	}
	delete(b.values, key)
	return b.save()
}

func (b *fileBackend) set(key string, val any) error {
	raw, err := json.Marshal(val)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	b.values[key] = raw
	return b.save()
}

// save replaces the file through a temp file in the same directory so a
// crash mid-write leaves the previous config intact.
func (b *fileBackend) save() error {
	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := json.MarshalIndent(b.values, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return fmt.Errorf("creating temp config: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("writing config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return os.Rename(tmp.Name(), b.path)
}
