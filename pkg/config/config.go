// Package config holds the photo-z engine keymap: a flat, immutable mapping of
// engine keys to string values, with explicit merge layers for per-population
// overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// Config is an immutable engine keymap. The zero value is an empty keymap.
type Config struct {
	values map[string]string
}

// New creates a Config from a map. The map is copied.
func New(values map[string]string) *Config {
	c := &Config{values: make(map[string]string, len(values))}
	for k, v := range values {
		c.values[strings.ToUpper(strings.TrimSpace(k))] = v
	}

	return c
}

// Load returns the keymap stored in a JSON (or engine .para) file, or the default
// Roman keymap when path is empty.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}

	if strings.EqualFold(filepath.Ext(path), ".para") {
		return loadPara(path)
	}

	data, err := os.ReadFile(path) //nolint:gosec // User-provided config file path
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	raw := map[string]any{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	values := make(map[string]string, len(raw))
	for k, v := range raw {
		switch tv := v.(type) {
		case string:
			values[k] = tv
		default:
			// numbers and booleans are accepted and stored in their JSON form
			b, _ := json.Marshal(tv)
			values[k] = string(b)
		}
	}

	return New(values), nil
}

// Get returns the value for key and whether it is set.
func (c *Config) Get(key string) (string, bool) {
	if c == nil {
		return "", false
	}
	v, ok := c.values[strings.ToUpper(key)]

	return v, ok
}

// Value returns the value for key, or an empty string.
func (c *Config) Value(key string) string {
	v, _ := c.Get(key)
	return v
}

// Require returns the value for key or ErrKeyMissing.
func (c *Config) Require(key string) (string, error) {
	v, ok := c.Get(key)
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %s", ErrKeyMissing, key)
	}

	return v, nil
}

// Keys returns all keys in sorted order.
func (c *Config) Keys() []string {
	if c == nil {
		return nil
	}
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return keys
}

// Map returns a copy of the keymap.
func (c *Config) Map() map[string]string {
	if c == nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}

	return out
}

// Merge returns a new Config with overrides applied on top of c. Neither c nor
// overrides is modified.
func (c *Config) Merge(overrides map[string]string) *Config {
	merged := c.Map()
	for k, v := range overrides {
		merged[strings.ToUpper(k)] = v
	}

	return New(merged)
}

// FilterFiles returns the entries of FILTER_LIST in order.
func (c *Config) FilterFiles() ([]string, error) {
	raw := strings.TrimSpace(c.Value("FILTER_LIST"))
	if raw == "" {
		return nil, ErrFilterListMissing
	}

	parts := strings.Split(raw, ",")
	files := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			files = append(files, p)
		}
	}
	if len(files) == 0 {
		return nil, ErrFilterListMissing
	}

	return files, nil
}

// FilterCodes returns the band codes encoded in FILTER_LIST, e.g.
// "roman/roman_F062.pb" becomes "F062".
func (c *Config) FilterCodes() ([]string, error) {
	files, err := c.FilterFiles()
	if err != nil {
		return nil, err
	}

	codes := make([]string, len(files))
	for i, f := range files {
		codes[i] = FilterCode(f)
	}

	return codes, nil
}

// FilterCode extracts the band code from a transmission file name.
func FilterCode(file string) string {
	name := strings.TrimSuffix(path.Base(file), path.Ext(file))
	if idx := strings.LastIndex(name, "_"); idx >= 0 {
		name = name[idx+1:]
	}
	name = strings.TrimPrefix(name, "roman")

	return strings.ToUpper(name)
}
