package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// WritePara renders the keymap in the engine's parameter-file layout, one
// "KEY value" pair per line in key order.
func (c *Config) WritePara(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for _, k := range c.Keys() {
		if _, err := fmt.Fprintf(bw, "%s %s\n", k, c.values[k]); err != nil {
			return err
		}
	}

	return bw.Flush()
}

// WriteParaFile writes the keymap to path, replacing any existing file.
func (c *Config) WriteParaFile(path string) error {
	f, err := os.Create(path) //nolint:gosec // Engine work directory path
	if err != nil {
		return fmt.Errorf("failed to create para file %s: %w", path, err)
	}

	if err := c.WritePara(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write para file %s: %w", path, err)
	}

	return f.Close()
}

// ParsePara reads a parameter file. Text after '#' is ignored; a key without a
// value maps to the empty string.
func ParsePara(r io.Reader) (*Config, error) {
	values := map[string]string{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if idx := strings.Index(line, "#"); idx >= 0 {
			line = line[:idx]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		values[fields[0]] = strings.Join(fields[1:], " ")
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return New(values), nil
}

func loadPara(path string) (*Config, error) {
	f, err := os.Open(path) //nolint:gosec // User-provided config file path
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	defer f.Close()

	cfg, err := ParsePara(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return cfg, nil
}
