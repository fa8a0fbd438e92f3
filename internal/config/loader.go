package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "STALLWATCH_"

// Load reads a configuration file, applies STALLWATCH_* overrides and
// defaults, and validates the result. An empty path loads the defaults.
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (*Config, error) {
	var cfg Config
	source := "defaults"
	if strings.TrimSpace(path) != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		f, err := os.Open(absPath)
		if err != nil {
			return nil, fmt.Errorf("open config file: %w", err)
		}
		defer f.Close()

		decoder := yaml.NewDecoder(f)
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%s: decode: %w", absPath, err)
		}
		cfg.Metrics.Textfile = os.ExpandEnv(cfg.Metrics.Textfile)
		source = absPath
	}

	if err := applyEnv(&cfg, lookup); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", source, err)
	}
	return &cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	get := func(name string) (string, bool) {
		value, ok := lookup(EnvPrefix + name)
		if !ok {
			return "", false
		}
		return strings.TrimSpace(value), true
	}
	duration := func(name string, dst *Duration) error {
		value, ok := get(name)
		if !ok {
			return nil
		}
		if err := dst.UnmarshalText([]byte(value)); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		return nil
	}
	boolean := func(name string, dst *bool) error {
		value, ok := get(name)
		if !ok || value == "" {
			return nil
		}
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%s%s: invalid boolean %q", EnvPrefix, name, value)
		}
		*dst = parsed
		return nil
	}

	if err := duration("POLL_INTERVAL", &cfg.PollInterval); err != nil {
		return err
	}
	if err := duration("CONFIRM_TIMEOUT", &cfg.ConfirmTimeout); err != nil {
		return err
	}
	if err := duration("CAPTURE_WAIT", &cfg.Snapshot.CaptureWait); err != nil {
		return err
	}
	if value, ok := get("STOP_KIND"); ok {
		cfg.StopKind = value
	}
	if value, ok := get("CONTEXT_LINES"); ok {
		lines, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%sCONTEXT_LINES: invalid integer %q", EnvPrefix, value)
		}
		cfg.Snapshot.ContextLines = &lines
	}
	if value, ok := get("MAX_VALUE_LENGTH"); ok {
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%sMAX_VALUE_LENGTH: invalid integer %q", EnvPrefix, value)
		}
		cfg.Snapshot.MaxValueLength = n
	}
	if value, ok := get("LOG_BUFFER"); ok {
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%sLOG_BUFFER: invalid integer %q", EnvPrefix, value)
		}
		cfg.Output.LogBuffer = n
	}
	if value, ok := get("OUTPUT"); ok {
		cfg.Output.Format = value
	}
	if value, ok := get("COLOR"); ok {
		cfg.Output.Color = value
	}
	if value, ok := get("METRICS_TEXTFILE"); ok {
		cfg.Metrics.Textfile = value
	}
	if value, ok := get("LISTEN"); ok {
		cfg.Control.Listen = value
	}
	if err := boolean("PAUSE", &cfg.Output.Pause); err != nil {
		return err
	}
	if err := boolean("REDACT", &cfg.Output.Redact); err != nil {
		return err
	}
	if err := boolean("VERBOSE", &cfg.Logging.Verbose); err != nil {
		return err
	}
	return boolean("LOG_JSON", &cfg.Logging.JSON)
}

// Encode writes cfg as YAML.
func Encode(w io.Writer, cfg *Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}
