package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Paintersrp/stallwatch/internal/runtime"
)

const (
	DefaultPollInterval   = time.Second
	DefaultConfirmTimeout = 2 * time.Second
	DefaultContextLines   = 2
	DefaultMaxValueLength = 50
	DefaultCaptureWait    = 500 * time.Millisecond
	DefaultLogBuffer      = 64
)

// Output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Color modes.
const (
	ColorAuto   = "auto"
	ColorAlways = "always"
	ColorNever  = "never"
)

// Duration wraps time.Duration for YAML unmarshalling.
type Duration struct {
	time.Duration
	explicit bool
}

// UnmarshalText parses a textual duration, accepting empty strings.
func (d *Duration) UnmarshalText(text []byte) error {
	d.explicit = true
	if len(text) == 0 {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = dur
	return nil
}

// MarshalText renders the duration using time.Duration formatting.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// IsSet reports whether the duration was explicitly provided or non-zero.
func (d Duration) IsSet() bool {
	return d.explicit || d.Duration != 0
}

// Config mirrors the stallwatch.yaml document structure.
type Config struct {
	PollInterval   Duration       `yaml:"pollInterval"`
	ConfirmTimeout Duration       `yaml:"confirmTimeout"`
	StopKind       string         `yaml:"stopKind"`
	Snapshot       SnapshotConfig `yaml:"snapshot"`
	Output         OutputConfig   `yaml:"output"`
	Logging        LoggingConfig  `yaml:"logging"`
	Metrics        MetricsConfig  `yaml:"metrics"`
	Control        ControlConfig  `yaml:"control"`
}

// SnapshotConfig controls how captured stacks are rendered.
type SnapshotConfig struct {
	ContextLines   *int     `yaml:"contextLines"`
	MaxValueLength int      `yaml:"maxValueLength"`
	CaptureWait    Duration `yaml:"captureWait"`
}

type OutputConfig struct {
	Format string `yaml:"format"`
	Color  string `yaml:"color"`
	Pause  bool   `yaml:"pause"`
	// Redact masks secret-looking locals and output values.
	Redact bool `yaml:"redact"`
	// LogBuffer is the number of output lines buffered per execution unit
	// before the unit blocks on print.
	LogBuffer int `yaml:"logBuffer"`
}

type LoggingConfig struct {
	Verbose bool `yaml:"verbose"`
	JSON    bool `yaml:"json"`
}

type MetricsConfig struct {
	Textfile string `yaml:"textfile"`
}

// ControlConfig enables the HTTP control endpoint. An empty Listen address
// keeps it off.
type ControlConfig struct {
	Listen string `yaml:"listen"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills every unset field.
func (c *Config) ApplyDefaults() {
	if !c.PollInterval.IsSet() {
		c.PollInterval.Duration = DefaultPollInterval
	}
	if !c.ConfirmTimeout.IsSet() {
		c.ConfirmTimeout.Duration = DefaultConfirmTimeout
	}
	c.StopKind = strings.ToLower(strings.TrimSpace(c.StopKind))
	if c.StopKind == "" {
		c.StopKind = string(runtime.StopSignal)
	}
	if c.Snapshot.ContextLines == nil {
		lines := DefaultContextLines
		c.Snapshot.ContextLines = &lines
	}
	if c.Snapshot.MaxValueLength == 0 {
		c.Snapshot.MaxValueLength = DefaultMaxValueLength
	}
	if !c.Snapshot.CaptureWait.IsSet() {
		c.Snapshot.CaptureWait.Duration = DefaultCaptureWait
	}
	c.Output.Format = strings.ToLower(strings.TrimSpace(c.Output.Format))
	if c.Output.Format == "" {
		c.Output.Format = FormatText
	}
	c.Output.Color = strings.ToLower(strings.TrimSpace(c.Output.Color))
	if c.Output.Color == "" {
		c.Output.Color = ColorAuto
	}
	if c.Output.LogBuffer == 0 {
		c.Output.LogBuffer = DefaultLogBuffer
	}
}

// Validate checks the configuration, naming the offending field.
func (c *Config) Validate() error {
	if c.PollInterval.Duration <= 0 {
		return fmt.Errorf("%s: must be positive", fieldPath("pollInterval"))
	}
	if c.ConfirmTimeout.Duration <= 0 {
		return fmt.Errorf("%s: must be positive", fieldPath("confirmTimeout"))
	}
	if _, err := runtime.ParseStopKind(c.StopKind); err != nil {
		return fmt.Errorf("%s: %w", fieldPath("stopKind"), err)
	}
	if c.Snapshot.ContextLines != nil && *c.Snapshot.ContextLines < 0 {
		return fmt.Errorf("%s: must be non-negative", fieldPath("snapshot", "contextLines"))
	}
	if c.Snapshot.MaxValueLength < 4 {
		return fmt.Errorf("%s: must be at least 4", fieldPath("snapshot", "maxValueLength"))
	}
	if c.Snapshot.CaptureWait.Duration < 0 {
		return fmt.Errorf("%s: must be non-negative", fieldPath("snapshot", "captureWait"))
	}
	switch c.Output.Format {
	case FormatText, FormatJSON:
	default:
		return fmt.Errorf("%s: unsupported format %q (want %s or %s)", fieldPath("output", "format"), c.Output.Format, FormatText, FormatJSON)
	}
	switch c.Output.Color {
	case ColorAuto, ColorAlways, ColorNever:
	default:
		return fmt.Errorf("%s: unsupported color mode %q", fieldPath("output", "color"), c.Output.Color)
	}
	if c.Output.LogBuffer < 1 {
		return fmt.Errorf("%s: must be positive", fieldPath("output", "logBuffer"))
	}
	return nil
}

// ContextLines returns the configured number of source lines around the
// current line.
func (c *Config) ContextLines() int {
	if c.Snapshot.ContextLines == nil {
		return DefaultContextLines
	}
	return *c.Snapshot.ContextLines
}

func fieldPath(parts ...string) string {
	return strings.Join(parts, ".")
}
