package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stallwatch.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func noEnv(string) (string, bool) { return "", false }

func envMap(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load("", noEnv)
	if err != nil {
		t.Fatalf("load returned error: %v", err)
	}
	if cfg.PollInterval.Duration != DefaultPollInterval {
		t.Fatalf("unexpected poll interval %s", cfg.PollInterval.Duration)
	}
	if cfg.ConfirmTimeout.Duration != 2*time.Second {
		t.Fatalf("unexpected confirm timeout %s", cfg.ConfirmTimeout.Duration)
	}
	if cfg.StopKind != "stop" {
		t.Fatalf("unexpected stop kind %q", cfg.StopKind)
	}
	if cfg.ContextLines() != 2 || cfg.Snapshot.MaxValueLength != 50 {
		t.Fatalf("unexpected snapshot defaults %+v", cfg.Snapshot)
	}
	if cfg.Output.Format != FormatText || cfg.Output.Color != ColorAuto || cfg.Output.LogBuffer != DefaultLogBuffer {
		t.Fatalf("unexpected output defaults %+v", cfg.Output)
	}
}

func TestLoadFile(t *testing.T) {
	t.Setenv("METRICS_DIR", "/var/lib/node_exporter")
	path := writeConfig(t, `pollInterval: 250ms
confirmTimeout: 5s
stopKind: Interrupt
snapshot:
  contextLines: 0
  maxValueLength: 80
output:
  format: json
  color: never
metrics:
  textfile: ${METRICS_DIR}/stallwatch.prom
`)

	cfg, err := load(path, noEnv)
	if err != nil {
		t.Fatalf("load returned error: %v", err)
	}
	if cfg.PollInterval.Duration != 250*time.Millisecond {
		t.Fatalf("unexpected poll interval %s", cfg.PollInterval.Duration)
	}
	if cfg.ConfirmTimeout.Duration != 5*time.Second {
		t.Fatalf("unexpected confirm timeout %s", cfg.ConfirmTimeout.Duration)
	}
	if cfg.StopKind != "interrupt" {
		t.Fatalf("stop kind not normalized: %q", cfg.StopKind)
	}
	if cfg.ContextLines() != 0 {
		t.Fatalf("explicit zero context lines lost: %d", cfg.ContextLines())
	}
	if cfg.Snapshot.MaxValueLength != 80 {
		t.Fatalf("unexpected max value length %d", cfg.Snapshot.MaxValueLength)
	}
	if cfg.Output.Format != FormatJSON || cfg.Output.Color != ColorNever {
		t.Fatalf("unexpected output %+v", cfg.Output)
	}
	if got, want := cfg.Metrics.Textfile, "/var/lib/node_exporter/stallwatch.prom"; got != want {
		t.Fatalf("textfile not expanded: got %q want %q", got, want)
	}
}

func TestLoadEmptyFileUsesDefaults(t *testing.T) {
	cfg, err := load(writeConfig(t, ""), noEnv)
	if err != nil {
		t.Fatalf("load returned error: %v", err)
	}
	if cfg.PollInterval.Duration != DefaultPollInterval {
		t.Fatalf("unexpected poll interval %s", cfg.PollInterval.Duration)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := load(writeConfig(t, "pollIntervall: 1s\n"), noEnv)
	if err == nil {
		t.Fatalf("expected unknown field to fail")
	}
	if !strings.Contains(err.Error(), "pollIntervall") {
		t.Fatalf("error does not name the field: %v", err)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "pollInterval: 3s\noutput:\n  format: json\n")
	cfg, err := load(path, envMap(map[string]string{
		"STALLWATCH_POLL_INTERVAL": "100ms",
		"STALLWATCH_STOP_KIND":     "interrupt",
		"STALLWATCH_CONTEXT_LINES": "4",
		"STALLWATCH_OUTPUT":        "text",
		"STALLWATCH_VERBOSE":       "true",
		"STALLWATCH_LISTEN":        ":7664",
		"STALLWATCH_LOG_BUFFER":    "256",
	}))
	if err != nil {
		t.Fatalf("load returned error: %v", err)
	}
	if cfg.PollInterval.Duration != 100*time.Millisecond {
		t.Fatalf("env did not override poll interval: %s", cfg.PollInterval.Duration)
	}
	if cfg.StopKind != "interrupt" || cfg.ContextLines() != 4 || cfg.Output.Format != FormatText {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if !cfg.Logging.Verbose {
		t.Fatalf("expected verbose from env")
	}
	if cfg.Control.Listen != ":7664" {
		t.Fatalf("expected listen address from env, got %q", cfg.Control.Listen)
	}
	if cfg.Output.LogBuffer != 256 {
		t.Fatalf("expected log buffer from env, got %d", cfg.Output.LogBuffer)
	}
}

func TestEnvRejectsMalformedValues(t *testing.T) {
	cases := map[string]string{
		"STALLWATCH_POLL_INTERVAL": "soon",
		"STALLWATCH_CONTEXT_LINES": "two",
		"STALLWATCH_VERBOSE":       "loud",
		"STALLWATCH_LOG_BUFFER":    "lots",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			_, err := load("", envMap(map[string]string{key: value}))
			if err == nil {
				t.Fatalf("expected %s=%s to fail", key, value)
			}
			if !strings.Contains(err.Error(), key) {
				t.Fatalf("error does not name %s: %v", key, err)
			}
		})
	}
}

func TestValidateNamesField(t *testing.T) {
	cases := map[string]struct {
		body  string
		field string
	}{
		"negative poll":    {body: "pollInterval: -1s\n", field: "pollInterval"},
		"stop kind":        {body: "stopKind: kill\n", field: "stopKind"},
		"context lines":    {body: "snapshot:\n  contextLines: -1\n", field: "snapshot.contextLines"},
		"max value length": {body: "snapshot:\n  maxValueLength: 2\n", field: "snapshot.maxValueLength"},
		"output format":    {body: "output:\n  format: xml\n", field: "output.format"},
		"color mode":       {body: "output:\n  color: rainbow\n", field: "output.color"},
		"log buffer":       {body: "output:\n  logBuffer: -4\n", field: "output.logBuffer"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := load(writeConfig(t, tc.body), noEnv)
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.field+":") {
				t.Fatalf("error does not name %s: %v", tc.field, err)
			}
		})
	}
}

func TestEncodeRoundTrips(t *testing.T) {
	cfg := Default()
	var buf bytes.Buffer
	if err := Encode(&buf, cfg); err != nil {
		t.Fatalf("encode: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"pollInterval: 1s", "confirmTimeout: 2s", "contextLines: 2", "format: text"} {
		if !strings.Contains(out, want) {
			t.Fatalf("encoded config missing %q:\n%s", want, out)
		}
	}

	cfg2, err := load(writeConfig(t, out), noEnv)
	if err != nil {
		t.Fatalf("reload encoded config: %v", err)
	}
	if cfg2.PollInterval.Duration != cfg.PollInterval.Duration || cfg2.ContextLines() != cfg.ContextLines() {
		t.Fatalf("round trip mismatch: %+v vs %+v", cfg2, cfg)
	}
}
