package metrics_test

import (
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Paintersrp/stallwatch/internal/metrics"
)

func TestRegistryExposesMetrics(t *testing.T) {
	metrics.EmitBuildInfo()
	metrics.IncStalls()
	metrics.ObserveTermination("Terminated")
	metrics.ObserveTermination("Terminated")
	metrics.ObserveSnapshot("parked", 3)
	metrics.ObserveRun("Terminated", 1500*time.Millisecond)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}).ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("unexpected status code from metrics handler: %d", rec.Code)
	}

	body := rec.Body.String()
	for _, line := range []string{
		`stallwatch_terminations_total{outcome="Terminated"} 2`,
		`stallwatch_snapshots_total{consistency="parked"} 1`,
		`stallwatch_runs_total{state="Terminated"} 1`,
		"stallwatch_stalls_total 1",
	} {
		if !strings.Contains(body, line) {
			t.Fatalf("expected metric line %q in body:\n%s", line, body)
		}
	}

	if !strings.Contains(body, "stallwatch_build_info{") {
		t.Fatalf("expected build info metric in body:\n%s", body)
	}
	if !strings.Contains(body, "go_version=") {
		t.Fatalf("expected go_version label on build info metric:\n%s", body)
	}
}

func TestWriteTextfile(t *testing.T) {
	metrics.ObserveSnapshot("safepoint", 1)

	path := filepath.Join(t.TempDir(), "stallwatch.prom")
	if err := metrics.WriteTextfile(path); err != nil {
		t.Fatalf("write textfile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read textfile: %v", err)
	}
	if !strings.Contains(string(data), `stallwatch_snapshots_total{consistency="safepoint"}`) {
		t.Fatalf("textfile is missing snapshot counter:\n%s", data)
	}
}
