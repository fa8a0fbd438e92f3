package metrics

import (
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "stallwatch"

var (
	registry = prometheus.NewRegistry()

	runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "runs_total",
		Help:      "Supervised runs by final supervisor state.",
	}, []string{"state"})

	stallsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stalls_total",
		Help:      "Stall signals received while a task was running.",
	})

	terminationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "terminations_total",
		Help:      "Forced termination attempts by outcome.",
	}, []string{"outcome"})

	snapshotsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "snapshots_total",
		Help:      "Stack snapshots taken by capture consistency.",
	}, []string{"consistency"})

	snapshotFrames = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "snapshot_frames",
		Help:      "Number of frames in captured stack snapshots.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 8),
	})

	taskDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "task_duration_seconds",
		Help:      "Time from task start until the supervisor reached a final state.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
	})

	buildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Build metadata for the running stallwatch binary.",
	}, []string{"go_version", "vcs", "vcs_revision", "vcs_time", "vcs_modified"})

	buildInfoOnce sync.Once
)

func init() {
	registry.MustRegister(runsTotal, stallsTotal, terminationsTotal, snapshotsTotal, snapshotFrames, taskDuration, buildInfo)
}

// Registry returns the Prometheus registry containing all stallwatch metrics.
func Registry() *prometheus.Registry {
	return registry
}

// ObserveRun records the final state of a run and how long it took.
func ObserveRun(state string, d time.Duration) {
	if state == "" {
		state = "unknown"
	}
	runsTotal.WithLabelValues(state).Inc()
	taskDuration.Observe(d.Seconds())
}

func IncStalls() {
	stallsTotal.Inc()
}

// ObserveTermination counts a termination attempt.
func ObserveTermination(outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	terminationsTotal.WithLabelValues(outcome).Inc()
}

// ObserveSnapshot records a captured snapshot.
func ObserveSnapshot(consistency string, frames int) {
	if consistency == "" {
		consistency = "unknown"
	}
	snapshotsTotal.WithLabelValues(consistency).Inc()
	snapshotFrames.Observe(float64(frames))
}

// WriteTextfile writes every registered metric to path in the text
// exposition format, for node_exporter's textfile collector.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, registry)
}

// EmitBuildInfo publishes build metadata about the running binary.
func EmitBuildInfo() {
	buildInfoOnce.Do(func() {
		labels := prometheus.Labels{
			"go_version":   runtime.Version(),
			"vcs":          "",
			"vcs_revision": "",
			"vcs_time":     "",
			"vcs_modified": "",
		}
		if info, ok := debug.ReadBuildInfo(); ok {
			if info.GoVersion != "" {
				labels["go_version"] = info.GoVersion
			}
			for _, setting := range info.Settings {
				switch setting.Key {
				case "vcs":
					labels["vcs"] = setting.Value
				case "vcs.revision":
					labels["vcs_revision"] = setting.Value
				case "vcs.time":
					labels["vcs_time"] = setting.Value
				case "vcs.modified":
					labels["vcs_modified"] = setting.Value
				}
			}
		}
		buildInfo.With(labels).Set(1)
	})
}

// BuildSetting returns a single VCS setting of the binary, empty if absent.
func BuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}
