package render

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/Paintersrp/stallwatch/internal/engine"
	"github.com/Paintersrp/stallwatch/internal/runtime"
	"github.com/Paintersrp/stallwatch/internal/snapshot"
)

// JSON writes one record per line: every event as it arrives, then the
// report with type "report".
type JSON struct {
	enc    *json.Encoder
	stderr io.Writer
	opts   Options
}

func NewJSON(stdout, stderr io.Writer, opts Options) *JSON {
	return &JSON{enc: json.NewEncoder(stdout), stderr: stderr, opts: opts}
}

func (j *JSON) Event(evt engine.Event) {
	if evt.Type == engine.EventTypeLog {
		if evt.Source == runtime.LogSourceStdout {
			if inferred := inferLogLevel(evt.Message); inferred != "" {
				evt.Level = inferred
			}
		}
		if j.opts.Redact {
			evt.Message = RedactSecrets(evt.Message)
		}
	}
	if evt.Snapshot != nil && j.opts.Redact {
		evt.Snapshot = redactSnapshot(evt.Snapshot)
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	j.encode(&evt)
}

type reportRecord struct {
	Type string `json:"type"`
	*engine.Report
}

func (j *JSON) Report(report *engine.Report) {
	if report == nil {
		return
	}
	if j.opts.Redact && len(report.Snapshots) > 0 {
		copied := *report
		copied.Snapshots = make([]*snapshot.StackSnapshot, len(report.Snapshots))
		for i, snap := range report.Snapshots {
			copied.Snapshots[i] = redactSnapshot(snap)
		}
		report = &copied
	}
	j.encode(reportRecord{Type: "report", Report: report})
}

func (j *JSON) encode(v any) {
	if err := j.enc.Encode(v); err != nil {
		fmt.Fprintf(j.stderr, "error: encode event: %v\n", err)
	}
}

func redactSnapshot(snap *snapshot.StackSnapshot) *snapshot.StackSnapshot {
	copied := *snap
	copied.Frames = make([]snapshot.Frame, len(snap.Frames))
	for i, frame := range snap.Frames {
		if len(frame.Locals) > 0 {
			locals := make([]snapshot.Variable, len(frame.Locals))
			for k, v := range frame.Locals {
				locals[k] = snapshot.Variable{Name: v.Name, Value: RedactLocal(v.Name, v.Value)}
			}
			frame.Locals = locals
		}
		copied.Frames[i] = frame
	}
	return &copied
}

var levelTokenPattern = regexp.MustCompile(`(?i)\b(error|warn|info)\b`)

func inferLogLevel(message string) string {
	matches := levelTokenPattern.FindStringSubmatch(message)
	if len(matches) < 2 {
		return ""
	}
	return strings.ToLower(matches[1])
}
