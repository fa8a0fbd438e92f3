package render

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Paintersrp/stallwatch/internal/engine"
	"github.com/Paintersrp/stallwatch/internal/runtime"
	"github.com/Paintersrp/stallwatch/internal/snapshot"
	"github.com/Paintersrp/stallwatch/internal/terminate"
)

const timeRounding = time.Millisecond

const (
	ansiReset     = "\033[0m"
	ansiRed       = "\033[1;31m"
	ansiGreen     = "\033[1;32m"
	ansiYellow    = "\033[1;33m"
	ansiBlue      = "\033[1;34m"
	ansiMagenta   = "\033[1;35m"
	ansiCyan      = "\033[1;36m"
	ansiGray      = "\033[1;90m"
	ansiHighlight = "\033[48;2;100;181;246m\033[38;2;227;242;253m"
)

// Text renders events as human readable lines. Task output goes to stdout
// or stderr as the task wrote it; supervisor messages are tagged.
type Text struct {
	out    io.Writer
	errOut io.Writer
	opts   Options
}

func NewText(stdout, stderr io.Writer, opts Options) *Text {
	return &Text{out: stdout, errOut: stderr, opts: opts}
}

func (t *Text) paint(style, s string) string {
	if !t.opts.Color {
		return s
	}
	return style + s + ansiReset
}

func (t *Text) tag(style, label, format string, args ...any) {
	fmt.Fprintf(t.out, "%s %s\n", t.paint(style, "["+label+"]"), fmt.Sprintf(format, args...))
}

func (t *Text) Event(evt engine.Event) {
	switch evt.Type {
	case engine.EventTypeLog:
		t.log(evt)
	case engine.EventTypeState:
		t.state(evt)
	case engine.EventTypeSnapshot:
		t.Snapshot(evt.Snapshot)
	case engine.EventTypeError:
		if evt.Reason == engine.ReasonSnapshotUnavailable {
			fmt.Fprintf(t.out, "%s: stack of %s not found, it may have exited.\n", t.paint(ansiRed, "error"), evt.Unit)
			return
		}
		fmt.Fprintf(t.out, "%s: %s\n", t.paint(ansiRed, "error"), evt.Message)
	case engine.EventTypeOutcome:
		switch evt.Outcome {
		case terminate.OutcomeNotFound:
			fmt.Fprintf(t.out, "Force termination failed: %s not found.\n", evt.Unit)
		case terminate.OutcomeUnsafe:
			fmt.Fprintln(t.out, "Force termination error: multiple units affected, recovered.")
		}
	}
}

func (t *Text) log(evt engine.Event) {
	msg := evt.Message
	if t.opts.Redact {
		msg = RedactSecrets(msg)
	}
	switch evt.Source {
	case runtime.LogSourceStderr:
		fmt.Fprintln(t.errOut, msg)
	case runtime.LogSourceSystem:
		t.tag(ansiYellow, "WARN", "%s", msg)
	default:
		fmt.Fprintln(t.out, msg)
	}
}

func (t *Text) state(evt engine.Event) {
	switch evt.State {
	case engine.StateRunning:
		t.tag(ansiBlue, "INFO", "Script started on %s, press Ctrl+C to interrupt.", evt.Unit)
	case engine.StateStalled:
		fmt.Fprintln(t.out)
		t.tag(ansiYellow, "WARN", "Ctrl+C detected, capturing the script's stacks...")
	case engine.StateInterrupting:
		t.tag(ansiRed, "ALERT", "About to force terminate the script...")
	case engine.StateTerminated:
		t.tag(ansiGreen, "SUCCESS", "Script has exited.")
	case engine.StateTerminationFailed:
		t.tag(ansiRed, "ERROR", "Script failed to exit (%s).", strings.ReplaceAll(evt.Reason, "_", " "))
	}
}

// Snapshot prints one captured stack, innermost frame first.
func (t *Text) Snapshot(snap *snapshot.StackSnapshot) {
	if snap == nil {
		return
	}
	fmt.Fprintln(t.out)
	fmt.Fprintln(t.out, t.paint(ansiBlue, fmt.Sprintf("╔═══ Stack Trace Captured (%s, %s) ═══╗", snap.Handle, snap.Consistency)))
	bar := t.paint(ansiGray, "|")
	branch := t.paint(ansiGray, "└─")
	for i, frame := range snap.Frames {
		fmt.Fprintf(t.out, "\n%s: at %s\n", t.paint(ansiCyan, fmt.Sprintf("%2d", i)), t.paint(ansiYellow, fmt.Sprintf("%s:%d", frame.File, frame.Line)))
		fmt.Fprintf(t.out, "     %s in %s\n", branch, t.paint(ansiGreen, frame.Function))
		if len(frame.Locals) > 0 {
			fmt.Fprintf(t.out, "     %s Local Variables:\n", branch)
			for _, v := range frame.Locals {
				value := v.Value
				if t.opts.Redact {
					value = RedactLocal(v.Name, value)
				}
				fmt.Fprintf(t.out, "       %s %s = %s\n", bar, t.paint(ansiMagenta, v.Name), value)
			}
		}
		if len(frame.Context) > 0 {
			fmt.Fprintf(t.out, "     %s Source Context:\n", branch)
			fmt.Fprintf(t.out, "       %s\n", bar)
			for _, line := range frame.Context {
				fmt.Fprintf(t.out, "       %s %s\n", bar, t.sourceLine(line))
			}
			fmt.Fprintf(t.out, "       %s\n", bar)
		}
	}
	fmt.Fprintln(t.out, t.paint(ansiBlue, "╚════════════════════════════════════╝"))
	fmt.Fprintln(t.out)
}

func (t *Text) sourceLine(line snapshot.SourceLine) string {
	prefix := "    "
	if line.Current {
		prefix = "  > "
	}
	gutter := t.paint(ansiGray, fmt.Sprintf("%s%4d|", prefix, line.Number))
	if line.Current {
		return gutter + " " + t.paint(ansiHighlight, line.Text)
	}
	return gutter + " " + line.Text
}

func (t *Text) Report(report *engine.Report) {
	if report == nil {
		return
	}
	if report.TaskErr != "" {
		t.tag(ansiRed, "ERROR", "Script raised: %s", report.TaskErr)
	}
	t.tag(ansiBlue, "INFO", "Main script ended (%s, %s).", report.State, report.Duration.Round(timeRounding))
}
