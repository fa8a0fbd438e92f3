package tui

import (
	"strings"
	"testing"

	"github.com/Paintersrp/stallwatch/internal/engine"
	"github.com/Paintersrp/stallwatch/internal/runtime"
	"github.com/Paintersrp/stallwatch/internal/snapshot"
)

func sampleReport() *engine.Report {
	main := &snapshot.StackSnapshot{
		Handle:      1,
		Consistency: runtime.ConsistencyParked,
		Frames: []snapshot.Frame{
			{
				File:     "/srv/job.lua",
				Line:     4,
				Function: "worker",
				Locals: []snapshot.Variable{
					{Name: "first", Value: `lock "a" (held by unit-1)`},
					{Name: "api_key", Value: "abcd"},
				},
				Context: []snapshot.SourceLine{
					{Number: 3, Text: "    task.sleep(0.05)"},
					{Number: 4, Text: "    second:with(function() end)", Current: true},
				},
			},
			{File: "/srv/job.lua", Line: 9, Function: "main chunk"},
		},
	}
	spawned := &snapshot.StackSnapshot{
		Handle:      2,
		Consistency: runtime.ConsistencySafePoint,
		Frames:      []snapshot.Frame{{File: "/srv/other.lua", Line: 2, Function: "spin"}},
	}
	return &engine.Report{
		State:     engine.StateTerminated,
		Snapshots: []*snapshot.StackSnapshot{main, spawned},
	}
}

func TestRowsCoverEveryFrame(t *testing.T) {
	ui := New(sampleReport())
	if got := len(ui.visible); got != 3 {
		t.Fatalf("expected 3 visible frames, got %d", got)
	}
	if got := ui.table.GetCell(1, 2).Text; got != "worker" {
		t.Fatalf("expected first row to be the innermost frame, got %q", got)
	}
	if got := ui.table.GetCell(3, 0).Text; got != "unit-2" {
		t.Fatalf("expected spawned unit last, got %q", got)
	}
	if got := ui.table.GetCell(3, 4).Text; got != "safepoint" {
		t.Fatalf("unexpected capture column %q", got)
	}
}

func TestDetailShowsSelectedFrame(t *testing.T) {
	ui := New(sampleReport(), WithRedaction(true))

	text := ui.detail.GetText(true)
	for _, want := range []string{
		"/srv/job.lua:4 in worker",
		"api_key = ",
		"redacted",
		" > ",
		"second:with(function() end)",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("detail missing %q:\n%s", want, text)
		}
	}
	if strings.Contains(text, "abcd") {
		t.Fatalf("secret local leaked:\n%s", text)
	}

	ui.syncSelection(2)
	ui.renderDetailLocked()
	if text := ui.detail.GetText(true); !strings.Contains(text, "in main chunk") {
		t.Fatalf("expected main chunk frame after selection change:\n%s", text)
	}
}

func TestFilterNarrowsRows(t *testing.T) {
	ui := New(sampleReport())

	if err := ui.applyFilter("spin|other"); err != nil {
		t.Fatalf("applyFilter returned error: %v", err)
	}
	if got := len(ui.visible); got != 1 {
		t.Fatalf("expected 1 visible frame, got %d", got)
	}
	if got := ui.table.GetCell(1, 2).Text; got != "spin" {
		t.Fatalf("unexpected filtered row %q", got)
	}
	if !strings.Contains(ui.table.GetTitle(), "/spin|other/") {
		t.Fatalf("filter missing from title: %q", ui.table.GetTitle())
	}

	if err := ui.applyFilter("("); err == nil {
		t.Fatalf("expected invalid expression to fail")
	}
	if got := len(ui.visible); got != 1 {
		t.Fatalf("invalid filter must keep the previous rows, got %d", got)
	}

	if err := ui.applyFilter(""); err != nil {
		t.Fatalf("clearing filter: %v", err)
	}
	if got := len(ui.visible); got != 3 {
		t.Fatalf("expected all frames after clearing, got %d", got)
	}
}

func TestOutputPaneRetainsRecentLines(t *testing.T) {
	ui := New(sampleReport(), WithMaxLogs(2))
	for _, msg := range []string{"one", "two", "three"} {
		ui.AddLog(engine.Event{Type: engine.EventTypeLog, Unit: 1, Source: runtime.LogSourceStdout, Message: msg})
	}
	ui.AddLog(engine.Event{Type: engine.EventTypeState, State: engine.StateRunning})

	ui.toggleLogs()
	text := ui.detail.GetText(true)
	if strings.Contains(text, "one") || !strings.Contains(text, "two") || !strings.Contains(text, "three") {
		t.Fatalf("unexpected output pane:\n%s", text)
	}
}

func TestEmptyReport(t *testing.T) {
	ui := New(&engine.Report{State: engine.StateCompleted})
	if len(ui.visible) != 0 {
		t.Fatalf("expected no rows")
	}
	if text := ui.detail.GetText(true); !strings.Contains(text, "No stacks were captured (Completed).") {
		t.Fatalf("unexpected detail:\n%s", text)
	}
}
