// Package tui is an interactive browser for the stacks captured during a
// run.
package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/Paintersrp/stallwatch/internal/engine"
	"github.com/Paintersrp/stallwatch/internal/render"
	"github.com/Paintersrp/stallwatch/internal/snapshot"
)

const (
	tableTitle          = "Frames"
	detailTitle         = "Frame"
	logsTitle           = "Output"
	filterPageName      = "filter"
	defaultLogRetention = 500
	maxCellWidth        = 60
)

// Option configures UI behaviour.
type Option func(*UI)

// WithMaxLogs sets the maximum number of output lines retained.
func WithMaxLogs(n int) Option {
	return func(u *UI) {
		if n > 0 {
			u.maxLogs = n
		}
	}
}

// WithRedaction masks secret-looking locals in the detail pane.
func WithRedaction(enabled bool) Option {
	return func(u *UI) {
		u.redact = enabled
	}
}

// UI browses the snapshots of a finished run. Each table row is one frame;
// the lower pane shows the selected frame's locals and source, or the task
// output.
type UI struct {
	app    *tview.Application
	pages  *tview.Pages
	table  *tview.Table
	detail *tview.TextView

	report *engine.Report
	rows   []frameRow
	logs   []engine.Event

	visible     []int
	selected    int
	filter      string
	filterExpr  *regexp.Regexp
	showJSON    bool
	showLogs    bool
	detailFocus bool
	maxLogs     int
	redact      bool

	// selecting is set while the table selection is moved programmatically
	// with mu held; Table.Select calls the change handler synchronously.
	selecting atomic.Bool

	mu       sync.Mutex
	stopOnce sync.Once
	done     chan struct{}
}

type frameRow struct {
	snap  *snapshot.StackSnapshot
	index int
}

func (r frameRow) frame() snapshot.Frame { return r.snap.Frames[r.index] }

// New constructs a browser over report's snapshots.
func New(report *engine.Report, opts ...Option) *UI {
	app := tview.NewApplication()
	table := tview.NewTable().SetFixed(1, 1).SetSelectable(true, false)
	table.SetBorder(true).SetTitle(tableTitle)

	detail := tview.NewTextView().SetDynamicColors(true).SetWrap(false)
	detail.SetBorder(true).SetTitle(detailTitle)

	flex := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(table, 0, 2, true).
		AddItem(detail, 0, 3, false)

	pages := tview.NewPages().AddPage("main", flex, true, true)

	ui := &UI{
		app:     app,
		pages:   pages,
		table:   table,
		detail:  detail,
		report:  report,
		maxLogs: defaultLogRetention,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(ui)
	}
	ui.rows = buildRows(report)

	table.SetSelectionChangedFunc(func(row, column int) {
		if ui.selecting.Load() {
			return
		}
		ui.mu.Lock()
		defer ui.mu.Unlock()
		ui.syncSelection(row)
		ui.renderDetailLocked()
	})

	app.SetRoot(pages, true)
	app.SetInputCapture(ui.handleKey)

	ui.mu.Lock()
	ui.refreshTableLocked()
	ui.renderDetailLocked()
	ui.mu.Unlock()

	return ui
}

func buildRows(report *engine.Report) []frameRow {
	if report == nil {
		return nil
	}
	var rows []frameRow
	for _, snap := range report.Snapshots {
		if snap == nil {
			continue
		}
		for i := range snap.Frames {
			rows = append(rows, frameRow{snap: snap, index: i})
		}
	}
	return rows
}

// AddLog retains a task output line for the output pane.
func (u *UI) AddLog(evt engine.Event) {
	if evt.Type != engine.EventTypeLog {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.logs = append(u.logs, evt)
	if len(u.logs) > u.maxLogs {
		trim := len(u.logs) - u.maxLogs
		u.logs = append([]engine.Event(nil), u.logs[trim:]...)
	}
}

// Done returns a channel that is closed when the UI stops.
func (u *UI) Done() <-chan struct{} {
	return u.done
}

// Run shows the browser until the user quits or ctx is cancelled.
func (u *UI) Run(ctx context.Context) error {
	u.mu.Lock()
	u.refreshTableLocked()
	u.renderDetailLocked()
	u.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		u.Stop()
	}()

	err := u.app.Run()
	u.Stop()
	return err
}

// Stop terminates the application loop.
func (u *UI) Stop() {
	u.stopOnce.Do(func() {
		u.app.Stop()
		close(u.done)
	})
}

func (u *UI) overlayActive() bool {
	name, _ := u.pages.GetFrontPage()
	return name == filterPageName
}

func (u *UI) handleKey(event *tcell.EventKey) *tcell.EventKey {
	if u.overlayActive() {
		return event
	}
	switch event.Key() {
	case tcell.KeyEnter:
		u.toggleFocus()
		return nil
	case tcell.KeyUp, tcell.KeyDown:
		return event
	case tcell.KeyRune:
		switch event.Rune() {
		case 'q', 'Q':
			go u.Stop()
			return nil
		case '/':
			u.showFilterPrompt()
			return nil
		case 'j', 'J':
			u.toggleJSON()
			return nil
		case 'l', 'L':
			u.toggleLogs()
			return nil
		}
	}
	return event
}

func (u *UI) toggleFocus() {
	if u.detailFocus {
		u.app.SetFocus(u.table)
	} else {
		u.app.SetFocus(u.detail)
	}
	u.detailFocus = !u.detailFocus
}

func (u *UI) toggleJSON() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.showJSON = !u.showJSON
	u.renderDetailLocked()
}

func (u *UI) toggleLogs() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.showLogs = !u.showLogs
	u.renderDetailLocked()
}

func (u *UI) showFilterPrompt() {
	u.mu.Lock()
	current := u.filter
	u.mu.Unlock()

	input := tview.NewInputField().
		SetLabel("Regex filter: ").
		SetText(current).
		SetFieldWidth(40)

	form := tview.NewForm().
		AddFormItem(input).
		AddButton("Apply", func() {
			u.applyFilter(input.GetText())
			u.pages.RemovePage(filterPageName)
			u.app.SetFocus(u.table)
		}).
		AddButton("Cancel", func() {
			u.pages.RemovePage(filterPageName)
			u.app.SetFocus(u.table)
		})

	form.SetBorder(true).SetTitle("Filter Frames")

	grid := tview.NewGrid().
		SetColumns(0, 60, 0).
		SetRows(0, 7, 0).
		AddItem(form, 1, 1, 1, 1, 0, 0, true)

	u.pages.AddPage(filterPageName, grid, true, true)
	u.app.SetFocus(input)
}

// applyFilter narrows the table to frames whose function or file matches
// expr. An empty expression clears the filter.
func (u *UI) applyFilter(expr string) error {
	expr = strings.TrimSpace(expr)
	var re *regexp.Regexp
	if expr != "" {
		var err error
		re, err = regexp.Compile(expr)
		if err != nil {
			u.showErrorModal(fmt.Sprintf("Invalid filter: %v", err))
			return err
		}
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	u.filter = expr
	u.filterExpr = re
	u.refreshTableLocked()
	u.renderDetailLocked()
	return nil
}

func (u *UI) showErrorModal(message string) {
	modal := tview.NewModal().
		SetText(message).
		AddButtons([]string{"OK"}).
		SetDoneFunc(func(buttonIndex int, buttonLabel string) {
			u.pages.RemovePage(filterPageName)
			u.app.SetFocus(u.table)
		})

	u.pages.RemovePage(filterPageName)
	u.pages.AddPage(filterPageName, modal, true, true)
}

func (u *UI) refreshTableLocked() {
	u.table.Clear()

	headers := []string{"UNIT", "#", "FUNCTION", "LOCATION", "CAPTURE"}
	for col, header := range headers {
		cell := tview.NewTableCell(header).
			SetSelectable(false).
			SetAttributes(tcell.AttrBold)
		u.table.SetCell(0, col, cell)
	}

	u.visible = u.visible[:0]
	for i, row := range u.rows {
		frame := row.frame()
		if u.filterExpr != nil && !u.filterExpr.MatchString(frame.Function) && !u.filterExpr.MatchString(frame.File) {
			continue
		}
		u.visible = append(u.visible, i)
	}

	if u.filter != "" {
		u.table.SetTitle(fmt.Sprintf("%s /%s/", tableTitle, u.filter))
	} else {
		u.table.SetTitle(tableTitle)
	}

	for pos, idx := range u.visible {
		row := u.rows[idx]
		frame := row.frame()
		values := []string{
			row.snap.Handle.String(),
			fmt.Sprintf("%d", row.index),
			truncate(frame.Function),
			truncate(fmt.Sprintf("%s:%d", frame.File, frame.Line)),
			string(row.snap.Consistency),
		}
		for col, value := range values {
			u.table.SetCell(pos+1, col, tview.NewTableCell(value))
		}
	}

	u.ensureSelectionLocked()
}

func (u *UI) ensureSelectionLocked() {
	u.selecting.Store(true)
	defer u.selecting.Store(false)
	if len(u.visible) == 0 {
		u.selected = -1
		u.table.Select(0, 0)
		return
	}
	pos := 0
	for i, idx := range u.visible {
		if idx == u.selected {
			pos = i
			break
		}
	}
	u.selected = u.visible[pos]
	u.table.Select(pos+1, 0)
}

func (u *UI) syncSelection(row int) {
	if row <= 0 || row-1 >= len(u.visible) {
		return
	}
	u.selected = u.visible[row-1]
}

func (u *UI) renderDetailLocked() {
	u.detail.Clear()
	if u.showLogs {
		u.renderLogsLocked()
		return
	}
	if u.selected < 0 || u.selected >= len(u.rows) {
		u.detail.SetTitle(detailTitle)
		if u.report != nil && len(u.report.Snapshots) == 0 {
			fmt.Fprintf(u.detail, "No stacks were captured (%s).\n", u.report.State)
		}
		return
	}

	row := u.rows[u.selected]
	frame := row.frame()
	if u.redact {
		frame = redactFrame(frame)
	}
	u.detail.SetTitle(fmt.Sprintf("%s (%s #%d)", detailTitle, row.snap.Handle, row.index))

	if u.showJSON {
		data, err := json.MarshalIndent(frame, "", "  ")
		if err != nil {
			fmt.Fprintf(u.detail, "{\"error\":\"%v\"}\n", err)
			return
		}
		fmt.Fprintf(u.detail, "%s\n", tview.Escape(string(data)))
		return
	}

	fmt.Fprintf(u.detail, "[yellow]%s:%d[-] in [green]%s[-]\n", tview.Escape(frame.File), frame.Line, tview.Escape(frame.Function))
	if len(frame.Locals) > 0 {
		fmt.Fprintln(u.detail, "\n[::b]Locals[::-]")
		for _, v := range frame.Locals {
			fmt.Fprintf(u.detail, "  [fuchsia]%s[-] = %s\n", tview.Escape(v.Name), tview.Escape(v.Value))
		}
	}
	if len(frame.Context) > 0 {
		fmt.Fprintln(u.detail, "\n[::b]Source[::-]")
		for _, line := range frame.Context {
			marker := "   "
			if line.Current {
				marker = " > "
			}
			text := tview.Escape(line.Text)
			if line.Current {
				text = "[black:lightblue]" + text + "[-:-]"
			}
			fmt.Fprintf(u.detail, "%s[gray]%4d|[-] %s\n", marker, line.Number, text)
		}
	}
	u.detail.ScrollToBeginning()
}

func (u *UI) renderLogsLocked() {
	u.detail.SetTitle(fmt.Sprintf("%s (%d lines)", logsTitle, len(u.logs)))
	for _, evt := range u.logs {
		msg := evt.Message
		if u.redact {
			msg = render.RedactSecrets(msg)
		}
		fmt.Fprintf(u.detail, "[gray]%s %s[-] %s\n", evt.Unit, evt.Source, tview.Escape(msg))
	}
	u.detail.ScrollToEnd()
}

func redactFrame(frame snapshot.Frame) snapshot.Frame {
	if len(frame.Locals) == 0 {
		return frame
	}
	locals := make([]snapshot.Variable, len(frame.Locals))
	for i, v := range frame.Locals {
		locals[i] = snapshot.Variable{Name: v.Name, Value: render.RedactLocal(v.Name, v.Value)}
	}
	frame.Locals = locals
	return frame
}

func truncate(s string) string {
	if len(s) > maxCellWidth {
		return s[:maxCellWidth-3] + "..."
	}
	return s
}
