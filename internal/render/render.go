// Package render turns supervisor events into terminal output.
package render

import (
	"io"

	"github.com/Paintersrp/stallwatch/internal/engine"
)

// Renderer consumes supervisor events and the final report.
type Renderer interface {
	Event(evt engine.Event)
	Report(report *engine.Report)
}

// Options configures a renderer.
type Options struct {
	// Color enables ANSI styling in text output.
	Color bool
	// Redact masks secret-looking locals and log values.
	Redact bool
}

// New returns the renderer for format ("text" or "json").
func New(format string, stdout, stderr io.Writer, opts Options) Renderer {
	if format == "json" {
		return NewJSON(stdout, stderr, opts)
	}
	return NewText(stdout, stderr, opts)
}
