package snapshot

import (
	"time"

	"github.com/Paintersrp/stallwatch/internal/runtime"
)

// StackSnapshot is the call stack of one execution unit at one instant. It is
// never modified after Snapshot returns and holds no reference to the unit.
type StackSnapshot struct {
	Handle      runtime.Handle      `json:"unit"`
	TakenAt     time.Time           `json:"taken_at"`
	Consistency runtime.Consistency `json:"consistency"`
	// Frames are ordered innermost first.
	Frames []Frame `json:"frames"`
}

// Frame is one activation record.
type Frame struct {
	File     string       `json:"file"`
	Line     int          `json:"line"`
	Function string       `json:"function"`
	Locals   []Variable   `json:"locals,omitempty"`
	Context  []SourceLine `json:"context,omitempty"`
}

// Variable is a local and its display value.
type Variable struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// SourceLine is a line of the frame's source file around the current line.
type SourceLine struct {
	Number  int    `json:"number"`
	Text    string `json:"text"`
	Current bool   `json:"current,omitempty"`
}

// Innermost returns the currently executing frame.
func (s *StackSnapshot) Innermost() (Frame, bool) {
	if s == nil || len(s.Frames) == 0 {
		return Frame{}, false
	}
	return s.Frames[0], true
}
