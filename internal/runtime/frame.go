package runtime

import "fmt"

// Consistency describes how a stack capture was obtained.
type Consistency string

const (
	// ConsistencySafePoint captures were taken by the unit itself between two
	// VM instructions.
	ConsistencySafePoint Consistency = "safepoint"
	// ConsistencyParked captures were read while the unit was blocked inside
	// a host function and could not touch its stack.
	ConsistencyParked Consistency = "parked"
	// ConsistencyGoroutineDump captures come from a runtime goroutine dump
	// taken while the unit kept running. They carry no locals and may not
	// match any single instant of the unit's execution.
	ConsistencyGoroutineDump Consistency = "goroutine-dump"
)

// Local is a named value visible in a frame. Value is stringified lazily by
// the consumer, which must tolerate String panicking.
type Local struct {
	Name  string
	Value fmt.Stringer
}

// RawFrame is a frame as read from the unit, before any presentation work.
type RawFrame struct {
	Source   string
	Line     int
	Function string
	Locals   []Local
}

// Capture is the result of reading a unit's call stack. Frames are ordered
// innermost first.
type Capture struct {
	Handle      Handle
	Consistency Consistency
	Frames      []RawFrame
}
