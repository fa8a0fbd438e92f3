package engine

import (
	"time"

	"github.com/Paintersrp/stallwatch/internal/runtime"
	"github.com/Paintersrp/stallwatch/internal/snapshot"
	"github.com/Paintersrp/stallwatch/internal/terminate"
)

// EventType classifies supervisor notifications.
type EventType string

const (
	EventTypeState    EventType = "state"
	EventTypeLog      EventType = "log"
	EventTypeSnapshot EventType = "snapshot"
	EventTypeOutcome  EventType = "outcome"
	EventTypeError    EventType = "error"
)

// Event is a single notification delivered to the sink.
type Event struct {
	Timestamp time.Time               `json:"ts"`
	RunID     string                  `json:"run_id"`
	Type      EventType               `json:"type"`
	State     State                   `json:"state,omitempty"`
	From      State                   `json:"from,omitempty"`
	Unit      runtime.Handle          `json:"unit,omitempty"`
	Message   string                  `json:"message,omitempty"`
	Level     string                  `json:"level,omitempty"`
	Source    string                  `json:"source,omitempty"`
	Snapshot  *snapshot.StackSnapshot `json:"snapshot,omitempty"`
	Outcome   terminate.Outcome       `json:"outcome,omitempty"`
	Err       error                   `json:"-"`
	Reason    string                  `json:"reason,omitempty"`
}

const (
	ReasonTaskExited          = "task_exited"
	ReasonStallSignal         = "stall_signal"
	ReasonSnapshotUnavailable = "snapshot_unavailable"
	ReasonSnapshotFailed      = "snapshot_failed"
	ReasonInjectionNotFound   = "injection_not_found"
	ReasonInjectionAmbiguous  = "injection_ambiguous"
	ReasonConfirmationTimeout = "confirmation_timeout"
	ReasonTerminateFailed     = "terminate_failed"
)

// Sink receives events synchronously. The supervisor never calls it
// concurrently.
type Sink func(Event)
