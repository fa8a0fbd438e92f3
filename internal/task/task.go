package task

import (
	"sync/atomic"
	"time"

	"github.com/Paintersrp/stallwatch/internal/runtime"
)

// Status is the terminal status of a task. It only ever moves away from
// StatusRunning, and only once.
type Status int32

const (
	StatusRunning Status = iota + 1
	StatusCompleted
	StatusTerminatedByRequest
	StatusTerminationFailed
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "Running"
	case StatusCompleted:
		return "Completed"
	case StatusTerminatedByRequest:
		return "TerminatedByRequest"
	case StatusTerminationFailed:
		return "TerminationFailed"
	default:
		return "Unknown"
	}
}

// MarshalText renders the status name in JSON output.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Task is a workload started by a Runner.
type Task struct {
	entryPoint string
	dir        string
	startedAt  time.Time
	runtime    runtime.Runtime
	inst       runtime.Instance

	status atomic.Int32
}

func newTask(entryPoint, dir string, rt runtime.Runtime, inst runtime.Instance, startedAt time.Time) *Task {
	t := &Task{
		entryPoint: entryPoint,
		dir:        dir,
		startedAt:  startedAt,
		runtime:    rt,
		inst:       inst,
	}
	t.status.Store(int32(StatusRunning))
	return t
}

// Handle identifies the task's main execution unit.
func (t *Task) Handle() runtime.Handle { return t.inst.Handle() }

// EntryPoint is the absolute path of the script.
func (t *Task) EntryPoint() string { return t.entryPoint }

// Dir is the working directory the task runs in.
func (t *Task) Dir() string { return t.dir }

func (t *Task) StartedAt() time.Time { return t.startedAt }

// Runtime returns the runtime hosting the task's units.
func (t *Task) Runtime() runtime.Runtime { return t.runtime }

// Done is closed once the main unit has exited.
func (t *Task) Done() <-chan struct{} { return t.inst.Done() }

// Alive reports whether the main unit is still running.
func (t *Task) Alive() bool {
	select {
	case <-t.inst.Done():
		return false
	default:
		return true
	}
}

// Err reports how the workload ended, nil while it is alive.
func (t *Task) Err() error {
	if t.Alive() {
		return nil
	}
	return t.inst.Err()
}

// Units lists the main unit followed by live spawned units.
func (t *Task) Units() []runtime.Handle { return t.inst.Units() }

// Logs streams the output of every unit of the task.
func (t *Task) Logs() <-chan runtime.LogEntry { return t.inst.Logs() }

// Status returns the recorded status: StatusRunning until Settle or
// MarkTerminationFailed has run, whether or not the main unit is alive.
func (t *Task) Status() Status {
	return Status(t.status.Load())
}

// Settle fixes the status once the main unit has exited: a unit that had a
// stop delivered ends as TerminatedByRequest, any other as Completed. A
// status already recorded is kept.
func (t *Task) Settle() Status {
	if !t.Alive() {
		next := StatusCompleted
		if t.inst.Stopped() {
			next = StatusTerminatedByRequest
		}
		t.transition(next)
	}
	return t.Status()
}

// MarkTerminationFailed records that a forced termination could not be
// confirmed. It reports false when the task had already settled.
func (t *Task) MarkTerminationFailed() bool {
	return t.transition(StatusTerminationFailed)
}

func (t *Task) transition(next Status) bool {
	return t.status.CompareAndSwap(int32(StatusRunning), int32(next))
}
