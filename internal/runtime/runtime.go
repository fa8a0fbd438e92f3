package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Handle identifies a single execution unit tracked by a runtime. Handles are
// never reused within a process.
type Handle uint64

func (h Handle) String() string {
	return fmt.Sprintf("unit-%d", uint64(h))
}

// StopKind names the control-flow event injected into a unit when it is
// forcibly stopped.
type StopKind string

const (
	// StopSignal is the cooperative default. Workloads see it as a stop
	// request they cannot recover from.
	StopSignal StopKind = "stop"
	// StopInterrupt mirrors an operator interrupt.
	StopInterrupt StopKind = "interrupt"
)

// ParseStopKind validates a user supplied kind.
func ParseStopKind(value string) (StopKind, error) {
	switch StopKind(value) {
	case "", StopSignal:
		return StopSignal, nil
	case StopInterrupt:
		return StopInterrupt, nil
	default:
		return "", fmt.Errorf("unknown stop kind %q (want %q or %q)", value, StopSignal, StopInterrupt)
	}
}

// StopError is raised inside a unit once an injected stop has been delivered.
type StopError struct {
	Kind StopKind
}

func (e *StopError) Error() string {
	return fmt.Sprintf("execution stopped: %s requested", e.Kind)
}

// ExitError reports a unit that ended itself through os.exit with a
// non-zero status.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// ErrUnitNotFound is returned when a handle does not identify a live unit.
var ErrUnitNotFound = errors.New("execution unit not found")

// Log sources attached to LogEntry values.
const (
	LogSourceStdout = "stdout"
	LogSourceStderr = "stderr"
	LogSourceSystem = "system"
)

// LogEntry is a single line of output produced by a unit.
type LogEntry struct {
	Unit    Handle
	Message string
	Source  string
	Level   string
	Time    time.Time
}

// StartSpec describes the workload a runtime should launch.
type StartSpec struct {
	// EntryPoint is the absolute path of the script to execute.
	EntryPoint string
	// Setup runs on the new unit before the workload is loaded. The returned
	// release function runs on the same unit once the workload has returned,
	// however it returned.
	Setup func() (release func(), err error)
}

// Instance is the main execution unit of a started workload.
type Instance interface {
	// Handle returns the identifier used to inspect or stop the unit.
	Handle() Handle

	// Done is closed once the unit has exited.
	Done() <-chan struct{}

	// Err reports how the workload ended. It is only meaningful after Done
	// has been closed.
	Err() error

	// Stopped reports whether an injected stop was delivered to the unit.
	Stopped() bool

	// Units lists the handles of the instance's main unit followed by every
	// unit it spawned that is still alive.
	Units() []Handle

	// Logs returns the channel of output lines produced by the instance's
	// units. The channel is closed once every unit has exited.
	Logs() <-chan LogEntry
}

// Runtime describes a backend capable of launching workloads on their own
// execution unit and of inspecting and stopping those units from outside.
type Runtime interface {
	// Start launches the workload and returns immediately. Implementations
	// must not wait for the workload to finish.
	Start(ctx context.Context, spec StartSpec) (Instance, error)

	// Capture reads the live call stack of a unit without stopping it. wait
	// bounds how long the caller is willing to wait for the unit to reach a
	// point where a consistent capture is possible. It returns
	// ErrUnitNotFound when the unit has exited.
	Capture(ctx context.Context, h Handle, wait time.Duration) (Capture, error)

	// SetAsyncStop asks every unit bound to h's interrupt group to raise kind
	// at its next safe point and returns how many units received the
	// request. The unit is not paused by this call.
	SetAsyncStop(h Handle, kind StopKind) int

	// ClearAsyncStop withdraws undelivered stop requests from h's interrupt
	// group and returns how many were withdrawn.
	ClearAsyncStop(h Handle) int

	// Exited returns a channel closed when the unit exits, or nil if the
	// handle is unknown.
	Exited(h Handle) <-chan struct{}
}

// Registry maps entry point extensions (".lua") to runtimes.
type Registry map[string]Runtime

// Clone returns a shallow copy of the registry, allowing callers to avoid
// accidental mutation of shared maps.
func (r Registry) Clone() Registry {
	dup := make(Registry, len(r))
	for k, v := range r {
		dup[k] = v
	}
	return dup
}

// Lookup returns the runtime registered for ext.
func (r Registry) Lookup(ext string) (Runtime, bool) {
	rt, ok := r[ext]
	return rt, ok && rt != nil
}
