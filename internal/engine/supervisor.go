package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	stallog "github.com/Paintersrp/stallwatch/internal/log"
	"github.com/Paintersrp/stallwatch/internal/metrics"
	"github.com/Paintersrp/stallwatch/internal/runtime"
	"github.com/Paintersrp/stallwatch/internal/snapshot"
	"github.com/Paintersrp/stallwatch/internal/task"
	"github.com/Paintersrp/stallwatch/internal/terminate"
)

const (
	DefaultPollInterval = time.Second

	maxConcurrentCaptures = 8
	logDrainTimeout       = 250 * time.Millisecond
)

// ErrAlreadyRun is returned when Run is called a second time.
var ErrAlreadyRun = errors.New("supervisor already ran a task")

// Starter launches the supervised task.
type Starter interface {
	Start(ctx context.Context, entryPoint string) (*task.Task, error)
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithPollInterval sets how often task liveness is checked.
func WithPollInterval(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithStopKind sets the kind injected on stall.
func WithStopKind(kind runtime.StopKind) Option {
	return func(s *Supervisor) {
		if kind != "" {
			s.stopKind = kind
		}
	}
}

// WithConfirmTimeout bounds the wait for the stopped task to exit.
func WithConfirmTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.confirmTimeout = d
		}
	}
}

// WithSnapshotOptions configures the snapshotter used on stall.
func WithSnapshotOptions(opts ...snapshot.Option) Option {
	return func(s *Supervisor) {
		s.snapshotOpts = append(s.snapshotOpts, opts...)
	}
}

// WithSink sets the event sink.
func WithSink(sink Sink) Option {
	return func(s *Supervisor) {
		s.sink = sink
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Report summarizes a finished run.
type Report struct {
	RunID      string                    `json:"run_id"`
	EntryPoint string                    `json:"entry_point"`
	Unit       runtime.Handle            `json:"unit"`
	State      State                     `json:"state"`
	TaskStatus task.Status               `json:"task_status"`
	Outcome    terminate.Outcome         `json:"outcome,omitempty"`
	Reason     string                    `json:"reason,omitempty"`
	TaskErr    string                    `json:"task_error,omitempty"`
	Snapshots  []*snapshot.StackSnapshot `json:"snapshots,omitempty"`
	StartedAt  time.Time                 `json:"started_at"`
	Duration   time.Duration             `json:"duration"`
	ExitCode   int                       `json:"exit_code"`
}

// Supervisor runs one task, waits for it to finish or for a stall signal,
// and on stall captures the task's stacks before forcibly stopping it.
type Supervisor struct {
	runner         Starter
	pollInterval   time.Duration
	stopKind       runtime.StopKind
	confirmTimeout time.Duration
	snapshotOpts   []snapshot.Option
	sink           Sink
	logger         *slog.Logger

	machine *machine
	claimed atomic.Bool
	runID   string
	unit    runtime.Handle
	started atomic.Pointer[task.Task]

	emitMu sync.Mutex
	closed bool
}

func New(runner Starter, opts ...Option) *Supervisor {
	s := &Supervisor{
		runner:         runner,
		pollInterval:   DefaultPollInterval,
		stopKind:       runtime.StopSignal,
		confirmTimeout: terminate.DefaultTimeout,
		logger:         stallog.Discard(),
		machine:        newMachine(),
		runID:          uuid.NewString(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunID identifies this supervisor's run in logs and output.
func (s *Supervisor) RunID() string { return s.runID }

// State returns the current supervisor state.
func (s *Supervisor) State() State { return s.machine.current() }

// Status is a point-in-time view of a supervisor.
type Status struct {
	RunID      string           `json:"run_id"`
	State      State            `json:"state"`
	Finished   bool             `json:"finished"`
	EntryPoint string           `json:"entry_point,omitempty"`
	Unit       runtime.Handle   `json:"unit,omitempty"`
	TaskStatus task.Status      `json:"task_status,omitempty"`
	StartedAt  time.Time        `json:"started_at,omitempty"`
	Units      []runtime.Handle `json:"units,omitempty"`
}

// Status reports the supervisor state and, once started, the task's.
func (s *Supervisor) Status() Status {
	state := s.machine.current()
	st := Status{RunID: s.runID, State: state, Finished: state.Terminal()}
	t := s.started.Load()
	if t == nil {
		return st
	}
	st.EntryPoint = t.EntryPoint()
	st.Unit = t.Handle()
	st.TaskStatus = t.Status()
	st.StartedAt = t.StartedAt()
	if t.Alive() {
		st.Units = t.Units()
	}
	return st
}

// Run starts entryPoint and supervises it. Cancelling ctx is the stall
// signal: it moves a running task onto the interrupt path. Run returns an
// error only when the task could not be started.
func (s *Supervisor) Run(ctx context.Context, entryPoint string) (*Report, error) {
	if !s.claimed.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRun
	}
	ctx = stallog.ContextAttrs(ctx, slog.String("run_id", s.runID))

	t, err := s.runner.Start(ctx, entryPoint)
	if err != nil {
		s.logger.ErrorContext(ctx, "task did not start", "entry_point", entryPoint, "err", err)
		s.claimed.Store(false)
		return nil, err
	}
	s.unit = t.Handle()
	s.started.Store(t)
	s.setState(ctx, StateRunning, "")
	s.logger.InfoContext(ctx, "task running", "entry_point", t.EntryPoint(), "unit", t.Handle().String())

	forwarded := make(chan struct{})
	go s.forwardLogs(t.Logs(), forwarded)
	defer s.close(forwarded)

	report := &Report{
		RunID:      s.runID,
		EntryPoint: t.EntryPoint(),
		Unit:       t.Handle(),
		StartedAt:  t.StartedAt(),
	}

	if !s.watch(ctx, t) {
		s.setState(ctx, StateCompleted, ReasonTaskExited)
		s.finish(ctx, report, t)
		return report, nil
	}

	// The stall signal cancelled ctx; the interrupt path must not be.
	opCtx := context.WithoutCancel(ctx)
	metrics.IncStalls()
	s.setState(opCtx, StateStalled, ReasonStallSignal)
	s.logger.WarnContext(opCtx, "stall signal received", "unit", t.Handle().String())

	report.Snapshots = s.captureAll(opCtx, t)

	s.setState(opCtx, StateInterrupting, "")
	term := terminate.New(t.Runtime(), terminate.WithTimeout(s.confirmTimeout), terminate.WithLogger(s.logger))
	outcome, termErr := term.Terminate(opCtx, t.Handle(), s.stopKind)
	metrics.ObserveTermination(outcome.String())
	report.Outcome = outcome
	s.emit(Event{Type: EventTypeOutcome, Unit: t.Handle(), Outcome: outcome, Err: termErr, Reason: terminationReason(termErr), Message: errMessage(termErr)})

	switch outcome {
	case terminate.OutcomeTerminated, terminate.OutcomeNotFound:
		s.setState(opCtx, StateTerminated, terminationReason(termErr))
	default:
		t.MarkTerminationFailed()
		report.Reason = errMessage(termErr)
		s.logger.ErrorContext(opCtx, "task could not be terminated", "unit", t.Handle().String(), "outcome", outcome.String(), "err", termErr)
		s.setState(opCtx, StateTerminationFailed, terminationReason(termErr))
	}
	s.finish(opCtx, report, t)
	return report, nil
}

// watch polls the task until it exits or ctx is cancelled. It reports true
// for a stall: ctx was cancelled while the task was still alive.
func (s *Supervisor) watch(ctx context.Context, t *task.Task) bool {
	for {
		if !t.Alive() {
			return false
		}
		if err := sleepWithContext(ctx, s.pollInterval); err != nil {
			return t.Alive()
		}
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// captureAll snapshots the main unit and every live spawned unit
// concurrently, then emits the snapshots in unit order. Units that exited
// in the meantime are reported and skipped.
func (s *Supervisor) captureAll(ctx context.Context, t *task.Task) []*snapshot.StackSnapshot {
	snapper := snapshot.New(t.Runtime(), s.snapshotOpts...)
	units := t.Units()

	type result struct {
		snap *snapshot.StackSnapshot
		err  error
	}
	results := make([]result, len(units))

	var g errgroup.Group
	g.SetLimit(maxConcurrentCaptures)
	for i, h := range units {
		g.Go(func() error {
			snap, err := snapper.Snapshot(ctx, h)
			results[i] = result{snap: snap, err: err}
			return nil
		})
	}
	_ = g.Wait()

	var snaps []*snapshot.StackSnapshot
	for i, r := range results {
		h := units[i]
		switch {
		case r.err == nil:
			metrics.ObserveSnapshot(string(r.snap.Consistency), len(r.snap.Frames))
			snaps = append(snaps, r.snap)
			s.emit(Event{Type: EventTypeSnapshot, Unit: h, Snapshot: r.snap})
		case errors.Is(r.err, snapshot.ErrNotFound):
			s.logger.InfoContext(ctx, "snapshot unavailable", "unit", h.String())
			s.emit(Event{Type: EventTypeError, Unit: h, Level: "warn", Err: r.err, Message: r.err.Error(), Reason: ReasonSnapshotUnavailable})
		default:
			s.logger.WarnContext(ctx, "snapshot failed", "unit", h.String(), "err", r.err)
			s.emit(Event{Type: EventTypeError, Unit: h, Level: "error", Err: r.err, Message: r.err.Error(), Reason: ReasonSnapshotFailed})
		}
	}
	return snaps
}

func (s *Supervisor) finish(ctx context.Context, report *Report, t *task.Task) {
	report.State = s.machine.current()
	report.TaskStatus = t.Settle()
	if err := t.Err(); err != nil {
		report.TaskErr = err.Error()
	}
	report.Duration = time.Since(t.StartedAt())
	report.ExitCode = report.State.ExitCode()
	metrics.ObserveRun(string(report.State), report.Duration)
	s.logger.InfoContext(ctx, "run finished",
		"state", string(report.State),
		"task_status", report.TaskStatus.String(),
		"duration", report.Duration)
}

func (s *Supervisor) setState(ctx context.Context, to State, reason string) {
	from, err := s.machine.transition(to)
	if err != nil {
		// Transitions are driven by Run alone; a rejected one is a bug.
		s.logger.ErrorContext(ctx, "rejected state transition", "err", err)
		return
	}
	s.logger.DebugContext(ctx, "state changed", "from", string(from), "to", string(to))
	s.emit(Event{Type: EventTypeState, Unit: s.unit, From: from, State: to, Reason: reason})
}

func (s *Supervisor) forwardLogs(logs <-chan runtime.LogEntry, done chan<- struct{}) {
	defer close(done)
	if logs == nil {
		return
	}
	for entry := range logs {
		s.emit(Event{
			Timestamp: entry.Time,
			Type:      EventTypeLog,
			Unit:      entry.Unit,
			Message:   entry.Message,
			Level:     entry.Level,
			Source:    entry.Source,
		})
	}
}

// close waits briefly for buffered task output and then stops delivering
// events. Units left running keep their output to themselves.
func (s *Supervisor) close(forwarded <-chan struct{}) {
	select {
	case <-forwarded:
	case <-time.After(logDrainTimeout):
	}
	s.emitMu.Lock()
	s.closed = true
	s.emitMu.Unlock()
}

func (s *Supervisor) emit(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	evt.RunID = s.runID
	if evt.Source == "" {
		evt.Source = runtime.LogSourceSystem
	}
	if evt.Level == "" {
		evt.Level = "info"
	}

	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if s.closed || s.sink == nil {
		return
	}
	s.sink(evt)
}

func terminationReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, terminate.ErrInjectionNotFound):
		return ReasonInjectionNotFound
	case errors.Is(err, terminate.ErrInjectionAmbiguous):
		return ReasonInjectionAmbiguous
	case errors.Is(err, terminate.ErrConfirmationTimeout):
		return ReasonConfirmationTimeout
	default:
		return ReasonTerminateFailed
	}
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
