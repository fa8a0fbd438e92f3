package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Paintersrp/stallwatch/internal/runtime"
	luart "github.com/Paintersrp/stallwatch/internal/runtime/lua"
	"github.com/Paintersrp/stallwatch/internal/snapshot"
	"github.com/Paintersrp/stallwatch/internal/task"
	"github.com/Paintersrp/stallwatch/internal/terminate"
)

type recorder struct {
	events []Event
	onLog  func(Event)
}

func (r *recorder) sink(evt Event) {
	r.events = append(r.events, evt)
	if evt.Type == EventTypeLog && r.onLog != nil {
		r.onLog(evt)
	}
}

func (r *recorder) states() []State {
	var states []State
	for _, evt := range r.events {
		if evt.Type == EventTypeState {
			states = append(states, evt.State)
		}
	}
	return states
}

func (r *recorder) ofType(typ EventType) []Event {
	var out []Event
	for _, evt := range r.events {
		if evt.Type == typ {
			out = append(out, evt)
		}
	}
	return out
}

func newSupervisor(t *testing.T, rec *recorder, opts ...Option) *Supervisor {
	t.Helper()
	host := luart.New()
	t.Cleanup(func() { _ = host.Close() })
	runner := task.NewRunner(runtime.Registry{".lua": host})
	opts = append([]Option{WithPollInterval(20 * time.Millisecond), WithSink(rec.sink)}, opts...)
	return New(runner, opts...)
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "job.lua")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

// stallOn cancels the run once the task prints line.
func stallOn(rec *recorder, line string) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	rec.onLog = func(evt Event) {
		if evt.Message == line {
			cancel()
		}
	}
	return ctx
}

func TestRunCompletes(t *testing.T) {
	rec := &recorder{}
	sup := newSupervisor(t, rec)
	path := writeScript(t, `print("hello")`)

	report, err := sup.Run(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, report.State)
	require.Equal(t, task.StatusCompleted, report.TaskStatus)
	require.Equal(t, 0, report.ExitCode)
	require.Empty(t, report.Snapshots)
	require.Equal(t, sup.RunID(), report.RunID)

	require.Equal(t, []State{StateRunning, StateCompleted}, rec.states())
	logs := rec.ofType(EventTypeLog)
	require.Len(t, logs, 1)
	require.Equal(t, "hello", logs[0].Message)
	require.Equal(t, runtime.LogSourceStdout, logs[0].Source)
	for _, evt := range rec.events {
		require.Equal(t, sup.RunID(), evt.RunID)
	}
}

func TestRunScriptExitCompletes(t *testing.T) {
	rec := &recorder{}
	sup := newSupervisor(t, rec)
	path := writeScript(t, `print("before exit")
os.exit(3)
print("after exit")
`)

	report, err := sup.Run(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, report.State)
	require.Equal(t, task.StatusCompleted, report.TaskStatus)
	require.Equal(t, 0, report.ExitCode)
	require.Equal(t, "exit status 3", report.TaskErr)

	var messages []string
	for _, evt := range rec.ofType(EventTypeLog) {
		messages = append(messages, evt.Message)
	}
	require.Equal(t, []string{"before exit"}, messages)

	st := sup.Status()
	require.True(t, st.Finished)
	require.Equal(t, StateCompleted, st.State)
	require.Equal(t, task.StatusCompleted, st.TaskStatus)
	require.Empty(t, st.Units)
}

func TestRunRaisedErrorCompletes(t *testing.T) {
	rec := &recorder{}
	sup := newSupervisor(t, rec)
	path := writeScript(t, `error("boom")`)

	report, err := sup.Run(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, report.State)
	require.Contains(t, report.TaskErr, "boom")
	require.Equal(t, 0, report.ExitCode)
}

func TestRunStartFailure(t *testing.T) {
	rec := &recorder{}
	sup := newSupervisor(t, rec)

	_, err := sup.Run(context.Background(), filepath.Join(t.TempDir(), "missing.lua"))
	var inputErr *task.InputError
	require.True(t, errors.As(err, &inputErr), "got %v", err)
	require.Equal(t, StateIdle, sup.State())
	require.Empty(t, rec.events)
}

func TestRunOnlyOnce(t *testing.T) {
	rec := &recorder{}
	sup := newSupervisor(t, rec)
	path := writeScript(t, `print("once")`)

	_, err := sup.Run(context.Background(), path)
	require.NoError(t, err)
	_, err = sup.Run(context.Background(), path)
	require.ErrorIs(t, err, ErrAlreadyRun)
}

func TestConcurrentRunsStartOneTask(t *testing.T) {
	rec := &recorder{}
	sup := newSupervisor(t, rec)
	path := writeScript(t, `task.sleep(0.1)`)

	const callers = 4
	start := make(chan struct{})
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := sup.Run(context.Background(), path)
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	var ran, rejected int
	for err := range errs {
		switch {
		case err == nil:
			ran++
		case errors.Is(err, ErrAlreadyRun):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, ran)
	require.Equal(t, callers-1, rejected)
	require.Equal(t, []State{StateRunning, StateCompleted}, rec.states())
}

func TestRunAfterStartFailureCanRetry(t *testing.T) {
	rec := &recorder{}
	sup := newSupervisor(t, rec)

	_, err := sup.Run(context.Background(), filepath.Join(t.TempDir(), "missing.lua"))
	require.Error(t, err)

	report, err := sup.Run(context.Background(), writeScript(t, `print("second try")`))
	require.NoError(t, err)
	require.Equal(t, StateCompleted, report.State)
}

func TestStallSnapshotsAndTerminates(t *testing.T) {
	rec := &recorder{}
	sup := newSupervisor(t, rec)
	path := writeScript(t, `local function nap(seconds)
  task.sleep(seconds)
end
print("ready")
nap(30)
`)

	report, err := sup.Run(stallOn(rec, "ready"), path)
	require.NoError(t, err)
	require.Equal(t, StateTerminated, report.State)
	require.Equal(t, terminate.OutcomeTerminated, report.Outcome)
	require.Equal(t, task.StatusTerminatedByRequest, report.TaskStatus)
	require.Equal(t, 0, report.ExitCode)

	require.Equal(t, []State{StateRunning, StateStalled, StateInterrupting, StateTerminated}, rec.states())

	require.Len(t, report.Snapshots, 1)
	snap := report.Snapshots[0]
	require.Equal(t, report.Unit, snap.Handle)
	require.Equal(t, runtime.ConsistencyParked, snap.Consistency)
	inner, ok := snap.Innermost()
	require.True(t, ok)
	require.Equal(t, "nap", inner.Function)
	require.Equal(t, 2, inner.Line)
	require.Equal(t, []snapshot.Variable{{Name: "seconds", Value: "30"}}, inner.Locals)

	require.Len(t, rec.ofType(EventTypeSnapshot), 1)
	outcomes := rec.ofType(EventTypeOutcome)
	require.Len(t, outcomes, 1)
	require.Equal(t, terminate.OutcomeTerminated, outcomes[0].Outcome)
}

func TestStallAfterExitCompletes(t *testing.T) {
	rec := &recorder{}
	sup := newSupervisor(t, rec)
	path := writeScript(t, `print("bye")`)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		time.Sleep(300 * time.Millisecond)
		cancel()
	}()
	report, err := sup.Run(ctx, path)
	<-done
	require.NoError(t, err)
	require.Equal(t, StateCompleted, report.State)
	require.Zero(t, report.Outcome)
}

func TestStallWithAttachedUnitIsUnsafe(t *testing.T) {
	rec := &recorder{}
	sup := newSupervisor(t, rec)
	path := writeScript(t, `local function helper()
  task.sleep(30)
end
task.attach(helper)
print("ready")
task.sleep(30)
`)

	report, err := sup.Run(stallOn(rec, "ready"), path)
	require.NoError(t, err)
	require.Equal(t, StateTerminationFailed, report.State)
	require.Equal(t, terminate.OutcomeUnsafe, report.Outcome)
	require.Equal(t, 1, report.ExitCode)
	require.NotEmpty(t, report.Reason)

	outcomes := rec.ofType(EventTypeOutcome)
	require.Len(t, outcomes, 1)
	require.Equal(t, ReasonInjectionAmbiguous, outcomes[0].Reason)
	require.ErrorIs(t, outcomes[0].Err, terminate.ErrInjectionAmbiguous)
}

func TestStallInsideAcceptTimesOut(t *testing.T) {
	rec := &recorder{}
	sup := newSupervisor(t, rec, WithConfirmTimeout(200*time.Millisecond))
	path := writeScript(t, `local ln = task.listen("127.0.0.1:0")
print("ready")
ln:accept()
`)

	report, err := sup.Run(stallOn(rec, "ready"), path)
	require.NoError(t, err)
	require.Equal(t, StateTerminationFailed, report.State)
	require.Equal(t, terminate.OutcomeTerminationFailed, report.Outcome)
	require.Equal(t, task.StatusTerminationFailed, report.TaskStatus)
	require.Equal(t, 1, report.ExitCode)

	outcomes := rec.ofType(EventTypeOutcome)
	require.Len(t, outcomes, 1)
	require.Equal(t, ReasonConfirmationTimeout, outcomes[0].Reason)
}

func TestStallOnDeadlockCapturesEveryUnit(t *testing.T) {
	rec := &recorder{}
	sup := newSupervisor(t, rec)
	path := writeScript(t, `local function worker(first, second)
  first:with(function()
    task.sleep(0.05)
    second:with(function() end)
  end)
end
local a, b = task.lock("a"), task.lock("b")
task.spawn(worker, b, a)
worker(a, b)
`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		time.Sleep(500 * time.Millisecond)
		cancel()
	}()

	report, err := sup.Run(ctx, path)
	require.NoError(t, err)
	require.Equal(t, StateTerminated, report.State)
	require.Len(t, report.Snapshots, 2)
	require.Equal(t, report.Unit, report.Snapshots[0].Handle)

	for _, snap := range report.Snapshots {
		require.Equal(t, runtime.ConsistencyParked, snap.Consistency)
		inner, ok := snap.Innermost()
		require.True(t, ok)
		require.Equal(t, 4, inner.Line)
		var current string
		for _, line := range inner.Context {
			if line.Current {
				current = line.Text
			}
		}
		require.True(t, strings.Contains(current, "second:with"), "current line %q", current)
	}
}
