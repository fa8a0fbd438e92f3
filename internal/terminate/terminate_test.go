package terminate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Paintersrp/stallwatch/internal/runtime"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeInjector struct {
	mu      sync.Mutex
	reached int
	exited  map[runtime.Handle]chan struct{}
	// exitOnStop closes the unit's channel when it is stopped.
	exitOnStop bool
	kinds      []runtime.StopKind
	clears     int
}

func newFakeInjector(reached int) *fakeInjector {
	return &fakeInjector{reached: reached, exited: make(map[runtime.Handle]chan struct{})}
}

func (f *fakeInjector) track(h runtime.Handle) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.exited[h] = ch
	return ch
}

func (f *fakeInjector) SetAsyncStop(h runtime.Handle, kind runtime.StopKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.exited[h]
	if !ok {
		return 0
	}
	f.kinds = append(f.kinds, kind)
	if f.exitOnStop {
		close(ch)
		delete(f.exited, h)
	}
	return f.reached
}

func (f *fakeInjector) ClearAsyncStop(runtime.Handle) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	return f.reached
}

func (f *fakeInjector) Exited(h runtime.Handle) <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.exited[h]
	if !ok {
		return nil
	}
	return ch
}

func TestTerminateUnknownUnit(t *testing.T) {
	term := New(newFakeInjector(1))

	for i := 0; i < 2; i++ {
		outcome, err := term.Terminate(context.Background(), 4, runtime.StopSignal)
		require.Equal(t, OutcomeNotFound, outcome)
		require.ErrorIs(t, err, ErrInjectionNotFound)
	}
}

func TestTerminateSingleUnit(t *testing.T) {
	inj := newFakeInjector(1)
	inj.exitOnStop = true
	inj.track(7)
	term := New(inj)

	outcome, err := term.Terminate(context.Background(), 7, "")
	require.NoError(t, err)
	require.Equal(t, OutcomeTerminated, outcome)
	require.Equal(t, []runtime.StopKind{runtime.StopSignal}, inj.kinds)

	outcome, err = term.Terminate(context.Background(), 7, runtime.StopSignal)
	require.Equal(t, OutcomeNotFound, outcome)
	require.ErrorIs(t, err, ErrInjectionNotFound)
}

func TestTerminateWaitsForExit(t *testing.T) {
	inj := newFakeInjector(1)
	exited := inj.track(7)
	term := New(inj)

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(exited)
	}()

	outcome, err := term.Execute(context.Background(), 7, Request{Kind: runtime.StopInterrupt, Timeout: time.Second})
	require.NoError(t, err)
	require.Equal(t, OutcomeTerminated, outcome)
	require.Equal(t, []runtime.StopKind{runtime.StopInterrupt}, inj.kinds)
}

func TestTerminateConfirmationTimeout(t *testing.T) {
	inj := newFakeInjector(1)
	inj.track(7)
	term := New(inj, WithTimeout(50*time.Millisecond))

	start := time.Now()
	outcome, err := term.Terminate(context.Background(), 7, runtime.StopSignal)
	require.Equal(t, OutcomeTerminationFailed, outcome)
	require.ErrorIs(t, err, ErrConfirmationTimeout)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	require.Zero(t, inj.clears, "a timeout is not retried or compensated")
}

func TestTerminateAmbiguousInjectionIsCompensated(t *testing.T) {
	inj := newFakeInjector(2)
	inj.track(7)
	term := New(inj)

	outcome, err := term.Terminate(context.Background(), 7, runtime.StopSignal)
	require.Equal(t, OutcomeUnsafe, outcome)
	require.ErrorIs(t, err, ErrInjectionAmbiguous)
	require.Equal(t, 1, inj.clears)
}

func TestTerminateHonoursContext(t *testing.T) {
	inj := newFakeInjector(1)
	inj.track(7)
	term := New(inj, WithTimeout(time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome, err := term.Terminate(ctx, 7, runtime.StopSignal)
	require.Equal(t, OutcomeTerminationFailed, outcome)
	require.ErrorIs(t, err, context.Canceled)
}

func TestOutcomeText(t *testing.T) {
	for outcome, want := range map[Outcome]string{
		OutcomeTerminated:        "Terminated",
		OutcomeNotFound:          "NotFound",
		OutcomeUnsafe:            "Unsafe",
		OutcomeTerminationFailed: "TerminationFailed",
	} {
		text, err := outcome.MarshalText()
		require.NoError(t, err)
		require.Equal(t, want, string(text))
	}
}
