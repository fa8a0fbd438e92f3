package terminate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	stallog "github.com/Paintersrp/stallwatch/internal/log"
	"github.com/Paintersrp/stallwatch/internal/runtime"
)

// DefaultTimeout bounds the wait for a stopped unit to exit.
const DefaultTimeout = 2 * time.Second

var (
	// ErrInjectionNotFound means the unit was gone when the stop was injected.
	ErrInjectionNotFound = errors.New("stop injection found no execution unit")
	// ErrInjectionAmbiguous means the stop reached more than the target unit.
	ErrInjectionAmbiguous = errors.New("stop injection reached more than one execution unit")
	// ErrConfirmationTimeout means the unit did not exit in time.
	ErrConfirmationTimeout = errors.New("execution unit did not exit before the confirmation timeout")
)

// Outcome is the result of a termination attempt.
type Outcome int

const (
	OutcomeTerminated Outcome = iota + 1
	OutcomeNotFound
	OutcomeUnsafe
	OutcomeTerminationFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeTerminated:
		return "Terminated"
	case OutcomeNotFound:
		return "NotFound"
	case OutcomeUnsafe:
		return "Unsafe"
	case OutcomeTerminationFailed:
		return "TerminationFailed"
	default:
		return "Unknown"
	}
}

func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Request describes one termination attempt.
type Request struct {
	Kind    runtime.StopKind
	Timeout time.Duration
}

// Injector is the narrow stop-injection surface of a runtime.
type Injector interface {
	SetAsyncStop(h runtime.Handle, kind runtime.StopKind) int
	ClearAsyncStop(h runtime.Handle) int
	Exited(h runtime.Handle) <-chan struct{}
}

// Option configures a Terminator.
type Option func(*Terminator)

// WithTimeout sets the confirmation timeout used when a request has none.
func WithTimeout(d time.Duration) Option {
	return func(t *Terminator) {
		if d > 0 {
			t.timeout = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(t *Terminator) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// Terminator forcibly stops execution units.
type Terminator struct {
	injector Injector
	timeout  time.Duration
	logger   *slog.Logger
}

func New(injector Injector, opts ...Option) *Terminator {
	t := &Terminator{
		injector: injector,
		timeout:  DefaultTimeout,
		logger:   stallog.Discard(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Terminate stops unit h with kind and the configured timeout.
func (t *Terminator) Terminate(ctx context.Context, h runtime.Handle, kind runtime.StopKind) (Outcome, error) {
	return t.Execute(ctx, h, Request{Kind: kind})
}

// Execute injects req.Kind into h and waits for h to exit.
//
// The injection reports how many units it reached. None means h is gone.
// More than one means bystanders were hit: the pending requests are cleared
// once and the attempt is reported Unsafe, never Terminated. Exactly one is
// confirmed by waiting for the unit to exit; a unit blocked in native code
// cannot observe the stop and ends as TerminationFailed. Nothing is retried.
func (t *Terminator) Execute(ctx context.Context, h runtime.Handle, req Request) (Outcome, error) {
	kind := req.Kind
	if kind == "" {
		kind = runtime.StopSignal
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = t.timeout
	}

	n := t.injector.SetAsyncStop(h, kind)
	switch {
	case n == 0:
		t.logger.DebugContext(ctx, "stop injection found no unit", "unit", h.String())
		return OutcomeNotFound, fmt.Errorf("terminate %s: %w", h, ErrInjectionNotFound)
	case n > 1:
		cleared := t.injector.ClearAsyncStop(h)
		t.logger.WarnContext(ctx, "stop injection was ambiguous",
			"unit", h.String(), "reached", n, "cleared", cleared)
		return OutcomeUnsafe, fmt.Errorf("terminate %s: reached %d units, cleared %d: %w", h, n, cleared, ErrInjectionAmbiguous)
	}

	done := t.injector.Exited(h)
	if done == nil {
		return OutcomeTerminated, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		t.logger.DebugContext(ctx, "unit terminated", "unit", h.String(), "kind", string(kind))
		return OutcomeTerminated, nil
	case <-timer.C:
		return OutcomeTerminationFailed, fmt.Errorf("terminate %s after %s: %w", h, timeout, ErrConfirmationTimeout)
	case <-ctx.Done():
		return OutcomeTerminationFailed, fmt.Errorf("terminate %s: %w", h, ctx.Err())
	}
}
