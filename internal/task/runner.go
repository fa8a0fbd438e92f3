package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	stallog "github.com/Paintersrp/stallwatch/internal/log"
	"github.com/Paintersrp/stallwatch/internal/runtime"
)

// InputError reports an entry point that cannot be run.
type InputError struct {
	Path   string
	Reason string
	Err    error
}

func (e *InputError) Error() string {
	msg := e.Reason
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	if e.Path == "" {
		return fmt.Sprintf("invalid entry point: %s", msg)
	}
	return fmt.Sprintf("invalid entry point %q: %s", e.Path, msg)
}

func (e *InputError) Unwrap() error { return e.Err }

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger used for lifecycle messages.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock overrides the time source used for StartedAt.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// Runner starts workloads on the runtime registered for their extension.
type Runner struct {
	registry runtime.Registry
	logger   *slog.Logger
	now      func() time.Time
}

// NewRunner constructs a runner over a copy of registry.
func NewRunner(registry runtime.Registry, opts ...Option) *Runner {
	r := &Runner{
		registry: registry.Clone(),
		logger:   stallog.Discard(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start validates entryPoint and launches it on a dedicated execution unit.
// It does not wait for the workload. The unit runs inside the script's
// directory with the directory on the module search path; both are restored
// when the unit exits, however it exits.
func (r *Runner) Start(ctx context.Context, entryPoint string) (*Task, error) {
	path, rt, err := r.resolve(entryPoint)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)

	startedAt := r.now()
	inst, err := rt.Start(ctx, runtime.StartSpec{
		EntryPoint: path,
		Setup: func() (func(), error) {
			return enterScope(dir)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", path, err)
	}

	t := newTask(path, dir, rt, inst, startedAt)
	r.logger.DebugContext(ctx, "task started", "entry_point", path, "unit", t.Handle().String())
	return t, nil
}

func (r *Runner) resolve(entryPoint string) (string, runtime.Runtime, error) {
	entryPoint = strings.TrimSpace(entryPoint)
	if entryPoint == "" {
		return "", nil, &InputError{Reason: "path is empty"}
	}
	path, err := filepath.Abs(entryPoint)
	if err != nil {
		return "", nil, &InputError{Path: entryPoint, Reason: "cannot resolve path", Err: err}
	}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil, &InputError{Path: path, Reason: "file does not exist"}
		}
		return "", nil, &InputError{Path: path, Reason: "cannot stat file", Err: err}
	}
	if !info.Mode().IsRegular() {
		return "", nil, &InputError{Path: path, Reason: "not a regular file"}
	}
	f, err := os.Open(path)
	if err != nil {
		return "", nil, &InputError{Path: path, Reason: "file is not readable", Err: err}
	}
	_ = f.Close()

	rt, ext, ok := r.registry.ForPath(path)
	if !ok {
		supported := r.registry.Extensions()
		sort.Strings(supported)
		return "", nil, &InputError{
			Path:   path,
			Reason: fmt.Sprintf("no runtime for extension %q (supported: %s)", ext, strings.Join(supported, ", ")),
		}
	}
	return path, rt, nil
}
