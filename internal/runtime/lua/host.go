package lua

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/Paintersrp/stallwatch/internal/logmux"
	"github.com/Paintersrp/stallwatch/internal/runtime"
)

const defaultLogBuffer = 64

// Handles are unique across every Host in the process.
var nextHandle atomic.Uint64

func init() {
	runtime.Register(".lua", func(opts runtime.Options) runtime.Runtime {
		return New(WithLogBuffer(opts.LogBuffer))
	})
}

// Option configures a Host.
type Option func(*Host)

// WithLogBuffer sets the per-unit output buffer size.
func WithLogBuffer(n int) Option {
	return func(h *Host) {
		if n > 0 {
			h.logBuffer = n
		}
	}
}

// Host tracks the execution units of every workload it started and the
// shared objects (named locks, listeners) those workloads use.
type Host struct {
	logBuffer int

	mu        sync.Mutex
	units     map[runtime.Handle]*unit
	locks     map[string]*lockObject
	listeners map[*listenerObject]struct{}

	closeOnce sync.Once
	closing   chan struct{}
}

// New constructs a Lua runtime host.
func New(opts ...Option) *Host {
	h := &Host{
		logBuffer: defaultLogBuffer,
		units:     make(map[runtime.Handle]*unit),
		locks:     make(map[string]*lockObject),
		listeners: make(map[*listenerObject]struct{}),
		closing:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start launches spec.EntryPoint on a new unit and returns without waiting
// for it.
func (h *Host) Start(ctx context.Context, spec runtime.StartSpec) (runtime.Instance, error) {
	if spec.EntryPoint == "" {
		return nil, errors.New("lua runtime requires an entry point")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case <-h.closing:
		return nil, errHostClosed
	default:
	}

	inst := newInstance(h.logBuffer)
	u := h.newUnit(inst, nil, 0)
	inst.main = u

	path := spec.EntryPoint
	go u.run(spec.Setup, func(L *lua.LState) error {
		return L.DoFile(path)
	})
	return inst, nil
}

var errHostClosed = errors.New("lua host is closed")

// spawn starts fn on a new unit. attach binds the new unit to the parent's
// interrupt group instead of a fresh one.
func (h *Host) spawn(parent *unit, attach bool, fn *lua.FunctionProto, args []portable) (*unit, error) {
	select {
	case <-h.closing:
		return nil, errHostClosed
	default:
	}
	var g *group
	if attach {
		g = parent.group
	}
	child := h.newUnit(parent.inst, g, parent.id)
	go child.run(nil, func(L *lua.LState) error {
		L.Push(L.NewFunctionFromProto(fn))
		for _, arg := range args {
			L.Push(arg.materialize(L))
		}
		err := L.PCall(len(args), 0, nil)
		if req, ok := exitFromError(err); ok {
			return req.err()
		}
		if err != nil {
			child.emit(runtime.LogSourceStderr, err.Error())
		}
		return err
	})
	return child, nil
}

func (h *Host) newUnit(inst *instance, g *group, parent runtime.Handle) *unit {
	if g == nil {
		g = &group{}
	}
	u := newUnit(h, inst, g, parent)
	g.add(u)
	inst.unitStarted(u)

	h.mu.Lock()
	h.units[u.id] = u
	h.mu.Unlock()
	return u
}

func (h *Host) lookup(id runtime.Handle) *unit {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.units[id]
}

func (h *Host) remove(u *unit) {
	h.mu.Lock()
	delete(h.units, u.id)
	h.mu.Unlock()
	u.group.remove(u)
}

// Capture reads the call stack of unit id. Running units are captured at
// their next safe point; when none is reached within wait, the Go frames of
// the unit's goroutine are returned instead.
func (h *Host) Capture(ctx context.Context, id runtime.Handle, wait time.Duration) (runtime.Capture, error) {
	u := h.lookup(id)
	if u == nil {
		return runtime.Capture{}, fmt.Errorf("%s: %w", id, runtime.ErrUnitNotFound)
	}
	c, err := u.capture(wait, ctx.Done())
	if errors.Is(err, errCaptureCancelled) {
		return runtime.Capture{}, ctx.Err()
	}
	if errors.Is(err, runtime.ErrUnitNotFound) {
		return runtime.Capture{}, fmt.Errorf("%s: %w", id, runtime.ErrUnitNotFound)
	}
	return c, err
}

// Exited returns a channel closed when unit id exits, or nil if it is not
// tracked.
func (h *Host) Exited(id runtime.Handle) <-chan struct{} {
	u := h.lookup(id)
	if u == nil {
		return nil
	}
	return u.done
}

// Close releases shared resources. Open listeners are closed, which returns
// units blocked in accept to the VM with an error.
func (h *Host) Close() error {
	h.closeOnce.Do(func() {
		close(h.closing)
	})
	h.mu.Lock()
	listeners := make([]*listenerObject, 0, len(h.listeners))
	for ln := range h.listeners {
		listeners = append(listeners, ln)
	}
	h.listeners = make(map[*listenerObject]struct{})
	h.mu.Unlock()

	var errs []error
	for _, ln := range listeners {
		if err := ln.close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// group is an interrupt group: stop requests addressed to any member reach
// every live member.
type group struct {
	mu      sync.Mutex
	members []*unit
}

func (g *group) add(u *unit) {
	g.mu.Lock()
	g.members = append(g.members, u)
	g.mu.Unlock()
}

func (g *group) remove(u *unit) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, m := range g.members {
		if m == u {
			g.members = append(g.members[:i], g.members[i+1:]...)
			return
		}
	}
}

func (g *group) live() []*unit {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*unit(nil), g.members...)
}

// instance is the runtime.Instance of one started workload.
type instance struct {
	main *unit
	mux  *logmux.Mux

	mu    sync.Mutex
	order []*unit
}

func newInstance(buffer int) *instance {
	return &instance{mux: logmux.New(buffer)}
}

func (i *instance) unitStarted(u *unit) {
	i.mu.Lock()
	i.order = append(i.order, u)
	i.mu.Unlock()
	i.mux.Add(u.logs)
}

func (i *instance) unitExited(u *unit) {
	i.mu.Lock()
	for idx, live := range i.order {
		if live == u {
			i.order = append(i.order[:idx], i.order[idx+1:]...)
			break
		}
	}
	last := len(i.order) == 0
	i.mu.Unlock()
	if last {
		go i.mux.Close()
	}
}

func (i *instance) Handle() runtime.Handle { return i.main.id }

func (i *instance) Done() <-chan struct{} { return i.main.done }

func (i *instance) Err() error {
	select {
	case <-i.main.done:
		return i.main.err
	default:
		return nil
	}
}

func (i *instance) Stopped() bool { return i.main.isStopped() }

func (i *instance) Units() []runtime.Handle {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := []runtime.Handle{i.main.id}
	for _, u := range i.order {
		if u != i.main {
			out = append(out, u.id)
		}
	}
	return out
}

func (i *instance) Logs() <-chan runtime.LogEntry { return i.mux.Output() }
