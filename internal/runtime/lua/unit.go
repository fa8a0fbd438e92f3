package lua

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/Paintersrp/stallwatch/internal/runtime"
)

const (
	flagStop uint32 = 1 << iota
	flagCapture
)

// unit is a single execution unit: one goroutine, one LState.
type unit struct {
	id     runtime.Handle
	host   *Host
	inst   *instance
	group  *group
	parent runtime.Handle

	gid atomic.Int64

	// gate guards L, parked and captures. The unit holds it while serving
	// captures at a safe point; requesters hold it while reading a parked
	// unit's stack.
	gate     sync.Mutex
	L        *lua.LState
	parked   bool
	captures []chan runtime.Capture

	flags   atomic.Uint32
	pending atomic.Pointer[runtime.StopKind]
	kick    chan struct{}

	stopOnce sync.Once
	stopped  chan struct{}
	stopErr  error

	afterMu    sync.Mutex
	afterSeq   uint64
	afterFuncs map[uint64]func()

	logs chan runtime.LogEntry
	done chan struct{}
	err  error
}

func newUnit(h *Host, inst *instance, g *group, parent runtime.Handle) *unit {
	u := &unit{
		id:         runtime.Handle(nextHandle.Add(1)),
		host:       h,
		inst:       inst,
		group:      g,
		parent:     parent,
		parked:     true,
		kick:       make(chan struct{}, 1),
		stopped:    make(chan struct{}),
		afterFuncs: make(map[uint64]func()),
		logs:       make(chan runtime.LogEntry, h.logBuffer),
		done:       make(chan struct{}),
	}
	return u
}

// run executes body on the calling goroutine, which becomes the unit.
func (u *unit) run(setup func() (func(), error), body func(L *lua.LState) error) {
	defer u.exit()
	u.gid.Store(currentGoroutineID())

	if setup != nil {
		release, err := setup()
		if err != nil {
			u.err = fmt.Errorf("prepare %s: %w", u.id, err)
			return
		}
		if release != nil {
			defer release()
		}
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	openLibraries(L)
	u.installProcessGuards(L)
	u.host.installLibraries(L, u)
	L.SetContext(&safePointContext{u: u})

	u.gate.Lock()
	u.L = L
	u.parked = false
	u.gate.Unlock()

	defer func() {
		u.gate.Lock()
		u.parked = true
		u.L = nil
		u.serveCaptures(runtime.ConsistencyParked)
		u.gate.Unlock()
	}()

	err := doWithRecovery(func() error {
		return body(L)
	})
	if req, ok := exitFromError(err); ok {
		err = req.err()
	}
	u.err = err
}

// doWithRecovery executes a function with panic recovery.
func doWithRecovery(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			switch v := r.(type) {
			case error:
				err = fmt.Errorf("lua panic: %w", v)
			default:
				err = fmt.Errorf("lua panic: %v", v)
			}
		}
	}()
	return fn()
}

func (u *unit) exit() {
	u.host.remove(u)
	close(u.logs)
	u.inst.unitExited(u)
	close(u.done)
}

// safePoint runs on the unit goroutine between two VM instructions.
func (u *unit) safePoint() {
	flags := u.flags.Load()
	if flags == 0 {
		return
	}
	if flags&flagCapture != 0 {
		u.gate.Lock()
		u.serveCaptures(runtime.ConsistencySafePoint)
		u.gate.Unlock()
	}
	if flags&flagStop != 0 {
		u.deliverPendingStop()
	}
}

// serveCaptures answers every queued capture request. The caller holds gate
// and is either the unit itself or a requester that observed parked.
func (u *unit) serveCaptures(consistency runtime.Consistency) {
	u.flags.And(^flagCapture)
	if len(u.captures) == 0 {
		return
	}
	c := runtime.Capture{Handle: u.id, Consistency: consistency, Frames: walkFrames(u.L)}
	for _, ch := range u.captures {
		ch <- c
	}
	u.captures = nil
}

func (u *unit) requestStop(kind runtime.StopKind) {
	u.pending.Store(&kind)
	u.flags.Or(flagStop)
	select {
	case u.kick <- struct{}{}:
	default:
	}
}

func (u *unit) clearStop() bool {
	return u.pending.Swap(nil) != nil
}

func (u *unit) deliverPendingStop() {
	u.flags.And(^flagStop)
	kind := u.pending.Swap(nil)
	if kind == nil {
		return
	}
	u.stopOnce.Do(func() {
		u.stopErr = &runtime.StopError{Kind: *kind}
		close(u.stopped)

		u.afterMu.Lock()
		funcs := u.afterFuncs
		u.afterFuncs = nil
		u.afterMu.Unlock()
		for _, f := range funcs {
			go f()
		}
	})
}

// afterStop arranges for f to run in its own goroutine once a stop has been
// delivered. It backs safePointContext.AfterFunc.
func (u *unit) afterStop(f func()) func() bool {
	u.afterMu.Lock()
	defer u.afterMu.Unlock()
	if u.afterFuncs == nil {
		go f()
		return func() bool { return false }
	}
	id := u.afterSeq
	u.afterSeq++
	u.afterFuncs[id] = f
	return func() bool {
		u.afterMu.Lock()
		defer u.afterMu.Unlock()
		_, ok := u.afterFuncs[id]
		delete(u.afterFuncs, id)
		return ok
	}
}

func (u *unit) isStopped() bool {
	select {
	case <-u.stopped:
		return true
	default:
		return false
	}
}

// checkStop delivers a pending stop and raises it in L. It returns normally
// when nothing is pending, which happens after a compensating clear.
func (u *unit) checkStop(L *lua.LState) {
	u.deliverPendingStop()
	if u.isStopped() {
		L.RaiseError("%s", u.stopErr.Error())
	}
}

func (u *unit) park() {
	u.gate.Lock()
	u.parked = true
	u.serveCaptures(runtime.ConsistencyParked)
	u.gate.Unlock()
}

func (u *unit) unpark() {
	u.gate.Lock()
	u.parked = false
	u.gate.Unlock()
}

// waitOn parks the unit until ch yields a value. Stop requests interrupt the
// wait and are raised in L.
func waitOn[T any](u *unit, L *lua.LState, ch <-chan T) T {
	u.checkStop(L)
	for {
		u.park()
		select {
		case v := <-ch:
			u.unpark()
			return v
		case <-u.kick:
			u.unpark()
			u.checkStop(L)
		}
	}
}

// sleep parks the unit for d, interruptible by stop requests. A negative d
// parks until a stop arrives.
func (u *unit) sleep(L *lua.LState, d time.Duration) {
	if d < 0 {
		waitOn(u, L, (<-chan struct{})(nil))
		return
	}
	if d == 0 {
		u.checkStop(L)
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	waitOn(u, L, timer.C)
}

// capture implements Host.Capture for a single unit.
func (u *unit) capture(wait time.Duration, cancel <-chan struct{}) (runtime.Capture, error) {
	u.gate.Lock()
	if u.parked {
		c := runtime.Capture{Handle: u.id, Consistency: runtime.ConsistencyParked, Frames: walkFrames(u.L)}
		u.gate.Unlock()
		return c, nil
	}
	ch := make(chan runtime.Capture, 1)
	u.captures = append(u.captures, ch)
	u.flags.Or(flagCapture)
	u.gate.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case c := <-ch:
		return c, nil
	case <-u.done:
		select {
		case c := <-ch:
			return c, nil
		default:
			return runtime.Capture{}, runtime.ErrUnitNotFound
		}
	case <-timer.C:
	case <-cancel:
		u.withdrawCapture(ch)
		return runtime.Capture{}, errCaptureCancelled
	}

	if !u.withdrawCapture(ch) {
		// Served between the timer firing and the withdrawal.
		return <-ch, nil
	}
	frames, ok := goroutineFrames(u.gid.Load())
	if !ok {
		return runtime.Capture{}, runtime.ErrUnitNotFound
	}
	return runtime.Capture{Handle: u.id, Consistency: runtime.ConsistencyGoroutineDump, Frames: frames}, nil
}

var errCaptureCancelled = errors.New("capture cancelled")

// withdrawCapture removes ch from the queue and reports whether it was still
// queued.
func (u *unit) withdrawCapture(ch chan runtime.Capture) bool {
	u.gate.Lock()
	defer u.gate.Unlock()
	for i, pending := range u.captures {
		if pending == ch {
			u.captures = append(u.captures[:i], u.captures[i+1:]...)
			if len(u.captures) == 0 {
				u.flags.And(^flagCapture)
			}
			return true
		}
	}
	return false
}

func (u *unit) emit(source, message string) {
	entry := runtime.LogEntry{
		Unit:    u.id,
		Message: message,
		Source:  source,
		Time:    time.Now(),
	}
	select {
	case u.logs <- entry:
	case <-u.host.closing:
	}
}
