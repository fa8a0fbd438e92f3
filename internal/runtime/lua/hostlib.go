package lua

import (
	"fmt"
	"math"
	"net"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/Paintersrp/stallwatch/internal/runtime"
)

const (
	lockTypeName     = "task.lock"
	listenerTypeName = "task.listener"
	connTypeName     = "task.conn"
)

// maxSleepSeconds is the longest sleep that still fits a time.Duration.
// Longer sleeps only end on a stop.
const maxSleepSeconds = math.MaxInt64 / int64(time.Second)

// installLibraries installs the task module on L and routes print through
// the unit's output channel.
func (h *Host) installLibraries(L *lua.LState, u *unit) {
	h.registerTypes(L, u)

	mod := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"sleep": func(L *lua.LState) int {
			secs := float64(L.CheckNumber(1))
			switch {
			case math.IsNaN(secs) || secs < 0:
				L.ArgError(1, "non-negative number expected")
			case secs >= float64(maxSleepSeconds):
				u.sleep(L, -1)
			default:
				u.sleep(L, time.Duration(secs*float64(time.Second)))
			}
			return 0
		},
		"lock": func(L *lua.LState) int {
			L.Push(newObject(L, h.namedLock(L.CheckString(1)), lockTypeName))
			return 1
		},
		"spawn": func(L *lua.LState) int {
			return h.luaSpawn(L, u, false)
		},
		"attach": func(L *lua.LState) int {
			return h.luaSpawn(L, u, true)
		},
		"join": func(L *lua.LState) int {
			done := h.Exited(runtime.Handle(L.CheckInt64(1)))
			if done != nil {
				waitOn(u, L, done)
			}
			return 0
		},
		"listen": func(L *lua.LState) int {
			ln, err := h.listen(L.CheckString(1))
			if err != nil {
				L.RaiseError("listen: %v", err)
			}
			L.Push(newObject(L, ln, listenerTypeName))
			return 1
		},
		"id": func(L *lua.LState) int {
			L.Push(lua.LNumber(u.id))
			return 1
		},
	})
	L.SetGlobal("task", mod)

	L.SetGlobal("print", L.NewFunction(func(L *lua.LState) int {
		top := L.GetTop()
		parts := make([]string, 0, top)
		for i := 1; i <= top; i++ {
			parts = append(parts, L.ToStringMeta(L.Get(i)).String())
		}
		u.emit(runtime.LogSourceStdout, strings.Join(parts, "\t"))
		return 0
	}))
}

func (h *Host) registerTypes(L *lua.LState, u *unit) {
	lockMT := L.NewTypeMetatable(lockTypeName)
	L.SetField(lockMT, "__index", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"acquire": func(L *lua.LState) int {
			checkLock(L).acquire(L, u)
			return 0
		},
		"release": lockRelease,
		"with": func(L *lua.LState) int {
			return lockWith(L, u)
		},
		"name": func(L *lua.LState) int {
			L.Push(lua.LString(checkLock(L).name))
			return 1
		},
	}))
	L.SetField(lockMT, "__tostring", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(checkLock(L).String()))
		return 1
	}))

	lnMT := L.NewTypeMetatable(listenerTypeName)
	L.SetField(lnMT, "__index", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"accept": func(L *lua.LState) int {
			return h.listenerAccept(L, u)
		},
		"addr": func(L *lua.LState) int {
			L.Push(lua.LString(checkListener(L).ln.Addr().String()))
			return 1
		},
		"close": func(L *lua.LState) int {
			ln := checkListener(L)
			h.forgetListener(ln)
			if err := ln.close(); err != nil {
				L.RaiseError("close: %v", err)
			}
			return 0
		},
	}))

	connMT := L.NewTypeMetatable(connTypeName)
	L.SetField(connMT, "__index", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"write": func(L *lua.LState) int {
			c := checkConn(L)
			n, err := c.Write([]byte(L.CheckString(2)))
			if err != nil {
				L.RaiseError("write: %v", err)
			}
			L.Push(lua.LNumber(n))
			return 1
		},
		"remote": func(L *lua.LState) int {
			L.Push(lua.LString(checkConn(L).RemoteAddr().String()))
			return 1
		},
		"close": func(L *lua.LState) int {
			_ = checkConn(L).Close()
			return 0
		},
	}))
}

// newObject exposes a Go object to L as userdata of a registered type.
func newObject(L *lua.LState, value any, typeName string) *lua.LUserData {
	ud := L.NewUserData()
	ud.Value = value
	L.SetMetatable(ud, L.GetTypeMetatable(typeName))
	return ud
}

func (h *Host) luaSpawn(L *lua.LState, u *unit, attach bool) int {
	fn := L.CheckFunction(1)
	if fn.IsG {
		L.ArgError(1, "host functions cannot be spawned")
	}
	if fn.Proto.NumUpvalues > 0 {
		L.ArgError(1, "spawned functions run in a fresh VM and must not capture upvalues")
	}
	args := make([]portable, 0, L.GetTop()-1)
	for i := 2; i <= L.GetTop(); i++ {
		p, err := exportValue(L.Get(i))
		if err != nil {
			L.ArgError(i, err.Error())
		}
		args = append(args, p)
	}
	child, err := h.spawn(u, attach, fn.Proto, args)
	if err != nil {
		L.RaiseError("spawn: %v", err)
	}
	L.Push(lua.LNumber(child.id))
	return 1
}

// lockObject is a named, non-reentrant lock shared by every unit of a host.
type lockObject struct {
	name string
	sem  chan struct{}

	mu     sync.Mutex
	holder runtime.Handle
}

func (h *Host) namedLock(name string) *lockObject {
	h.mu.Lock()
	defer h.mu.Unlock()
	lk, ok := h.locks[name]
	if !ok {
		lk = &lockObject{name: name, sem: make(chan struct{}, 1)}
		h.locks[name] = lk
	}
	return lk
}

func (lk *lockObject) String() string {
	lk.mu.Lock()
	defer lk.mu.Unlock()
	if lk.holder == 0 {
		return fmt.Sprintf("lock %q (free)", lk.name)
	}
	return fmt.Sprintf("lock %q (held by %s)", lk.name, lk.holder)
}

func checkLock(L *lua.LState) *lockObject {
	ud := L.CheckUserData(1)
	if lk, ok := ud.Value.(*lockObject); ok {
		return lk
	}
	L.ArgError(1, "lock expected")
	return nil
}

// acquire parks u until the lock is free. Stop requests interrupt the wait.
func (lk *lockObject) acquire(L *lua.LState, u *unit) {
	u.checkStop(L)
	for acquired := false; !acquired; {
		u.park()
		select {
		case lk.sem <- struct{}{}:
			acquired = true
			u.unpark()
		case <-u.kick:
			u.unpark()
			u.checkStop(L)
		}
	}
	lk.mu.Lock()
	lk.holder = u.id
	lk.mu.Unlock()
}

func (lk *lockObject) release() bool {
	select {
	case <-lk.sem:
		lk.mu.Lock()
		lk.holder = 0
		lk.mu.Unlock()
		return true
	default:
		return false
	}
}

func lockRelease(L *lua.LState) int {
	lk := checkLock(L)
	if !lk.release() {
		L.RaiseError("release of unlocked lock %q", lk.name)
	}
	return 0
}

// lockWith runs fn while holding the lock and releases it however fn ends.
func lockWith(L *lua.LState, u *unit) int {
	lk := checkLock(L)
	fn := L.CheckFunction(2)
	lk.acquire(L, u)

	base := L.GetTop()
	L.Push(fn)
	err := L.PCall(0, lua.MultRet, nil)
	lk.release()

	if err != nil {
		if apiErr, ok := err.(*lua.ApiError); ok {
			L.Error(apiErr.Object, 0)
		}
		L.RaiseError("%v", err)
	}
	return L.GetTop() - base
}

// listenerObject wraps a TCP listener owned by the host.
type listenerObject struct {
	ln        net.Listener
	closeOnce sync.Once
	closeErr  error
}

func (h *Host) listen(addr string) (*listenerObject, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	obj := &listenerObject{ln: ln}
	h.mu.Lock()
	h.listeners[obj] = struct{}{}
	h.mu.Unlock()
	return obj, nil
}

func (h *Host) forgetListener(ln *listenerObject) {
	h.mu.Lock()
	delete(h.listeners, ln)
	h.mu.Unlock()
}

func (ln *listenerObject) close() error {
	ln.closeOnce.Do(func() {
		ln.closeErr = ln.ln.Close()
	})
	return ln.closeErr
}

func (ln *listenerObject) String() string {
	return fmt.Sprintf("listener %s", ln.ln.Addr())
}

func checkListener(L *lua.LState) *listenerObject {
	ud := L.CheckUserData(1)
	if ln, ok := ud.Value.(*listenerObject); ok {
		return ln
	}
	L.ArgError(1, "listener expected")
	return nil
}

// listenerAccept blocks in the network stack. The unit is parked, so it can
// be captured, but stop requests are only observed once Accept returns.
func (h *Host) listenerAccept(L *lua.LState, u *unit) int {
	ln := checkListener(L)
	u.checkStop(L)

	u.park()
	conn, err := ln.ln.Accept()
	u.unpark()

	u.checkStop(L)
	if err != nil {
		L.RaiseError("accept: %v", err)
	}
	L.Push(newObject(L, conn, connTypeName))
	return 1
}

func checkConn(L *lua.LState) net.Conn {
	ud := L.CheckUserData(1)
	if c, ok := ud.Value.(net.Conn); ok {
		return c
	}
	L.ArgError(1, "connection expected")
	return nil
}
