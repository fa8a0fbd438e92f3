package lua

import (
	lua "github.com/yuin/gopher-lua"

	"github.com/Paintersrp/stallwatch/internal/runtime"
)

const exitTypeName = "task.exit"

// openLibraries opens the standard libraries a workload may use. The channel
// library is left out: units never share an LState, so channels have nobody
// to talk to.
func openLibraries(L *lua.LState) {
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.LoadLibName, lua.OpenPackage},
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.IoLibName, lua.OpenIo},
		{lua.OsLibName, lua.OpenOs},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
		{lua.DebugLibName, lua.OpenDebug},
		{lua.CoroutineLibName, lua.OpenCoroutine},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
}

// installProcessGuards replaces the library functions that would reach past
// the unit: os.exit ends the unit instead of the process, and new coroutine
// threads share the unit's safe point.
func (u *unit) installProcessGuards(L *lua.LState) {
	exitMT := L.NewTypeMetatable(exitTypeName)
	L.SetField(exitMT, "__tostring", L.NewFunction(func(L *lua.LState) int {
		ud := L.CheckUserData(1)
		if req, ok := ud.Value.(*exitRequest); ok {
			L.Push(lua.LString(req.String()))
			return 1
		}
		L.Push(lua.LString("exit"))
		return 1
	}))

	if osMod, ok := L.GetGlobal(lua.OsLibName).(*lua.LTable); ok {
		osMod.RawSetString("exit", L.NewFunction(luaExit))
	}

	co, ok := L.GetGlobal(lua.CoroutineLibName).(*lua.LTable)
	if !ok {
		return
	}
	create, _ := co.RawGetString("create").(*lua.LFunction)
	wrap, _ := co.RawGetString("wrap").(*lua.LFunction)
	if create == nil || wrap == nil {
		return
	}
	co.RawSetString("create", L.NewFunction(func(L *lua.LState) int {
		th := u.callDetached(L, create, L.CheckFunction(1))
		if thread, ok := th.(*lua.LState); ok {
			u.bindThread(thread)
		}
		L.Push(th)
		return 1
	}))
	co.RawSetString("wrap", L.NewFunction(func(L *lua.LState) int {
		fn := u.callDetached(L, wrap, L.CheckFunction(1))
		if cl, ok := fn.(*lua.LFunction); ok && len(cl.Upvalues) > 0 {
			if thread, ok := cl.Upvalues[0].Value().(*lua.LState); ok {
				u.bindThread(thread)
			}
		}
		L.Push(fn)
		return 1
	}))
}

// callDetached calls a library function with L's context removed, so a
// thread it creates does not derive a cancel context from the unit's.
func (u *unit) callDetached(L *lua.LState, fn *lua.LFunction, arg lua.LValue) lua.LValue {
	ctx := L.RemoveContext()
	defer L.SetContext(ctx)
	L.Push(fn)
	L.Push(arg)
	L.Call(1, 1)
	ret := L.Get(-1)
	L.Pop(1)
	return ret
}

// bindThread makes every instruction of a coroutine thread a safe point of u.
func (u *unit) bindThread(th *lua.LState) {
	th.SetContext(&safePointContext{u: u})
}

// exitRequest is the error value raised by os.exit.
type exitRequest struct {
	code int
}

func (r *exitRequest) String() string {
	return (&runtime.ExitError{Code: r.code}).Error()
}

func (r *exitRequest) err() error {
	if r.code == 0 {
		return nil
	}
	return &runtime.ExitError{Code: r.code}
}

// luaExit follows os.exit([code]): true or no argument is success, false is
// failure, a number is the status.
func luaExit(L *lua.LState) int {
	code := 0
	switch v := L.Get(1).(type) {
	case *lua.LNilType:
	case lua.LBool:
		if !bool(v) {
			code = 1
		}
	case lua.LNumber:
		code = int(v)
	default:
		L.ArgError(1, "boolean or number expected")
	}
	L.Error(newObject(L, &exitRequest{code: code}, exitTypeName), 0)
	return 0
}

// exitFromError reports the exit request carried by a raised error, if any.
func exitFromError(err error) (*exitRequest, bool) {
	apiErr, ok := err.(*lua.ApiError)
	if !ok {
		return nil, false
	}
	ud, ok := apiErr.Object.(*lua.LUserData)
	if !ok {
		return nil, false
	}
	req, ok := ud.Value.(*exitRequest)
	return req, ok
}
