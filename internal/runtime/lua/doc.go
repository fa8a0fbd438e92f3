// Package lua provides a runtime implementation that executes Lua workloads on
// dedicated goroutines using gopher-lua.
//
// Every execution unit is a goroutine that owns exactly one *lua.LState. The
// LState is not goroutine-safe, so nothing outside the unit touches it while the
// unit may be running. Two points give outside callers access:
//
//   - Safe points. The VM consults the state's context before every
//     instruction. Each unit installs a context whose Done method services
//     pending stack captures and delivers pending stop requests on the unit's
//     own goroutine.
//   - Parked regions. Host functions that block (task.sleep, lock acquisition,
//     task.join, listener:accept) park the unit for the duration of the wait.
//     A parked unit cannot change its stack, so a capture may be read directly
//     by the requester while it holds the unit's gate.
//
// Units open the standard libraries except channel. os.exit raises an exit
// request that ends the unit, not the process, and coroutine threads carry
// the unit's safe-point context, so a unit busy inside a coroutine is
// captured and stopped like one running its main chunk.
//
// Stop injection lives in asyncexc.go. It reports how many units a request
// reached instead of a boolean: a request can fan out to several units when a
// workload attached helpers to its interrupt group with task.attach.
//
// Units blocked in native calls (listener:accept) neither reach a safe point
// nor watch for stop requests. They can be captured while parked but cannot be
// stopped until the call returns.
package lua
