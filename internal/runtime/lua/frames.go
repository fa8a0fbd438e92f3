package lua

import (
	"bytes"
	"fmt"
	stdruntime "runtime"
	"strconv"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/Paintersrp/stallwatch/internal/runtime"
)

// maxFrames bounds the walk of runaway recursion.
const maxFrames = 256

// walkFrames reads the Lua frames of L, innermost first, starting in the
// coroutine that is running and continuing through the threads that resumed
// it. Host (Go) frames are skipped. The caller must own L: either it is the
// unit goroutine, or the unit is parked and the caller holds its gate.
func walkFrames(L *lua.LState) []runtime.RawFrame {
	if L == nil {
		return nil
	}
	var frames []runtime.RawFrame
	for th := runningThread(L); th != nil && len(frames) < maxFrames; th = th.Parent {
		frames = appendThreadFrames(frames, th)
	}
	return frames
}

func runningThread(L *lua.LState) *lua.LState {
	if L.G != nil && L.G.CurrentThread != nil {
		return L.G.CurrentThread
	}
	return L
}

func appendThreadFrames(frames []runtime.RawFrame, L *lua.LState) []runtime.RawFrame {
	for level := 0; len(frames) < maxFrames; level++ {
		dbg, ok := L.GetStack(level)
		if !ok {
			break
		}
		fnv, err := L.GetInfo("nSlf", dbg, lua.LNil)
		if err != nil {
			continue
		}
		fn, ok := fnv.(*lua.LFunction)
		if !ok || fn.IsG {
			continue
		}
		frame := runtime.RawFrame{
			Source:   dbg.Source,
			Line:     dbg.CurrentLine,
			Function: functionName(dbg),
		}
		for n := 1; ; n++ {
			name, value := L.GetLocal(dbg, n)
			if name == "" {
				break
			}
			frame.Locals = append(frame.Locals, runtime.Local{Name: name, Value: describe(value)})
		}
		frames = append(frames, frame)
	}
	return frames
}

func functionName(dbg *lua.Debug) string {
	switch {
	case dbg.LineDefined == 0:
		return "main chunk"
	case dbg.Name != "" && dbg.Name != "main chunk":
		// Spawned functions are called from the top of their VM and get
		// named like the chunk.
		return dbg.Name
	default:
		return fmt.Sprintf("function <%s:%d>", dbg.Source, dbg.LineDefined)
	}
}

// describe wraps a value for lazy stringification. Userdata delegates to the
// wrapped Go value when it knows how to print itself.
func describe(v lua.LValue) fmt.Stringer {
	if ud, ok := v.(*lua.LUserData); ok {
		return userdataValue{ud: ud}
	}
	return v
}

type userdataValue struct {
	ud *lua.LUserData
}

func (v userdataValue) String() string {
	if s, ok := v.ud.Value.(fmt.Stringer); ok {
		return s.String()
	}
	return v.ud.String()
}

// currentGoroutineID parses the id out of the calling goroutine's stack
// header ("goroutine 18 [running]:").
func currentGoroutineID() int64 {
	var buf [64]byte
	n := stdruntime.Stack(buf[:], false)
	id, _ := parseGoroutineHeader(buf[:n])
	return id
}

func parseGoroutineHeader(b []byte) (int64, bool) {
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	end := bytes.IndexByte(b, ' ')
	if end < 0 {
		return 0, false
	}
	id, err := strconv.ParseInt(string(b[:end]), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// goroutineFrames returns the Go frames of goroutine gid from a dump of all
// goroutines. The dump is taken while the goroutine keeps running.
func goroutineFrames(gid int64) ([]runtime.RawFrame, bool) {
	if gid == 0 {
		return nil, false
	}
	buf := make([]byte, 64<<10)
	for {
		n := stdruntime.Stack(buf, true)
		if n < len(buf) {
			buf = buf[:n]
			break
		}
		buf = make([]byte, 2*len(buf))
	}
	return parseGoroutineDump(string(buf), gid)
}

func parseGoroutineDump(dump string, gid int64) ([]runtime.RawFrame, bool) {
	for _, block := range strings.Split(dump, "\n\n") {
		lines := strings.Split(strings.TrimSpace(block), "\n")
		if len(lines) == 0 {
			continue
		}
		id, ok := parseGoroutineHeader([]byte(lines[0]))
		if !ok || id != gid {
			continue
		}
		var frames []runtime.RawFrame
		for i := 1; i+1 < len(lines); i += 2 {
			function := lines[i]
			if strings.HasPrefix(function, "created by ") || strings.HasPrefix(function, "...") {
				break
			}
			if paren := strings.LastIndexByte(function, '('); paren > 0 {
				function = function[:paren]
			}
			location := strings.TrimSpace(lines[i+1])
			if sp := strings.IndexByte(location, ' '); sp > 0 {
				location = location[:sp]
			}
			file, line := location, 0
			if colon := strings.LastIndexByte(location, ':'); colon > 0 {
				file = location[:colon]
				line, _ = strconv.Atoi(location[colon+1:])
			}
			frames = append(frames, runtime.RawFrame{Source: file, Line: line, Function: function})
		}
		return frames, true
	}
	return nil, false
}
