package task

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// LuaPathEnv is read by the Lua VM when its package library is opened.
const LuaPathEnv = "LUA_PATH"

// The working directory and environment are process-wide. One scope is held
// at a time; a second task waits in its setup until the first releases.
var ambientMu sync.Mutex

// scope is the ambient state a task runs under.
type scope struct {
	prevDir  string
	prevPath string
	hadPath  bool
}

// searchPath returns the module search path for scripts in dir, in front of
// prev. An empty prev keeps the VM defaults through the ";;" marker.
func searchPath(dir, prev string) string {
	entries := []string{
		filepath.Join(dir, "?.lua"),
		filepath.Join(dir, "?", "init.lua"),
	}
	if prev == "" {
		return strings.Join(entries, ";") + ";;"
	}
	return strings.Join(entries, ";") + ";" + prev
}

// enterScope moves the process into dir and extends the module search path.
// The returned release restores both and must run exactly once.
func enterScope(dir string) (func(), error) {
	ambientMu.Lock()

	prevDir, err := os.Getwd()
	if err != nil {
		ambientMu.Unlock()
		return nil, fmt.Errorf("read working directory: %w", err)
	}
	s := &scope{prevDir: prevDir}
	s.prevPath, s.hadPath = os.LookupEnv(LuaPathEnv)

	if err := os.Chdir(dir); err != nil {
		ambientMu.Unlock()
		return nil, fmt.Errorf("enter %s: %w", dir, err)
	}
	if err := os.Setenv(LuaPathEnv, searchPath(dir, s.prevPath)); err != nil {
		_ = os.Chdir(prevDir)
		ambientMu.Unlock()
		return nil, fmt.Errorf("set %s: %w", LuaPathEnv, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			defer ambientMu.Unlock()
			s.restore()
		})
	}, nil
}

func (s *scope) restore() {
	_ = os.Chdir(s.prevDir)
	if s.hadPath {
		_ = os.Setenv(LuaPathEnv, s.prevPath)
	} else {
		_ = os.Unsetenv(LuaPathEnv)
	}
}
