package task

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Paintersrp/stallwatch/internal/runtime"
	luart "github.com/Paintersrp/stallwatch/internal/runtime/lua"
)

func newRunner(t *testing.T) (*Runner, *luart.Host) {
	t.Helper()
	host := luart.New()
	t.Cleanup(func() { _ = host.Close() })
	return NewRunner(runtime.Registry{".lua": host}), host
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func waitTask(t *testing.T, task *Task) {
	t.Helper()
	select {
	case <-task.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("task did not finish")
	}
}

func outputLines(t *testing.T, task *Task) []string {
	t.Helper()
	var lines []string
	timeout := time.After(5 * time.Second)
	for {
		select {
		case entry, ok := <-task.Logs():
			if !ok {
				return lines
			}
			lines = append(lines, entry.Message)
		case <-timeout:
			t.Fatalf("output still open, got %v", lines)
		}
	}
}

func TestStartRejectsInvalidEntryPoints(t *testing.T) {
	runner, _ := newRunner(t)
	dir := t.TempDir()
	writeFile(t, dir, "job.py", "print('x')")

	cases := map[string]string{
		"empty":       "  ",
		"missing":     filepath.Join(dir, "missing.lua"),
		"directory":   dir,
		"unsupported": filepath.Join(dir, "job.py"),
	}
	for name, path := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := runner.Start(context.Background(), path)
			var inputErr *InputError
			require.True(t, errors.As(err, &inputErr), "got %v", err)
		})
	}
}

func TestStartRunsInScriptDirectory(t *testing.T) {
	runner, _ := newRunner(t)
	t.Setenv(LuaPathEnv, "/opt/lua/?.lua")

	dir := t.TempDir()
	writeFile(t, dir, "data.txt", "from data\n")
	writeFile(t, dir, "helper.lua", `return { greeting = "from helper" }`)
	path := writeFile(t, dir, "main.lua", `local f = assert(io.open("data.txt"))
print(f:read("*l"))
f:close()
print(require("helper").greeting)
print(os.getenv("LUA_PATH"))
`)

	before, err := os.Getwd()
	require.NoError(t, err)

	task, err := runner.Start(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, path, task.EntryPoint())
	require.Equal(t, dir, task.Dir())

	lines := outputLines(t, task)
	waitTask(t, task)
	require.NoError(t, task.Err())
	require.Len(t, lines, 3)
	require.Equal(t, "from data", lines[0])
	require.Equal(t, "from helper", lines[1])
	require.True(t, strings.HasPrefix(lines[2], filepath.Join(dir, "?.lua")+";"), lines[2])
	require.True(t, strings.HasSuffix(lines[2], ";/opt/lua/?.lua"), lines[2])

	after, err := os.Getwd()
	require.NoError(t, err)
	require.Equal(t, before, after)
	require.Equal(t, "/opt/lua/?.lua", os.Getenv(LuaPathEnv))
	require.Equal(t, StatusCompleted, task.Settle())
}

func TestScopeRestoredOnEveryExitPath(t *testing.T) {
	cases := []struct {
		name   string
		script string
		stop   bool
		want   Status
	}{
		{name: "normal", script: `print("done")`, want: StatusCompleted},
		{name: "raised", script: `error("boom")`, want: StatusCompleted},
		{name: "terminated", script: `print("ready")
task.sleep(30)`, stop: true, want: StatusTerminatedByRequest},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			runner, host := newRunner(t)
			before, err := os.Getwd()
			require.NoError(t, err)
			_, hadPath := os.LookupEnv(LuaPathEnv)

			path := writeFile(t, t.TempDir(), "main.lua", tc.script)
			task, err := runner.Start(context.Background(), path)
			require.NoError(t, err)

			if tc.stop {
				require.Eventually(t, func() bool {
					c, err := host.Capture(context.Background(), task.Handle(), time.Second)
					return err == nil && c.Consistency == runtime.ConsistencyParked && len(c.Frames) > 0
				}, 5*time.Second, 10*time.Millisecond)
				require.Equal(t, 1, host.SetAsyncStop(task.Handle(), runtime.StopSignal))
			}
			waitTask(t, task)

			after, err := os.Getwd()
			require.NoError(t, err)
			require.Equal(t, before, after)
			_, hasPath := os.LookupEnv(LuaPathEnv)
			require.Equal(t, hadPath, hasPath)
			require.Equal(t, tc.want, task.Settle())
		})
	}
}

func TestRaisedErrorIsReported(t *testing.T) {
	runner, _ := newRunner(t)
	path := writeFile(t, t.TempDir(), "main.lua", `error("boom")`)

	task, err := runner.Start(context.Background(), path)
	require.NoError(t, err)
	waitTask(t, task)
	require.ErrorContains(t, task.Err(), "boom")
	require.False(t, task.Alive())
}
