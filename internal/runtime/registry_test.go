package runtime_test

import (
	"testing"

	"github.com/Paintersrp/stallwatch/internal/runtime"
	_ "github.com/Paintersrp/stallwatch/internal/runtime/lua"
)

func TestNewRegistryContainsBuiltInRuntimes(t *testing.T) {
	reg := runtime.NewRegistry(runtime.Options{})

	for _, key := range []string{".lua"} {
		if _, ok := reg[key]; !ok {
			t.Fatalf("expected registry to contain %q runtime", key)
		}
	}
}

func TestRegistryForPathNormalizesExtension(t *testing.T) {
	reg := runtime.NewRegistry(runtime.Options{})

	rt, ext, ok := reg.ForPath("/srv/jobs/Worker.LUA")
	if !ok || rt == nil {
		t.Fatalf("expected a runtime for .LUA entry points")
	}
	if ext != ".lua" {
		t.Fatalf("expected normalized extension, got %q", ext)
	}

	if _, ext, ok := reg.ForPath("/srv/jobs/worker.py"); ok {
		t.Fatalf("unexpected runtime for %q", ext)
	}
}

func TestParseStopKind(t *testing.T) {
	cases := map[string]runtime.StopKind{
		"":          runtime.StopSignal,
		"stop":      runtime.StopSignal,
		"interrupt": runtime.StopInterrupt,
	}
	for input, want := range cases {
		got, err := runtime.ParseStopKind(input)
		if err != nil {
			t.Fatalf("ParseStopKind(%q): %v", input, err)
		}
		if got != want {
			t.Fatalf("ParseStopKind(%q) = %q, want %q", input, got, want)
		}
	}
	if _, err := runtime.ParseStopKind("kill"); err == nil {
		t.Fatal("expected unknown kind to fail")
	}
}
