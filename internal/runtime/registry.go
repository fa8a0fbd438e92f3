package runtime

import (
	"path/filepath"
	"strings"
	"sync"
)

// Options tune the runtimes a registry constructs. Zero values keep each
// runtime's defaults.
type Options struct {
	// LogBuffer is the number of output lines buffered per execution unit.
	LogBuffer int
}

// Factory constructs a runtime instance.
type Factory func(Options) Runtime

type factoryEntry struct {
	ext     string
	factory Factory
}

var (
	registryMu       sync.RWMutex
	builtinFactories []factoryEntry
)

// Register associates the provided factory with an entry point extension such
// as ".lua". When multiple factories register the same extension the most
// recent registration wins.
func Register(ext string, factory Factory) {
	if ext == "" {
		panic("runtime.Register: extension must not be empty")
	}
	if factory == nil {
		panic("runtime.Register: factory must not be nil")
	}
	ext = normalizeExt(ext)

	registryMu.Lock()
	defer registryMu.Unlock()

	for i, entry := range builtinFactories {
		if entry.ext == ext {
			builtinFactories[i].factory = factory
			return
		}
	}

	builtinFactories = append(builtinFactories, factoryEntry{ext: ext, factory: factory})
}

// NewRegistry constructs the default runtime registry containing all registered
// runtime adapters.
func NewRegistry(opts Options) Registry {
	registryMu.RLock()
	defer registryMu.RUnlock()

	reg := make(Registry, len(builtinFactories))
	for _, entry := range builtinFactories {
		reg[entry.ext] = entry.factory(opts)
	}
	return reg
}

// ForPath returns the runtime registered for the extension of path.
func (r Registry) ForPath(path string) (Runtime, string, bool) {
	ext := normalizeExt(filepath.Ext(path))
	rt, ok := r.Lookup(ext)
	return rt, ext, ok
}

// Extensions lists the registered extensions.
func (r Registry) Extensions() []string {
	out := make([]string, 0, len(r))
	for ext := range r {
		out = append(out, ext)
	}
	return out
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(ext)
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}
