package logmux

import (
	"fmt"
	"sync"
	"time"

	"github.com/Paintersrp/stallwatch/internal/runtime"
)

// Mux fans in output lines from every execution unit of a workload and
// delivers them via a bounded channel. When downstream consumers cannot keep
// up and the output buffer would overflow, the mux drops lines and emits a
// synthesized warning entry to surface the number of discarded lines.
type Mux struct {
	out chan runtime.LogEntry

	mu     sync.Mutex
	drops  map[runtime.Handle]int
	inputs sync.WaitGroup
}

// New constructs a mux backed by a channel of the provided size. A size of
// zero results in a minimally buffered channel.
func New(size int) *Mux {
	if size <= 0 {
		size = 1
	}
	return &Mux{
		out:   make(chan runtime.LogEntry, size),
		drops: make(map[runtime.Handle]int),
	}
}

// Output exposes the muxed channel.
func (m *Mux) Output() <-chan runtime.LogEntry {
	return m.out
}

// Add registers a new source channel. The mux consumes entries until the
// source channel is closed. Add must not be called concurrently with Close.
func (m *Mux) Add(source <-chan runtime.LogEntry) {
	if source == nil {
		return
	}
	m.inputs.Add(1)
	go func() {
		defer m.inputs.Done()
		for entry := range source {
			m.deliver(normalize(entry))
		}
	}()
}

// Close waits for all sources to be drained, emits any pending drop metadata,
// and closes the output channel.
func (m *Mux) Close() {
	m.inputs.Wait()
	m.flushDrops()
	close(m.out)
}

func (m *Mux) deliver(entry runtime.LogEntry) {
	if !m.flushPending(entry.Unit) {
		m.recordDrops(entry.Unit, 1)
		return
	}
	if m.trySend(entry) {
		return
	}
	m.recordDrops(entry.Unit, 1)
}

func (m *Mux) flushPending(unit runtime.Handle) bool {
	for {
		count := m.takeDrops(unit)
		if count == 0 {
			return true
		}
		if m.trySend(synthesizeDropEntry(unit, count)) {
			continue
		}
		m.recordDrops(unit, count)
		return false
	}
}

func (m *Mux) takeDrops(unit runtime.Handle) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := m.drops[unit]
	if count != 0 {
		delete(m.drops, unit)
	}
	return count
}

func (m *Mux) recordDrops(unit runtime.Handle, count int) {
	if count <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drops[unit] += count
}

func (m *Mux) flushDrops() {
	m.mu.Lock()
	pending := m.drops
	m.drops = make(map[runtime.Handle]int)
	m.mu.Unlock()

	for unit, count := range pending {
		if count == 0 {
			continue
		}
		m.out <- synthesizeDropEntry(unit, count)
	}
}

func (m *Mux) trySend(entry runtime.LogEntry) bool {
	select {
	case m.out <- entry:
		return true
	default:
		return false
	}
}

func normalize(entry runtime.LogEntry) runtime.LogEntry {
	if entry.Time.IsZero() {
		entry.Time = time.Now()
	}
	if entry.Source == "" {
		entry.Source = runtime.LogSourceStdout
	}
	if entry.Level == "" {
		if entry.Source == runtime.LogSourceStderr {
			entry.Level = "warn"
		} else {
			entry.Level = "info"
		}
	}
	return entry
}

func synthesizeDropEntry(unit runtime.Handle, count int) runtime.LogEntry {
	return runtime.LogEntry{
		Unit:    unit,
		Message: fmt.Sprintf("dropped=%d", count),
		Source:  runtime.LogSourceSystem,
		Level:   "warn",
		Time:    time.Now(),
	}
}
