package snapshot

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Paintersrp/stallwatch/internal/runtime"
)

const (
	DefaultContextLines = 2
	DefaultMaxValueLen  = 50
	DefaultWait         = 500 * time.Millisecond

	// Placeholder replaces values that cannot be stringified.
	Placeholder = "<unable to display>"

	sourceExt = ".lua"
)

// ErrNotFound is returned when the unit is no longer tracked by its runtime.
var ErrNotFound = errors.New("execution unit not found")

// Capturer reads the raw call stack of a unit.
type Capturer interface {
	Capture(ctx context.Context, h runtime.Handle, wait time.Duration) (runtime.Capture, error)
}

// Option configures a Snapshotter.
type Option func(*Snapshotter)

// WithContextLines sets how many source lines are shown above and below the
// current line. Zero disables source context.
func WithContextLines(n int) Option {
	return func(s *Snapshotter) {
		if n >= 0 {
			s.contextLines = n
		}
	}
}

// WithMaxValueLen bounds the display length of local values, in runes.
func WithMaxValueLen(n int) Option {
	return func(s *Snapshotter) {
		if n > 0 {
			s.maxValueLen = n
		}
	}
}

// WithWait bounds how long a capture waits for the unit to reach a safe
// point before falling back to a goroutine dump.
func WithWait(d time.Duration) Option {
	return func(s *Snapshotter) {
		if d > 0 {
			s.wait = d
		}
	}
}

// WithClock overrides the time source for TakenAt.
func WithClock(now func() time.Time) Option {
	return func(s *Snapshotter) {
		if now != nil {
			s.now = now
		}
	}
}

// Snapshotter turns raw captures into presentable snapshots. It never stops
// or pauses the unit it reads.
type Snapshotter struct {
	capturer     Capturer
	contextLines int
	maxValueLen  int
	wait         time.Duration
	now          func() time.Time
}

func New(capturer Capturer, opts ...Option) *Snapshotter {
	s := &Snapshotter{
		capturer:     capturer,
		contextLines: DefaultContextLines,
		maxValueLen:  DefaultMaxValueLen,
		wait:         DefaultWait,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Snapshot captures the call stack of unit h. It returns an error wrapping
// ErrNotFound when h has exited.
func (s *Snapshotter) Snapshot(ctx context.Context, h runtime.Handle) (*StackSnapshot, error) {
	raw, err := s.capturer.Capture(ctx, h, s.wait)
	if err != nil {
		if errors.Is(err, runtime.ErrUnitNotFound) {
			return nil, fmt.Errorf("snapshot %s: %w", h, ErrNotFound)
		}
		return nil, fmt.Errorf("snapshot %s: %w", h, err)
	}

	snap := &StackSnapshot{
		Handle:      h,
		TakenAt:     s.now(),
		Consistency: raw.Consistency,
		Frames:      make([]Frame, 0, len(raw.Frames)),
	}
	sources := make(map[string][]string)
	for _, rf := range raw.Frames {
		frame := Frame{
			File:     rf.Source,
			Line:     rf.Line,
			Function: rf.Function,
			Locals:   s.locals(rf.Locals),
		}
		if s.contextLines > 0 {
			frame.Context = s.sourceContext(sources, rf.Source, rf.Line)
		}
		snap.Frames = append(snap.Frames, frame)
	}
	return snap, nil
}

func (s *Snapshotter) locals(in []runtime.Local) []Variable {
	var out []Variable
	for _, local := range in {
		if hiddenName(local.Name) {
			continue
		}
		out = append(out, Variable{Name: local.Name, Value: truncate(stringify(local.Value), s.maxValueLen)})
	}
	return out
}

// hiddenName reports VM temporaries ("(for index)") and dunder names.
func hiddenName(name string) bool {
	return name == "" || strings.HasPrefix(name, "(") || strings.HasPrefix(name, "__")
}

func stringify(v fmt.Stringer) (out string) {
	if v == nil {
		return Placeholder
	}
	defer func() {
		if recover() != nil {
			out = Placeholder
		}
	}()
	return v.String()
}

func truncate(value string, limit int) string {
	if utf8.RuneCountInString(value) <= limit {
		return value
	}
	runes := []rune(value)
	if limit <= 3 {
		return string(runes[:limit])
	}
	return string(runes[:limit-3]) + "..."
}

func (s *Snapshotter) sourceContext(cache map[string][]string, file string, line int) []SourceLine {
	if line <= 0 || !strings.EqualFold(filepath.Ext(file), sourceExt) {
		return nil
	}
	lines, ok := cache[file]
	if !ok {
		lines = readLines(file)
		cache[file] = lines
	}
	if line > len(lines) {
		return nil
	}
	first := max(1, line-s.contextLines)
	last := min(len(lines), line+s.contextLines)
	out := make([]SourceLine, 0, last-first+1)
	for n := first; n <= last; n++ {
		out = append(out, SourceLine{Number: n, Text: lines[n-1], Current: n == line})
	}
	return out
}

// readLines returns nil for files that cannot be read.
func readLines(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if scanner.Err() != nil {
		return nil
	}
	return lines
}
