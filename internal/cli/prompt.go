package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/Paintersrp/stallwatch/internal/config"
)

var (
	errEmptyPath   = errors.New("script path cannot be empty")
	errInterrupted = errors.New("interrupted")
)

// readScriptPath reads the entry point from in, prompting first when in is
// an interactive terminal. Cancelling ctx abandons the read.
func readScriptPath(ctx context.Context, in io.Reader, out io.Writer, interactive bool) (string, error) {
	if interactive {
		io.WriteString(out, "Enter the script path to monitor: ")
	}

	type result struct {
		line string
		err  error
	}
	read := make(chan result, 1)
	go func() {
		line, err := readLine(in)
		read <- result{line: line, err: err}
	}()

	var r result
	select {
	case <-ctx.Done():
		if interactive {
			io.WriteString(out, "\n")
		}
		return "", fmt.Errorf("%w while reading the script path", errInterrupted)
	case r = <-read:
	}
	if r.err != nil && !errors.Is(r.err, io.EOF) {
		return "", r.err
	}
	path := strings.Trim(strings.TrimSpace(r.line), `"'`)
	if path == "" {
		return "", errEmptyPath
	}
	return path, nil
}

// readLine reads up to the next newline without buffering past it.
func readLine(in io.Reader) (string, error) {
	var sb strings.Builder
	buf := make([]byte, 1)
	for {
		n, err := in.Read(buf)
		if n > 0 {
			if buf[0] == '\n' {
				return sb.String(), nil
			}
			sb.WriteByte(buf[0])
		}
		if err != nil {
			return sb.String(), err
		}
	}
}

func isTerminal(v any) bool {
	f, ok := v.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// useColor resolves a color mode against the output writer.
func useColor(mode string, out io.Writer) bool {
	switch mode {
	case config.ColorAlways:
		return true
	case config.ColorNever:
		return false
	}
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	return isTerminal(out)
}
