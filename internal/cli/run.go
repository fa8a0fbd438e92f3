package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	httpapi "github.com/Paintersrp/stallwatch/internal/api/http"
	"github.com/Paintersrp/stallwatch/internal/config"
	"github.com/Paintersrp/stallwatch/internal/engine"
	"github.com/Paintersrp/stallwatch/internal/metrics"
	"github.com/Paintersrp/stallwatch/internal/render"
	"github.com/Paintersrp/stallwatch/internal/runtime"
	_ "github.com/Paintersrp/stallwatch/internal/runtime/lua"
	"github.com/Paintersrp/stallwatch/internal/snapshot"
	"github.com/Paintersrp/stallwatch/internal/task"
	"github.com/Paintersrp/stallwatch/internal/tui"
)

const tuiLogRetention = 500

type runOptions struct {
	pollInterval    time.Duration
	confirmTimeout  time.Duration
	stopKind        string
	contextLines    int
	maxValueLength  int
	output          string
	color           string
	redact          bool
	tui             bool
	pause           bool
	metricsTextfile string
	listen          string
	logBuffer       int
}

func newRunCmd(g *globals) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run [script]",
		Short: "Run a script and watch it; press Ctrl+C to dump its stacks and stop it",
		Long: "Run starts the script on its own execution unit and waits for it to finish.\n" +
			"Ctrl+C captures the stack of the script and of every unit it spawned, then\n" +
			"forces the script to stop. Without a script argument the path is read from stdin.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScript(cmd, g, opts, args)
		},
	}

	flags := cmd.Flags()
	flags.DurationVar(&opts.pollInterval, "poll-interval", config.DefaultPollInterval, "How often the script's liveness is checked")
	flags.DurationVar(&opts.confirmTimeout, "confirm-timeout", config.DefaultConfirmTimeout, "How long to wait for the stopped script to exit")
	flags.StringVar(&opts.stopKind, "stop-kind", string(runtime.StopSignal), "Control-flow event injected on stop (stop or interrupt)")
	flags.IntVar(&opts.contextLines, "context-lines", config.DefaultContextLines, "Source lines shown around each frame's current line")
	flags.IntVar(&opts.maxValueLength, "max-value-length", config.DefaultMaxValueLength, "Truncate local values longer than this")
	flags.StringVarP(&opts.output, "output", "o", config.FormatText, "Output format (text or json)")
	flags.StringVar(&opts.color, "color", config.ColorAuto, "Color text output (auto, always or never)")
	flags.BoolVar(&opts.redact, "redact", false, "Mask secret-looking locals and output")
	flags.BoolVar(&opts.tui, "tui", false, "Browse the captured stacks interactively after the run")
	flags.BoolVar(&opts.pause, "pause", false, "Wait for Enter before exiting after a stall")
	flags.StringVar(&opts.metricsTextfile, "metrics-textfile", "", "Write run metrics to this file in Prometheus text format")
	flags.IntVar(&opts.logBuffer, "log-buffer", config.DefaultLogBuffer, "Output lines buffered per execution unit")
	flags.StringVar(&opts.listen, "listen", "", "Serve run status, a stall trigger and metrics on this address (e.g. :7664)")

	return cmd
}

// apply overrides cfg with the flags given on the command line.
func (o *runOptions) apply(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("poll-interval") {
		cfg.PollInterval.Duration = o.pollInterval
	}
	if flags.Changed("confirm-timeout") {
		cfg.ConfirmTimeout.Duration = o.confirmTimeout
	}
	if flags.Changed("stop-kind") {
		cfg.StopKind = o.stopKind
	}
	if flags.Changed("context-lines") {
		lines := o.contextLines
		cfg.Snapshot.ContextLines = &lines
	}
	if flags.Changed("max-value-length") {
		cfg.Snapshot.MaxValueLength = o.maxValueLength
	}
	if flags.Changed("output") {
		cfg.Output.Format = o.output
	}
	if flags.Changed("color") {
		cfg.Output.Color = o.color
	}
	if flags.Changed("redact") {
		cfg.Output.Redact = o.redact
	}
	if flags.Changed("pause") {
		cfg.Output.Pause = o.pause
	}
	if flags.Changed("metrics-textfile") {
		cfg.Metrics.Textfile = o.metricsTextfile
	}
	if flags.Changed("log-buffer") {
		cfg.Output.LogBuffer = o.logBuffer
	}
	if flags.Changed("listen") {
		cfg.Control.Listen = o.listen
	}
	cfg.ApplyDefaults()
	return cfg.Validate()
}

func runScript(cmd *cobra.Command, g *globals, opts *runOptions, args []string) error {
	cfg := *g.cfg
	if err := opts.apply(cmd, &cfg); err != nil {
		return usageError(err)
	}

	stdin, stdout, stderr := cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr()

	var path string
	if len(args) == 1 {
		path = args[0]
	} else {
		var err error
		path, err = readScriptPath(cmd.Context(), stdin, stdout, isTerminal(stdin))
		if errors.Is(err, errInterrupted) {
			return err
		}
		if err != nil {
			return usageError(err)
		}
	}

	stopKind, err := runtime.ParseStopKind(cfg.StopKind)
	if err != nil {
		return usageError(err)
	}

	registry := runtime.NewRegistry(runtime.Options{LogBuffer: cfg.Output.LogBuffer})
	defer closeRuntimes(registry, g.logger)

	renderer := render.New(cfg.Output.Format, stdout, stderr, render.Options{
		Color:  useColor(cfg.Output.Color, stdout),
		Redact: cfg.Output.Redact,
	})

	var logs []engine.Event
	sink := func(evt engine.Event) {
		renderer.Event(evt)
		if opts.tui && evt.Type == engine.EventTypeLog {
			logs = append(logs, evt)
			if len(logs) > tuiLogRetention {
				logs = logs[len(logs)-tuiLogRetention:]
			}
		}
	}

	sup := engine.New(task.NewRunner(registry, task.WithLogger(g.logger)),
		engine.WithPollInterval(cfg.PollInterval.Duration),
		engine.WithConfirmTimeout(cfg.ConfirmTimeout.Duration),
		engine.WithStopKind(stopKind),
		engine.WithSnapshotOptions(
			snapshot.WithContextLines(cfg.ContextLines()),
			snapshot.WithMaxValueLen(cfg.Snapshot.MaxValueLength),
			snapshot.WithWait(cfg.Snapshot.CaptureWait.Duration),
		),
		engine.WithSink(sink),
		engine.WithLogger(g.logger),
	)

	runCtx, stall := context.WithCancel(cmd.Context())
	defer stall()

	if cfg.Control.Listen != "" {
		stopServer, err := startControlServer(cmd.Context(), cfg.Control.Listen, newRunController(sup, stall), g.logger)
		if err != nil {
			return err
		}
		defer stopServer()
	}

	report, err := sup.Run(runCtx, path)
	if err != nil {
		var inputErr *task.InputError
		if errors.As(err, &inputErr) {
			return usageError(err)
		}
		return err
	}
	renderer.Report(report)

	// The stall signal cancelled the command context; what follows still
	// has to run.
	ctx := context.WithoutCancel(cmd.Context())

	if cfg.Metrics.Textfile != "" {
		if err := metrics.WriteTextfile(cfg.Metrics.Textfile); err != nil {
			g.logger.WarnContext(ctx, "write metrics textfile", "path", cfg.Metrics.Textfile, "err", err)
		}
	}

	if report.State != engine.StateCompleted {
		if opts.tui && len(report.Snapshots) > 0 {
			ui := tui.New(report, tui.WithRedaction(cfg.Output.Redact), tui.WithMaxLogs(tuiLogRetention))
			for _, evt := range logs {
				ui.AddLog(evt)
			}
			if err := ui.Run(ctx); err != nil {
				g.logger.WarnContext(ctx, "snapshot browser failed", "err", err)
			}
		}
		if cfg.Output.Pause {
			waitForEnter(stdin, stdout)
		}
	}

	if report.ExitCode != ExitOK {
		return &ExitCodeError{Code: report.ExitCode}
	}
	return nil
}

// startControlServer binds addr and serves until the returned stop function
// is called.
func startControlServer(ctx context.Context, addr string, ctrl *runController, logger *slog.Logger) (func(), error) {
	server, err := httpapi.NewServer(httpapi.Config{
		Addr:       addr,
		Controller: ctrl,
		Gatherer:   metrics.Registry(),
	})
	if err != nil {
		return nil, err
	}
	if err := server.Listen(); err != nil {
		return nil, fmt.Errorf("control server: %w", err)
	}
	logger.InfoContext(ctx, "control server listening", "addr", server.Addr())

	serveCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := server.Run(serveCtx); err != nil {
			logger.WarnContext(serveCtx, "control server stopped", "err", err)
		}
	}()
	return func() {
		cancel()
		<-done
	}, nil
}

func closeRuntimes(registry runtime.Registry, logger *slog.Logger) {
	for ext, rt := range registry {
		closer, ok := rt.(io.Closer)
		if !ok {
			continue
		}
		if err := closer.Close(); err != nil {
			logger.Warn("close runtime", "ext", ext, "err", err)
		}
	}
}

func waitForEnter(in io.Reader, out io.Writer) {
	fmt.Fprint(out, "\nPress Enter to exit program...")
	_, _ = readLine(in)
}
