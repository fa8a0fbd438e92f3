package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Paintersrp/stallwatch/internal/config"
	stallog "github.com/Paintersrp/stallwatch/internal/log"
)

type globals struct {
	configPath string
	verbose    bool
	logJSON    bool

	cfg    *config.Config
	logger *slog.Logger
}

func NewRootCmd() *cobra.Command {
	root, _ := newRootCommand()
	return root
}

func newRootCommand() (*cobra.Command, *globals) {
	g := &globals{}

	root := &cobra.Command{
		Use:   "stallwatch",
		Short: "Run a script, dump its stacks on Ctrl+C and force it to stop",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return g.init(cmd)
		},
	}

	root.PersistentFlags().StringVar(&g.configPath, "config", os.Getenv(config.EnvPrefix+"CONFIG"), "Configuration file to load")
	root.PersistentFlags().BoolVar(&g.verbose, "verbose", false, "Verbose logging")
	root.PersistentFlags().BoolVar(&g.logJSON, "log-json", false, "Log in JSON instead of text")

	root.AddCommand(newRunCmd(g))
	root.AddCommand(newConfigCmd(g))
	root.AddCommand(newVersionCmd(g))

	root.SilenceUsage = true
	root.SilenceErrors = true

	return root, g
}

func (g *globals) init(cmd *cobra.Command) error {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return usageError(err)
	}
	if cmd.Flags().Changed("verbose") {
		cfg.Logging.Verbose = g.verbose
	}
	if cmd.Flags().Changed("log-json") {
		cfg.Logging.JSON = g.logJSON
	}
	g.cfg = cfg
	g.logger = stallog.NewWithOptions(stallog.Options{
		Verbose: cfg.Logging.Verbose,
		JSON:    cfg.Logging.JSON,
		Writer:  cmd.ErrOrStderr(),
	})
	return nil
}

// Execute runs the CLI and returns the process exit code. The first SIGINT
// is the stall signal; once it has been delivered the default handling is
// restored, so a second Ctrl+C ends the process immediately.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		stop()
	}()

	return execute(ctx, NewRootCmd(), os.Args[1:], os.Stderr)
}

func execute(ctx context.Context, root *cobra.Command, args []string, stderr io.Writer) int {
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err != nil {
		if msg := err.Error(); msg != "" {
			fmt.Fprintln(stderr, "error:", msg)
		}
	}
	return exitCode(err)
}
