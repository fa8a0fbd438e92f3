package cli

import (
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"

	"github.com/Paintersrp/stallwatch/internal/metrics"
)

func newVersionCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			version, goVersion := "(devel)", ""
			if info, ok := debug.ReadBuildInfo(); ok {
				if info.Main.Version != "" {
					version = info.Main.Version
				}
				goVersion = info.GoVersion
			}
			if g.configPath != "" {
				fmt.Fprintf(out, "config:     %s\n", g.configPath)
			}
			fmt.Fprintf(out, "stallwatch: %s\n", version)
			fmt.Fprintf(out, "go:         %s\n", goVersion)
			if rev := metrics.BuildSetting("vcs.revision"); rev != "" {
				fmt.Fprintf(out, "commit:     %s\n", rev)
			}
			if date := metrics.BuildSetting("vcs.time"); date != "" {
				fmt.Fprintf(out, "date:       %s\n", date)
			}
			if dirty := metrics.BuildSetting("vcs.modified"); dirty != "" {
				fmt.Fprintf(out, "dirty:      %s\n", dirty)
			}
		},
	}
}
