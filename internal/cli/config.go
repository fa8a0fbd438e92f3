package cli

import (
	"github.com/spf13/cobra"

	"github.com/Paintersrp/stallwatch/internal/config"
)

func newConfigCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return config.Encode(cmd.OutOrStdout(), g.cfg)
		},
	}
}
