// Command agent-relay drives terminal coding agents from a Telegram chat.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "0.1.0"

type rootOptions struct {
	configPath string
	debug      bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:          "agent-relay",
		Short:        "Relay terminal coding agents to Telegram",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default ~/.agent-relay/config.toml)")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "log at debug level and mirror logs to stderr even when it is not a terminal")

	root.AddCommand(serveCmd(opts), configCmd(opts), versionCmd())
	return root
}

func serveCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bot and relay sessions until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "agent-relay v%s\n", Version)
		},
	}
}
