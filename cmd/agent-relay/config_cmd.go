package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/asheshgoplani/agent-relay/internal/config"
)

func configCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create or inspect the config file",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "init",
			Short: "Write an example config file",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				path, err := config.ResolvePath(opts.configPath)
				if err != nil {
					return err
				}
				if err := config.CreateExample(path); err != nil {
					if errors.Is(err, config.ErrExists) {
						fmt.Fprintf(cmd.OutOrStdout(), "Config already exists at %s\n", path)
						return nil
					}
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
				return nil
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective config with the token masked",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				path, err := config.ResolvePath(opts.configPath)
				if err != nil {
					return err
				}
				cfg, err := config.Load(path)
				if err != nil {
					return err
				}
				shown := *cfg
				shown.Telegram.Token = maskToken(cfg.Telegram.Token)
				fmt.Fprintf(cmd.OutOrStdout(), "# %s\n", path)
				return toml.NewEncoder(cmd.OutOrStdout()).Encode(shown)
			},
		},
	)
	return cmd
}

// maskToken keeps the bot ID part of a token and hides the secret.
func maskToken(tok string) string {
	if tok == "" {
		return ""
	}
	if id, _, ok := strings.Cut(tok, ":"); ok {
		return id + ":***"
	}
	return "***"
}
