package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"mediahub-go/internal/config"
)

const redacted = "********"

func newConfigCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with tokens redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, v, func(_ context.Context, a *app) error {
				cfg, err := redactedCopy(a.cfg)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "# %s\n", a.loader.ConfigPath())
				return printJSON(cmd.OutOrStdout(), cfg)
			})
		},
	})
	return cmd
}

// redactedCopy deep copies cfg through JSON and masks inline tokens
func redactedCopy(cfg *config.Config) (*config.Config, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	var out config.Config
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to copy config: %w", err)
	}
	for _, s := range out.Servers {
		if s != nil && s.Token != "" {
			s.Token = redacted
		}
	}
	return &out, nil
}
