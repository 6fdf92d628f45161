package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	uptypes "mediahub-go/internal/upstream/types"
)

func newServersCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "servers",
		Short: "Inspect and resolve server connections",
	}

	var retry bool
	var workers int
	resolve := &cobra.Command{
		Use:   "resolve [server-id...]",
		Short: "Race the connection candidates of servers and print the winners",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, v, func(ctx context.Context, a *app) error {
				stop := followEvents(a.bus, a.logger)
				defer stop()
				if retry {
					a.manager.Retry()
				}
				if len(args) == 0 {
					result := a.manager.Warmup(ctx, workers)
					a.logger.Info("Resolved servers",
						zap.Int("successful", result.Successful),
						zap.Int("failed", result.Failed),
						zap.Duration("duration", result.Duration),
						zap.Duration("slowest", result.MaxResolveTime))
				} else {
					for _, id := range args {
						if _, err := a.manager.BaseURL(ctx, id); err != nil {
							a.logger.Warn("Server unreachable", zap.String("server", id), zap.Error(err))
						}
					}
				}
				return printConnections(cmd, a, args)
			})
		},
	}
	resolve.Flags().BoolVar(&retry, "retry", false, "clear failure markers before resolving")
	resolve.Flags().IntVar(&workers, "workers", 4, "servers resolved in parallel")

	list := &cobra.Command{
		Use:   "list",
		Short: "Show the known servers and their cached connection state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, v, func(_ context.Context, a *app) error {
				return printConnections(cmd, a, nil)
			})
		},
	}

	cmd.AddCommand(resolve, list)
	return cmd
}

func printConnections(cmd *cobra.Command, a *app, ids []string) error {
	var infos []uptypes.ConnectionInfo
	if len(ids) == 0 {
		infos = a.manager.ListInfo()
	} else {
		for _, id := range ids {
			info, ok := a.manager.Info(id)
			if !ok {
				return fmt.Errorf("unknown server %q", id)
			}
			infos = append(infos, info)
		}
	}

	out := cmd.OutOrStdout()
	if a.jsonOut {
		return printJSON(out, infos)
	}
	t := newTable(out, "SERVER", "NAME", "STATE", "URL", "FAILURES", "LAST ERROR")
	for _, info := range infos {
		name := info.ServerID
		if s, ok := a.manager.Server(info.ServerID); ok && s.Name != "" {
			name = s.Name
		}
		t.row(info.ServerID, name, info.State.String(), info.BaseURL, fmt.Sprint(info.FailureCount), info.LastError)
	}
	return t.flush()
}
