package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"mediahub-go/internal/upstream"
)

type cacheStats struct {
	Rows            int                 `json:"rows"`
	PageKeys        int                 `json:"page_keys"`
	ConnectionHints int                 `json:"connection_hints"`
	IndexedRows     uint64              `json:"indexed_rows"`
	Connections     upstream.CacheStats `json:"connections"`
}

func newCacheCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the local cache",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Count cached rows, page keys, hints and indexed rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, v, func(_ context.Context, a *app) error {
				store, err := a.store.GetStats()
				if err != nil {
					return err
				}
				indexed, err := a.index.GetDocumentCount()
				if err != nil {
					return err
				}
				stats := cacheStats{
					Rows:            store.Rows,
					PageKeys:        store.PageKeys,
					ConnectionHints: store.ConnectionHints,
					IndexedRows:     indexed,
					Connections:     a.manager.Cache().Stats(),
				}
				if a.jsonOut {
					return printJSON(cmd.OutOrStdout(), stats)
				}
				t := newTable(cmd.OutOrStdout(), "ROWS", "PAGE KEYS", "HINTS", "INDEXED", "FRESH URLS")
				t.row(fmt.Sprint(stats.Rows), fmt.Sprint(stats.PageKeys), fmt.Sprint(stats.ConnectionHints),
					fmt.Sprint(stats.IndexedRows), fmt.Sprint(stats.Connections.Fresh))
				return t.flush()
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear <server-id>",
		Short: "Drop every cached view, indexed row and connection hint of a server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, v, func(_ context.Context, a *app) error {
				id := args[0]
				if _, ok := a.manager.Server(id); !ok {
					return fmt.Errorf("unknown server %q", id)
				}
				rows, err := a.store.ClearServer(id)
				if err != nil {
					return err
				}
				if err := a.store.DeleteConnectionHint(id); err != nil {
					return err
				}
				if err := a.index.DeleteServer(id); err != nil {
					a.logger.Warn("Failed to clear server from index", zap.String("server", id), zap.Error(err))
				}
				a.manager.Invalidate(id)
				fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d cached rows of %s\n", rows, id)
				return nil
			})
		},
	})
	return cmd
}
