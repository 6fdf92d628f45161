package main

import (
	"context"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"mediahub-go/internal/config"
)

func newCatalogCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Browse the unified catalog built from cached views",
	}

	var views []string
	list := &cobra.Command{
		Use:   "list",
		Short: "List cached items merged across servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, v, func(_ context.Context, a *app) error {
				keys, err := a.views(views)
				if err != nil {
					return err
				}
				items, err := a.catalog.Unified(keys)
				if err != nil {
					return err
				}
				if a.jsonOut {
					return printJSON(cmd.OutOrStdout(), items)
				}
				return printItems(cmd.OutOrStdout(), items)
			})
		},
	}
	list.Flags().StringArrayVar(&views, "view", nil, "view to include as server:library[:filter[:sort]] (repeatable)")

	var limit int
	search := &cobra.Command{
		Use:   "search <query>",
		Short: "Search cached titles across servers",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, v, func(_ context.Context, a *app) error {
				items, err := a.catalog.Search(strings.Join(args, " "), limit)
				if err != nil {
					return err
				}
				if a.jsonOut {
					return printJSON(cmd.OutOrStdout(), items)
				}
				return printItems(cmd.OutOrStdout(), items)
			})
		},
	}
	search.Flags().IntVar(&limit, "limit", config.DefaultSearchLimit, "maximum number of matching rows")

	cmd.AddCommand(list, search)
	return cmd
}

func newSourcesCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "sources <server-id> <rating-key>",
		Short: "Find every server holding a copy of an episode",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, v, func(ctx context.Context, a *app) error {
				sources, err := a.catalog.AlternateSources(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				if a.jsonOut {
					return printJSON(cmd.OutOrStdout(), sources)
				}
				return printSources(cmd.OutOrStdout(), sources)
			})
		},
	}
}
