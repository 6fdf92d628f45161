package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mediahub-go/internal/config"
	"mediahub-go/internal/librarysync"
	"mediahub-go/internal/processlock"
	"mediahub-go/internal/shutdown"
	"mediahub-go/internal/types"
)

type syncOptions struct {
	views    []string
	maxPages int
	parallel int
	refresh  bool
	watch    bool
	interval time.Duration
}

func newSyncCmd(v *viper.Viper) *cobra.Command {
	opts := syncOptions{}
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Refresh cached library views page by page",
		Long: `Brings each view up to date page by page. A view that was never synced is
fetched from its first page; a cached view keeps its rows and only appends
the pages after its last one, unless --refresh is given. Views come from
--view (server:library[:filter[:sort]]) or, when none is given, from the
"views" section of the config file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, v, func(ctx context.Context, a *app) error {
				stop := followEvents(a.bus, a.logger)
				defer stop()
				if !opts.watch {
					return a.syncViews(ctx, opts)
				}
				return a.watchAndSync(ctx, opts)
			})
		},
	}
	cmd.Flags().StringArrayVar(&opts.views, "view", nil, "view to sync as server:library[:filter[:sort]] (repeatable)")
	cmd.Flags().IntVar(&opts.maxPages, "max-pages", 0, "stop each view after this many pages (0 = no limit)")
	cmd.Flags().IntVar(&opts.parallel, "parallel", 2, "views synced concurrently")
	cmd.Flags().BoolVar(&opts.refresh, "refresh", false, "refetch cached views from their first page")
	cmd.Flags().BoolVar(&opts.watch, "watch", false, "keep syncing on an interval and follow config changes")
	cmd.Flags().DurationVar(&opts.interval, "interval", 15*time.Minute, "time between syncs in watch mode")
	return cmd
}

// parseView parses server:library[:filter[:sort]]
func parseView(s string) (types.ViewKey, error) {
	parts := strings.SplitN(s, ":", 4)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return types.ViewKey{}, fmt.Errorf("invalid view %q, expected server:library[:filter[:sort]]", s)
	}
	view := types.ViewKey{ServerID: parts[0], LibraryKey: parts[1]}
	if len(parts) > 2 {
		view.Filter = parts[2]
	}
	if len(parts) > 3 {
		view.Sort = parts[3]
	}
	return view.Normalized(), nil
}

// views returns the flag views, or the configured ones when no flag was given
func (a *app) views(flagViews []string) ([]types.ViewKey, error) {
	var out []types.ViewKey
	if len(flagViews) > 0 {
		for _, s := range flagViews {
			view, err := parseView(s)
			if err != nil {
				return nil, err
			}
			if _, ok := a.manager.Server(view.ServerID); !ok {
				return nil, fmt.Errorf("%w: unknown server %q", types.ErrNotFound, view.ServerID)
			}
			out = append(out, view)
		}
		return out, nil
	}

	cfg := a.cfg
	if current := a.loader.GetConfig(); current != nil {
		cfg = current
	}
	for _, vc := range cfg.Views {
		out = append(out, vc.ViewKey())
	}
	return out, nil
}

func (a *app) syncViews(ctx context.Context, opts syncOptions) error {
	views, err := a.views(opts.views)
	if err != nil {
		return err
	}
	if len(views) == 0 {
		return fmt.Errorf("no views to sync; pass --view or add views to %s", a.loader.ConfigPath())
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(opts.parallel, 1))
	for _, view := range views {
		g.Go(func() error {
			syncer := librarysync.New(view, a.client, a.manager, a.store, librarysync.Options{
				PageSize: a.cfg.PageSize,
				Index:    a.index,
				Reporter: a.manager,
				Bus:      a.bus,
				Metrics:  a.metrics,
			}, a.logger)

			start := time.Now()
			syncView := syncer.CatchUp
			if opts.refresh {
				syncView = syncer.SyncAll
			}
			result, err := syncView(ctx, opts.maxPages)
			if err != nil {
				a.logger.Warn("View sync failed", zap.String("view", view.String()), zap.Error(err))
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", view, err))
				mu.Unlock()
				return nil
			}
			a.logger.Info("View synced",
				zap.String("view", view.String()),
				zap.Int("pages", result.Pages),
				zap.Int("rows", result.Rows),
				zap.Bool("complete", result.EndReached),
				zap.Duration("duration", time.Since(start)))
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// watchAndSync syncs immediately and then refreshes every view on every tick
// until ctx ends. Only one watcher may run per data directory. Config edits
// update server candidates in place.
func (a *app) watchAndSync(ctx context.Context, opts syncOptions) error {
	lock := processlock.New(a.cfg.DataDir, a.logger)
	if err := lock.Acquire(""); err != nil {
		return err
	}
	a.shutdown.RegisterCloser("process-lock", shutdown.PhaseWorkers, lock.Release)

	err := a.loader.StartWatching(func(cfg *config.Config) error {
		a.manager.ApplyConfig(cfg)
		return nil
	})
	if err != nil {
		a.logger.Warn("Config watching disabled", zap.Error(err))
	}

	ticker := time.NewTicker(opts.interval)
	defer ticker.Stop()
	for {
		if err := a.syncViews(ctx, opts); err != nil {
			a.logger.Warn("Sync round finished with errors", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		a.expireConnections()
		opts.refresh = true
	}
}

// expireConnections drops stale base URLs and failure markers between rounds
func (a *app) expireConnections() int {
	removed := a.manager.Cache().CleanupExpired()
	if removed > 0 {
		a.logger.Debug("Expired connection entries removed", zap.Int("removed", removed))
	}
	return removed
}
