package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "MEDIAHUB"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. Flags are bound into a private viper
// instance so every flag can also come from MEDIAHUB_* environment variables.
func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "mediahub",
		Short:         "Unified client for several media servers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "path to the config file (default <data-dir>/mediahub_config.json)")
	flags.String("data-dir", "", "data directory (default ~/.mediahub)")
	flags.String("log-level", "", "log level: trace, debug, info, warn, error")
	flags.Int("page-size", 0, "rows fetched per library page")
	flags.String("metrics-addr", "", "serve prometheus metrics on this address while running")
	flags.Bool("json", false, "print results as JSON")
	for _, name := range []string{"config", "data-dir", "log-level", "page-size", "metrics-addr", "json"} {
		_ = v.BindPFlag(name, flags.Lookup(name))
	}

	root.AddCommand(
		newServersCmd(v),
		newSyncCmd(v),
		newCatalogCmd(v),
		newSourcesCmd(v),
		newCacheCmd(v),
		newConfigCmd(v),
	)
	return root
}

// run opens the app for one command and always shuts it down afterwards
func run(cmd *cobra.Command, v *viper.Viper, fn func(ctx context.Context, a *app) error) error {
	a, err := newApp(v)
	if err != nil {
		return err
	}
	runErr := fn(cmd.Context(), a)
	if err := a.Close(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
