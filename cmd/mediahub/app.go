package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"mediahub-go/internal/catalog"
	"mediahub-go/internal/config"
	"mediahub-go/internal/events"
	"mediahub-go/internal/index"
	"mediahub-go/internal/logs"
	"mediahub-go/internal/metrics"
	"mediahub-go/internal/reconcile"
	"mediahub-go/internal/remote"
	"mediahub-go/internal/shutdown"
	"mediahub-go/internal/storage"
	"mediahub-go/internal/upstream"
)

// Image sizes requested from the server's transcoder
const (
	thumbWidth  = 240
	thumbHeight = 360
	artWidth    = 1280
	artHeight   = 720
)

// app holds every wired component for the lifetime of one command
type app struct {
	cfg    *config.Config
	loader *config.Loader
	logger *zap.Logger

	store   *storage.Manager
	index   *index.Manager
	bus     *events.Bus
	metrics *metrics.Collectors

	client     *remote.Client
	manager    *upstream.Manager
	reconciler *reconcile.Reconciler
	catalog    *catalog.Catalog

	shutdown *shutdown.Coordinator
	jsonOut  bool
}

func newApp(v *viper.Viper) (*app, error) {
	dataDir := v.GetString("data-dir")
	if dataDir == "" {
		var err error
		if dataDir, err = config.DefaultDataDir(); err != nil {
			return nil, err
		}
	}
	configPath := v.GetString("config")
	if configPath == "" {
		configPath = filepath.Join(dataDir, config.ConfigFileName)
	}

	// tokens may be referenced through token_env, so the environment goes first
	envFiles, err := config.LoadDotEnv(dataDir)
	if err != nil {
		return nil, err
	}

	bootLogger, err := logs.SetupLogger(config.DefaultLogConfig(), dataDir)
	if err != nil {
		return nil, err
	}
	loader, err := config.NewLoader(configPath, bootLogger)
	if err != nil {
		return nil, err
	}
	cfg, err := loader.Load()
	if err != nil {
		_ = loader.Stop()
		return nil, err
	}
	if v.IsSet("data-dir") || cfg.DataDir == "" {
		cfg.DataDir = dataDir
	}
	if level := v.GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if size := v.GetInt("page-size"); size > 0 {
		cfg.PageSize = size
	}

	logger, err := logs.SetupLogger(cfg.Logging, cfg.DataDir)
	if err != nil {
		_ = loader.Stop()
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	logger.Debug("Configuration loaded",
		zap.String("path", configPath),
		zap.Strings("env_files", envFiles),
		zap.Int("servers", len(cfg.Servers)),
		zap.Int("views", len(cfg.Views)))

	a := &app{
		cfg:      cfg,
		loader:   loader,
		logger:   logger,
		bus:      events.NewBus(),
		metrics:  metrics.New(),
		shutdown: shutdown.NewCoordinator(logger),
		jsonOut:  v.GetBool("json"),
	}
	a.shutdown.RegisterCloser("config-watcher", shutdown.PhaseWorkers, loader.Stop)
	a.shutdown.RegisterFunc("logger", shutdown.PhaseCleanup, func(context.Context) error {
		_ = logger.Sync()
		return nil
	})

	if err := a.open(v.GetString("metrics-addr")); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

// open wires storage, index, transport and resolution in dependency order,
// registering each component with the shutdown coordinator as it comes up
func (a *app) open(metricsAddr string) error {
	store, err := storage.NewManager(a.cfg.DataDir, a.logger.Sugar().Named("storage"))
	if err != nil {
		return err
	}
	a.store = store
	a.shutdown.RegisterCloser("store", shutdown.PhaseStorage, store.Close)

	idx, err := index.NewManager(a.cfg.DataDir, a.logger)
	if err != nil {
		return err
	}
	a.index = idx
	a.shutdown.Register(&shutdown.Handler{Name: "index", Phase: shutdown.PhaseStorage, Priority: 10, Fn: func(context.Context) error {
		return idx.Close()
	}})
	a.shutdown.RegisterFunc("event-bus", shutdown.PhaseCleanup, func(context.Context) error {
		a.bus.Close()
		return nil
	})

	clientID, err := store.ClientIdentifier()
	if err != nil {
		return fmt.Errorf("failed to read client identifier: %w", err)
	}

	fetcher := remote.NewHTTPFetcher(config.RequestTimeout)
	a.client = remote.NewClient(fetcher, clientID, a.cfg.RequestRate, a.logger)

	creds := a.cfg.Credentials()
	prober := upstream.NewConnectionProbe(fetcher, a.cfg.ProbeTimeout.Duration(), clientID)
	a.manager = upstream.NewManager(a.cfg.ToServers(), prober, creds, upstream.ManagerOptions{
		TTL:         a.cfg.ConnectionTTL.Duration(),
		Cooldown:    a.cfg.FailureCooldown.Duration(),
		Deadline:    a.cfg.RaceDeadline.Duration(),
		MaxParallel: a.cfg.MaxParallelProbes,
		Hints:       store,
		Failures:    logs.NewFailureLogger(a.cfg.DataDir),
		Bus:         a.bus,
		Metrics:     a.metrics,
	}, a.logger)
	a.shutdown.RegisterFunc("connections", shutdown.PhaseConnections, func(context.Context) error {
		a.manager.Close()
		return nil
	})

	images, err := remote.NewImageResolver(a.cfg.ImageCacheSize)
	if err != nil {
		return fmt.Errorf("failed to create image resolver: %w", err)
	}
	names := make(map[string]string, len(a.cfg.Servers))
	for _, s := range a.cfg.Servers {
		names[s.ID] = s.Name
	}
	a.reconciler = reconcile.New(a.manager, creds, images, reconcile.Options{
		ThumbWidth:  thumbWidth,
		ThumbHeight: thumbHeight,
		ArtWidth:    artWidth,
		ArtHeight:   artHeight,
		ServerNames: names,
	}, a.logger)
	episodes := reconcile.NewEpisodeResolver(a.client, a.manager, a.reconciler, a.logger)
	a.catalog = catalog.New(store, idx, a.manager, a.client, a.reconciler, episodes, a.logger)

	if metricsAddr != "" {
		a.serveMetrics(metricsAddr)
	}
	return nil
}

func (a *app) serveMetrics(addr string) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           promhttp.HandlerFor(a.metrics.Registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("Serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	a.shutdown.RegisterFunc("metrics-server", shutdown.PhaseWorkers, srv.Shutdown)
}

// Close runs the shutdown phases with a fresh context, since the command's
// context is usually already cancelled by then
func (a *app) Close() error {
	return a.shutdown.Shutdown(context.Background())
}
