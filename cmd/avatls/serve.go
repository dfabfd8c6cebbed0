package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"reflect"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vyrodovalexey/avatls/internal/config"
	"github.com/vyrodovalexey/avatls/internal/health"
	"github.com/vyrodovalexey/avatls/internal/keysource"
	"github.com/vyrodovalexey/avatls/internal/observability"
	"github.com/vyrodovalexey/avatls/internal/pki"
	"github.com/vyrodovalexey/avatls/internal/server"
)

const (
	defaultShutdownTimeout = 30 * time.Second
	certificateWarnBefore  = 14 * 24 * time.Hour
)

// serveApp holds the components of a running server.
type serveApp struct {
	tel        *telemetry
	logger     observability.Logger
	srv        *server.Server
	srvMetrics *server.Metrics
	checker    *health.Checker
	hMetrics   *health.Metrics

	source     keysource.Source
	ksWatcher  *keysource.Watcher
	cfgWatcher *config.Watcher
	metricsSrv *http.Server

	mu        sync.Mutex
	cfg       *config.Config
	leaf      *pki.Certificate
	reloadErr error
}

func runServe(args []string, _, stderr io.Writer) error {
	var flags commonFlags
	fs := newFlagSet("serve", stderr)
	flags.register(fs)
	listen := fs.String("listen", getEnvOrDefault("AVATLS_LISTEN", ""), "Listen address; overrides the configuration")
	watch := fs.Bool("watch", getEnvBool("AVATLS_WATCH", true), "Reload on configuration and certificate changes")
	shutdownTimeout := fs.Duration("shutdown-timeout", getEnvDuration("AVATLS_SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
		"Time allowed for connections to finish on shutdown")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := flags.loadConfig()
	if err != nil {
		return err
	}
	if cfg.Server == nil {
		cfg.Server = &config.ServerConfig{}
	}
	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	cfg.Server.SetDefaults()

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting avatls server",
		observability.String("version", version),
		observability.String("config", flags.configPath),
		observability.String("listen", cfg.Server.Listen),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newServeApp(ctx, cfg, logger)
	if err != nil {
		return err
	}

	if *watch && flags.configPath != "" {
		app.startConfigWatcher(ctx, flags.configPath)
	}
	if *watch {
		app.startKeySourceWatcher(ctx, cfg.KeySource)
	}
	app.startMetricsServer(cfg.Metrics)

	serveErr := make(chan error, 1)
	go func() { serveErr <- app.srv.ListenAndServe(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-serveErr:
		if !errors.Is(err, server.ErrServerClosed) {
			app.shutdown(*shutdownTimeout)
			return err
		}
	}
	return app.shutdown(*shutdownTimeout)
}

func newServeApp(ctx context.Context, cfg *config.Config, logger observability.Logger) (*serveApp, error) {
	tel, err := newTelemetry(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	app := &serveApp{
		tel:        tel,
		logger:     logger,
		cfg:        cfg,
		srvMetrics: server.NewMetrics("avatls"),
		hMetrics:   health.NewMetrics("avatls"),
	}

	if app.source, err = tel.newKeySource(cfg.KeySource); err != nil {
		return nil, err
	}
	built, err := tel.buildContext(ctx, cfg, "server", app.source, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build tls context: %w", err)
	}
	app.leaf = built.leaf

	app.srv, err = server.New(*cfg.Server, built.ctx,
		server.WithLogger(logger),
		server.WithMetrics(app.srvMetrics),
		server.WithTracer(tel.tracer),
	)
	if err != nil {
		_ = built.free()
		return nil, err
	}

	app.checker = health.NewChecker(version, app.hMetrics)
	app.checker.RegisterCheck("certificate", health.CertificateCheck(app.currentLeaf, certificateWarnBefore))
	app.checker.RegisterCheck("reload", health.ErrorCheck(app.lastReloadError))
	return app, nil
}

func (a *serveApp) currentLeaf() *pki.Certificate {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.leaf
}

func (a *serveApp) lastReloadError() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reloadErr
}

// swap installs a freshly built context. The server takes over the context
// reference; the previous leaf is released.
func (a *serveApp) swap(b *builtContext, cfg *config.Config) error {
	if err := a.srv.SetContext(b.ctx); err != nil {
		_ = b.free()
		return err
	}
	a.mu.Lock()
	old := a.leaf
	a.leaf = b.leaf
	if cfg != nil {
		a.cfg = cfg
	}
	a.reloadErr = nil
	a.mu.Unlock()
	if old != nil {
		_ = old.Free()
	}
	return nil
}

func (a *serveApp) recordReload(err error) {
	a.mu.Lock()
	a.reloadErr = err
	a.mu.Unlock()
}

func (a *serveApp) config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// reloadConfig rebuilds the context after the configuration file or a file
// it names changed. Listener and key source settings need a restart.
func (a *serveApp) reloadConfig(ctx context.Context, cfg *config.Config) {
	current := a.config()
	if cfg.Server == nil {
		cfg.Server = current.Server
	}
	cfg.Server.Listen = current.Server.Listen
	if !reflect.DeepEqual(current.KeySource, cfg.KeySource) {
		a.logger.Warn("key source changes take effect after a restart")
		cfg.KeySource = current.KeySource
	}

	built, err := a.tel.buildContext(ctx, cfg, "server", a.source, nil)
	if err == nil {
		err = a.swap(built, cfg)
	}
	if err != nil {
		a.recordReload(err)
		a.logger.Error("failed to reload tls context", observability.Error(err))
		return
	}
	a.logger.Info("tls context reloaded from configuration")
}

func (a *serveApp) startConfigWatcher(ctx context.Context, path string) {
	w, err := config.NewWatcher(path, func(cfg *config.Config) {
		a.reloadConfig(ctx, cfg)
	},
		config.WithLogger(a.logger),
		config.WithErrorCallback(func(err error) { a.recordReload(err) }),
	)
	if err != nil {
		a.logger.Warn("failed to create config watcher", observability.Error(err))
		return
	}
	if err := w.Start(ctx); err != nil {
		a.logger.Warn("failed to start config watcher", observability.Error(err))
		_ = w.Stop()
		return
	}
	a.cfgWatcher = w
}

// startKeySourceWatcher polls the key source. The material loaded at start
// counts as the first version, so only later changes rebuild the context.
func (a *serveApp) startKeySourceWatcher(ctx context.Context, ks *config.KeySourceConfig) {
	if a.source == nil || ks == nil || ks.WatchInterval <= 0 {
		return
	}
	primed := false
	a.ksWatcher = keysource.NewWatcher(a.source, ks.WatchInterval, func(m *keysource.Material) error {
		defer func() { _ = m.Free() }()
		if !primed {
			primed = true
			return nil
		}
		built, err := a.tel.buildContext(ctx, a.config(), "server", a.source, m)
		if err == nil {
			err = a.swap(built, nil)
		}
		a.recordReload(err)
		return err
	}, a.logger, a.tel.ksMetrics)
	a.ksWatcher.Poll(ctx)
	go a.ksWatcher.Run(ctx)
}

func (a *serveApp) startMetricsServer(cfg config.MetricsConfig) {
	if !cfg.Enabled {
		return
	}
	mux := http.NewServeMux()
	gatherers := a.tel.gatherers(a.srvMetrics.Registry(), a.hMetrics.Registry())
	mux.Handle(cfg.Path, promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{}))
	a.checker.Register(mux)

	a.logger.Info("starting metrics server",
		observability.String("address", cfg.Address),
		observability.String("metrics_path", cfg.Path),
	)
	a.metricsSrv = &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
	go func() {
		if err := a.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server error", observability.Error(err))
		}
	}()
}

// shutdown stops watchers, drains connections and flushes telemetry.
func (a *serveApp) shutdown(timeout time.Duration) error {
	a.checker.SetDraining(true)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if a.cfgWatcher != nil {
		_ = a.cfgWatcher.Stop()
	}
	if a.ksWatcher != nil {
		a.ksWatcher.Stop()
	}

	err := a.srv.Shutdown(ctx)
	if err != nil {
		a.logger.Error("failed to stop server gracefully", observability.Error(err))
	}

	if a.metricsSrv != nil {
		if merr := a.metricsSrv.Shutdown(ctx); merr != nil {
			a.logger.Error("failed to stop metrics server", observability.Error(merr))
		}
	}
	if terr := a.tel.tracer.Shutdown(ctx); terr != nil {
		a.logger.Error("failed to shutdown tracer", observability.Error(terr))
	}

	a.mu.Lock()
	if a.leaf != nil {
		_ = a.leaf.Free()
		a.leaf = nil
	}
	a.mu.Unlock()

	a.logger.Info("server stopped")
	return err
}
