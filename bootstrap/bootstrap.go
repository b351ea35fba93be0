// Package bootstrap wires all dependencies and starts the application.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/entigate/adapters/metrics"
	"github.com/artpar/entigate/config"
	httpchannel "github.com/artpar/entigate/core/channel/http"
	"github.com/artpar/entigate/core/compiler"
	"github.com/artpar/entigate/core/events"
	"github.com/artpar/entigate/core/graph"
	"github.com/artpar/entigate/core/lifecycle"
	"github.com/artpar/entigate/core/registry"
	"github.com/artpar/entigate/core/schema"
	"github.com/artpar/entigate/core/storage"
)

// App represents the running application.
type App struct {
	Logger   zerolog.Logger
	Config   *config.Config
	Holder   *config.Holder
	Store    storage.Store
	Registry *registry.Registry
	Graph    *graph.Holder
	Events   *events.Bus
	Service  *lifecycle.Service
	Metrics  *metrics.Collector
	HTTP     *httpchannel.Channel

	reloadMu sync.Mutex
	defsDir  string
}

// Options configure New.
type Options struct {
	// ConfigPath is loaded through a config.Holder. When empty, Config is
	// used as given, or the environment when Config is nil.
	ConfigPath string
	Config     *config.Config

	// LogOutput receives log lines. Defaults to stdout.
	LogOutput io.Writer

	// Now stamps the timestamp hook action. Defaults to time.Now.
	Now func() time.Time
}

// New creates and initializes the application: storage, definitions,
// lifecycle service and HTTP channel. Nothing listens until Run.
func New(ctx context.Context, opts Options) (*App, error) {
	a := &App{}

	cfg := opts.Config
	if opts.ConfigPath != "" {
		holder, err := config.NewHolder(opts.ConfigPath, zerolog.Nop())
		if err != nil {
			return nil, err
		}
		a.Holder = holder
		cfg = holder.Get()
	} else if cfg == nil {
		loaded, err := config.LoadFromEnv()
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	a.Config = cfg

	a.Logger = NewLogger(cfg.Logging, opts.LogOutput)
	a.Logger.Info().Str("driver", cfg.Database.Driver).Msg("initializing entigate")
	if a.Holder != nil {
		a.Holder.SetLogger(a.Logger)
	}

	store, err := OpenStore(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	a.Store = store

	if err := a.initService(opts.Now); err != nil {
		a.Store.Close()
		return nil, err
	}

	if cfg.Definitions.Dir != "" {
		if err := a.LoadDefinitions(ctx, cfg.Definitions.Dir); err != nil {
			a.Store.Close()
			return nil, fmt.Errorf("load definitions: %w", err)
		}
	}

	a.initHTTP()
	return a, nil
}

func (a *App) initService(now func() time.Time) error {
	cfg := a.Config

	cache, err := compiler.NewCache(cfg.SchemaCache.Size)
	if err != nil {
		return fmt.Errorf("init schema cache: %w", err)
	}

	if cfg.Metrics.Enabled {
		a.Metrics = metrics.New()
		a.Logger.Info().Str("path", cfg.Metrics.Path).Msg("prometheus metrics enabled")
	}

	a.Events = events.NewBus(a.Logger)
	logEvents(a.Events, a.Logger)

	a.Registry = registry.New(a.Store)
	a.Graph = graph.NewHolder()

	svcCfg := lifecycle.Config{
		Definitions: a.Registry,
		Store:       a.Store,
		Graph:       a.Graph,
		Cache:       cache,
		Events:      a.Events,
		Fanout:      cfg.Enrichment.Fanout,
		NodeLimit:   cfg.Enrichment.NodeLimit,
		Logger:      a.Logger,
	}
	if a.Metrics != nil {
		svcCfg.Observer = a.Metrics
		svcCfg.StepObserver = a.Metrics
		svcCfg.EnrichObserver = a.Metrics
	}

	svc, err := lifecycle.New(svcCfg)
	if err != nil {
		return fmt.Errorf("init lifecycle: %w", err)
	}
	a.Service = svc

	if err := RegisterActions(svc.Actions(), a.Logger, now); err != nil {
		return fmt.Errorf("register hook actions: %w", err)
	}

	a.Registry.OnChange(svc.Reload)
	a.Registry.OnChange(func(types []schema.Datatype) {
		if a.Metrics != nil {
			a.Metrics.DefinitionsLoaded.Set(float64(len(types)))
		}
	})
	return nil
}

func (a *App) initHTTP() {
	cfg := a.Config

	chCfg := httpchannel.Config{
		Service:        a.Service,
		Schema:         httpchannel.NewSchemaHandler(a.Registry, a.Graph, a.Service.Engine()),
		MetricsPath:    cfg.Metrics.Path,
		MaxLimit:       cfg.Server.MaxListLimit,
		RequestTimeout: cfg.Server.RequestTimeout,
		Logger:         a.Logger,
	}
	if a.Metrics != nil {
		chCfg.Metrics = a.Metrics
		chCfg.MetricsHandler = a.Metrics.Handler()
	}
	a.HTTP = httpchannel.New(chCfg)
}

// LoadDefinitions replaces the datatype set with the definitions in dir.
// On failure the previous set stays active.
func (a *App) LoadDefinitions(ctx context.Context, dir string) error {
	if err := a.Registry.LoadDir(ctx, dir); err != nil {
		return err
	}
	a.defsDir = dir
	a.Logger.Info().
		Str("dir", dir).
		Int("types", len(a.Registry.All())).
		Msg("definitions loaded")
	return nil
}

// applyConfig reacts to a reloaded config: log level and definitions.
func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()

	a.Config = cfg
	SetLogLevel(cfg.Logging.Level)

	var err error
	if cfg.Definitions.Dir != "" {
		err = a.LoadDefinitions(ctx, cfg.Definitions.Dir)
	}
	if a.Metrics != nil {
		a.Metrics.ObserveReload(err)
	}
	if err != nil {
		a.Logger.Error().Err(err).Str("dir", cfg.Definitions.Dir).Msg("definitions reload failed, keeping previous set")
	}
}

// reloadDefinitions re-reads the current definitions directory.
func (a *App) reloadDefinitions(ctx context.Context) {
	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()

	if a.defsDir == "" {
		return
	}
	err := a.LoadDefinitions(ctx, a.defsDir)
	if a.Metrics != nil {
		a.Metrics.ObserveReload(err)
	}
	if err != nil {
		a.Logger.Error().Err(err).Str("dir", a.defsDir).Msg("definitions reload failed, keeping previous set")
	}
}

// Run serves HTTP until ctx is done or SIGINT/SIGTERM arrives, then shuts
// down. Config reloads (file watch, SIGHUP) are active while running.
func (a *App) Run(ctx context.Context) error {
	if a.Holder != nil {
		a.Holder.OnChange(func(cfg *config.Config) { a.applyConfig(ctx, cfg) })
		a.Holder.OnDefinitionsChange(func() { a.reloadDefinitions(ctx) })
		if err := a.Holder.WatchFile(); err != nil {
			a.Logger.Warn().Err(err).Msg("config file watch disabled")
		}
		a.Holder.WatchSignals()
	}

	a.HTTP.Start(a.Config.Server.Addr(), a.Config.Server.ReadTimeout, a.Config.Server.WriteTimeout)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-ctx.Done():
		a.Logger.Info().Msg("context done, shutting down")
	case sig := <-quit:
		a.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	return a.Shutdown()
}

// Shutdown gracefully stops the application.
func (a *App) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if a.Holder != nil {
		a.Holder.Stop()
	}

	var errs []error
	if a.HTTP != nil {
		if err := a.HTTP.Stop(ctx); err != nil {
			a.Logger.Error().Err(err).Msg("http server shutdown error")
			errs = append(errs, err)
		}
	}

	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("store close error")
			errs = append(errs, err)
		}
	}

	a.Logger.Info().Msg("shutdown complete")
	return errors.Join(errs...)
}
