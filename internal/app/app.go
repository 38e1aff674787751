// Package app wires the config manager, storage, planner, HTTP API and
// pprof server together and drives their lifecycles, including config
// hot-reload fan-out.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"weekplan/internal/config"
	"weekplan/internal/httpapi"
	"weekplan/internal/planner"
	"weekplan/internal/storage"
	logx "weekplan/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger

	store storage.Store
	pl    *planner.Service
	api   *httpapi.Server
	prof  *pprofServer

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewApp loads and validates the config at cfgPath and constructs every
// service. Nothing is started yet; call Start.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logs, log := logx.New(mapLoggingConfig(cfg))

	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	// Transactional reload: a config that fails validation is never
	// committed or published.
	cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		return c.Validate()
	})

	stCfg, err := mapStorageConfig(cfg)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	store, err := storage.Open(stCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	plCfg, err := mapPlannerConfig(cfg)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	pl := planner.New(plCfg, store, log.With(logx.String("comp", "planner")))

	apiCfg, err := mapServerConfig(cfg)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	api := httpapi.New(apiCfg, pl, log.With(logx.String("comp", "http")))

	return &App{
		cfgm:  cfgm,
		logs:  logs,
		log:   log,
		store: store,
		pl:    pl,
		api:   api,
		prof:  newPprofServer(log),
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.pl.Start(runCtx)
	a.api.Start(runCtx)
	a.prof.Apply(runCtx, a.cfgm.Get().Pprof)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.cfgm.Watch(runCtx); err != nil && runCtx.Err() == nil {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
	}()

	sub := a.cfgm.Subscribe(8)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(runCtx, sub)
	}()

	a.log.Info("weekplan started", logx.String("addr", a.api.Addr()))
	return nil
}

// Stop shuts services down in reverse start order and releases storage.
func (a *App) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}

	a.api.Stop(ctx)
	a.pl.Stop(ctx)
	a.prof.Stop(ctx)
	a.wg.Wait()

	var firstErr error
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			firstErr = err
		}
	}
	a.log.Info("weekplan stopped")
	_ = a.logs.Close()
	return firstErr
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			a.applyConfig(ctx, last, cfg)
			last = cfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	lines, fields, restart := config.SummarizeChange(oldCfg, newCfg)
	if len(lines) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	a.log.Info("config reloaded",
		append([]logx.Field{logx.String("changed", strings.Join(lines, "; "))}, fields...)...)

	for _, s := range restart {
		if s == "storage" {
			a.log.Warn("storage config changed; restart required for changes to take effect")
		}
	}

	a.logs.Apply(mapLoggingConfig(newCfg))

	if plCfg, err := mapPlannerConfig(newCfg); err != nil {
		a.log.Warn("invalid planner config; keeping previous", logx.Err(err))
	} else {
		a.pl.Apply(plCfg)
	}

	if apiCfg, err := mapServerConfig(newCfg); err != nil {
		a.log.Warn("invalid server config; keeping previous", logx.Err(err))
	} else {
		a.api.Apply(ctx, apiCfg)
	}

	a.prof.Apply(ctx, newCfg.Pprof)
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, nil
}

func mapPlannerConfig(cfg *config.Config) (planner.Config, error) {
	grid, err := cfg.Grid.GridConfig()
	if err != nil {
		return planner.Config{}, err
	}
	history := cfg.Planner.HistorySize
	if history == 0 {
		history = 50
	}
	return planner.Config{
		Grid:        grid,
		Lateness:    cfg.Planner.Lateness,
		ReplanSpec:  cfg.Planner.ReplanSpec,
		ExportPath:  cfg.Planner.ExportPath,
		Timezone:    cfg.Planner.Timezone,
		HistorySize: history,
	}, nil
}

func mapServerConfig(cfg *config.Config) (httpapi.Config, error) {
	read, err := config.ParseDurationField("server.read_timeout", cfg.Server.ReadTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	write, err := config.ParseDurationField("server.write_timeout", cfg.Server.WriteTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	idle, err := config.ParseDurationField("server.idle_timeout", cfg.Server.IdleTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Addr:         cfg.Server.Addr,
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
		RatePerSec:   cfg.Server.RatePerSec,
		RateBurst:    cfg.Server.RateBurst,
	}, nil
}
