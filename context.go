package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/patent-dev/aria2-fleet/config"
	"github.com/patent-dev/aria2-fleet/internal/aria2"
	"github.com/patent-dev/aria2-fleet/internal/catalog"
	"github.com/patent-dev/aria2-fleet/internal/database"
	"github.com/patent-dev/aria2-fleet/internal/hooks"
	"github.com/patent-dev/aria2-fleet/internal/hostproc"
	"github.com/patent-dev/aria2-fleet/internal/profiles"
	"github.com/patent-dev/aria2-fleet/internal/registry"
	"github.com/patent-dev/aria2-fleet/internal/secrets"
	"github.com/patent-dev/aria2-fleet/internal/supervisor"
	"github.com/patent-dev/aria2-fleet/internal/tasks"
)

// fleet is the wired set of components a command works with.
type fleet struct {
	cfg        *config.Config
	db         *database.DB
	hooks      *hooks.Manager
	registry   *registry.Registry
	catalog    *catalog.Catalog
	profiles   *profiles.Resolver
	endpoints  *aria2.Resolver
	supervisor *supervisor.Supervisor
	tasks      *tasks.Manager
}

type appContext struct {
	configFlag *string

	once  sync.Once
	fleet *fleet
	err   error
}

func newAppContext(configFlag *string) *appContext {
	return &appContext{configFlag: configFlag}
}

// open loads the configuration and wires the components on first use.
func (a *appContext) open() (*fleet, error) {
	a.once.Do(func() {
		var path string
		if a.configFlag != nil {
			path = strings.TrimSpace(*a.configFlag)
		}
		cfg, err := config.Load(path)
		if err != nil {
			a.err = err
			return
		}
		setupLogging(cfg)
		a.fleet, a.err = wire(cfg)
	})
	return a.fleet, a.err
}

func setupLogging(cfg *config.Config) {
	logLevel := slog.LevelInfo
	if cfg.DevMode {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)
}

func wire(cfg *config.Config) (*fleet, error) {
	db, err := database.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}
	sealer, err := secrets.New(db, cfg)
	if err != nil {
		db.Close()
		return nil, err
	}

	host := hostproc.New()
	hooksManager := hooks.New(db)
	reg := registry.New(db, cfg, host, hooksManager)
	prof := profiles.New(db)
	endpoints := aria2.NewResolver(db, cfg)

	return &fleet{
		cfg:        cfg,
		db:         db,
		hooks:      hooksManager,
		registry:   reg,
		catalog:    catalog.New(db, cfg, host, hooksManager),
		profiles:   prof,
		endpoints:  endpoints,
		supervisor: supervisor.New(db, cfg, supervisor.FromHost(host), reg, prof, endpoints, hooksManager),
		tasks:      tasks.New(db, endpoints, sealer, hooksManager),
	}, nil
}

// close waits for webhook deliveries and releases connections.
func (a *appContext) close() {
	if a.fleet == nil {
		return
	}
	a.fleet.hooks.Wait()
	a.fleet.endpoints.Close()
	if err := a.fleet.db.Close(); err != nil {
		slog.Warn("Failed to close database", "error", err)
	}
	a.fleet = nil
	a.once = sync.Once{}
}

// withFleet runs fn against the wired components and closes them after.
func (a *appContext) withFleet(fn func(*fleet) error) error {
	f, err := a.open()
	if err != nil {
		return err
	}
	defer a.close()
	return fn(f)
}
