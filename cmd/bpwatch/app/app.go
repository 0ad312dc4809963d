// Package app wires the process together: store, chain client, aggregator,
// tailer and read api, run under a single service manager. Resources are
// opened once here and released on every exit path.
package app

import (
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/grafana/dskit/signals"
	"github.com/pkg/errors"

	"github.com/grafana/bpwatch/bpwatchdb"
	"github.com/grafana/bpwatch/modules/aggregator"
	"github.com/grafana/bpwatch/modules/server"
	"github.com/grafana/bpwatch/modules/tailer"
	"github.com/grafana/bpwatch/pkg/chain"
)

// App is the root datastructure.
type App struct {
	cfg    Config
	logger log.Logger

	store *bpwatchdb.Store
	svcs  []services.Service
}

// New makes a new app. A store open failure is returned to main, which exits
// nonzero so the supervisor can restart the process.
func New(cfg Config, logger log.Logger) (*App, error) {
	a := &App{
		cfg:    cfg,
		logger: logger,
	}

	store, err := bpwatchdb.New(&cfg.Database, logger)
	if err != nil {
		return nil, errors.Wrap(err, "opening store")
	}
	a.store = store

	a.svcs = append(a.svcs, server.New(&cfg.Server, store, logger))

	if cfg.Sync {
		client := chain.New(&cfg.Node, logger)
		agg := aggregator.New(&cfg.Aggregator, store, logger)
		a.svcs = append(a.svcs, tailer.New(&cfg.Tailer, client, agg, logger))
	} else {
		level.Info(logger).Log("msg", "sync disabled, serving queries only")
	}

	return a, nil
}

// Run starts every service and blocks until a stop signal or a service
// failure.
func (a *App) Run() error {
	defer func() {
		if err := a.store.Close(); err != nil {
			level.Error(a.logger).Log("msg", "error closing store", "err", err)
		}
	}()

	m, err := services.NewManager(a.svcs...)
	if err != nil {
		return errors.Wrap(err, "creating service manager")
	}

	// one failed service takes the rest down
	m.AddListener(services.NewManagerListener(nil, nil, func(svc services.Service) {
		level.Error(a.logger).Log("msg", "service failed", "err", svc.FailureCase())
		m.StopAsync()
	}))

	// Setup signal handler. If signal arrives, we stop the manager, which
	// stops all the services.
	handler := signals.NewHandler(a.logger)
	go func() {
		handler.Loop()
		level.Info(a.logger).Log("msg", "shutting down")
		m.StopAsync()
	}()

	if err := services.StartManagerAndAwaitHealthy(context.Background(), m); err != nil {
		return errors.Wrap(err, "starting services")
	}

	level.Info(a.logger).Log("msg", "bpwatch up")

	if err := m.AwaitStopped(context.Background()); err != nil {
		return errors.Wrap(err, "stopping services")
	}
	handler.Stop()

	for _, svc := range a.svcs {
		if err := svc.FailureCase(); err != nil {
			return err
		}
	}
	return nil
}
