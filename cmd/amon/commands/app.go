package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/amon-ai/amon/internal/config"
	"github.com/amon-ai/amon/internal/event"
	"github.com/amon-ai/amon/internal/logging"
	"github.com/amon-ai/amon/internal/metrics"
	"github.com/amon-ai/amon/internal/permission"
	"github.com/amon-ai/amon/internal/provider"
	"github.com/amon-ai/amon/internal/query"
	"github.com/amon-ai/amon/internal/session"
	"github.com/amon-ai/amon/internal/storage"
	"github.com/amon-ai/amon/pkg/types"
)

// app holds the components shared by serve and run.
type app struct {
	paths    *config.Paths
	bus      *event.Bus
	settings *config.Store
	watcher  *config.Watcher
	metrics  *metrics.Metrics
	sessions *session.Registry
	broker   *permission.Broker
	orch     *query.Orchestrator
	log      zerolog.Logger
}

type appOptions struct {
	// workspace selects the project settings overlay.
	workspace string
	// watch reloads settings when the files change.
	watch bool
	// query builds the broker, provider registry and orchestrator.
	query bool
}

// newApp loads settings and builds the components. The flush loop runs
// until close.
func newApp(ctx context.Context, opts appOptions) (*app, error) {
	if err := config.LoadDotEnv(envFiles...); err != nil {
		return nil, err
	}

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return nil, fmt.Errorf("create data directories: %w", err)
	}

	load := func() (*types.Settings, error) {
		s, err := config.Load(paths, opts.workspace)
		if err != nil {
			return nil, err
		}
		return s, config.Validate(s)
	}
	settings, err := load()
	if err != nil {
		return nil, err
	}

	a := &app{
		paths:   paths,
		bus:     event.NewBus(),
		metrics: metrics.New(),
		log:     logging.Component("amon"),
	}
	a.settings = config.NewStore(settings, a.bus)

	a.sessions = session.NewRegistry(
		storage.NewSessionStore(storage.New(paths.Data)),
		a.bus,
		session.WithMetrics(a.metrics),
	)
	a.sessions.Start(ctx)

	if opts.query {
		a.broker = permission.NewBroker(a.bus, permission.WithBrokerMetrics(a.metrics))
		a.orch = query.New(query.Config{
			Sessions:         a.sessions,
			Broker:           a.broker,
			Providers:        provider.NewRegistry(),
			Settings:         a.settings,
			Bus:              a.bus,
			Metrics:          a.metrics,
			DefaultWorkspace: defaultWorkspace(settings, paths),
		})
	}

	if opts.watch {
		w, err := config.NewWatcher(a.settings, config.SettingsFiles(paths, opts.workspace), load)
		if err != nil {
			a.log.Warn().Err(err).Msg("settings hot reload disabled")
		} else {
			a.watcher = w
			w.Start()
		}
	}
	return a, nil
}

// close interrupts running queries and writes every dirty session.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.watcher != nil {
		errs = append(errs, a.watcher.Stop())
	}
	if a.orch != nil {
		errs = append(errs, a.orch.Close(ctx))
	}
	errs = append(errs, a.sessions.Close(ctx))
	errs = append(errs, a.bus.Close())
	return errors.Join(errs...)
}

// defaultWorkspace is the path of the workspace flagged as default, or the
// workspace directory under the data dir.
func defaultWorkspace(s *types.Settings, paths *config.Paths) string {
	for _, ws := range s.Workspaces {
		if ws.IsDefault && ws.Path != "" {
			return ws.Path
		}
	}
	return paths.Workspace
}
