package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"taskpanel/internal/api"
	"taskpanel/internal/bridge"
	"taskpanel/internal/panel"
	"taskpanel/internal/runtime/supervisor"
	logx "taskpanel/pkg/logx"
)

// API is the stateless API process. It serves HTTP, runs tasks on demand
// and keeps the scheduler process in step over the bridge.
type API struct {
	*base

	client *bridge.Client
	panel  *panel.Service

	sup *supervisor.Supervisor
	lis net.Listener
	srv *http.Server
}

func NewAPI(cfgPath string) (*API, error) {
	b, err := newBase(cfgPath, "api")
	if err != nil {
		return nil, err
	}
	cfg := b.settings()
	client, err := bridge.Dial(cfg.RPCAddr, cfg.RPCTimeout)
	if err != nil {
		b.close()
		return nil, err
	}
	svc := panel.New(
		panel.Config{Wrapper: cfg.Wrapper, LogDir: cfg.LogDir},
		b.store,
		newMaterializer(cfg, b.store, b.log),
		client,
		b.runner,
		b.log.Component("panel"),
	)
	return &API{base: b, client: client, panel: svc}, nil
}

// Addr is the bound HTTP address once Start returned.
func (a *API) Addr() string {
	if a.lis == nil {
		return ""
	}
	return a.lis.Addr().String()
}

func (a *API) Done() <-chan struct{} { return a.sup.Context().Done() }

func (a *API) Err() error { return a.sup.Err() }

// Start re-registers every task with the scheduler process, starts the
// unsaved-record retry loop and serves HTTP.
func (a *API) Start(ctx context.Context) error {
	cfg := a.settings()
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.Component("supervisor")), supervisor.WithCancelOnError(true))

	var err error
	if a.lis, err = net.Listen("tcp", cfg.APIAddr); err != nil {
		return fmt.Errorf("api listen %s: %w", cfg.APIAddr, err)
	}
	a.srv = &http.Server{
		Handler:           api.NewServer(a.panel, a.log.Component("http")).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.sup.Go("http.serve", func(context.Context) error {
		if err := a.srv.Serve(a.lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Full re-registration is retried until the scheduler process answers;
	// only then does the unsaved-record loop take over.
	a.sup.GoRestart("panel.sync", func(ctx context.Context) error {
		if err := a.panel.Sync(ctx, true); err != nil {
			return err
		}
		return a.panel.SyncLoop(ctx, cfg.SyncInterval)
	}, supervisor.WithRestartBackoff(time.Second, cfg.SyncInterval))
	a.sup.Go0("config.follow", func(ctx context.Context) {
		a.followConfig(ctx, nil)
	})

	a.log.Info("api process started",
		logx.String("addr", a.Addr()),
		logx.String("scheduler", cfg.RPCAddr),
		logx.Int("max_parallel", a.limiter.Limit()),
	)
	return nil
}

// Stop drains HTTP, abandons manual runs still waiting for a slot and
// closes the bridge connection.
func (a *API) Stop(ctx context.Context) error {
	defer a.close()
	defer func() { _ = a.client.Close() }()
	if a.sup == nil {
		return nil
	}
	a.log.Info("api process stopping")
	if a.srv != nil {
		stopStep(ctx, a.log, "http", httpShutdown, a.srv.Shutdown)
	}
	stopStep(ctx, a.log, "runs", stopStepMax, func(c context.Context) error {
		a.panel.Shutdown(c)
		return nil
	})
	a.sup.Cancel()
	return a.sup.Wait(ctx)
}
