package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"google.golang.org/grpc"

	"taskpanel/internal/bridge"
	"taskpanel/internal/config"
	"taskpanel/internal/metrics"
	"taskpanel/internal/runtime/supervisor"
	"taskpanel/internal/task/runner"
	"taskpanel/internal/task/scheduler"
	logx "taskpanel/pkg/logx"
)

const (
	purgeEvery   = time.Hour
	stopStepMax  = 10 * time.Second
	httpShutdown = 5 * time.Second
)

// Scheduler is the long-lived scheduler process: it owns the live job
// table, fires runs through its runner and accepts registrations from the
// API process over the bridge.
type Scheduler struct {
	*base

	sched   *scheduler.Service
	bridge  *bridge.Server
	metrics *metrics.Metrics

	sup        *supervisor.Supervisor
	rpcLis     net.Listener
	metricsLis net.Listener
	metricsSrv *http.Server
}

func NewScheduler(cfgPath string) (*Scheduler, error) {
	b, err := newBase(cfgPath, "scheduler")
	if err != nil {
		return nil, err
	}
	cfg := b.settings()
	sched := scheduler.New(
		scheduler.Config{Timezone: cfg.Timezone, Wrapper: cfg.Wrapper},
		b.runner,
		b.log.Component("scheduler"),
		b.bus,
	)
	return &Scheduler{
		base:    b,
		sched:   sched,
		bridge:  bridge.NewServer(sched, b.log.Component("bridge")),
		metrics: metrics.New(),
	}, nil
}

// RPCAddr is the bound bridge address once Start returned.
func (a *Scheduler) RPCAddr() string {
	if a.rpcLis == nil {
		return ""
	}
	return a.rpcLis.Addr().String()
}

// MetricsAddr is the bound metrics address once Start returned.
func (a *Scheduler) MetricsAddr() string {
	if a.metricsLis == nil {
		return ""
	}
	return a.metricsLis.Addr().String()
}

// Done is closed when the process should exit.
func (a *Scheduler) Done() <-chan struct{} { return a.sup.Context().Done() }

// Err is the first fatal error seen by the supervisor.
func (a *Scheduler) Err() error { return a.sup.Err() }

// Start recovers stale records, registers every enabled task, fires
// @reboot tasks and brings up the bridge and metrics servers.
func (a *Scheduler) Start(ctx context.Context) error {
	cfg := a.settings()
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.Component("supervisor")), supervisor.WithCancelOnError(true))

	// Queued records stamped with our pid were left by an earlier process
	// that had the same pid.
	reset, err := a.store.ResetStale(ctx, runner.ProcessAlive, os.Getpid())
	if err != nil {
		return fmt.Errorf("reset stale records: %w", err)
	}
	if len(reset) > 0 {
		a.log.Warn("status.reset_stale", logx.TaskIDs(reset))
	}
	if err := a.loadJobs(ctx); err != nil {
		return err
	}

	if err := a.sched.AddInterval("logs.purge", purgeEvery, a.purgeLogs); err != nil {
		return err
	}
	if err := a.sched.AddInterval("status.reconcile", cfg.ReconcileInterval, a.reconcile); err != nil {
		return err
	}
	a.sched.Start(a.sup.Context())

	if a.rpcLis, err = net.Listen("tcp", cfg.RPCAddr); err != nil {
		return fmt.Errorf("bridge listen %s: %w", cfg.RPCAddr, err)
	}
	a.sup.Go("bridge.serve", func(context.Context) error {
		if err := a.bridge.Serve(a.rpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	})
	a.bridge.SetServing(true)

	if err := a.startMetrics(cfg.MetricsAddr); err != nil {
		return err
	}

	a.sup.Go0("config.follow", func(ctx context.Context) {
		a.followConfig(ctx, func(next config.Settings) {
			a.sched.Apply(scheduler.Config{Timezone: next.Timezone, Wrapper: next.Wrapper})
			if next.ReconcileInterval != cfg.ReconcileInterval {
				if err := a.sched.AddInterval("status.reconcile", next.ReconcileInterval, a.reconcile); err != nil {
					a.log.Warn("interval.update_failed", logx.Err(err))
				}
				cfg.ReconcileInterval = next.ReconcileInterval
			}
		})
	})
	a.startSystemd()

	a.log.Info("scheduler process started",
		logx.String("rpc_addr", a.RPCAddr()),
		logx.String("metrics_addr", a.MetricsAddr()),
		logx.Int("jobs", a.sched.Len()),
		logx.Int("max_parallel", a.limiter.Limit()),
	)
	return nil
}

// loadJobs registers every enabled task. Records that no longer validate
// are logged and skipped.
func (a *Scheduler) loadJobs(ctx context.Context) error {
	tasks, err := a.store.EnabledTasks(ctx)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}
	for _, t := range tasks {
		if err := a.sched.AddOrReplace(t.ID, t.Schedule, t.Command); err != nil {
			a.log.Warn("job.load_failed", logx.TaskID(t.ID), logx.String("schedule", t.Schedule), logx.Err(err))
		}
	}
	return nil
}

func (a *Scheduler) purgeLogs(context.Context) {
	cfg := a.settings()
	n, err := runner.PurgeLogs(cfg.LogDir, cfg.LogRetention, time.Now())
	if err != nil {
		a.log.Warn("logs.purge_failed", logx.Err(err))
	}
	if n > 0 {
		a.log.Info("logs.purged", logx.Int("files", n), logx.Duration("retention", cfg.LogRetention))
	}
}

// reconcile resets records whose process or owning process is gone and drops jobs
// whose record was deleted or disabled while a deregistration was lost.
func (a *Scheduler) reconcile(ctx context.Context) {
	reset, err := a.store.ResetStale(ctx, runner.ProcessAlive, 0)
	if err != nil {
		a.log.Warn("status.reconcile_failed", logx.Err(err))
		return
	}
	if len(reset) > 0 {
		a.log.Warn("status.reset_stale", logx.TaskIDs(reset))
	}

	enabled, err := a.store.EnabledTasks(ctx)
	if err != nil {
		a.log.Warn("status.reconcile_failed", logx.Err(err))
		return
	}
	keep := make(map[int64]struct{}, len(enabled))
	for _, t := range enabled {
		keep[t.ID] = struct{}{}
	}
	for _, j := range a.sched.Snapshot().Jobs {
		if _, ok := keep[j.ID]; !ok {
			a.sched.Remove(j.ID)
			a.log.Info("job.orphan_removed", logx.TaskID(j.ID))
		}
	}
}

func (a *Scheduler) startMetrics(addr string) error {
	a.metrics.WatchLimiter(a.limiter.Snapshot)
	a.metrics.WatchJobs(a.sched.Len)
	a.sup.Go("metrics.consume", func(ctx context.Context) error { return a.metrics.Consume(ctx, a.bus) })

	var err error
	if a.metricsLis, err = net.Listen("tcp", addr); err != nil {
		return fmt.Errorf("metrics listen %s: %w", addr, err)
	}
	r := chi.NewRouter()
	r.Handle("/metrics", a.metrics.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if err := a.store.Ping(req.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok\n"))
	})
	a.metricsSrv = &http.Server{Handler: r, ReadHeaderTimeout: 5 * time.Second}
	a.sup.Go("metrics.serve", func(context.Context) error {
		if err := a.metricsSrv.Serve(a.metricsLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	return nil
}

// Stop takes the process out of service and releases everything. Running
// task processes are left alone; the next start reconciles their records.
func (a *Scheduler) Stop(ctx context.Context) error {
	if a.sup == nil {
		a.close()
		return nil
	}
	a.log.Info("scheduler process stopping")
	a.bridge.SetServing(false)
	notifyStopping(a.log)

	stopStep(ctx, a.log, "scheduler", stopStepMax, func(c context.Context) error {
		a.sched.Stop(c)
		return nil
	})
	stopStep(ctx, a.log, "bridge", stopStepMax, func(c context.Context) error {
		a.bridge.Stop(c)
		return nil
	})
	if a.metricsSrv != nil {
		stopStep(ctx, a.log, "metrics", httpShutdown, a.metricsSrv.Shutdown)
	}
	a.sup.Cancel()
	err := a.sup.Wait(ctx)
	a.close()
	return err
}
