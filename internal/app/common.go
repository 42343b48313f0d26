package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"taskpanel/internal/config"
	"taskpanel/internal/crontab"
	"taskpanel/internal/eventbus"
	"taskpanel/internal/storage"
	"taskpanel/internal/task/engine"
	"taskpanel/internal/task/runner"
	logx "taskpanel/pkg/logx"
)

// base is what both long-lived processes share: config, logging, the
// record store and a runner with its limiter.
type base struct {
	cfgm *config.Manager
	logs *logx.Service

	mu  sync.RWMutex
	cfg config.Settings

	log logx.Logger

	store   *storage.Store
	limiter *engine.Limiter
	runner  *runner.Runner
	bus     eventbus.Bus
}

func newBase(cfgPath, role string) (*base, error) {
	cfgm := config.NewManager(cfgPath)
	raw, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg, err := config.Resolve(raw)
	if err != nil {
		return nil, err
	}

	logs, root := logx.New(cfg.Logging)
	log := root.With(logx.String("role", role))
	cfgm.SetLogger(log.Component("config"))

	st, err := storage.Open(storage.Config{Path: cfg.StoragePath, BusyTimeout: cfg.BusyTimeout}, log.Component("storage"))
	if err != nil {
		_ = logs.Close()
		return nil, err
	}

	bus := eventbus.New()
	lim := engine.NewLimiter(cfg.MaxParallel, log.Component("limiter"))
	rn := runner.New(runnerConfig(cfg), st, lim, log.Component("runner"), bus)

	return &base{
		cfgm:    cfgm,
		cfg:     cfg,
		logs:    logs,
		log:     log,
		store:   st,
		limiter: lim,
		runner:  rn,
		bus:     bus,
	}, nil
}

func runnerConfig(cfg config.Settings) runner.Config {
	return runner.Config{
		Shell:     cfg.Shell,
		Wrapper:   cfg.Wrapper,
		LogDir:    cfg.LogDir,
		KillGrace: cfg.KillGrace,
	}
}

func newMaterializer(cfg config.Settings, st *storage.Store, log logx.Logger) *crontab.Materializer {
	return crontab.New(crontab.Config{Path: cfg.CrontabPath, Installer: cfg.Installer}, st, log.Component("crontab"))
}

// settings returns the current resolved config.
func (b *base) settings() config.Settings {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cfg
}

// applyReload pushes the live-reloadable parts of a new config into the
// running components.
func (b *base) applyReload(old, next *config.Config, extra func(config.Settings)) {
	cfg, err := config.Resolve(next)
	if err != nil {
		b.log.Warn("config.resolve_failed", logx.Err(err))
		return
	}
	changed, fields := config.SummarizeChange(old, next)
	if len(changed) == 0 {
		return
	}
	b.log.Info("config.applied", append(fields, logx.String("sections", strings.Join(changed, ",")))...)
	if restart := config.RestartRequired(old, next); len(restart) > 0 {
		b.log.Warn("config.restart_required", logx.String("settings", strings.Join(restart, ",")))
	}

	b.logs.Apply(cfg.Logging)
	if cfg.MaxParallel != b.limiter.Limit() {
		b.limiter.Reconfigure(cfg.MaxParallel)
	}
	if extra != nil {
		extra(cfg)
	}
	b.mu.Lock()
	b.cfg = cfg
	b.mu.Unlock()
}

// followConfig watches the config file and applies every committed reload
// until ctx ends.
func (b *base) followConfig(ctx context.Context, extra func(config.Settings)) {
	ch := b.cfgm.Subscribe(1)
	defer b.cfgm.Unsubscribe(ch)
	go func() { _ = b.cfgm.Watch(ctx) }()

	current := b.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-ch:
			if !ok {
				return
			}
			b.applyReload(current, next, extra)
			current = next
		}
	}
}

func (b *base) close() {
	if err := b.store.Close(); err != nil {
		b.log.Warn("storage.close_failed", logx.Err(err))
	}
	_ = b.logs.Close()
}

// stopStep runs one shutdown step bounded by max and by ctx's deadline, so
// a stuck component cannot stall the whole stop.
func stopStep(ctx context.Context, log logx.Logger, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		log.Warn("stop.step_skipped", logx.String("step", name))
		return
	}
	sctx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(sctx)
	}()
	select {
	case err := <-done:
		if err != nil {
			log.Warn("stop.step_failed", logx.String("step", name), logx.Err(err))
			return
		}
		log.Debug("stop.step_done", logx.String("step", name), logx.Duration("took", time.Since(start)))
	case <-sctx.Done():
		log.Warn("stop.step_timeout", logx.String("step", name), logx.Duration("max", max))
	}
}
