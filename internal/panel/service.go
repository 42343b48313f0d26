package panel

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"taskpanel/internal/bridge"
	"taskpanel/internal/crontab"
	"taskpanel/internal/storage"
	"taskpanel/internal/task"
	"taskpanel/internal/task/runner"
	logx "taskpanel/pkg/logx"
)

// Bridge is the scheduler process as seen from the API process.
type Bridge interface {
	AddCron(ctx context.Context, entries []bridge.Entry) error
	DeleteCron(ctx context.Context, ids []int64) error
	HealthCheck(ctx context.Context) (string, error)
}

type Config struct {
	Wrapper string
	LogDir  string
}

// Service is the task service behind the HTTP API. Every mutation goes
// store first, then the crontab file, then the scheduler process; a record
// is marked saved only once all three agree.
type Service struct {
	cfg    Config
	store  *storage.Store
	tab    *crontab.Materializer
	bridge Bridge
	runner *runner.Runner
	log    logx.Logger

	runCtx     context.Context
	cancelRuns context.CancelFunc
	runs       sync.WaitGroup

	bridgeWarn *rate.Sometimes
}

func New(cfg Config, store *storage.Store, tab *crontab.Materializer, br Bridge, rn *runner.Runner, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:        cfg,
		store:      store,
		tab:        tab,
		bridge:     br,
		runner:     rn,
		log:        log,
		runCtx:     ctx,
		cancelRuns: cancel,
		bridgeWarn: &rate.Sometimes{Interval: 30 * time.Second},
	}
}

// commit propagates ids after a store mutation. With register, enabled
// tasks are (re)registered with the scheduler and disabled ones removed;
// without it only the crontab file is refreshed. Propagation failures are
// logged and leave the records unsaved for Sync to retry.
func (s *Service) commit(ctx context.Context, ids []int64, register bool) {
	if _, err := s.tab.Materialize(ctx); err != nil {
		s.log.Warn("crontab.materialize_failed", logx.TaskIDs(ids), logx.Err(err))
		return
	}
	if !register {
		s.markSaved(ctx, ids)
		return
	}
	tasks, err := s.store.GetTasks(ctx, ids)
	if err != nil {
		s.log.Error("panel.load_failed", logx.TaskIDs(ids), logx.Err(err))
		return
	}
	if err := s.propagate(ctx, tasks); err != nil {
		s.logBridgeFailure(ids, err)
		return
	}
	s.markSaved(ctx, ids)
}

// propagate registers enabled tasks and deregisters disabled ones.
func (s *Service) propagate(ctx context.Context, tasks []task.Task) error {
	var (
		add []bridge.Entry
		del []int64
	)
	for _, t := range tasks {
		if t.IsDisabled {
			del = append(del, t.ID)
			continue
		}
		add = append(add, bridge.Entry{ID: t.ID, Schedule: t.Schedule, Command: t.Command})
	}
	if err := s.bridge.AddCron(ctx, add); err != nil {
		return err
	}
	return s.bridge.DeleteCron(ctx, del)
}

func (s *Service) markSaved(ctx context.Context, ids []int64) {
	if err := s.store.MarkSaved(ctx, ids); err != nil {
		s.log.Error("panel.mark_saved_failed", logx.TaskIDs(ids), logx.Err(err))
	}
}

func (s *Service) logBridgeFailure(ids []int64, err error) {
	s.log.Warn("bridge.sync_failed", logx.TaskIDs(ids), logx.Err(err))
	s.bridgeWarn.Do(func() {
		s.log.Warn("scheduler process unreachable; changes stay unsaved until it is back")
	})
}

// Sync pushes records to the scheduler process. full re-registers every
// task (used at API startup); otherwise only unsaved records are retried.
func (s *Service) Sync(ctx context.Context, full bool) error {
	var (
		tasks []task.Task
		err   error
	)
	if full {
		tasks, err = s.store.AllTasks(ctx)
	} else {
		tasks, err = s.store.UnsavedTasks(ctx)
	}
	if err != nil {
		return err
	}
	if len(tasks) == 0 && !full {
		return nil
	}
	if _, err := s.tab.Materialize(ctx); err != nil {
		return err
	}
	ids := make([]int64, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	if err := s.propagate(ctx, tasks); err != nil {
		return err
	}
	s.markSaved(ctx, ids)
	s.log.Info("panel.synced", logx.Bool("full", full), logx.Int("tasks", len(tasks)))
	return nil
}

// SyncLoop retries unsaved records every interval until ctx ends.
func (s *Service) SyncLoop(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		every = 30 * time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := s.Sync(ctx, false); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Debug("panel.sync_retry_failed", logx.Err(err))
			}
		}
	}
}

// Health is the combined API and scheduler status.
type Health struct {
	API       string `json:"api"`
	Scheduler string `json:"scheduler"`
	Error     string `json:"error,omitempty"`
}

func (s *Service) HealthCheck(ctx context.Context) Health {
	h := Health{API: "ok"}
	if err := s.store.Ping(ctx); err != nil {
		h.API = "degraded"
		h.Error = err.Error()
	}
	st, err := s.bridge.HealthCheck(ctx)
	if err != nil {
		h.Scheduler = "UNREACHABLE"
		if h.Error == "" {
			h.Error = err.Error()
		}
		return h
	}
	h.Scheduler = st
	return h
}

// Shutdown cancels manual runs still waiting for a slot and waits for the
// rest until ctx ends.
func (s *Service) Shutdown(ctx context.Context) {
	s.cancelRuns()
	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("panel.shutdown_runs_pending")
	}
}
