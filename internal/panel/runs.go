package panel

import (
	"context"

	"taskpanel/internal/storage"
	"taskpanel/internal/task"
	"taskpanel/internal/task/runner"
	logx "taskpanel/pkg/logx"
)

// Run starts every task in ids in the background through this process's
// runner. Unknown ids are ignored.
func (s *Service) Run(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return &task.ValidationError{Field: "ids", Reason: "ids required"}
	}
	tasks, err := s.store.GetTasks(ctx, ids)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		cmd := task.ScheduledCommand(t.ID, t.Command, s.cfg.Wrapper)
		id := t.ID
		s.runs.Add(1)
		go func() {
			defer s.runs.Done()
			if err := s.runner.Run(s.runCtx, id, cmd, runner.Callbacks{}); err != nil {
				s.log.Warn("run.manual_failed", logx.TaskID(id), logx.Err(err))
			}
		}()
	}
	return nil
}

// Stop deregisters the tasks from the scheduler process so they fire no
// more, sets the records idle so runs still waiting for a slot are
// abandoned, and kills the process trees of running ones. A stopped task
// is scheduled again by Enable, by a schedule or command edit, or by the
// next full Sync.
func (s *Service) Stop(ctx context.Context, ids []int64) error {
	stopped, err := s.halt(ctx, ids)
	if err != nil || len(stopped) == 0 {
		return err
	}
	if err := s.bridge.DeleteCron(ctx, stopped); err != nil {
		s.logBridgeFailure(stopped, err)
	}
	return nil
}

// halt idles and kills without touching the scheduler process. It returns
// the ids that exist.
func (s *Service) halt(ctx context.Context, ids []int64) ([]int64, error) {
	tasks, err := s.store.GetTasks(ctx, ids)
	if err != nil || len(tasks) == 0 {
		return nil, err
	}
	found := make([]int64, len(tasks))
	for i, t := range tasks {
		found[i] = t.ID
	}
	if err := s.store.SetStatus(ctx, found, storage.StatusUpdate{Status: task.StatusIdle}); err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if t.PID > 0 {
			runner.KillTree(t.PID, s.log.With(logx.TaskID(t.ID)))
			s.log.Info("run.stopped", logx.TaskID(t.ID), logx.PID(t.PID))
		}
	}
	return found, nil
}
