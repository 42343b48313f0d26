package panel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"taskpanel/internal/storage"
	"taskpanel/internal/task"
	logx "taskpanel/pkg/logx"
)

func (s *Service) Create(ctx context.Context, in storage.NewTask) (task.Task, error) {
	t, err := s.store.CreateTask(ctx, in)
	if err != nil {
		return task.Task{}, err
	}
	s.commit(ctx, []int64{t.ID}, true)
	return s.store.GetTask(ctx, t.ID)
}

// Update applies p. The scheduler is only touched when the schedule,
// command or disabled flag changed.
func (s *Service) Update(ctx context.Context, p storage.TaskPatch) (task.Task, error) {
	t, changed, err := s.store.UpdateTask(ctx, p)
	if err != nil {
		return task.Task{}, err
	}
	s.commit(ctx, []int64{t.ID}, changed)
	return s.store.GetTask(ctx, t.ID)
}

// Remove stops any running instance, deletes the records and deregisters
// them. Unknown ids are ignored.
func (s *Service) Remove(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return &task.ValidationError{Field: "ids", Reason: "ids required"}
	}
	if _, err := s.halt(ctx, ids); err != nil {
		return err
	}
	if _, err := s.store.DeleteTasks(ctx, ids); err != nil {
		return err
	}
	if _, err := s.tab.Materialize(ctx); err != nil {
		s.log.Warn("crontab.materialize_failed", logx.TaskIDs(ids), logx.Err(err))
	}
	if err := s.bridge.DeleteCron(ctx, ids); err != nil {
		s.logBridgeFailure(ids, err)
	}
	return nil
}

func (s *Service) Enable(ctx context.Context, ids []int64) error {
	return s.setDisabled(ctx, ids, false)
}

func (s *Service) Disable(ctx context.Context, ids []int64) error {
	return s.setDisabled(ctx, ids, true)
}

func (s *Service) setDisabled(ctx context.Context, ids []int64, disabled bool) error {
	if _, err := s.store.SetDisabled(ctx, ids, disabled); err != nil {
		return mapIDsErr(err)
	}
	s.commit(ctx, ids, true)
	return nil
}

func (s *Service) Pin(ctx context.Context, ids []int64) error   { return s.setPinned(ctx, ids, true) }
func (s *Service) Unpin(ctx context.Context, ids []int64) error { return s.setPinned(ctx, ids, false) }

func (s *Service) setPinned(ctx context.Context, ids []int64, pinned bool) error {
	if _, err := s.store.SetPinned(ctx, ids, pinned); err != nil {
		return mapIDsErr(err)
	}
	s.commit(ctx, ids, false)
	return nil
}

func (s *Service) AddLabels(ctx context.Context, ids []int64, labels []string) error {
	if err := checkLabels(labels); err != nil {
		return err
	}
	if err := s.store.AddLabels(ctx, ids, labels); err != nil {
		return mapIDsErr(err)
	}
	s.commit(ctx, ids, false)
	return nil
}

func (s *Service) RemoveLabels(ctx context.Context, ids []int64, labels []string) error {
	if err := checkLabels(labels); err != nil {
		return err
	}
	if err := s.store.RemoveLabels(ctx, ids, labels); err != nil {
		return mapIDsErr(err)
	}
	s.commit(ctx, ids, false)
	return nil
}

func checkLabels(labels []string) error {
	if len(task.NormalizeLabels(labels)) == 0 {
		return &task.ValidationError{Field: "labels", Reason: "labels required"}
	}
	for _, l := range labels {
		if strings.ContainsAny(l, "\n\r") {
			return &task.ValidationError{Field: "labels", Reason: fmt.Sprintf("label %q contains a line break", l)}
		}
	}
	return nil
}

func (s *Service) Get(ctx context.Context, id int64) (task.Task, error) {
	return s.store.GetTask(ctx, id)
}

func (s *Service) List(ctx context.Context, opt storage.ListOptions) (storage.ListResult, error) {
	return s.store.QueryTasks(ctx, opt)
}

func (s *Service) Views(ctx context.Context) ([]storage.View, error) {
	return s.store.ListViews(ctx)
}

func (s *Service) CreateView(ctx context.Context, v storage.View) (storage.View, error) {
	return s.store.CreateView(ctx, v)
}

func (s *Service) DeleteView(ctx context.Context, id int64) error {
	return s.store.DeleteView(ctx, id)
}

// mapIDsErr turns an empty id list into a validation error.
func mapIDsErr(err error) error {
	if errors.Is(err, storage.ErrNoIDs) {
		return &task.ValidationError{Field: "ids", Reason: "ids required"}
	}
	return err
}
