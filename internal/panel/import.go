package panel

import (
	"context"
	"strings"

	"taskpanel/internal/crontab"
	"taskpanel/internal/storage"
	"taskpanel/internal/task"
	logx "taskpanel/pkg/logx"
)

// ImportResult summarizes ImportCrontab.
type ImportResult struct {
	Created    []task.Task `json:"created"`
	Duplicates int         `json:"duplicates"`
	Errors     []string    `json:"errors"`
}

// ImportCrontab creates a task for every valid line of text, or of the
// installed user crontab when text is blank. Lines matching an existing
// task's schedule and command are skipped.
func (s *Service) ImportCrontab(ctx context.Context, text string) (ImportResult, error) {
	if strings.TrimSpace(text) == "" {
		installed, err := crontab.ReadInstalled(ctx)
		if err != nil {
			return ImportResult{}, err
		}
		text = installed
	}

	entries, perrs := crontab.Parse(text)
	res := ImportResult{Created: []task.Task{}, Errors: make([]string, 0, len(perrs))}
	for _, e := range perrs {
		res.Errors = append(res.Errors, e.Error())
	}

	existing, err := s.store.AllTasks(ctx)
	if err != nil {
		return ImportResult{}, err
	}
	seen := make(map[string]struct{}, len(existing))
	for _, t := range existing {
		seen[importKey(t.Schedule, t.Command)] = struct{}{}
	}

	var ids []int64
	for _, e := range entries {
		k := importKey(e.Schedule, e.Command)
		if _, dup := seen[k]; dup {
			res.Duplicates++
			continue
		}
		seen[k] = struct{}{}
		t, err := s.store.CreateTask(ctx, storage.NewTask{Command: e.Command, Schedule: e.Schedule})
		if err != nil {
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		res.Created = append(res.Created, t)
		ids = append(ids, t.ID)
	}
	if len(ids) > 0 {
		s.commit(ctx, ids, true)
	}
	s.log.Info("crontab.imported",
		logx.Int("created", len(res.Created)),
		logx.Int("duplicates", res.Duplicates),
		logx.Int("errors", len(res.Errors)),
	)
	return res, nil
}

func importKey(schedule, command string) string {
	return strings.Join(strings.Fields(schedule), " ") + "\x00" + strings.TrimSpace(command)
}
