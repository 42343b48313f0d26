package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskpanel/internal/task"
)

const taskColumns = `id, name, command, schedule, status, is_disabled, pid, log_path,
	last_running_time, last_execution_time, is_pinned, labels, saved,
	allow_multiple_instances, queue_owner, queue_token, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (task.Task, error) {
	var (
		t                          task.Task
		status                     int
		disabled, pinned, saved    int
		multi                      int
		labels                     string
		createdMilli, updatedMilli int64
	)
	err := r.Scan(&t.ID, &t.Name, &t.Command, &t.Schedule, &status, &disabled, &t.PID, &t.LogPath,
		&t.LastRunningTime, &t.LastExecutionTime, &pinned, &labels, &saved,
		&multi, &t.QueueOwner, &t.QueueToken, &createdMilli, &updatedMilli)
	if err != nil {
		return task.Task{}, err
	}
	t.Status = task.Status(status)
	t.IsDisabled = disabled != 0
	t.IsPinned = pinned != 0
	t.Saved = saved != 0
	t.AllowMultipleInstances = multi != 0
	t.CreatedAt = time.UnixMilli(createdMilli)
	t.UpdatedAt = time.UnixMilli(updatedMilli)
	t.Labels = decodeLabels(labels)
	return t, nil
}

func decodeLabels(raw string) []string {
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return []string{}
	}
	return out
}

func encodeLabels(labels []string) string {
	labels = task.NormalizeLabels(labels)
	b, _ := json.Marshal(labels)
	return string(b)
}

func queryTasks(ctx context.Context, q querier, query string, args ...any) ([]task.Task, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]task.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// NewTask is the input to CreateTask.
type NewTask struct {
	Name                   string   `json:"name"`
	Command                string   `json:"command"`
	Schedule               string   `json:"schedule"`
	Labels                 []string `json:"labels"`
	IsDisabled             bool     `json:"is_disabled"`
	AllowMultipleInstances bool     `json:"allow_multiple_instances"`
}

// CreateTask validates and inserts a task. New records are idle and unsaved.
func (s *Store) CreateTask(ctx context.Context, in NewTask) (task.Task, error) {
	if err := task.ValidateCommand(in.Command); err != nil {
		return task.Task{}, err
	}
	sched, err := task.ParseSchedule(in.Schedule)
	if err != nil {
		return task.Task{}, err
	}
	now := s.nowMillis()
	res, err := s.db.ExecContext(ctx, `INSERT INTO tasks
		(name, command, schedule, status, is_disabled, labels, saved, allow_multiple_instances, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		strings.TrimSpace(in.Name), strings.TrimSpace(in.Command), sched.Expr, int(task.StatusIdle),
		boolInt(in.IsDisabled), encodeLabels(in.Labels), boolInt(in.AllowMultipleInstances), now, now)
	if err != nil {
		return task.Task{}, fmt.Errorf("insert task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return task.Task{}, err
	}
	return s.GetTask(ctx, id)
}

// TaskPatch carries the fields UpdateTask should change; nil fields are kept.
type TaskPatch struct {
	ID                     int64     `json:"id"`
	Name                   *string   `json:"name,omitempty"`
	Command                *string   `json:"command,omitempty"`
	Schedule               *string   `json:"schedule,omitempty"`
	Labels                 *[]string `json:"labels,omitempty"`
	IsDisabled             *bool     `json:"is_disabled,omitempty"`
	AllowMultipleInstances *bool     `json:"allow_multiple_instances,omitempty"`
}

// UpdateTask applies p and marks the record unsaved. The returned bool is
// true when the schedule, command or disabled flag changed, so the live
// scheduler registration must be refreshed.
func (s *Store) UpdateTask(ctx context.Context, p TaskPatch) (task.Task, bool, error) {
	if p.ID <= 0 {
		return task.Task{}, false, &task.ValidationError{Field: "id", Reason: "id required"}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return task.Task{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, p.ID))
	if errors.Is(err, sql.ErrNoRows) {
		return task.Task{}, false, ErrNotFound
	}
	if err != nil {
		return task.Task{}, false, err
	}

	next := cur
	if p.Name != nil {
		next.Name = strings.TrimSpace(*p.Name)
	}
	if p.Command != nil {
		if err := task.ValidateCommand(*p.Command); err != nil {
			return task.Task{}, false, err
		}
		next.Command = strings.TrimSpace(*p.Command)
	}
	if p.Schedule != nil {
		sched, err := task.ParseSchedule(*p.Schedule)
		if err != nil {
			return task.Task{}, false, err
		}
		next.Schedule = sched.Expr
	}
	if p.Labels != nil {
		next.Labels = task.NormalizeLabels(*p.Labels)
	}
	if p.IsDisabled != nil {
		next.IsDisabled = *p.IsDisabled
	}
	if p.AllowMultipleInstances != nil {
		next.AllowMultipleInstances = *p.AllowMultipleInstances
	}

	_, err = tx.ExecContext(ctx, `UPDATE tasks SET name = ?, command = ?, schedule = ?, labels = ?,
		is_disabled = ?, allow_multiple_instances = ?, saved = 0, updated_at = ? WHERE id = ?`,
		next.Name, next.Command, next.Schedule, encodeLabels(next.Labels),
		boolInt(next.IsDisabled), boolInt(next.AllowMultipleInstances), s.nowMillis(), p.ID)
	if err != nil {
		return task.Task{}, false, fmt.Errorf("update task %d: %w", p.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return task.Task{}, false, err
	}

	changed := next.Command != cur.Command || next.Schedule != cur.Schedule || next.IsDisabled != cur.IsDisabled
	t, err := s.GetTask(ctx, p.ID)
	return t, changed, err
}

func (s *Store) GetTask(ctx context.Context, id int64) (task.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return task.Task{}, ErrNotFound
	}
	return t, err
}

// GetTasks returns the existing records among ids, ordered by id.
func (s *Store) GetTasks(ctx context.Context, ids []int64) ([]task.Task, error) {
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return []task.Task{}, nil
	}
	in, args := inClause(ids)
	return queryTasks(ctx, s.db, `SELECT `+taskColumns+` FROM tasks WHERE id IN `+in+` ORDER BY id`, args...)
}

// AllTasks returns every record ordered by id.
func (s *Store) AllTasks(ctx context.Context) ([]task.Task, error) {
	return queryTasks(ctx, s.db, `SELECT `+taskColumns+` FROM tasks ORDER BY id`)
}

// EnabledTasks returns the records the scheduler should register.
func (s *Store) EnabledTasks(ctx context.Context) ([]task.Task, error) {
	return queryTasks(ctx, s.db, `SELECT `+taskColumns+` FROM tasks WHERE is_disabled = 0 ORDER BY id`)
}

// DeleteTasks removes ids and reports how many rows went away.
func (s *Store) DeleteTasks(ctx context.Context, ids []int64) (int64, error) {
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return 0, ErrNoIDs
	}
	in, args := inClause(ids)
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id IN `+in, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SetDisabled flips is_disabled for ids and marks them unsaved.
func (s *Store) SetDisabled(ctx context.Context, ids []int64, disabled bool) (int64, error) {
	return s.setFlag(ctx, "is_disabled", ids, disabled)
}

// SetPinned flips is_pinned for ids.
func (s *Store) SetPinned(ctx context.Context, ids []int64, pinned bool) (int64, error) {
	return s.setFlag(ctx, "is_pinned", ids, pinned)
}

func (s *Store) setFlag(ctx context.Context, col string, ids []int64, v bool) (int64, error) {
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return 0, ErrNoIDs
	}
	in, args := inClause(ids)
	args = append([]any{boolInt(v), s.nowMillis()}, args...)
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET `+col+` = ?, saved = 0, updated_at = ? WHERE id IN `+in, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// AddLabels merges labels into every record in ids.
func (s *Store) AddLabels(ctx context.Context, ids []int64, labels []string) error {
	return s.editLabels(ctx, ids, func(cur []string) []string {
		return task.NormalizeLabels(append(cur, labels...))
	})
}

// RemoveLabels drops labels from every record in ids.
func (s *Store) RemoveLabels(ctx context.Context, ids []int64, labels []string) error {
	drop := make(map[string]struct{}, len(labels))
	for _, l := range labels {
		drop[strings.TrimSpace(l)] = struct{}{}
	}
	return s.editLabels(ctx, ids, func(cur []string) []string {
		out := cur[:0]
		for _, l := range cur {
			if _, ok := drop[l]; !ok {
				out = append(out, l)
			}
		}
		return out
	})
}

func (s *Store) editLabels(ctx context.Context, ids []int64, edit func([]string) []string) error {
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return ErrNoIDs
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := s.nowMillis()
	for _, id := range ids {
		var raw string
		err := tx.QueryRowContext(ctx, `SELECT labels FROM tasks WHERE id = ?`, id).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return err
		}
		next := encodeLabels(edit(decodeLabels(raw)))
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET labels = ?, saved = 0, updated_at = ? WHERE id = ?`, next, now, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// MarkSaved records that the OS crontab and the scheduler agree with ids.
func (s *Store) MarkSaved(ctx context.Context, ids []int64) error {
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return nil
	}
	in, args := inClause(ids)
	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET saved = 1 WHERE id IN `+in, args...)
	return err
}

// UnsavedTasks returns records whose last change has not been propagated.
func (s *Store) UnsavedTasks(ctx context.Context) ([]task.Task, error) {
	return queryTasks(ctx, s.db, `SELECT `+taskColumns+` FROM tasks WHERE saved = 0 ORDER BY id`)
}
