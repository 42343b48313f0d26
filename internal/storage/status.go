package storage

import (
	"context"
	"fmt"
	"strings"

	"taskpanel/internal/task"
)

// StatusUpdate is a bulk status write. Zero timestamps and an empty log
// path leave the stored values untouched; the pid is only kept for
// StatusRunning.
type StatusUpdate struct {
	Status            task.Status
	PID               int
	LogPath           string
	LastRunningTime   int64
	LastExecutionTime int64
}

// SetStatus writes u to every record in ids.
func (s *Store) SetStatus(ctx context.Context, ids []int64, u StatusUpdate) error {
	if !u.Status.Valid() {
		return &task.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %d", u.Status)}
	}
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return ErrNoIDs
	}

	sets := []string{"status = ?", "pid = ?"}
	pid := 0
	if u.Status == task.StatusRunning {
		pid = u.PID
	}
	args := []any{int(u.Status), pid}
	if u.LogPath != "" {
		sets = append(sets, "log_path = ?")
		args = append(args, u.LogPath)
	}
	if u.LastRunningTime > 0 {
		sets = append(sets, "last_running_time = ?")
		args = append(args, u.LastRunningTime)
	}
	if u.LastExecutionTime > 0 {
		sets = append(sets, "last_execution_time = ?")
		args = append(args, u.LastExecutionTime)
	}
	in, idArgs := inClause(ids)
	args = append(args, idArgs...)

	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id IN `+in, args...)
	return err
}

// Ticket identifies one queued run: the pid of the process whose limiter
// it waits in and a token unique to the run.
type Ticket struct {
	Owner int
	Token int64
}

// MarkQueued moves a record to queued, stamps the execution start time
// (unix seconds) and records tk as the latest request. A record already
// running with multiple instances allowed keeps its running state and pid.
func (s *Store) MarkQueued(ctx context.Context, id int64, at int64, tk Ticket) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET
		status = CASE WHEN status = ? AND allow_multiple_instances = 1 THEN status ELSE ? END,
		pid = CASE WHEN status = ? AND allow_multiple_instances = 1 THEN pid ELSE 0 END,
		last_execution_time = ?, queue_owner = ?, queue_token = ?
		WHERE id = ?`,
		int(task.StatusRunning), int(task.StatusQueued), int(task.StatusRunning), at, tk.Owner, tk.Token, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkRunning attaches pid for the run holding token. A single-instance
// record must still be queued under that token; applied is false when the
// record was stopped, deleted or queued again by a later request while
// this run waited for a slot.
func (s *Store) MarkRunning(ctx context.Context, id int64, token int64, pid int, logPath string, at int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = ?, pid = ?, log_path = ?, last_running_time = ?
		WHERE id = ? AND (
			(status = ? AND (queue_token = ? OR allow_multiple_instances = 1))
			OR (status = ? AND allow_multiple_instances = 1))`,
		int(task.StatusRunning), pid, logPath, at,
		id, int(task.StatusQueued), token, int(task.StatusRunning))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ClearQueued returns a record queued under token to idle, used when the
// run gave up before a pid existed. A later request's ticket is left alone.
func (s *Store) ClearQueued(ctx context.Context, id int64, token int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = ?, pid = 0 WHERE id = ? AND status = ? AND queue_token = ?`,
		int(task.StatusIdle), id, int(task.StatusQueued), token)
	return err
}

// FinishRun sets the record idle only if pid is still the attached
// process, so an older instance exiting does not clobber a newer one.
func (s *Store) FinishRun(ctx context.Context, id int64, pid int) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = ?, pid = 0 WHERE id = ? AND pid = ? AND status = ?`,
		int(task.StatusIdle), id, pid, int(task.StatusRunning))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ResetStale sets records back to idle when nothing can finish them: a
// running record whose process is gone, or a queued record whose owning
// process is gone. restarted is the pid of a process that just started;
// queued records it owned belong to an earlier process that reused the
// pid. Pass 0 from periodic reconciliation.
func (s *Store) ResetStale(ctx context.Context, alive func(pid int) bool, restarted int) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, status, pid, queue_owner FROM tasks WHERE status IN (?, ?) ORDER BY id`,
		int(task.StatusRunning), int(task.StatusQueued))
	if err != nil {
		return nil, err
	}
	type stale struct {
		id     int64
		status int
		pid    int
		owner  int
	}
	var cand []stale
	for rows.Next() {
		var st stale
		if err := rows.Scan(&st.id, &st.status, &st.pid, &st.owner); err != nil {
			rows.Close()
			return nil, err
		}
		cand = append(cand, st)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	isAlive := func(pid int) bool { return pid > 0 && alive != nil && alive(pid) }

	var reset []int64
	for _, c := range cand {
		switch task.Status(c.status) {
		case task.StatusRunning:
			if isAlive(c.pid) {
				continue
			}
		case task.StatusQueued:
			if isAlive(c.owner) && (restarted == 0 || c.owner != restarted) {
				continue
			}
		}
		res, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = ?, pid = 0
			WHERE id = ? AND status = ? AND pid = ? AND queue_owner = ?`,
			int(task.StatusIdle), c.id, c.status, c.pid, c.owner)
		if err != nil {
			return reset, err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			reset = append(reset, c.id)
		}
	}
	return reset, nil
}
