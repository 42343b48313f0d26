package storage

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"slices"
	"testing"

	"taskpanel/internal/task"
	logx "taskpanel/pkg/logx"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "tasks.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func mustCreate(t *testing.T, st *Store, in NewTask) task.Task {
	t.Helper()
	got, err := st.CreateTask(context.Background(), in)
	if err != nil {
		t.Fatalf("CreateTask(%+v): %v", in, err)
	}
	return got
}

func TestCreateTaskDefaultsAndValidation(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	got := mustCreate(t, st, NewTask{Name: " backup ", Command: "echo hi", Schedule: "0   3 * * *", Labels: []string{"b", "a", "a"}})
	if got.ID <= 0 || got.Name != "backup" || got.Schedule != "0 3 * * *" {
		t.Fatalf("created = %+v", got)
	}
	if got.Status != task.StatusIdle || got.Saved || got.PID != 0 {
		t.Fatalf("new record state = status %v saved %v pid %d", got.Status, got.Saved, got.PID)
	}
	if len(got.Labels) != 2 || got.Labels[0] != "a" {
		t.Fatalf("labels = %v", got.Labels)
	}

	tests := []struct {
		name string
		in   NewTask
	}{
		{"blank command", NewTask{Command: "  ", Schedule: "* * * * *"}},
		{"bad schedule", NewTask{Command: "true", Schedule: "61 * * * *"}},
		{"unsupported macro", NewTask{Command: "true", Schedule: "@daily"}},
	}
	for _, tc := range tests {
		if _, err := st.CreateTask(ctx, tc.in); !task.IsValidation(err) {
			t.Fatalf("%s: err = %v, want validation error", tc.name, err)
		}
	}
	all, err := st.AllTasks(ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("AllTasks = %d, %v", len(all), err)
	}
}

func TestUpdateTaskReportsSchedulingChanges(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	orig := mustCreate(t, st, NewTask{Command: "echo a", Schedule: "* * * * *"})
	if err := st.MarkSaved(ctx, []int64{orig.ID}); err != nil {
		t.Fatalf("MarkSaved: %v", err)
	}

	name := "renamed"
	got, changed, err := st.UpdateTask(ctx, TaskPatch{ID: orig.ID, Name: &name})
	if err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if changed || got.Name != "renamed" || got.Saved {
		t.Fatalf("name change: changed=%v task=%+v", changed, got)
	}

	sched := "*/5 * * * * *"
	got, changed, err = st.UpdateTask(ctx, TaskPatch{ID: orig.ID, Schedule: &sched})
	if err != nil || !changed || got.Schedule != sched {
		t.Fatalf("schedule change: changed=%v err=%v task=%+v", changed, err, got)
	}

	bad := "nope"
	if _, _, err := st.UpdateTask(ctx, TaskPatch{ID: orig.ID, Schedule: &bad}); !task.IsValidation(err) {
		t.Fatalf("err = %v, want validation error", err)
	}
	if _, _, err := st.UpdateTask(ctx, TaskPatch{ID: 999, Name: &name}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRunStateMachine(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	tk := mustCreate(t, st, NewTask{Command: "sleep 1", Schedule: "@once"})

	if err := st.MarkQueued(ctx, tk.ID, 100, Ticket{Owner: 1, Token: 1}); err != nil {
		t.Fatalf("MarkQueued: %v", err)
	}
	ok, err := st.MarkRunning(ctx, tk.ID, 1, 4242, "/tmp/x.log", 101)
	if err != nil || !ok {
		t.Fatalf("MarkRunning = %v, %v", ok, err)
	}
	got, _ := st.GetTask(ctx, tk.ID)
	if got.Status != task.StatusRunning || got.PID != 4242 || got.LastExecutionTime != 100 || got.LastRunningTime != 101 {
		t.Fatalf("running record = %+v", got)
	}

	// A second run replaces the first: the older pid no longer owns the record.
	if err := st.MarkQueued(ctx, tk.ID, 200, Ticket{Owner: 1, Token: 2}); err != nil {
		t.Fatalf("MarkQueued: %v", err)
	}
	if ok, _ := st.FinishRun(ctx, tk.ID, 4242); ok {
		t.Fatal("stale pid finished the newer run")
	}
	if ok, _ := st.MarkRunning(ctx, tk.ID, 2, 4343, "/tmp/y.log", 201); !ok {
		t.Fatal("MarkRunning for replacement not applied")
	}
	if ok, _ := st.FinishRun(ctx, tk.ID, 4343); !ok {
		t.Fatal("FinishRun not applied")
	}
	got, _ = st.GetTask(ctx, tk.ID)
	if got.Status != task.StatusIdle || got.PID != 0 || got.LogPath != "/tmp/y.log" {
		t.Fatalf("finished record = %+v", got)
	}

	// Stopped while queued: MarkRunning must not resurrect it.
	_ = st.MarkQueued(ctx, tk.ID, 300, Ticket{Owner: 1, Token: 3})
	if err := st.SetStatus(ctx, []int64{tk.ID}, StatusUpdate{Status: task.StatusIdle}); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if ok, _ := st.MarkRunning(ctx, tk.ID, 3, 5000, "", 301); ok {
		t.Fatal("MarkRunning applied to an idle record")
	}

	if err := st.MarkQueued(ctx, 999, 1, Ticket{Owner: 1, Token: 4}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("MarkQueued missing = %v", err)
	}

	// Queued twice before a slot: only the later request may start.
	_ = st.MarkQueued(ctx, tk.ID, 400, Ticket{Owner: 1, Token: 5})
	_ = st.MarkQueued(ctx, tk.ID, 401, Ticket{Owner: 1, Token: 6})
	if err := st.ClearQueued(ctx, tk.ID, 5); err != nil {
		t.Fatalf("ClearQueued: %v", err)
	}
	if got, _ := st.GetTask(ctx, tk.ID); got.Status != task.StatusQueued || got.QueueToken != 6 {
		t.Fatalf("after stale ClearQueued = %+v", got)
	}
	if ok, _ := st.MarkRunning(ctx, tk.ID, 5, 6000, "", 402); ok {
		t.Fatal("superseded request started")
	}
	if ok, _ := st.MarkRunning(ctx, tk.ID, 6, 6001, "", 402); !ok {
		t.Fatal("latest request not started")
	}
}

func TestMultipleInstancesKeepRunning(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	tk := mustCreate(t, st, NewTask{Command: "sleep 1", Schedule: "@once", AllowMultipleInstances: true})

	_ = st.MarkQueued(ctx, tk.ID, 1, Ticket{Owner: 1, Token: 1})
	if ok, _ := st.MarkRunning(ctx, tk.ID, 1, 10, "", 1); !ok {
		t.Fatal("first instance not running")
	}
	_ = st.MarkQueued(ctx, tk.ID, 2, Ticket{Owner: 1, Token: 2})
	got, _ := st.GetTask(ctx, tk.ID)
	if got.Status != task.StatusRunning || got.PID != 10 {
		t.Fatalf("multi record after queue = %+v", got)
	}
	if ok, _ := st.MarkRunning(ctx, tk.ID, 2, 11, "", 2); !ok {
		t.Fatal("second instance not running")
	}
	if ok, _ := st.FinishRun(ctx, tk.ID, 10); ok {
		t.Fatal("older instance set idle")
	}
	if ok, _ := st.FinishRun(ctx, tk.ID, 11); !ok {
		t.Fatal("newest instance did not set idle")
	}
}

func TestSetStatusOnlyOverwritesPositiveTimestamps(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	tk := mustCreate(t, st, NewTask{Command: "true", Schedule: "@once"})

	if err := st.SetStatus(ctx, []int64{tk.ID}, StatusUpdate{Status: task.StatusRunning, PID: 7, LastRunningTime: 50, LastExecutionTime: 40}); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if err := st.SetStatus(ctx, []int64{tk.ID}, StatusUpdate{Status: task.StatusIdle, PID: 9}); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	got, _ := st.GetTask(ctx, tk.ID)
	if got.PID != 0 || got.LastRunningTime != 50 || got.LastExecutionTime != 40 {
		t.Fatalf("record = %+v", got)
	}
	if err := st.SetStatus(ctx, []int64{tk.ID}, StatusUpdate{Status: task.Status(9)}); !task.IsValidation(err) {
		t.Fatalf("err = %v, want validation error", err)
	}
}

func TestResetStale(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	live := mustCreate(t, st, NewTask{Command: "a", Schedule: "@once"})
	dead := mustCreate(t, st, NewTask{Command: "b", Schedule: "@once"})
	waiting := mustCreate(t, st, NewTask{Command: "c", Schedule: "@once"})
	orphaned := mustCreate(t, st, NewTask{Command: "d", Schedule: "@once"})
	reused := mustCreate(t, st, NewTask{Command: "e", Schedule: "@once"})

	const (
		apiPID       = 100
		schedulerPID = 200
		crashedPID   = 300
	)
	alive := func(pid int) bool { return pid == 1 || pid == apiPID || pid == schedulerPID }

	_ = st.SetStatus(ctx, []int64{live.ID}, StatusUpdate{Status: task.StatusRunning, PID: 1})
	_ = st.SetStatus(ctx, []int64{dead.ID}, StatusUpdate{Status: task.StatusRunning, PID: 2})
	_ = st.MarkQueued(ctx, waiting.ID, 1, Ticket{Owner: apiPID, Token: 1})
	_ = st.MarkQueued(ctx, orphaned.ID, 1, Ticket{Owner: crashedPID, Token: 2})
	_ = st.MarkQueued(ctx, reused.ID, 1, Ticket{Owner: schedulerPID, Token: 3})

	reset, err := st.ResetStale(ctx, alive, 0)
	if err != nil || !slices.Equal(reset, []int64{dead.ID, orphaned.ID}) {
		t.Fatalf("ResetStale = %v, %v", reset, err)
	}

	// A restarted scheduler clears what its pid owned before, never the
	// API process's waiters.
	reset, err = st.ResetStale(ctx, alive, schedulerPID)
	if err != nil || !slices.Equal(reset, []int64{reused.ID}) {
		t.Fatalf("ResetStale(restarted) = %v, %v", reset, err)
	}
	for id, want := range map[int64]task.Status{live.ID: task.StatusRunning, waiting.ID: task.StatusQueued} {
		if got, _ := st.GetTask(ctx, id); got.Status != want {
			t.Fatalf("record %d = %v, want %v", id, got.Status, want)
		}
	}
}

func TestFlagsLabelsAndSaved(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	a := mustCreate(t, st, NewTask{Command: "a", Schedule: "* * * * *", Labels: []string{"x"}})
	b := mustCreate(t, st, NewTask{Command: "b", Schedule: "* * * * *"})
	ids := []int64{a.ID, b.ID}
	if err := st.MarkSaved(ctx, ids); err != nil {
		t.Fatalf("MarkSaved: %v", err)
	}
	if u, _ := st.UnsavedTasks(ctx); len(u) != 0 {
		t.Fatalf("unsaved = %d", len(u))
	}

	if n, err := st.SetDisabled(ctx, append(ids, a.ID), true); err != nil || n != 2 {
		t.Fatalf("SetDisabled = %d, %v", n, err)
	}
	if err := st.AddLabels(ctx, ids, []string{"y", "x"}); err != nil {
		t.Fatalf("AddLabels: %v", err)
	}
	if err := st.RemoveLabels(ctx, []int64{a.ID}, []string{"x"}); err != nil {
		t.Fatalf("RemoveLabels: %v", err)
	}
	got, _ := st.GetTasks(ctx, ids)
	if len(got) != 2 || !got[0].IsDisabled || got[0].Saved {
		t.Fatalf("records = %+v", got)
	}
	if len(got[0].Labels) != 1 || got[0].Labels[0] != "y" || len(got[1].Labels) != 2 {
		t.Fatalf("labels = %v / %v", got[0].Labels, got[1].Labels)
	}
	enabled, _ := st.EnabledTasks(ctx)
	if len(enabled) != 0 {
		t.Fatalf("enabled = %d", len(enabled))
	}

	if n, err := st.DeleteTasks(ctx, []int64{a.ID, 999}); err != nil || n != 1 {
		t.Fatalf("DeleteTasks = %d, %v", n, err)
	}
	if _, err := st.DeleteTasks(ctx, nil); !errors.Is(err, ErrNoIDs) {
		t.Fatalf("DeleteTasks(nil) = %v", err)
	}
}

func TestQueryTasks(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	backup := mustCreate(t, st, NewTask{Name: "backup", Command: "tar czf /b.tgz /srv", Schedule: "0 3 * * *", Labels: []string{"ops"}})
	report := mustCreate(t, st, NewTask{Name: "report", Command: "python report.py", Schedule: "0 9 * * 1", Labels: []string{"biz", "ops"}})
	cleanup := mustCreate(t, st, NewTask{Name: "cleanup_100%", Command: "rm -rf /tmp/x", Schedule: "@once"})
	_, _ = st.SetPinned(ctx, []int64{cleanup.ID}, true)
	_, _ = st.SetDisabled(ctx, []int64{backup.ID}, true)

	tests := []struct {
		name string
		opt  ListOptions
		want []int64
	}{
		{"default order", ListOptions{}, []int64{cleanup.ID, report.ID, backup.ID}},
		{"free search", ListOptions{SearchValue: "report"}, []int64{report.ID}},
		{"name prefix", ListOptions{SearchValue: "name:back"}, []int64{backup.ID}},
		{"command prefix", ListOptions{SearchValue: "command:python"}, []int64{report.ID}},
		{"label prefix", ListOptions{SearchValue: "label:biz"}, []int64{report.ID}},
		{"literal percent", ListOptions{SearchValue: "100%"}, []int64{cleanup.ID}},
		{"label eq", ListOptions{Filters: []Filter{{Property: "labels", Operation: OpEq, Value: "ops"}}}, []int64{report.ID, backup.ID}},
		{"label nin", ListOptions{Filters: []Filter{{Property: "labels", Operation: OpNin, Value: []any{"biz"}}}}, []int64{cleanup.ID, backup.ID}},
		{"disabled eq bool", ListOptions{Filters: []Filter{{Property: "isDisabled", Operation: OpEq, Value: true}}}, []int64{backup.ID}},
		{"status in", ListOptions{Filters: []Filter{{Property: "status", Operation: OpIn, Value: []any{float64(2)}}}}, []int64{cleanup.ID, report.ID, backup.ID}},
		{"or relation", ListOptions{FilterRelation: "or", Filters: []Filter{
			{Property: "name", Operation: OpReg, Value: "back"},
			{Property: "name", Operation: OpReg, Value: "rep"},
		}}, []int64{report.ID, backup.ID}},
		{"explicit sort", ListOptions{Sorts: []Sort{{Property: "id", Type: "asc"}}}, []int64{backup.ID, report.ID, cleanup.ID}},
		{"paged", ListOptions{Page: 2, Size: 2}, []int64{backup.ID}},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			res, err := st.QueryTasks(ctx, tc.opt)
			if err != nil {
				t.Fatalf("QueryTasks: %v", err)
			}
			got := make([]int64, len(res.Data))
			for i, d := range res.Data {
				got[i] = d.ID
			}
			if len(got) != len(tc.want) {
				t.Fatalf("ids = %v, want %v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("ids = %v, want %v", got, tc.want)
				}
			}
		})
	}

	res, _ := st.QueryTasks(ctx, ListOptions{Page: 1, Size: 1})
	if res.Total != 3 || len(res.Data) != 1 {
		t.Fatalf("total = %d, len = %d", res.Total, len(res.Data))
	}
	if _, err := st.QueryTasks(ctx, ListOptions{Filters: []Filter{{Property: "password", Operation: OpEq, Value: 1}}}); !task.IsValidation(err) {
		t.Fatalf("unknown property err = %v", err)
	}
	if _, err := st.QueryTasks(ctx, ListOptions{Sorts: []Sort{{Property: "id; DROP TABLE tasks", Type: "ASC"}}}); !task.IsValidation(err) {
		t.Fatalf("unknown sort err = %v", err)
	}
}

func TestViews(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	a := mustCreate(t, st, NewTask{Name: "a", Command: "a", Schedule: "* * * * *", Labels: []string{"ops"}})
	mustCreate(t, st, NewTask{Name: "b", Command: "b", Schedule: "* * * * *"})

	v, err := st.CreateView(ctx, View{Name: "ops", Filters: []Filter{{Property: "labels", Operation: OpIn, Value: []any{"ops"}}}})
	if err != nil {
		t.Fatalf("CreateView: %v", err)
	}
	if v.FilterRelation != RelationAnd {
		t.Fatalf("relation = %q", v.FilterRelation)
	}
	if _, err := st.CreateView(ctx, View{Name: "ops"}); !task.IsValidation(err) {
		t.Fatalf("duplicate name err = %v", err)
	}
	if _, err := st.CreateView(ctx, View{Name: "bad", Filters: []Filter{{Property: "name", Operation: "Like"}}}); !task.IsValidation(err) {
		t.Fatalf("bad operation err = %v", err)
	}

	res, err := st.QueryTasks(ctx, ListOptions{ViewID: v.ID})
	if err != nil || len(res.Data) != 1 || res.Data[0].ID != a.ID {
		t.Fatalf("view query = %+v, %v", res, err)
	}
	if _, err := st.QueryTasks(ctx, ListOptions{ViewID: 999}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing view err = %v", err)
	}

	views, _ := st.ListViews(ctx)
	if len(views) != 1 || views[0].Name != "ops" {
		t.Fatalf("views = %+v", views)
	}
	if err := st.DeleteView(ctx, v.ID); err != nil {
		t.Fatalf("DeleteView: %v", err)
	}
	if err := st.DeleteView(ctx, v.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second DeleteView = %v", err)
	}
}

func TestOpenUpgradesOlderSchema(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "old.db")
	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	_, err = db.Exec(`CREATE TABLE tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT NOT NULL DEFAULT '', command TEXT NOT NULL,
		schedule TEXT NOT NULL, status INTEGER NOT NULL DEFAULT 2, is_disabled INTEGER NOT NULL DEFAULT 0,
		pid INTEGER NOT NULL DEFAULT 0, log_path TEXT NOT NULL DEFAULT '',
		last_running_time INTEGER NOT NULL DEFAULT 0, last_execution_time INTEGER NOT NULL DEFAULT 0,
		is_pinned INTEGER NOT NULL DEFAULT 0, labels TEXT NOT NULL DEFAULT '[]', saved INTEGER NOT NULL DEFAULT 0,
		allow_multiple_instances INTEGER NOT NULL DEFAULT 0, created_at INTEGER NOT NULL, updated_at INTEGER NOT NULL)`)
	_ = db.Close()
	if err != nil {
		t.Fatalf("create old table: %v", err)
	}

	st, err := Open(Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()
	tk := mustCreate(t, st, NewTask{Command: "true", Schedule: "@once"})
	if err := st.MarkQueued(ctx, tk.ID, 1, Ticket{Owner: 7, Token: 9}); err != nil {
		t.Fatalf("MarkQueued: %v", err)
	}
	if got, _ := st.GetTask(ctx, tk.ID); got.QueueOwner != 7 || got.QueueToken != 9 {
		t.Fatalf("ticket = %d/%d", got.QueueOwner, got.QueueToken)
	}
}
