package panel

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"taskpanel/internal/bridge"
	"taskpanel/internal/crontab"
	"taskpanel/internal/eventbus"
	"taskpanel/internal/storage"
	"taskpanel/internal/task"
	"taskpanel/internal/task/engine"
	"taskpanel/internal/task/runner"
	logx "taskpanel/pkg/logx"
)

type fakeBridge struct {
	mu      sync.Mutex
	fail    bool
	added   []bridge.Entry
	deleted []int64
}

var errDown = errors.New("scheduler down")

func (f *fakeBridge) AddCron(_ context.Context, entries []bridge.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errDown
	}
	f.added = append(f.added, entries...)
	return nil
}

func (f *fakeBridge) DeleteCron(_ context.Context, ids []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errDown
	}
	f.deleted = append(f.deleted, ids...)
	return nil
}

func (f *fakeBridge) HealthCheck(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", errDown
	}
	return "SERVING", nil
}

func (f *fakeBridge) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *fakeBridge) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.added), len(f.deleted)
}

type fixture struct {
	svc    *Service
	store  *storage.Store
	bridge *fakeBridge
	tab    string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	dir := t.TempDir()
	st, err := storage.Open(storage.Config{Path: filepath.Join(dir, "panel.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	logDir := filepath.Join(dir, "logs")
	tabPath := filepath.Join(dir, "crontab.list")
	tab := crontab.New(crontab.Config{Path: tabPath}, st, logx.Nop())
	rn := runner.New(runner.Config{LogDir: logDir}, st, engine.NewLimiter(2, logx.Nop()), logx.Nop(), eventbus.Nop())
	br := &fakeBridge{}
	svc := New(Config{LogDir: logDir}, st, tab, br, rn, logx.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Shutdown(ctx)
	})
	return fixture{svc: svc, store: st, bridge: br, tab: tabPath}
}

func (f fixture) create(t *testing.T, command, schedule string) task.Task {
	t.Helper()
	tk, err := f.svc.Create(context.Background(), storage.NewTask{Command: command, Schedule: schedule})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return tk
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestCreatePropagatesAndMarksSaved(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	tk := f.create(t, "echo hi", "0 3 * * *")

	if !tk.Saved {
		t.Fatalf("task not saved after successful propagation: %+v", tk)
	}
	if len(f.bridge.added) != 1 || f.bridge.added[0].ID != tk.ID || f.bridge.added[0].Command != "echo hi" {
		t.Fatalf("bridge added = %+v", f.bridge.added)
	}
	b, err := os.ReadFile(f.tab)
	if err != nil {
		t.Fatalf("read crontab: %v", err)
	}
	if !strings.Contains(string(b), "ID=1 echo hi") {
		t.Fatalf("crontab = %q", b)
	}
}

func TestBridgeFailureLeavesUnsavedUntilSync(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.bridge.setFail(true)
	tk := f.create(t, "echo later", "@daily")
	if tk.Saved {
		t.Fatal("task saved while scheduler process was down")
	}
	if err := f.svc.Sync(context.Background(), false); !errors.Is(err, errDown) {
		t.Fatalf("Sync while down = %v", err)
	}

	f.bridge.setFail(false)
	if err := f.svc.Sync(context.Background(), false); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	got, _ := f.store.GetTask(context.Background(), tk.ID)
	if !got.Saved {
		t.Fatal("Sync did not mark the task saved")
	}
	if added, _ := f.bridge.counts(); added != 1 {
		t.Fatalf("added = %d, want 1", added)
	}
}

func TestUpdateOnlyRegistersMeaningfulChanges(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	tk := f.create(t, "echo a", "0 1 * * *")
	ctx := context.Background()

	name := "renamed"
	got, err := f.svc.Update(ctx, storage.TaskPatch{ID: tk.ID, Name: &name})
	if err != nil {
		t.Fatalf("Update name: %v", err)
	}
	if added, _ := f.bridge.counts(); added != 1 || !got.Saved {
		t.Fatalf("name-only update: added=%d saved=%v", added, got.Saved)
	}

	sched := "0 2 * * *"
	if _, err := f.svc.Update(ctx, storage.TaskPatch{ID: tk.ID, Schedule: &sched}); err != nil {
		t.Fatalf("Update schedule: %v", err)
	}
	if added, _ := f.bridge.counts(); added != 2 {
		t.Fatalf("schedule update: added=%d, want 2", added)
	}
	if f.bridge.added[1].Schedule != sched {
		t.Fatalf("registered schedule = %q", f.bridge.added[1].Schedule)
	}
}

func TestDisableDeregisters(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	tk := f.create(t, "echo a", "0 1 * * *")
	ctx := context.Background()

	if err := f.svc.Disable(ctx, []int64{tk.ID}); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if _, deleted := f.bridge.counts(); deleted != 1 {
		t.Fatalf("deleted = %d", deleted)
	}
	b, _ := os.ReadFile(f.tab)
	if !strings.HasPrefix(string(b), "#0 1 * * * ID=") {
		t.Fatalf("disabled task not commented out: %q", b)
	}

	if err := f.svc.Enable(ctx, []int64{tk.ID}); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if added, _ := f.bridge.counts(); added != 2 {
		t.Fatalf("added = %d after enable", added)
	}
	if err := f.svc.Disable(ctx, nil); !task.IsValidation(err) {
		t.Fatalf("Disable(nil) = %v, want validation error", err)
	}
}

func TestRemoveDeletesAndDeregisters(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	a := f.create(t, "echo a", "0 1 * * *")
	b := f.create(t, "echo b", "0 2 * * *")
	ctx := context.Background()

	if err := f.svc.Remove(ctx, []int64{a.ID, 999}); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := f.svc.Get(ctx, a.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Get removed = %v", err)
	}
	if _, err := f.svc.Get(ctx, b.ID); err != nil {
		t.Fatalf("Get kept: %v", err)
	}
	data, _ := os.ReadFile(f.tab)
	if strings.Contains(string(data), "echo a") {
		t.Fatalf("crontab still lists removed task: %q", data)
	}
	if err := f.svc.Remove(ctx, nil); !task.IsValidation(err) {
		t.Fatalf("Remove(nil) = %v", err)
	}
}

func TestRunWritesReadableLogs(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	tk := f.create(t, "echo from-run", "@once")
	ctx := context.Background()

	if err := f.svc.Run(ctx, []int64{tk.ID}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	waitFor(t, "run to finish", func() bool {
		got, err := f.store.GetTask(ctx, tk.ID)
		return err == nil && got.Status == task.StatusIdle && got.LastExecutionTime > 0
	})

	text, err := f.svc.Log(ctx, tk.ID)
	if err != nil || !strings.Contains(text, "from-run") {
		t.Fatalf("Log = %q, %v", text, err)
	}
	logs, err := f.svc.Logs(ctx, tk.ID)
	if err != nil || len(logs) != 1 {
		t.Fatalf("Logs = %+v, %v", logs, err)
	}
	if logs[0].SizeText == "" || logs[0].Age == "" {
		t.Fatalf("log entry not humanized: %+v", logs[0])
	}
	one, err := f.svc.LogFile(ctx, tk.ID, logs[0].Name)
	if err != nil || one != text {
		t.Fatalf("LogFile = %q, %v", one, err)
	}
	if _, err := f.svc.LogFile(ctx, tk.ID, "../../etc/passwd"); !task.IsValidation(err) {
		t.Fatalf("traversal = %v, want validation error", err)
	}
	if _, err := f.svc.LogFile(ctx, tk.ID, "2000-01-01-00-00-00-000.log"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("missing log = %v", err)
	}
}

func TestLogBeforeFirstRunIsEmpty(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	tk := f.create(t, "echo never", "@once")
	text, err := f.svc.Log(context.Background(), tk.ID)
	if err != nil || text != "" {
		t.Fatalf("Log = %q, %v", text, err)
	}
	logs, err := f.svc.Logs(context.Background(), tk.ID)
	if err != nil || len(logs) != 0 {
		t.Fatalf("Logs = %+v, %v", logs, err)
	}
}

func TestStopKillsRunningTask(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	tk := f.create(t, "sleep 30", "@once")
	ctx := context.Background()

	if err := f.svc.Run(ctx, []int64{tk.ID}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	var pid int
	waitFor(t, "task to start", func() bool {
		got, err := f.store.GetTask(ctx, tk.ID)
		pid = got.PID
		return err == nil && got.Running()
	})

	if err := f.svc.Stop(ctx, []int64{tk.ID}); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	got, _ := f.store.GetTask(ctx, tk.ID)
	if got.Status != task.StatusIdle || got.PID != 0 {
		t.Fatalf("record after stop = status %v pid %d", got.Status, got.PID)
	}
	waitFor(t, "process to exit", func() bool { return !runner.ProcessAlive(pid) })
}

func TestStopDeregistersUntilEnabled(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	tk := f.create(t, "echo tick", "*/5 * * * *")
	other := f.create(t, "echo tock", "*/5 * * * *")
	ctx := context.Background()

	if err := f.svc.Stop(ctx, []int64{tk.ID, 404}); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	f.bridge.mu.Lock()
	deleted := append([]int64(nil), f.bridge.deleted...)
	f.bridge.mu.Unlock()
	if len(deleted) != 1 || deleted[0] != tk.ID {
		t.Fatalf("deregistered = %v, want [%d]", deleted, tk.ID)
	}
	got, _ := f.store.GetTask(ctx, tk.ID)
	if got.IsDisabled || got.Status != task.StatusIdle {
		t.Fatalf("stopped record = %+v", got)
	}

	addedBefore, _ := f.bridge.counts()
	if err := f.svc.Enable(ctx, []int64{tk.ID}); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	f.bridge.mu.Lock()
	last := f.bridge.added[len(f.bridge.added)-1]
	addedAfter := len(f.bridge.added)
	f.bridge.mu.Unlock()
	if addedAfter != addedBefore+1 || last.ID != tk.ID {
		t.Fatalf("Enable did not re-register: last %+v, %d -> %d", last, addedBefore, addedAfter)
	}
	if _, deletes := f.bridge.counts(); deletes != 1 {
		t.Fatalf("other task %d touched: %d deletes", other.ID, deletes)
	}
}

func TestImportCrontabSkipsDuplicates(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.create(t, "backup.sh", "0 3 * * *")

	text := strings.Join([]string{
		"# nightly jobs",
		"SHELL=/bin/sh",
		"0  3 * * * backup.sh",
		"*/10 * * * * ID=9 report.py --daily",
		"not a cron line",
		"",
	}, "\n")
	res, err := f.svc.ImportCrontab(context.Background(), text)
	if err != nil {
		t.Fatalf("ImportCrontab: %v", err)
	}
	if len(res.Created) != 1 || res.Duplicates != 1 || len(res.Errors) != 1 {
		t.Fatalf("result = %+v", res)
	}
	if c := res.Created[0]; c.Command != "report.py --daily" || c.Schedule != "*/10 * * * *" {
		t.Fatalf("created = %+v", c)
	}
	got, _ := f.store.GetTask(context.Background(), res.Created[0].ID)
	if !got.Saved {
		t.Fatal("imported task not propagated")
	}
}

func TestHealthCheck(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	if h := f.svc.HealthCheck(ctx); h.API != "ok" || h.Scheduler != "SERVING" || h.Error != "" {
		t.Fatalf("health = %+v", h)
	}
	f.bridge.setFail(true)
	if h := f.svc.HealthCheck(ctx); h.Scheduler != "UNREACHABLE" || h.Error == "" {
		t.Fatalf("health while down = %+v", h)
	}
}
