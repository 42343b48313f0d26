package runner

import (
	"bufio"
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"os"
	"os/exec"
	"time"

	"golang.org/x/sync/errgroup"

	"taskpanel/internal/eventbus"
	"taskpanel/internal/storage"
	"taskpanel/internal/task"
	"taskpanel/internal/task/engine"
	logx "taskpanel/pkg/logx"
)

const (
	defaultShell     = "/bin/sh"
	defaultKillGrace = 3 * time.Second
	maxLogLine       = 1 << 20
)

// Store is the part of the record store the runner drives.
type Store interface {
	GetTask(ctx context.Context, id int64) (task.Task, error)
	MarkQueued(ctx context.Context, id int64, at int64, tk storage.Ticket) error
	MarkRunning(ctx context.Context, id int64, token int64, pid int, logPath string, at int64) (bool, error)
	ClearQueued(ctx context.Context, id int64, token int64) error
	FinishRun(ctx context.Context, id int64, pid int) (bool, error)
}

type Config struct {
	Shell     string        // default /bin/sh
	Wrapper   string        // stripped when computing log directory names
	LogDir    string        // required
	KillGrace time.Duration // wait for a replaced run to exit; default 3s
	Owner     int           // pid recorded on queued runs; default os.Getpid()
}

// Callbacks observe one run. Any of them may be nil.
type Callbacks struct {
	OnStart func(pid int, logPath string)
	OnLog   func(line string)
	OnError func(err error)
	OnEnd   func(res eventbus.RunResult)
}

// Runner executes task commands through the shell, one log file per run.
type Runner struct {
	cfg     Config
	store   Store
	limiter *engine.Limiter
	log     logx.Logger
	bus     eventbus.Bus
	now     func() time.Time
}

func New(cfg Config, store Store, limiter *engine.Limiter, log logx.Logger, bus eventbus.Bus) *Runner {
	if cfg.Shell == "" {
		cfg.Shell = defaultShell
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = defaultKillGrace
	}
	if cfg.Owner <= 0 {
		cfg.Owner = os.Getpid()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	if limiter == nil {
		limiter = engine.NewLimiter(0, log)
	}
	return &Runner{cfg: cfg, store: store, limiter: limiter, log: log, bus: bus, now: time.Now}
}

// Dispatch runs a fired job and logs failures. It satisfies the
// scheduler's Dispatcher.
func (r *Runner) Dispatch(ctx context.Context, id int64, command string) {
	if err := r.Run(ctx, id, command, Callbacks{}); err != nil {
		r.log.Warn("run.dispatch_failed", logx.TaskID(id), logx.Err(err))
	}
}

// Run queues the task, waits for a limiter slot and executes command.
//
// A live earlier run of a task that does not allow multiple instances is
// killed first. A run of such a task still waiting for a slot is
// superseded: the latest request is the one that starts. If ctx ends while
// waiting for a slot the record goes back to idle and ctx's error is
// returned. A non-zero exit status is not an
// error; it is reported through OnEnd.
func (r *Runner) Run(ctx context.Context, id int64, command string, cb Callbacks) error {
	t, err := r.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if t.PID > 0 && !t.AllowMultipleInstances && ProcessAlive(t.PID) {
		r.log.Warn("run.replaced",
			logx.TaskID(id),
			logx.PID(t.PID),
			logx.Command(command),
		)
		r.bus.Publish(eventbus.Event{Type: eventbus.TypeRunReplaced, Time: r.now(), TaskID: id, Data: t.PID})
		KillTree(t.PID, r.log)
		r.waitGone(ctx, t.PID)
	}

	queuedAt := r.now()
	token := newToken()
	if err := r.store.MarkQueued(ctx, id, queuedAt.Unix(), storage.Ticket{Owner: r.cfg.Owner, Token: token}); err != nil {
		return err
	}
	r.bus.Publish(eventbus.Event{Type: eventbus.TypeRunQueued, Time: queuedAt, TaskID: id})

	err = r.limiter.AcquireAndRun(ctx, func(ctx context.Context) error {
		return r.execute(ctx, id, token, command, queuedAt, cb)
	})
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		_ = r.store.ClearQueued(context.WithoutCancel(ctx), id, token)
	}
	return err
}

func newToken() int64 {
	for {
		if tok := rand.Int64(); tok != 0 {
			return tok
		}
	}
}

func (r *Runner) waitGone(ctx context.Context, pid int) {
	deadline := time.NewTimer(r.cfg.KillGrace)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for ProcessAlive(pid) {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			r.log.Warn("run.replaced_still_alive", logx.PID(pid))
			return
		case <-tick.C:
		}
	}
}

func (r *Runner) execute(ctx context.Context, id, token int64, command string, queuedAt time.Time, cb Callbacks) error {
	log := r.log.With(logx.TaskID(id))

	t, err := r.store.GetTask(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		r.skip(log, id, "deleted")
		return nil
	}
	if err != nil {
		return err
	}
	switch {
	case t.AllowMultipleInstances && (t.Status == task.StatusQueued || t.Status == task.StatusRunning):
	case t.Status == task.StatusQueued && t.QueueToken == token:
	case t.Status == task.StatusQueued:
		r.skip(log, id, "superseded")
		return nil
	default:
		// Stopped while waiting for a slot.
		r.skip(log, id, t.Status.String())
		return nil
	}

	// Writes after this point must land even if the caller goes away.
	bg := context.WithoutCancel(ctx)

	startedAt := r.now()
	f, logPath, err := createLog(r.cfg.LogDir, CommandKey(command, r.cfg.Wrapper), startedAt)
	if err != nil {
		_ = r.store.ClearQueued(bg, id, token)
		log.Error("run.log_create_failed", logx.Err(err))
		if cb.OnError != nil {
			cb.OnError(err)
		}
		return err
	}
	defer f.Close()
	lw := &logWriter{f: f}
	lw.write(startMarker(startedAt))

	cmd := exec.Command(r.cfg.Shell, "-c", command)
	cmd.SysProcAttr = procAttr()
	stdout, err := cmd.StdoutPipe()
	if err == nil {
		var stderr io.ReadCloser
		stderr, err = cmd.StderrPipe()
		if err == nil {
			err = cmd.Start()
		}
		if err == nil {
			return r.supervise(bg, log, id, token, cmd, stdout, stderr, lw, logPath, queuedAt, cb)
		}
	}

	serr := &SpawnError{TaskID: id, Command: command, Err: err}
	lw.write(serr.Error() + "\n")
	lw.write(endMarker(r.now(), r.now().Sub(queuedAt)))
	_ = r.store.ClearQueued(bg, id, token)
	log.Error("run.spawn_failed", logx.Command(command), logx.String("log_path", logPath), logx.Err(err))
	r.bus.Publish(eventbus.Event{Type: eventbus.TypeRunFailed, Time: r.now(), TaskID: id, Data: serr.Error()})
	if cb.OnError != nil {
		cb.OnError(serr)
	}
	return serr
}

func (r *Runner) supervise(
	ctx context.Context,
	log logx.Logger,
	id, token int64,
	cmd *exec.Cmd,
	stdout, stderr io.Reader,
	lw *logWriter,
	logPath string,
	queuedAt time.Time,
	cb Callbacks,
) error {
	pid := cmd.Process.Pid
	log = log.With(logx.PID(pid))

	applied, err := r.store.MarkRunning(ctx, id, token, pid, logPath, r.now().Unix())
	switch {
	case err != nil:
		log.Error("run.mark_running_failed", logx.Err(err))
		KillTree(pid, log)
	case !applied:
		// Stopped, deleted or superseded between the slot grant and the spawn.
		log.Info("run.cancelled")
		KillTree(pid, log)
	default:
		log.Info("run.started", logx.String("log_path", logPath))
		r.bus.Publish(eventbus.Event{Type: eventbus.TypeRunStarted, Time: r.now(), TaskID: id, Data: pid})
		if cb.OnStart != nil {
			cb.OnStart(pid, logPath)
		}
	}

	var g errgroup.Group
	g.Go(func() error { return pump(stdout, lw, cb.OnLog) })
	g.Go(func() error { return pump(stderr, lw, cb.OnLog) })
	if err := g.Wait(); err != nil {
		log.Debug("run.pipe_error", logx.Err(err))
	}

	exitCode := 0
	if err := cmd.Wait(); err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			exitCode = ee.ExitCode()
		} else {
			exitCode = -1
			log.Warn("run.wait_failed", logx.Err(err))
		}
	}

	if _, err := r.store.FinishRun(ctx, id, pid); err != nil {
		log.Error("run.finish_failed", logx.Err(err))
	}
	end := r.now()
	took := end.Sub(queuedAt)
	lw.write(endMarker(end, took))

	res := eventbus.RunResult{PID: pid, ExitCode: exitCode, Took: took, LogPath: logPath}
	log.Info("run.finished", logx.Int("exit_code", exitCode), logx.Duration("took", took))
	r.bus.Publish(eventbus.Event{Type: eventbus.TypeRunFinished, Time: end, TaskID: id, Data: res})
	if cb.OnEnd != nil {
		cb.OnEnd(res)
	}
	return nil
}

func (r *Runner) skip(log logx.Logger, id int64, reason string) {
	log.Info("run.skipped", logx.String("reason", reason))
	r.bus.Publish(eventbus.Event{Type: eventbus.TypeRunSkipped, Time: r.now(), TaskID: id, Data: reason})
}

func pump(rd io.Reader, lw *logWriter, onLine func(string)) error {
	sc := bufio.NewScanner(rd)
	sc.Buffer(make([]byte, 0, 64*1024), maxLogLine)
	for sc.Scan() {
		line := sc.Text()
		lw.write(line + "\n")
		if onLine != nil {
			onLine(line)
		}
	}
	err := sc.Err()
	if errors.Is(err, bufio.ErrTooLong) {
		// Keep draining so the child never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, rd)
	}
	return err
}

// Limiter exposes the limiter for snapshots and reconfiguration.
func (r *Runner) Limiter() *engine.Limiter { return r.limiter }

// LogDir is the root of all run logs.
func (r *Runner) LogDir() string { return r.cfg.LogDir }

