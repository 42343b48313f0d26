package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"taskpanel/internal/eventbus"
	"taskpanel/internal/task"
	logx "taskpanel/pkg/logx"
)

const panicLogEvery = 5 * time.Second

func New(cfg Config, dispatch Dispatcher, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Service{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		dispatch: dispatch,
		jobs:     map[int64]*job{},
		ivals:    map[string]*intervalJob{},
		dropLog:  &rate.Sometimes{Interval: panicLogEvery},
	}
}

// Apply updates the config. A timezone change restarts the cron loop and
// re-registers every job.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if s.c == nil {
		return
	}
	if oldTZ != strings.TrimSpace(cfg.Timezone) {
		s.restartLocked()
	}
}

// Start begins triggering registered jobs and interval jobs. @reboot jobs
// present at the first Start fire once.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithLocation(s.loc))
	for _, j := range s.jobs {
		s.scheduleLocked(j)
	}
	s.c.Start()
	for _, iv := range s.ivals {
		s.startIntervalLocked(iv)
	}

	reboot := 0
	if !s.booted {
		s.booted = true
		for _, j := range s.jobs {
			if j.schedule.Kind == task.KindReboot {
				s.launchLocked(j)
				reboot++
			}
		}
	}
	s.log.Info("scheduler started",
		logx.String("tz", s.loc.String()),
		logx.Int("jobs", len(s.jobs)),
		logx.Int("intervals", len(s.ivals)),
		logx.Int("reboot_fired", reboot),
	)
}

// Stop halts triggering and waits (bounded by ctx) for dispatched runs and
// interval jobs to return. Job definitions are kept for a later Start.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	cancel := s.cancel
	s.c = nil
	s.ctx = nil
	s.cancel = nil
	for _, iv := range s.ivals {
		iv.cancel = nil
	}
	for _, j := range s.jobs {
		j.entryID = 0
	}
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out", logx.Err(ctx.Err()))
	}
}

// AddOrReplace registers id, cancelling any previous job for the same id
// first. Invalid schedules are rejected and leave the table unchanged.
func (s *Service) AddOrReplace(id int64, schedule, command string) error {
	if id <= 0 {
		return &task.ValidationError{Field: "id", Reason: fmt.Sprintf("invalid task id %d", id)}
	}
	sched, err := task.ParseSchedule(schedule)
	if err != nil {
		return err
	}
	if err := task.ValidateCommand(command); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, replaced := s.jobs[id]
	s.removeLocked(id)
	j := &job{id: id, command: strings.TrimSpace(command), schedule: sched}
	s.jobs[id] = j
	if s.c != nil {
		s.scheduleLocked(j)
	}
	s.log.Debug("job registered",
		logx.TaskID(id),
		logx.String("schedule", sched.Expr),
		logx.String("kind", sched.Kind.String()),
		logx.Bool("replaced", replaced),
	)
	return nil
}

// Remove cancels and discards the job for id. Unknown ids are ignored.
func (s *Service) Remove(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removeLocked(id) {
		s.log.Debug("job removed", logx.TaskID(id))
	}
}

// Has reports whether id is registered.
func (s *Service) Has(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[id]
	return ok
}

// Len returns the number of registered task jobs.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func (s *Service) removeLocked(id int64) bool {
	j, ok := s.jobs[id]
	if !ok {
		return false
	}
	if s.c != nil && j.entryID != 0 {
		s.c.Remove(j.entryID)
	}
	delete(s.jobs, id)
	return true
}

func (s *Service) scheduleLocked(j *job) {
	spec := j.schedule.Cron()
	if spec == nil {
		return
	}
	id := j.id
	j.entryID = s.c.Schedule(spec, cron.FuncJob(func() { s.fire(id) }))
}

func (s *Service) restartLocked() {
	old := s.c
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithLocation(s.loc))
	for _, j := range s.jobs {
		s.scheduleLocked(j)
	}
	s.c.Start()
	if old != nil {
		old.Stop()
	}
	s.log.Info("scheduler restarted", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.jobs)))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) fire(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[id]
	if j == nil || s.ctx == nil {
		return
	}
	s.launchLocked(j)
}

// launchLocked hands the job to the dispatcher on its own goroutine so the
// cron loop never waits on a run.
func (s *Service) launchLocked(j *job) {
	ctx := s.ctx
	id := j.id
	command := task.ScheduledCommand(j.id, j.command, s.cfg.Wrapper)
	dispatch := s.dispatch

	s.bus.Publish(eventbus.Event{Type: eventbus.TypeScheduleFired, TaskID: id, Data: command})
	s.log.Debug("job fired", logx.TaskID(id))
	if dispatch == nil {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.reportPanic(id, r)
			}
		}()
		dispatch.Dispatch(ctx, id, command)
	}()
}

func (s *Service) reportPanic(id int64, r any) {
	s.dropLog.Do(func() {
		s.log.Error("dispatch panicked",
			logx.TaskID(id),
			logx.Any("panic", r),
			logx.Stack(string(debug.Stack())),
		)
	})
}

