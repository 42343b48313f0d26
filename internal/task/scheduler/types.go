package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"taskpanel/internal/eventbus"
	"taskpanel/internal/task"
	logx "taskpanel/pkg/logx"
)

// Config controls the trigger service.
type Config struct {
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"; empty means local
	Wrapper  string // optional task-runner command prefixed to every fire
}

// Dispatcher receives fired jobs. Dispatch is called on its own goroutine and
// may block for as long as the run takes.
type Dispatcher interface {
	Dispatch(ctx context.Context, id int64, command string)
}

// DispatchFunc adapts a function to Dispatcher.
type DispatchFunc func(ctx context.Context, id int64, command string)

func (f DispatchFunc) Dispatch(ctx context.Context, id int64, command string) { f(ctx, id, command) }

type job struct {
	id       int64
	command  string
	schedule task.Schedule
	entryID  cron.EntryID
}

type intervalJob struct {
	name   string
	every  time.Duration
	fn     func(ctx context.Context)
	cancel context.CancelFunc
}

// Service is the in-process job table: task id -> live cron entry, plus an
// independent table of fixed-interval housekeeping jobs.
type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus eventbus.Bus

	dispatch Dispatcher

	c       *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	booted  bool
	jobs    map[int64]*job
	ivals   map[string]*intervalJob
	dropLog *rate.Sometimes
}

type JobInfo struct {
	ID       int64     `json:"id"`
	Schedule string    `json:"schedule"`
	Kind     string    `json:"kind"`
	Command  string    `json:"command"`
	Next     time.Time `json:"next"`
	Prev     time.Time `json:"prev"`
}

type IntervalInfo struct {
	Name  string        `json:"name"`
	Every time.Duration `json:"every"`
}

type Snapshot struct {
	Running   bool           `json:"running"`
	Timezone  string         `json:"timezone"`
	Jobs      []JobInfo      `json:"jobs"`
	Intervals []IntervalInfo `json:"intervals"`
}
