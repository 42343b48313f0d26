package task

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// Status is the lifecycle state of a task record.
//
// The numeric values order running before queued before idle so an
// ascending sort surfaces active work first.
type Status int

const (
	StatusRunning Status = 0
	StatusQueued  Status = 1
	StatusIdle    Status = 2
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusQueued:
		return "queued"
	case StatusIdle:
		return "idle"
	default:
		return "unknown"
	}
}

func (s Status) Valid() bool { return s >= StatusRunning && s <= StatusIdle }

// Task is one scheduled command as persisted by the record store.
type Task struct {
	ID                     int64     `json:"id"`
	Name                   string    `json:"name"`
	Command                string    `json:"command"`
	Schedule               string    `json:"schedule"`
	Status                 Status    `json:"status"`
	IsDisabled             bool      `json:"is_disabled"`
	PID                    int       `json:"pid"`
	LogPath                string    `json:"log_path"`
	LastRunningTime        int64     `json:"last_running_time"`
	LastExecutionTime      int64     `json:"last_execution_time"`
	IsPinned               bool      `json:"is_pinned"`
	Labels                 []string  `json:"labels"`
	Saved                  bool      `json:"saved"`
	AllowMultipleInstances bool      `json:"allow_multiple_instances"`
	QueueOwner             int       `json:"-"`
	QueueToken             int64     `json:"-"`
	CreatedAt              time.Time `json:"created_at"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// Running reports whether a live process is attached to the record.
func (t Task) Running() bool { return t.Status == StatusRunning && t.PID > 0 }

// NormalizeLabels trims, drops empties, de-duplicates and sorts labels.
func NormalizeLabels(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, l := range in {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// ScheduledCommand is the command line handed to the runner when a task
// fires: the task id is exported as ID and the optional wrapper prefixes the
// user command unless the command already starts with it.
func ScheduledCommand(id int64, command, wrapper string) string {
	command = strings.TrimSpace(command)
	wrapper = strings.TrimSpace(wrapper)
	var b strings.Builder
	b.WriteString("ID=")
	b.WriteString(strconv.FormatInt(id, 10))
	b.WriteByte(' ')
	if wrapper != "" && !strings.HasPrefix(command, wrapper) {
		b.WriteString(wrapper)
		b.WriteByte(' ')
	}
	b.WriteString(command)
	return b.String()
}

