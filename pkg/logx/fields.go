package logx

import (
	"time"

	"github.com/rs/zerolog"
)

// Field adds one key to an event.
type Field func(e *zerolog.Event)

// Keys shared by every component so log lines can be joined on them.
const (
	KeyTaskID  = "task_id"
	KeyTaskIDs = "task_ids"
	KeyPID     = "pid"
	KeyCommand = "command"
	KeyComp    = "comp"
)

func String(k, v string) Field         { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field        { return func(e *zerolog.Event) { e.Int(k, v) } }
func Int64(k string, v int64) Field    { return func(e *zerolog.Event) { e.Int64(k, v) } }
func Int64s(k string, v []int64) Field { return func(e *zerolog.Event) { e.Ints64(k, v) } }
func Bool(k string, v bool) Field      { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Duration(k string, v time.Duration) Field {
	return func(e *zerolog.Event) { e.Dur(k, v) }
}
func Any(k string, v any) Field { return func(e *zerolog.Event) { e.Interface(k, v) } }

// TaskID tags an event with the record it concerns.
func TaskID(id int64) Field { return Int64(KeyTaskID, id) }

func TaskIDs(ids []int64) Field { return Int64s(KeyTaskIDs, ids) }

func PID(pid int) Field { return Int(KeyPID, pid) }

// Command records a shell command, cut to keep lines readable.
func Command(cmd string) Field {
	const maxLen = 200
	if len(cmd) > maxLen {
		cmd = cmd[:maxLen] + "..."
	}
	return String(KeyCommand, cmd)
}

// Err is a no-op for nil errors.
func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

func Stack(stack string) Field {
	return func(e *zerolog.Event) {
		if stack != "" {
			e.Str("stack", stack)
		}
	}
}
