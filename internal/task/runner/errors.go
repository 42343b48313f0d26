package runner

import (
	"fmt"
)

// SpawnError means the shell could not be started for a task; no pid was
// ever attached to the record.
type SpawnError struct {
	TaskID  int64
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn task %d: %v", e.TaskID, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// KillError reports a signal that could not be delivered to one process of
// a tree. It is logged, never returned to callers.
type KillError struct {
	PID int
	Err error
}

func (e *KillError) Error() string {
	return fmt.Sprintf("kill pid %d: %v", e.PID, e.Err)
}

func (e *KillError) Unwrap() error { return e.Err }
