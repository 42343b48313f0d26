//go:build !linux

package runner

import (
	"errors"
	"os"
	"syscall"

	logx "taskpanel/pkg/logx"
)

func procAttr() *syscall.SysProcAttr { return nil }

// KillTree kills pid only; descendant enumeration needs /proc.
func KillTree(pid int, log logx.Logger) {
	if pid <= 0 {
		return
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		log.Warn("kill.failed", logx.PID(pid), logx.Err(&KillError{PID: pid, Err: err}))
	}
}

func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
