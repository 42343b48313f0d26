//go:build linux

package runner

import (
	"errors"
	"sort"
	"syscall"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"

	logx "taskpanel/pkg/logx"
)

func procAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// KillTree SIGKILLs every descendant of pid (deepest first), then pid's
// process group and pid itself. Failures are logged and swallowed.
func KillTree(pid int, log logx.Logger) {
	if pid <= 0 {
		return
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	kids, err := descendants(pid)
	if err != nil {
		log.Warn("kill.enumerate_failed", logx.PID(pid), logx.Err(err))
	}
	for _, k := range kids {
		signal(k, log)
	}
	if pgid, err := unix.Getpgid(pid); err == nil && pgid == pid {
		if err := unix.Kill(-pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			log.Warn("kill.group_failed", logx.PID(pid), logx.Err(&KillError{PID: -pid, Err: err}))
		}
	}
	signal(pid, log)
}

func signal(pid int, log logx.Logger) {
	if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		log.Warn("kill.failed", logx.PID(pid), logx.Err(&KillError{PID: pid, Err: err}))
	}
}

// descendants walks /proc and returns every process below root, deepest
// first.
func descendants(root int) ([]int, error) {
	procs, err := procfs.AllProcs()
	if err != nil {
		return nil, err
	}
	children := make(map[int][]int, len(procs))
	for _, p := range procs {
		st, err := p.Stat()
		if err != nil {
			// Raced with exit.
			continue
		}
		children[st.PPID] = append(children[st.PPID], p.PID)
	}

	type node struct{ pid, depth int }
	var out []node
	seen := map[int]bool{root: true}
	queue := []node{{root, 0}}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, c := range children[n.pid] {
			if seen[c] {
				continue
			}
			seen[c] = true
			child := node{c, n.depth + 1}
			out = append(out, child)
			queue = append(queue, child)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].depth > out[j].depth })

	pids := make([]int, len(out))
	for i, n := range out {
		pids[i] = n.pid
	}
	return pids, nil
}

// ProcessAlive reports whether pid exists and is not a zombie.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if err := unix.Kill(pid, 0); err != nil && !errors.Is(err, unix.EPERM) {
		return false
	}
	p, err := procfs.NewProc(pid)
	if err != nil {
		return false
	}
	st, err := p.Stat()
	if err != nil {
		return false
	}
	return st.State != "Z"
}
