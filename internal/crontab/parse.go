package crontab

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"taskpanel/internal/task"
)

// Entry is one importable crontab line.
type Entry struct {
	Schedule string
	Command  string
}

var (
	idPrefix = regexp.MustCompile(`^ID=\d+\s+`)
	envLine  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*\s*=`)
)

// Parse reads crontab text. Comments, blank lines and environment
// assignments are skipped. Six leading fields that form a valid seconds
// schedule are taken as one; an ID=<n> prefix written by Render is dropped
// from the command. Lines whose schedule does not validate are reported in
// the error slice and left out.
func Parse(text string) ([]Entry, []error) {
	var (
		out  []Entry
		errs []error
	)
	sc := bufio.NewScanner(strings.NewReader(text))
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") || envLine.MatchString(line) {
			continue
		}

		fields := strings.Fields(line)
		var sched, rest []string
		switch {
		case strings.HasPrefix(fields[0], "@"):
			sched, rest = fields[:1], fields[1:]
		case len(fields) > 6 && validSchedule(fields[:6]):
			sched, rest = fields[:6], fields[6:]
		case len(fields) > 5:
			sched, rest = fields[:5], fields[5:]
		default:
			errs = append(errs, fmt.Errorf("line %d: too few fields", n))
			continue
		}
		if len(rest) == 0 {
			errs = append(errs, fmt.Errorf("line %d: missing command", n))
			continue
		}
		if _, err := task.ParseSchedule(strings.Join(sched, " ")); err != nil {
			errs = append(errs, fmt.Errorf("line %d: %w", n, err))
			continue
		}
		cmd := strings.Join(rest, " ")
		cmd = idPrefix.ReplaceAllString(cmd, "")
		out = append(out, Entry{Schedule: strings.Join(sched, " "), Command: cmd})
	}
	return out, errs
}

func validSchedule(fields []string) bool {
	_, err := task.ParseSchedule(strings.Join(fields, " "))
	return err == nil
}

// ReadInstalled returns the current user's crontab via "crontab -l". A
// user without a crontab yields "".
func ReadInstalled(ctx context.Context) (string, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "crontab", "-l")
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) && strings.Contains(strings.ToLower(stderr.String()), "no crontab") {
			return "", nil
		}
		return "", fmt.Errorf("crontab -l: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return string(out), nil
}
