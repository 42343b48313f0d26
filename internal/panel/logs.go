package panel

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"taskpanel/internal/storage"
	"taskpanel/internal/task"
	"taskpanel/internal/task/runner"
)

// LogEntry is one historical run log.
type LogEntry struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	SizeText string    `json:"size_text"`
	ModTime  time.Time `json:"mod_time"`
	Age      string    `json:"age"`
}

// logDir is where the runner writes the task's logs.
func (s *Service) logDir(t task.Task) string {
	if t.LogPath != "" {
		return filepath.Dir(t.LogPath)
	}
	cmd := task.ScheduledCommand(t.ID, t.Command, s.cfg.Wrapper)
	return filepath.Join(s.cfg.LogDir, runner.CommandKey(cmd, s.cfg.Wrapper))
}

// Log returns the latest run log of a task, "" if it never ran.
func (s *Service) Log(ctx context.Context, id int64) (string, error) {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return "", err
	}
	if t.LogPath == "" {
		return "", nil
	}
	b, err := os.ReadFile(t.LogPath)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	return string(b), err
}

// Logs lists a task's run logs, newest first.
func (s *Service) Logs(ctx context.Context, id int64) ([]LogEntry, error) {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	files, err := runner.ListLogs(s.logDir(t))
	if err != nil {
		return nil, err
	}
	out := make([]LogEntry, 0, len(files))
	for _, f := range files {
		out = append(out, LogEntry{
			Name:     f.Name,
			Size:     f.Size,
			SizeText: humanize.Bytes(uint64(f.Size)),
			ModTime:  f.ModTime,
			Age:      humanize.Time(f.ModTime),
		})
	}
	return out, nil
}

// LogFile returns one historical log by file name.
func (s *Service) LogFile(ctx context.Context, id int64, name string) (string, error) {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return "", err
	}
	p, err := runner.LogPath(s.logDir(t), name)
	if err != nil {
		return "", &task.ValidationError{Field: "name", Reason: err.Error()}
	}
	b, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return "", storage.ErrNotFound
	}
	return string(b), err
}
