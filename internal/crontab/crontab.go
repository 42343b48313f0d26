package crontab

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"taskpanel/internal/task"
	logx "taskpanel/pkg/logx"
)

// Source lists every task record.
type Source interface {
	AllTasks(ctx context.Context) ([]task.Task, error)
}

type Config struct {
	Path      string // crontab text file, rewritten atomically
	Installer string // command run with Path appended, e.g. "crontab"; empty disables
}

// Materializer renders the task table as crontab text.
type Materializer struct {
	cfg Config
	src Source
	log logx.Logger

	mu sync.Mutex
	// installed is the text the installer last accepted; nil until the
	// first successful install by this process.
	installed []byte
}

func New(cfg Config, src Source, log logx.Logger) *Materializer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Materializer{cfg: cfg, src: src, log: log}
}

// Path is the materialized file.
func (m *Materializer) Path() string { return m.cfg.Path }

// Render returns crontab text for tasks, ordered by id. Disabled tasks and
// schedules other than plain five-field cron are written commented out.
// The output depends only on the input.
func Render(tasks []task.Task) []byte {
	sorted := make([]task.Task, len(tasks))
	copy(sorted, tasks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var b bytes.Buffer
	for _, t := range sorted {
		sched, err := task.ParseSchedule(t.Schedule)
		if t.IsDisabled || err != nil || !sched.Materializable() {
			b.WriteByte('#')
		}
		b.WriteString(strings.Join(strings.Fields(t.Schedule), " "))
		b.WriteString(" ID=")
		b.WriteString(strconv.FormatInt(t.ID, 10))
		b.WriteByte(' ')
		b.WriteString(strings.TrimSpace(t.Command))
		b.WriteByte('\n')
	}
	return b.Bytes()
}

// Materialize rewrites the crontab file from the store and runs the
// installer. changed reports whether the file was rewritten. The installer
// is skipped only when it already accepted exactly this text, so a failed
// install is retried by the next call even if the file is current.
func (m *Materializer) Materialize(ctx context.Context) (changed bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tasks, err := m.src.AllTasks(ctx)
	if err != nil {
		return false, fmt.Errorf("load tasks: %w", err)
	}
	text := Render(tasks)

	if cur, err := os.ReadFile(m.cfg.Path); err != nil || !bytes.Equal(cur, text) {
		if err := writeAtomic(m.cfg.Path, text); err != nil {
			return false, err
		}
		changed = true
		m.log.Debug("crontab.written", logx.String("path", m.cfg.Path), logx.Int("tasks", len(tasks)))
	}

	if m.installed != nil && bytes.Equal(m.installed, text) {
		return changed, nil
	}
	if err := m.install(ctx); err != nil {
		m.installed = nil
		return changed, err
	}
	m.installed = append([]byte{}, text...)
	return changed, nil
}

func (m *Materializer) install(ctx context.Context) error {
	args := strings.Fields(m.cfg.Installer)
	if len(args) == 0 {
		return nil
	}
	cmd := exec.CommandContext(ctx, args[0], append(args[1:], m.cfg.Path)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("install crontab with %q: %w: %s", m.cfg.Installer, err, bytes.TrimSpace(out))
	}
	m.log.Info("crontab.installed", logx.String("installer", m.cfg.Installer))
	return nil
}

func writeAtomic(path string, data []byte) error {
	if path == "" {
		return errors.New("crontab path is required")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".crontab-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	defer os.Remove(name) // no-op after rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(name, 0o644); err != nil {
		return err
	}
	return os.Rename(name, path)
}
