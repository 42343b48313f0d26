package config

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "taskpanel/pkg/logx"
)

const (
	reloadDebounce = 250 * time.Millisecond
	rewatchMin     = 250 * time.Millisecond
	rewatchMax     = 5 * time.Second
)

// Watch reloads the config whenever the file changes, until ctx ends. The
// parent directory is watched so editors that write a temp file and rename
// it are seen. A watcher that breaks is recreated with jittered backoff.
func (m *Manager) Watch(ctx context.Context) error {
	if m.path == "" {
		return nil
	}
	dir, name := filepath.Dir(m.path), filepath.Base(m.path)

	delay := rewatchMin
	for {
		w, err := newDirWatcher(dir)
		if err == nil {
			delay = rewatchMin
			m.log.Debug("config.watching", logx.String("path", m.path))
			err = m.watchLoop(ctx, w, name)
			_ = w.Close()
		}
		if ctx.Err() != nil {
			return nil
		}
		m.log.Warn("config.watch_restarting", logx.String("dir", dir), logx.Err(err))

		jitter := rand.N(delay/2 + 1)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay + jitter):
		}
		delay = min(2*delay, rewatchMax)
	}
}

func newDirWatcher(dir string) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, err
	}
	return w, nil
}

// watchLoop coalesces bursts of events for name into one reload. It
// returns nil when ctx ends and an error when the watcher is unusable.
func (m *Manager) watchLoop(ctx context.Context, w *fsnotify.Watcher, name string) error {
	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-debounce.C:
			m.reload(ctx)

		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("event channel closed")
			}
			if filepath.Base(ev.Name) == name {
				debounce.Reset(reloadDebounce)
			}

		case err, ok := <-w.Errors:
			switch {
			case !ok, errors.Is(err, fsnotify.ErrClosed):
				return errors.New("watcher closed")
			case errors.Is(err, fsnotify.ErrEventOverflow):
				// Events were lost; the file may have changed.
				m.log.Warn("config.watch_overflow")
				debounce.Reset(reloadDebounce)
			case err != nil:
				m.log.Warn("config.watch_error", logx.Err(err))
			}
		}
	}
}
