package scheduler

import (
	"context"
	"errors"
	"runtime/debug"
	"strings"
	"time"

	logx "taskpanel/pkg/logx"
)

// ErrBadInterval is returned by AddInterval for non-positive periods.
var ErrBadInterval = errors.New("interval must be > 0")

// AddInterval registers fn to run every period under name, replacing any
// previous interval job with the same name. Interval jobs run only while
// the service is started and never overlap with themselves.
func (s *Service) AddInterval(name string, every time.Duration, fn func(ctx context.Context)) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("interval name required")
	}
	if every <= 0 {
		return ErrBadInterval
	}
	if fn == nil {
		return errors.New("interval func is nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeIntervalLocked(name)
	iv := &intervalJob{name: name, every: every, fn: fn}
	s.ivals[name] = iv
	if s.c != nil {
		s.startIntervalLocked(iv)
	}
	s.log.Debug("interval registered", logx.String("name", name), logx.Duration("every", every))
	return nil
}

// RemoveInterval cancels the interval job. Unknown names are ignored.
func (s *Service) RemoveInterval(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeIntervalLocked(strings.TrimSpace(name))
}

func (s *Service) removeIntervalLocked(name string) {
	iv, ok := s.ivals[name]
	if !ok {
		return
	}
	if iv.cancel != nil {
		iv.cancel()
	}
	delete(s.ivals, name)
}

func (s *Service) startIntervalLocked(iv *intervalJob) {
	ctx, cancel := context.WithCancel(s.ctx)
	iv.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(iv.every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.runInterval(ctx, iv)
			}
		}
	}()
}

func (s *Service) runInterval(ctx context.Context, iv *intervalJob) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("interval job panicked", logx.String("name", iv.name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	start := time.Now()
	iv.fn(ctx)
	s.log.Debug("interval job done", logx.String("name", iv.name), logx.Duration("took", time.Since(start)))
}
