package engine

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	logx "taskpanel/pkg/logx"
)

// Limiter bounds how many runs execute at once. Waiters are admitted FIFO.
//
// Reconfigure swaps in a fresh gate instead of resizing in place. Waiters
// parked on the retired gate are woken and re-queued on the new one, and
// permits still held by in-flight work are carried over (bounded by the
// new limit). Active work therefore never exceeds max(old, new) and
// converges to the new limit as old work drains.
type Limiter struct {
	mu  sync.Mutex
	cur *gate
	log logx.Logger

	active  atomic.Int64
	pending atomic.Int64
}

type gate struct {
	limit int64
	sem   *semaphore.Weighted

	// retired is closed by Reconfigure; waiters parked on sem give up and
	// move to next.
	retired context.Context
	retire  context.CancelFunc

	// Guarded by Limiter.mu.
	inUse    int64
	carryOut int64
	next     *gate
}

// Snapshot is a point-in-time view for logs and metrics.
type Snapshot struct {
	Limit   int `json:"limit"`
	Active  int `json:"active"`
	Pending int `json:"pending"`
}

// DefaultLimit is the limit used when none is configured.
func DefaultLimit() int { return runtime.NumCPU() }

// NewLimiter returns a limiter admitting n concurrent runs; n <= 0 selects
// DefaultLimit.
func NewLimiter(n int, log logx.Logger) *Limiter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Limiter{cur: newGate(normalizeLimit(n)), log: log}
}

func normalizeLimit(n int) int64 {
	if n <= 0 {
		n = DefaultLimit()
	}
	return int64(n)
}

func newGate(limit int64) *gate {
	ctx, cancel := context.WithCancel(context.Background())
	return &gate{limit: limit, sem: semaphore.NewWeighted(limit), retired: ctx, retire: cancel}
}

// AcquireAndRun runs fn once a slot is free and returns fn's error
// unchanged. If ctx ends while waiting, ctx's error is returned and fn is
// not called.
func (l *Limiter) AcquireAndRun(ctx context.Context, fn func(ctx context.Context) error) error {
	snap := l.Snapshot()
	l.log.Debug("limiter acquire",
		logx.Int("limit", snap.Limit),
		logx.Int("active", snap.Active),
		logx.Int("pending", snap.Pending),
	)

	l.pending.Add(1)
	g, err := l.acquire(ctx)
	l.pending.Add(-1)
	if err != nil {
		return err
	}

	l.active.Add(1)
	defer func() {
		l.active.Add(-1)
		l.mu.Lock()
		l.releaseLocked(g)
		l.mu.Unlock()
	}()
	return fn(ctx)
}

func (l *Limiter) acquire(ctx context.Context) (*gate, error) {
	for {
		l.mu.Lock()
		g := l.cur
		l.mu.Unlock()

		wctx, cancel := context.WithCancel(ctx)
		stop := context.AfterFunc(g.retired, cancel)
		err := g.sem.Acquire(wctx, 1)
		stop()
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// Gate retired while we were parked; queue on the replacement.
			continue
		}

		l.mu.Lock()
		if g.next != nil {
			// Granted by a gate that was retired in the meantime. Its
			// semaphore no longer matters, so just try again.
			l.mu.Unlock()
			continue
		}
		g.inUse++
		l.mu.Unlock()
		return g, nil
	}
}

// releaseLocked returns one permit taken from g. Permits carried over to a
// newer gate are handed on to it.
func (l *Limiter) releaseLocked(g *gate) {
	g.inUse--
	if g.next == nil {
		g.sem.Release(1)
		return
	}
	if g.inUse < g.carryOut {
		g.carryOut--
		l.releaseLocked(g.next)
	}
}

// Reconfigure changes the limit at runtime; n <= 0 selects DefaultLimit.
func (l *Limiter) Reconfigure(n int) {
	limit := normalizeLimit(n)

	l.mu.Lock()
	old := l.cur
	if old.limit == limit {
		l.mu.Unlock()
		return
	}
	ng := newGate(limit)
	carry := min(old.inUse, limit)
	if carry > 0 {
		ng.sem.TryAcquire(carry)
		ng.inUse = carry
	}
	old.carryOut = carry
	old.next = ng
	l.cur = ng
	l.mu.Unlock()

	old.retire()
	l.log.Info("limiter reconfigured",
		logx.Int64("old_limit", old.limit),
		logx.Int64("new_limit", limit),
		logx.Int64("carried", carry),
	)
}

// Limit returns the current limit.
func (l *Limiter) Limit() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int(l.cur.limit)
}

func (l *Limiter) Snapshot() Snapshot {
	return Snapshot{
		Limit:   l.Limit(),
		Active:  int(l.active.Load()),
		Pending: int(l.pending.Load()),
	}
}
