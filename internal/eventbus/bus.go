// Package eventbus fans task lifecycle events from the scheduler and runner
// out to observers such as metrics.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the scheduler and runner.
const (
	TypeScheduleFired = "schedule.fired"
	TypeRunQueued     = "run.queued"
	TypeRunStarted    = "run.started"
	TypeRunFinished   = "run.finished"
	TypeRunFailed     = "run.spawn_failed"
	TypeRunSkipped    = "run.skipped"
	TypeRunReplaced   = "run.replaced"
)

// Event reports one step of a task's life. Publish never blocks: a
// subscriber whose buffer is full misses the event, so consumers must
// treat the stream as lossy (metrics, not bookkeeping).
type Event struct {
	Type   string
	Time   time.Time
	TaskID int64
	Data   any
}

// RunResult is carried by TypeRunFinished events.
type RunResult struct {
	PID      int
	ExitCode int
	Took     time.Duration
	LogPath  string
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Nop returns a bus that drops everything.
func Nop() Bus { return nopBus{} }

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			// Holding the write lock excludes in-flight Publish sends.
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

type nopBus struct{}

func (nopBus) Publish(Event) {}

func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	var once sync.Once
	return ch, func() { once.Do(func() { close(ch) }) }
}
