package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types emitted by the suggestion lifecycle.
const (
	TypeCycleStarted    = "cycle.started"
	TypeCycleFinished   = "cycle.finished"
	TypeCycleCoalesced  = "cycle.coalesced"
	TypeAlarmArmed      = "alarm.armed"
	TypeSuggestionNew   = "suggestion.created"
	TypeSuggestionState = "suggestion.transitioned"
	TypeNotifyShown     = "notify.shown"
	TypeNotifyRetracted = "notify.retracted"
	TypeNotifyFailed    = "notify.failed"
	TypeCommitFailed    = "calendar.commit_failed"
	TypeConfigReloaded  = "config.reloaded"
)

// Event is a small in-process signal.
//
// Publish never blocks; subscribers get a buffered channel and a slow
// subscriber drops events instead of stalling the publisher.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Nop returns a bus that discards everything.
func Nop() Bus { return nopBus{} }

type nopBus struct{}

func (nopBus) Publish(Event) {}
func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}

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
