package alarm

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	logx "planbot/pkg/logx"
)

type State int

const (
	Unarmed State = iota
	Armed
	Fired
)

func (s State) String() string {
	switch s {
	case Armed:
		return "ARMED"
	case Fired:
		return "FIRED"
	default:
		return "UNARMED"
	}
}

// Callback runs once per fire on its own goroutine.
type Callback func(ctx context.Context)

// Status is a point-in-time view of one key.
type Status struct {
	Key     string
	State   State
	At      time.Time
	FiredAt time.Time
}

var ErrStopped = errors.New("alarm source stopped")

const defaultPoll = 30 * time.Second

// Source owns every keyed alarm of the process.
type Source struct {
	log  logx.Logger
	poll time.Duration
	now  func() time.Time

	mu      sync.Mutex
	ctx     context.Context
	entries map[string]*entry
	stopped bool
	running sync.WaitGroup
}

type entry struct {
	key     string
	at      time.Time
	ver     uint64
	fn      Callback
	timer   *time.Timer
	state   State
	firedAt time.Time
}

type Option func(*Source)

func WithLogger(log logx.Logger) Option { return func(s *Source) { s.log = log } }

// WithPoll bounds how long a wake-up may sleep before re-reading the clock.
func WithPoll(d time.Duration) Option {
	return func(s *Source) {
		if d > 0 {
			s.poll = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Source) {
		if now != nil {
			s.now = now
		}
	}
}

func New(opts ...Option) *Source {
	s := &Source{
		log:  logx.Nop(),
		poll: defaultPoll,
		// Round(0) drops the monotonic reading so comparisons follow the wall clock.
		now:     func() time.Time { return time.Now().Round(0) },
		ctx:     context.Background(),
		entries: map[string]*entry{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start binds callbacks to ctx and stops the source when ctx ends.
func (s *Source) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
}

// Arm schedules fn for key at the given time, replacing whatever was
// armed under key before. A time in the past fires on the next poll.
func (s *Source) Arm(key string, at time.Time, fn Callback) error {
	if key == "" {
		return errors.New("alarm key required")
	}
	if fn == nil {
		return errors.New("alarm callback required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}

	e := s.entries[key]
	if e == nil {
		e = &entry{key: key}
		s.entries[key] = e
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.ver++
	e.at = at
	e.fn = fn
	e.state = Armed
	s.scheduleLocked(e)

	s.log.Debug("alarm armed", logx.String("key", key), logx.Time("at", at), logx.Uint64("ver", e.ver))
	return nil
}

// Disarm cancels the pending alarm for key. It reports whether one was armed.
func (s *Source) Disarm(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[key]
	if e == nil || e.state != Armed {
		return false
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.ver++
	e.state = Unarmed
	return true
}

func (s *Source) Status(key string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[key]
	if e == nil {
		return Status{Key: key, State: Unarmed}
	}
	return Status{Key: key, State: e.state, At: e.at, FiredAt: e.firedAt}
}

// ArmedCount returns how many keys currently hold a pending alarm.
func (s *Source) ArmedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if e.state == Armed {
			n++
		}
	}
	return n
}

// Stop cancels every pending alarm and waits for running callbacks.
func (s *Source) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for _, e := range s.entries {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		e.ver++
	}
	s.mu.Unlock()
	s.running.Wait()
}

func (s *Source) scheduleLocked(e *entry) {
	delay := e.at.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	if delay > s.poll {
		delay = s.poll
	}
	key, ver := e.key, e.ver
	e.timer = time.AfterFunc(delay, func() { s.tick(key, ver) })
}

func (s *Source) tick(key string, ver uint64) {
	s.mu.Lock()
	e := s.entries[key]
	if s.stopped || e == nil || e.ver != ver || e.state != Armed {
		s.mu.Unlock()
		return
	}
	now := s.now()
	if now.Before(e.at) {
		s.scheduleLocked(e)
		s.mu.Unlock()
		return
	}
	e.state = Fired
	e.firedAt = now
	e.timer = nil
	fn, ctx, due := e.fn, s.ctx, e.at
	s.running.Add(1)
	s.mu.Unlock()

	late := now.Sub(due)
	s.log.Info("alarm fired", logx.String("key", key), logx.Time("due", due), logx.Duration("late", late))

	defer s.running.Done()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("alarm callback panicked",
				logx.String("key", key), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	fn(ctx)
}
