package lifecycle

import (
	"context"
	"errors"
	"sync"
	"time"

	"planbot/internal/alarm"
	"planbot/internal/calendar"
	"planbot/internal/engine"
	"planbot/internal/eventbus"
	"planbot/internal/notifier"
	"planbot/internal/storage"
	"planbot/internal/suggest"
	logx "planbot/pkg/logx"
)

// Alarm is the clock source the scheduler arms. *alarm.Source satisfies it.
type Alarm interface {
	Arm(key string, at time.Time, fn alarm.Callback) error
	Status(key string) alarm.Status
}

// Presenter keeps notifications in line with the pending set.
// *notifier.Presenter satisfies it.
type Presenter interface {
	Reconcile(ctx context.Context, pending []suggest.Suggestion) (notifier.Result, error)
	Retract(ctx context.Context, suggestionID string) error
}

// BusyFunc loads calendar context for [from, until).
type BusyFunc func(from, until time.Time) ([]suggest.Busy, error)

type Deps struct {
	Store     storage.Store
	Engine    engine.Engine
	Presenter Presenter
	Committer calendar.Committer
	Alarm     Alarm
	Busy      BusyFunc
	Log       logx.Logger
	Bus       eventbus.Bus
	// Now and NewID are overridable for tests.
	Now   func() time.Time
	NewID func() string
}

// Scheduler is the suggestion lifecycle: daily check cycles plus
// accept/reject handling.
type Scheduler struct {
	store     storage.Store
	engine    engine.Engine
	presenter Presenter
	committer calendar.Committer
	alarm     Alarm
	busy      BusyFunc
	log       logx.Logger
	bus       eventbus.Bus
	now       func() time.Time
	newID     func() string

	pmu   sync.RWMutex
	pol   policy
	goals []suggest.Goal

	gate  runGate
	locks *keyedLocks
	bg    sync.WaitGroup

	lmu  sync.Mutex
	last CycleReport
}

func New(cfg Config, d Deps) (*Scheduler, error) {
	if d.Store == nil || d.Engine == nil || d.Presenter == nil || d.Alarm == nil {
		return nil, errors.New("lifecycle: store, engine, presenter and alarm are required")
	}
	pol, err := newPolicy(cfg)
	if err != nil {
		return nil, err
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop()
	}
	if d.Committer == nil {
		d.Committer = calendar.NewNone(d.Log)
	}
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().Round(0) }
	}
	if d.NewID == nil {
		d.NewID = newSuggestionID
	}
	return &Scheduler{
		store:     d.Store,
		engine:    d.Engine,
		presenter: d.Presenter,
		committer: d.Committer,
		alarm:     d.Alarm,
		busy:      d.Busy,
		log:       d.Log.With(logx.String("comp", "lifecycle")),
		bus:       d.Bus,
		now:       d.Now,
		newID:     d.NewID,
		pol:       pol,
		locks:     newKeyedLocks(),
	}, nil
}

func (s *Scheduler) policy() policy {
	s.pmu.RLock()
	defer s.pmu.RUnlock()
	return s.pol
}

// Apply swaps the cycle policy. A changed daily time or zone re-arms
// immediately.
func (s *Scheduler) Apply(ctx context.Context, cfg Config) error {
	pol, err := newPolicy(cfg)
	if err != nil {
		return err
	}
	s.pmu.Lock()
	prev := s.pol
	s.pol = pol
	s.pmu.Unlock()
	if prev.daily.String() != pol.daily.String() {
		s.log.Info("daily check time changed", logx.String("from", prev.daily.String()), logx.String("to", pol.daily.String()))
		return s.rearm(ctx)
	}
	return nil
}

// SetGoals replaces the goal list used by the next cycle.
func (s *Scheduler) SetGoals(goals []suggest.Goal) {
	cp := append([]suggest.Goal(nil), goals...)
	s.pmu.Lock()
	s.goals = cp
	s.pmu.Unlock()
}

func (s *Scheduler) currentGoals() []suggest.Goal {
	s.pmu.RLock()
	defer s.pmu.RUnlock()
	return s.goals
}

// Start performs the boot protocol and, when configured, runs one cycle in
// the background right away.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.OnBootOrRestart(ctx); err != nil {
		return err
	}
	if s.policy().cfg.RunOnStart {
		s.Trigger(ctx)
	}
	return nil
}

// Trigger runs a cycle in the background. It is coalesced like any fire.
func (s *Scheduler) Trigger(ctx context.Context) {
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		_, _ = s.RunCheckCycle(ctx)
	}()
}

// Wait blocks until background cycles started by Start or Trigger return.
func (s *Scheduler) Wait() { s.bg.Wait() }

// OnBootOrRestart arms the next daily check without assuming any earlier
// arm survived. Calling it repeatedly leaves exactly one arm. Missed days
// are reported, never replayed.
func (s *Scheduler) OnBootOrRestart(ctx context.Context) error {
	now := s.now()
	if last, ok := s.loadTime(ctx, storage.MetaLastRunAt); ok {
		s.reportGap(now, last)
	}
	if prev, ok := s.loadTime(ctx, storage.MetaScheduledAt); ok && prev.Before(now) {
		s.log.Info("previous arm did not survive; re-arming",
			logx.Time("was_scheduled_at", prev))
	}
	return s.rearm(ctx)
}

func (s *Scheduler) reportGap(now, last time.Time) {
	gap := now.Sub(last)
	if gap <= 24*time.Hour {
		return
	}
	missed := int(gap / (24 * time.Hour))
	s.log.Warn("missed check cycles; not back-filling",
		logx.Time("last_run_at", last), logx.Duration("gap", gap), logx.Int("missed", missed))
}

// rearm arms the next daily fire strictly after now and records it.
func (s *Scheduler) rearm(ctx context.Context) error {
	pol := s.policy()
	next := pol.daily.Next(s.now())
	if err := s.alarm.Arm(AlarmKey, next, s.onAlarm); err != nil {
		s.log.Error("re-arm failed", logx.Time("next", next), logx.Err(err))
		return err
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeAlarmArmed, Time: s.now(), Data: next})
	s.log.Info("next check armed", logx.Time("at", next), logx.String("schedule", pol.daily.String()))
	if err := s.retryOnce(ctx, "put scheduled_at", func() error {
		return s.store.PutMeta(ctx, storage.MetaScheduledAt, next.UTC().Format(time.RFC3339Nano))
	}); err != nil {
		s.log.Warn("scheduled_at not recorded", logx.Err(err))
	}
	return nil
}

func (s *Scheduler) onAlarm(ctx context.Context) {
	_, _ = s.RunCheckCycle(ctx)
}

func (s *Scheduler) loadTime(ctx context.Context, key string) (time.Time, bool) {
	v, ok, err := s.store.GetMeta(ctx, key)
	if err != nil {
		s.log.Warn("meta read failed", logx.String("key", key), logx.Err(err))
		return time.Time{}, false
	}
	if !ok || v == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		s.log.Warn("meta value unparseable", logx.String("key", key), logx.String("value", v))
		return time.Time{}, false
	}
	return t, true
}

// Status is a snapshot of the scheduler for operators.
type Status struct {
	Alarm       alarm.Status
	ScheduledAt time.Time
	LastRunAt   time.Time
	Pending     int
	Running     bool
	LastCycle   CycleReport
	Schedule    string
}

func (s *Scheduler) Status(ctx context.Context) (Status, error) {
	st := Status{
		Alarm:    s.alarm.Status(AlarmKey),
		Running:  s.gate.busy(),
		Schedule: s.policy().daily.String(),
	}
	st.ScheduledAt, _ = s.loadTime(ctx, storage.MetaScheduledAt)
	st.LastRunAt, _ = s.loadTime(ctx, storage.MetaLastRunAt)
	pending, err := s.store.ListByStatus(ctx, suggest.StatusPending)
	if err != nil {
		return st, err
	}
	st.Pending = len(pending)
	s.lmu.Lock()
	st.LastCycle = s.last
	s.lmu.Unlock()
	return st, nil
}

// Pending lists PENDING suggestions ordered by start time.
func (s *Scheduler) Pending(ctx context.Context) ([]suggest.Suggestion, error) {
	return s.store.ListByStatus(ctx, suggest.StatusPending)
}

// Location is the zone suggestions are rendered in.
func (s *Scheduler) Location() *time.Location { return s.policy().cfg.Location }

// retryOnce runs fn and, on failure, runs it one more time. Missing
// records and cancelled contexts are not retried.
func (s *Scheduler) retryOnce(ctx context.Context, op string, fn func() error) error {
	err := fn()
	if err == nil || errors.Is(err, storage.ErrNotFound) || ctx.Err() != nil {
		return err
	}
	s.log.Warn("store write failed; retrying once", logx.String("op", op), logx.Err(err))
	select {
	case <-ctx.Done():
		return err
	case <-time.After(retryPause):
	}
	return fn()
}

const retryPause = 50 * time.Millisecond
