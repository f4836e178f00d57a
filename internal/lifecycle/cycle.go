package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"planbot/internal/alarm"
	"planbot/internal/engine"
	"planbot/internal/eventbus"
	"planbot/internal/storage"
	"planbot/internal/suggest"
	logx "planbot/pkg/logx"
)

// CycleReport summarizes one check cycle.
type CycleReport struct {
	Started    time.Time     `json:"started"`
	Took       time.Duration `json:"took"`
	Coalesced  bool          `json:"coalesced,omitempty"`
	Candidates int           `json:"candidates"`
	Inserted   int           `json:"inserted"`
	Duplicates int           `json:"duplicates"`
	Invalid    int           `json:"invalid"`
	Expired    int           `json:"expired"`
	Purged     int           `json:"purged"`
	Pending    int           `json:"pending"`
	EngineErr  string        `json:"engine_error,omitempty"`
	NextAt     time.Time     `json:"next_at"`
}

func newSuggestionID() string { return uuid.NewString() }

// RunCheckCycle runs one generate-and-reconcile pass. A call made while
// another cycle is running returns immediately with Coalesced set. The
// next daily check is armed on every exit path, coalesced ones included.
//
// The returned error is the engine failure, if any; the cycle still
// reconciled notifications and re-armed.
func (s *Scheduler) RunCheckCycle(ctx context.Context) (rep CycleReport, err error) {
	if !s.gate.tryAcquire() {
		s.log.Debug("check cycle already running; fire coalesced")
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeCycleCoalesced, Time: s.now()})
		// The running cycle may have re-armed before this fire consumed
		// that arm; a coalesced fire must not leave the key unarmed.
		if s.alarm.Status(AlarmKey).State != alarm.Armed {
			_ = s.rearm(context.WithoutCancel(ctx))
		}
		return CycleReport{Coalesced: true}, nil
	}
	defer s.gate.release()

	now := s.now()
	rep.Started = now
	// Bookkeeping must outlive a cancelled parent.
	bctx := context.WithoutCancel(ctx)
	defer s.finishCycle(bctx, &rep)

	if last, ok := s.loadTime(ctx, storage.MetaLastRunAt); ok {
		s.reportGap(now, last)
	}
	s.log.Info("check cycle started")
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeCycleStarted, Time: now})

	rep.Expired, rep.Purged = s.ExpireStale(ctx, now)

	candidates, genErr := s.generate(ctx, now)
	if genErr != nil {
		rep.EngineErr = genErr.Error()
		err = genErr
		s.log.Warn("suggestion generation failed; cycle continues without new suggestions", logx.Err(genErr))
	}
	rep.Candidates = len(candidates)
	for _, c := range candidates {
		switch s.insertCandidate(ctx, c, now) {
		case insertNew:
			rep.Inserted++
		case insertDuplicate:
			rep.Duplicates++
		default:
			rep.Invalid++
		}
	}

	rep.Pending = s.reconcile(ctx)
	return rep, err
}

// finishCycle re-arms and records last_run_at. It runs on every exit of
// RunCheckCycle, including panics.
func (s *Scheduler) finishCycle(ctx context.Context, rep *CycleReport) {
	if r := recover(); r != nil {
		s.log.Error("check cycle panicked", logx.Any("panic", r))
		rep.EngineErr = fmt.Sprint("panic: ", r)
	}
	if err := s.rearm(ctx); err == nil {
		rep.NextAt = s.alarm.Status(AlarmKey).At
	}
	end := s.now()
	if err := s.retryOnce(ctx, "put last_run_at", func() error {
		return s.store.PutMeta(ctx, storage.MetaLastRunAt, end.UTC().Format(time.RFC3339Nano))
	}); err != nil {
		s.log.Error("last_run_at not recorded", logx.Err(err))
	}
	rep.Took = end.Sub(rep.Started)

	s.lmu.Lock()
	s.last = *rep
	s.lmu.Unlock()
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeCycleFinished, Time: end, Data: *rep})
	s.log.Info("check cycle finished",
		logx.Int("candidates", rep.Candidates),
		logx.Int("inserted", rep.Inserted),
		logx.Int("duplicates", rep.Duplicates),
		logx.Int("expired", rep.Expired),
		logx.Int("pending", rep.Pending),
		logx.Duration("took", rep.Took),
		logx.Time("next_at", rep.NextAt))
}

// generate calls the engine under EngineTimeout. The call runs on its own
// goroutine so an engine that ignores its context still cannot hold the
// cycle past the deadline.
func (s *Scheduler) generate(ctx context.Context, now time.Time) ([]suggest.Candidate, error) {
	pol := s.policy()
	goals := s.currentGoals()
	req := engine.Request{
		Goals:          goals,
		From:           now,
		HorizonDays:    pol.cfg.HorizonDays,
		MaxSuggestions: pol.cfg.MaxSuggestions,
		Location:       pol.cfg.Location,
	}
	if s.busy != nil {
		busy, err := s.busy(req.From, req.Until())
		if err != nil {
			s.log.Warn("calendar context partially loaded", logx.Err(err))
		}
		req.Busy = busy
	}

	ectx, cancel := context.WithTimeout(ctx, pol.cfg.EngineTimeout)
	defer cancel()

	type result struct {
		list []suggest.Candidate
		err  error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("engine panicked: %v", r)}
			}
		}()
		list, err := s.engine.Generate(ectx, req)
		done <- result{list: list, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("%w: %s: %v", suggest.ErrEngineUnavailable, s.engine.Name(), r.err)
		}
		s.log.Debug("engine returned", logx.String("engine", s.engine.Name()),
			logx.Int("goals", len(goals)), logx.Int("candidates", len(r.list)))
		return r.list, nil
	case <-ectx.Done():
		return nil, fmt.Errorf("%w: %s: %v", suggest.ErrEngineUnavailable, s.engine.Name(), ectx.Err())
	}
}

type insertResult int

const (
	insertInvalid insertResult = iota
	insertNew
	insertDuplicate
)

// insertCandidate stores c as a new PENDING suggestion unless its business
// key is already taken. Failures are logged; they never stop the cycle.
func (s *Scheduler) insertCandidate(ctx context.Context, c suggest.Candidate, now time.Time) insertResult {
	if err := c.Validate(); err != nil {
		s.log.Warn("engine candidate rejected", logx.Err(err))
		return insertInvalid
	}
	if !c.Start.After(now) {
		s.log.Debug("engine candidate already started", logx.String("title", c.Title), logx.Time("start", c.Start))
		return insertInvalid
	}
	pol := s.policy()
	key := pol.keyer.Key(c)

	unlock := s.locks.Lock("key:" + key)
	defer unlock()

	existing, ok, err := s.store.FindByKey(ctx, key)
	switch {
	case err != nil:
		// Insert still refuses a taken key.
		s.log.Warn("business key lookup failed; relying on insert", logx.String("key", key), logx.Err(err))
	case ok:
		s.log.Debug("candidate already suggested",
			logx.String("key", key), logx.String("id", existing.ID), logx.String("status", string(existing.Status)))
		return insertDuplicate
	}

	sg := suggest.Suggestion{
		ID:          s.newID(),
		Key:         key,
		GoalID:      c.GoalID,
		Title:       c.Title,
		Description: c.Description,
		Start:       c.Start,
		End:         c.End,
		Confidence:  c.Confidence,
		Reasoning:   c.Reasoning,
		Status:      suggest.StatusPending,
		CreatedAt:   now,
	}
	var inserted bool
	err = s.retryOnce(ctx, "insert", func() error {
		var err error
		inserted, err = s.store.Insert(ctx, sg)
		return err
	})
	if err != nil {
		s.log.Error("suggestion not stored", logx.String("key", key), logx.Err(err))
		return insertInvalid
	}
	if !inserted {
		return insertDuplicate
	}
	s.log.Info("suggestion created",
		logx.String("id", sg.ID), logx.String("goal", sg.GoalID), logx.String("title", sg.Title), logx.Time("start", sg.Start))
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeSuggestionNew, Time: now, Data: sg})
	return insertNew
}

// reconcile hands the pending set to the presenter and stamps notified_at
// on whatever became visible. It returns the pending count.
func (s *Scheduler) reconcile(ctx context.Context) int {
	pending, err := s.store.ListByStatus(ctx, suggest.StatusPending)
	if err != nil {
		s.log.Error("pending list unavailable; notifications unchanged", logx.Err(err))
		return 0
	}
	res, err := s.presenter.Reconcile(ctx, pending)
	if err != nil {
		s.log.Error("notification reconcile failed", logx.Err(err))
		return len(pending)
	}
	at := s.now()
	for _, id := range res.Notified {
		if err := s.store.SetNotified(ctx, id, at); err != nil {
			s.log.Warn("notified_at not recorded", logx.String("id", id), logx.Err(err))
		}
	}
	return len(pending)
}
