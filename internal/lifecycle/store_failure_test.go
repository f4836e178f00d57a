package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"planbot/internal/alarm"
	"planbot/internal/storage"
	"planbot/internal/suggest"
)

var errDiskBusy = errors.New("database is locked")

// flakyStore fails the first N calls of selected operations.
type flakyStore struct {
	storage.Store

	transitionFails atomic.Int32
	insertFails     map[string]*atomic.Int32 // by title
	findErr         error
}

func (f *flakyStore) Transition(ctx context.Context, id string, from, to suggest.Status, at time.Time) (suggest.Suggestion, bool, error) {
	if f.transitionFails.Add(-1) >= 0 {
		return suggest.Suggestion{}, false, errDiskBusy
	}
	return f.Store.Transition(ctx, id, from, to, at)
}

func (f *flakyStore) Insert(ctx context.Context, sg suggest.Suggestion) (bool, error) {
	if n := f.insertFails[sg.Title]; n != nil && n.Add(-1) >= 0 {
		return false, errDiskBusy
	}
	return f.Store.Insert(ctx, sg)
}

func (f *flakyStore) FindByKey(ctx context.Context, key string) (suggest.Suggestion, bool, error) {
	if f.findErr != nil {
		return suggest.Suggestion{}, false, f.findErr
	}
	return f.Store.FindByKey(ctx, key)
}

func failing(n int32) *atomic.Int32 {
	var c atomic.Int32
	c.Store(n)
	return &c
}

func TestTransitionWriteFailures(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		fails      int32
		wantErr    error
		wantResult string
		wantStatus suggest.Status
		wantCommit int32
	}{
		{"recovers on retry", 1, nil, ResultApplied, suggest.StatusAccepted, 1},
		{"fails twice", 2, suggest.ErrStoreWriteConflict, "", suggest.StatusPending, 0},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			fs := &flakyStore{}
			h := newWrappedHarness(t, nil, func(st storage.Store) storage.Store {
				fs.Store = st
				return fs
			})
			h.insertPending(t, "s1", t0.Add(24*time.Hour))
			fs.transitionFails.Store(tc.fails)

			out, err := h.sched.Accept(context.Background(), "s1", "", time.Time{})
			if tc.wantErr == nil && err != nil {
				t.Fatalf("Accept: %v", err)
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Fatalf("err=%v want %v", err, tc.wantErr)
			}
			if out.Result != tc.wantResult {
				t.Fatalf("result=%q want %q", out.Result, tc.wantResult)
			}
			if got := h.status(t, "s1"); got != tc.wantStatus {
				t.Fatalf("status=%s want %s", got, tc.wantStatus)
			}
			if n := h.commit.calls.Load(); n != tc.wantCommit {
				t.Fatalf("commit calls=%d want %d", n, tc.wantCommit)
			}
		})
	}
}

func TestInsertFailureSkipsOnlyThatCandidate(t *testing.T) {
	t.Parallel()

	slot := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	cases := []struct {
		name         string
		fails        int32
		wantInserted int
		wantInvalid  int
	}{
		{"recovers on retry", 1, 3, 0},
		{"fails twice", 2, 2, 1},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			fs := &flakyStore{insertFails: map[string]*atomic.Int32{"Swim": failing(tc.fails)}}
			h := newWrappedHarness(t, nil, func(st storage.Store) storage.Store {
				fs.Store = st
				return fs
			})
			h.engine.list = []suggest.Candidate{
				{GoalID: "run", Title: "Run", Start: slot, End: slot.Add(time.Hour)},
				{GoalID: "swim", Title: "Swim", Start: slot.Add(2 * time.Hour), End: slot.Add(3 * time.Hour)},
				{GoalID: "read", Title: "Read", Start: slot.Add(4 * time.Hour), End: slot.Add(5 * time.Hour)},
			}

			rep, err := h.sched.RunCheckCycle(context.Background())
			if err != nil {
				t.Fatalf("cycle: %v", err)
			}
			if rep.Inserted != tc.wantInserted || rep.Invalid != tc.wantInvalid || rep.Pending != tc.wantInserted {
				t.Fatalf("report=%+v", rep)
			}
			if h.alarm.Status(AlarmKey).State != alarm.Armed {
				t.Fatalf("cycle did not re-arm")
			}
		})
	}
}

func TestKeyLookupFailureFallsBackToInsert(t *testing.T) {
	t.Parallel()

	fs := &flakyStore{}
	h := newWrappedHarness(t, nil, func(st storage.Store) storage.Store {
		fs.Store = st
		return fs
	})
	slot := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	h.engine.list = []suggest.Candidate{{GoalID: "run", Title: "Run", Start: slot, End: slot.Add(time.Hour)}}
	ctx := context.Background()

	if rep, err := h.sched.RunCheckCycle(ctx); err != nil || rep.Inserted != 1 {
		t.Fatalf("first cycle: %+v %v", rep, err)
	}
	fs.findErr = errDiskBusy
	rep, err := h.sched.RunCheckCycle(ctx)
	if err != nil || rep.Inserted != 0 || rep.Duplicates != 1 {
		t.Fatalf("second cycle: %+v %v", rep, err)
	}
	if pending, _ := h.store.ListByStatus(ctx, suggest.StatusPending); len(pending) != 1 {
		t.Fatalf("pending=%d want 1", len(pending))
	}
}

// stallingStore holds the first last_run_at write until released.
type stallingStore struct {
	storage.Store

	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (s *stallingStore) PutMeta(ctx context.Context, key, value string) error {
	if key == storage.MetaLastRunAt {
		s.once.Do(func() {
			close(s.entered)
			<-s.release
		})
	}
	return s.Store.PutMeta(ctx, key, value)
}

func TestFireDuringCycleTailStaysArmed(t *testing.T) {
	t.Parallel()

	ss := &stallingStore{entered: make(chan struct{}), release: make(chan struct{})}
	h := newWrappedHarness(t, nil, func(st storage.Store) storage.Store {
		ss.Store = st
		return ss
	})
	h.clock.Set(time.Date(2024, 5, 1, 7, 59, 59, 900_000_000, time.UTC))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.sched.RunCheckCycle(context.Background())
	}()
	<-ss.entered

	// The cycle has armed today's 08:00 and is still writing last_run_at.
	today := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	if st := h.alarm.Status(AlarmKey); st.State != alarm.Armed || !st.At.Equal(today) {
		close(ss.release)
		t.Fatalf("alarm before fire=%+v", st)
	}

	h.clock.Set(time.Date(2024, 5, 1, 8, 0, 1, 0, time.UTC))
	tomorrow := today.Add(24 * time.Hour)
	deadline := time.Now().Add(3 * time.Second)
	for {
		st := h.alarm.Status(AlarmKey)
		if st.State == alarm.Armed && st.At.Equal(tomorrow) {
			break
		}
		if time.Now().After(deadline) {
			close(ss.release)
			t.Fatalf("alarm after coalesced fire=%+v", st)
		}
		time.Sleep(10 * time.Millisecond)
	}

	close(ss.release)
	<-done
	if st := h.alarm.Status(AlarmKey); st.State != alarm.Armed || !st.At.Equal(tomorrow) {
		t.Fatalf("final alarm=%+v", st)
	}
	if n := h.alarm.ArmedCount(); n != 1 {
		t.Fatalf("armed=%d want 1", n)
	}
	if n := h.engine.calls.Load(); n != 1 {
		t.Fatalf("engine calls=%d want 1", n)
	}
}
