package alarm

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRearmReplacesPendingAlarm(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2026, 1, 5, 7, 0, 0, 0, time.UTC)}
	src := New(WithClock(clock.Now), WithPoll(5*time.Millisecond))
	defer src.Stop()

	var first, second atomic.Int32
	at := clock.Now().Add(time.Hour)
	if err := src.Arm("daily", at, func(context.Context) { first.Add(1) }); err != nil {
		t.Fatalf("arm: %v", err)
	}
	if err := src.Arm("daily", at, func(context.Context) { second.Add(1) }); err != nil {
		t.Fatalf("re-arm: %v", err)
	}
	if got := src.ArmedCount(); got != 1 {
		t.Fatalf("armed=%d want 1", got)
	}

	clock.Set(at.Add(time.Second))
	waitFor(t, "fire", func() bool { return second.Load() == 1 })
	time.Sleep(30 * time.Millisecond)
	if first.Load() != 0 || second.Load() != 1 {
		t.Fatalf("first=%d second=%d want 0/1", first.Load(), second.Load())
	}
	if st := src.Status("daily"); st.State != Fired {
		t.Fatalf("state=%s want FIRED", st.State)
	}
}

func TestFiresAfterClockJump(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2026, 1, 5, 20, 0, 0, 0, time.UTC)}
	src := New(WithClock(clock.Now), WithPoll(5*time.Millisecond))
	defer src.Stop()

	var fired atomic.Int32
	due := time.Date(2026, 1, 6, 8, 0, 0, 0, time.UTC)
	_ = src.Arm("daily", due, func(context.Context) { fired.Add(1) })

	time.Sleep(20 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatalf("fired before due")
	}
	// Host resumes from suspend well past the due time.
	clock.Set(due.Add(3 * time.Hour))
	waitFor(t, "fire after resume", func() bool { return fired.Load() == 1 })
}

func TestDisarmAndStop(t *testing.T) {
	t.Parallel()

	src := New(WithPoll(5 * time.Millisecond))
	var fired atomic.Int32
	_ = src.Arm("k", time.Now().Add(20*time.Millisecond), func(context.Context) { fired.Add(1) })
	if !src.Disarm("k") {
		t.Fatalf("Disarm should report armed alarm")
	}
	if src.Disarm("k") {
		t.Fatalf("second Disarm should be a no-op")
	}
	time.Sleep(50 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatalf("disarmed alarm fired")
	}

	src.Stop()
	if err := src.Arm("k", time.Now(), func(context.Context) {}); err != ErrStopped {
		t.Fatalf("Arm after Stop err=%v want ErrStopped", err)
	}
}

func TestCallbackCanRearmItself(t *testing.T) {
	t.Parallel()

	src := New(WithPoll(5 * time.Millisecond))
	defer src.Stop()

	var fires atomic.Int32
	var cb Callback
	cb = func(context.Context) {
		if fires.Add(1) < 3 {
			_ = src.Arm("loop", time.Now(), cb)
		}
	}
	_ = src.Arm("loop", time.Now(), cb)
	waitFor(t, "three fires", func() bool { return fires.Load() == 3 })
}

func TestDailyNextIsStrictlyAfter(t *testing.T) {
	t.Parallel()

	loc, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	d, err := NewDaily("08:00", loc)
	if err != nil {
		t.Fatalf("NewDaily: %v", err)
	}

	cases := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"before today's slot", time.Date(2026, 6, 1, 7, 59, 0, 0, loc), time.Date(2026, 6, 1, 8, 0, 0, 0, loc)},
		{"exactly at slot", time.Date(2026, 6, 1, 8, 0, 0, 0, loc), time.Date(2026, 6, 2, 8, 0, 0, 0, loc)},
		{"after slot", time.Date(2026, 6, 1, 8, 0, 1, 0, loc), time.Date(2026, 6, 2, 8, 0, 0, 0, loc)},
		{"other zone input", time.Date(2026, 6, 1, 5, 30, 0, 0, time.UTC), time.Date(2026, 6, 1, 8, 0, 0, 0, loc)},
		{"across DST start", time.Date(2026, 3, 28, 9, 0, 0, 0, loc), time.Date(2026, 3, 29, 8, 0, 0, 0, loc)},
	}
	for _, tc := range cases {
		got := d.Next(tc.now)
		if !got.Equal(tc.want) {
			t.Fatalf("%s: Next(%s)=%s want %s", tc.name, tc.now, got, tc.want)
		}
		if !got.After(tc.now) {
			t.Fatalf("%s: next %s not after now %s", tc.name, got, tc.now)
		}
	}
}

func TestNewDailyRejectsBadTime(t *testing.T) {
	t.Parallel()
	if _, err := NewDaily("25:00", time.UTC); err == nil {
		t.Fatalf("expected error")
	}
}
