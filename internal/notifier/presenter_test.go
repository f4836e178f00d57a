package notifier

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"planbot/internal/storage"
	"planbot/internal/suggest"
	logx "planbot/pkg/logx"
)

type fakeSurface struct {
	mu       sync.Mutex
	visible  map[string]Notification
	shows    int
	updates  int
	retracts int
	failNext int
}

func newFakeSurface() *fakeSurface { return &fakeSurface{visible: map[string]Notification{}} }

func (f *fakeSurface) Name() string { return "fake" }

func (f *fakeSurface) Show(_ context.Context, n Notification) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return "", errors.New("transient")
	}
	f.shows++
	h := "h-" + n.ID
	f.visible[h] = n
	return h, nil
}

func (f *fakeSurface) Update(_ context.Context, handle string, n Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	f.visible[handle] = n
	return nil
}

func (f *fakeSurface) Retract(_ context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retracts++
	delete(f.visible, handle)
	return nil
}

func (f *fakeSurface) snapshot() []Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Notification, 0, len(f.visible))
	for _, n := range f.visible {
		out = append(out, n)
	}
	return out
}

func newTestPresenter(t *testing.T) (*Presenter, *fakeSurface) {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "n.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	surf := newFakeSurface()
	p := NewPresenter(Config{
		RatePerSec: 1000,
		RetryMax:   3,
		RetryBase:  time.Millisecond,
		Location:   time.UTC,
	}, surf, st, logx.Nop(), nil)
	return p, surf
}

func pendingN(n int) []suggest.Suggestion {
	start := time.Date(2026, 7, 1, 7, 0, 0, 0, time.UTC)
	out := make([]suggest.Suggestion, 0, n)
	for i := 0; i < n; i++ {
		s := start.Add(time.Duration(i) * 24 * time.Hour)
		out = append(out, suggest.Suggestion{
			ID:     "id-" + string(rune('a'+i)),
			GoalID: "run",
			Title:  "Run " + string(rune('A'+i)),
			Start:  s,
			End:    s.Add(30 * time.Minute),
			Status: suggest.StatusPending,
		})
	}
	return out
}

func TestReconcileCounts(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		pending   int
		wantCount int
		aggregate bool
	}{
		{"none", 0, 0, false},
		{"single", 1, 1, false},
		{"three", 3, 1, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, surf := newTestPresenter(t)
			if _, err := p.Reconcile(context.Background(), pendingN(tc.pending)); err != nil {
				t.Fatalf("Reconcile: %v", err)
			}
			vis := surf.snapshot()
			if len(vis) != tc.wantCount {
				t.Fatalf("visible=%d want %d", len(vis), tc.wantCount)
			}
			if tc.wantCount == 0 {
				return
			}
			n := vis[0]
			if n.Aggregate != tc.aggregate {
				t.Fatalf("aggregate=%v want %v", n.Aggregate, tc.aggregate)
			}
			if tc.aggregate {
				if n.ID != AggregateID || len(n.Covers) != 3 || !strings.Contains(n.Body, "3 new") {
					t.Fatalf("bad aggregate %+v", n)
				}
			} else {
				if len(n.Actions) != 2 || n.Actions[0].Data != suggest.EncodeCallback(suggest.ActionAccept, "id-a") {
					t.Fatalf("bad detail actions %+v", n.Actions)
				}
			}
		})
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	t.Parallel()

	p, surf := newTestPresenter(t)
	ctx := context.Background()
	pending := pendingN(1)
	if _, err := p.Reconcile(ctx, pending); err != nil {
		t.Fatalf("first: %v", err)
	}
	res, err := p.Reconcile(ctx, pending)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if len(res.Shown)+len(res.Updated)+len(res.Retracted) != 0 {
		t.Fatalf("second pass changed things: %+v", res)
	}
	if surf.shows != 1 {
		t.Fatalf("shows=%d want 1", surf.shows)
	}
}

func TestReconcileTransitions(t *testing.T) {
	t.Parallel()

	p, surf := newTestPresenter(t)
	ctx := context.Background()
	all := pendingN(3)

	// One detailed notification, then two more arrive: aggregate supersedes.
	if _, err := p.Reconcile(ctx, all[:1]); err != nil {
		t.Fatal(err)
	}
	res, err := p.Reconcile(ctx, all)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Retracted) != 1 || res.Retracted[0] != NotificationID("id-a") {
		t.Fatalf("detail not retracted: %+v", res)
	}
	if vis := surf.snapshot(); len(vis) != 1 || !vis[0].Aggregate {
		t.Fatalf("visible=%+v", vis)
	}

	// Count drops to two: aggregate is updated in place.
	res, err = p.Reconcile(ctx, all[:2])
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Updated) != 1 || surf.updates != 1 {
		t.Fatalf("aggregate not updated: %+v updates=%d", res, surf.updates)
	}

	// Nothing pending: everything retracted.
	if _, err := p.Reconcile(ctx, nil); err != nil {
		t.Fatal(err)
	}
	if vis := surf.snapshot(); len(vis) != 0 {
		t.Fatalf("leftover notifications: %+v", vis)
	}
	if shown, _ := p.Visible(ctx); len(shown) != 0 {
		t.Fatalf("ledger not empty: %+v", shown)
	}
}

func TestReconcileSkipsMalformed(t *testing.T) {
	t.Parallel()

	p, surf := newTestPresenter(t)
	bad := pendingN(2)
	bad[1].Title = "   "
	res, err := p.Reconcile(context.Background(), bad)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Skipped) != 1 {
		t.Fatalf("skipped=%v", res.Skipped)
	}
	vis := surf.snapshot()
	if len(vis) != 1 || vis[0].Aggregate {
		t.Fatalf("expected a single detailed notification, got %+v", vis)
	}
}

func TestDeliverRetries(t *testing.T) {
	t.Parallel()

	p, surf := newTestPresenter(t)
	surf.failNext = 2
	res, err := p.Reconcile(context.Background(), pendingN(1))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Shown) != 1 || res.Failed != 0 {
		t.Fatalf("res=%+v", res)
	}
	if len(res.Notified) != 1 || res.Notified[0] != "id-a" {
		t.Fatalf("notified=%v", res.Notified)
	}
}

func TestRetractSingle(t *testing.T) {
	t.Parallel()

	p, surf := newTestPresenter(t)
	ctx := context.Background()
	if _, err := p.Reconcile(ctx, pendingN(1)); err != nil {
		t.Fatal(err)
	}
	if err := p.Retract(ctx, "id-a"); err != nil {
		t.Fatalf("Retract: %v", err)
	}
	if len(surf.snapshot()) != 0 {
		t.Fatalf("notification still visible")
	}
	if err := p.Retract(ctx, "id-a"); err != nil {
		t.Fatalf("second Retract: %v", err)
	}
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()

	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 8; attempt++ {
		d := retryDelay(cfg, attempt)
		if d <= 0 || d > time.Second {
			t.Fatalf("attempt %d delay %v out of bounds", attempt, d)
		}
	}
}

func TestHandleRoundTrip(t *testing.T) {
	t.Parallel()

	ref, err := parseHandle("-100123:77", 5)
	if err != nil {
		t.Fatal(err)
	}
	if ref.ChatID != -100123 || ref.MessageID != 77 || ref.ThreadID != 5 {
		t.Fatalf("ref=%+v", ref)
	}
	if formatHandle(ref) != "-100123:77" {
		t.Fatalf("format=%q", formatHandle(ref))
	}
	if _, err := parseHandle("nope", 0); err == nil {
		t.Fatalf("expected error")
	}
}
