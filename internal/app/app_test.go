package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"planbot/internal/config"
	"planbot/internal/lifecycle"
	"planbot/internal/suggest"
	kit "planbot/internal/transport"
	"planbot/internal/transport/telegram/router"
	logx "planbot/pkg/logx"
)

type fakeAdapter struct {
	mu      sync.Mutex
	sent    []string
	buttons [][][]kit.Button
	edits   []string
	answers []string
	editErr error
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                     { return nil }
func (f *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	if opt != nil {
		f.buttons = append(f.buttons, opt.Buttons)
	}
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}
func (f *fakeAdapter) EditText(_ context.Context, _ kit.MessageRef, text string, _ *kit.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, text)
	return f.editErr
}
func (f *fakeAdapter) Delete(context.Context, kit.MessageRef) error { return nil }
func (f *fakeAdapter) AnswerCallback(_ context.Context, _ string, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, text)
	return nil
}

type fakePlanner struct {
	pending  []suggest.Suggestion
	actions  []suggest.Action
	outcome  lifecycle.Outcome
	err      error
	triggers int
	status   lifecycle.Status
}

func (f *fakePlanner) Pending(context.Context) ([]suggest.Suggestion, error) { return f.pending, nil }
func (f *fakePlanner) HandleAction(_ context.Context, a suggest.Action, _ int64) (lifecycle.Outcome, error) {
	f.actions = append(f.actions, a)
	return f.outcome, f.err
}
func (f *fakePlanner) Trigger(context.Context) { f.triggers++ }
func (f *fakePlanner) Status(context.Context) (lifecycle.Status, error) {
	return f.status, nil
}
func (f *fakePlanner) Location() *time.Location { return time.UTC }

func callbackRequest(ad kit.Adapter, data string) *router.Request {
	return &router.Request{
		Update: kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{
			ID: "cb1", FromID: 42, ChatID: 42, MessageID: 7, Data: data,
		}},
		Chat:    kit.ChatTarget{ChatID: 42},
		FromID:  42,
		Data:    data,
		Adapter: ad,
		Logger:  logx.Nop(),
	}
}

func sampleSuggestion(id string) suggest.Suggestion {
	start := time.Date(2024, 5, 1, 7, 0, 0, 0, time.UTC)
	return suggest.Suggestion{
		ID: id, Key: "k-" + id, GoalID: "run", Title: "Morning run",
		Start: start, End: start.Add(45 * time.Minute), Confidence: 0.7,
		Status: suggest.StatusPending, CreatedAt: start.Add(-time.Hour),
	}
}

func TestCallbackAccept(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	plan := &fakePlanner{outcome: lifecycle.Outcome{
		SuggestionID: "s1", Kind: suggest.ActionAccept, Result: lifecycle.ResultApplied, Title: "Morning run",
	}}
	c := &commands{plan: plan, runCtx: context.Background()}

	data := suggest.EncodeCallback(suggest.ActionAccept, "s1")
	if err := c.callback(context.Background(), callbackRequest(ad, data)); err != nil {
		t.Fatalf("callback: %v", err)
	}
	if len(plan.actions) != 1 || plan.actions[0].Kind != suggest.ActionAccept || plan.actions[0].SuggestionID != "s1" {
		t.Fatalf("actions = %+v", plan.actions)
	}
	if len(ad.answers) != 1 || ad.answers[0] != "Added to calendar: Morning run" {
		t.Fatalf("answers = %v", ad.answers)
	}
	if len(ad.edits) != 1 {
		t.Fatalf("source message not edited: %v", ad.edits)
	}
}

func TestCallbackEditFailureIsIgnored(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{editErr: errors.New("message to edit not found")}
	plan := &fakePlanner{outcome: lifecycle.Outcome{Kind: suggest.ActionReject, Result: lifecycle.ResultApplied}}
	c := &commands{plan: plan, runCtx: context.Background()}
	data := suggest.EncodeCallback(suggest.ActionReject, "s1")
	if err := c.callback(context.Background(), callbackRequest(ad, data)); err != nil {
		t.Fatalf("callback: %v", err)
	}
	if ad.answers[0] != "Suggestion dismissed" {
		t.Fatalf("answer = %q", ad.answers[0])
	}
}

func TestCallbackMalformed(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	plan := &fakePlanner{}
	c := &commands{plan: plan, runCtx: context.Background()}
	if err := c.callback(context.Background(), callbackRequest(ad, "sg:x:s1")); err != nil {
		t.Fatalf("callback: %v", err)
	}
	if len(plan.actions) != 0 {
		t.Fatalf("malformed action dispatched: %+v", plan.actions)
	}
	if len(ad.answers) != 1 || ad.answers[0] != "Unrecognized action" {
		t.Fatalf("answers = %v", ad.answers)
	}
}

func TestCallbackUnknownSuggestion(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	plan := &fakePlanner{
		outcome: lifecycle.Outcome{SuggestionID: "gone", Result: lifecycle.ResultUnknown},
		err:     suggest.ErrUnknownSuggestion,
	}
	c := &commands{plan: plan, runCtx: context.Background()}
	data := suggest.EncodeCallback(suggest.ActionAccept, "gone")
	if err := c.callback(context.Background(), callbackRequest(ad, data)); err != nil {
		t.Fatalf("callback: %v", err)
	}
	if ad.answers[0] != "Suggestion no longer exists" {
		t.Fatalf("answer = %q", ad.answers[0])
	}
}

func TestCallbackListAndPending(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	plan := &fakePlanner{pending: []suggest.Suggestion{sampleSuggestion("s1"), sampleSuggestion("s2")}}
	c := &commands{plan: plan, runCtx: context.Background()}

	if err := c.callback(context.Background(), callbackRequest(ad, suggest.CallbackList)); err != nil {
		t.Fatalf("callback: %v", err)
	}
	if len(ad.sent) != 2 {
		t.Fatalf("sent %d messages, want 2", len(ad.sent))
	}
	for i, rows := range ad.buttons {
		if len(rows) != 1 || len(rows[0]) != 2 {
			t.Fatalf("message %d buttons = %+v", i, rows)
		}
		if !strings.HasPrefix(rows[0][0].Data, "sg:") {
			t.Fatalf("button data = %q", rows[0][0].Data)
		}
	}

	empty := &fakeAdapter{}
	c.plan = &fakePlanner{}
	if err := c.pending(context.Background(), callbackRequest(empty, "")); err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(empty.sent) != 1 || empty.sent[0] != "No pending suggestions." {
		t.Fatalf("sent = %v", empty.sent)
	}
}

func TestCheckTriggers(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	plan := &fakePlanner{}
	c := &commands{plan: plan, runCtx: context.Background()}
	if err := c.check(context.Background(), callbackRequest(ad, "")); err != nil {
		t.Fatalf("check: %v", err)
	}
	if plan.triggers != 1 {
		t.Fatalf("triggers = %d", plan.triggers)
	}
}

func TestFormatStatus(t *testing.T) {
	t.Parallel()
	st := lifecycle.Status{
		Schedule:    "08:00 UTC",
		ScheduledAt: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC),
		Pending:     3,
		LastCycle: lifecycle.CycleReport{
			Started: time.Date(2024, 4, 30, 8, 0, 0, 0, time.UTC), Inserted: 2, EngineErr: "timeout",
		},
	}
	got := formatStatus(st, time.UTC)
	for _, want := range []string{"daily 08:00 UTC", "Wed 01 May 08:00", "Last check: never", "Pending: 3", "2 new", "engine: timeout"} {
		if !strings.Contains(got, want) {
			t.Fatalf("status missing %q:\n%s", want, got)
		}
	}
}

func TestMapLifecycleConfig(t *testing.T) {
	t.Parallel()
	off := false
	cfg := &config.Config{Scheduler: config.SchedulerConfig{
		DailyAt: "07:15", Timezone: "Europe/Berlin", RunOnStart: &off,
		Retention: "48h", DedupPolicy: "goal_day",
	}, Engine: config.EngineConfig{MaxSuggestions: 4}}
	lc, err := mapLifecycleConfig(cfg)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if lc.RunOnStart || lc.Retention != 48*time.Hour || lc.DedupPolicy != suggest.KeyGoalDay {
		t.Fatalf("lifecycle config = %+v", lc)
	}
	if lc.Location.String() != "Europe/Berlin" || lc.MaxSuggestions != 4 {
		t.Fatalf("lifecycle config = %+v", lc)
	}

	def, err := mapLifecycleConfig(&config.Config{})
	if err != nil || !def.RunOnStart || def.Location != time.Local {
		t.Fatalf("defaults = %+v, %v", def, err)
	}

	cfg.Scheduler.EngineTimeout = "fast"
	if _, err := mapLifecycleConfig(cfg); err == nil {
		t.Fatalf("expected duration error")
	}
}

func TestMapGoals(t *testing.T) {
	t.Parallel()
	off := false
	cfg := &config.Config{Goals: []config.GoalConfig{
		{ID: " run ", Title: "Run", Duration: "45m", Preferred: []config.WindowConfig{{Weekday: "mon", Start: "06:00", End: "08:00"}}},
		{ID: "read", Title: "Read", Active: &off},
	}}
	goals, err := mapGoals(cfg)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if goals[0].ID != "run" || goals[0].Duration != 45*time.Minute || !goals[0].Active || len(goals[0].Preferred) != 1 {
		t.Fatalf("goal 0 = %+v", goals[0])
	}
	if goals[1].Active {
		t.Fatalf("goal 1 should be inactive")
	}
}

func TestMapStorageAndTarget(t *testing.T) {
	t.Parallel()
	sc, err := mapStorageConfig(&config.Config{})
	if err != nil || sc.Driver != "sqlite" || sc.Path == "" || sc.BusyTimeout != time.Second {
		t.Fatalf("storage = %+v, %v", sc, err)
	}
	if _, err := mapStorageConfig(&config.Config{Storage: config.StorageConfig{Driver: "redis"}}); err == nil {
		t.Fatalf("expected unknown driver error")
	}

	target, err := notifyTarget(&config.Config{Telegram: config.TelegramConfig{OwnerUserIDs: []int64{42, 7}, ThreadID: 3}})
	if err != nil || target.ChatID != 42 || target.ThreadID != 3 {
		t.Fatalf("target = %+v, %v", target, err)
	}
	if _, err := notifyTarget(&config.Config{}); err == nil {
		t.Fatalf("expected missing target error")
	}
}

func TestDrainLatest(t *testing.T) {
	t.Parallel()
	ch := make(chan *config.Config, 3)
	a, b, c := &config.Config{}, &config.Config{}, &config.Config{}
	ch <- b
	ch <- c
	if got := drainLatest(ch, a); got != c {
		t.Fatalf("did not coalesce to newest")
	}
	if got := drainLatest(ch, a); got != a {
		t.Fatalf("empty channel should keep current")
	}
}
