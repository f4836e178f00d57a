package suggest

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()

	all := []Status{StatusPending, StatusAccepted, StatusRejected, StatusExpired}
	for _, from := range all {
		for _, to := range all {
			want := from == StatusPending && to != StatusPending
			if got := CanTransition(from, to); got != want {
				t.Fatalf("CanTransition(%s,%s)=%v want %v", from, to, got, want)
			}
		}
	}
}

func TestCallbackRoundTrip(t *testing.T) {
	t.Parallel()

	id := "0b5c1e3e-1f7a-4b7a-9f57-2a1c7e9b2d11"
	for _, kind := range []ActionKind{ActionAccept, ActionReject} {
		data := EncodeCallback(kind, id)
		if len(data) > maxCallbackData {
			t.Fatalf("callback %q exceeds %d bytes", data, maxCallbackData)
		}
		a, err := ParseCallback(data)
		if err != nil {
			t.Fatalf("ParseCallback(%q): %v", data, err)
		}
		if a.Kind != kind || a.SuggestionID != id {
			t.Fatalf("got %+v", a)
		}
	}
}

func TestParseCallbackRejectsGarbage(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "sg", "sg:a:", "sg:x:id", "xx:a:id", "sg:a:" + strings.Repeat("z", 80)} {
		if _, err := ParseCallback(in); !errors.Is(err, ErrMalformedAction) {
			t.Fatalf("ParseCallback(%q) err=%v want ErrMalformedAction", in, err)
		}
	}
}

func TestKeyerPolicies(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("X", 2*3600)
	a := Candidate{GoalID: "run", Title: "Morning  Run", Start: time.Date(2026, 3, 2, 7, 3, 0, 0, loc)}
	b := Candidate{GoalID: "run", Title: "morning run", Start: time.Date(2026, 3, 2, 7, 10, 0, 0, loc)}
	c := Candidate{GoalID: "run", Title: "Morning Run", Start: time.Date(2026, 3, 2, 18, 0, 0, 0, loc)}

	slot := Keyer{Policy: KeyGoalSlot, Slot: 15 * time.Minute, Loc: loc}
	if slot.Key(a) != slot.Key(b) {
		t.Fatalf("same 15m slot should share key")
	}
	if slot.Key(a) == slot.Key(c) {
		t.Fatalf("different slots should differ")
	}

	day := Keyer{Policy: KeyGoalDay, Loc: loc}
	if day.Key(a) != day.Key(c) {
		t.Fatalf("goal_day should collapse same local day")
	}

	title := Keyer{Policy: KeyTitleSlot, Slot: 15 * time.Minute}
	if title.Key(a) != title.Key(b) {
		t.Fatalf("title_slot should normalize case and spaces")
	}
}

func TestParseKeyPolicy(t *testing.T) {
	t.Parallel()

	if p, err := ParseKeyPolicy(""); err != nil || p != KeyGoalSlot {
		t.Fatalf("default policy=%q err=%v", p, err)
	}
	if _, err := ParseKeyPolicy("nope"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestWindow(t *testing.T) {
	t.Parallel()

	w := Window{Weekday: "Mon", Start: "07:00", End: "08:30"}
	if !w.Matches(time.Monday) || w.Matches(time.Tuesday) {
		t.Fatalf("weekday matching broken")
	}
	s, e, err := w.Bounds()
	if err != nil {
		t.Fatalf("Bounds: %v", err)
	}
	if s != 7*time.Hour || e != 8*time.Hour+30*time.Minute {
		t.Fatalf("bounds=%v..%v", s, e)
	}
	if _, _, err := (Window{Start: "09:00", End: "08:00"}).Bounds(); err == nil {
		t.Fatalf("inverted window should fail")
	}
	if !(Window{}).Matches(time.Sunday) {
		t.Fatalf("empty weekday should match every day")
	}
}

func TestCandidateValidate(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	ok := Candidate{GoalID: "g", Title: "t", Start: start, End: start.Add(time.Hour)}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid candidate: %v", err)
	}
	bad := []Candidate{
		{Title: "t", Start: start},
		{GoalID: "g", Start: start},
		{GoalID: "g", Title: "t"},
		{GoalID: "g", Title: "t", Start: start, End: start},
	}
	for i, c := range bad {
		if err := c.Validate(); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}
