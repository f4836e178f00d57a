package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"planbot/internal/suggest"
	logx "planbot/pkg/logx"
)

// Monday.
var monday = time.Date(2024, 4, 29, 6, 0, 0, 0, time.UTC)

func TestRulesPreferredWindowSkipsBusy(t *testing.T) {
	t.Parallel()

	req := Request{
		From:        monday,
		HorizonDays: 7,
		Location:    time.UTC,
		Goals: []suggest.Goal{{
			ID: "run", Title: "Run", Duration: 30 * time.Minute, Active: true,
			Preferred: []suggest.Window{{Weekday: "mon", Start: "07:00", End: "08:00"}},
		}},
		Busy: []suggest.Busy{{Summary: "standup", Start: monday.Add(time.Hour), End: monday.Add(90 * time.Minute)}},
	}
	got, err := NewRules(logx.Nop()).Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d candidates, want 1: %+v", len(got), got)
	}
	want := time.Date(2024, 4, 29, 7, 30, 0, 0, time.UTC)
	if !got[0].Start.Equal(want) || !got[0].End.Equal(want.Add(30*time.Minute)) {
		t.Fatalf("slot=%s..%s want %s", got[0].Start, got[0].End, want)
	}
	if got[0].GoalID != "run" || got[0].Title != "Run" {
		t.Fatalf("candidate=%+v", got[0])
	}
}

func TestRulesRRule(t *testing.T) {
	t.Parallel()

	tuesdayEvening := time.Date(2024, 4, 30, 18, 0, 0, 0, time.UTC)
	req := Request{
		From:        monday,
		HorizonDays: 7,
		Location:    time.UTC,
		Goals: []suggest.Goal{
			{ID: "read", Title: "Read", RRule: "FREQ=DAILY;BYHOUR=18;BYMINUTE=0;BYSECOND=0", Active: true},
			{ID: "off", Title: "Disabled", RRule: "FREQ=DAILY", Active: false},
		},
		Busy: []suggest.Busy{{Start: tuesdayEvening, End: tuesdayEvening.Add(time.Hour)}},
	}
	got, err := NewRules(logx.Nop()).Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(got) != 6 {
		t.Fatalf("got %d candidates, want 6", len(got))
	}
	for _, c := range got {
		if c.GoalID != "read" || c.Start.Hour() != 18 || c.Start.Equal(tuesdayEvening) {
			t.Fatalf("unexpected candidate %+v", c)
		}
		if c.End.Sub(c.Start) != time.Hour {
			t.Fatalf("default duration not applied: %+v", c)
		}
	}
}

func TestRulesBadRRule(t *testing.T) {
	t.Parallel()

	req := Request{From: monday, Goals: []suggest.Goal{{ID: "x", Title: "X", RRule: "FREQ=NOPE", Active: true}}}
	if _, err := NewRules(logx.Nop()).Generate(context.Background(), req); err == nil {
		t.Fatalf("expected error")
	}
}

func TestCapCandidatesRoundRobin(t *testing.T) {
	t.Parallel()

	a := []suggest.Candidate{{GoalID: "a"}, {GoalID: "a"}, {GoalID: "a"}}
	b := []suggest.Candidate{{GoalID: "b"}}
	got := capCandidates([][]suggest.Candidate{a, b}, 2)
	if len(got) != 2 || got[0].GoalID != "a" || got[1].GoalID != "b" {
		t.Fatalf("got %+v", got)
	}
	if n := len(capCandidates([][]suggest.Candidate{a, b}, 0)); n != 4 {
		t.Fatalf("uncapped=%d want 4", n)
	}
}

func chatServer(t *testing.T, status int, content string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path=%s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer k" {
			t.Errorf("auth=%q", got)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.Messages) != 2 || !strings.Contains(req.Messages[1].Content, "Goal: Run") {
			t.Errorf("unexpected messages %+v", req.Messages)
		}
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": content}}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func remoteRequest() Request {
	return Request{
		From:        monday,
		HorizonDays: 7,
		Location:    time.UTC,
		Goals:       []suggest.Goal{{ID: "run", Title: "Run", Duration: 45 * time.Minute, Active: true}},
	}
}

func TestRemoteParsesWrappedJSON(t *testing.T) {
	t.Parallel()

	content := "Here you go:\n```json\n" + `{"suggestions":[
		{"title":"Morning run","start_time":"2024-04-30T07:00:00Z","end_time":"2024-04-30T07:45:00Z","confidence_score":0.9,"reasoning":"free"},
		{"title":"","start_time":"2024-05-01T07:00"},
		{"title":"Too early","start_time":"2024-04-28T07:00:00Z"}
	]}` + "\n```"
	srv := chatServer(t, http.StatusOK, content)
	eng, err := NewRemote(RemoteConfig{Endpoint: srv.URL, APIKey: "k"}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	got, err := eng.Generate(context.Background(), remoteRequest())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d candidates, want 2: %+v", len(got), got)
	}
	if got[0].Title != "Morning run" || got[0].Confidence != 0.9 || got[0].GoalID != "run" {
		t.Fatalf("first=%+v", got[0])
	}
	// Missing title falls back to the goal, missing end to the goal duration.
	if got[1].Title != "Run" || got[1].End.Sub(got[1].Start) != 45*time.Minute || got[1].Confidence != 0.5 {
		t.Fatalf("second=%+v", got[1])
	}
}

func TestRemoteFailures(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		status  int
		content string
	}{
		{"http error", http.StatusInternalServerError, "boom"},
		{"no json", http.StatusOK, "I cannot help with that."},
		{"missing field", http.StatusOK, `{"items":[]}`},
		{"bad time", http.StatusOK, `{"suggestions":[{"title":"x","start_time":"tomorrow"}]}`},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := chatServer(t, tc.status, tc.content)
			eng, err := NewRemote(RemoteConfig{Endpoint: srv.URL, APIKey: "k"}, logx.Nop())
			if err != nil {
				t.Fatal(err)
			}
			got, err := eng.Generate(context.Background(), remoteRequest())
			if err == nil {
				t.Fatalf("expected error, got %+v", got)
			}
			if got != nil {
				t.Fatalf("partial result on error: %+v", got)
			}
		})
	}
}

func TestNewRemoteEndpoint(t *testing.T) {
	t.Parallel()

	r, err := NewRemote(RemoteConfig{Endpoint: "https://x.example/v1/chat/completions/"}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if r.url != "https://x.example/v1/chat/completions" {
		t.Fatalf("url=%s", r.url)
	}
	if _, err := NewRemote(RemoteConfig{Endpoint: "ftp://x"}, logx.Nop()); err == nil {
		t.Fatalf("expected error for non-http endpoint")
	}
	if _, err := New(Config{Driver: "magic"}, logx.Nop()); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}
