package router

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	kit "planbot/internal/transport"
	logx "planbot/pkg/logx"
)

type fakeAdapter struct {
	mu      sync.Mutex
	sent    []string
	answers []string
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                    { return nil }
func (f *fakeAdapter) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return kit.MessageRef{MessageID: len(f.sent)}, nil
}
func (f *fakeAdapter) EditText(context.Context, kit.MessageRef, string, *kit.SendOptions) error {
	return nil
}
func (f *fakeAdapter) Delete(context.Context, kit.MessageRef) error { return nil }
func (f *fakeAdapter) AnswerCallback(_ context.Context, _ string, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, text)
	return nil
}

func (f *fakeAdapter) snapshot() (sent, answers []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...), append([]string(nil), f.answers...)
}

func startRouter(t *testing.T, r *Router) chan kit.Update {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan kit.Update, 8)
	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx, ch)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ch
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met")
}

func TestCommandAccess(t *testing.T) {
	t.Parallel()

	ad := &fakeAdapter{}
	r := New(logx.Nop(), ad, []int64{42})
	var calls sync.WaitGroup
	calls.Add(1)
	r.SetRegistry(context.Background(), []Command{{
		Name:   "status",
		Access: AccessOwnerOnly,
		Handle: func(ctx context.Context, req *Request) error {
			defer calls.Done()
			if req.Command != "/status" || len(req.Args) != 1 || req.Args[0] != "now" {
				t.Errorf("unexpected request %+v", req)
			}
			return req.Reply(ctx, "ok", nil)
		},
	}}, nil)
	ch := startRouter(t, r)

	ch <- kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: 1, FromID: 7, Text: "/status"}}
	ch <- kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: 1, FromID: 42, Text: "/Status@planbot now"}}
	calls.Wait()

	eventually(t, func() bool {
		sent, _ := ad.snapshot()
		return len(sent) == 2
	})
	sent, _ := ad.snapshot()
	if sent[0] != "unauthorized" || sent[1] != "ok" {
		t.Fatalf("sent=%q", sent)
	}
}

func TestCallbackRouting(t *testing.T) {
	t.Parallel()

	ad := &fakeAdapter{}
	r := New(logx.Nop(), ad, []int64{42})
	got := make(chan string, 1)
	r.SetRegistry(context.Background(), nil, []CallbackRoute{{
		Namespace: "sg",
		Handle: func(ctx context.Context, req *Request) error {
			got <- req.Data
			req.Answer(ctx, "Accepted")
			return nil
		},
	}})
	ch := startRouter(t, r)

	ch <- kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "c1", FromID: 42, Data: "sg:a:abc"}}
	select {
	case data := <-got:
		if data != "sg:a:abc" {
			t.Fatalf("data=%q", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("callback not routed")
	}
	eventually(t, func() bool {
		_, answers := ad.snapshot()
		return len(answers) == 1
	})
	if _, answers := ad.snapshot(); answers[0] != "Accepted" {
		t.Fatalf("answers=%q", answers)
	}

	ch <- kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "c2", FromID: 9, Data: "sg:r:abc"}}
	eventually(t, func() bool {
		_, answers := ad.snapshot()
		return len(answers) == 2 && answers[1] == "forbidden"
	})
}

func TestHelpListsCommands(t *testing.T) {
	t.Parallel()

	r := New(logx.Nop(), &fakeAdapter{}, nil)
	r.SetRegistry(context.Background(), []Command{
		{Name: "pending", Description: "list pending", Handle: func(context.Context, *Request) error { return nil }},
	}, nil)
	txt := r.helpText()
	if want := "/pending - list pending"; !strings.Contains(txt, want) {
		t.Fatalf("help %q missing %q", txt, want)
	}
}
