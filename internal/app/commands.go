package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"planbot/internal/lifecycle"
	"planbot/internal/notifier"
	"planbot/internal/suggest"
	kit "planbot/internal/transport"
	"planbot/internal/transport/telegram/router"
	logx "planbot/pkg/logx"
)

// planner is the part of the lifecycle scheduler the chat surface drives.
type planner interface {
	Pending(ctx context.Context) ([]suggest.Suggestion, error)
	HandleAction(ctx context.Context, a suggest.Action, actorID int64) (lifecycle.Outcome, error)
	Trigger(ctx context.Context)
	Status(ctx context.Context) (lifecycle.Status, error)
	Location() *time.Location
}

type commands struct {
	plan planner
	// runCtx outlives single requests; triggered cycles run on it.
	runCtx context.Context
}

func (c *commands) registry() ([]router.Command, []router.CallbackRoute) {
	cmds := []router.Command{
		{
			Name:        "pending",
			Aliases:     []string{"list"},
			Description: "list pending suggestions",
			Access:      router.AccessOwnerOnly,
			Timeout:     15 * time.Second,
			Handle:      c.pending,
		},
		{
			Name:        "check",
			Description: "run a suggestion check now",
			Access:      router.AccessOwnerOnly,
			Handle:      c.check,
		},
		{
			Name:        "status",
			Description: "scheduler status",
			Access:      router.AccessOwnerOnly,
			Timeout:     5 * time.Second,
			Handle:      c.status,
		},
	}
	cbs := []router.CallbackRoute{{
		Namespace: "sg",
		Access:    router.AccessOwnerOnly,
		Timeout:   30 * time.Second,
		Handle:    c.callback,
	}}
	return cmds, cbs
}

func (c *commands) pending(ctx context.Context, req *router.Request) error {
	list, err := c.plan.Pending(ctx)
	if err != nil {
		return err
	}
	return c.sendList(ctx, req, list)
}

func (c *commands) sendList(ctx context.Context, req *router.Request, list []suggest.Suggestion) error {
	items := notifier.RenderPendingList(list, c.plan.Location())
	if len(items) == 0 {
		return req.Reply(ctx, "No pending suggestions.", nil)
	}
	for _, n := range items {
		if err := req.Reply(ctx, notifier.MessageText(n), notifier.MessageOptions(n)); err != nil {
			return err
		}
	}
	return nil
}

func (c *commands) check(ctx context.Context, req *router.Request) error {
	c.plan.Trigger(c.runCtx)
	return req.Reply(ctx, "Suggestion check started.", nil)
}

func (c *commands) status(ctx context.Context, req *router.Request) error {
	st, err := c.plan.Status(ctx)
	if err != nil {
		return err
	}
	return req.Reply(ctx, formatStatus(st, c.plan.Location()), nil)
}

func formatStatus(st lifecycle.Status, loc *time.Location) string {
	ts := func(t time.Time) string {
		if t.IsZero() {
			return "never"
		}
		return t.In(loc).Format("Mon 02 Jan 15:04 MST")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Schedule: daily %s\n", st.Schedule)
	fmt.Fprintf(&b, "Next check: %s (%s)\n", ts(st.ScheduledAt), st.Alarm.State)
	fmt.Fprintf(&b, "Last check: %s\n", ts(st.LastRunAt))
	fmt.Fprintf(&b, "Pending: %d\n", st.Pending)
	if st.Running {
		b.WriteString("A check is running.\n")
	}
	if lc := st.LastCycle; !lc.Started.IsZero() {
		fmt.Fprintf(&b, "Last cycle: %d new, %d duplicate, %d expired", lc.Inserted, lc.Duplicates, lc.Expired)
		if lc.EngineErr != "" {
			fmt.Fprintf(&b, " (engine: %s)", lc.EngineErr)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// callback handles "sg:..." inline buttons: the aggregate's Review button
// and per-suggestion accept/reject.
func (c *commands) callback(ctx context.Context, req *router.Request) error {
	if req.Data == suggest.CallbackList {
		req.Answer(ctx, "")
		list, err := c.plan.Pending(ctx)
		if err != nil {
			return err
		}
		return c.sendList(ctx, req, list)
	}

	action, err := suggest.ParseCallback(req.Data)
	if err != nil {
		req.Logger.Warn("malformed action", logx.String("data", req.Data), logx.Err(err))
		req.Answer(ctx, "Unrecognized action")
		return nil
	}
	out, err := c.plan.HandleAction(ctx, action, req.FromID)
	if err != nil && !errors.Is(err, suggest.ErrUnknownSuggestion) {
		req.Answer(ctx, "Failed: "+err.Error())
		return nil
	}
	req.Answer(ctx, out.Message())

	cb := req.Update.Callback
	if cb == nil || cb.MessageID == 0 {
		return nil
	}
	// The source message may already be gone: detail notifications are
	// retracted as soon as their suggestion resolves.
	ref := kit.MessageRef{ChatID: cb.ChatID, ThreadID: cb.ThreadID, MessageID: cb.MessageID}
	if err := req.Adapter.EditText(ctx, ref, out.Message(), &kit.SendOptions{DisablePreview: true}); err != nil {
		req.Logger.Debug("edit action message failed", logx.Err(err))
	}
	return nil
}
