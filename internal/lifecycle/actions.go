package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"planbot/internal/calendar"
	"planbot/internal/eventbus"
	"planbot/internal/storage"
	"planbot/internal/suggest"
	logx "planbot/pkg/logx"
)

// Result of an action, from the caller's point of view.
const (
	ResultApplied         = "applied"
	ResultAlreadyResolved = "already_resolved"
	ResultUnknown         = "unknown"
)

// Outcome describes what an action did.
type Outcome struct {
	SuggestionID string
	Kind         suggest.ActionKind
	Result       string
	Status       suggest.Status
	Title        string
	CommitRef    string
}

// Message is a short text suitable for a toast or callback answer.
func (o Outcome) Message() string {
	switch o.Result {
	case ResultApplied:
		if o.Kind == suggest.ActionAccept {
			return "Added to calendar: " + o.Title
		}
		return "Suggestion dismissed"
	case ResultAlreadyResolved:
		return "Already " + strings.ToLower(string(o.Status))
	default:
		return "Suggestion no longer exists"
	}
}

// StateChange is published on the bus for every applied transition.
type StateChange struct {
	SuggestionID string         `json:"suggestion_id"`
	From         suggest.Status `json:"from"`
	To           suggest.Status `json:"to"`
	At           time.Time      `json:"at"`
	ActorID      int64          `json:"actor_id,omitempty"`
}

// HandleAction dispatches a typed user action.
func (s *Scheduler) HandleAction(ctx context.Context, a suggest.Action, actorID int64) (Outcome, error) {
	switch a.Kind {
	case suggest.ActionAccept:
		var start time.Time
		if v := strings.TrimSpace(a.StartTime); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				s.log.Debug("ignoring unparseable start hint", logx.String("value", v))
			} else {
				start = t
			}
		}
		return s.accept(ctx, a.SuggestionID, a.Title, start, actorID)
	case suggest.ActionReject:
		return s.reject(ctx, a.SuggestionID, actorID)
	default:
		return Outcome{}, fmt.Errorf("%w: unknown kind %q", suggest.ErrMalformedAction, a.Kind)
	}
}

// Accept moves id from PENDING to ACCEPTED and commits it to the calendar.
// Repeats and late deliveries are no-ops; the commit happens at most once.
// title and start are the values the user saw; zero values fall back to
// the stored suggestion.
func (s *Scheduler) Accept(ctx context.Context, id, title string, start time.Time) (Outcome, error) {
	return s.accept(ctx, id, title, start, 0)
}

// Reject moves id from PENDING to REJECTED.
func (s *Scheduler) Reject(ctx context.Context, id string) (Outcome, error) {
	return s.reject(ctx, id, 0)
}

func (s *Scheduler) accept(ctx context.Context, id, title string, start time.Time, actor int64) (Outcome, error) {
	out, sg, err := s.transition(ctx, id, suggest.ActionAccept, suggest.StatusAccepted, actor)
	if err != nil || out.Result != ResultApplied {
		return out, err
	}

	entry := commitEntry(sg, title, start)
	out.Title = entry.Title
	ref, cerr := s.committer.Commit(ctx, entry)
	if cerr != nil {
		// The suggestion stays ACCEPTED; the commit is never retried
		// automatically so a slow success cannot turn into a double booking.
		s.log.Error("calendar commit failed",
			logx.String("id", id), logx.String("committer", s.committer.Name()), logx.Err(cerr))
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeCommitFailed, Time: s.now(), Data: StateChange{
			SuggestionID: id, From: suggest.StatusPending, To: suggest.StatusAccepted, At: s.now(), ActorID: actor,
		}})
		s.audit(ctx, "commit", id, actor, "", "", cerr, s.committer.Name())
		s.afterResolve(ctx, id)
		return out, fmt.Errorf("accepted but calendar commit failed: %w", cerr)
	}
	out.CommitRef = ref
	if ref != "" {
		if err := s.retryOnce(ctx, "set commit ref", func() error { return s.store.SetCommitRef(ctx, id, ref) }); err != nil {
			s.log.Warn("commit ref not recorded", logx.String("id", id), logx.String("ref", ref), logx.Err(err))
		}
	}
	s.audit(ctx, "commit", id, actor, "", "", nil, s.committer.Name()+":"+ref)
	s.afterResolve(ctx, id)
	return out, nil
}

func (s *Scheduler) reject(ctx context.Context, id string, actor int64) (Outcome, error) {
	out, _, err := s.transition(ctx, id, suggest.ActionReject, suggest.StatusRejected, actor)
	if err != nil || out.Result != ResultApplied {
		return out, err
	}
	s.afterResolve(ctx, id)
	return out, nil
}

// transition applies PENDING -> to under the id lock. The store is never
// left half-written: the change is a single compare-and-swap, retried once.
func (s *Scheduler) transition(ctx context.Context, id string, kind suggest.ActionKind, to suggest.Status, actor int64) (Outcome, suggest.Suggestion, error) {
	out := Outcome{SuggestionID: id, Kind: kind}
	id = strings.TrimSpace(id)
	if id == "" {
		return out, suggest.Suggestion{}, fmt.Errorf("%w: empty suggestion id", suggest.ErrMalformedAction)
	}

	unlock := s.locks.Lock("id:" + id)
	defer unlock()

	cur, ok, err := s.store.Get(ctx, id)
	if err != nil {
		return out, suggest.Suggestion{}, fmt.Errorf("load suggestion %s: %w", id, err)
	}
	if !ok {
		out.Result = ResultUnknown
		s.log.Warn("action for unknown suggestion discarded",
			logx.String("id", id), logx.String("action", string(kind)), logx.Err(suggest.ErrUnknownSuggestion))
		return out, suggest.Suggestion{}, nil
	}
	out.Title = cur.Title
	if cur.Status != suggest.StatusPending {
		out.Result, out.Status = ResultAlreadyResolved, cur.Status
		s.log.Info("action ignored; suggestion already resolved",
			logx.String("id", id), logx.String("action", string(kind)), logx.String("status", string(cur.Status)))
		return out, cur, nil
	}

	at := s.now()
	var (
		after   suggest.Suggestion
		changed bool
	)
	err = s.retryOnce(ctx, "transition", func() error {
		var err error
		after, changed, err = s.store.Transition(ctx, id, suggest.StatusPending, to, at)
		return err
	})
	switch {
	case errors.Is(err, storage.ErrNotFound):
		out.Result = ResultUnknown
		return out, suggest.Suggestion{}, nil
	case err != nil:
		s.audit(ctx, strings.ToLower(string(kind)), id, actor, suggest.StatusPending, to, err, "")
		return out, cur, fmt.Errorf("%w: %s -> %s for %s: %v", suggest.ErrStoreWriteConflict, suggest.StatusPending, to, id, err)
	case !changed:
		out.Result, out.Status = ResultAlreadyResolved, after.Status
		return out, after, nil
	}

	out.Result, out.Status = ResultApplied, to
	s.log.Info("suggestion resolved",
		logx.String("id", id), logx.String("status", string(to)), logx.Int64("actor", actor))
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeSuggestionState, Time: at, Data: StateChange{
		SuggestionID: id, From: suggest.StatusPending, To: to, At: at, ActorID: actor,
	}})
	s.audit(ctx, strings.ToLower(string(kind)), id, actor, suggest.StatusPending, to, nil, "")
	return out, after, nil
}

// afterResolve retracts the suggestion's notification and refreshes the
// rest, so an aggregate shows the new count.
func (s *Scheduler) afterResolve(ctx context.Context, id string) {
	if err := s.presenter.Retract(ctx, id); err != nil {
		s.log.Warn("notification retract failed", logx.String("id", id), logx.Err(err))
	}
	s.reconcile(ctx)
}

func commitEntry(sg suggest.Suggestion, title string, start time.Time) calendar.Entry {
	if strings.TrimSpace(title) == "" {
		title = sg.Title
	}
	if start.IsZero() {
		start = sg.Start
	}
	dur := sg.Duration()
	if dur <= 0 {
		dur = time.Hour
	}
	return calendar.Entry{
		SuggestionID: sg.ID,
		Title:        title,
		Description:  sg.Description,
		Start:        start,
		End:          start.Add(dur),
	}
}

func (s *Scheduler) audit(ctx context.Context, action, id string, actor int64, from, to suggest.Status, err error, detail string) {
	e := storage.AuditEntry{
		At:           s.now(),
		Action:       action,
		SuggestionID: id,
		ActorID:      actor,
		From:         string(from),
		To:           string(to),
		OK:           err == nil,
		Detail:       detail,
	}
	if err != nil {
		e.Error = err.Error()
	}
	if aerr := s.store.AppendAudit(ctx, e); aerr != nil {
		s.log.Warn("audit append failed", logx.String("action", action), logx.Err(aerr))
	}
}
