package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/teambition/rrule-go"

	"planbot/internal/suggest"
	logx "planbot/pkg/logx"
)

const (
	slotStep       = 30 * time.Minute
	defaultWinFrom = 9 * time.Hour
	defaultWinTo   = 18 * time.Hour
)

// Rules proposes slots without any external service. A goal with an RRULE
// gets its recurrence instances; otherwise the first free slot of each
// matching preferred window is used, one per goal per day.
type Rules struct {
	log logx.Logger
	now func() time.Time
}

func NewRules(log logx.Logger) *Rules {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Rules{log: log.With(logx.String("engine", "rules")), now: time.Now}
}

func (r *Rules) Name() string { return "rules" }

func (r *Rules) Generate(ctx context.Context, req Request) ([]suggest.Candidate, error) {
	if req.From.IsZero() {
		req.From = r.now()
	}
	goals := req.ActiveGoals()
	byGoal := make([][]suggest.Candidate, 0, len(goals))
	for _, g := range goals {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var (
			list []suggest.Candidate
			err  error
		)
		if g.RRule != "" {
			list, err = r.fromRRule(g, req)
		} else {
			list, err = r.fromWindows(g, req)
		}
		if err != nil {
			return nil, fmt.Errorf("goal %s: %w", g.ID, err)
		}
		byGoal = append(byGoal, list)
	}
	return capCandidates(byGoal, req.MaxSuggestions), nil
}

func (r *Rules) fromRRule(g suggest.Goal, req Request) ([]suggest.Candidate, error) {
	rule, err := rrule.StrToRRule(g.RRule)
	if err != nil {
		return nil, fmt.Errorf("rrule %q: %w", g.RRule, err)
	}
	loc := req.loc()
	from := req.From.In(loc)
	anchor := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, loc)
	if len(g.Preferred) > 0 {
		if start, _, err := g.Preferred[0].Bounds(); err == nil {
			anchor = anchor.Add(start)
		}
	} else {
		anchor = anchor.Add(defaultWinFrom)
	}
	rule.DTStart(anchor)

	dur := goalDuration(g)
	var out []suggest.Candidate
	for _, start := range rule.Between(req.From, req.Until(), false) {
		end := start.Add(dur)
		if conflict(req.Busy, start, end) {
			r.log.Debug("rrule slot busy", logx.String("goal", g.ID), logx.Time("start", start))
			continue
		}
		out = append(out, r.candidate(g, start, end, 0.6, "Recurring slot "+g.RRule+" is free."))
	}
	return out, nil
}

func (r *Rules) fromWindows(g suggest.Goal, req Request) ([]suggest.Candidate, error) {
	windows := g.Preferred
	if len(windows) == 0 {
		windows = []suggest.Window{{Start: fmtOffset(defaultWinFrom), End: fmtOffset(defaultWinTo)}}
	}
	loc := req.loc()
	dur := goalDuration(g)
	from := req.From.In(loc)
	day := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, loc)
	until := req.Until()

	var out []suggest.Candidate
	for ; day.Before(until); day = day.AddDate(0, 0, 1) {
	nextDay:
		for _, w := range windows {
			if !w.Matches(day.Weekday()) {
				continue
			}
			ws, we, err := w.Bounds()
			if err != nil {
				return nil, err
			}
			for off := ws; off+dur <= we; off += slotStep {
				start := day.Add(off)
				end := start.Add(dur)
				if !start.After(req.From) || start.After(until) || conflict(req.Busy, start, end) {
					continue
				}
				reason := fmt.Sprintf("Free %s slot inside your preferred window %s-%s.", dur, w.Start, w.End)
				out = append(out, r.candidate(g, start, end, 0.7, reason))
				break nextDay
			}
		}
	}
	return out, nil
}

func (r *Rules) candidate(g suggest.Goal, start, end time.Time, conf float64, reason string) suggest.Candidate {
	return suggest.Candidate{
		GoalID:      g.ID,
		Title:       g.Title,
		Description: g.Description,
		Start:       start,
		End:         end,
		Confidence:  conf,
		Reasoning:   reason,
	}
}

func conflict(busy []suggest.Busy, start, end time.Time) bool {
	for _, b := range busy {
		if b.Overlaps(start, end) {
			return true
		}
	}
	return false
}

func fmtOffset(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d", int(d/time.Hour), int(d%time.Hour/time.Minute))
}
