// Package engine produces candidate suggestions for the lifecycle scheduler.
//
// Two implementations exist: Remote asks an OpenAI-compatible chat
// completions endpoint, Rules expands recurrence rules and preferred windows
// locally. Both honor the same contract: an error means nothing usable was
// produced, never a partial list.
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"planbot/internal/suggest"
	logx "planbot/pkg/logx"
)

// Request is the context handed to an engine for one check cycle.
type Request struct {
	Goals          []suggest.Goal
	From           time.Time
	HorizonDays    int
	Busy           []suggest.Busy
	MaxSuggestions int
	Location       *time.Location
}

// Until is the end of the look-ahead window.
func (r Request) Until() time.Time {
	days := r.HorizonDays
	if days <= 0 {
		days = 7
	}
	return r.From.AddDate(0, 0, days)
}

func (r Request) loc() *time.Location {
	if r.Location == nil {
		return time.Local
	}
	return r.Location
}

// ActiveGoals filters out disabled goals.
func (r Request) ActiveGoals() []suggest.Goal {
	out := make([]suggest.Goal, 0, len(r.Goals))
	for _, g := range r.Goals {
		if g.Active {
			out = append(out, g)
		}
	}
	return out
}

// BusyBetween returns busy intervals that intersect [from, until).
func (r Request) BusyBetween(from, until time.Time) []suggest.Busy {
	var out []suggest.Busy
	for _, b := range r.Busy {
		if b.Overlaps(from, until) {
			out = append(out, b)
		}
	}
	return out
}

type Engine interface {
	Name() string
	Generate(ctx context.Context, req Request) ([]suggest.Candidate, error)
}

// Config selects and configures an engine.
type Config struct {
	Driver         string
	Endpoint       string
	APIKey         string
	Model          string
	Temperature    float64
	MaxSuggestions int
}

// New builds the configured engine. An empty driver means rules.
func New(cfg Config, log logx.Logger) (Engine, error) {
	switch d := strings.ToLower(strings.TrimSpace(cfg.Driver)); d {
	case "", "rules":
		return NewRules(log), nil
	case "remote":
		return NewRemote(RemoteConfig{
			Endpoint:    cfg.Endpoint,
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
		}, log)
	default:
		return nil, fmt.Errorf("unknown engine driver %q", d)
	}
}

const defaultDuration = time.Hour

func goalDuration(g suggest.Goal) time.Duration {
	if g.Duration <= 0 {
		return defaultDuration
	}
	return g.Duration
}

// capCandidates keeps at most limit candidates, taking them round-robin
// across goals.
func capCandidates(byGoal [][]suggest.Candidate, limit int) []suggest.Candidate {
	total := 0
	for _, l := range byGoal {
		total += len(l)
	}
	if limit <= 0 || limit > total {
		limit = total
	}
	out := make([]suggest.Candidate, 0, limit)
	for i := 0; len(out) < limit; i++ {
		for _, l := range byGoal {
			if i < len(l) && len(out) < limit {
				out = append(out, l[i])
			}
		}
	}
	return out
}
