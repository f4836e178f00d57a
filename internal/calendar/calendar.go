// Package calendar commits accepted suggestions to a calendar and loads
// busy intervals used as engine context.
package calendar

import (
	"context"
	"fmt"
	"strings"
	"time"

	logx "planbot/pkg/logx"
)

// Entry is what an accepted suggestion becomes on the calendar.
type Entry struct {
	SuggestionID string
	Title        string
	Description  string
	Start        time.Time
	End          time.Time
}

func (e Entry) validate() error {
	switch {
	case strings.TrimSpace(e.SuggestionID) == "":
		return fmt.Errorf("calendar entry %q: missing suggestion id", e.Title)
	case strings.TrimSpace(e.Title) == "":
		return fmt.Errorf("calendar entry %s: missing title", e.SuggestionID)
	case e.Start.IsZero() || !e.End.After(e.Start):
		return fmt.Errorf("calendar entry %s: invalid range %s..%s", e.SuggestionID, e.Start, e.End)
	}
	return nil
}

// Committer performs the external side effect of an accept. Commit must be
// safe to repeat for the same SuggestionID: a repeat returns the original
// reference instead of creating a second entry.
type Committer interface {
	Name() string
	Commit(ctx context.Context, e Entry) (ref string, err error)
}

type Config struct {
	Commit  string
	ICSPath string
	Google  GoogleConfig
}

// New builds the configured committer. An empty kind means none.
func New(ctx context.Context, cfg Config, log logx.Logger) (Committer, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch kind := strings.ToLower(strings.TrimSpace(cfg.Commit)); kind {
	case "", "none":
		return NewNone(log), nil
	case "ics":
		return NewICSFile(cfg.ICSPath, log)
	case "google":
		return NewGoogle(ctx, cfg.Google, log)
	default:
		return nil, fmt.Errorf("unknown calendar commit target %q", kind)
	}
}

// None records accepts in the log only.
type None struct {
	log logx.Logger
}

func NewNone(log logx.Logger) *None {
	return &None{log: log.With(logx.String("calendar", "none"))}
}

func (n *None) Name() string { return "none" }

func (n *None) Commit(_ context.Context, e Entry) (string, error) {
	if err := e.validate(); err != nil {
		return "", err
	}
	n.log.Info("accepted suggestion (no calendar configured)",
		logx.String("id", e.SuggestionID), logx.String("title", e.Title), logx.Time("start", e.Start))
	return "", nil
}
