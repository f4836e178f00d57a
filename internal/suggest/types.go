package suggest

import (
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusPending  Status = "PENDING"
	StatusAccepted Status = "ACCEPTED"
	StatusRejected Status = "REJECTED"
	StatusExpired  Status = "EXPIRED"
)

func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// Terminal statuses never change again.
func (s Status) Terminal() bool {
	return s == StatusAccepted || s == StatusRejected || s == StatusExpired
}

// CanTransition reports whether from -> to is a legal status change.
// Only PENDING may move, and only to a terminal status.
func CanTransition(from, to Status) bool {
	return from == StatusPending && to.Terminal()
}

// Suggestion is a persisted proposal for one goal slot.
type Suggestion struct {
	ID          string    `json:"id"`
	Key         string    `json:"key"`
	GoalID      string    `json:"goal_id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Confidence  float64   `json:"confidence"`
	Reasoning   string    `json:"reasoning,omitempty"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	NotifiedAt  time.Time `json:"notified_at,omitzero"`
	ResolvedAt  time.Time `json:"resolved_at,omitzero"`
	CommitRef   string    `json:"commit_ref,omitempty"`
}

// Duration is End-Start, or zero when End is unset.
func (s Suggestion) Duration() time.Duration {
	if s.End.IsZero() || s.End.Before(s.Start) {
		return 0
	}
	return s.End.Sub(s.Start)
}

// Candidate is what an engine returns before the lifecycle assigns an id
// and a business key.
type Candidate struct {
	GoalID      string    `json:"goal_id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Start       time.Time `json:"start_time"`
	End         time.Time `json:"end_time"`
	Confidence  float64   `json:"confidence_score"`
	Reasoning   string    `json:"reasoning,omitempty"`
}

// Validate rejects candidates that could never become a usable suggestion.
func (c Candidate) Validate() error {
	switch {
	case strings.TrimSpace(c.GoalID) == "":
		return fmt.Errorf("candidate %q: missing goal id", c.Title)
	case strings.TrimSpace(c.Title) == "":
		return fmt.Errorf("candidate for goal %s: missing title", c.GoalID)
	case c.Start.IsZero():
		return fmt.Errorf("candidate %q: missing start time", c.Title)
	case !c.End.IsZero() && !c.End.After(c.Start):
		return fmt.Errorf("candidate %q: end %s not after start %s", c.Title, c.End, c.Start)
	}
	return nil
}

// Goal is a user objective the engine schedules time for.
type Goal struct {
	ID          string
	Title       string
	Description string
	Duration    time.Duration
	RRule       string
	Preferred   []Window
	Active      bool
}

// Window is a preferred time range on a weekday. An empty Weekday matches
// every day.
type Window struct {
	Weekday string
	Start   string // HH:MM
	End     string // HH:MM
}

// Matches reports whether the window applies on day.
func (w Window) Matches(day time.Weekday) bool {
	wd := strings.ToLower(strings.TrimSpace(w.Weekday))
	if wd == "" || wd == "*" {
		return true
	}
	d, ok := ParseWeekday(wd)
	return ok && d == day
}

// Bounds returns the window's start and end offsets from midnight.
func (w Window) Bounds() (start, end time.Duration, err error) {
	sh, sm, err := ParseHHMM(w.Start)
	if err != nil {
		return 0, 0, err
	}
	eh, em, err := ParseHHMM(w.End)
	if err != nil {
		return 0, 0, err
	}
	start = time.Duration(sh)*time.Hour + time.Duration(sm)*time.Minute
	end = time.Duration(eh)*time.Hour + time.Duration(em)*time.Minute
	if end <= start {
		return 0, 0, fmt.Errorf("window %s-%s: end must be after start", w.Start, w.End)
	}
	return start, end, nil
}

// Busy is an interval already taken on the user's calendar.
type Busy struct {
	Summary string
	Start   time.Time
	End     time.Time
}

// Overlaps reports whether [start,end) intersects the busy interval.
func (b Busy) Overlaps(start, end time.Time) bool {
	return start.Before(b.End) && end.After(b.Start)
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

func ParseWeekday(s string) (time.Weekday, bool) {
	d, ok := weekdays[strings.ToLower(strings.TrimSpace(s))]
	return d, ok
}

// ParseHHMM parses a 24h "HH:MM" clock time.
func ParseHHMM(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time %q (want HH:MM)", s)
	}
	return t.Hour(), t.Minute(), nil
}
