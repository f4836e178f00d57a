package notifier

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"planbot/internal/suggest"
)

// NotificationID derives a stable per-suggestion notification id.
func NotificationID(suggestionID string) string {
	h := fnv.New32a()
	h.Write([]byte(suggestionID))
	return "sg-" + strconv.FormatUint(uint64(h.Sum32()), 16)
}

// ValidatePayload reports suggestions that cannot be rendered safely.
func ValidatePayload(s suggest.Suggestion) error {
	switch {
	case strings.TrimSpace(s.ID) == "":
		return fmt.Errorf("%w: missing id", suggest.ErrMalformedNotificationPayload)
	case strings.TrimSpace(s.Title) == "":
		return fmt.Errorf("%w: %s: empty title", suggest.ErrMalformedNotificationPayload, s.ID)
	case !utf8.ValidString(s.Title) || !utf8.ValidString(s.Description):
		return fmt.Errorf("%w: %s: invalid utf-8", suggest.ErrMalformedNotificationPayload, s.ID)
	case s.Start.IsZero():
		return fmt.Errorf("%w: %s: missing start time", suggest.ErrMalformedNotificationPayload, s.ID)
	}
	return nil
}

// Desired computes the notification set that should be visible for the
// given pending suggestions. Malformed suggestions are returned in skipped
// and never rendered.
func Desired(pending []suggest.Suggestion, loc *time.Location, maxListed int) (want []Notification, skipped []error) {
	valid := make([]suggest.Suggestion, 0, len(pending))
	for _, s := range pending {
		if s.Status != suggest.StatusPending {
			continue
		}
		if err := ValidatePayload(s); err != nil {
			skipped = append(skipped, err)
			continue
		}
		valid = append(valid, s)
	}
	switch len(valid) {
	case 0:
		return nil, skipped
	case 1:
		return []Notification{renderDetail(valid[0], loc)}, skipped
	default:
		return []Notification{renderAggregate(valid, loc, maxListed)}, skipped
	}
}

func renderDetail(s suggest.Suggestion, loc *time.Location) Notification {
	body := joinNonEmpty("\n",
		s.Title,
		strings.TrimSpace(s.Description),
		"When: "+formatSlot(s.Start, s.End, loc),
		confidenceLine(s.Confidence),
		strings.TrimSpace(s.Reasoning),
	)
	return Notification{
		ID:      NotificationID(s.ID),
		Channel: Channel,
		Title:   "Schedule suggestion",
		Body:    body,
		Actions: []ActionButton{
			{Label: "Accept", Data: suggest.EncodeCallback(suggest.ActionAccept, s.ID)},
			{Label: "Reject", Data: suggest.EncodeCallback(suggest.ActionReject, s.ID)},
		},
		Covers: []string{s.ID},
	}
}

func renderAggregate(list []suggest.Suggestion, loc *time.Location, maxListed int) Notification {
	if maxListed <= 0 {
		maxListed = 10
	}
	var b strings.Builder
	fmt.Fprintf(&b, "You have %d new schedule suggestions.", len(list))
	covers := make([]string, 0, len(list))
	for i, s := range list {
		covers = append(covers, s.ID)
		if i < maxListed {
			fmt.Fprintf(&b, "\n- %s (%s)", s.Title, formatSlot(s.Start, s.End, loc))
		}
	}
	if extra := len(list) - maxListed; extra > 0 {
		fmt.Fprintf(&b, "\n...and %d more", extra)
	}
	return Notification{
		ID:        AggregateID,
		Channel:   Channel,
		Title:     "Schedule suggestions available",
		Body:      b.String(),
		Actions:   []ActionButton{{Label: "Review", Data: suggest.CallbackList}},
		Aggregate: true,
		Covers:    covers,
	}
}

// formatSlot renders "Mon 2 Jan 07:00-07:30" in loc.
func formatSlot(start, end time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	s := start.In(loc).Format("Mon 2 Jan 15:04")
	if end.IsZero() || !end.After(start) {
		return s
	}
	e := end.In(loc)
	if sameDay(start.In(loc), e) {
		return s + "-" + e.Format("15:04")
	}
	return s + " - " + e.Format("Mon 2 Jan 15:04")
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func confidenceLine(c float64) string {
	if c <= 0 {
		return ""
	}
	return fmt.Sprintf("Confidence: %.0f%%", min(c, 1)*100)
}

// RenderPendingList is the text answer to the aggregate's Review action and
// the /pending command: one detailed entry per suggestion.
func RenderPendingList(pending []suggest.Suggestion, loc *time.Location) []Notification {
	out := make([]Notification, 0, len(pending))
	for _, s := range pending {
		if ValidatePayload(s) != nil {
			continue
		}
		out = append(out, renderDetail(s, loc))
	}
	return out
}
