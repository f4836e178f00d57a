package suggest

import (
	"fmt"
	"strings"
	"time"
)

// KeyPolicy selects which candidate fields form the business key.
type KeyPolicy string

const (
	// KeyGoalSlot: same goal and same start slot.
	KeyGoalSlot KeyPolicy = "goal_slot"
	// KeyGoalDay: at most one suggestion per goal per local day.
	KeyGoalDay KeyPolicy = "goal_day"
	// KeyTitleSlot: same normalized title and same start slot.
	KeyTitleSlot KeyPolicy = "title_slot"
)

func ParseKeyPolicy(s string) (KeyPolicy, error) {
	switch p := KeyPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return KeyGoalSlot, nil
	case KeyGoalSlot, KeyGoalDay, KeyTitleSlot:
		return p, nil
	default:
		return "", fmt.Errorf("unknown dedup policy %q", s)
	}
}

// Keyer derives business keys. Two candidates with the same key are the
// same logical suggestion.
type Keyer struct {
	Policy KeyPolicy
	Slot   time.Duration
	Loc    *time.Location
}

func (k Keyer) Key(c Candidate) string {
	switch k.Policy {
	case KeyGoalDay:
		return "gd|" + strings.TrimSpace(c.GoalID) + "|" + c.Start.In(k.loc()).Format(time.DateOnly)
	case KeyTitleSlot:
		return "ts|" + normalizeTitle(c.Title) + "|" + k.slot(c.Start)
	default:
		return "gs|" + strings.TrimSpace(c.GoalID) + "|" + k.slot(c.Start)
	}
}

func (k Keyer) slot(t time.Time) string {
	g := k.Slot
	if g <= 0 {
		g = 15 * time.Minute
	}
	return t.UTC().Truncate(g).Format(time.RFC3339)
}

func (k Keyer) loc() *time.Location {
	if k.Loc == nil {
		return time.Local
	}
	return k.Loc
}

func normalizeTitle(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
