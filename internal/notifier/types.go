package notifier

import (
	"context"
	"hash/fnv"
	"strconv"
	"strings"
	"time"
)

const (
	// Channel groups every suggestion notification.
	Channel = "schedule_suggestions"
	// AggregateID is the fixed id of the "N suggestions" notification.
	AggregateID = "sg-aggregate"
)

type Config struct {
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
	Location      *time.Location
	// MaxListed caps how many titles the aggregate lists.
	MaxListed int
}

// ActionButton is one tappable action on a notification.
type ActionButton struct {
	Label string
	Data  string
}

// Notification is the rendered, surface-neutral form.
type Notification struct {
	ID        string
	Channel   string
	Title     string
	Body      string
	Actions   []ActionButton
	Aggregate bool
	// Covers lists the suggestion ids this notification stands for.
	Covers []string
}

// SuggestionID is the single covered id of a detailed notification.
func (n Notification) SuggestionID() string {
	if n.Aggregate || len(n.Covers) != 1 {
		return ""
	}
	return n.Covers[0]
}

// Digest changes whenever the visible content changes.
func (n Notification) Digest() string {
	h := fnv.New64a()
	write := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	write(n.Title)
	write(n.Body)
	for _, a := range n.Actions {
		write(a.Label)
		write(a.Data)
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

// Surface is where notifications become visible.
type Surface interface {
	Name() string
	Show(ctx context.Context, n Notification) (handle string, err error)
	Update(ctx context.Context, handle string, n Notification) error
	Retract(ctx context.Context, handle string) error
}

// Result summarizes one reconcile pass.
type Result struct {
	Shown     []string // notification ids newly shown
	Updated   []string
	Retracted []string
	Skipped   []string // suggestion ids with malformed payloads
	Failed    int
	// Notified lists suggestion ids now visible through a shown or updated notification.
	Notified []string
}

// Event is published on the bus for presenter activity.
type Event struct {
	NotificationID string    `json:"notification_id"`
	Surface        string    `json:"surface"`
	Covers         []string  `json:"covers,omitempty"`
	At             time.Time `json:"at"`
	Error          string    `json:"error,omitempty"`
}

func joinNonEmpty(sep string, parts ...string) string {
	out := parts[:0:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, sep)
}
