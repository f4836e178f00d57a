package storage

import (
	"context"
	"errors"
	"time"

	"planbot/internal/suggest"
)

var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("store closed")
)

// Config selects and configures a driver.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only
}

// Store is the persistence contract used by the lifecycle and presenter.
type Store interface {
	// Insert stores s unless a record with the same ID or Key exists.
	Insert(ctx context.Context, s suggest.Suggestion) (inserted bool, err error)
	Get(ctx context.Context, id string) (suggest.Suggestion, bool, error)
	FindByKey(ctx context.Context, key string) (suggest.Suggestion, bool, error)
	ListByStatus(ctx context.Context, status suggest.Status) ([]suggest.Suggestion, error)
	// ListResolvedBefore returns terminal suggestions resolved before t.
	ListResolvedBefore(ctx context.Context, t time.Time) ([]suggest.Suggestion, error)
	// Transition moves id from -> to only if its current status is from.
	// changed is false when the current status differs; the returned
	// suggestion is the current record either way. Missing ids yield ErrNotFound.
	Transition(ctx context.Context, id string, from, to suggest.Status, at time.Time) (cur suggest.Suggestion, changed bool, err error)
	SetNotified(ctx context.Context, id string, at time.Time) error
	SetCommitRef(ctx context.Context, id, ref string) error
	Delete(ctx context.Context, id string) error

	GetMeta(ctx context.Context, key string) (string, bool, error)
	PutMeta(ctx context.Context, key, value string) error

	PutShown(ctx context.Context, n Shown) error
	DeleteShown(ctx context.Context, notificationID string) error
	ListShown(ctx context.Context) ([]Shown, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Shown is one ledger row: a notification currently visible on a surface.
type Shown struct {
	NotificationID string    `json:"notification_id"`
	SuggestionID   string    `json:"suggestion_id,omitempty"` // empty for the aggregate
	Handle         string    `json:"handle"`
	Digest         string    `json:"digest"`
	ShownAt        time.Time `json:"shown_at"`
}

// AuditEntry records one lifecycle decision.
type AuditEntry struct {
	At           time.Time `json:"at"`
	Action       string    `json:"action"`
	SuggestionID string    `json:"suggestion_id,omitempty"`
	ActorID      int64     `json:"actor_id,omitempty"`
	From         string    `json:"from,omitempty"`
	To           string    `json:"to,omitempty"`
	OK           bool      `json:"ok"`
	Error        string    `json:"err,omitempty"`
	Detail       string    `json:"detail,omitempty"`
}

// Meta keys used by the scheduler.
const (
	MetaScheduledAt = "alarm.scheduled_at"
	MetaLastRunAt   = "cycle.last_run_at"
)
