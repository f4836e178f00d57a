package suggest

import (
	"fmt"
	"strings"
)

type ActionKind string

const (
	ActionAccept ActionKind = "ACCEPT"
	ActionReject ActionKind = "REJECT"
)

// Action is a user decision delivered from a notification surface.
// Title and StartTime are display hints carried with an accept.
type Action struct {
	Kind         ActionKind
	SuggestionID string
	Title        string
	StartTime    string
}

const (
	callbackPrefix = "sg"
	callbackAccept = "a"
	callbackReject = "r"
	// CallbackList asks for the pending list; attached to aggregate notifications.
	CallbackList = "sg:list"
)

// maxCallbackData is Telegram's limit on inline button payloads.
const maxCallbackData = 64

// EncodeCallback packs an action into compact button data.
func EncodeCallback(kind ActionKind, id string) string {
	code := callbackReject
	if kind == ActionAccept {
		code = callbackAccept
	}
	return callbackPrefix + ":" + code + ":" + id
}

// IsCallback reports whether data belongs to the suggestion namespace.
func IsCallback(data string) bool {
	return strings.HasPrefix(data, callbackPrefix+":")
}

// ParseCallback is the inverse of EncodeCallback.
func ParseCallback(data string) (Action, error) {
	if len(data) > maxCallbackData {
		return Action{}, fmt.Errorf("%w: payload too long", ErrMalformedAction)
	}
	parts := strings.SplitN(data, ":", 3)
	if len(parts) != 3 || parts[0] != callbackPrefix {
		return Action{}, fmt.Errorf("%w: %q", ErrMalformedAction, data)
	}
	id := strings.TrimSpace(parts[2])
	if id == "" {
		return Action{}, fmt.Errorf("%w: missing suggestion id", ErrMalformedAction)
	}
	switch parts[1] {
	case callbackAccept:
		return Action{Kind: ActionAccept, SuggestionID: id}, nil
	case callbackReject:
		return Action{Kind: ActionReject, SuggestionID: id}, nil
	default:
		return Action{}, fmt.Errorf("%w: unknown action %q", ErrMalformedAction, parts[1])
	}
}
