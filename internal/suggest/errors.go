package suggest

import "errors"

var (
	// ErrEngineUnavailable wraps any failure of the suggestion engine.
	ErrEngineUnavailable = errors.New("suggestion engine unavailable")
	// ErrStoreWriteConflict is returned when a store write failed after retry.
	ErrStoreWriteConflict = errors.New("suggestion store write failed")
	// ErrUnknownSuggestion is returned for actions on ids the store never saw.
	ErrUnknownSuggestion = errors.New("unknown suggestion")
	// ErrMalformedNotificationPayload marks a suggestion that cannot be rendered.
	ErrMalformedNotificationPayload = errors.New("malformed notification payload")
	// ErrInvalidTransition is returned when a status change is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrMalformedAction is returned for action payloads that cannot be parsed.
	ErrMalformedAction = errors.New("malformed action payload")
)
