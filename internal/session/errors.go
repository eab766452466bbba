package session

import "errors"

// Typed failures surfaced to the dispatch facade. Callers match with
// errors.Is; transport-level errors pass through untouched so callers can
// additionally match transport.ErrRecipientNotFound.
var (
	// ErrNotReady is returned by Send outside the Ready phase. The message
	// is never queued; callers retry once the session reports Ready.
	ErrNotReady = errors.New("session: not ready")

	// ErrNotFound is returned when no live session exists for the user.
	ErrNotFound = errors.New("session: not found")

	// ErrAuthFailed marks a session whose pairing was rejected. It stays
	// registered but unusable until removed and recreated.
	ErrAuthFailed = errors.New("session: authentication failed")
)
