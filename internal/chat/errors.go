package chat

import "errors"

var (
	// ErrNetwork covers any failed request. Recoverable.
	ErrNetwork = errors.New("chat: network failure")
	// ErrPermissionDenied means the acting identity may not perform the action.
	ErrPermissionDenied = errors.New("chat: you may not act as this identity here")
	// ErrNotFound means the entity is already gone.
	ErrNotFound = errors.New("chat: not found")
	// ErrInvalidIdentifier means a local placeholder id was about to reach the backend.
	ErrInvalidIdentifier = errors.New("chat: invalid identifier format")
	// ErrNotParticipant means the identity is not an active participant of the conversation.
	ErrNotParticipant = errors.New("chat: identity is not a participant in the conversation")
	ErrEmptyMessage   = errors.New("chat: empty message (no content or attachment)")
	ErrSendInFlight   = errors.New("chat: a send is already in progress")
	// ErrStale means a result belongs to a conversation/identity pair that is no longer current.
	ErrStale  = errors.New("chat: result is stale")
	ErrClosed = errors.New("chat: closed")
)
