package chat

import "time"

// Page is one fetched batch. Items are oldest first; page 1 is the newest batch.
type Page[T any] struct {
	Items      []T `json:"items"`
	Number     int `json:"page"`
	TotalPages int `json:"total_pages"`
}

// HasMore reports whether older pages remain.
func (p Page[T]) HasMore() bool {
	return p.Number < p.TotalPages
}

// TypingSignal is an ephemeral presence broadcast. It is never stored.
type TypingSignal struct {
	ConversationID string       `json:"conversation_id"`
	SignalerID     string       `json:"signaler_id"`
	SignalerKind   IdentityKind `json:"signaler_kind"`
	IsTyping       bool         `json:"is_typing"`
	DisplayName    string       `json:"display_name,omitempty"`
	EmittedAt      time.Time    `json:"emitted_at"`
}
