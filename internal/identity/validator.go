// Package identity decides whether the acting profile may see a conversation.
package identity

import "github.com/comigor/chatsync/internal/chat"

// Validate reports whether id is an active participant of conv with a
// matching kind. A departed participant is never valid.
func Validate(conv chat.Conversation, id chat.Identity) bool {
	_, ok := ActiveParticipant(conv, id)
	return ok
}

// ActiveParticipant returns the non-departed participant entry for id.
func ActiveParticipant(conv chat.Conversation, id chat.Identity) (chat.Participant, bool) {
	if id.IsZero() {
		return chat.Participant{}, false
	}
	for _, p := range conv.Participants {
		if p.Is(id) && p.Active() {
			return p, true
		}
	}
	return chat.Participant{}, false
}

// Counterparts returns the active participants other than id.
func Counterparts(conv chat.Conversation, id chat.Identity) []chat.Participant {
	out := make([]chat.Participant, 0, len(conv.Participants))
	for _, p := range conv.Participants {
		if p.Active() && !p.Is(id) {
			out = append(out, p)
		}
	}
	return out
}

// Admits reports whether an inbound record for conversationID may be applied
// while conv is open as id. It is the gate every realtime event passes.
func Admits(conv chat.Conversation, id chat.Identity, conversationID string) bool {
	if conversationID != "" && conversationID != conv.ID {
		return false
	}
	return Validate(conv, id)
}
