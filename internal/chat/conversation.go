package chat

import "time"

// Participant is one endpoint of a conversation.
type Participant struct {
	ID          string       `json:"participant_id"`
	Kind        IdentityKind `json:"participant_kind"`
	DisplayName string       `json:"display_name,omitempty"`
	AvatarURL   string       `json:"avatar_url,omitempty"`
	LastReadAt  *time.Time   `json:"last_read_at,omitempty"`
	LeftAt      *time.Time   `json:"left_at,omitempty"`
}

// Active reports whether the participant has not departed.
func (p Participant) Active() bool {
	return p.LeftAt == nil
}

// Is reports whether the participant is the given identity.
func (p Participant) Is(id Identity) bool {
	return p.ID == id.ID && p.Kind == id.Kind
}

// MarkRead advances the read marker. Markers never move backwards.
func (p *Participant) MarkRead(at time.Time) bool {
	if p.LastReadAt != nil && !at.After(*p.LastReadAt) {
		return false
	}
	t := at
	p.LastReadAt = &t
	return true
}

// Conversation is a durable thread with a typed participant set.
type Conversation struct {
	ID             string           `json:"id"`
	Type           ConversationType `json:"type"`
	Participants   []Participant    `json:"participants"`
	Name           string           `json:"name,omitempty"`
	LastActivityAt time.Time        `json:"last_activity_at"`
	LastMessage    string           `json:"last_message_preview,omitempty"`
}

// Key implements cache.Keyed.
func (c Conversation) Key() string { return c.ID }

// Participant returns the entry for id, active or not.
func (c Conversation) Participant(id Identity) (Participant, bool) {
	for _, p := range c.Participants {
		if p.Is(id) {
			return p, true
		}
	}
	return Participant{}, false
}

// ConversationOlder orders conversations by last activity, oldest first.
func ConversationOlder(a, b Conversation) bool {
	return a.LastActivityAt.Before(b.LastActivityAt)
}
