package realtime

import "github.com/comigor/chatsync/internal/chat"

// Hydrator fills sparse sender data on realtime payloads from what the client
// already knows. It never invents data: unknown senders stay blank.
type Hydrator struct {
	Self         chat.Identity
	Participants []chat.Participant
}

// Hydrate completes m.Sender in place.
func (h Hydrator) Hydrate(m *chat.Message) {
	s := &m.Sender
	if s.ID == "" || (s.DisplayName != "" && s.AvatarURL != "" && s.Kind != "") {
		return
	}
	if s.ID == h.Self.ID && (s.Kind == "" || s.Kind == h.Self.Kind) {
		fill(s, h.Self.Kind, h.Self.DisplayName, h.Self.AvatarURL)
		return
	}
	for _, p := range h.Participants {
		if p.ID != s.ID || (s.Kind != "" && p.Kind != s.Kind) {
			continue
		}
		fill(s, p.Kind, p.DisplayName, p.AvatarURL)
		return
	}
}

func fill(s *chat.Sender, kind chat.IdentityKind, name, avatar string) {
	if s.Kind == "" {
		s.Kind = kind
	}
	if s.DisplayName == "" {
		s.DisplayName = name
	}
	if s.AvatarURL == "" {
		s.AvatarURL = avatar
	}
}
