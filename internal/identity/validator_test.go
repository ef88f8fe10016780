package identity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/comigor/chatsync/internal/chat"
)

func TestValidate(t *testing.T) {
	left := time.Now().Add(-time.Hour)
	conv := chat.Conversation{
		ID:   "c1",
		Type: chat.TypePersonOrg,
		Participants: []chat.Participant{
			{ID: "ana", Kind: chat.KindPerson},
			{ID: "acme", Kind: chat.KindOrganization},
			{ID: "bob", Kind: chat.KindPerson, LeftAt: &left},
		},
	}

	tests := []struct {
		name string
		id   chat.Identity
		want bool
	}{
		{"active person", chat.Identity{ID: "ana", Kind: chat.KindPerson}, true},
		{"active organization", chat.Identity{ID: "acme", Kind: chat.KindOrganization}, true},
		{"departed", chat.Identity{ID: "bob", Kind: chat.KindPerson}, false},
		{"absent", chat.Identity{ID: "zoe", Kind: chat.KindPerson}, false},
		{"kind mismatch", chat.Identity{ID: "acme", Kind: chat.KindPerson}, false},
		{"zero identity", chat.Identity{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Validate(conv, tt.id))
		})
	}
}

func TestCounterpartsSkipsSelfAndDeparted(t *testing.T) {
	left := time.Now()
	conv := chat.Conversation{Participants: []chat.Participant{
		{ID: "ana", Kind: chat.KindPerson},
		{ID: "acme", Kind: chat.KindOrganization},
		{ID: "bob", Kind: chat.KindPerson, LeftAt: &left},
	}}
	got := Counterparts(conv, chat.Identity{ID: "ana", Kind: chat.KindPerson})
	require.Len(t, got, 1)
	require.Equal(t, "acme", got[0].ID)
}

func TestAdmits(t *testing.T) {
	conv := chat.Conversation{ID: "c1", Participants: []chat.Participant{{ID: "ana", Kind: chat.KindPerson}}}
	ana := chat.Identity{ID: "ana", Kind: chat.KindPerson}

	require.True(t, Admits(conv, ana, "c1"))
	require.True(t, Admits(conv, ana, ""))
	require.False(t, Admits(conv, ana, "c2"))
	require.False(t, Admits(conv, chat.Identity{ID: "acme", Kind: chat.KindOrganization}, "c1"))
}
