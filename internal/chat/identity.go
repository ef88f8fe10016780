package chat

import "fmt"

// IdentityKind distinguishes personal profiles from organizational ones.
type IdentityKind string

const (
	KindPerson       IdentityKind = "person"
	KindOrganization IdentityKind = "organization"
)

// Valid reports whether k is a known identity kind.
func (k IdentityKind) Valid() bool {
	return k == KindPerson || k == KindOrganization
}

// ParseIdentityKind accepts the kind names used by the backend, including the
// legacy "company" alias for organizations.
func ParseIdentityKind(s string) (IdentityKind, error) {
	switch s {
	case "person", "user":
		return KindPerson, nil
	case "organization", "company", "org":
		return KindOrganization, nil
	}
	return "", fmt.Errorf("chat: unknown identity kind %q", s)
}

// Identity is the profile a session currently acts as.
type Identity struct {
	ID          string       `json:"id" mapstructure:"id"`
	Kind        IdentityKind `json:"kind" mapstructure:"kind"`
	DisplayName string       `json:"display_name,omitempty" mapstructure:"display_name"`
	AvatarURL   string       `json:"avatar_url,omitempty" mapstructure:"avatar_url"`
}

// IsZero reports whether no identity has been selected.
func (i Identity) IsZero() bool {
	return i.ID == ""
}

// Same reports whether two identities refer to the same profile. Display data
// is ignored.
func (i Identity) Same(o Identity) bool {
	return i.ID == o.ID && i.Kind == o.Kind
}

func (i Identity) String() string {
	return string(i.Kind) + ":" + i.ID
}

// ConversationType is derived from the identity kinds of both endpoints.
type ConversationType string

const (
	TypePersonPerson ConversationType = "person_person"
	TypePersonOrg    ConversationType = "person_org"
	TypeOrgOrg       ConversationType = "org_org"
)

// Classify returns the conversation type for a pair of endpoints. The result
// is symmetric: a mixed pair is always person_org, whichever side initiates.
func Classify(a, b IdentityKind) ConversationType {
	switch {
	case a == KindPerson && b == KindPerson:
		return TypePersonPerson
	case a == KindOrganization && b == KindOrganization:
		return TypeOrgOrg
	default:
		return TypePersonOrg
	}
}
