package chat

import (
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

const placeholderPrefix = "local-"

// NewPlaceholderID returns an id for an entity that exists only on this
// device. It never parses as a backend id.
func NewPlaceholderID() string {
	return placeholderPrefix + ulid.Make().String()
}

// IsPlaceholderID reports whether id cannot be sent to the backend. Backend
// ids are UUIDs; anything else was generated locally.
func IsPlaceholderID(id string) bool {
	if id == "" || strings.HasPrefix(id, placeholderPrefix) {
		return true
	}
	_, err := uuid.Parse(id)
	return err != nil
}
