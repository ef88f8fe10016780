package chat

import (
	"strings"
	"time"
)

// MessageKind is the content kind of a message.
type MessageKind string

const (
	MessageText   MessageKind = "text"
	MessageImage  MessageKind = "image"
	MessageFile   MessageKind = "file"
	MessageSystem MessageKind = "system"
)

// Attachment describes an uploaded file referenced by a message.
type Attachment struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size"`
}

// Sender identifies who wrote a message. DisplayName and AvatarURL are often
// missing from realtime payloads and are filled in by hydration.
type Sender struct {
	ID          string       `json:"sender_id"`
	Kind        IdentityKind `json:"sender_kind"`
	DisplayName string       `json:"sender_name,omitempty"`
	AvatarURL   string       `json:"sender_avatar_url,omitempty"`
}

// ReadMarker records that a reader has seen a message.
type ReadMarker struct {
	ReaderID string    `json:"reader_id"`
	ReadAt   time.Time `json:"read_at"`
}

// Message is a single chat message.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversation_id"`
	Sender         Sender       `json:"sender"`
	Content        string       `json:"content"`
	Kind           MessageKind  `json:"kind"`
	Attachment     *Attachment  `json:"attachment,omitempty"`
	SentAt         time.Time    `json:"sent_at"`
	EditedAt       *time.Time   `json:"edited_at,omitempty"`
	ReplyToID      string       `json:"reply_to_id,omitempty"`
	ReadBy         []ReadMarker `json:"read_by,omitempty"`
}

// Key implements cache.Keyed.
func (m Message) Key() string { return m.ID }

// Empty reports whether the message carries neither text nor an attachment.
func (m Message) Empty() bool {
	return strings.TrimSpace(m.Content) == "" && m.Attachment == nil
}

// MessageOlder orders messages by send time, oldest first.
func MessageOlder(a, b Message) bool {
	return a.SentAt.Before(b.SentAt)
}

// MergeMessage applies an update payload on top of the cached copy. Fields a
// sparse payload leaves blank keep their cached values.
func MergeMessage(cached, update Message) Message {
	out := update
	if out.ConversationID == "" {
		out.ConversationID = cached.ConversationID
	}
	if out.Sender.ID == "" {
		out.Sender = cached.Sender
	} else if out.Sender.ID == cached.Sender.ID {
		if out.Sender.DisplayName == "" {
			out.Sender.DisplayName = cached.Sender.DisplayName
		}
		if out.Sender.AvatarURL == "" {
			out.Sender.AvatarURL = cached.Sender.AvatarURL
		}
		if out.Sender.Kind == "" {
			out.Sender.Kind = cached.Sender.Kind
		}
	}
	if out.Kind == "" {
		out.Kind = cached.Kind
	}
	if out.Attachment == nil {
		out.Attachment = cached.Attachment
	}
	if out.SentAt.IsZero() {
		out.SentAt = cached.SentAt
	}
	if out.ReplyToID == "" {
		out.ReplyToID = cached.ReplyToID
	}
	if out.ReadBy == nil {
		out.ReadBy = cached.ReadBy
	}
	return out
}
