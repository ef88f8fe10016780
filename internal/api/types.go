package api

import (
	"encoding/json"
	"io"

	"github.com/comigor/chatsync/internal/chat"
)

// envelope is the one response shape the backend returns. Anything else is
// rejected rather than guessed at.
type envelope struct {
	Success    bool            `json:"success"`
	Data       json.RawMessage `json:"data"`
	Error      string          `json:"error,omitempty"`
	Pagination *pagination     `json:"pagination,omitempty"`
}

type pagination struct {
	Page       int `json:"page"`
	TotalPages int `json:"totalPages"`
}

// SendMessageRequest is the body of a send call.
type SendMessageRequest struct {
	ConversationID string           `json:"-"`
	Content        string           `json:"content"`
	Kind           chat.MessageKind `json:"kind"`
	Attachment     *chat.Attachment `json:"attachment,omitempty"`
	ReplyToID      string           `json:"reply_to_id,omitempty"`
}

type editMessageRequest struct {
	Content string `json:"content"`
}

// CreateConversationRequest opens a direct conversation.
type CreateConversationRequest struct {
	Type         chat.ConversationType `json:"type"`
	Participants []chat.Participant    `json:"participants"`
	Name         string                `json:"name,omitempty"`
}

// UploadRequest is a file to upload before sending it as an attachment.
type UploadRequest struct {
	Body     io.Reader
	Name     string
	MimeType string
}

// UploadResult is what the upload service returns.
type UploadResult struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}
