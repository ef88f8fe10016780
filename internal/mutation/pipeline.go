// Package mutation sends, edits, deletes and marks messages read on behalf of
// one open conversation.
package mutation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/comigor/chatsync/internal/api"
	"github.com/comigor/chatsync/internal/cache"
	"github.com/comigor/chatsync/internal/chat"
	"github.com/comigor/chatsync/internal/logger"
	"github.com/comigor/chatsync/internal/metrics"
)

// ErrNotConfirmed is returned when a delete was not confirmed by the user.
var ErrNotConfirmed = errors.New("mutation: delete not confirmed")

// MessageAPI is the subset of the backend the pipeline calls.
type MessageAPI interface {
	SendMessage(ctx context.Context, as chat.Identity, req api.SendMessageRequest) (chat.Message, error)
	EditMessage(ctx context.Context, as chat.Identity, id, content string) (chat.Message, error)
	DeleteMessage(ctx context.Context, as chat.Identity, id string) error
	GetMessage(ctx context.Context, as chat.Identity, id string) (chat.Message, error)
	MarkRead(ctx context.Context, as chat.Identity, conversationID string) error
	Upload(ctx context.Context, as chat.Identity, req api.UploadRequest) (api.UploadResult, error)
}

// Confirmer asks the user to confirm a destructive action.
type Confirmer func(ctx context.Context, m chat.Message) bool

// Compose is the input state of the message being written.
type Compose struct {
	Text       string
	ReplyToID  string
	Attachment *api.UploadRequest
}

type readState int

const (
	readPending readState = iota
	readInFlight
	readDone
)

// Pipeline is bound to one (conversation, identity) pair. A new pipeline is
// built whenever either changes; Close detaches the old one so late results
// never touch the cache.
type Pipeline struct {
	api            MessageAPI
	cache          *cache.PageSet[chat.Message]
	conversationID string
	as             chat.Identity
	onChange       func()

	mu      sync.Mutex
	compose Compose
	read    readState

	sending atomic.Bool
	closed  atomic.Bool
}

// New creates a Pipeline. onChange may be nil.
func New(a MessageAPI, c *cache.PageSet[chat.Message], conversationID string, as chat.Identity, onChange func()) *Pipeline {
	if onChange == nil {
		onChange = func() {}
	}
	return &Pipeline{api: a, cache: c, conversationID: conversationID, as: as, onChange: onChange}
}

// Close detaches the pipeline from the cache.
func (p *Pipeline) Close() { p.closed.Store(true) }

// Compose returns a copy of the current input state.
func (p *Pipeline) Compose() Compose {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.compose
}

// SetText replaces the compose text.
func (p *Pipeline) SetText(text string) {
	p.mu.Lock()
	p.compose.Text = text
	p.mu.Unlock()
}

// SetReplyTo sets the message being replied to. An empty id clears it.
func (p *Pipeline) SetReplyTo(id string) {
	p.mu.Lock()
	p.compose.ReplyToID = id
	p.mu.Unlock()
}

// SetAttachment stages a file to upload with the next send. nil clears it.
func (p *Pipeline) SetAttachment(a *api.UploadRequest) {
	p.mu.Lock()
	p.compose.Attachment = a
	p.mu.Unlock()
}

// Sending reports whether a send is outstanding.
func (p *Pipeline) Sending() bool { return p.sending.Load() }

// Send submits the compose state. The compose box is cleared immediately; on
// failure the text is put back. The returned message is not inserted into
// the cache: it appears when the realtime insert event arrives.
func (p *Pipeline) Send(ctx context.Context) (msg chat.Message, err error) {
	if !p.sending.CompareAndSwap(false, true) {
		return chat.Message{}, chat.ErrSendInFlight
	}
	defer p.sending.Store(false)
	defer func() { record("send", err) }()

	p.mu.Lock()
	draft := p.compose
	if strings.TrimSpace(draft.Text) == "" && draft.Attachment == nil {
		p.mu.Unlock()
		return chat.Message{}, chat.ErrEmptyMessage
	}
	p.compose = Compose{}
	p.mu.Unlock()

	req := api.SendMessageRequest{
		ConversationID: p.conversationID,
		Content:        strings.TrimSpace(draft.Text),
		Kind:           chat.MessageText,
		ReplyToID:      draft.ReplyToID,
	}

	if draft.Attachment != nil {
		up, err := p.api.Upload(ctx, p.as, *draft.Attachment)
		if err != nil {
			p.restoreText(draft.Text)
			return chat.Message{}, fmt.Errorf("upload attachment: %w", err)
		}
		req.Attachment = &chat.Attachment{URL: up.URL, Filename: up.Filename, MimeType: draft.Attachment.MimeType, Size: up.Size}
		req.Kind = chat.MessageFile
		if strings.HasPrefix(draft.Attachment.MimeType, "image/") {
			req.Kind = chat.MessageImage
		}
	}

	msg, err = p.api.SendMessage(ctx, p.as, req)
	if err != nil {
		p.restoreText(draft.Text)
		return chat.Message{}, fmt.Errorf("send message: %w", err)
	}
	return msg, nil
}

// restoreText puts the draft back unless the user has started typing again.
func (p *Pipeline) restoreText(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.compose.Text == "" {
		p.compose.Text = text
	}
}

// Edit replaces a message's text. The cache changes only when the matching
// update event arrives.
func (p *Pipeline) Edit(ctx context.Context, id, content string) (err error) {
	defer func() { record("edit", err) }()

	if strings.TrimSpace(content) == "" {
		return chat.ErrEmptyMessage
	}
	if chat.IsPlaceholderID(id) {
		logger.L.Debug("skipping edit of local message", "message", id)
		return nil
	}

	_, err = p.api.EditMessage(ctx, p.as, id, content)
	switch {
	case err == nil, errors.Is(err, chat.ErrNotFound):
		return nil
	case api.IsAmbiguous(err):
		stored, getErr := p.api.GetMessage(ctx, p.as, id)
		if getErr == nil && stored.Content == content {
			logger.L.Info("edit applied despite failed response", "message", id, "error", err)
			return nil
		}
	}
	return fmt.Errorf("edit message: %w", err)
}

// Delete removes a message after confirm approves it. The cache entry goes
// away first and is restored if the backend refuses.
func (p *Pipeline) Delete(ctx context.Context, id string, confirm Confirmer) (err error) {
	target, ok := p.cache.Get(id)
	if !ok {
		target = chat.Message{ID: id, ConversationID: p.conversationID}
	}
	if confirm == nil || !confirm(ctx, target) {
		return ErrNotConfirmed
	}
	defer func() { record("delete", err) }()

	removed, page, had := p.cache.Delete(id)
	if had {
		p.onChange()
	}
	if chat.IsPlaceholderID(id) {
		logger.L.Debug("skipping delete of local message", "message", id)
		return nil
	}

	err = p.api.DeleteMessage(ctx, p.as, id)
	switch {
	case err == nil, errors.Is(err, chat.ErrNotFound):
		return nil
	case api.IsAmbiguous(err):
		if _, getErr := p.api.GetMessage(ctx, p.as, id); errors.Is(getErr, chat.ErrNotFound) {
			logger.L.Info("delete applied despite failed response", "message", id, "error", err)
			return nil
		}
	}

	if had && !p.closed.Load() {
		p.cache.Restore(page, removed)
		p.onChange()
	}
	return fmt.Errorf("delete message: %w", err)
}

// MarkRead marks the conversation read once per pipeline. A permission
// refusal counts as done and is not reported; a network failure allows a
// later retry.
func (p *Pipeline) MarkRead(ctx context.Context) (err error) {
	p.mu.Lock()
	if p.read != readPending {
		p.mu.Unlock()
		return nil
	}
	p.read = readInFlight
	p.mu.Unlock()

	if chat.IsPlaceholderID(p.conversationID) {
		p.setRead(readDone)
		return nil
	}

	err = p.api.MarkRead(ctx, p.as, p.conversationID)
	switch {
	case err == nil:
		p.setRead(readDone)
	case errors.Is(err, chat.ErrPermissionDenied), errors.Is(err, chat.ErrNotFound):
		logger.L.Debug("mark read refused", "conversation", p.conversationID, "identity", p.as.String(), "error", err)
		p.setRead(readDone)
		record("mark_read", err)
		return nil
	default:
		p.setRead(readPending)
	}
	record("mark_read", err)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

func (p *Pipeline) setRead(s readState) {
	p.mu.Lock()
	p.read = s
	p.mu.Unlock()
}

func record(op string, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, chat.ErrPermissionDenied):
		outcome = "permission"
	case errors.Is(err, chat.ErrSendInFlight), errors.Is(err, chat.ErrEmptyMessage):
		outcome = "rejected"
	default:
		outcome = "failed"
	}
	metrics.MutationsTotal.WithLabelValues(op, outcome).Inc()
}
