// Package api is the client for the chat backend's REST surface.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/comigor/chatsync/internal/chat"
	"github.com/comigor/chatsync/internal/config"
	"github.com/comigor/chatsync/internal/logger"
	"github.com/comigor/chatsync/internal/metrics"
)

// Headers carrying the profile a request acts as.
const (
	HeaderActingID   = "X-Acting-Profile-Id"
	HeaderActingKind = "X-Acting-Profile-Kind"
)

const messageIncludes = "sender,attachment,read_by"

// Client is a client for the chat backend API
type Client struct {
	cfg    config.APIConfig
	client *http.Client
}

// NewClient creates a new Client
func NewClient(cfg config.APIConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// PageSize is the default number of items requested per page.
func (c *Client) PageSize() int { return c.cfg.PageSize }

// ListMessages fetches one page of a conversation's history. Page 1 is the
// newest batch; items are returned oldest first.
func (c *Client) ListMessages(ctx context.Context, as chat.Identity, conversationID string, page, limit int) (chat.Page[chat.Message], error) {
	const op = "list_messages"
	var out chat.Page[chat.Message]
	if chat.IsPlaceholderID(conversationID) {
		return out, invalidID(op, conversationID)
	}
	q := pageQuery(page, limit, c.cfg.PageSize)
	q.Set("include", messageIncludes)

	var items []chat.Message
	p, err := c.do(ctx, as, op, http.MethodGet, "/conversations/"+url.PathEscape(conversationID)+"/messages?"+q.Encode(), nil, &items)
	if err != nil {
		return out, err
	}
	sort.SliceStable(items, func(i, j int) bool { return chat.MessageOlder(items[i], items[j]) })
	return chat.Page[chat.Message]{Items: items, Number: p.pageOr(page), TotalPages: p.totalOr(page)}, nil
}

// GetMessage fetches a single message.
func (c *Client) GetMessage(ctx context.Context, as chat.Identity, id string) (chat.Message, error) {
	const op = "get_message"
	var m chat.Message
	if chat.IsPlaceholderID(id) {
		return m, invalidID(op, id)
	}
	_, err := c.do(ctx, as, op, http.MethodGet, "/messages/"+url.PathEscape(id)+"?include="+messageIncludes, nil, &m)
	return m, err
}

// SendMessage posts a new message and returns the stored record.
func (c *Client) SendMessage(ctx context.Context, as chat.Identity, req SendMessageRequest) (chat.Message, error) {
	const op = "send_message"
	var m chat.Message
	if chat.IsPlaceholderID(req.ConversationID) {
		return m, invalidID(op, req.ConversationID)
	}
	if req.ReplyToID != "" && chat.IsPlaceholderID(req.ReplyToID) {
		req.ReplyToID = ""
	}
	_, err := c.do(ctx, as, op, http.MethodPost, "/conversations/"+url.PathEscape(req.ConversationID)+"/messages", req, &m)
	return m, err
}

// EditMessage replaces a message's text.
func (c *Client) EditMessage(ctx context.Context, as chat.Identity, id, content string) (chat.Message, error) {
	const op = "edit_message"
	var m chat.Message
	if chat.IsPlaceholderID(id) {
		return m, invalidID(op, id)
	}
	_, err := c.do(ctx, as, op, http.MethodPatch, "/messages/"+url.PathEscape(id), editMessageRequest{Content: content}, &m)
	return m, err
}

// DeleteMessage removes a message.
func (c *Client) DeleteMessage(ctx context.Context, as chat.Identity, id string) error {
	const op = "delete_message"
	if chat.IsPlaceholderID(id) {
		return invalidID(op, id)
	}
	_, err := c.do(ctx, as, op, http.MethodDelete, "/messages/"+url.PathEscape(id), nil, nil)
	return err
}

// MarkRead records that as has read the conversation up to now.
func (c *Client) MarkRead(ctx context.Context, as chat.Identity, conversationID string) error {
	const op = "mark_read"
	if chat.IsPlaceholderID(conversationID) {
		return invalidID(op, conversationID)
	}
	_, err := c.do(ctx, as, op, http.MethodPost, "/conversations/"+url.PathEscape(conversationID)+"/read", struct{}{}, nil)
	return err
}

// GetConversation fetches a conversation with its participants.
func (c *Client) GetConversation(ctx context.Context, as chat.Identity, id string) (chat.Conversation, error) {
	const op = "get_conversation"
	var conv chat.Conversation
	if chat.IsPlaceholderID(id) {
		return conv, invalidID(op, id)
	}
	_, err := c.do(ctx, as, op, http.MethodGet, "/conversations/"+url.PathEscape(id), nil, &conv)
	return conv, err
}

// ListConversations fetches one page of the acting profile's conversations,
// most recently active first.
func (c *Client) ListConversations(ctx context.Context, as chat.Identity, page, limit int) (chat.Page[chat.Conversation], error) {
	const op = "list_conversations"
	var items []chat.Conversation
	p, err := c.do(ctx, as, op, http.MethodGet, "/conversations?"+pageQuery(page, limit, c.cfg.PageSize).Encode(), nil, &items)
	if err != nil {
		return chat.Page[chat.Conversation]{}, err
	}
	return chat.Page[chat.Conversation]{Items: items, Number: p.pageOr(page), TotalPages: p.totalOr(page)}, nil
}

// CreateConversation opens a new conversation.
func (c *Client) CreateConversation(ctx context.Context, as chat.Identity, req CreateConversationRequest) (chat.Conversation, error) {
	const op = "create_conversation"
	var conv chat.Conversation
	_, err := c.do(ctx, as, op, http.MethodPost, "/conversations", req, &conv)
	return conv, err
}

// Upload sends a file to the upload service as multipart form data.
func (c *Client) Upload(ctx context.Context, as chat.Identity, req UploadRequest) (UploadResult, error) {
	const op = "upload"
	var res UploadResult

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(req.Name)))
	mimeType := req.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	h.Set("Content-Type", mimeType)
	part, err := w.CreatePart(h)
	if err != nil {
		return res, err
	}
	if _, err := io.Copy(part, req.Body); err != nil {
		return res, fmt.Errorf("%s: read attachment: %w", op, err)
	}
	if err := w.Close(); err != nil {
		return res, err
	}

	_, err = c.send(ctx, as, op, http.MethodPost, "/uploads", &buf, w.FormDataContentType(), &res)
	return res, err
}

func (c *Client) do(ctx context.Context, as chat.Identity, op, method, path string, in, out any) (*pagination, error) {
	var body io.Reader
	contentType := ""
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(b)
		contentType = "application/json"
	}
	return c.send(ctx, as, op, method, path, body, contentType, out)
}

func (c *Client) send(ctx context.Context, as chat.Identity, op, method, path string, body io.Reader, contentType string, out any) (p *pagination, err error) {
	start := time.Now()
	defer func() {
		metrics.APIRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		metrics.APIRequestsTotal.WithLabelValues(op, outcome(err)).Inc()
		if err != nil {
			logger.L.Debug("api call failed", "op", op, "identity", as.String(), "error", err)
		}
	}()

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.BaseURL, "/")+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.cfg.Token))
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if !as.IsZero() {
		req.Header.Set(HeaderActingID, as.ID)
		req.Header.Set(HeaderActingKind, string(as.Kind))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, transportError(op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(op, err)
	}
	return decode(op, resp.StatusCode, raw, out)
}

// decode normalizes every response through the one envelope shape.
func decode(op string, status int, raw []byte, out any) (*pagination, error) {
	var env envelope
	empty := len(bytes.TrimSpace(raw)) == 0
	if !empty {
		if err := json.Unmarshal(raw, &env); err != nil {
			if status >= 400 {
				return nil, StatusError(op, status, http.StatusText(status))
			}
			return nil, &Error{Op: op, Status: status, Message: "malformed response", Err: errors.Join(chat.ErrNetwork, err)}
		}
	}
	if status >= 400 {
		msg := env.Error
		if msg == "" {
			msg = http.StatusText(status)
		}
		return nil, StatusError(op, status, msg)
	}
	if empty {
		return nil, nil
	}
	if !env.Success {
		msg := env.Error
		if msg == "" {
			msg = "request not successful"
		}
		return nil, &Error{Op: op, Status: status, Message: msg, Err: chat.ErrNetwork}
	}
	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return nil, &Error{Op: op, Status: status, Message: "malformed data", Err: errors.Join(chat.ErrNetwork, err)}
		}
	}
	return env.Pagination, nil
}

func (p *pagination) pageOr(requested int) int {
	if p == nil || p.Page <= 0 {
		if requested <= 0 {
			return 1
		}
		return requested
	}
	return p.Page
}

func (p *pagination) totalOr(requested int) int {
	if p == nil {
		return p.pageOr(requested)
	}
	return p.TotalPages
}

func pageQuery(page, limit, fallback int) url.Values {
	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = fallback
	}
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))
	return q
}

func invalidID(op, id string) error {
	return &Error{Op: op, Message: fmt.Sprintf("identifier %q is not a backend id", id), Err: chat.ErrInvalidIdentifier}
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string { return quoteEscaper.Replace(s) }
