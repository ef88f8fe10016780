package mutation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/comigor/chatsync/internal/api"
	"github.com/comigor/chatsync/internal/cache"
	"github.com/comigor/chatsync/internal/chat"
)

const (
	convID = "7d1c2a0e-52f4-4c55-8a3c-0e1f2a3b4c5d"
	msgID  = "a3f0c6b2-1d4e-4f7a-9b8c-2d3e4f5a6b7c"
)

var ana = chat.Identity{ID: "2b7e1516-28ae-4d2a-abf7-158809cf4f3c", Kind: chat.KindPerson}

type mockAPI struct {
	SendMessageFunc   func(ctx context.Context, as chat.Identity, req api.SendMessageRequest) (chat.Message, error)
	EditMessageFunc   func(ctx context.Context, as chat.Identity, id, content string) (chat.Message, error)
	DeleteMessageFunc func(ctx context.Context, as chat.Identity, id string) error
	GetMessageFunc    func(ctx context.Context, as chat.Identity, id string) (chat.Message, error)
	MarkReadFunc      func(ctx context.Context, as chat.Identity, conversationID string) error
	UploadFunc        func(ctx context.Context, as chat.Identity, req api.UploadRequest) (api.UploadResult, error)

	calls sync.Map // op -> *atomic.Int32
}

func (m *mockAPI) count(op string) int32 {
	v, _ := m.calls.LoadOrStore(op, new(atomic.Int32))
	return v.(*atomic.Int32).Load()
}

func (m *mockAPI) hit(op string) {
	v, _ := m.calls.LoadOrStore(op, new(atomic.Int32))
	v.(*atomic.Int32).Add(1)
}

func (m *mockAPI) SendMessage(ctx context.Context, as chat.Identity, req api.SendMessageRequest) (chat.Message, error) {
	m.hit("send")
	if m.SendMessageFunc != nil {
		return m.SendMessageFunc(ctx, as, req)
	}
	return chat.Message{ID: msgID, ConversationID: req.ConversationID, Content: req.Content, Kind: req.Kind, SentAt: time.Now()}, nil
}

func (m *mockAPI) EditMessage(ctx context.Context, as chat.Identity, id, content string) (chat.Message, error) {
	m.hit("edit")
	if m.EditMessageFunc != nil {
		return m.EditMessageFunc(ctx, as, id, content)
	}
	return chat.Message{ID: id, Content: content}, nil
}

func (m *mockAPI) DeleteMessage(ctx context.Context, as chat.Identity, id string) error {
	m.hit("delete")
	if m.DeleteMessageFunc != nil {
		return m.DeleteMessageFunc(ctx, as, id)
	}
	return nil
}

func (m *mockAPI) GetMessage(ctx context.Context, as chat.Identity, id string) (chat.Message, error) {
	m.hit("get")
	if m.GetMessageFunc != nil {
		return m.GetMessageFunc(ctx, as, id)
	}
	return chat.Message{ID: id}, nil
}

func (m *mockAPI) MarkRead(ctx context.Context, as chat.Identity, conversationID string) error {
	m.hit("mark_read")
	if m.MarkReadFunc != nil {
		return m.MarkReadFunc(ctx, as, conversationID)
	}
	return nil
}

func (m *mockAPI) Upload(ctx context.Context, as chat.Identity, req api.UploadRequest) (api.UploadResult, error) {
	m.hit("upload")
	if m.UploadFunc != nil {
		return m.UploadFunc(ctx, as, req)
	}
	return api.UploadResult{URL: "https://cdn/" + req.Name, Filename: req.Name, Size: 3}, nil
}

func newCache() *cache.PageSet[chat.Message] {
	return cache.New(chat.MessageOlder, cache.WithMerge(chat.MergeMessage))
}

func yes(context.Context, chat.Message) bool { return true }

var (
	errNetwork   = &api.Error{Op: "test", Err: chat.ErrNetwork}
	errForbidden = &api.Error{Op: "test", Status: 403, Err: chat.ErrPermissionDenied}
	errGone      = &api.Error{Op: "test", Status: 404, Err: chat.ErrNotFound}
)

func TestSendDoesNotInsertAndEventYieldsOneCopy(t *testing.T) {
	m := &mockAPI{}
	c := newCache()
	p := New(m, c, convID, ana, nil)
	p.SetText("hello")
	p.SetReplyTo("b1c2d3e4-0000-4000-8000-000000000001")

	sent, err := p.Send(context.Background())
	require.NoError(t, err)
	require.Zero(t, c.Len())
	require.Equal(t, Compose{}, p.Compose())

	// the realtime insert may be delivered more than once
	require.True(t, c.Insert(sent))
	require.False(t, c.Insert(sent))
	require.Len(t, c.Items(), 1)
}

func TestSendRejectsEmpty(t *testing.T) {
	m := &mockAPI{}
	p := New(m, newCache(), convID, ana, nil)
	p.SetText("   ")

	_, err := p.Send(context.Background())
	require.ErrorIs(t, err, chat.ErrEmptyMessage)
	require.Zero(t, m.count("send"))
	require.Equal(t, "   ", p.Compose().Text)
}

func TestSendFailureRestoresText(t *testing.T) {
	m := &mockAPI{SendMessageFunc: func(context.Context, chat.Identity, api.SendMessageRequest) (chat.Message, error) {
		return chat.Message{}, errNetwork
	}}
	p := New(m, newCache(), convID, ana, nil)
	p.SetText("draft")
	p.SetReplyTo("b1c2d3e4-0000-4000-8000-000000000001")

	_, err := p.Send(context.Background())
	require.ErrorIs(t, err, chat.ErrNetwork)
	require.Equal(t, "draft", p.Compose().Text)
	require.Empty(t, p.Compose().ReplyToID)
}

func TestSendPermissionDenied(t *testing.T) {
	m := &mockAPI{SendMessageFunc: func(context.Context, chat.Identity, api.SendMessageRequest) (chat.Message, error) {
		return chat.Message{}, errForbidden
	}}
	p := New(m, newCache(), convID, ana, nil)
	p.SetText("hi")

	_, err := p.Send(context.Background())
	require.ErrorIs(t, err, chat.ErrPermissionDenied)
}

func TestUploadFailureAbortsSendAndLeavesCache(t *testing.T) {
	m := &mockAPI{UploadFunc: func(context.Context, chat.Identity, api.UploadRequest) (api.UploadResult, error) {
		return api.UploadResult{}, errNetwork
	}}
	c := newCache()
	c.Insert(chat.Message{ID: msgID, SentAt: time.Now()})
	p := New(m, c, convID, ana, nil)
	p.SetText("look at this")
	p.SetAttachment(&api.UploadRequest{Body: strings.NewReader("png"), Name: "cat.png", MimeType: "image/png"})

	_, err := p.Send(context.Background())
	require.Error(t, err)
	require.Zero(t, m.count("send"))
	require.Equal(t, "look at this", p.Compose().Text)
	require.Equal(t, 1, c.Len())
}

func TestSendWithAttachment(t *testing.T) {
	var got api.SendMessageRequest
	m := &mockAPI{SendMessageFunc: func(_ context.Context, _ chat.Identity, req api.SendMessageRequest) (chat.Message, error) {
		got = req
		return chat.Message{ID: msgID}, nil
	}}
	p := New(m, newCache(), convID, ana, nil)
	p.SetAttachment(&api.UploadRequest{Body: strings.NewReader("png"), Name: "cat.png", MimeType: "image/png"})

	_, err := p.Send(context.Background())
	require.NoError(t, err)
	require.Equal(t, chat.MessageImage, got.Kind)
	require.NotNil(t, got.Attachment)
	require.Equal(t, "https://cdn/cat.png", got.Attachment.URL)
	require.Nil(t, p.Compose().Attachment)
}

func TestSendGuardsDoubleSubmit(t *testing.T) {
	release := make(chan struct{})
	m := &mockAPI{SendMessageFunc: func(context.Context, chat.Identity, api.SendMessageRequest) (chat.Message, error) {
		<-release
		return chat.Message{ID: msgID}, nil
	}}
	p := New(m, newCache(), convID, ana, nil)
	p.SetText("once")

	done := make(chan error, 1)
	go func() {
		_, err := p.Send(context.Background())
		done <- err
	}()
	require.Eventually(t, p.Sending, time.Second, time.Millisecond)

	p.SetText("twice")
	_, err := p.Send(context.Background())
	require.ErrorIs(t, err, chat.ErrSendInFlight)

	close(release)
	require.NoError(t, <-done)
	require.EqualValues(t, 1, m.count("send"))
}

func TestEditGoesThroughAPIOnly(t *testing.T) {
	m := &mockAPI{}
	c := newCache()
	c.Insert(chat.Message{ID: msgID, Content: "old", SentAt: time.Now()})
	p := New(m, c, convID, ana, nil)

	require.NoError(t, p.Edit(context.Background(), msgID, "new"))
	got, _ := c.Get(msgID)
	require.Equal(t, "old", got.Content)
	require.EqualValues(t, 1, m.count("edit"))
}

func TestEditVerifiesAfterAmbiguousFailure(t *testing.T) {
	tests := []struct {
		name    string
		stored  string
		wantErr bool
	}{
		{"applied", "new", false},
		{"not applied", "old", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &mockAPI{
				EditMessageFunc: func(context.Context, chat.Identity, string, string) (chat.Message, error) {
					return chat.Message{}, api.StatusError("edit_message", 502, "bad gateway")
				},
				GetMessageFunc: func(_ context.Context, _ chat.Identity, id string) (chat.Message, error) {
					return chat.Message{ID: id, Content: tt.stored}, nil
				},
			}
			p := New(m, newCache(), convID, ana, nil)

			err := p.Edit(context.Background(), msgID, "new")
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			require.EqualValues(t, 1, m.count("get"))
		})
	}
}

func TestEditHardFailureDoesNotVerify(t *testing.T) {
	m := &mockAPI{EditMessageFunc: func(context.Context, chat.Identity, string, string) (chat.Message, error) {
		return chat.Message{}, errForbidden
	}}
	p := New(m, newCache(), convID, ana, nil)

	require.ErrorIs(t, p.Edit(context.Background(), msgID, "new"), chat.ErrPermissionDenied)
	require.Zero(t, m.count("get"))
}

func TestEditPlaceholderSkipsBackend(t *testing.T) {
	m := &mockAPI{}
	p := New(m, newCache(), convID, ana, nil)

	require.NoError(t, p.Edit(context.Background(), chat.NewPlaceholderID(), "x"))
	require.Zero(t, m.count("edit"))
}

func TestDeleteIsOptimistic(t *testing.T) {
	c := newCache()
	c.Insert(chat.Message{ID: msgID, SentAt: time.Now()})
	var sawCacheEmpty bool
	m := &mockAPI{DeleteMessageFunc: func(context.Context, chat.Identity, string) error {
		sawCacheEmpty = c.Len() == 0
		return nil
	}}
	changes := 0
	p := New(m, c, convID, ana, func() { changes++ })

	require.NoError(t, p.Delete(context.Background(), msgID, yes))
	require.True(t, sawCacheEmpty)
	require.Zero(t, c.Len())
	require.Equal(t, 1, changes)

	// the transport's delete event finds nothing to remove
	_, _, ok := c.Delete(msgID)
	require.False(t, ok)
}

func TestDeleteRequiresConfirmation(t *testing.T) {
	c := newCache()
	c.Insert(chat.Message{ID: msgID, SentAt: time.Now()})
	m := &mockAPI{}
	p := New(m, c, convID, ana, nil)

	err := p.Delete(context.Background(), msgID, func(context.Context, chat.Message) bool { return false })
	require.ErrorIs(t, err, ErrNotConfirmed)
	require.ErrorIs(t, p.Delete(context.Background(), msgID, nil), ErrNotConfirmed)
	require.Equal(t, 1, c.Len())
	require.Zero(t, m.count("delete"))
}

func TestDeleteNotFoundIsSuccess(t *testing.T) {
	m := &mockAPI{DeleteMessageFunc: func(context.Context, chat.Identity, string) error { return errGone }}
	c := newCache()
	c.Insert(chat.Message{ID: msgID, SentAt: time.Now()})
	p := New(m, c, convID, ana, nil)

	require.NoError(t, p.Delete(context.Background(), msgID, yes))
	require.Zero(t, c.Len())
}

func TestDeleteFailureRollsBack(t *testing.T) {
	m := &mockAPI{DeleteMessageFunc: func(context.Context, chat.Identity, string) error { return errForbidden }}
	c := newCache()
	now := time.Now()
	c.SetPage(chat.Page[chat.Message]{Number: 1, TotalPages: 2, Items: []chat.Message{{ID: "x-new", SentAt: now}}})
	c.SetPage(chat.Page[chat.Message]{Number: 2, TotalPages: 2, Items: []chat.Message{{ID: msgID, SentAt: now.Add(-time.Hour)}}})
	p := New(m, c, convID, ana, nil)

	require.ErrorIs(t, p.Delete(context.Background(), msgID, yes), chat.ErrPermissionDenied)
	items := c.Items()
	require.Len(t, items, 2)
	require.Equal(t, msgID, items[0].ID)
}

func TestDeleteAmbiguousFailureVerifies(t *testing.T) {
	m := &mockAPI{
		DeleteMessageFunc: func(context.Context, chat.Identity, string) error {
			return api.StatusError("delete_message", 504, "gateway timeout")
		},
		GetMessageFunc: func(context.Context, chat.Identity, string) (chat.Message, error) {
			return chat.Message{}, errGone
		},
	}
	c := newCache()
	c.Insert(chat.Message{ID: msgID, SentAt: time.Now()})
	p := New(m, c, convID, ana, nil)

	require.NoError(t, p.Delete(context.Background(), msgID, yes))
	require.Zero(t, c.Len())
}

func TestDeleteAfterCloseDoesNotRollBack(t *testing.T) {
	c := newCache()
	c.Insert(chat.Message{ID: msgID, SentAt: time.Now()})
	var p *Pipeline
	m := &mockAPI{DeleteMessageFunc: func(context.Context, chat.Identity, string) error {
		p.Close()
		return errNetwork
	}}
	p = New(m, c, convID, ana, nil)

	require.Error(t, p.Delete(context.Background(), msgID, yes))
	require.Zero(t, c.Len())
}

func TestDeletePlaceholderSkipsBackend(t *testing.T) {
	local := chat.NewPlaceholderID()
	c := newCache()
	c.Insert(chat.Message{ID: local, SentAt: time.Now()})
	m := &mockAPI{}
	p := New(m, c, convID, ana, nil)

	require.NoError(t, p.Delete(context.Background(), local, yes))
	require.Zero(t, c.Len())
	require.Zero(t, m.count("delete"))
}

func TestMarkReadOncePerSession(t *testing.T) {
	m := &mockAPI{}
	p := New(m, newCache(), convID, ana, nil)

	require.NoError(t, p.MarkRead(context.Background()))
	require.NoError(t, p.MarkRead(context.Background()))
	require.EqualValues(t, 1, m.count("mark_read"))
}

func TestMarkReadPermissionDeniedCountsAsAttempted(t *testing.T) {
	m := &mockAPI{MarkReadFunc: func(context.Context, chat.Identity, string) error { return errForbidden }}
	p := New(m, newCache(), convID, ana, nil)

	require.NoError(t, p.MarkRead(context.Background()))
	require.NoError(t, p.MarkRead(context.Background()))
	require.EqualValues(t, 1, m.count("mark_read"))
}

func TestMarkReadNetworkFailureAllowsRetry(t *testing.T) {
	fail := true
	m := &mockAPI{MarkReadFunc: func(context.Context, chat.Identity, string) error {
		if fail {
			return errNetwork
		}
		return nil
	}}
	p := New(m, newCache(), convID, ana, nil)

	require.True(t, errors.Is(p.MarkRead(context.Background()), chat.ErrNetwork))
	fail = false
	require.NoError(t, p.MarkRead(context.Background()))
	require.NoError(t, p.MarkRead(context.Background()))
	require.EqualValues(t, 2, m.count("mark_read"))
}
