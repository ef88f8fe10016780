// Package resolver finds or creates the direct conversation between the
// acting identity and a target participant.
package resolver

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/comigor/chatsync/internal/api"
	"github.com/comigor/chatsync/internal/chat"
	"github.com/comigor/chatsync/internal/identity"
	"github.com/comigor/chatsync/internal/logger"
)

// ConversationAPI is the subset of the backend the resolver needs.
type ConversationAPI interface {
	ListConversations(ctx context.Context, as chat.Identity, page, limit int) (chat.Page[chat.Conversation], error)
	CreateConversation(ctx context.Context, as chat.Identity, req api.CreateConversationRequest) (chat.Conversation, error)
}

// Resolver dedupes direct conversations before creating new ones.
type Resolver struct {
	api      ConversationAPI
	maxPages int
	pageSize int
	group    singleflight.Group
}

// New creates a Resolver that searches at most maxPages pages of pageSize
// conversations.
func New(a ConversationAPI, maxPages, pageSize int) *Resolver {
	if maxPages <= 0 {
		maxPages = 3
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	return &Resolver{api: a, maxPages: maxPages, pageSize: pageSize}
}

// ResolveOrCreate returns an existing conversation of the matching type in
// which both self and target are active, or creates one. A failing lookup
// falls through to creation. Concurrent calls for the same pair share one
// lookup; a caller whose ctx ends stops waiting without failing the others.
func (r *Resolver) ResolveOrCreate(ctx context.Context, self chat.Identity, target chat.Participant) (chat.Conversation, error) {
	if self.IsZero() || target.ID == "" {
		return chat.Conversation{}, fmt.Errorf("resolve conversation: %w", chat.ErrInvalidIdentifier)
	}
	if self.ID == target.ID && self.Kind == target.Kind {
		return chat.Conversation{}, fmt.Errorf("resolve conversation: cannot message yourself: %w", chat.ErrInvalidIdentifier)
	}

	key := self.String() + "->" + string(target.Kind) + ":" + target.ID
	ch := r.group.DoChan(key, func() (any, error) {
		// bounded by the API client timeout, not by the first caller
		return r.resolve(context.WithoutCancel(ctx), self, target)
	})
	select {
	case <-ctx.Done():
		return chat.Conversation{}, fmt.Errorf("resolve conversation: %w", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return chat.Conversation{}, res.Err
		}
		return res.Val.(chat.Conversation), nil
	}
}

func (r *Resolver) resolve(ctx context.Context, self chat.Identity, target chat.Participant) (chat.Conversation, error) {
	log := logger.Component("resolver").With("identity", self.String(), "target", target.ID)
	typ := chat.Classify(self.Kind, target.Kind)
	targetID := chat.Identity{ID: target.ID, Kind: target.Kind}

	conv, found, err := r.search(ctx, self, targetID, typ)
	switch {
	case err != nil:
		log.Warn("conversation lookup failed, creating", "error", err)
	case found:
		log.Debug("reusing conversation", "conversation", conv.ID)
		return conv, nil
	}

	conv, err = r.api.CreateConversation(ctx, self, api.CreateConversationRequest{
		Type: typ,
		Participants: []chat.Participant{
			{ID: self.ID, Kind: self.Kind, DisplayName: self.DisplayName},
			target,
		},
	})
	if err != nil {
		if errors.Is(err, chat.ErrPermissionDenied) {
			return chat.Conversation{}, fmt.Errorf("create conversation as %s: %w", self, err)
		}
		return chat.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	if conv.Type == "" {
		conv.Type = typ
	}
	log.Info("created conversation", "conversation", conv.ID, "type", string(typ))
	return conv, nil
}

// search walks the first maxPages pages of the identity's conversations.
func (r *Resolver) search(ctx context.Context, self, target chat.Identity, typ chat.ConversationType) (chat.Conversation, bool, error) {
	for page := 1; page <= r.maxPages; page++ {
		p, err := r.api.ListConversations(ctx, self, page, r.pageSize)
		if err != nil {
			return chat.Conversation{}, false, err
		}
		for _, conv := range p.Items {
			if conv.Type != typ {
				continue
			}
			if identity.Validate(conv, self) && identity.Validate(conv, target) {
				return conv, true, nil
			}
		}
		if !p.HasMore() {
			break
		}
	}
	return chat.Conversation{}, false, nil
}
