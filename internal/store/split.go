package store

import (
	"context"
	"errors"

	"github.com/ayemish/kindnessconnect/internal/domain"
)

// SplitStore serves messages from one backend and everything else from
// another.
type SplitStore struct {
	Store
	messages MessageStore
}

// WithMessages returns base with its message operations served by
// messages. Close closes messages first when it can be closed.
func WithMessages(base Store, messages MessageStore) *SplitStore {
	return &SplitStore{Store: base, messages: messages}
}

// WatchMessages implements Store.
func (s *SplitStore) WatchMessages(ctx context.Context, roomID string) (Subscription[domain.ChatMessage], error) {
	return s.messages.WatchMessages(ctx, roomID)
}

// AppendMessage implements Store.
func (s *SplitStore) AppendMessage(ctx context.Context, roomID string, draft domain.MessageDraft) (*domain.ChatMessage, error) {
	return s.messages.AppendMessage(ctx, roomID, draft)
}

// Close implements Store.
func (s *SplitStore) Close() error {
	var errs []error
	if c, ok := s.messages.(interface{ Close() error }); ok {
		errs = append(errs, c.Close())
	}
	errs = append(errs, s.Store.Close())
	return errors.Join(errs...)
}
