package store

import (
	"context"
	"errors"

	"github.com/ayemish/kindnessconnect/internal/domain"
)

var (
	ErrNotFound = errors.New("document not found")
	ErrClosed   = errors.New("store closed")
)

// Subscription is a live query. Updates delivers a full snapshot on
// subscribe and after every change; snapshots coalesce so a slow reader
// only ever sees the latest one. The channel is closed when the
// subscription ends, after which Err reports why. Once Close returns, Err
// is nil unless the query itself had failed, even if the subscription's
// context was cancelled first.
type Subscription[T any] interface {
	Updates() <-chan []T
	Err() error
	Close() error
}

// RoomWatcher streams the rooms matching a filter.
type RoomWatcher interface {
	WatchRooms(ctx context.Context, filter Filter) (Subscription[domain.ChatRoom], error)
}

// MessageStore streams and appends room messages.
type MessageStore interface {
	WatchMessages(ctx context.Context, roomID string) (Subscription[domain.ChatMessage], error)
	AppendMessage(ctx context.Context, roomID string, draft domain.MessageDraft) (*domain.ChatMessage, error)
}

// RoomReader reads a single room.
type RoomReader interface {
	GetRoom(ctx context.Context, roomID string) (*domain.ChatRoom, error)
}

// UserReader reads a single user profile.
type UserReader interface {
	GetUser(ctx context.Context, uid string) (*domain.UserProfile, error)
}

// Store is the realtime document store the chat subsystem runs on.
//
// AppendMessage assigns the timestamp at commit, strictly increasing per
// room, and is idempotent on draft.ID. CreateRoom returns the existing
// room for a repeated (requester, donor, request) triple.
type Store interface {
	RoomWatcher
	MessageStore
	RoomReader
	UserReader
	CreateRoom(ctx context.Context, room domain.ChatRoom) (*domain.ChatRoom, error)
	PutUser(ctx context.Context, user domain.UserProfile) error
	Close() error
}
