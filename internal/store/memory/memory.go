// Package memory is an in-process realtime store. It backs tests and the
// "memory" store driver for local runs.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ayemish/kindnessconnect/internal/domain"
	"github.com/ayemish/kindnessconnect/internal/store"
)

// Faults injects failures. Zero values mean no fault.
type Faults struct {
	// Watch fails every subsequent snapshot query.
	Watch error
	// Append fails AppendMessage before anything is written.
	Append error
	// AfterCommit fails AppendMessage after the message is written,
	// like a write whose acknowledgement was lost.
	AfterCommit error
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the commit clock.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithSplitOr makes room queries run one scan per predicate and
// concatenate the results, like a backend without native OR. A room
// matching several predicates then appears several times.
func WithSplitOr() Option {
	return func(s *Store) { s.splitOr = true }
}

type roomWatch struct {
	filter store.Filter
	w      *store.Watcher[domain.ChatRoom]
}

// Store is an in-memory store.Store.
type Store struct {
	mu       sync.RWMutex
	rooms    map[string]domain.ChatRoom
	order    []string
	messages map[string][]domain.ChatMessage
	users    map[string]domain.UserProfile
	faults   Faults
	closed   bool
	now      func() time.Time
	splitOr  bool

	roomWatches map[*roomWatch]struct{}
	msgWatches  map[string]map[*store.Watcher[domain.ChatMessage]]struct{}
	wg          sync.WaitGroup
}

var _ store.Store = (*Store)(nil)

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		rooms:       make(map[string]domain.ChatRoom),
		messages:    make(map[string][]domain.ChatMessage),
		users:       make(map[string]domain.UserProfile),
		now:         time.Now,
		roomWatches: make(map[*roomWatch]struct{}),
		msgWatches:  make(map[string]map[*store.Watcher[domain.ChatMessage]]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InjectFaults replaces the active faults.
func (s *Store) InjectFaults(f Faults) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = f
}

// FailWatchers stops every live subscription with err.
func (s *Store) FailWatchers(err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for rw := range s.roomWatches {
		rw.w.Fail(err)
	}
	for _, set := range s.msgWatches {
		for w := range set {
			w.Fail(err)
		}
	}
}

// WatchRooms implements store.Store.
func (s *Store) WatchRooms(ctx context.Context, filter store.Filter) (store.Subscription[domain.ChatRoom], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.ErrClosed
	}

	rw := &roomWatch{filter: filter}
	s.wg.Add(1)
	rw.w = store.NewWatcher(ctx, func(ctx context.Context) ([]domain.ChatRoom, error) {
		return s.queryRooms(filter)
	}, func() {
		s.mu.Lock()
		delete(s.roomWatches, rw)
		s.mu.Unlock()
		s.wg.Done()
	})
	s.roomWatches[rw] = struct{}{}
	return rw.w, nil
}

func (s *Store) queryRooms(filter store.Filter) ([]domain.ChatRoom, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.faults.Watch != nil {
		return nil, s.faults.Watch
	}

	var out []domain.ChatRoom
	if s.splitOr {
		for _, p := range filter.AnyOf {
			for _, id := range s.order {
				if r := s.rooms[id]; p.Match(r) {
					out = append(out, r)
				}
			}
		}
		return out, nil
	}
	for _, id := range s.order {
		if r := s.rooms[id]; filter.Match(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

// WatchMessages implements store.Store.
func (s *Store) WatchMessages(ctx context.Context, roomID string) (store.Subscription[domain.ChatMessage], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.ErrClosed
	}

	var w *store.Watcher[domain.ChatMessage]
	s.wg.Add(1)
	w = store.NewWatcher(ctx, func(ctx context.Context) ([]domain.ChatMessage, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		if s.faults.Watch != nil {
			return nil, s.faults.Watch
		}
		msgs := s.messages[roomID]
		out := make([]domain.ChatMessage, len(msgs))
		copy(out, msgs)
		return out, nil
	}, func() {
		s.mu.Lock()
		if set := s.msgWatches[roomID]; set != nil {
			delete(set, w)
			if len(set) == 0 {
				delete(s.msgWatches, roomID)
			}
		}
		s.mu.Unlock()
		s.wg.Done()
	})
	if s.msgWatches[roomID] == nil {
		s.msgWatches[roomID] = make(map[*store.Watcher[domain.ChatMessage]]struct{})
	}
	s.msgWatches[roomID][w] = struct{}{}
	return w, nil
}

// GetRoom implements store.Store.
func (s *Store) GetRoom(ctx context.Context, roomID string) (*domain.ChatRoom, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &r, nil
}

// GetUser implements store.Store.
func (s *Store) GetUser(ctx context.Context, uid string) (*domain.UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[uid]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &u, nil
}

// PutUser implements store.Store.
func (s *Store) PutUser(ctx context.Context, user domain.UserProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	s.users[user.UID] = user
	return nil
}

// CreateRoom implements store.Store.
func (s *Store) CreateRoom(ctx context.Context, room domain.ChatRoom) (*domain.ChatRoom, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.ErrClosed
	}

	for _, id := range s.order {
		r := s.rooms[id]
		if r.RequesterUID == room.RequesterUID && r.DonorUID == room.DonorUID && r.RequestID == room.RequestID {
			return &r, nil
		}
	}

	if room.ID == "" {
		room.ID = uuid.NewString()
	}
	if _, exists := s.rooms[room.ID]; exists {
		return nil, fmt.Errorf("room %s already exists", room.ID)
	}
	if room.CreatedAt.IsZero() {
		room.CreatedAt = s.now().UTC()
	}
	s.rooms[room.ID] = room
	s.order = append(s.order, room.ID)

	for rw := range s.roomWatches {
		if rw.filter.Match(room) {
			rw.w.Notify()
		}
	}
	return &room, nil
}

// AppendMessage implements store.Store.
func (s *Store) AppendMessage(ctx context.Context, roomID string, draft domain.MessageDraft) (*domain.ChatMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	if s.faults.Append != nil {
		return nil, s.faults.Append
	}
	if _, ok := s.rooms[roomID]; !ok {
		return nil, store.ErrNotFound
	}

	msgs := s.messages[roomID]
	for _, m := range msgs {
		if m.ID == draft.ID {
			existing := m
			return &existing, s.faults.AfterCommit
		}
	}

	ts := s.now().UTC()
	if n := len(msgs); n > 0 && !ts.After(msgs[n-1].Timestamp) {
		ts = msgs[n-1].Timestamp.Add(time.Microsecond)
	}
	msg := domain.ChatMessage{
		ID:         draft.ID,
		RoomID:     roomID,
		Text:       draft.Text,
		SenderUID:  draft.SenderUID,
		SenderName: draft.SenderName,
		Timestamp:  ts,
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	s.messages[roomID] = append(msgs, msg)

	for w := range s.msgWatches[roomID] {
		w.Notify()
	}

	if s.faults.AfterCommit != nil {
		return nil, s.faults.AfterCommit
	}
	return &msg, nil
}

// Close stops every live subscription.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var watchers []interface{ Close() error }
	for rw := range s.roomWatches {
		watchers = append(watchers, rw.w)
	}
	for _, set := range s.msgWatches {
		for w := range set {
			watchers = append(watchers, w)
		}
	}
	s.mu.Unlock()

	for _, w := range watchers {
		w.Close()
	}
	s.wg.Wait()
	return nil
}
