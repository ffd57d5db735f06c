// Package cqlstore keeps room message history in Cassandra, partitioned
// by room and clustered by commit time. Rooms and users stay in the
// relational store.
package cqlstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/ayemish/kindnessconnect/internal/domain"
	"github.com/ayemish/kindnessconnect/internal/store"
	"github.com/ayemish/kindnessconnect/pkg/log"
	"github.com/ayemish/kindnessconnect/pkg/pubsub"
)

const (
	defaultResync    = 30 * time.Second
	maxClockAttempts = 16
)

var errClockContention = errors.New("room clock contention")

// MessageStore implements store.MessageStore on a Cassandra session.
type MessageStore struct {
	session *gocql.Session
	rooms   store.RoomReader
	feed    store.Feed
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

var _ store.MessageStore = (*MessageStore)(nil)

// New creates a message store. rooms is consulted so appends to unknown
// rooms fail with store.ErrNotFound. The session is owned by the caller.
func New(session *gocql.Session, rooms store.RoomReader, bus pubsub.PubSub, resync time.Duration) *MessageStore {
	if resync <= 0 {
		resync = defaultResync
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MessageStore{
		session: session,
		rooms:   rooms,
		feed:    store.Feed{Bus: bus, Resync: resync},
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Migrate creates the message tables in the session's keyspace.
func (s *MessageStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if err := s.session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("failed to apply cassandra schema: %w", err)
		}
	}
	return nil
}

// WatchMessages implements store.MessageStore.
func (s *MessageStore) WatchMessages(ctx context.Context, roomID string) (store.Subscription[domain.ChatMessage], error) {
	load := func(ctx context.Context) ([]domain.ChatMessage, error) {
		return s.list(ctx, roomID)
	}
	return store.WatchFeed(ctx, s.ctx, s.feed, []string{pubsub.RoomMessagesChannel(roomID)}, load)
}

func (s *MessageStore) list(ctx context.Context, roomID string) ([]domain.ChatMessage, error) {
	iter := s.session.Query(`SELECT message_id, ts_us, body, sender_uid, sender_name
		FROM chat_messages_by_room
		WHERE room_id = ?`, roomID).WithContext(ctx).Iter()

	msgs := []domain.ChatMessage{}
	var (
		id, body, senderUID, senderName string
		tsUS                            int64
	)
	for iter.Scan(&id, &tsUS, &body, &senderUID, &senderName) {
		msgs = append(msgs, domain.ChatMessage{
			ID:         id,
			RoomID:     roomID,
			Text:       body,
			SenderUID:  senderUID,
			SenderName: senderName,
			Timestamp:  fromMicros(tsUS),
		})
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return msgs, nil
}

// AppendMessage implements store.MessageStore. The draft id is claimed
// with a lightweight transaction before the message row is written, so
// a resend returns the first commit, and a resend after a crash between
// the two writes completes the row.
func (s *MessageStore) AppendMessage(ctx context.Context, roomID string, draft domain.MessageDraft) (*domain.ChatMessage, error) {
	l := log.Ctx(ctx)
	if _, err := s.rooms.GetRoom(ctx, roomID); err != nil {
		return nil, err
	}
	if draft.ID == "" {
		draft.ID = uuid.New().String()
	}

	claimedRoom, tsUS, found, err := s.lookupClaim(ctx, draft.ID)
	if err != nil {
		return nil, err
	}
	if !found {
		next, err := s.tick(ctx, roomID)
		if err != nil {
			return nil, fmt.Errorf("failed to allocate timestamp: %w", err)
		}
		applied, existing, err := s.claim(ctx, draft.ID, roomID, next)
		if err != nil {
			return nil, err
		}
		if applied {
			msg := messageFrom(roomID, draft, next)
			if err := s.write(ctx, msg, next); err != nil {
				return nil, err
			}
			s.published(ctx, msg)
			return &msg, nil
		}
		claimedRoom, tsUS = existing.roomID, existing.tsUS
	}

	if claimedRoom != roomID {
		return nil, fmt.Errorf("message id %s already used in another room", draft.ID)
	}

	prior, ok, err := s.get(ctx, roomID, tsUS, draft.ID)
	if err != nil {
		return nil, err
	}
	if ok {
		l.Debug().Str(log.FieldMessageID, draft.ID).Msg("duplicate append ignored")
		return prior, nil
	}

	msg := messageFrom(roomID, draft, tsUS)
	if err := s.write(ctx, msg, tsUS); err != nil {
		return nil, err
	}
	l.Info().Str(log.FieldMessageID, draft.ID).Msg("completed a half-written append")
	s.published(ctx, msg)
	return &msg, nil
}

type claimRow struct {
	roomID string
	tsUS   int64
}

func (s *MessageStore) lookupClaim(ctx context.Context, messageID string) (string, int64, bool, error) {
	var (
		roomID string
		tsUS   int64
	)
	err := s.session.Query(`SELECT room_id, ts_us FROM chat_message_ids WHERE message_id = ?`, messageID).
		WithContext(ctx).Scan(&roomID, &tsUS)
	if errors.Is(err, gocql.ErrNotFound) {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, fmt.Errorf("failed to look up message id: %w", err)
	}
	return roomID, tsUS, true, nil
}

func (s *MessageStore) claim(ctx context.Context, messageID, roomID string, tsUS int64) (bool, claimRow, error) {
	existing := map[string]any{}
	applied, err := s.session.Query(`INSERT INTO chat_message_ids (message_id, room_id, ts_us)
		VALUES (?, ?, ?) IF NOT EXISTS`, messageID, roomID, tsUS).
		WithContext(ctx).MapScanCAS(existing)
	if err != nil {
		return false, claimRow{}, fmt.Errorf("failed to claim message id: %w", err)
	}
	if applied {
		return true, claimRow{}, nil
	}
	row := claimRow{}
	row.roomID, _ = existing["room_id"].(string)
	row.tsUS, _ = existing["ts_us"].(int64)
	return false, row, nil
}

// tick advances the room clock and returns the new timestamp, strictly
// after any earlier one handed out for roomID.
func (s *MessageStore) tick(ctx context.Context, roomID string) (int64, error) {
	for attempt := 0; attempt < maxClockAttempts; attempt++ {
		now := s.now().UTC().UnixMicro()

		var last int64
		err := s.session.Query(`SELECT last_us FROM chat_room_clocks WHERE room_id = ?`, roomID).
			WithContext(ctx).Scan(&last)

		var applied bool
		switch {
		case errors.Is(err, gocql.ErrNotFound):
			applied, err = s.session.Query(`INSERT INTO chat_room_clocks (room_id, last_us)
				VALUES (?, ?) IF NOT EXISTS`, roomID, now).
				WithContext(ctx).MapScanCAS(map[string]any{})
			if err == nil && applied {
				return now, nil
			}
		case err == nil:
			next := nextTimestamp(last, now)
			applied, err = s.session.Query(`UPDATE chat_room_clocks SET last_us = ?
				WHERE room_id = ? IF last_us = ?`, next, roomID, last).
				WithContext(ctx).MapScanCAS(map[string]any{})
			if err == nil && applied {
				return next, nil
			}
		}
		if err != nil {
			return 0, err
		}
	}
	return 0, errClockContention
}

func (s *MessageStore) get(ctx context.Context, roomID string, tsUS int64, messageID string) (*domain.ChatMessage, bool, error) {
	var body, senderUID, senderName string
	err := s.session.Query(`SELECT body, sender_uid, sender_name FROM chat_messages_by_room
		WHERE room_id = ? AND ts_us = ? AND message_id = ?`, roomID, tsUS, messageID).
		WithContext(ctx).Scan(&body, &senderUID, &senderName)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read message: %w", err)
	}
	return &domain.ChatMessage{
		ID:         messageID,
		RoomID:     roomID,
		Text:       body,
		SenderUID:  senderUID,
		SenderName: senderName,
		Timestamp:  fromMicros(tsUS),
	}, true, nil
}

func (s *MessageStore) write(ctx context.Context, msg domain.ChatMessage, tsUS int64) error {
	err := s.session.Query(`INSERT INTO chat_messages_by_room (
			room_id, ts_us, message_id, body, sender_uid, sender_name
		) VALUES (?, ?, ?, ?, ?, ?)`,
		msg.RoomID, tsUS, msg.ID, msg.Text, msg.SenderUID, msg.SenderName,
	).WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

func (s *MessageStore) published(ctx context.Context, msg domain.ChatMessage) {
	s.feed.Publish(ctx, pubsub.RoomMessagesChannel(msg.RoomID), pubsub.EventMessageAppended, msg.RoomID,
		pubsub.MessageAppendedPayload{RoomID: msg.RoomID, MessageID: msg.ID})
}

// Close stops every live subscription.
func (s *MessageStore) Close() error {
	s.cancel()
	return nil
}

func messageFrom(roomID string, draft domain.MessageDraft, tsUS int64) domain.ChatMessage {
	return domain.ChatMessage{
		ID:         draft.ID,
		RoomID:     roomID,
		Text:       draft.Text,
		SenderUID:  draft.SenderUID,
		SenderName: draft.SenderName,
		Timestamp:  fromMicros(tsUS),
	}
}

// nextTimestamp is now, or one microsecond past last when the clock has
// not moved beyond it.
func nextTimestamp(last, now int64) int64 {
	if now > last {
		return now
	}
	return last + 1
}

func fromMicros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}
