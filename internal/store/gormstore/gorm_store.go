// Package gormstore persists chat documents with GORM and turns change
// notifications from the event bus into live snapshots.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ayemish/kindnessconnect/internal/domain"
	"github.com/ayemish/kindnessconnect/internal/store"
	"github.com/ayemish/kindnessconnect/pkg/database"
	"github.com/ayemish/kindnessconnect/pkg/log"
	"github.com/ayemish/kindnessconnect/pkg/pubsub"
)

const defaultResync = 30 * time.Second

// Store implements store.Store on a SQL database.
type Store struct {
	db   *gorm.DB
	feed store.Feed
	now  func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

var _ store.Store = (*Store)(nil)

// New creates a store. resync is how often watchers re-query without a
// notification, which picks up rows written by other services.
func New(db *gorm.DB, bus pubsub.PubSub, resync time.Duration) *Store {
	if resync <= 0 {
		resync = defaultResync
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Store{
		db:     db,
		feed:   store.Feed{Bus: bus, Resync: resync},
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Migrate creates or updates the chat tables.
func (s *Store) Migrate() error {
	return database.AutoMigrate(s.db, Models()...)
}

// WatchRooms implements store.Store.
func (s *Store) WatchRooms(ctx context.Context, filter store.Filter) (store.Subscription[domain.ChatRoom], error) {
	where, args, err := roomWhere(filter)
	if err != nil {
		return nil, err
	}

	channels := make([]string, 0, 2)
	for _, uid := range filter.Participants() {
		channels = append(channels, pubsub.UserRoomsChannel(uid))
	}

	load := func(ctx context.Context) ([]domain.ChatRoom, error) {
		var models []RoomModel
		if err := s.db.WithContext(ctx).Where(where, args...).
			Order("created_at ASC, id ASC").Find(&models).Error; err != nil {
			return nil, fmt.Errorf("failed to query rooms: %w", err)
		}
		rooms := make([]domain.ChatRoom, len(models))
		for i := range models {
			rooms[i] = models[i].ToDomain()
		}
		return rooms, nil
	}

	return store.WatchFeed(ctx, s.ctx, s.feed, channels, load)
}

// WatchMessages implements store.Store.
func (s *Store) WatchMessages(ctx context.Context, roomID string) (store.Subscription[domain.ChatMessage], error) {
	load := func(ctx context.Context) ([]domain.ChatMessage, error) {
		var models []MessageModel
		if err := s.db.WithContext(ctx).Where("room_id = ?", roomID).
			Order("timestamp ASC, id ASC").Find(&models).Error; err != nil {
			return nil, fmt.Errorf("failed to query messages: %w", err)
		}
		msgs := make([]domain.ChatMessage, len(models))
		for i := range models {
			msgs[i] = models[i].ToDomain()
		}
		return msgs, nil
	}

	return store.WatchFeed(ctx, s.ctx, s.feed, []string{pubsub.RoomMessagesChannel(roomID)}, load)
}

// GetRoom implements store.Store.
func (s *Store) GetRoom(ctx context.Context, roomID string) (*domain.ChatRoom, error) {
	var model RoomModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", roomID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get room: %w", err)
	}
	room := model.ToDomain()
	return &room, nil
}

// GetUser implements store.Store.
func (s *Store) GetUser(ctx context.Context, uid string) (*domain.UserProfile, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).First(&model, "uid = ?", uid).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return model.ToDomain(), nil
}

// PutUser implements store.Store.
func (s *Store) PutUser(ctx context.Context, user domain.UserProfile) error {
	model := UserModel{UID: user.UID, FullName: user.FullName, Email: user.Email, Role: user.Role}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "uid"}},
		UpdateAll: true,
	}).Create(&model).Error
	if err != nil {
		return fmt.Errorf("failed to put user: %w", err)
	}
	return nil
}

// CreateRoom implements store.Store.
func (s *Store) CreateRoom(ctx context.Context, room domain.ChatRoom) (*domain.ChatRoom, error) {
	l := log.Ctx(ctx)

	existing, err := s.findRoom(ctx, room)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	model := RoomModel{
		ID:           room.ID,
		RequesterUID: room.RequesterUID,
		DonorUID:     room.DonorUID,
		RequestID:    room.RequestID,
		CreatedAt:    room.CreatedAt,
	}
	if model.ID == "" {
		model.ID = uuid.New().String()
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = s.now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		// A concurrent create of the same triple wins the unique index.
		if winner, findErr := s.findRoom(ctx, room); findErr == nil && winner != nil {
			return winner, nil
		}
		return nil, fmt.Errorf("failed to create room: %w", err)
	}

	created := model.ToDomain()
	l.Debug().Str(log.FieldRoomID, created.ID).Msg("chat room created in db")

	payload := pubsub.RoomChangedPayload{RoomID: created.ID, RequesterUID: created.RequesterUID, DonorUID: created.DonorUID}
	for _, uid := range uniq(created.RequesterUID, created.DonorUID) {
		s.feed.Publish(ctx, pubsub.UserRoomsChannel(uid), pubsub.EventRoomChanged, created.ID, payload)
	}
	return &created, nil
}

// findRoom returns the room holding room's triple, or nil.
func (s *Store) findRoom(ctx context.Context, room domain.ChatRoom) (*domain.ChatRoom, error) {
	var existing RoomModel
	err := s.db.WithContext(ctx).
		Where("requester_uid = ? AND donor_uid = ? AND request_id = ?", room.RequesterUID, room.DonorUID, room.RequestID).
		First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up room: %w", err)
	}
	r := existing.ToDomain()
	return &r, nil
}

// AppendMessage implements store.Store.
func (s *Store) AppendMessage(ctx context.Context, roomID string, draft domain.MessageDraft) (*domain.ChatMessage, error) {
	l := log.Ctx(ctx)
	if draft.ID == "" {
		draft.ID = uuid.New().String()
	}

	var (
		msg       domain.ChatMessage
		duplicate bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var room RoomModel
		q := tx
		if tx.Dialector.Name() != "sqlite" {
			// Serializes appends per room so timestamps stay strictly increasing.
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		if err := q.First(&room, "id = ?", roomID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return store.ErrNotFound
			}
			return err
		}

		var prior MessageModel
		err := tx.First(&prior, "id = ?", draft.ID).Error
		if err == nil {
			if prior.RoomID != roomID {
				return fmt.Errorf("message id %s already used in another room", draft.ID)
			}
			msg = prior.ToDomain()
			duplicate = true
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		ts := s.now().UTC().Truncate(time.Microsecond)
		var last MessageModel
		err = tx.Where("room_id = ?", roomID).Order("timestamp DESC").Limit(1).Find(&last).Error
		if err != nil {
			return err
		}
		if last.ID != "" && !ts.After(last.Timestamp) {
			ts = last.Timestamp.UTC().Add(time.Microsecond)
		}

		model := MessageModel{
			ID:         draft.ID,
			RoomID:     roomID,
			Text:       draft.Text,
			SenderUID:  draft.SenderUID,
			SenderName: draft.SenderName,
			Timestamp:  ts,
		}
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		msg = model.ToDomain()
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to append message: %w", err)
	}

	if duplicate {
		l.Debug().Str(log.FieldMessageID, msg.ID).Msg("duplicate append ignored")
		return &msg, nil
	}

	s.feed.Publish(ctx, pubsub.RoomMessagesChannel(roomID), pubsub.EventMessageAppended, roomID,
		pubsub.MessageAppendedPayload{RoomID: roomID, MessageID: msg.ID})
	return &msg, nil
}

// Close stops every live subscription. The database and bus are owned by the caller.
func (s *Store) Close() error {
	s.cancel()
	return nil
}

var roomColumns = map[string]struct{}{
	store.FieldRequesterUID: {},
	store.FieldDonorUID:     {},
	store.FieldRequestID:    {},
}

func roomWhere(filter store.Filter) (string, []any, error) {
	if len(filter.AnyOf) == 0 {
		return "", nil, errors.New("empty room filter")
	}
	parts := make([]string, 0, len(filter.AnyOf))
	args := make([]any, 0, len(filter.AnyOf))
	for _, p := range filter.AnyOf {
		if _, ok := roomColumns[p.Field]; !ok {
			return "", nil, fmt.Errorf("unsupported room filter field %q", p.Field)
		}
		parts = append(parts, p.Field+" = ?")
		args = append(args, p.Value)
	}
	return strings.Join(parts, " OR "), args, nil
}

func uniq(vals ...string) []string {
	out := vals[:0:0]
	for _, v := range vals {
		dup := false
		for _, o := range out {
			dup = dup || o == v
		}
		if !dup {
			out = append(out, v)
		}
	}
	return out
}
