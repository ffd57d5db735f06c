// Package room implements the per-room message view: a live transcript
// of one room plus sending into it.
package room

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ayemish/kindnessconnect/internal/audit"
	"github.com/ayemish/kindnessconnect/internal/domain"
	"github.com/ayemish/kindnessconnect/internal/identity"
	"github.com/ayemish/kindnessconnect/internal/store"
	"github.com/ayemish/kindnessconnect/pkg/log"
)

var (
	ErrRoomUnavailable = errors.New("chat room not available")
	ErrBlankMessage    = errors.New("message text is blank")
	ErrViewClosed      = errors.New("room view closed")
)

// SendError is returned when a message write fails. Draft can be resent
// unchanged; the store deduplicates on its ID.
type SendError struct {
	Draft domain.MessageDraft
	Err   error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send message %s: %v", e.Draft.ID, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// TitleResolver resolves the campaign title for the chat header.
type TitleResolver interface {
	Title(ctx context.Context, requestID string) (string, error)
}

// Service opens rooms and writes messages.
type Service struct {
	rooms    store.RoomReader
	messages store.MessageStore
	titles   TitleResolver
	newID    func() string
}

// NewService creates a room service. A nil titles resolver leaves the
// header at DefaultTitle.
func NewService(rooms store.RoomReader, messages store.MessageStore, titles TitleResolver) *Service {
	return &Service{
		rooms:    rooms,
		messages: messages,
		titles:   titles,
		newID:    uuid.NewString,
	}
}

// Authorize returns the room if uid may open it. Blank IDs, unknown rooms,
// self-chat rooms and rooms uid does not take part in are all
// ErrRoomUnavailable.
func (s *Service) Authorize(ctx context.Context, uid, roomID string) (*domain.ChatRoom, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return nil, ErrRoomUnavailable
	}
	r, err := s.rooms.GetRoom(ctx, roomID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRoomUnavailable, roomID)
		}
		return nil, fmt.Errorf("get room %s: %w", roomID, err)
	}
	if !r.HasParticipant(uid) || r.SelfChat() {
		return nil, fmt.Errorf("%w: %s", ErrRoomUnavailable, roomID)
	}
	return r, nil
}

func (s *Service) title(ctx context.Context, r *domain.ChatRoom) string {
	if s.titles == nil || r.RequestID == "" {
		return DefaultTitle
	}
	t, err := s.titles.Title(ctx, r.RequestID)
	if err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldRoomID, r.ID).Msg("failed to fetch chat header title")
	}
	return t
}

// NewDraft builds a draft from user. The store assigns the timestamp.
func (s *Service) NewDraft(user identity.User, text string) (domain.MessageDraft, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.MessageDraft{}, ErrBlankMessage
	}
	return domain.MessageDraft{
		ID:         s.newID(),
		Text:       text,
		SenderUID:  user.UID,
		SenderName: user.DisplayName(),
	}, nil
}

func (s *Service) append(ctx context.Context, r *domain.ChatRoom, draft domain.MessageDraft) (*domain.ChatMessage, error) {
	msg, err := s.messages.AppendMessage(ctx, r.ID, draft)
	if err != nil {
		l := log.Ctx(ctx)
		l.Error().Err(err).Str(log.FieldRoomID, r.ID).Str(log.FieldMessageID, draft.ID).Msg("failed to append message")
		audit.LogWithDetail(ctx, audit.ActionSendFailed, draft.SenderUID, r.ID, draft.ID, "message send failed")
		return nil, &SendError{Draft: draft, Err: err}
	}
	audit.LogWithDetail(ctx, audit.ActionSendMessage, draft.SenderUID, r.ID, msg.ID, "message sent")
	return msg, nil
}

// Send writes text into roomID as the session's user.
func (s *Service) Send(ctx context.Context, sess identity.Session, roomID, text string) (*domain.ChatMessage, error) {
	user, err := sess.Require()
	if err != nil {
		return nil, err
	}
	draft, err := s.NewDraft(*user, text)
	if err != nil {
		return nil, err
	}
	r, err := s.Authorize(ctx, user.UID, roomID)
	if err != nil {
		return nil, err
	}
	return s.append(ctx, r, draft)
}

// Transcript renders roomID once, from the first snapshot.
func (s *Service) Transcript(ctx context.Context, sess identity.Session, roomID string, loc *time.Location) (Transcript, error) {
	user, err := sess.Require()
	if err != nil {
		return Transcript{}, err
	}
	r, err := s.Authorize(ctx, user.UID, roomID)
	if err != nil {
		return Transcript{}, err
	}

	sub, err := s.messages.WatchMessages(ctx, r.ID)
	if err != nil {
		return Transcript{}, fmt.Errorf("watch messages: %w", err)
	}
	defer sub.Close()

	select {
	case msgs, ok := <-sub.Updates():
		if !ok {
			return Transcript{}, fmt.Errorf("watch messages: %v", sub.Err())
		}
		return Render(r.ID, s.title(ctx, r), user.UID, msgs, loc), nil
	case <-ctx.Done():
		return Transcript{}, ctx.Err()
	}
}

// Mount creates a live view for the session. It shows nothing until
// Switch opens a room. publish receives every transcript and is called
// with the view's lock held; it must not call back into the view.
func (s *Service) Mount(ctx context.Context, sess identity.Session, loc *time.Location, publish func(Transcript)) (*View, error) {
	user, err := sess.Require()
	if err != nil {
		return nil, err
	}
	if loc == nil {
		loc = time.UTC
	}
	ctx = log.WithFields(ctx, log.FieldView, "room", log.FieldUserID, user.UID)
	ctx, cancel := context.WithCancel(ctx)
	return &View{
		svc:     s,
		user:    *user,
		loc:     loc,
		publish: publish,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// View is a mounted room. It holds at most one message subscription,
// for the current room.
type View struct {
	svc     *Service
	user    identity.User
	loc     *time.Location
	publish func(Transcript)
	ctx     context.Context
	cancel  context.CancelFunc

	// switchMu serializes Switch and Close.
	switchMu sync.Mutex
	sub      store.Subscription[domain.ChatMessage]
	pumpDone chan struct{}

	mu     sync.Mutex
	gen    uint64
	room   *domain.ChatRoom
	title  string
	state  Transcript
	closed bool
}

// Switch moves the view to roomID. The previous room's subscription is
// gone before anything from the new room is published.
func (v *View) Switch(ctx context.Context, roomID string) error {
	v.switchMu.Lock()
	defer v.switchMu.Unlock()

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return ErrViewClosed
	}
	v.gen++
	gen := v.gen
	v.room = nil
	v.mu.Unlock()

	v.teardown()

	r, err := v.svc.Authorize(ctx, v.user.UID, roomID)
	if err != nil {
		l := log.Ctx(v.ctx)
		l.Info().Err(err).Str(log.FieldRoomID, roomID).Msg("room not opened")
		v.commitGen(gen, Unavailable(roomID))
		return err
	}

	v.mu.Lock()
	if v.gen != gen || v.closed {
		v.mu.Unlock()
		return ErrViewClosed
	}
	v.room = r
	v.title = DefaultTitle
	v.commitLocked(Transcript{RoomID: r.ID, Title: v.title, Bubbles: []Bubble{}, Loading: true})
	v.mu.Unlock()

	sub, err := v.svc.messages.WatchMessages(v.ctx, r.ID)
	if err != nil {
		l := log.Ctx(v.ctx)
		l.Error().Err(err).Str(log.FieldRoomID, r.ID).Msg("failed to subscribe to messages")
		v.commitGen(gen, Transcript{RoomID: r.ID, Title: DefaultTitle, Bubbles: []Bubble{}, Error: LoadErrorText})
		return fmt.Errorf("watch messages: %w", err)
	}
	v.sub = sub
	v.pumpDone = make(chan struct{})
	go v.pump(gen, r, sub, v.pumpDone)
	go v.resolveTitle(gen, r)
	return nil
}

func (v *View) teardown() {
	if v.sub == nil {
		return
	}
	v.sub.Close()
	<-v.pumpDone
	v.sub = nil
	v.pumpDone = nil
}

func (v *View) pump(gen uint64, r *domain.ChatRoom, sub store.Subscription[domain.ChatMessage], done chan struct{}) {
	defer close(done)
	for msgs := range sub.Updates() {
		v.mu.Lock()
		if v.gen == gen && !v.closed {
			v.commitLocked(Render(r.ID, v.title, v.user.UID, msgs, v.loc))
		}
		v.mu.Unlock()
	}

	if err := sub.Err(); err != nil && v.ctx.Err() == nil {
		l := log.Ctx(v.ctx)
		l.Error().Err(err).Str(log.FieldRoomID, r.ID).Msg("message subscription ended")
		v.commitGen(gen, Transcript{RoomID: r.ID, Title: DefaultTitle, Bubbles: []Bubble{}, Error: LoadErrorText})
	}
}

func (v *View) resolveTitle(gen uint64, r *domain.ChatRoom) {
	title := v.svc.title(v.ctx, r)

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.gen != gen || v.closed || title == v.title {
		return
	}
	v.title = title
	next := v.state
	next.Title = title
	v.commitLocked(next)
}

func (v *View) commitGen(gen uint64, t Transcript) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.gen != gen {
		return
	}
	v.commitLocked(t)
}

func (v *View) commitLocked(t Transcript) {
	if v.closed {
		return
	}
	v.state = t
	if v.publish != nil {
		v.publish(t)
	}
}

// Send writes text into the current room. Blank text is ErrBlankMessage
// and writes nothing. A failed write returns a *SendError.
func (v *View) Send(ctx context.Context, text string) (*domain.ChatMessage, error) {
	draft, err := v.svc.NewDraft(v.user, text)
	if err != nil {
		return nil, err
	}
	return v.Resend(ctx, draft)
}

// Resend writes a draft returned by a failed Send.
func (v *View) Resend(ctx context.Context, draft domain.MessageDraft) (*domain.ChatMessage, error) {
	v.mu.Lock()
	r, closed := v.room, v.closed
	v.mu.Unlock()
	if closed {
		return nil, ErrViewClosed
	}
	if r == nil {
		return nil, ErrRoomUnavailable
	}

	draft.Text = strings.TrimSpace(draft.Text)
	if draft.Text == "" {
		return nil, ErrBlankMessage
	}
	if draft.ID == "" {
		draft.ID = v.svc.newID()
	}
	draft.SenderUID = v.user.UID
	if draft.SenderName == "" {
		draft.SenderName = v.user.DisplayName()
	}
	return v.svc.append(ctx, r, draft)
}

// RoomID is the room currently shown, or "".
func (v *View) RoomID() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.room == nil {
		return ""
	}
	return v.room.ID
}

// State returns the last published transcript.
func (v *View) State() Transcript {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// Close unmounts the view and releases its subscription. Nothing is
// published after it returns.
func (v *View) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	v.mu.Unlock()

	v.cancel()
	v.switchMu.Lock()
	defer v.switchMu.Unlock()
	v.teardown()
	return nil
}
