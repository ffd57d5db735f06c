// Package inbox builds a user's live list of chat rooms, each enriched
// with the campaign title and the other participant's name.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ayemish/kindnessconnect/internal/domain"
	"github.com/ayemish/kindnessconnect/internal/identity"
	"github.com/ayemish/kindnessconnect/internal/store"
	"github.com/ayemish/kindnessconnect/pkg/log"
)

// ErrSubscriptionFailed means the room query could not be served.
var ErrSubscriptionFailed = errors.New("room subscription failed")

// Status is the inbox view's load status.
type Status string

const (
	StatusLoading Status = "loading"
	StatusReady   Status = "ready"
	StatusError   Status = "error"
)

const (
	LoadErrorText = "Failed to load chat data."
	EmptyText     = "You have no active conversations yet."
	ExploreText   = "Explore Campaigns"
	ExplorePath   = "/"
)

const defaultConcurrency = 8

// State is what the inbox renders. Entries is only ever a fully
// resolved list: while a snapshot resolves the status is Loading and
// Entries still holds the previous list.
type State struct {
	Status    Status              `json:"status"`
	Entries   []domain.InboxEntry `json:"entries"`
	Error     string              `json:"error,omitempty"`
	EmptyText string              `json:"empty_text,omitempty"`
	Explore   *Link               `json:"explore,omitempty"`
}

// Link points an empty inbox somewhere useful.
type Link struct {
	Text string `json:"text"`
	Path string `json:"path"`
}

// EntryResolver supplies the enrichment lookups. Both methods return a
// usable fallback value alongside any error.
type EntryResolver interface {
	Title(ctx context.Context, requestID string) (string, error)
	DisplayName(ctx context.Context, uid string) (string, error)
}

// Aggregator joins room snapshots with lookups.
type Aggregator struct {
	rooms       store.RoomWatcher
	resolver    EntryResolver
	concurrency int
}

// NewAggregator creates an aggregator. concurrency bounds the rooms
// resolved in parallel per snapshot.
func NewAggregator(rooms store.RoomWatcher, resolver EntryResolver, concurrency int) *Aggregator {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Aggregator{
		rooms:       rooms,
		resolver:    resolver,
		concurrency: concurrency,
	}
}

// Build resolves a room snapshot into entries in snapshot order. Rooms
// repeated in the snapshot appear once. The only error is ctx's.
func (a *Aggregator) Build(ctx context.Context, uid string, rooms []domain.ChatRoom) ([]domain.InboxEntry, error) {
	l := log.Ctx(ctx)

	seen := make(map[string]struct{}, len(rooms))
	kept := make([]domain.ChatRoom, 0, len(rooms))
	for _, room := range rooms {
		if _, dup := seen[room.ID]; dup {
			continue
		}
		seen[room.ID] = struct{}{}

		if room.SelfChat() {
			l.Warn().Str(log.FieldRoomID, room.ID).Msg("skipping room whose requester is also its donor")
			continue
		}
		if !room.HasParticipant(uid) {
			l.Warn().Str(log.FieldRoomID, room.ID).Msg("skipping room the user does not take part in")
			continue
		}
		kept = append(kept, room)
	}

	entries := make([]domain.InboxEntry, len(kept))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for i, room := range kept {
		g.Go(func() error {
			entries[i] = a.resolveEntry(gctx, uid, room)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// resolveEntry runs the title and counterparty lookups concurrently.
func (a *Aggregator) resolveEntry(ctx context.Context, uid string, room domain.ChatRoom) domain.InboxEntry {
	l := log.Ctx(ctx)
	other := room.Counterparty(uid)

	var title, name string
	var g errgroup.Group
	g.Go(func() error {
		var err error
		title, err = a.resolver.Title(ctx, room.RequestID)
		if err != nil && ctx.Err() == nil {
			l.Warn().Err(err).Str(log.FieldRoomID, room.ID).Str("request_id", room.RequestID).Msg("failed to fetch campaign title")
		}
		return nil
	})
	g.Go(func() error {
		var err error
		name, err = a.resolver.DisplayName(ctx, other)
		if err != nil && ctx.Err() == nil {
			l.Warn().Err(err).Str(log.FieldRoomID, room.ID).Str("counterparty_uid", other).Msg("failed to fetch counterparty profile")
		}
		return nil
	})
	_ = g.Wait()

	return domain.InboxEntry{
		ChatID:           room.ID,
		RequesterUID:     room.RequesterUID,
		DonorUID:         room.DonorUID,
		RequestID:        room.RequestID,
		RequestTitle:     title,
		OtherUserName:    name,
		ConversationRole: room.RoleOf(uid),
	}
}

// Load resolves the inbox once, from the first snapshot.
func (a *Aggregator) Load(ctx context.Context, sess identity.Session) (State, error) {
	user, err := sess.Require()
	if err != nil {
		return State{}, err
	}

	sub, err := a.rooms.WatchRooms(ctx, store.ParticipantFilter(user.UID))
	if err != nil {
		return errorState(), fmt.Errorf("%w: %w", ErrSubscriptionFailed, err)
	}
	defer sub.Close()

	select {
	case rooms, ok := <-sub.Updates():
		if !ok {
			return errorState(), fmt.Errorf("%w: %v", ErrSubscriptionFailed, sub.Err())
		}
		entries, err := a.Build(ctx, user.UID, rooms)
		if err != nil {
			return State{}, err
		}
		return readyState(entries), nil
	case <-ctx.Done():
		return State{}, ctx.Err()
	}
}

// Mount starts a live inbox for the session. publish receives every
// committed state, starting with Loading; it is called with the view's
// lock held and must not call back into the view.
func (a *Aggregator) Mount(ctx context.Context, sess identity.Session, publish func(State)) (*View, error) {
	user, err := sess.Require()
	if err != nil {
		return nil, err
	}

	ctx = log.WithFields(ctx, log.FieldView, "inbox", log.FieldUserID, user.UID)
	ctx, cancel := context.WithCancel(ctx)
	v := &View{
		agg:     a,
		uid:     user.UID,
		publish: publish,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	v.commit(State{Status: StatusLoading})

	sub, err := a.rooms.WatchRooms(ctx, store.ParticipantFilter(user.UID))
	if err != nil {
		l := log.Ctx(ctx)
		l.Error().Err(err).Msg("failed to subscribe to rooms")
		v.commit(errorState())
		cancel()
		close(v.done)
		return nil, fmt.Errorf("%w: %w", ErrSubscriptionFailed, err)
	}
	v.sub = sub

	go v.run(ctx)
	return v, nil
}

// View is a mounted inbox. It owns exactly one room subscription.
type View struct {
	agg     *Aggregator
	uid     string
	sub     store.Subscription[domain.ChatRoom]
	publish func(State)
	cancel  context.CancelFunc
	done    chan struct{}

	mu     sync.Mutex
	state  State
	closed bool
}

type buildResult struct {
	gen     uint64
	entries []domain.InboxEntry
	err     error
}

func (v *View) run(ctx context.Context) {
	defer close(v.done)
	l := log.Ctx(ctx)

	var (
		gen         uint64
		cancelBuild context.CancelFunc = func() {}
	)
	defer func() { cancelBuild() }()
	results := make(chan buildResult)

	for {
		select {
		case <-ctx.Done():
			return

		case rooms, ok := <-v.sub.Updates():
			if !ok {
				if err := v.sub.Err(); err != nil && ctx.Err() == nil {
					l.Error().Err(err).Msg("room subscription ended")
					v.commit(errorState())
				}
				return
			}

			// A newer snapshot supersedes whatever is still resolving.
			cancelBuild()
			v.commit(v.loadingState())
			gen++
			bctx, cancel := context.WithCancel(ctx)
			cancelBuild = cancel
			go func(gen uint64) {
				entries, err := v.agg.Build(bctx, v.uid, rooms)
				select {
				case results <- buildResult{gen: gen, entries: entries, err: err}:
				case <-ctx.Done():
				}
			}(gen)

		case res := <-results:
			if res.gen != gen || res.err != nil {
				continue
			}
			v.commit(readyState(res.entries))
		}
	}
}

// commit publishes s unless the view was closed.
func (v *View) commit(s State) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	v.state = s
	if v.publish != nil {
		v.publish(s)
	}
}

func (v *View) loadingState() State {
	v.mu.Lock()
	prev := v.state.Entries
	v.mu.Unlock()
	return State{Status: StatusLoading, Entries: prev}
}

// State returns the last committed state.
func (v *View) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// Done is closed when the view stops consuming updates.
func (v *View) Done() <-chan struct{} {
	return v.done
}

// Close unmounts the view: nothing is published after it returns.
// Lookups still in flight finish in the background and are discarded.
func (v *View) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	v.mu.Unlock()

	v.cancel()
	err := v.sub.Close()
	<-v.done
	return err
}

func readyState(entries []domain.InboxEntry) State {
	if entries == nil {
		entries = []domain.InboxEntry{}
	}
	s := State{Status: StatusReady, Entries: entries}
	if len(entries) == 0 {
		s.EmptyText = EmptyText
		s.Explore = &Link{Text: ExploreText, Path: ExplorePath}
	}
	return s
}

func errorState() State {
	return State{Status: StatusError, Entries: []domain.InboxEntry{}, Error: LoadErrorText}
}
