package inbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayemish/kindnessconnect/internal/domain"
	"github.com/ayemish/kindnessconnect/internal/identity"
	"github.com/ayemish/kindnessconnect/internal/lookup"
	"github.com/ayemish/kindnessconnect/internal/store"
	"github.com/ayemish/kindnessconnect/internal/store/memory"
)

type fakeResolver struct {
	titles map[string]string
	names  map[string]string

	// gate, when set, holds every DisplayName call until closed.
	gate    chan struct{}
	pending atomic.Int32
}

func (f *fakeResolver) Title(ctx context.Context, requestID string) (string, error) {
	if t, ok := f.titles[requestID]; ok {
		return t, nil
	}
	return lookup.FallbackTitle(requestID), errors.New("title unavailable")
}

func (f *fakeResolver) DisplayName(ctx context.Context, uid string) (string, error) {
	if f.gate != nil {
		f.pending.Add(1)
		<-f.gate
		f.pending.Add(-1)
	}
	if n, ok := f.names[uid]; ok {
		return n, nil
	}
	return lookup.FallbackName(uid), store.ErrNotFound
}

type recorder struct {
	mu     sync.Mutex
	states []State
}

func (r *recorder) publish(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) all() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func (r *recorder) last() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return State{}
	}
	return r.states[len(r.states)-1]
}

func (r *recorder) waitFor(t *testing.T, cond func(State) bool) State {
	t.Helper()
	require.Eventually(t, func() bool { return cond(r.last()) }, 2*time.Second, 5*time.Millisecond)
	return r.last()
}

func session(uid string) identity.Session {
	return identity.Authenticated(identity.User{UID: uid, FullName: "Viewer"})
}

func createRoom(t *testing.T, s *memory.Store, id, requester, donor, request string) {
	t.Helper()
	_, err := s.CreateRoom(context.Background(), domain.ChatRoom{ID: id, RequesterUID: requester, DonorUID: donor, RequestID: request})
	require.NoError(t, err)
}

func ready(n int) func(State) bool {
	return func(s State) bool { return s.Status == StatusReady && len(s.Entries) == n }
}

func TestInboxResolvesBothRoles(t *testing.T) {
	s := memory.New()
	defer s.Close()
	createRoom(t, s, "R1", "U", "D1", "Q1")
	createRoom(t, s, "R2", "Q2", "U", "Q2req")

	res := &fakeResolver{
		titles: map[string]string{"Q1": "Help Grandma", "Q2req": "School Fees"},
		names:  map[string]string{"D1": "Dana", "Q2": "Quinn"},
	}
	rec := &recorder{}
	v, err := NewAggregator(s, res, 4).Mount(context.Background(), session("U"), rec.publish)
	require.NoError(t, err)
	defer v.Close()

	st := rec.waitFor(t, ready(2))
	assert.Equal(t, StatusLoading, rec.all()[0].Status)
	assert.Equal(t, []domain.InboxEntry{
		{ChatID: "R1", RequesterUID: "U", DonorUID: "D1", RequestID: "Q1", RequestTitle: "Help Grandma", OtherUserName: "Dana", ConversationRole: domain.RoleRequester},
		{ChatID: "R2", RequesterUID: "Q2", DonorUID: "U", RequestID: "Q2req", RequestTitle: "School Fees", OtherUserName: "Quinn", ConversationRole: domain.RoleDonor},
	}, st.Entries)
	assert.Empty(t, st.EmptyText)
}

func TestInboxLookupFailuresDegradeToFallbacks(t *testing.T) {
	s := memory.New()
	defer s.Close()
	createRoom(t, s, "R1", "U", "abcdefghij", "Q404")

	rec := &recorder{}
	v, err := NewAggregator(s, &fakeResolver{}, 4).Mount(context.Background(), session("U"), rec.publish)
	require.NoError(t, err)
	defer v.Close()

	st := rec.waitFor(t, ready(1))
	assert.Equal(t, "Campaign ID: Q404 (Error fetching title)", st.Entries[0].RequestTitle)
	assert.Equal(t, "abcdefgh...", st.Entries[0].OtherUserName)
}

func TestInboxEmpty(t *testing.T) {
	s := memory.New()
	defer s.Close()

	rec := &recorder{}
	v, err := NewAggregator(s, &fakeResolver{}, 4).Mount(context.Background(), session("U"), rec.publish)
	require.NoError(t, err)
	defer v.Close()

	st := rec.waitFor(t, ready(0))
	assert.Equal(t, "You have no active conversations yet.", st.EmptyText)
	require.NotNil(t, st.Explore)
	assert.Equal(t, "/", st.Explore.Path)
	assert.NotNil(t, st.Entries)
}

func TestInboxRequiresUser(t *testing.T) {
	s := memory.New()
	defer s.Close()
	agg := NewAggregator(s, &fakeResolver{}, 4)

	_, err := agg.Mount(context.Background(), identity.Session{}, func(State) {})
	assert.ErrorIs(t, err, identity.ErrAuthRequired)

	_, err = agg.Mount(context.Background(), identity.Session{Loading: true}, func(State) {})
	assert.ErrorIs(t, err, identity.ErrSessionLoading)
}

func TestInboxSubscriptionFailure(t *testing.T) {
	s := memory.New()
	defer s.Close()
	createRoom(t, s, "R1", "U", "D1", "Q1")

	rec := &recorder{}
	v, err := NewAggregator(s, &fakeResolver{}, 4).Mount(context.Background(), session("U"), rec.publish)
	require.NoError(t, err)
	defer v.Close()
	rec.waitFor(t, ready(1))

	s.FailWatchers(errors.New("permission denied"))

	st := rec.waitFor(t, func(s State) bool { return s.Status == StatusError })
	assert.Equal(t, "Failed to load chat data.", st.Error)
}

func TestInboxReplacesListAtomically(t *testing.T) {
	s := memory.New()
	defer s.Close()
	createRoom(t, s, "R1", "U", "D1", "Q1")

	res := &fakeResolver{names: map[string]string{"D1": "Dana", "D2": "Dev"}}
	rec := &recorder{}
	v, err := NewAggregator(s, res, 4).Mount(context.Background(), session("U"), rec.publish)
	require.NoError(t, err)
	defer v.Close()
	rec.waitFor(t, ready(1))

	res.gate = make(chan struct{})
	createRoom(t, s, "R2", "U", "D2", "Q2")
	require.Eventually(t, func() bool { return res.pending.Load() == 2 }, 2*time.Second, 5*time.Millisecond)

	// Both rooms are mid-resolution: loading, with the old list kept.
	mid := rec.last()
	assert.Equal(t, StatusLoading, mid.Status)
	assert.Len(t, mid.Entries, 1)

	close(res.gate)
	st := rec.waitFor(t, ready(2))
	assert.Equal(t, "Dana", st.Entries[0].OtherUserName)
	assert.Equal(t, "Dev", st.Entries[1].OtherUserName)

	for _, seen := range rec.all() {
		for _, e := range seen.Entries {
			assert.NotEmpty(t, e.OtherUserName, "partially enriched entry was published")
		}
	}
}

func TestInboxCloseDiscardsLateLookups(t *testing.T) {
	s := memory.New()
	defer s.Close()
	createRoom(t, s, "R1", "U", "D1", "Q1")

	res := &fakeResolver{names: map[string]string{"D1": "Dana"}, gate: make(chan struct{})}
	rec := &recorder{}
	v, err := NewAggregator(s, res, 4).Mount(context.Background(), session("U"), rec.publish)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return res.pending.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, v.Close())
	published := len(rec.all())

	close(res.gate)
	require.Eventually(t, func() bool { return res.pending.Load() == 0 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	assert.Len(t, rec.all(), published)
	assert.Equal(t, StatusLoading, v.State().Status)
	assert.NoError(t, v.Close(), "second close is a no-op")
}

type gatedRequests struct {
	calls atomic.Int32
	gate  chan struct{}
}

func (g *gatedRequests) GetRequest(ctx context.Context, id string) (*domain.Request, error) {
	g.calls.Add(1)
	select {
	case <-g.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &domain.Request{ID: id, Title: "Food Drive"}, nil
}

func TestInboxSharedTitleSurvivesOtherViewClosing(t *testing.T) {
	s := memory.New()
	defer s.Close()
	require.NoError(t, s.PutUser(context.Background(), domain.UserProfile{UID: "REQ", FullName: "Rita"}))
	createRoom(t, s, "R1", "REQ", "d1", "req1")
	createRoom(t, s, "R2", "REQ", "d2", "req1")

	reqs := &gatedRequests{gate: make(chan struct{})}
	agg := NewAggregator(s, lookup.NewResolver(reqs, s, nil, time.Minute), 4)

	first := &recorder{}
	v1, err := agg.Mount(context.Background(), session("d1"), first.publish)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return reqs.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	second := &recorder{}
	v2, err := agg.Mount(context.Background(), session("d2"), second.publish)
	require.NoError(t, err)
	defer v2.Close()
	second.waitFor(t, func(st State) bool { return st.Status == StatusLoading })
	time.Sleep(30 * time.Millisecond)

	require.NoError(t, v1.Close())
	close(reqs.gate)

	st := second.waitFor(t, ready(1))
	assert.Equal(t, "Food Drive", st.Entries[0].RequestTitle)
	assert.Equal(t, "Rita", st.Entries[0].OtherUserName)
	assert.Equal(t, int32(1), reqs.calls.Load())
}

func TestBuildDeduplicatesAndSkipsSelfChat(t *testing.T) {
	agg := NewAggregator(memory.New(), &fakeResolver{names: map[string]string{"D1": "Dana"}}, 2)
	rooms := []domain.ChatRoom{
		{ID: "R1", RequesterUID: "U", DonorUID: "D1", RequestID: "Q1"},
		{ID: "R1", RequesterUID: "U", DonorUID: "D1", RequestID: "Q1"},
		{ID: "SELF", RequesterUID: "U", DonorUID: "U", RequestID: "Q2"},
		{ID: "OTHER", RequesterUID: "X", DonorUID: "Y", RequestID: "Q3"},
	}

	entries, err := agg.Build(context.Background(), "U", rooms)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "R1", entries[0].ChatID)
}

func TestBuildWithSplitOrStore(t *testing.T) {
	s := memory.New(memory.WithSplitOr())
	defer s.Close()
	createRoom(t, s, "R1", "U", "D1", "Q1")
	createRoom(t, s, "R2", "D2", "U", "Q2")

	st, err := NewAggregator(s, &fakeResolver{}, 2).Load(context.Background(), session("U"))
	require.NoError(t, err)
	require.Len(t, st.Entries, 2)
	assert.Equal(t, "R1", st.Entries[0].ChatID)
	assert.Equal(t, "R2", st.Entries[1].ChatID)
}

func TestLoadReportsSubscriptionFailure(t *testing.T) {
	s := memory.New()
	defer s.Close()
	s.InjectFaults(memory.Faults{Watch: errors.New("unavailable")})

	st, err := NewAggregator(s, &fakeResolver{}, 2).Load(context.Background(), session("U"))
	assert.ErrorIs(t, err, ErrSubscriptionFailed)
	assert.Equal(t, StatusError, st.Status)
}
