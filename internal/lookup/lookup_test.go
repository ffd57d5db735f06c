package lookup

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayemish/kindnessconnect/internal/cache"
	"github.com/ayemish/kindnessconnect/internal/domain"
	"github.com/ayemish/kindnessconnect/internal/store"
)

type fakeRequests struct {
	calls  atomic.Int32
	titles map[string]string
	gate   chan struct{}
}

func (f *fakeRequests) GetRequest(ctx context.Context, id string) (*domain.Request, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	title, ok := f.titles[id]
	if !ok {
		return nil, errors.New("404")
	}
	return &domain.Request{ID: id, Title: title}, nil
}

type fakeProfiles map[string]domain.UserProfile

func (f fakeProfiles) GetUser(ctx context.Context, uid string) (*domain.UserProfile, error) {
	p, ok := f[uid]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func TestFallbacks(t *testing.T) {
	assert.Equal(t, "Campaign ID: q1 (Error fetching title)", FallbackTitle("q1"))
	assert.Equal(t, "abcdefgh...", FallbackName("abcdefghijklmnop"))
	assert.Equal(t, "abc...", FallbackName("abc"))
	assert.Equal(t, "ünïcödé!...", FallbackName("ünïcödé!xyz"))
}

func TestTitle(t *testing.T) {
	r := NewResolver(&fakeRequests{titles: map[string]string{"q1": "Help Grandma"}}, fakeProfiles{}, nil, time.Minute)

	title, err := r.Title(context.Background(), "q1")
	require.NoError(t, err)
	assert.Equal(t, "Help Grandma", title)

	title, err = r.Title(context.Background(), "q404")
	assert.Error(t, err)
	assert.Equal(t, "Campaign ID: q404 (Error fetching title)", title)

	title, err = r.Title(context.Background(), "")
	assert.ErrorIs(t, err, ErrMissingID)
	assert.Equal(t, FallbackTitle(""), title)
}

func TestDisplayName(t *testing.T) {
	r := NewResolver(&fakeRequests{}, fakeProfiles{
		"u1":               {UID: "u1", FullName: "Ada Lovelace"},
		"noname-uid-12345": {UID: "noname-uid-12345"},
	}, nil, time.Minute)
	ctx := context.Background()

	name, err := r.DisplayName(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", name)

	name, err = r.DisplayName(ctx, "noname-uid-12345")
	require.NoError(t, err)
	assert.Equal(t, "noname-u...", name)

	name, err = r.DisplayName(ctx, "ghost-uid-999")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, "ghost-ui...", name)
}

func TestConcurrentTitleLookupsShareOneFetch(t *testing.T) {
	reqs := &fakeRequests{titles: map[string]string{"q1": "Shared"}, gate: make(chan struct{})}
	r := NewResolver(reqs, fakeProfiles{}, nil, time.Minute)

	var wg sync.WaitGroup
	results := make([]string, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = r.Title(context.Background(), "q1")
		}(i)
	}

	require.Eventually(t, func() bool { return reqs.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(reqs.gate)
	wg.Wait()

	for _, res := range results {
		assert.Equal(t, "Shared", res)
	}
	assert.Equal(t, int32(1), reqs.calls.Load())
}

func TestCancelledWaiterLeavesSharedFetchRunning(t *testing.T) {
	reqs := &fakeRequests{titles: map[string]string{"q1": "Food Drive"}, gate: make(chan struct{})}
	r := NewResolver(reqs, fakeProfiles{}, nil, time.Minute)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstDone := make(chan error, 1)
	go func() {
		_, err := r.Title(firstCtx, "q1")
		firstDone <- err
	}()
	require.Eventually(t, func() bool { return reqs.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	secondDone := make(chan string, 1)
	go func() {
		title, _ := r.Title(context.Background(), "q1")
		secondDone <- title
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	select {
	case err := <-firstDone:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller kept waiting")
	}

	close(reqs.gate)
	select {
	case title := <-secondDone:
		assert.Equal(t, "Food Drive", title)
	case <-time.After(time.Second):
		t.Fatal("second caller never got the shared result")
	}
	assert.Equal(t, int32(1), reqs.calls.Load())
}

func TestSharedFetchTimeout(t *testing.T) {
	reqs := &fakeRequests{titles: map[string]string{"q1": "Never"}, gate: make(chan struct{})}
	r := NewResolver(reqs, fakeProfiles{}, nil, time.Minute, WithFetchTimeout(20*time.Millisecond))

	title, err := r.Title(context.Background(), "q1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, FallbackTitle("q1"), title)
}

func TestTitleIsCached(t *testing.T) {
	mr := miniredis.RunT(t)
	c := cache.NewRedisLookupCacheFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "chat:lookup")
	defer c.Close()

	reqs := &fakeRequests{titles: map[string]string{"q1": "Cached title"}}
	r := NewResolver(reqs, fakeProfiles{}, c, time.Minute)

	_, err := r.Title(context.Background(), "q1")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return mr.Exists("chat:lookup:title:q1") }, time.Second, 5*time.Millisecond)

	title, err := r.Title(context.Background(), "q1")
	require.NoError(t, err)
	assert.Equal(t, "Cached title", title)
	assert.Equal(t, int32(1), reqs.calls.Load())
}

func TestCacheOutageFallsThrough(t *testing.T) {
	mr := miniredis.RunT(t)
	c := cache.NewRedisLookupCacheFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1}), "chat:lookup")
	defer c.Close()
	mr.Close()

	r := NewResolver(&fakeRequests{titles: map[string]string{"q1": "Still works"}}, fakeProfiles{}, c, time.Minute)
	title, err := r.Title(context.Background(), "q1")
	require.NoError(t, err)
	assert.Equal(t, "Still works", title)
}
