// Package lookup resolves the display data an inbox row or chat header
// needs: campaign titles from the REST API and participant names from the
// store. Failures degrade to fixed fallbacks instead of failing the view.
package lookup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ayemish/kindnessconnect/internal/cache"
	"github.com/ayemish/kindnessconnect/internal/domain"
	"github.com/ayemish/kindnessconnect/pkg/log"
)

var ErrMissingID = errors.New("missing id")

// FallbackTitle is shown when a campaign title cannot be fetched.
func FallbackTitle(requestID string) string {
	return fmt.Sprintf("Campaign ID: %s (Error fetching title)", requestID)
}

// FallbackName is shown when a user has no resolvable full name:
// the first 8 characters of the uid and an ellipsis.
func FallbackName(uid string) string {
	r := []rune(uid)
	if len(r) > 8 {
		r = r[:8]
	}
	return string(r) + "..."
}

// RequestFetcher reads a fundraising request.
type RequestFetcher interface {
	GetRequest(ctx context.Context, requestID string) (*domain.Request, error)
}

// ProfileReader reads a user profile.
type ProfileReader interface {
	GetUser(ctx context.Context, uid string) (*domain.UserProfile, error)
}

// Resolver resolves titles and names through a read-through cache.
// Concurrent lookups of the same key share one fetch.
type Resolver struct {
	requests RequestFetcher
	profiles ProfileReader
	cache    cache.LookupCache
	ttl      time.Duration
	timeout  time.Duration
	sf       singleflight.Group
}

const defaultFetchTimeout = 10 * time.Second

// Option configures a Resolver.
type Option func(*Resolver)

// WithFetchTimeout bounds one shared fetch.
func WithFetchTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewResolver creates a resolver. A nil cache disables caching.
func NewResolver(requests RequestFetcher, profiles ProfileReader, c cache.LookupCache, ttl time.Duration, opts ...Option) *Resolver {
	if c == nil {
		c = cache.NopCache{}
	}
	r := &Resolver{
		requests: requests,
		profiles: profiles,
		cache:    c,
		ttl:      ttl,
		timeout:  defaultFetchTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Title returns the campaign title for requestID. On error the returned
// title is the fallback, so callers can log and carry on.
func (r *Resolver) Title(ctx context.Context, requestID string) (string, error) {
	if requestID == "" {
		return FallbackTitle(requestID), ErrMissingID
	}

	res, err := r.resolve(ctx, cache.KindTitle, requestID, func(ctx context.Context) (*cache.LookupResult, error) {
		req, err := r.requests.GetRequest(ctx, requestID)
		if err != nil {
			return nil, err
		}
		return &cache.LookupResult{Title: req.Title}, nil
	})
	if err != nil {
		return FallbackTitle(requestID), err
	}
	if res.Title == "" {
		return FallbackTitle(requestID), fmt.Errorf("request %s has no title", requestID)
	}
	return res.Title, nil
}

// Profile returns the stored profile for uid.
func (r *Resolver) Profile(ctx context.Context, uid string) (*domain.UserProfile, error) {
	if uid == "" {
		return nil, ErrMissingID
	}
	res, err := r.resolve(ctx, cache.KindProfile, uid, func(ctx context.Context) (*cache.LookupResult, error) {
		p, err := r.profiles.GetUser(ctx, uid)
		if err != nil {
			return nil, err
		}
		return &cache.LookupResult{Profile: p}, nil
	})
	if err != nil {
		return nil, err
	}
	if res.Profile == nil {
		return nil, fmt.Errorf("empty cached profile for %s", uid)
	}
	return res.Profile, nil
}

// DisplayName returns uid's full name, falling back to a shortened uid.
// A profile without a full name falls back silently.
func (r *Resolver) DisplayName(ctx context.Context, uid string) (string, error) {
	p, err := r.Profile(ctx, uid)
	if err != nil {
		return FallbackName(uid), err
	}
	if p.FullName == "" {
		return FallbackName(uid), nil
	}
	return p.FullName, nil
}

// resolve waits on the shared fetch for key. The fetch itself runs
// detached from ctx: other waiters may have joined it, so one caller
// going away only ends that caller's wait.
func (r *Resolver) resolve(ctx context.Context, kind, id string, fetch func(context.Context) (*cache.LookupResult, error)) (*cache.LookupResult, error) {
	key := r.cache.BuildKey(kind, id)

	ch := r.sf.DoChan(key, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()

		cached, err := r.cache.Get(fetchCtx, key)
		if err == nil {
			return cached, nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			l := log.Ctx(fetchCtx)
			l.Warn().Err(err).Str("key", key).Msg("cache get error")
		}

		res, err := fetch(fetchCtx)
		if err != nil {
			return nil, err
		}

		go func() {
			cacheCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := r.cache.Set(cacheCtx, key, res, r.ttl); err != nil {
				l := log.L()
				l.Warn().Err(err).Str("key", key).Msg("cache set error")
			}
		}()

		return res, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case out := <-ch:
		if out.Err != nil {
			return nil, out.Err
		}
		res, ok := out.Val.(*cache.LookupResult)
		if !ok {
			return nil, fmt.Errorf("unexpected result type from singleflight")
		}
		return res, nil
	}
}
