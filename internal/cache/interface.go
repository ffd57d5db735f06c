package cache

import (
	"context"
	"errors"
	"time"

	"github.com/ayemish/kindnessconnect/internal/domain"
)

var ErrCacheMiss = errors.New("cache miss")

// Lookup kinds.
const (
	KindTitle   = "title"
	KindProfile = "profile"
)

// LookupResult is a cached enrichment value. Exactly one field is set.
type LookupResult struct {
	Title   string              `json:"title,omitempty"`
	Profile *domain.UserProfile `json:"profile,omitempty"`
}

type LookupCache interface {
	Get(ctx context.Context, key string) (*LookupResult, error)
	Set(ctx context.Context, key string, result *LookupResult, ttl time.Duration) error
	BuildKey(kind, id string) string
	Close() error
}

// NopCache never stores anything; every Get is a miss.
type NopCache struct{}

func (NopCache) Get(context.Context, string) (*LookupResult, error) { return nil, ErrCacheMiss }

func (NopCache) Set(context.Context, string, *LookupResult, time.Duration) error { return nil }

func (NopCache) BuildKey(kind, id string) string { return kind + ":" + id }

func (NopCache) Close() error { return nil }
