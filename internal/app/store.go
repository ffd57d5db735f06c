// Package app wires the configured backends for the binaries.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ayemish/kindnessconnect/internal/cache"
	"github.com/ayemish/kindnessconnect/internal/config"
	"github.com/ayemish/kindnessconnect/internal/store"
	"github.com/ayemish/kindnessconnect/internal/store/cqlstore"
	"github.com/ayemish/kindnessconnect/internal/store/gormstore"
	"github.com/ayemish/kindnessconnect/internal/store/memory"
	"github.com/ayemish/kindnessconnect/pkg/database"
	"github.com/ayemish/kindnessconnect/pkg/log"
	"github.com/ayemish/kindnessconnect/pkg/pubsub"
)

// OpenStore opens the store named by cfg.Store.Driver. The returned
// cleanup closes the store and whatever backs it.
func OpenStore(cfg *config.Config) (store.Store, func(), error) {
	logger := log.Component("store")

	switch cfg.Store.Driver {
	case "memory", "":
		s := memory.New()
		logger.Info().Str("driver", "memory").Msg("store opened")
		return s, func() { s.Close() }, nil

	case "gorm", "gorm+cassandra":
		db, err := database.New(&cfg.Database)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		bus, err := pubsub.NewPubSub(cfg.PubSub)
		if err != nil {
			database.Close(db)
			return nil, nil, fmt.Errorf("failed to open pubsub: %w", err)
		}

		base := gormstore.New(db, bus, cfg.Store.ResyncInterval)
		cleanup := func() {
			base.Close()
			bus.Close()
			database.Close(db)
		}
		if cfg.Store.AutoMigrate {
			if err := base.Migrate(); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("failed to migrate: %w", err)
			}
			logger.Info().Msg("database migration completed")
		}

		var st store.Store = base
		if cfg.Store.Driver == "gorm+cassandra" {
			session, err := cqlstore.NewSession(cfg.Cassandra)
			if err != nil {
				cleanup()
				return nil, nil, err
			}
			messages := cqlstore.New(session, base, bus, cfg.Store.ResyncInterval)
			if cfg.Store.AutoMigrate {
				ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
				err := messages.Migrate(ctx)
				cancel()
				if err != nil {
					messages.Close()
					session.Close()
					cleanup()
					return nil, nil, err
				}
				logger.Info().Str("keyspace", cfg.Cassandra.Keyspace).Msg("cassandra schema applied")
			}
			st = store.WithMessages(base, messages)
			closeBase := cleanup
			cleanup = func() {
				messages.Close()
				session.Close()
				closeBase()
			}
		}

		logger.Info().
			Str("driver", cfg.Store.Driver).
			Str("database", cfg.Database.Driver).
			Str("pubsub", cfg.PubSub.Driver).
			Dur("resync", cfg.Store.ResyncInterval).
			Msg("store opened")
		return st, cleanup, nil

	default:
		return nil, nil, fmt.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// OpenCache returns the Redis lookup cache, or a no-op cache when
// caching is disabled.
func OpenCache(cfg *config.Config) (cache.LookupCache, error) {
	if !cfg.Cache.Enabled {
		return cache.NopCache{}, nil
	}
	c, err := cache.NewRedisLookupCache(cfg.Redis, cfg.Cache.Prefix)
	if err != nil {
		return nil, err
	}
	return c, nil
}
