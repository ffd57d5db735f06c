package store

import (
	"context"
	"fmt"
	"time"

	"github.com/ayemish/kindnessconnect/pkg/log"
	"github.com/ayemish/kindnessconnect/pkg/pubsub"
)

// Feed drives watchers of a persistent backend: every event on the bus
// and every resync tick re-runs the watcher's query. Resync picks up rows
// written by services that do not publish.
type Feed struct {
	Bus    pubsub.PubSub
	Resync time.Duration
}

// WatchFeed starts a watcher for load that re-queries on changes to
// channels. Cancelling storeCtx ends it as if ctx had been cancelled.
func WatchFeed[T any](ctx, storeCtx context.Context, f Feed, channels []string, load LoadFunc[T]) (Subscription[T], error) {
	if storeCtx.Err() != nil {
		return nil, ErrClosed
	}

	subCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(storeCtx, cancel)

	var events <-chan *pubsub.Event
	if f.Bus != nil && len(channels) > 0 {
		ch, err := f.Bus.Subscribe(subCtx, channels...)
		if err != nil {
			stop()
			cancel()
			return nil, fmt.Errorf("failed to subscribe to changes: %w", err)
		}
		events = ch
	}

	w := NewWatcher(subCtx, load, func() {
		stop()
		cancel()
	})
	go f.pump(subCtx, w.Notify, events)
	return w, nil
}

func (f Feed) pump(ctx context.Context, notify func(), events <-chan *pubsub.Event) {
	ticker := time.NewTicker(f.Resync)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				// Bus stream ended; the ticker keeps the view converging.
				if ctx.Err() == nil {
					l := log.L()
					l.Warn().Msg("change feed closed, falling back to resync")
				}
				events = nil
				continue
			}
			notify()
		case <-ticker.C:
			notify()
		}
	}
}

// Publish sends a change event on channel. Failures only delay watchers
// until their next resync, so they are logged and dropped.
func (f Feed) Publish(ctx context.Context, channel, eventType, roomID string, payload any) {
	if f.Bus == nil {
		return
	}
	l := log.Ctx(ctx)
	ev, err := pubsub.NewEvent(eventType, roomID, payload)
	if err != nil {
		l.Warn().Err(err).Msg("failed to build change event")
		return
	}
	if err := f.Bus.Publish(ctx, channel, ev); err != nil {
		l.Warn().Err(err).Str("channel", channel).Msg("failed to publish change event")
	}
}
