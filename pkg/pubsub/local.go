package pubsub

import (
	"context"
	"errors"
	"sync"
)

// LocalPubSub delivers events between goroutines of one process.
// It backs single-instance deployments and tests.
type LocalPubSub struct {
	mu     sync.RWMutex
	subs   map[string]map[*localSub]struct{}
	closed bool
}

type localSub struct {
	ch   chan *Event
	once sync.Once
}

// NewLocalPubSub creates an in-process PubSub.
func NewLocalPubSub() *LocalPubSub {
	return &LocalPubSub{subs: make(map[string]map[*localSub]struct{})}
}

// Publish delivers the event to every current subscriber of channel.
func (p *LocalPubSub) Publish(ctx context.Context, channel string, event *Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errors.New("pubsub closed")
	}
	for s := range p.subs[channel] {
		select {
		case s.ch <- event:
		default:
		}
	}
	return nil
}

// Subscribe subscribes to channels until ctx is done.
func (p *LocalPubSub) Subscribe(ctx context.Context, channels ...string) (<-chan *Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.New("pubsub closed")
	}

	s := &localSub{ch: make(chan *Event, 100)}
	for _, c := range channels {
		if p.subs[c] == nil {
			p.subs[c] = make(map[*localSub]struct{})
		}
		p.subs[c][s] = struct{}{}
	}

	go func() {
		<-ctx.Done()
		p.mu.Lock()
		for _, c := range channels {
			delete(p.subs[c], s)
			if len(p.subs[c]) == 0 {
				delete(p.subs, c)
			}
		}
		p.mu.Unlock()
		s.once.Do(func() { close(s.ch) })
	}()

	return s.ch, nil
}

// Close drops all subscribers.
func (p *LocalPubSub) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for c, set := range p.subs {
		for s := range set {
			s.once.Do(func() { close(s.ch) })
		}
		delete(p.subs, c)
	}
	return nil
}
