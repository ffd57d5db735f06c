package store

import (
	"context"
	"errors"
	"sync"
)

// LoadFunc runs the query behind a live subscription.
type LoadFunc[T any] func(ctx context.Context) ([]T, error)

// Watcher turns a query plus change notifications into a Subscription.
// Notify schedules a re-query; pending notifications collapse into one.
// Store implementations share it so delivery semantics stay identical.
type Watcher[T any] struct {
	load    LoadFunc[T]
	release func()

	kick    chan struct{}
	updates chan []T
	stopped chan struct{}
	cancel  context.CancelFunc

	mu     sync.Mutex
	err    error
	closed bool
}

// NewWatcher starts a watcher that delivers an initial snapshot.
// release runs once when the watcher stops, however it stops.
func NewWatcher[T any](ctx context.Context, load LoadFunc[T], release func()) *Watcher[T] {
	ctx, cancel := context.WithCancel(ctx)
	w := &Watcher[T]{
		load:    load,
		release: release,
		kick:    make(chan struct{}, 1),
		updates: make(chan []T),
		stopped: make(chan struct{}),
		cancel:  cancel,
	}
	w.kick <- struct{}{}
	go w.run(ctx)
	return w
}

// Notify schedules a re-query. It never blocks.
func (w *Watcher[T]) Notify() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// Updates implements Subscription.
func (w *Watcher[T]) Updates() <-chan []T {
	return w.updates
}

// Err implements Subscription.
func (w *Watcher[T]) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Close implements Subscription. When it returns no further snapshot
// can be received, and Err is nil unless the query itself had failed.
func (w *Watcher[T]) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.cancel()
	<-w.stopped

	w.mu.Lock()
	if errors.Is(w.err, context.Canceled) {
		w.err = nil
	}
	w.mu.Unlock()
	return nil
}

// Done is closed once the watcher has stopped.
func (w *Watcher[T]) Done() <-chan struct{} {
	return w.stopped
}

// Fail stops the watcher with err, as if the query had failed.
func (w *Watcher[T]) Fail(err error) {
	w.setErr(err)
	w.cancel()
}

func (w *Watcher[T]) setErr(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err == nil && !w.closed {
		w.err = err
	}
}

func (w *Watcher[T]) run(ctx context.Context) {
	defer close(w.stopped)
	defer close(w.updates)
	if w.release != nil {
		defer w.release()
	}

	for {
		select {
		case <-ctx.Done():
			w.setErr(ctx.Err())
			return
		case <-w.kick:
		}

		snap, err := w.load(ctx)
		if err != nil {
			if ctx.Err() != nil {
				w.setErr(ctx.Err())
			} else {
				w.setErr(err)
			}
			return
		}

		// Unbuffered: the reader takes this snapshot or a Close wins.
		select {
		case w.updates <- snap:
		case <-ctx.Done():
			w.setErr(ctx.Err())
			return
		}
	}
}
