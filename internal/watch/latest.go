// Package watch provides a latest-value broadcaster: observers only ever see
// the newest state, intermediate values are dropped.
package watch

import (
	"context"
	"sync"
)

// Latest holds a value and fans out every replacement to watchers.
type Latest[T any] struct {
	mu     sync.Mutex
	val    T
	subs   map[chan T]struct{}
	closed bool
	done   chan struct{}
}

// NewLatest constructs a broadcaster holding initial.
func NewLatest[T any](initial T) *Latest[T] {
	return &Latest[T]{val: initial, subs: map[chan T]struct{}{}, done: make(chan struct{})}
}

// Get returns the current value.
func (l *Latest[T]) Get() T {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.val
}

// Set replaces the value and notifies watchers. A watcher that has not read
// the previous value gets it replaced.
func (l *Latest[T]) Set(v T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.val = v
	for ch := range l.subs {
		offer(ch, v)
	}
}

// Update applies fn to the current value under the lock and broadcasts the result.
func (l *Latest[T]) Update(fn func(T) T) T {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return l.val
	}
	l.val = fn(l.val)
	for ch := range l.subs {
		offer(ch, l.val)
	}
	return l.val
}

// Watch returns a channel that first yields the current value and then each
// newer one. It is closed when ctx is done or the broadcaster is closed.
func (l *Latest[T]) Watch(ctx context.Context) <-chan T {
	ch := make(chan T, 1)
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		close(ch)
		return ch
	}
	ch <- l.val
	l.subs[ch] = struct{}{}
	l.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-l.done:
			return
		}
		l.mu.Lock()
		defer l.mu.Unlock()
		if _, ok := l.subs[ch]; ok {
			delete(l.subs, ch)
			close(ch)
		}
	}()
	return ch
}

// Close closes every watcher channel; later Sets are ignored.
func (l *Latest[T]) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.done)
	for ch := range l.subs {
		delete(l.subs, ch)
		close(ch)
	}
}

func offer[T any](ch chan T, v T) {
	select {
	case <-ch:
	default:
	}
	ch <- v
}
