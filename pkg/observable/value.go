// Package observable holds a current value and fans every update out to
// subscribers. New subscribers receive the current value first, then every
// later update in publish order.
//
// Subscriber channels are bounded. A subscriber that falls behind loses its
// oldest pending values, never the newest one, so a slow reader always
// converges on the latest state.
package observable

import (
	"context"
	"sync"
)

const defaultBuffer = 64

type subscriber[T any] struct {
	ch chan T
}

// Value is a replaying, multi-subscriber holder for a single value.
type Value[T any] struct {
	mu     sync.Mutex
	cur    T
	subs   map[*subscriber[T]]struct{}
	buffer int
	closed bool
	done   chan struct{}
}

type Option func(*options)

type options struct {
	buffer int
}

// WithBuffer sets the per-subscriber channel capacity.
func WithBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.buffer = n
		}
	}
}

func NewValue[T any](initial T, opts ...Option) *Value[T] {
	o := options{buffer: defaultBuffer}
	for _, opt := range opts {
		opt(&o)
	}
	return &Value[T]{
		cur:    initial,
		subs:   map[*subscriber[T]]struct{}{},
		buffer: o.buffer,
		done:   make(chan struct{}),
	}
}

func (v *Value[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cur
}

// Set stores x and delivers it to every subscriber. Set after Close only
// updates the stored value.
func (v *Value[T]) Set(x T) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cur = x
	if v.closed {
		return
	}
	for s := range v.subs {
		deliverLatest(s.ch, x)
	}
}

// Subscribe returns a channel that first yields the current value and then
// every update. The channel is closed when ctx is done or the Value is closed.
func (v *Value[T]) Subscribe(ctx context.Context) <-chan T {
	s := &subscriber[T]{ch: make(chan T, v.buffer)}

	v.mu.Lock()
	s.ch <- v.cur
	if v.closed {
		close(s.ch)
		v.mu.Unlock()
		return s.ch
	}
	v.subs[s] = struct{}{}
	v.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-v.done:
		}
		v.mu.Lock()
		if _, ok := v.subs[s]; ok {
			delete(v.subs, s)
			close(s.ch)
		}
		v.mu.Unlock()
	}()
	return s.ch
}

func (v *Value[T]) Subscribers() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.subs)
}

// Close closes all subscriber channels. It is idempotent.
func (v *Value[T]) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	v.closed = true
	for s := range v.subs {
		delete(v.subs, s)
		close(s.ch)
	}
	close(v.done)
}

// deliverLatest must be called with the owning lock held, which makes the
// caller the only sender on ch.
func deliverLatest[T any](ch chan T, x T) {
	select {
	case ch <- x:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- x:
	default:
	}
}
