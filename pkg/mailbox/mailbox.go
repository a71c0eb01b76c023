// Package mailbox runs closures one at a time on a dedicated goroutine.
// Components that own mutable state (a topic transcript, the notification
// feed) hand every mutation to their mailbox so that state is only touched
// from a single execution context.
package mailbox

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

var ErrClosed = errors.New("mailbox closed")

type Mailbox struct {
	inbox chan func()
	done  chan struct{}

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
}

func New(capacity int) *Mailbox {
	if capacity <= 0 {
		capacity = 256
	}
	return &Mailbox{
		inbox: make(chan func(), capacity),
		done:  make(chan struct{}),
	}
}

// Start launches the worker goroutine. onStop, when set, runs on the worker
// goroutine after the last closure.
func (m *Mailbox) Start(ctx context.Context, onStop func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.started = true
	go m.run(runCtx, onStop)
}

func (m *Mailbox) run(ctx context.Context, onStop func()) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			if onStop != nil {
				onStop()
			}
			return
		case f := <-m.inbox:
			f()
		}
	}
}

// Post enqueues f. It blocks while the inbox is full, which applies
// backpressure to the producer instead of dropping work.
func (m *Mailbox) Post(f func()) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	select {
	case m.inbox <- f:
		return nil
	case <-m.done:
		return ErrClosed
	}
}

// Call enqueues f and waits until it ran.
func (m *Mailbox) Call(ctx context.Context, f func()) error {
	ran := make(chan struct{})
	if err := m.Post(func() {
		f()
		close(ran)
	}); err != nil {
		return err
	}
	select {
	case <-ran:
		return nil
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop cancels the worker and waits for it to exit. Closures still queued
// are discarded.
func (m *Mailbox) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	started := m.started
	m.mu.Unlock()
	if !started {
		return
	}
	cancel()
	<-m.done
}

func (m *Mailbox) Done() <-chan struct{} { return m.done }
