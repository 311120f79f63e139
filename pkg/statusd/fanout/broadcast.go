// Package fanout provides a single-producer, multi-consumer broadcast channel
// that only ever keeps the latest value for each consumer.
//
// Every subscription owns one buffered slot. Publishing never blocks: when a
// subscriber has not yet read the previous value, that value is discarded
// and replaced by the new one. Slow consumers therefore observe gaps, but
// never duplicates and never an older value after a newer one.
package fanout

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrClosed is returned when publishing to a closed broadcaster.
	ErrClosed = errors.New("broadcaster closed")

	// ErrNoSubscribers is returned when a value was published but nobody listened.
	ErrNoSubscribers = errors.New("no subscribers")
)

// Broadcaster distributes values to any number of subscriptions.
type Broadcaster[T any] struct {
	logger *zap.SugaredLogger
	name   string

	mu     sync.Mutex
	subs   map[*Subscription[T]]struct{}
	closed bool
}

// Subscription is the receiving end of a Broadcaster. It starts receiving
// from the moment it was created and never replays older values.
type Subscription[T any] struct {
	parent *Broadcaster[T]
	ch     chan T
	closed bool // guarded by parent.mu
}

// New creates a broadcaster. The name is only used for logging.
func New[T any](logger *zap.SugaredLogger, name string) *Broadcaster[T] {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &Broadcaster[T]{
		logger: logger,
		name:   name,
		subs:   make(map[*Subscription[T]]struct{}),
	}
}

// Subscribe registers a new subscription. Subscribing to a closed
// broadcaster yields a subscription whose channel is already closed.
func (b *Broadcaster[T]) Subscribe() *Subscription[T] {
	sub := &Subscription[T]{parent: b, ch: make(chan T, 1)}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		sub.closed = true
		close(sub.ch)
		return sub
	}

	b.subs[sub] = struct{}{}
	b.logger.Debugw("New subscriber", "stream", b.name, "subscribers", len(b.subs))

	return sub
}

// Publish hands value to every subscription, replacing unread values.
func (b *Broadcaster[T]) Publish(value T) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	if len(b.subs) == 0 {
		return ErrNoSubscribers
	}

	for sub := range b.subs {
		sub.offer(value)
	}

	return nil
}

// Subscribers reports how many subscriptions are currently registered.
func (b *Broadcaster[T]) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.subs)
}

// Close ends every subscription. Closing twice is a no-op.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true
	for sub := range b.subs {
		sub.closed = true
		close(sub.ch)
	}
	b.subs = nil

	b.logger.Debugw("Closed broadcaster", "stream", b.name)
}

// offer must be called with parent.mu held, which makes it the only writer.
func (s *Subscription[T]) offer(value T) {
	for {
		select {
		case s.ch <- value:
			return
		default:
		}

		// slot is occupied by a value the consumer did not read yet
		select {
		case <-s.ch:
		default:
		}
	}
}

// Updates returns the channel values are delivered on. It is closed when the
// subscription or its broadcaster is closed.
func (s *Subscription[T]) Updates() <-chan T {
	return s.ch
}

// Next blocks until the next value arrives. The boolean is false when
// the subscription ended or the context was cancelled.
func (s *Subscription[T]) Next(ctx context.Context) (T, bool) {
	var zero T

	select {
	case value, ok := <-s.ch:
		return value, ok
	case <-ctx.Done():
		return zero, false
	}
}

// Close detaches the subscription from its broadcaster.
func (s *Subscription[T]) Close() {
	b := s.parent

	b.mu.Lock()
	defer b.mu.Unlock()

	if s.closed {
		return
	}

	s.closed = true
	delete(b.subs, s)
	close(s.ch)
}
