package fanout

import (
	"errors"

	"go.uber.org/zap"
)

// Feed is a Broadcaster whose producer can be asked to republish its
// current state. Listening through a feed subscribes first and then requests
// a republish, so a late subscriber receives a value without waiting for
// the next change upstream.
type Feed[T any] struct {
	*Broadcaster[T]

	refresh chan struct{}
}

// NewFeed creates a feed. The name is only used for logging.
func NewFeed[T any](logger *zap.SugaredLogger, name string) *Feed[T] {
	return &Feed[T]{
		Broadcaster: New[T](logger, name),
		refresh:     make(chan struct{}, 1),
	}
}

// Listen subscribes to the feed and asks the producer for a fresh value.
func (f *Feed[T]) Listen() *Subscription[T] {
	sub := f.Subscribe()
	f.RequestRefresh()

	return sub
}

// RequestRefresh asks the producer to republish. Requests coalesce.
func (f *Feed[T]) RequestRefresh() {
	select {
	case f.refresh <- struct{}{}:
	default:
	}
}

// RefreshRequests is selected on by the producer.
func (f *Feed[T]) RefreshRequests() <-chan struct{} {
	return f.refresh
}

// Send publishes value and logs delivery failures. It reports false once the
// feed was closed, which producers take as the signal to stop.
func (f *Feed[T]) Send(value T) bool {
	err := f.Publish(value)
	if errors.Is(err, ErrNoSubscribers) {
		f.logger.Debugw("Dropped update without subscribers", "stream", f.name)
		return true
	}
	if err != nil {
		f.logger.Debugw("Stream was dropped", "stream", f.name, "error", err)
		return false
	}

	return true
}
