package tracker

import (
	"context"

	"go.uber.org/zap"

	"github.com/MixyLabs/statusd/pkg/statusd/fanout"
)

// Session is the dependent subscription bound for the currently active object.
type Session[V any] interface {
	Source[V]

	// Current pulls the present value, so a fresh bind publishes right away
	// instead of waiting for the provider's next push.
	Current(ctx context.Context) (V, error)
}

// SessionBinder binds the dependent subscription for an active identity.
type SessionBinder[K comparable, V any] func(ctx context.Context, id K) (Session[V], error)

// Selector follows which object is "the one that matters" and republishes
// the values of that object only. Each change of the active identity tears the
// old session down before the new one is bound.
type Selector[K comparable, V any] struct {
	logger *zap.SugaredLogger
	name   string

	bind     SessionBinder[K, V]
	sentinel func(K) bool
	feed     *fanout.Feed[V]

	active  K
	session Session[V]
	last    V
	hasLast bool
}

// NewSelector creates a selector. Identities for which sentinel reports true
// mean "no object" and are never bound.
func NewSelector[K comparable, V any](
	logger *zap.SugaredLogger,
	name string,
	bind SessionBinder[K, V],
	sentinel func(K) bool,
) *Selector[K, V] {
	logger = logger.Named("selector")

	return &Selector[K, V]{
		logger:   logger,
		name:     name,
		bind:     bind,
		sentinel: sentinel,
		feed:     fanout.NewFeed[V](logger, name),
	}
}

// Listen subscribes to values of the active object.
func (s *Selector[K, V]) Listen() *fanout.Subscription[V] {
	return s.feed.Listen()
}

// Refresh asks Run to republish the last value.
func (s *Selector[K, V]) Refresh() {
	s.feed.RequestRefresh()
}

// Run binds initial and then follows changes. Active-identity changes are
// always handled before values that arrived at the same time, and values of
// a session are never read again once it was replaced.
func (s *Selector[K, V]) Run(ctx context.Context, initial K, changes <-chan K) error {
	defer s.shutdown()

	if !s.rebind(ctx, initial) {
		return nil
	}

	for {
		select {
		case id, ok := <-changes:
			if !ok {
				changes = s.changesEnded()
				continue
			}
			if !s.rebind(ctx, id) {
				return nil
			}
			continue
		default:
		}

		var values <-chan V
		if s.session != nil {
			values = s.session.Updates()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case id, ok := <-changes:
			if !ok {
				changes = s.changesEnded()
				continue
			}
			if !s.rebind(ctx, id) {
				return nil
			}

		case value, ok := <-values:
			if !ok {
				s.logger.Debugw("Session ended", "stream", s.name, "id", s.active)
				s.teardown()
				continue
			}
			if !s.publish(value) {
				return nil
			}

		case <-s.feed.RefreshRequests():
			if s.hasLast && !s.publish(s.last) {
				return nil
			}
		}
	}
}

// rebind reports false once the feed was closed.
func (s *Selector[K, V]) rebind(ctx context.Context, id K) bool {
	s.teardown()
	s.active = id

	if s.sentinel != nil && s.sentinel(id) {
		s.logger.Debugw("Active object is unset, nothing to bind", "stream", s.name)
		return true
	}

	session, err := s.bind(ctx, id)
	if err != nil {
		s.logger.Warnw("Failed to bind active object", "stream", s.name, "id", id, "error", err)
		return true
	}

	s.session = session
	s.logger.Debugw("Bound active object", "stream", s.name, "id", id)

	value, err := session.Current(ctx)
	if err != nil {
		s.logger.Warnw("Failed to read initial value", "stream", s.name, "id", id, "error", err)
		return true
	}

	return s.publish(value)
}

func (s *Selector[K, V]) teardown() {
	if s.session == nil {
		return
	}

	s.session.Close()
	s.session = nil
}

func (s *Selector[K, V]) changesEnded() <-chan K {
	s.logger.Warnw("Active object change stream ended", "stream", s.name)
	return nil
}

func (s *Selector[K, V]) publish(value V) bool {
	s.last = value
	s.hasLast = true

	return s.feed.Send(value)
}

func (s *Selector[K, V]) shutdown() {
	s.teardown()
	s.feed.Close()
}
