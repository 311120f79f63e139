package tracker

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/MixyLabs/statusd/pkg/statusd/fanout"
)

// Binder resolves an identity to a live event source and its initial state.
// A failed bind must return an error; the identity is then left untracked.
type Binder[K comparable, S any] func(ctx context.Context, id K) (Source[S], S, error)

type entry[K comparable, S any] struct {
	id     K
	source Source[S]
	state  S
	stop   chan struct{}
}

type memberUpdate[K comparable, S any] struct {
	entry *entry[K, S]
	state S
}

// Tracker mirrors a collection of remote objects. Everything except Listen
// and Snapshot's result is owned by the goroutine calling Run.
type Tracker[K comparable, S any] struct {
	logger *zap.SugaredLogger
	name   string

	bind    Binder[K, S]
	objects *Table[K, *entry[K, S]]
	updates chan memberUpdate[K, S]
	feed    *fanout.Feed[[]S]

	wg sync.WaitGroup
}

// New creates a tracker. The name identifies the stream in logs.
func New[K comparable, S any](logger *zap.SugaredLogger, name string, bind Binder[K, S]) *Tracker[K, S] {
	logger = logger.Named("tracker")

	return &Tracker[K, S]{
		logger:  logger,
		name:    name,
		bind:    bind,
		objects: NewTable[K, *entry[K, S]](),
		updates: make(chan memberUpdate[K, S]),
		feed:    fanout.NewFeed[[]S](logger, name),
	}
}

// Listen subscribes to collection snapshots.
func (t *Tracker[K, S]) Listen() *fanout.Subscription[[]S] {
	return t.feed.Listen()
}

// Refresh asks Run to republish the current snapshot.
func (t *Tracker[K, S]) Refresh() {
	t.feed.RequestRefresh()
}

// Track binds id and adds it to the table. Bind failures are logged and
// leave the table untouched.
func (t *Tracker[K, S]) Track(ctx context.Context, id K) bool {
	if t.objects.Has(id) {
		return true
	}

	source, state, err := t.bind(ctx, id)
	if err != nil {
		t.logger.Warnw("Failed to track object", "stream", t.name, "id", id, "error", err)
		return false
	}
	if source == nil {
		t.logger.Debugw("Binder produced no object", "stream", t.name, "id", id)
		return false
	}

	e := &entry[K, S]{id: id, source: source, state: state, stop: make(chan struct{})}
	t.objects.Put(id, e)

	t.wg.Add(1)
	go t.forward(e)

	t.logger.Debugw("Tracking object", "stream", t.name, "id", id)

	return true
}

// Untrack removes id and releases its subscription.
func (t *Tracker[K, S]) Untrack(id K) bool {
	e, ok := t.objects.Delete(id)
	if !ok {
		return false
	}

	close(e.stop)
	e.source.Close()

	t.logger.Debugw("Stopped tracking object", "stream", t.name, "id", id)

	return true
}

// Reconcile makes the table match ids. Objects that disappeared are dropped
// before new ones are bound, so a reused identity never has two binds alive.
// It reports whether membership changed.
func (t *Tracker[K, S]) Reconcile(ctx context.Context, ids []K) bool {
	wanted := make(map[K]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}

	changed := false

	for _, id := range t.objects.Keys() {
		if _, ok := wanted[id]; !ok {
			changed = t.Untrack(id) || changed
		}
	}

	for _, id := range ids {
		if t.objects.Has(id) {
			continue
		}
		changed = t.Track(ctx, id) || changed
	}

	return changed
}

// Snapshot returns the states of all tracked objects in first-seen order.
func (t *Tracker[K, S]) Snapshot() []S {
	snapshot := make([]S, 0, t.objects.Len())
	for _, e := range t.objects.Values() {
		snapshot = append(snapshot, e.state)
	}

	return snapshot
}

// Tracked reports whether id is currently tracked.
func (t *Tracker[K, S]) Tracked(id K) bool {
	return t.objects.Has(id)
}

// Run is the event loop. Structural changes always take priority over member
// updates queued at the same time, so an event from an object that was just
// removed can never bring its state back. Run returns when ctx is done,
// releasing every tracked object and ending all subscriptions.
func (t *Tracker[K, S]) Run(ctx context.Context, structural <-chan []K) error {
	defer t.shutdown()

	if !t.publish() {
		return nil
	}

	for {
		select {
		case ids, ok := <-structural:
			if !ok {
				structural = t.structuralEnded()
				continue
			}
			if !t.applyStructural(ctx, ids) {
				return nil
			}
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case ids, ok := <-structural:
			if !ok {
				structural = t.structuralEnded()
				continue
			}
			if !t.applyStructural(ctx, ids) {
				return nil
			}

		case u := <-t.updates:
			if current, ok := t.objects.Get(u.entry.id); !ok || current != u.entry {
				t.logger.Debugw("Dropping update from untracked object", "stream", t.name, "id", u.entry.id)
				continue
			}

			u.entry.state = u.state
			if !t.publish() {
				return nil
			}

		case <-t.feed.RefreshRequests():
			if !t.publish() {
				return nil
			}
		}
	}
}

func (t *Tracker[K, S]) applyStructural(ctx context.Context, ids []K) bool {
	if !t.Reconcile(ctx, ids) {
		return true
	}

	return t.publish()
}

func (t *Tracker[K, S]) structuralEnded() <-chan []K {
	t.logger.Warnw("Structural change stream ended, membership is frozen", "stream", t.name)
	return nil
}

func (t *Tracker[K, S]) publish() bool {
	return t.feed.Send(t.Snapshot())
}

func (t *Tracker[K, S]) forward(e *entry[K, S]) {
	defer t.wg.Done()

	updates := e.source.Updates()
	for {
		select {
		case <-e.stop:
			return
		case state, ok := <-updates:
			if !ok {
				t.logger.Debugw("Object event source ended", "stream", t.name, "id", e.id)
				return
			}

			select {
			case t.updates <- memberUpdate[K, S]{entry: e, state: state}:
			case <-e.stop:
				return
			}
		}
	}
}

func (t *Tracker[K, S]) shutdown() {
	for _, id := range t.objects.Keys() {
		t.Untrack(id)
	}
	t.wg.Wait()
	t.feed.Close()
}
