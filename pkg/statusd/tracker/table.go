// Package tracker keeps a local mirror of remote objects that are owned by
// an event-driven provider and republishes it through fanout feeds.
//
// A Tracker mirrors a collection (identity -> state) and republishes the full
// collection whenever membership or a member changes. A Selector mirrors a
// single "active" object and rebinds whenever the provider reports that a
// different object became active.
package tracker

// Source is a live subscription to the event stream of one remote object.
// Implementations are provided per transport (bus signals, native
// callbacks, kernel sockets).
type Source[T any] interface {
	// Updates delivers state changes in provider order. It is closed once
	// the source ends.
	Updates() <-chan T

	// Close releases the subscription. It must be safe to call more than once.
	Close()
}

// Table is an identity keyed table that remembers first-seen order, so
// snapshots and lookups are stable between updates.
type Table[K comparable, V any] struct {
	items map[K]V
	order []K
}

// NewTable creates an empty table.
func NewTable[K comparable, V any]() *Table[K, V] {
	return &Table[K, V]{items: make(map[K]V)}
}

// Put inserts or replaces the value for key. It reports whether the key is new.
func (t *Table[K, V]) Put(key K, value V) bool {
	_, exists := t.items[key]
	t.items[key] = value
	if !exists {
		t.order = append(t.order, key)
	}

	return !exists
}

// Get returns the value for key.
func (t *Table[K, V]) Get(key K) (V, bool) {
	value, ok := t.items[key]
	return value, ok
}

// Has reports whether key is present.
func (t *Table[K, V]) Has(key K) bool {
	_, ok := t.items[key]
	return ok
}

// Delete removes key and returns its previous value.
func (t *Table[K, V]) Delete(key K) (V, bool) {
	value, ok := t.items[key]
	if !ok {
		return value, false
	}

	delete(t.items, key)
	for i, k := range t.order {
		if k == key {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}

	return value, true
}

// Len returns the number of entries.
func (t *Table[K, V]) Len() int {
	return len(t.order)
}

// Keys returns all keys in first-seen order.
func (t *Table[K, V]) Keys() []K {
	keys := make([]K, len(t.order))
	copy(keys, t.order)

	return keys
}

// Values returns all values in first-seen order.
func (t *Table[K, V]) Values() []V {
	values := make([]V, 0, len(t.order))
	for _, k := range t.order {
		values = append(values, t.items[k])
	}

	return values
}

// Find returns the first value in first-seen order matching the predicate.
func (t *Table[K, V]) Find(match func(V) bool) (V, bool) {
	for _, k := range t.order {
		if v := t.items[k]; match(v) {
			return v, true
		}
	}

	var zero V
	return zero, false
}
