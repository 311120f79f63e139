package dbusutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/MixyLabs/statusd/pkg/statusd/tracker"
)

// Property reads prop and converts it to T.
func Property[T any](ctx context.Context, bus PropertyBus, path dbus.ObjectPath, iface, prop string) (T, error) {
	var out T

	v, err := bus.Get(ctx, path, iface, prop)
	if err != nil {
		return out, err
	}

	return Value[T](v)
}

// Value converts a variant to T using the bus type conversion rules.
func Value[T any](v dbus.Variant) (T, error) {
	var out T

	if err := dbus.Store([]interface{}{v.Value()}, &out); err != nil {
		return out, fmt.Errorf("decode %s as %T: %w", v.Signature(), out, err)
	}

	return out, nil
}

// Changed returns the new value of prop if the change carries it.
func Changed[T any](change PropertiesChanged, prop string) (T, bool, error) {
	var zero T

	v, ok := change.Changed[prop]
	if !ok {
		return zero, false, nil
	}

	out, err := Value[T](v)
	if err != nil {
		return zero, true, err
	}

	return out, true, nil
}

// Reducer applies a change to a state. It reports whether the state differs.
type Reducer[S any] func(state S, change PropertiesChanged) (S, bool)

type folded[S any] struct {
	src  tracker.Source[PropertiesChanged]
	out  chan S
	once sync.Once
	done chan struct{}
}

// Fold turns a change stream into a stream of whole states. Every published
// state is a complete copy built from the previous one.
func Fold[S any](src tracker.Source[PropertiesChanged], initial S, reduce Reducer[S]) tracker.Source[S] {
	f := &folded[S]{
		src:  src,
		out:  make(chan S, 1),
		done: make(chan struct{}),
	}

	go f.run(initial, reduce)

	return f
}

func (f *folded[S]) run(state S, reduce Reducer[S]) {
	defer close(f.out)

	updates := f.src.Updates()
	for {
		select {
		case <-f.done:
			return
		case change, ok := <-updates:
			if !ok {
				return
			}

			next, changed := reduce(state, change)
			if !changed {
				continue
			}
			state = next

			select {
			case f.out <- state:
			case <-f.done:
				return
			}
		}
	}
}

func (f *folded[S]) Updates() <-chan S {
	return f.out
}

func (f *folded[S]) Close() {
	f.once.Do(func() {
		close(f.done)
		f.src.Close()
	})
}
