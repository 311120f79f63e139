package mako

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"github.com/MixyLabs/statusd/pkg/statusd/dbusutil"
	"github.com/MixyLabs/statusd/pkg/statusd/tracker"
)

type fakeWatch struct {
	ch chan dbusutil.PropertiesChanged
}

func (w *fakeWatch) Updates() <-chan dbusutil.PropertiesChanged { return w.ch }
func (w *fakeWatch) Close()                                     {}

// fakeMako behaves like mako: SetModes replaces the property and emits a change.
type fakeMako struct {
	mu    sync.Mutex
	modes []string
	calls [][]string
	watch *fakeWatch
}

func (f *fakeMako) Get(context.Context, dbus.ObjectPath, string, string) (dbus.Variant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return dbus.MakeVariant(f.modes), nil
}

func (f *fakeMako) Call(_ context.Context, _ dbus.ObjectPath, method string, args ...interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if method != "fr.emersion.Mako.SetModes" {
		return nil
	}

	modes := args[0].([]string)
	f.modes = modes
	f.calls = append(f.calls, modes)

	if f.watch != nil {
		f.watch.ch <- dbusutil.PropertiesChanged{
			Path:      path,
			Interface: iface,
			Changed:   map[string]dbus.Variant{"Modes": dbus.MakeVariant(modes)},
		}
	}

	return nil
}

func (f *fakeMako) Watch(context.Context, dbus.ObjectPath, string) (tracker.Source[dbusutil.PropertiesChanged], error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.watch = &fakeWatch{ch: make(chan dbusutil.PropertiesChanged, 8)}

	return f.watch, nil
}

func (f *fakeMako) lastCall() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.calls) == 0 {
		return nil
	}

	return f.calls[len(f.calls)-1]
}

func (f *fakeMako) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.calls)
}

func TestModeHelpers(t *testing.T) {
	tests := []struct {
		name    string
		initial []string
		apply   func(m *Mako) error
		want    []string
		calls   int
	}{
		{
			name:    "enable adds mode",
			initial: []string{"default"},
			apply:   func(m *Mako) error { return m.EnableMode(context.Background(), "do-not-disturb") },
			want:    []string{"default", "do-not-disturb"},
			calls:   1,
		},
		{
			name:    "enable is idempotent",
			initial: []string{"do-not-disturb"},
			apply:   func(m *Mako) error { return m.EnableMode(context.Background(), "do-not-disturb") },
			calls:   0,
		},
		{
			name:    "disable removes mode",
			initial: []string{"default", "do-not-disturb"},
			apply:   func(m *Mako) error { return m.DisableMode(context.Background(), "do-not-disturb") },
			want:    []string{"default"},
			calls:   1,
		},
		{
			name:    "set drops duplicates",
			initial: []string{},
			apply: func(m *Mako) error {
				return m.SetModes(context.Background(), []string{"away", "away", "dnd"})
			},
			want:  []string{"away", "dnd"},
			calls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := &fakeMako{modes: tt.initial}
			m := newMako(zap.NewNop().Sugar(), bus, nil)
			defer m.Close()

			if err := tt.apply(m); err != nil {
				t.Fatalf("apply: %v", err)
			}

			if got := bus.callCount(); got != tt.calls {
				t.Fatalf("calls = %d, want %d", got, tt.calls)
			}
			if tt.calls > 0 && !reflect.DeepEqual(bus.lastCall(), tt.want) {
				t.Fatalf("modes = %v, want %v", bus.lastCall(), tt.want)
			}
		})
	}
}

func TestListenModes(t *testing.T) {
	bus := &fakeMako{modes: []string{"default"}}
	m := newMako(zap.NewNop().Sugar(), bus, nil)
	defer m.Close()

	sub := m.ListenModes()

	expect := func(want []string) {
		t.Helper()

		timeout := time.After(2 * time.Second)
		for {
			select {
			case got := <-sub.Updates():
				if reflect.DeepEqual(got, want) {
					return
				}
			case <-timeout:
				t.Fatalf("never observed modes %v", want)
			}
		}
	}

	expect([]string{"default"})

	active, err := m.ToggleMode(context.Background(), "do-not-disturb")
	if err != nil || !active {
		t.Fatalf("toggle = %v, %v", active, err)
	}
	expect([]string{"default", "do-not-disturb"})

	active, err = m.ToggleMode(context.Background(), "do-not-disturb")
	if err != nil || active {
		t.Fatalf("toggle = %v, %v", active, err)
	}
	expect([]string{"default"})
}
