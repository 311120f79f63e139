package tracker

import (
	"context"
	"errors"
	"reflect"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/MixyLabs/statusd/pkg/statusd/fanout"
)

type fakeSource struct {
	id      string
	ch      chan string
	journal *journal
}

func (s *fakeSource) Updates() <-chan string { return s.ch }

func (s *fakeSource) Close() { s.journal.record("close " + s.id) }

func (s *fakeSource) emit(state string) { s.ch <- state }

type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) record(entry string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.entries = append(j.entries, entry)
}

func (j *journal) snapshot() []string {
	j.mu.Lock()
	defer j.mu.Unlock()

	return slices.Clone(j.entries)
}

func (j *journal) count(prefix string) int {
	n := 0
	for _, e := range j.snapshot() {
		if strings.HasPrefix(e, prefix) {
			n++
		}
	}

	return n
}

type fakeProvider struct {
	journal journal

	mu      sync.Mutex
	sources map[string]*fakeSource
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{sources: make(map[string]*fakeSource)}
}

func (p *fakeProvider) bind(_ context.Context, id string) (Source[string], string, error) {
	if id == "bad" {
		p.journal.record("fail " + id)
		return nil, "", errors.New("provider refused bind")
	}

	p.journal.record("bind " + id)

	src := &fakeSource{id: id, ch: make(chan string, 8), journal: &p.journal}

	p.mu.Lock()
	p.sources[id] = src
	p.mu.Unlock()

	return src, id + ":0", nil
}

func (p *fakeProvider) source(id string) *fakeSource {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.sources[id]
}

func waitForSnapshot(t *testing.T, sub *fanout.Subscription[[]string], want []string, forbidden string) {
	t.Helper()

	timeout := time.After(2 * time.Second)
	for {
		select {
		case got, ok := <-sub.Updates():
			if !ok {
				t.Fatalf("subscription ended before observing %v", want)
			}
			if forbidden != "" && slices.Contains(got, forbidden) {
				t.Fatalf("observed stale state %q in %v", forbidden, got)
			}
			if reflect.DeepEqual(got, want) {
				return
			}
		case <-timeout:
			t.Fatalf("never observed snapshot %v", want)
		}
	}
}

func TestReconcile(t *testing.T) {
	tests := []struct {
		name     string
		rounds   [][]string
		snapshot []string
		binds    int
		closes   int
	}{
		{
			name:     "same set twice binds once",
			rounds:   [][]string{{"a", "b"}, {"a", "b"}},
			snapshot: []string{"a:0", "b:0"},
			binds:    2,
		},
		{
			name:     "replaced member",
			rounds:   [][]string{{"a", "b"}, {"b", "c"}},
			snapshot: []string{"b:0", "c:0"},
			binds:    3,
			closes:   1,
		},
		{
			name:     "bind failure is not tracked",
			rounds:   [][]string{{"a", "bad", "b"}},
			snapshot: []string{"a:0", "b:0"},
			binds:    2,
		},
		{
			name:     "first seen order",
			rounds:   [][]string{{"c", "a"}, {"c", "a", "b"}},
			snapshot: []string{"c:0", "a:0", "b:0"},
			binds:    3,
		},
		{
			name:     "empty set drops everything",
			rounds:   [][]string{{"a"}, {}},
			snapshot: []string{},
			binds:    1,
			closes:   1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newFakeProvider()
			tr := New[string, string](zap.NewNop().Sugar(), "test", p.bind)
			defer tr.shutdown()

			for _, ids := range tt.rounds {
				tr.Reconcile(context.Background(), ids)
			}

			if got := tr.Snapshot(); !reflect.DeepEqual(got, tt.snapshot) {
				t.Errorf("snapshot = %v, want %v", got, tt.snapshot)
			}
			if got := p.journal.count("bind "); got != tt.binds {
				t.Errorf("binds = %d, want %d", got, tt.binds)
			}
			if got := p.journal.count("close "); got != tt.closes {
				t.Errorf("closes = %d, want %d", got, tt.closes)
			}
		})
	}
}

func TestReconcileReportsChange(t *testing.T) {
	p := newFakeProvider()
	tr := New[string, string](zap.NewNop().Sugar(), "test", p.bind)
	defer tr.shutdown()

	if !tr.Reconcile(context.Background(), []string{"a"}) {
		t.Fatal("expected first reconcile to change membership")
	}
	if tr.Reconcile(context.Background(), []string{"a"}) {
		t.Fatal("expected repeated reconcile to be a no-op")
	}
	if !tr.Reconcile(context.Background(), []string{"bad"}) {
		t.Fatal("expected dropping a to count as a change")
	}
}

func TestReconcileDropsBeforeAdding(t *testing.T) {
	p := newFakeProvider()
	tr := New[string, string](zap.NewNop().Sugar(), "test", p.bind)
	defer tr.shutdown()

	tr.Reconcile(context.Background(), []string{"a", "b"})
	tr.Reconcile(context.Background(), []string{"c", "b"})

	want := []string{"bind a", "bind b", "close a", "bind c"}
	if got := p.journal.snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("journal = %v, want %v", got, want)
	}
}

func TestRunPublishesMemberUpdates(t *testing.T) {
	p := newFakeProvider()
	tr := New[string, string](zap.NewNop().Sugar(), "test", p.bind)
	sub := tr.Listen()

	structural := make(chan []string)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx, structural) }()

	waitForSnapshot(t, sub, []string{}, "")

	structural <- []string{"a", "b"}
	waitForSnapshot(t, sub, []string{"a:0", "b:0"}, "")

	p.source("b").emit("b:1")
	waitForSnapshot(t, sub, []string{"a:0", "b:1"}, "")

	p.source("a").emit("a:1")
	waitForSnapshot(t, sub, []string{"a:1", "b:1"}, "")

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	if _, ok := <-sub.Updates(); ok {
		// a final snapshot may still sit in the slot
		if _, ok := <-sub.Updates(); ok {
			t.Fatal("expected subscription to end after Run returned")
		}
	}
	if got := p.journal.count("close "); got != 2 {
		t.Fatalf("expected both sources to be released, got %d closes", got)
	}
}

func TestRunIgnoresRemovedObjectEvents(t *testing.T) {
	p := newFakeProvider()
	tr := New[string, string](zap.NewNop().Sugar(), "test", p.bind)
	sub := tr.Listen()

	structural := make(chan []string)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = tr.Run(ctx, structural) }()

	structural <- []string{"a"}
	waitForSnapshot(t, sub, []string{"a:0"}, "")

	structural <- []string{}
	waitForSnapshot(t, sub, []string{}, "")

	p.source("a").emit("a:stale")

	structural <- []string{"b"}
	waitForSnapshot(t, sub, []string{"b:0"}, "a:stale")

	p.source("b").emit("b:1")
	waitForSnapshot(t, sub, []string{"b:1"}, "a:stale")
}

func TestRefreshRepublishes(t *testing.T) {
	p := newFakeProvider()
	tr := New[string, string](zap.NewNop().Sugar(), "test", p.bind)
	first := tr.Listen()

	structural := make(chan []string)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = tr.Run(ctx, structural) }()

	structural <- []string{"a"}
	waitForSnapshot(t, first, []string{"a:0"}, "")

	late := tr.Listen()
	waitForSnapshot(t, late, []string{"a:0"}, "")
}

func TestTableFind(t *testing.T) {
	table := NewTable[int, string]()
	table.Put(3, "speakers")
	table.Put(1, "headphones")
	table.Put(2, "speakers")

	got, ok := table.Find(func(v string) bool { return v == "speakers" })
	if !ok || got != "speakers" {
		t.Fatalf("Find = %q, %v", got, ok)
	}

	if !reflect.DeepEqual(table.Keys(), []int{3, 1, 2}) {
		t.Fatalf("unexpected key order %v", table.Keys())
	}

	table.Delete(1)
	if !table.Put(1, "headphones") {
		t.Fatal("expected re-added key to be new")
	}
	if !reflect.DeepEqual(table.Keys(), []int{3, 2, 1}) {
		t.Fatalf("unexpected key order after re-add %v", table.Keys())
	}

	if _, ok := table.Find(func(v string) bool { return v == "hdmi" }); ok {
		t.Fatal("expected no match")
	}
}
