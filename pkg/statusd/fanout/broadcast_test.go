package fanout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestPublishWithoutSubscribers(t *testing.T) {
	b := New[int](nil, "test")

	if err := b.Publish(1); !errors.Is(err, ErrNoSubscribers) {
		t.Fatalf("expected ErrNoSubscribers, got %v", err)
	}
}

func TestPublishAfterClose(t *testing.T) {
	b := New[int](nil, "test")
	sub := b.Subscribe()
	b.Close()

	if err := b.Publish(1); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}

	if _, ok := <-sub.Updates(); ok {
		t.Fatal("expected subscription channel to be closed")
	}

	// closing twice must not panic
	b.Close()
	sub.Close()
}

func TestLatestValueWins(t *testing.T) {
	b := New[string](nil, "test")
	sub := b.Subscribe()

	for _, v := range []string{"s1", "s2", "s3"} {
		if err := b.Publish(v); err != nil {
			t.Fatalf("publish %s: %v", v, err)
		}
	}

	got, ok := sub.Next(context.Background())
	if !ok {
		t.Fatal("expected a value")
	}
	if got != "s3" {
		t.Fatalf("expected s3, got %s", got)
	}

	select {
	case v := <-sub.Updates():
		t.Fatalf("expected no further values, got %s", v)
	default:
	}
}

func TestPublishNeverBlocksOnAbsentReader(t *testing.T) {
	b := New[int](nil, "test")
	_ = b.Subscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			_ = b.Publish(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a subscriber that never reads")
	}
}

func TestSlowConsumerNeverSeesOlderValue(t *testing.T) {
	const last = 5000

	b := New[int](nil, "test")
	sub := b.Subscribe()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= last; i++ {
			_ = b.Publish(i)
		}
	}()

	previous := 0
	timeout := time.After(5 * time.Second)
	for previous != last {
		select {
		case v := <-sub.Updates():
			if v <= previous {
				t.Fatalf("observed %d after %d", v, previous)
			}
			previous = v
		case <-timeout:
			t.Fatalf("never observed final value, last seen %d", previous)
		}
	}

	wg.Wait()
}

func TestSubscriptionStartsFromNow(t *testing.T) {
	b := New[int](nil, "test")
	early := b.Subscribe()

	_ = b.Publish(1)

	late := b.Subscribe()
	select {
	case v := <-late.Updates():
		t.Fatalf("late subscriber received history: %d", v)
	default:
	}

	_ = b.Publish(2)

	if v, _ := late.Next(context.Background()); v != 2 {
		t.Fatalf("expected 2 on late subscriber, got %d", v)
	}
	if v, _ := early.Next(context.Background()); v != 2 {
		t.Fatalf("expected 2 on early subscriber, got %d", v)
	}
}

func TestSubscriptionClose(t *testing.T) {
	b := New[int](nil, "test")
	sub := b.Subscribe()
	other := b.Subscribe()

	sub.Close()
	if n := b.Subscribers(); n != 1 {
		t.Fatalf("expected 1 subscriber, got %d", n)
	}

	if err := b.Publish(7); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if v, _ := other.Next(context.Background()); v != 7 {
		t.Fatalf("expected 7, got %d", v)
	}
}

func TestNextHonorsContext(t *testing.T) {
	b := New[int](nil, "test")
	sub := b.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, ok := sub.Next(ctx); ok {
		t.Fatal("expected Next to give up on cancelled context")
	}
}

func TestFeedListenRequestsRefresh(t *testing.T) {
	f := NewFeed[int](nil, "feed")

	sub := f.Listen()
	defer sub.Close()

	select {
	case <-f.RefreshRequests():
	default:
		t.Fatal("expected Listen to request a refresh")
	}

	// requests coalesce into one pending slot
	f.RequestRefresh()
	f.RequestRefresh()
	<-f.RefreshRequests()
	select {
	case <-f.RefreshRequests():
		t.Fatal("expected refresh requests to coalesce")
	default:
	}

	if !f.Send(3) {
		t.Fatal("expected send on open feed to succeed")
	}
	if v, _ := sub.Next(context.Background()); v != 3 {
		t.Fatalf("expected 3, got %d", v)
	}

	f.Close()
	if f.Send(4) {
		t.Fatal("expected send on closed feed to report false")
	}
}
