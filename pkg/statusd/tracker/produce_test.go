package tracker

import (
	"context"
	"testing"
	"time"
)

func TestProduceClose(t *testing.T) {
	stopped := make(chan struct{})

	src := Produce(context.Background(), func(ctx context.Context, emit Emit[int]) {
		defer close(stopped)

		for i := 0; emit(i); i++ {
		}
	})

	for want := 0; want < 3; want++ {
		if got := <-src.Updates(); got != want {
			t.Fatalf("value = %d, want %d", got, want)
		}
	}

	src.Close()
	src.Close()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("producer still running")
	}

	for range src.Updates() {
	}
}

func TestProduceEndsWithProducer(t *testing.T) {
	src := Produce(context.Background(), func(ctx context.Context, emit Emit[string]) {
		emit("only")
	})
	defer src.Close()

	if got := <-src.Updates(); got != "only" {
		t.Fatalf("value = %q", got)
	}
	if _, ok := <-src.Updates(); ok {
		t.Fatal("source should end with its producer")
	}
}
