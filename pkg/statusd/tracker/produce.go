package tracker

import (
	"context"
	"sync"
)

// Emit hands a value to the consumer of a produced source. It blocks until
// the value is taken and reports false once the source has ended.
type Emit[T any] func(value T) bool

type produced[T any] struct {
	ch     chan T
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Produce runs produce on its own goroutine and exposes what it emits as a
// Source. Close cancels the context given to produce and waits for it to
// return, so produce must watch ctx wherever it blocks.
func Produce[T any](ctx context.Context, produce func(ctx context.Context, emit Emit[T])) Source[T] {
	ctx, cancel := context.WithCancel(ctx)

	p := &produced[T]{
		ch:     make(chan T, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(p.done)
		defer close(p.ch)

		produce(ctx, func(value T) bool {
			select {
			case p.ch <- value:
				return true
			case <-ctx.Done():
				return false
			}
		})
	}()

	return p
}

func (p *produced[T]) Updates() <-chan T {
	return p.ch
}

func (p *produced[T]) Close() {
	p.once.Do(func() {
		p.cancel()
		<-p.done
	})
}
