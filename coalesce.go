package merchsync

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Coalescer gathers values submitted within a window and hands them to a
// single flush. Every caller whose value landed in a batch receives that
// batch's result. The first submission after a flush starts a new batch.
type Coalescer[T, R any] struct {
	delay time.Duration
	flush func(ctx context.Context, values []T) (R, error)

	mu      sync.Mutex
	current *batch[T, R]
}

type batch[T, R any] struct {
	values []T
	timer  *time.Timer
	done   chan struct{}
	result R
	err    error
}

// NewCoalescer returns a Coalescer that flushes delay after the first value
// of each batch arrives.
func NewCoalescer[T, R any](delay time.Duration, flush func(ctx context.Context, values []T) (R, error)) *Coalescer[T, R] {
	return &Coalescer[T, R]{delay: delay, flush: flush}
}

// Submit adds v to the pending batch and waits for that batch to flush.
// Cancelling ctx stops the wait, not the flush.
func (c *Coalescer[T, R]) Submit(ctx context.Context, v T) (R, error) {
	c.mu.Lock()
	b := c.current
	if b == nil {
		b = &batch[T, R]{done: make(chan struct{})}
		c.current = b
		b.timer = time.AfterFunc(c.delay, func() { c.fire(b) })
	}
	b.values = append(b.values, v)
	c.mu.Unlock()

	select {
	case <-b.done:
		return b.result, b.err
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}

// Flush runs the pending batch now, if there is one, and waits for it.
func (c *Coalescer[T, R]) Flush() {
	c.mu.Lock()
	b := c.current
	c.current = nil
	c.mu.Unlock()
	if b == nil {
		return
	}
	if b.timer.Stop() {
		c.run(b)
	}
	<-b.done
}

func (c *Coalescer[T, R]) fire(b *batch[T, R]) {
	c.mu.Lock()
	if c.current == b {
		c.current = nil
	}
	c.mu.Unlock()
	c.run(b)
}

func (c *Coalescer[T, R]) run(b *batch[T, R]) {
	defer close(b.done)
	defer func() {
		if r := recover(); r != nil {
			b.err = fmt.Errorf("coalesced flush panicked: %v", r)
		}
	}()
	c.mu.Lock()
	values := b.values
	c.mu.Unlock()
	b.result, b.err = c.flush(context.Background(), values)
}
