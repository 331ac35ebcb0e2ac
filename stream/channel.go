// Package stream provides the asynchronous delivery queue that turns the
// push-style progress of a loop run into a pull-style sequence for its
// consumer.
package stream

import (
	"context"
	"iter"
	"sync"
)

// Channel is an unbounded FIFO with a single logical consumer and any number
// of producers. It ends either by completion, after which buffered values
// are drained before end-of-sequence, or by failure, which discards buffered
// values and makes every pull return the failure.
type Channel[T any] struct {
	mu        sync.Mutex
	buf       []T
	completed bool
	err       error
	wake      chan struct{}
}

func NewChannel[T any]() *Channel[T] {
	return &Channel[T]{wake: make(chan struct{})}
}

// broadcast wakes every waiting pull. Callers hold mu.
func (c *Channel[T]) broadcast() {
	close(c.wake)
	c.wake = make(chan struct{})
}

func (c *Channel[T]) closed() bool {
	return c.completed || c.err != nil
}

// Enqueue appends v. It is a no-op once the channel is completed or failed.
func (c *Channel[T]) Enqueue(v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed() {
		return
	}
	c.buf = append(c.buf, v)
	c.broadcast()
}

// Complete ends the sequence after the buffered values.
func (c *Channel[T]) Complete() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed() {
		return
	}
	c.completed = true
	c.broadcast()
}

// Fail permanently fails the channel with err. The first failure wins and a
// completed channel cannot be failed.
func (c *Channel[T]) Fail(err error) {
	if err == nil {
		panic("stream: Fail called with nil error")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed() {
		return
	}
	c.err = err
	c.buf = nil
	c.broadcast()
}

// Next returns the next value. ok is false at end-of-sequence. A failed
// channel returns its failure; a pull abandoned through ctx returns ctx.Err()
// and leaves the channel untouched.
func (c *Channel[T]) Next(ctx context.Context) (v T, ok bool, err error) {
	for {
		c.mu.Lock()
		switch {
		case c.err != nil:
			err = c.err
			c.mu.Unlock()
			return v, false, err
		case len(c.buf) > 0:
			v = c.buf[0]
			var zero T
			c.buf[0] = zero
			c.buf = c.buf[1:]
			c.mu.Unlock()
			return v, true, nil
		case c.completed:
			c.mu.Unlock()
			return v, false, nil
		}
		wake := c.wake
		c.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return v, false, ctx.Err()
		}
	}
}

// All adapts the channel to a range-over-func sequence. Iteration stops after
// the first error, which is yielded with the zero value.
func (c *Channel[T]) All(ctx context.Context) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for {
			v, ok, err := c.Next(ctx)
			if err != nil {
				yield(v, err)
				return
			}
			if !ok {
				return
			}
			if !yield(v, nil) {
				return
			}
		}
	}
}

// Len reports the number of buffered values.
func (c *Channel[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buf)
}
