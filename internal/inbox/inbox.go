// Package inbox provides the bounded event inbox that producers push into and
// a single executor drains.
package inbox

import (
	"context"
	"errors"
	"sync"

	"github.com/seantiz/mequeue/internal/wal"
)

var (
	// ErrClosed is returned when sending to an inbox that has been closed.
	ErrClosed = errors.New("inbox closed")

	// ErrFull is returned by TrySend when the inbox has no free slot.
	ErrFull = errors.New("inbox full")
)

// Inbox is a bounded FIFO channel of events. Send blocks while the inbox is
// full, which is how backpressure reaches producers.
//
// Send and TrySend are safe for concurrent use by any number of producers.
// Events should be consumed by one goroutine.
type Inbox[E any] struct {
	ch   chan E
	done chan struct{}

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

// New creates an inbox that buffers up to capacity events.
func New[E any](capacity int) *Inbox[E] {
	if capacity < 1 {
		capacity = 1
	}
	return &Inbox[E]{
		ch:   make(chan E, capacity),
		done: make(chan struct{}),
	}
}

// Send enqueues ev, waiting while the inbox is full. It returns ctx.Err() if
// ctx ends first and ErrClosed if the inbox is (or becomes) closed.
func (i *Inbox[E]) Send(ctx context.Context, ev E) error {
	i.mu.RLock()
	defer i.mu.RUnlock()

	if i.closed {
		return ErrClosed
	}

	select {
	case i.ch <- ev:
		return nil
	case <-i.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySend enqueues ev only if there is room.
func (i *Inbox[E]) TrySend(ev E) error {
	i.mu.RLock()
	defer i.mu.RUnlock()

	if i.closed {
		return ErrClosed
	}

	select {
	case i.ch <- ev:
		return nil
	default:
		return ErrFull
	}
}

// Events returns the consumer side of the inbox. The channel is closed after
// Close once every buffered event has been received.
func (i *Inbox[E]) Events() <-chan E {
	return i.ch
}

// Close stops accepting events. Blocked senders return ErrClosed. Events
// already buffered remain readable. Close is idempotent.
func (i *Inbox[E]) Close() {
	i.closeOnce.Do(func() {
		// Wake blocked senders first so they release the read lock.
		close(i.done)

		i.mu.Lock()
		defer i.mu.Unlock()
		i.closed = true
		close(i.ch)
	})
}

// Len returns the number of buffered events.
func (i *Inbox[E]) Len() int { return len(i.ch) }

// Cap returns the inbox capacity.
func (i *Inbox[E]) Cap() int { return cap(i.ch) }

// Sink receives drained events. *wal.Log satisfies it.
type Sink[E any] interface {
	Append(payload E) (wal.Entry[E], error)
	Full() bool
}

// DrainInto moves every event that is immediately available on src into dst,
// in arrival order, without blocking. It stops early when dst is full so that
// no received event is ever dropped. open is false once src has been closed
// and fully drained.
func DrainInto[E any](src <-chan E, dst Sink[E]) (drained []wal.Entry[E], open bool, err error) {
	for !dst.Full() {
		select {
		case ev, ok := <-src:
			if !ok {
				return drained, false, nil
			}
			entry, err := dst.Append(ev)
			if err != nil {
				return drained, true, err
			}
			drained = append(drained, entry)
		default:
			return drained, true, nil
		}
	}
	return drained, true, nil
}
