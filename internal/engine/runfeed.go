package engine

import (
	"sync"

	"github.com/seantiz/mequeue/internal/model"
)

// feedBufferSize is the channel buffer for each run feed subscriber.
// Updates are dropped if a subscriber falls this far behind.
const feedBufferSize = 64

// RunFeed fans run updates out to live subscribers, such as SSE clients. It
// is safe for concurrent use and implements Observer so it can be attached
// to an executor directly.
//
// Publishing never blocks: a subscriber whose buffer is full misses updates.
// The journal in the store is the complete record.
type RunFeed struct {
	mu     sync.Mutex
	subs   map[int]chan model.Run
	nextID int
	closed bool
}

// NewRunFeed creates a run feed with no subscribers.
func NewRunFeed() *RunFeed {
	return &RunFeed{
		subs: make(map[int]chan model.Run),
	}
}

// Subscribe returns a channel of run updates and an unsubscribe function. If
// the feed is closed, the returned channel is already closed.
func (f *RunFeed) Subscribe() (<-chan model.Run, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan model.Run, feedBufferSize)
	if f.closed {
		close(ch)
		return ch, func() {}
	}

	id := f.nextID
	f.nextID++
	f.subs[id] = ch

	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if c, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(c)
		}
	}
}

// Publish sends r to every subscriber with room in its buffer.
func (f *RunFeed) Publish(r model.Run) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	for _, ch := range f.subs {
		select {
		case ch <- r:
		default:
			// Drop for slow subscribers rather than stall the executor loop.
		}
	}
}

// Close closes every subscriber channel. Later subscribers get a closed channel.
func (f *RunFeed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.subs {
		close(ch)
		delete(f.subs, id)
	}
}

func (f *RunFeed) EventAccepted(model.Accepted) {}

func (f *RunFeed) RunStarted(r *model.Run) { f.Publish(*r) }

func (f *RunFeed) RunFinished(r *model.Run) { f.Publish(*r) }
