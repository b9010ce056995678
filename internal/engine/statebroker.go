package engine

import (
	"errors"
	"sync"
)

// ErrBrokerClosed is returned when publishing to a closed state broker.
var ErrBrokerClosed = errors.New("state broker closed")

// StateBroker distributes state values to subscribers. It is safe for
// concurrent use.
//
// Each subscriber owns a single-slot cell. Publishing overwrites the cell and
// raises a coalescing signal, so a slow subscriber never blocks the publisher
// and always observes the newest value. Intermediate values that were never
// taken are superseded, which is all an executor needs.
type StateBroker[S any] struct {
	mu      sync.Mutex
	subs    map[int]*Subscription[S]
	nextID  int
	version uint64
	latest  S
	closed  bool
}

// NewStateBroker creates a state broker with no subscribers.
func NewStateBroker[S any]() *StateBroker[S] {
	return &StateBroker[S]{
		subs: make(map[int]*Subscription[S]),
	}
}

// Subscribe returns a subscription that observes values published from now
// on, and a function that removes it. Subscribing to a closed broker returns
// a subscription that has already ended.
func (b *StateBroker[S]) Subscribe() (*Subscription[S], func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := newSubscription[S]()
	if b.closed {
		sub.end()
		return sub, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = sub

	return sub, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			s.end()
		}
	}
}

// Publish hands s to every subscriber and returns the version assigned to it.
func (b *StateBroker[S]) Publish(s S) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, ErrBrokerClosed
	}

	b.version++
	b.latest = s
	for _, sub := range b.subs {
		sub.offer(s, b.version)
	}
	stateUpdatesTotal.Inc()
	return b.version, nil
}

// Latest returns the most recently published value and its version.
func (b *StateBroker[S]) Latest() (S, uint64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latest, b.version, b.version > 0
}

// Subscribers returns the number of live subscriptions.
func (b *StateBroker[S]) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close ends every subscription. Values already offered to a subscriber can
// still be taken. Close is idempotent.
func (b *StateBroker[S]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		sub.end()
		delete(b.subs, id)
	}
}

// Subscription is one subscriber's view of a StateBroker.
type Subscription[S any] struct {
	mu      sync.Mutex
	value   S
	version uint64
	pending bool
	ended   bool

	ready chan struct{}
	done  chan struct{}
}

func newSubscription[S any]() *Subscription[S] {
	return &Subscription[S]{
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

func (s *Subscription[S]) offer(v S, version uint64) {
	s.mu.Lock()
	s.value = v
	s.version = version
	s.pending = true
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
}

func (s *Subscription[S]) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.ended = true
		close(s.done)
	}
}

// Ready is signalled after a value is offered. Several offers may collapse
// into one signal, and a signal may be stale; callers follow it with Take.
func (s *Subscription[S]) Ready() <-chan struct{} {
	return s.ready
}

// Take returns the newest value not yet taken, if any.
func (s *Subscription[S]) Take() (S, uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.pending {
		var zero S
		return zero, 0, false
	}
	s.pending = false
	v := s.value
	var zero S
	s.value = zero
	return v, s.version, true
}

// Done is closed when the subscription ends.
func (s *Subscription[S]) Done() <-chan struct{} {
	return s.done
}
