// Package wal implements the pending log: an in-memory, capacity-bounded FIFO
// of events that were accepted from the inbox but not yet committed.
//
// The log is not safe for concurrent use. It is owned by a single executor
// loop, which is the only goroutine that appends to or commits from it.
package wal

import (
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/mequeue/internal/model"
)

var (
	// ErrFull is returned by Append when the log is at capacity.
	ErrFull = errors.New("pending log is full")

	// ErrEmpty is returned by CommitHead when there is nothing to commit.
	ErrEmpty = errors.New("pending log is empty")

	// ErrSequenceMismatch is returned by CommitHead when the head entry is not
	// the one being committed.
	ErrSequenceMismatch = errors.New("commit sequence does not match head")
)

// Entry is an accepted event. Entries are immutable once appended.
type Entry[E any] struct {
	Seq        uint64    `json:"seq"`
	ID         string    `json:"id"`
	Payload    E         `json:"payload"`
	AcceptedAt time.Time `json:"accepted_at"`
}

// Log is the ordered record of uncommitted entries, oldest first.
type Log[E any] struct {
	entries  []Entry[E]
	capacity int
	lastSeq  uint64
}

// New creates an empty log holding at most capacity entries.
func New[E any](capacity int) *Log[E] {
	if capacity < 1 {
		capacity = 1
	}
	return &Log[E]{
		entries:  make([]Entry[E], 0, capacity),
		capacity: capacity,
	}
}

// Append adds payload at the tail and assigns it the next sequence number.
func (l *Log[E]) Append(payload E) (Entry[E], error) {
	if len(l.entries) >= l.capacity {
		return Entry[E]{}, ErrFull
	}

	l.lastSeq++
	e := Entry[E]{
		Seq:        l.lastSeq,
		ID:         model.NewID(),
		Payload:    payload,
		AcceptedAt: time.Now().UTC(),
	}
	l.entries = append(l.entries, e)
	return e, nil
}

// Head returns the oldest uncommitted entry.
func (l *Log[E]) Head() (Entry[E], bool) {
	if len(l.entries) == 0 {
		return Entry[E]{}, false
	}
	return l.entries[0], true
}

// CommitHead removes the head entry. seq must be the sequence number of the
// head; anything else means the log changed between dispatch and commit.
func (l *Log[E]) CommitHead(seq uint64) error {
	if len(l.entries) == 0 {
		return fmt.Errorf("commit %d: %w", seq, ErrEmpty)
	}
	if head := l.entries[0].Seq; head != seq {
		return fmt.Errorf("commit %d, head is %d: %w", seq, head, ErrSequenceMismatch)
	}

	// Zero the slot so the payload is not retained by the backing array.
	l.entries[0] = Entry[E]{}
	if len(l.entries) == 1 {
		l.entries = l.entries[:0]
	} else {
		l.entries = l.entries[1:]
	}
	return nil
}

// IsEmpty reports whether every accepted entry has been committed.
func (l *Log[E]) IsEmpty() bool { return len(l.entries) == 0 }

// Len returns the number of uncommitted entries.
func (l *Log[E]) Len() int { return len(l.entries) }

// Cap returns the maximum number of uncommitted entries.
func (l *Log[E]) Cap() int { return l.capacity }

// Full reports whether Append would fail.
func (l *Log[E]) Full() bool { return len(l.entries) >= l.capacity }

// LastSeq returns the sequence number of the most recently appended entry,
// or zero if nothing was ever appended.
func (l *Log[E]) LastSeq() uint64 { return l.lastSeq }

// Snapshot returns a copy of the uncommitted entries, oldest first.
func (l *Log[E]) Snapshot() []Entry[E] {
	out := make([]Entry[E], len(l.entries))
	copy(out, l.entries)
	return out
}
