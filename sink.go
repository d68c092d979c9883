package idmefv2transport

import (
	"context"
	"sync"
)

// Sink is the queue through which transports deliver inbound messages to the
// application. It preserves insertion order and is safe for any number of
// concurrent producers and consumers.
type Sink struct {
	mu       sync.Mutex
	items    []Message
	capacity int

	// changed is closed and replaced whenever items changes, waking every
	// goroutine blocked in Put or Get.
	changed chan struct{}
}

// NewSink creates a Sink holding at most capacity messages. A capacity of zero
// or less creates an unbounded Sink.
func NewSink(capacity int) *Sink {
	if capacity < 0 {
		capacity = 0
	}
	return &Sink{
		capacity: capacity,
		changed:  make(chan struct{}),
	}
}

// Cap returns the capacity of the Sink, zero when unbounded.
func (s *Sink) Cap() int {
	return s.capacity
}

// Len returns the number of queued messages.
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Offer enqueues every message in msgs, or none of them when the Sink cannot
// hold them all. It never blocks.
func (s *Sink) Offer(msgs ...Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.fitsLocked(len(msgs)) {
		return false
	}
	s.appendLocked(msgs)
	return true
}

// Put enqueues every message in msgs, waiting until the Sink can hold them
// all. If ctx is done first, Put returns its error and enqueues nothing.
// Put never enqueues once ctx is done.
func (s *Sink) Put(ctx context.Context, msgs ...Message) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		s.mu.Lock()
		if s.fitsLocked(len(msgs)) {
			s.appendLocked(msgs)
			s.mu.Unlock()
			return nil
		}
		changed := s.changed
		s.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Get blocks until a message is available and returns it.
func (s *Sink) Get(ctx context.Context) (Message, error) {
	for {
		s.mu.Lock()
		if msg, ok := s.popLocked(); ok {
			s.mu.Unlock()
			return msg, nil
		}
		changed := s.changed
		s.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// TryGet returns the oldest queued message without blocking.
func (s *Sink) TryGet() (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.popLocked()
}

func (s *Sink) fitsLocked(n int) bool {
	return s.capacity == 0 || s.capacity-len(s.items) >= n
}

func (s *Sink) appendLocked(msgs []Message) {
	if len(msgs) == 0 {
		return
	}
	s.items = append(s.items, msgs...)
	s.broadcastLocked()
}

func (s *Sink) popLocked() (Message, bool) {
	if len(s.items) == 0 {
		return nil, false
	}
	msg := s.items[0]
	s.items[0] = nil
	s.items = s.items[1:]
	s.broadcastLocked()
	return msg, true
}

func (s *Sink) broadcastLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}
