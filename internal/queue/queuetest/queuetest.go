// Package queuetest provides in-memory queue implementations for tests.
package queuetest

import (
	"context"
	"errors"
	"sync"

	"github.com/example/push-service/internal/queue"
)

// Source hands out queued bodies in order and records which were acked.
// Fetch returns queue.ErrClosed once the queue is drained and Close was called,
// or blocks until ctx is done when it is drained but still open.
type Source struct {
	mu     sync.Mutex
	bodies [][]byte
	acked  []string
	closed bool
	wake   chan struct{}
}

func NewSource(bodies ...[]byte) *Source {
	return &Source{bodies: bodies, wake: make(chan struct{}, 1)}
}

func (s *Source) Push(body []byte) {
	s.mu.Lock()
	s.bodies = append(s.bodies, body)
	s.mu.Unlock()
	s.signal()
}

func (s *Source) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Source) Fetch(ctx context.Context) (queue.Delivery, error) {
	for {
		s.mu.Lock()
		if len(s.bodies) > 0 {
			body := s.bodies[0]
			s.bodies = s.bodies[1:]
			s.mu.Unlock()
			return queue.NewDelivery(nil, body, func(context.Context) error {
				s.mu.Lock()
				s.acked = append(s.acked, string(body))
				s.mu.Unlock()
				return nil
			}), nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return queue.Delivery{}, queue.ErrClosed
		}
		select {
		case <-ctx.Done():
			return queue.Delivery{}, ctx.Err()
		case <-s.wake:
		}
	}
}

func (s *Source) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
	return nil
}

// Acked returns the bodies acked so far.
func (s *Source) Acked() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.acked...)
}

var ErrUnavailable = errors.New("queuetest: sink unavailable")

// Sink records published messages. The first FailFirst publishes fail.
type Sink struct {
	mu        sync.Mutex
	messages  []queue.Message
	FailFirst int
	calls     int
}

func (s *Sink) Publish(ctx context.Context, msg queue.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.FailFirst {
		return ErrUnavailable
	}
	s.messages = append(s.messages, msg)
	return nil
}

func (s *Sink) Close() error { return nil }

func (s *Sink) Messages() []queue.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]queue.Message(nil), s.messages...)
}

// Calls counts publish attempts including failed ones.
func (s *Sink) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
