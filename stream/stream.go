// Package stream provides an unbounded, order-preserving queue with a
// channel read side.
//
// A Stream decouples a producer that must never block (a session's read
// loop) from a consumer that reads at its own pace. Push never blocks;
// items are delivered on C in push order. After Close, buffered items are
// still delivered and then C is closed.
package stream

import "sync"

// Stream is an unbounded FIFO. The zero value is not usable; call New.
type Stream[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []T
	closed bool

	out chan T
}

// New starts a stream and its delivery goroutine.
func New[T any]() *Stream[T] {
	s := &Stream[T]{out: make(chan T)}
	s.cond = sync.NewCond(&s.mu)
	go s.pump()
	return s
}

// Push appends v. It returns false if the stream is closed.
func (s *Stream[T]) Push(v T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.buf = append(s.buf, v)
	s.cond.Signal()
	return true
}

// Close stops accepting items. Items already pushed are still delivered.
// Idempotent.
func (s *Stream[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.cond.Signal()
	}
}

// C returns the delivery channel. It is closed after Close once every
// buffered item has been received.
func (s *Stream[T]) C() <-chan T { return s.out }

// Len returns the number of undelivered items.
func (s *Stream[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

func (s *Stream[T]) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		for len(s.buf) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.buf) == 0 {
			s.mu.Unlock()
			return
		}
		v := s.buf[0]
		var zero T
		s.buf[0] = zero
		s.buf = s.buf[1:]
		s.mu.Unlock()

		s.out <- v
	}
}
