package outputstream

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Stream broadcasts items of type T from one producer to many consumers.
// Callbacks registered with OnData are invoked synchronously, in
// registration order, as each item is emitted; a separate queue feeds the
// single Each iterator so a slow consumer never makes Emit block.
type Stream[T any] struct {
	log *zap.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	callbacks []func(T)
	queue     []T
	closed    bool

	eachCalled atomic.Bool
}

// New creates an empty, open Stream. A nil logger is treated as a no-op
// logger; callback panics and iterator misuse are logged there and
// otherwise swallowed.
func New[T any](log *zap.Logger) *Stream[T] {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Stream[T]{log: log}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// OnData registers cb to be called for every item emitted after this call
// returns. Multiple callbacks may be registered; they fire in registration
// order. A panicking callback is recovered, logged, and does not prevent
// other callbacks — or the Each iterator — from seeing the item.
func (s *Stream[T]) OnData(cb func(T)) {
	s.mu.Lock()
	s.callbacks = append(s.callbacks, cb)
	s.mu.Unlock()
}

// Closed reports whether Close has been called.
func (s *Stream[T]) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Emit delivers item to every registered callback and to the pending queue
// for Each. It is a silent no-op once the stream is closed. Only the
// producer should call Emit.
func (s *Stream[T]) Emit(item T) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	cbs := s.callbacks
	s.queue = append(s.queue, item)
	s.cond.Signal()
	s.mu.Unlock()

	for _, cb := range cbs {
		s.safeCall(cb, item)
	}
}

func (s *Stream[T]) safeCall(cb func(T), item T) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Warn("outputstream: callback panicked, swallowing", zap.Any("recover", r))
		}
	}()
	cb(item)
}

// Close marks the stream closed, idempotently. Any goroutine blocked in
// Each wakes once it has drained items queued before Close.
func (s *Stream[T]) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Each blocks the calling goroutine, invoking yield for every item in
// emission order, until the stream closes and the queue drains. It may be
// called at most once per Stream; subsequent calls log a warning and
// return immediately.
func (s *Stream[T]) Each(yield func(T)) {
	if !s.eachCalled.CompareAndSwap(false, true) {
		s.log.Warn("outputstream: Each called more than once, ignoring")
		return
	}

	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		item := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		yield(item)
	}
}
