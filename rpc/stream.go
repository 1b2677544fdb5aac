package rpc

import (
	"context"
	"io"
	"sync"
)

// Stream is the caller-side surface of an observable call. Values arrive in
// emission order; Recv returns io.EOF after the stream completes. A Stream has a
// single consumer.
type Stream struct {
	d  *Dispatcher
	id uint64

	mu    sync.Mutex
	buf   []streamItem
	done  bool
	ready chan struct{}

	unsubOnce sync.Once
}

type streamItem struct {
	value any
	err   error
}

func newStream(d *Dispatcher, id uint64) *Stream {
	return &Stream{
		d:     d,
		id:    id,
		ready: make(chan struct{}, 1),
	}
}

// RequestID is the identifier of the originating subscription request.
func (s *Stream) RequestID() uint64 { return s.id }

// Recv returns the next value from the stream. It returns io.EOF once the
// stream has completed or been unsubscribed, and the stream's error if it
// failed. After a terminal result, Recv keeps returning it.
func (s *Stream) Recv(ctx context.Context) (any, error) {
	for {
		s.mu.Lock()
		if len(s.buf) > 0 {
			it := s.buf[0]
			if it.err != nil {
				// terminal stays buffered so later Recv calls see it again
				s.mu.Unlock()
				return nil, it.err
			}
			s.buf = s.buf[1:]
			s.mu.Unlock()
			return it.value, nil
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.ready:
		}
	}
}

// Unsubscribe cancels the subscription. The server is told to stop producing;
// frames already in flight are dropped. Recv returns io.EOF afterwards.
func (s *Stream) Unsubscribe() {
	s.unsubOnce.Do(func() {
		// values buffered but not yet received are discarded too
		s.mu.Lock()
		if !s.done {
			s.done = true
			s.buf = []streamItem{{err: io.EOF}}
		}
		s.mu.Unlock()
		select {
		case s.ready <- struct{}{}:
		default:
		}
		s.d.unsubscribe(s)
	})
}

func (s *Stream) push(v any) {
	s.deliver(streamItem{value: v})
}

func (s *Stream) complete() {
	s.deliver(streamItem{err: io.EOF})
}

func (s *Stream) fail(err error) {
	s.deliver(streamItem{err: err})
}

func (s *Stream) deliver(it streamItem) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	if it.err != nil {
		s.done = true
	}
	s.buf = append(s.buf, it)
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
}
