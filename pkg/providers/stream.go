package providers

import (
	"context"
	"io"
	"sync"
)

// Stream is a pull-based, cancellable, finite sequence of text deltas.
//
// Adapters act as the producer: they push deltas with Send and terminate the
// sequence with CloseSend. Consumers pull with Recv, which returns io.EOF on
// a clean end and the producer's terminal error otherwise. Cancellation is
// cooperative: Cancel signals the producer context; the producer notices on
// its next wire read and closes the sequence.
type Stream struct {
	ch     chan string
	cancel context.CancelFunc

	mu     sync.Mutex
	err    error
	closed bool
}

// NewStream builds a stream whose producer is stopped via cancel.
func NewStream(cancel context.CancelFunc) *Stream {
	return &Stream{
		ch:     make(chan string, 16),
		cancel: cancel,
	}
}

// Send delivers one delta to the consumer. It returns false once ctx is done,
// which producers treat as a stop signal.
func (s *Stream) Send(ctx context.Context, delta string) bool {
	select {
	case s.ch <- delta:
		return true
	case <-ctx.Done():
		return false
	}
}

// CloseSend terminates the sequence. A nil err marks a clean end; a non-nil
// err is surfaced to the consumer after buffered deltas drain. CloseSend is
// idempotent; only the first call's error is kept.
func (s *Stream) CloseSend(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.ch)
}

// Recv returns the next delta. It blocks until a delta arrives, the sequence
// ends (io.EOF or the terminal error), or ctx is done. Callers apply per-read
// deadlines through ctx so a stalled backend fails instead of wedging.
func (s *Stream) Recv(ctx context.Context) (string, error) {
	select {
	case delta, ok := <-s.ch:
		if !ok {
			s.mu.Lock()
			err := s.err
			s.mu.Unlock()
			if err != nil {
				return "", err
			}
			return "", io.EOF
		}
		return delta, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Cancel cooperatively signals the producer to stop. Safe to call multiple
// times and after the stream has ended.
func (s *Stream) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}
