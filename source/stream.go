package source

import (
	"context"
	"sync"
)

// Stream is a lazy, producer-closed sequence of raw results. The producer
// emits records and then closes the stream, normally or with a terminal
// error; the consumer drains Results and checks Err after the channel
// closes. Errors never cross the channel itself.
type Stream struct {
	results chan RawResult

	mu  sync.Mutex
	err error
}

// NewStream creates a stream with a small producer-side buffer.
func NewStream() *Stream {
	return &Stream{results: make(chan RawResult, 16)}
}

// Results returns the receive side of the stream. The channel is closed
// when the producer finishes or fails.
func (s *Stream) Results() <-chan RawResult {
	return s.results
}

// Err returns the terminal error, if any. Only meaningful after Results
// is closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Emit sends one record, honoring context cancellation. Returns false when
// the context ended before the record could be delivered.
func (s *Stream) Emit(ctx context.Context, r RawResult) bool {
	select {
	case s.results <- r:
		return true
	case <-ctx.Done():
		return false
	}
}

// Close terminates the stream normally. Producer-only.
func (s *Stream) Close() {
	close(s.results)
}

// Fail records a terminal error and closes the stream. Producer-only.
func (s *Stream) Fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.results)
}
