package memory

import (
	"context"
	"sync"

	"github.com/toolgate/toolgate/internal/domain/audit"
)

// AuditSink implements audit.Sink by collecting events in memory.
// Used in tests and as the "none" sink in development.
type AuditSink struct {
	mu     sync.Mutex
	events []audit.Event
	// FailNext makes the next Write calls fail, for retry/drop tests.
	FailNext int
	failErr  error
}

// NewAuditSink creates a new in-memory audit sink.
func NewAuditSink() *AuditSink {
	return &AuditSink{}
}

// Write appends the batch, or fails while FailNext is positive.
func (s *AuditSink) Write(ctx context.Context, events []audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailNext > 0 {
		s.FailNext--
		return s.failErr
	}
	s.events = append(s.events, events...)
	return nil
}

// SetFailure arms the sink to fail the next n writes with err.
func (s *AuditSink) SetFailure(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FailNext = n
	s.failErr = err
}

// Events returns a copy of everything written so far.
func (s *AuditSink) Events() []audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audit.Event(nil), s.events...)
}

// Compile-time interface verification.
var _ audit.Sink = (*AuditSink)(nil)
