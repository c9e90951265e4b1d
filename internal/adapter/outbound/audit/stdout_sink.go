package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/toolgate/toolgate/internal/domain/audit"
)

// StdoutSink implements audit.Sink as JSON Lines on a writer, one
// event per line. This is the default sink, useful in development and
// in container setups where a log shipper owns stdout.
type StdoutSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewStdoutSink creates a sink writing to os.Stdout.
func NewStdoutSink() *StdoutSink {
	return NewWriterSink(os.Stdout)
}

// NewWriterSink creates a sink writing to w (used by tests).
func NewWriterSink(w io.Writer) *StdoutSink {
	return &StdoutSink{enc: json.NewEncoder(w)}
}

// Write encodes each event on its own line. The first encode failure
// fails the batch.
func (s *StdoutSink) Write(_ context.Context, events []audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range events {
		if err := s.enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}

// Compile-time interface verification.
var _ audit.Sink = (*StdoutSink)(nil)
