package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/toolgate/toolgate/internal/domain/audit"
)

// streamName is the JetStream stream audit events are published into.
const streamName = "TOOLGATE_AUDIT"

// NATSSink implements audit.Sink by publishing each event to a
// JetStream subject. Publish acks give the at-least-once guarantee the
// audit contract asks for; retry on failure is the emitter's job.
type NATSSink struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	subject string
}

// ConnectNATSSink dials NATS and ensures the audit stream exists.
func ConnectNATSSink(ctx context.Context, url, subject string) (*NATSSink, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{subject},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	return &NATSSink{nc: nc, js: js, subject: subject}, nil
}

// Write publishes each event and waits for the ack. The first failure
// fails the batch so the emitter can retry it whole.
func (s *NATSSink) Write(ctx context.Context, events []audit.Event) error {
	for _, e := range events {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal audit event: %w", err)
		}
		if _, err := s.js.Publish(ctx, s.subject, data); err != nil {
			return fmt.Errorf("publish audit event: %w", err)
		}
	}
	return nil
}

// Close drains the NATS connection.
func (s *NATSSink) Close() {
	s.nc.Close()
}

// Compile-time interface verification.
var _ audit.Sink = (*NATSSink)(nil)
