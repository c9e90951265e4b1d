package audit

import "context"

// Sink is the external audit collaborator. Delivery is at-least-once
// with bounded local retry; persistent failure is logged and the batch
// dropped rather than blocking enforcement.
type Sink interface {
	// Write delivers a batch of events. An error means the whole batch
	// failed and may be retried.
	Write(ctx context.Context, events []Event) error
}
