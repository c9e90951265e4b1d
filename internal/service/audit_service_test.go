package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/toolgate/toolgate/internal/adapter/outbound/memory"
	"github.com/toolgate/toolgate/internal/domain/audit"
)

func decisionEvent(principal string) audit.DecisionEvent {
	return audit.DecisionEvent{
		PrincipalID:  principal,
		ToolSlug:     "github",
		Action:       "push",
		ResourceType: "repository",
		ResourceID:   "repo-42",
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestEmitterFlushesOnBatchSize(t *testing.T) {
	defer goleak.VerifyNone(t)

	sink := memory.NewAuditSink()
	e := NewAuditEmitter(sink, testLogger(),
		WithBatchSize(3),
		WithFlushInterval(time.Hour), // ticker must not be the trigger
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)
	defer e.Stop()

	for i := 0; i < 3; i++ {
		e.EmitDecision(decisionEvent("user-1"), "req-1")
	}
	waitFor(t, time.Second, func() bool { return len(sink.Events()) == 3 })
}

func TestEmitterFlushesOnInterval(t *testing.T) {
	defer goleak.VerifyNone(t)

	sink := memory.NewAuditSink()
	e := NewAuditEmitter(sink, testLogger(),
		WithBatchSize(100),
		WithFlushInterval(10*time.Millisecond),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)
	defer e.Stop()

	e.EmitDecision(decisionEvent("user-1"), "req-1")
	waitFor(t, time.Second, func() bool { return len(sink.Events()) == 1 })
}

func TestEmitterStopFlushesRemainder(t *testing.T) {
	defer goleak.VerifyNone(t)

	sink := memory.NewAuditSink()
	e := NewAuditEmitter(sink, testLogger(),
		WithBatchSize(100),
		WithFlushInterval(time.Hour),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)

	e.EmitDecision(decisionEvent("user-1"), "req-1")
	e.EmitDecision(decisionEvent("user-2"), "req-2")
	e.Stop()

	if got := len(sink.Events()); got != 2 {
		t.Errorf("events after Stop = %d, want 2", got)
	}
	if rate := e.AckRate(); rate != 100 {
		t.Errorf("AckRate() = %v, want 100", rate)
	}
}

func TestEmitterRetriesThenAcks(t *testing.T) {
	defer goleak.VerifyNone(t)

	sink := memory.NewAuditSink()
	sink.SetFailure(2, errors.New("sink unavailable"))
	e := NewAuditEmitter(sink, testLogger(),
		WithBatchSize(1),
		WithFlushInterval(time.Hour),
		WithRetry(3, time.Millisecond),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)

	e.EmitDecision(decisionEvent("user-1"), "req-1")
	waitFor(t, time.Second, func() bool { return len(sink.Events()) == 1 })
	e.Stop()

	if drops := e.DroppedEvents(); drops != 0 {
		t.Errorf("DroppedEvents() = %d, want 0 after recovery", drops)
	}
	if rate := e.AckRate(); rate != 100 {
		t.Errorf("AckRate() = %v, want 100 after recovery", rate)
	}
}

func TestEmitterDropsAfterExhaustedRetries(t *testing.T) {
	defer goleak.VerifyNone(t)

	sink := memory.NewAuditSink()
	sink.SetFailure(100, errors.New("sink unavailable"))
	e := NewAuditEmitter(sink, testLogger(),
		WithBatchSize(1),
		WithFlushInterval(time.Hour),
		WithRetry(1, time.Millisecond),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)

	e.EmitDecision(decisionEvent("user-1"), "req-1")
	waitFor(t, time.Second, func() bool { return e.DroppedEvents() == 1 })
	e.Stop()

	if got := len(sink.Events()); got != 0 {
		t.Errorf("events = %d, want 0", got)
	}
	if rate := e.AckRate(); rate != 0 {
		t.Errorf("AckRate() = %v, want 0 when nothing was acknowledged", rate)
	}
}

func TestEmitterDropsWhenChannelFull(t *testing.T) {
	// Worker not started: the channel fills and stays full.
	sink := memory.NewAuditSink()
	e := NewAuditEmitter(sink, testLogger(),
		WithChannelSize(1),
		WithSendTimeout(0),
	)

	e.EmitDecision(decisionEvent("user-1"), "req-1")
	e.EmitDecision(decisionEvent("user-2"), "req-2")

	if drops := e.DroppedEvents(); drops != 1 {
		t.Errorf("DroppedEvents() = %d, want 1", drops)
	}
	if depth := e.ChannelDepth(); depth != 1 {
		t.Errorf("ChannelDepth() = %d, want 1", depth)
	}

	// Drain so the worker can exit cleanly.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)
	e.Stop()
}

func TestEmitterAckRateBeforeAnyEmit(t *testing.T) {
	e := NewAuditEmitter(memory.NewAuditSink(), testLogger())
	if rate := e.AckRate(); rate != 100 {
		t.Errorf("AckRate() = %v, want 100 before any emission", rate)
	}
}

func TestEmitDecisionRedactsContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	sink := memory.NewAuditSink()
	e := NewAuditEmitter(sink, testLogger(), WithBatchSize(1))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)

	dec := decisionEvent("user-1")
	dec.Context = map[string]any{
		"github_token": "ghp_abc123",
		"branch":       "main",
	}
	e.EmitDecision(dec, "req-1")
	e.Stop()

	events := sink.Events()
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}
	got := events[0].Decision.Context
	if got["github_token"] != "***REDACTED***" {
		t.Errorf("github_token = %v, want redacted", got["github_token"])
	}
	if got["branch"] != "main" {
		t.Errorf("branch = %v, want main", got["branch"])
	}
}

func TestEmitMutation(t *testing.T) {
	defer goleak.VerifyNone(t)

	sink := memory.NewAuditSink()
	e := NewAuditEmitter(sink, testLogger(), WithBatchSize(1))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)

	e.EmitMutation(audit.EventTypePolicyCreate, "req-1", audit.MutationEvent{
		ActorID:  "admin-1",
		TargetID: "p-1",
	})
	e.Stop()

	events := sink.Events()
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}
	if events[0].EventType != audit.EventTypePolicyCreate {
		t.Errorf("EventType = %q", events[0].EventType)
	}
	if events[0].Mutation == nil || events[0].Mutation.ActorID != "admin-1" {
		t.Errorf("Mutation = %+v", events[0].Mutation)
	}
}
