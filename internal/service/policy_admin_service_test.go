package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/toolgate/toolgate/internal/adapter/outbound/memory"
	"github.com/toolgate/toolgate/internal/domain/audit"
	"github.com/toolgate/toolgate/internal/domain/cache"
	"github.com/toolgate/toolgate/internal/domain/policy"
)

type adminFixture struct {
	store      *memory.PolicyStore
	cacheStore *memory.Cache
	policySets *cache.PolicySets
	decisions  *cache.Decisions
	sink       *memory.AuditSink
	emitter    *AuditEmitter
	svc        *PolicyAdminService
}

func newAdminFixture(t *testing.T) *adminFixture {
	t.Helper()
	logger := testLogger()
	store := memory.NewPolicyStore()
	cacheStore := memory.NewCache()
	policySets := cache.NewPolicySets(cacheStore, time.Minute, logger)
	decisions := cache.NewDecisions(cacheStore, time.Minute, logger)
	sink := memory.NewAuditSink()
	emitter := NewAuditEmitter(sink, logger, WithBatchSize(1))

	return &adminFixture{
		store:      store,
		cacheStore: cacheStore,
		policySets: policySets,
		decisions:  decisions,
		sink:       sink,
		emitter:    emitter,
		svc:        NewPolicyAdminService(store, policySets, decisions, emitter, logger),
	}
}

func (f *adminFixture) drainAudit(ctx context.Context) []audit.Event {
	f.emitter.Start(ctx)
	f.emitter.Stop()
	return f.sink.Events()
}

func draftPolicy() *policy.Policy {
	return &policy.Policy{
		Name:      "github repo access",
		Type:      policy.TypeAccessControl,
		ToolID:    "github",
		ToolScope: policy.ScopeRepository,
		Priority:  100,
		Enabled:   true,
		Rules: []policy.Rule{{
			Name:     "allow developers",
			Action:   policy.ActionAllow,
			Priority: 10,
			Enabled:  true,
		}},
	}
}

func TestPolicyAdminCreate(t *testing.T) {
	f := newAdminFixture(t)
	ctx := context.Background()

	created, err := f.svc.Create(ctx, "admin-1", draftPolicy())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if created.ID == "" {
		t.Error("ID not generated")
	}
	if created.CreatedAt.IsZero() || created.UpdatedAt.IsZero() {
		t.Error("timestamps not set")
	}
	if len(created.Rules) != 1 || created.Rules[0].ID == "" {
		t.Errorf("rule defaults not filled: %+v", created.Rules)
	}

	events := f.drainAudit(ctx)
	if len(events) != 1 || events[0].EventType != audit.EventTypePolicyCreate {
		t.Errorf("audit events = %+v", events)
	}
	if events[0].Mutation.ActorID != "admin-1" || events[0].Mutation.NewValue == "" {
		t.Errorf("Mutation = %+v", events[0].Mutation)
	}
}

func TestPolicyAdminCreateValidation(t *testing.T) {
	f := newAdminFixture(t)

	p := draftPolicy()
	p.Name = ""
	_, err := f.svc.Create(context.Background(), "admin-1", p)
	var fe *policy.FieldError
	if !errors.As(err, &fe) {
		t.Fatalf("Create() error = %v, want FieldError", err)
	}
	if fe.Field != "name" {
		t.Errorf("Field = %q, want name", fe.Field)
	}
}

func TestPolicyAdminCreateInvalidatesCache(t *testing.T) {
	f := newAdminFixture(t)
	ctx := context.Background()

	// Prime both caches for the github scope.
	f.policySets.Put(ctx, "github", "repository", []policy.Policy{})
	req := enforceReq()
	dec := policy.EnforcementDecision{Decision: policy.ActionAllow, EvaluationID: "ev-1"}
	f.decisions.Put(ctx, &req, &dec)

	if _, err := f.svc.Create(ctx, "admin-1", draftPolicy()); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if _, ok := f.policySets.Get(ctx, "github", "repository"); ok {
		t.Error("policy-set cache still holds the pre-mutation entry")
	}
	if _, ok := f.decisions.Get(ctx, &req); ok {
		t.Error("decision cache still holds the pre-mutation entry")
	}
}

func TestPolicyAdminUpdate(t *testing.T) {
	f := newAdminFixture(t)
	ctx := context.Background()

	created, err := f.svc.Create(ctx, "admin-1", draftPolicy())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	upd := draftPolicy()
	upd.Name = "github repo access v2"
	updated, err := f.svc.Update(ctx, "admin-1", created.ID, upd)
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if updated.Name != "github repo access v2" {
		t.Errorf("Name = %q", updated.Name)
	}
	if !updated.CreatedAt.Equal(created.CreatedAt) {
		t.Errorf("CreatedAt changed on update: %v != %v", updated.CreatedAt, created.CreatedAt)
	}
}

func TestPolicyAdminUpdateRebindingFlushesOldScope(t *testing.T) {
	f := newAdminFixture(t)
	ctx := context.Background()

	created, err := f.svc.Create(ctx, "admin-1", draftPolicy())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// Prime both tool scopes, then rebind github -> jira.
	f.policySets.Put(ctx, "github", "repository", []policy.Policy{})
	f.policySets.Put(ctx, "jira", "project", []policy.Policy{})

	upd := draftPolicy()
	upd.ToolID = "jira"
	upd.ToolScope = policy.ScopeProject
	if _, err := f.svc.Update(ctx, "admin-1", created.ID, upd); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	if _, ok := f.policySets.Get(ctx, "github", "repository"); ok {
		t.Error("old tool scope survived the rebinding")
	}
	if _, ok := f.policySets.Get(ctx, "jira", "project"); ok {
		t.Error("new tool scope survived the rebinding")
	}
}

func TestPolicyAdminUpdateNotFound(t *testing.T) {
	f := newAdminFixture(t)
	_, err := f.svc.Update(context.Background(), "admin-1", "missing", draftPolicy())
	if !errors.Is(err, policy.ErrPolicyNotFound) {
		t.Errorf("Update() error = %v, want ErrPolicyNotFound", err)
	}
}

func TestPolicyAdminDelete(t *testing.T) {
	f := newAdminFixture(t)
	ctx := context.Background()

	created, err := f.svc.Create(ctx, "admin-1", draftPolicy())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := f.svc.Delete(ctx, "admin-1", created.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := f.svc.Get(ctx, created.ID); !errors.Is(err, policy.ErrPolicyNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrPolicyNotFound", err)
	}
	if err := f.svc.Delete(ctx, "admin-1", created.ID); !errors.Is(err, policy.ErrPolicyNotFound) {
		t.Errorf("second Delete() error = %v, want ErrPolicyNotFound", err)
	}
}

func TestPolicyAdminSeed(t *testing.T) {
	f := newAdminFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Create(ctx, "admin-1", draftPolicy()); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	seed := []policy.Policy{
		*draftPolicy(), // same name, must be skipped
		func() policy.Policy {
			p := draftPolicy()
			p.Name = "jira project access"
			p.ToolID = "jira"
			p.ToolScope = policy.ScopeProject
			return *p
		}(),
	}
	if err := f.svc.Seed(ctx, seed); err != nil {
		t.Fatalf("Seed() error = %v", err)
	}

	all, err := f.svc.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("len(policies) = %d, want 2 (duplicate name skipped)", len(all))
	}

	// Seeding again is a no-op.
	if err := f.svc.Seed(ctx, seed); err != nil {
		t.Fatalf("Seed() error = %v", err)
	}
	all, _ = f.svc.List(ctx)
	if len(all) != 2 {
		t.Errorf("len(policies) after reseed = %d, want 2", len(all))
	}
}
