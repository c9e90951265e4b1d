package provider

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"go.uber.org/goleak"
)

// fakeProvider returns canned context after an optional delay.
type fakeProvider struct {
	result map[string]any
	err    error
	delay  time.Duration
}

func (f *fakeProvider) GetContext(ctx context.Context, resourceType, resourceID string) (map[string]any, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.result, f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestRegistryRegisterAndHas(t *testing.T) {
	r := NewRegistry(time.Second, 4, testLogger())
	if r.Has("github") {
		t.Error("Has() = true on empty registry")
	}
	r.Register("github", &fakeProvider{})
	if !r.Has("github") {
		t.Error("Has() = false after Register")
	}
}

func TestRegistryGetContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := NewRegistry(time.Second, 4, testLogger())
	r.Register("github", &fakeProvider{result: map[string]any{"visibility": "private"}})

	got, err := r.GetContext(context.Background(), "github", "repository", "repo-42")
	if err != nil {
		t.Fatalf("GetContext() error = %v", err)
	}
	if got["visibility"] != "private" {
		t.Errorf("GetContext() = %v", got)
	}
}

func TestRegistryNoProvider(t *testing.T) {
	r := NewRegistry(time.Second, 4, testLogger())
	_, err := r.GetContext(context.Background(), "unknown", "repository", "x")
	if !errors.Is(err, ErrNoProvider) {
		t.Errorf("GetContext() error = %v, want ErrNoProvider", err)
	}
}

func TestRegistryTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := NewRegistry(20*time.Millisecond, 4, testLogger())
	r.Register("slow", &fakeProvider{delay: time.Second})

	start := time.Now()
	_, err := r.GetContext(context.Background(), "slow", "repository", "x")
	if err == nil {
		t.Fatal("GetContext() = nil error, want deadline exceeded")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("GetContext returned after %v, timeout not applied", elapsed)
	}
}

func TestRegistryProviderError(t *testing.T) {
	r := NewRegistry(time.Second, 4, testLogger())
	wantErr := errors.New("upstream 500")
	r.Register("github", &fakeProvider{err: wantErr})

	_, err := r.GetContext(context.Background(), "github", "repository", "x")
	if !errors.Is(err, wantErr) {
		t.Errorf("GetContext() error = %v, want %v", err, wantErr)
	}
}

// holdingProvider blocks until released, ignoring ctx, so a limiter
// slot stays occupied for as long as the test needs.
type holdingProvider struct {
	entered chan struct{}
	release chan struct{}
}

func (p *holdingProvider) GetContext(context.Context, string, string) (map[string]any, error) {
	close(p.entered)
	<-p.release
	return nil, nil
}

func TestRegistryConcurrencyLimit(t *testing.T) {
	defer goleak.VerifyNone(t)

	// One slot, held for the whole test: the second call must fail once
	// its deadline lapses while waiting on the limiter.
	hold := &holdingProvider{entered: make(chan struct{}), release: make(chan struct{})}
	r := NewRegistry(50*time.Millisecond, 1, testLogger())
	r.Register("slow", hold)
	r.Register("fast", &fakeProvider{result: map[string]any{"k": "v"}})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = r.GetContext(context.Background(), "slow", "repository", "x")
	}()

	<-hold.entered // slot taken
	_, err := r.GetContext(context.Background(), "fast", "repository", "y")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("GetContext() error = %v, want context.DeadlineExceeded", err)
	}
	close(hold.release)
	<-done
}

func TestRegistryCancellation(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := NewRegistry(time.Second, 4, testLogger())
	r.Register("slow", &fakeProvider{delay: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := r.GetContext(ctx, "slow", "repository", "x")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("GetContext() error = %v, want context.Canceled", err)
	}
}
