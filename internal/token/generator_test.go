package token

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"
)

type fakeKeyChecker struct {
	existing map[string]bool
	calls    int
	failWith error
}

func (f *fakeKeyChecker) LoginSessionKeyExists(ctx context.Context, key string) (bool, error) {
	f.calls++
	if f.failWith != nil {
		return false, f.failWith
	}
	return f.existing[key], nil
}

func TestDeriveIsDeterministicAndURLSafe(t *testing.T) {
	at := time.Unix(1700000000, 0).UTC()
	a := Derive("user-1", "project-1", at)
	b := Derive("user-1", "project-1", at)
	if a != b {
		t.Fatalf("same inputs produced different keys: %q vs %q", a, b)
	}
	if len(a) != 43 {
		t.Fatalf("expected 43-character key, got %d: %q", len(a), a)
	}
	if !regexp.MustCompile(`^[A-Za-z0-9_-]+$`).MatchString(a) {
		t.Fatalf("key is not URL-safe: %q", a)
	}
	if c := Derive("user-2", "project-1", at); c == a {
		t.Fatalf("different users produced the same key")
	}
	if c := Derive("user-1", "project-1", at.Add(time.Second)); c == a {
		t.Fatalf("different seconds produced the same key")
	}
	// Sub-second changes do not move the key; granularity is one second.
	if c := Derive("user-1", "project-1", at.Add(300*time.Millisecond)); c != a {
		t.Fatalf("sub-second offset changed the key")
	}
}

func TestGenerateRetriesPastCollision(t *testing.T) {
	base := time.Unix(1700000000, 0).UTC()
	taken := Derive("u", "p", base)
	keys := &fakeKeyChecker{existing: map[string]bool{taken: true}}

	g := NewGenerator(keys, 10, 50*time.Millisecond)
	clock := base
	var slept []time.Duration
	g.now = func() time.Time { return clock }
	g.sleep = func(d time.Duration) {
		slept = append(slept, d)
		clock = clock.Add(time.Second)
	}

	key, err := g.Generate(context.Background(), "u", "p")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if key == taken {
		t.Fatalf("generator returned a key that already exists")
	}
	if key != Derive("u", "p", base.Add(time.Second)) {
		t.Fatalf("expected key for the next second, got %q", key)
	}
	if len(slept) != 1 || slept[0] != 50*time.Millisecond {
		t.Fatalf("expected one backoff sleep of 50ms, got %v", slept)
	}
	if keys.calls != 2 {
		t.Fatalf("expected 2 existence checks, got %d", keys.calls)
	}
}

func TestGenerateExhaustsAfterMaxAttempts(t *testing.T) {
	base := time.Unix(1700000000, 0).UTC()
	keys := &fakeKeyChecker{existing: map[string]bool{}}
	// Every derivable key is taken because the clock never advances.
	keys.existing[Derive("u", "p", base)] = true

	g := NewGenerator(keys, 4, time.Millisecond)
	g.now = func() time.Time { return base }
	g.sleep = func(time.Duration) {}

	_, err := g.Generate(context.Background(), "u", "p")
	if !errors.Is(err, ErrGenerationExhausted) {
		t.Fatalf("expected ErrGenerationExhausted, got %v", err)
	}
	if keys.calls != 4 {
		t.Fatalf("expected exactly 4 attempts, got %d", keys.calls)
	}
}

func TestGenerateSurfacesStorageError(t *testing.T) {
	keys := &fakeKeyChecker{failWith: errors.New("db down")}
	g := NewGenerator(keys, 10, 0)
	g.sleep = func(time.Duration) {}
	if _, err := g.Generate(context.Background(), "u", "p"); err == nil || errors.Is(err, ErrGenerationExhausted) {
		t.Fatalf("expected storage error, got %v", err)
	}
	if keys.calls != 1 {
		t.Fatalf("storage errors must not be retried, got %d calls", keys.calls)
	}
}

func TestGenerateRejectsEmptyIdentifiers(t *testing.T) {
	g := NewGenerator(&fakeKeyChecker{}, 10, 0)
	if _, err := g.Generate(context.Background(), "", "p"); err == nil {
		t.Fatalf("expected error for empty user")
	}
	if _, err := g.Generate(context.Background(), "u", ""); err == nil {
		t.Fatalf("expected error for empty project")
	}
}

func TestGenerateStopsOnCancelledContext(t *testing.T) {
	base := time.Unix(1700000000, 0).UTC()
	keys := &fakeKeyChecker{existing: map[string]bool{Derive("u", "p", base): true}}
	g := NewGenerator(keys, 10, 0)
	g.now = func() time.Time { return base }

	ctx, cancel := context.WithCancel(context.Background())
	g.sleep = func(time.Duration) { cancel() }

	_, err := g.Generate(ctx, "u", "p")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
