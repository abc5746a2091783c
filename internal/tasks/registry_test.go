package tasks

import (
	"context"
	"errors"
	"testing"
)

func TestRegistryRegisterAndResolve(t *testing.T) {
	r := NewRegistry()

	called := false
	r.Register("greet", func(ctx context.Context, args map[string]any) error {
		called = true
		return nil
	})

	fn, err := r.Resolve("greet")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := fn(context.Background(), nil); err != nil || !called {
		t.Fatalf("callback not invoked (err=%v called=%v)", err, called)
	}

	if _, err := r.Resolve("missing"); !errors.Is(err, ErrUnknownCallback) {
		t.Fatalf("Resolve(missing) = %v, want ErrUnknownCallback", err)
	}
}

func TestRegistryReplaceBinding(t *testing.T) {
	r := NewRegistry()
	var hits []string
	r.Register("job", func(ctx context.Context, args map[string]any) error {
		hits = append(hits, "first")
		return nil
	})
	r.Register("job", func(ctx context.Context, args map[string]any) error {
		hits = append(hits, "second")
		return nil
	})

	fn, err := r.Resolve("job")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	_ = fn(context.Background(), nil)
	if len(hits) != 1 || hits[0] != "second" {
		t.Fatalf("replacement binding not used: %v", hits)
	}

	names := r.Names()
	if len(names) != 1 || names[0] != "job" {
		t.Fatalf("Names() = %v", names)
	}
}

func TestRegistryIgnoresEmptyRegistrations(t *testing.T) {
	r := NewRegistry()
	r.Register("", func(ctx context.Context, args map[string]any) error { return nil })
	r.Register("nilfn", nil)
	if got := r.Names(); len(got) != 0 {
		t.Fatalf("Names() = %v, want empty", got)
	}
}
