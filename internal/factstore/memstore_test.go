package factstore

import (
	"context"
	"errors"
	"testing"

	"github.com/sweeney/telephony-policy/internal/policy"
)

func TestMemStoreLifecycle(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	h, err := s.Insert(ctx, policy.FactCall, map[string]any{"path": "/call/1", "id": "1"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if h == "" {
		t.Fatal("expected a handle")
	}

	if err := s.Set(ctx, h, map[string]any{"state": "active", "order": 2}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Unset(ctx, h, "path"); err != nil {
		t.Fatalf("unset: %v", err)
	}

	f, err := s.Get(ctx, h)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if f.Name != policy.FactCall || f.Handle != h {
		t.Errorf("unexpected fact %+v", f)
	}
	if f.Fields["state"] != "active" || f.Fields["order"] != 2 || f.Fields["id"] != "1" {
		t.Errorf("unexpected fields %v", f.Fields)
	}
	if _, ok := f.Fields["path"]; ok {
		t.Error("path should have been unset")
	}

	if err := s.Remove(ctx, h); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := s.Get(ctx, h); !errors.Is(err, policy.ErrFactNotFound) {
		t.Fatalf("expected ErrFactNotFound, got %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("expected empty store, got %d facts", s.Len())
	}
}

func TestMemStoreReturnsCopies(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	fields := map[string]any{"state": "created"}
	h, _ := s.Insert(ctx, policy.FactCall, fields)

	fields["state"] = "mutated"
	f, _ := s.Get(ctx, h)
	f.Fields["state"] = "also mutated"

	f, _ = s.Get(ctx, h)
	if f.Fields["state"] != "created" {
		t.Fatalf("store shares maps with callers: %v", f.Fields)
	}
}

func TestMemStoreByNameOrder(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	var handles []string
	for i := 0; i < 5; i++ {
		h, _ := s.Insert(ctx, policy.FactCallAction, map[string]any{})
		handles = append(handles, h)
		s.Insert(ctx, policy.FactCall, nil)
	}

	facts, err := s.ByName(ctx, policy.FactCallAction)
	if err != nil {
		t.Fatalf("by name: %v", err)
	}
	if len(facts) != 5 {
		t.Fatalf("expected 5 facts, got %d", len(facts))
	}
	for i, f := range facts {
		if f.Handle != handles[i] {
			t.Errorf("fact %d out of insertion order", i)
		}
	}
}

func TestMemStoreErrors(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	if _, err := s.Insert(ctx, "", nil); err == nil {
		t.Error("expected error for empty name")
	}
	if _, err := s.Insert(ctx, "x", map[string]any{"f": 1.5}); err == nil {
		t.Error("expected error for float value")
	}
	for name, err := range map[string]error{
		"set":    s.Set(ctx, "missing", map[string]any{"a": "b"}),
		"unset":  s.Unset(ctx, "missing", "a"),
		"remove": s.Remove(ctx, "missing"),
	} {
		if !errors.Is(err, policy.ErrFactNotFound) {
			t.Errorf("%s: expected ErrFactNotFound, got %v", name, err)
		}
	}
}
