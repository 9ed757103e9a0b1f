// Package storagetest is a conformance suite for storage.Storage backends.
package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/mcp-proxy-go/storage"
)

// Factory returns a fresh, empty backend. advance moves the backend's clock
// forward for TTL tests; it may sleep when the backend has no fake clock.
type Factory func(t *testing.T) (s storage.Storage, advance func(time.Duration))

// Run exercises every storage.Storage operation against factory.
func Run(t *testing.T, factory Factory) {
	t.Run("SetAndGet", func(t *testing.T) { testSetAndGet(t, factory) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, factory) })
	t.Run("IfAbsent", func(t *testing.T) { testIfAbsent(t, factory) })
	t.Run("TTL", func(t *testing.T) { testTTL(t, factory) })
	t.Run("Namespaces", func(t *testing.T) { testNamespaces(t, factory) })
	t.Run("ManyAligned", func(t *testing.T) { testMany(t, factory) })
	t.Run("DeleteKey", func(t *testing.T) { testDeleteKey(t, factory) })
	t.Run("DeleteNamespace", func(t *testing.T) { testDeleteNamespace(t, factory) })
}

func testSetAndGet(t *testing.T, factory Factory) {
	s, _ := factory(t)
	ctx := context.Background()
	if err := s.Set(ctx, "k", []byte("v1")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set(ctx, "k", []byte("v2")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	it, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if it == nil || string(it.Data) != "v2" {
		t.Fatalf("Get returned %+v, want v2", it)
	}
	if it.CreatedAt.IsZero() {
		t.Fatalf("CreatedAt not set")
	}
}

func testGetMissing(t *testing.T, factory Factory) {
	s, _ := factory(t)
	it, err := s.Get(context.Background(), "nope")
	if err != nil || it != nil {
		t.Fatalf("Get(missing) = %+v, %v; want nil, nil", it, err)
	}
}

func testIfAbsent(t *testing.T, factory Factory) {
	s, _ := factory(t)
	ctx := context.Background()
	if err := s.Set(ctx, "k", []byte("first"), storage.WithIfAbsent()); err != nil {
		t.Fatalf("first Set: %v", err)
	}
	if err := s.Set(ctx, "k", []byte("second"), storage.WithIfAbsent()); !errors.Is(err, storage.ErrExists) {
		t.Fatalf("second Set err = %v, want ErrExists", err)
	}
	it, _ := s.Get(ctx, "k")
	if it == nil || string(it.Data) != "first" {
		t.Fatalf("value overwritten: %+v", it)
	}
}

func testTTL(t *testing.T, factory Factory) {
	s, advance := factory(t)
	ctx := context.Background()
	if err := s.Set(ctx, "short", []byte("x"), storage.WithTTL(50*time.Millisecond)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set(ctx, "long", []byte("y"), storage.WithTTL(time.Hour)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	it, _ := s.Get(ctx, "short")
	if it == nil || it.ExpiresAt == nil {
		t.Fatalf("item missing expiry before TTL: %+v", it)
	}
	advance(100 * time.Millisecond)
	if it, err := s.Get(ctx, "short"); err != nil || it != nil {
		t.Fatalf("expired item returned: %+v, %v", it, err)
	}
	if it, _ := s.Get(ctx, "long"); it == nil {
		t.Fatalf("unexpired item missing")
	}
}

func testNamespaces(t *testing.T, factory Factory) {
	s, _ := factory(t)
	ctx := context.Background()
	s.Set(ctx, "k", []byte("a"), storage.WithNamespace("one"))
	s.Set(ctx, "k", []byte("b"), storage.WithNamespace("two"))
	s.Set(ctx, "k", []byte("g"))
	for ns, want := range map[string]string{"one": "a", "two": "b", "": "g"} {
		it, err := s.Get(ctx, "k", storage.WithNamespace(ns))
		if err != nil || it == nil || string(it.Data) != want {
			t.Fatalf("namespace %q: got %+v, %v; want %s", ns, it, err, want)
		}
	}
}

func testMany(t *testing.T, factory Factory) {
	s, _ := factory(t)
	ctx := context.Background()
	err := s.SetMany(ctx, map[string][]byte{"a": []byte("1"), "c": []byte("3")}, storage.WithNamespace("m"))
	if err != nil {
		t.Fatalf("SetMany: %v", err)
	}
	items, err := s.GetMany(ctx, []string{"a", "b", "c"}, storage.WithNamespace("m"))
	if err != nil {
		t.Fatalf("GetMany: %v", err)
	}
	if len(items) != 3 || items[0] == nil || items[1] != nil || items[2] == nil {
		t.Fatalf("GetMany not index aligned: %+v", items)
	}
	if string(items[0].Data) != "1" || string(items[2].Data) != "3" {
		t.Fatalf("GetMany values: %q %q", items[0].Data, items[2].Data)
	}
	if err := s.SetMany(ctx, map[string][]byte{"a": nil}, storage.WithIfAbsent()); !errors.Is(err, storage.ErrInvalidOptions) {
		t.Fatalf("SetMany IfAbsent err = %v, want ErrInvalidOptions", err)
	}
}

func testDeleteKey(t *testing.T, factory Factory) {
	s, _ := factory(t)
	ctx := context.Background()
	s.Set(ctx, "a", []byte("1"))
	s.Set(ctx, "b", []byte("2"))
	if err := s.Delete(ctx, storage.WithKey("a")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if it, _ := s.Get(ctx, "a"); it != nil {
		t.Fatalf("deleted key still present")
	}
	if it, _ := s.Get(ctx, "b"); it == nil {
		t.Fatalf("sibling key removed")
	}
}

func testDeleteNamespace(t *testing.T, factory Factory) {
	s, _ := factory(t)
	ctx := context.Background()
	s.Set(ctx, "a", []byte("1"), storage.WithNamespace("gone"))
	s.Set(ctx, "b", []byte("2"), storage.WithNamespace("gone"))
	s.Set(ctx, "a", []byte("3"), storage.WithNamespace("kept"))
	if err := s.Delete(ctx, storage.WithNamespace("gone")); err != nil {
		t.Fatalf("Delete namespace: %v", err)
	}
	items, _ := s.GetMany(ctx, []string{"a", "b"}, storage.WithNamespace("gone"))
	if items[0] != nil || items[1] != nil {
		t.Fatalf("namespace not cleared: %+v", items)
	}
	if it, _ := s.Get(ctx, "a", storage.WithNamespace("kept")); it == nil {
		t.Fatalf("other namespace cleared")
	}
}
