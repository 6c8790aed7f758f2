package kv

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
)

// runStoreSuite checks the behaviour every backend must share.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("get missing", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("set and get", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		if err := s.Set(ctx, "community:1", []byte(`{"id":1}`)); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		got, err := s.Get(ctx, "community:1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(got) != `{"id":1}` {
			t.Fatalf("unexpected value %q", got)
		}
	})

	t.Run("delete reports existence", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_ = s.Set(ctx, "k", []byte("v"))
		existed, err := s.Delete(ctx, "k")
		if err != nil || !existed {
			t.Fatalf("Delete = %v, %v; want true, nil", existed, err)
		}
		existed, err = s.Delete(ctx, "k")
		if err != nil || existed {
			t.Fatalf("second Delete = %v, %v; want false, nil", existed, err)
		}
	})

	t.Run("take is single use", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_ = s.SetWithTTL(ctx, "challenge:7", []byte("verifier"), 0)
		got, err := s.Take(ctx, "challenge:7")
		if err != nil {
			t.Fatalf("Take failed: %v", err)
		}
		if string(got) != "verifier" {
			t.Fatalf("unexpected value %q", got)
		}
		if _, err := s.Take(ctx, "challenge:7"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound on second take, got %v", err)
		}
	})

	t.Run("concurrent take has one winner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_ = s.Set(ctx, "challenge:9", []byte("v"))

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.Take(ctx, "challenge:9"); err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if wins != 1 {
			t.Fatalf("expected exactly one winner, got %d", wins)
		}
	})

	t.Run("compare and swap", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		if err := s.CompareAndSwap(ctx, "m", nil, []byte("v1")); err != nil {
			t.Fatalf("create failed: %v", err)
		}
		if err := s.CompareAndSwap(ctx, "m", nil, []byte("v1")); !errors.Is(err, ErrConflict) {
			t.Fatalf("expected conflict on duplicate create, got %v", err)
		}
		if err := s.CompareAndSwap(ctx, "m", []byte("v1"), []byte("v2")); err != nil {
			t.Fatalf("swap failed: %v", err)
		}
		if err := s.CompareAndSwap(ctx, "m", []byte("v1"), []byte("v3")); !errors.Is(err, ErrConflict) {
			t.Fatalf("expected conflict on stale swap, got %v", err)
		}
		if err := s.CompareAndSwap(ctx, "m", []byte("v2"), nil); err != nil {
			t.Fatalf("delete failed: %v", err)
		}
		if _, err := s.Get(ctx, "m"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected key to be deleted, got %v", err)
		}
	})

	t.Run("keys by prefix", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for _, key := range []string{"community:1", "community:1:member:2", "community:10", "challenge:1", "community:1_x"} {
			if err := s.Set(ctx, key, []byte("x")); err != nil {
				t.Fatalf("Set %s failed: %v", key, err)
			}
		}
		keys, err := s.Keys(ctx, "community:1:")
		if err != nil {
			t.Fatalf("Keys failed: %v", err)
		}
		if len(keys) != 1 || keys[0] != "community:1:member:2" {
			t.Fatalf("unexpected keys %v", keys)
		}

		keys, err = s.Keys(ctx, "community:")
		if err != nil {
			t.Fatalf("Keys failed: %v", err)
		}
		sort.Strings(keys)
		want := []string{"community:1", "community:1:member:2", "community:10", "community:1_x"}
		sort.Strings(want)
		if len(keys) != len(want) {
			t.Fatalf("expected %v, got %v", want, keys)
		}
		for i := range want {
			if keys[i] != want[i] {
				t.Fatalf("expected %v, got %v", want, keys)
			}
		}
	})

	t.Run("ping", func(t *testing.T) {
		s := newStore(t)
		if err := s.Ping(context.Background()); err != nil {
			t.Fatalf("Ping failed: %v", err)
		}
	})
}
