// Package authstatetest provides a conformance suite that every
// authstate.Store implementation runs from its own tests.
package authstatetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/wa-gateway-go/authstate"
)

// StoreFactory creates a new, empty Store for one sub-test.
type StoreFactory func(t *testing.T) authstate.Store

// RunStoreTests runs the complete Store test suite against the provided factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("Load_UnknownUserIsEmpty", func(t *testing.T) { testLoadUnknown(t, factory) })
	t.Run("Save_ThenLoad", func(t *testing.T) { testSaveThenLoad(t, factory) })
	t.Run("Save_ReplacesPrevious", func(t *testing.T) { testSaveReplaces(t, factory) })
	t.Run("Isolation_BetweenUsers", func(t *testing.T) { testIsolation(t, factory) })
	t.Run("Delete_RemovesAndIsIdempotent", func(t *testing.T) { testDelete(t, factory) })
	t.Run("Save_DoesNotRetainCallerBuffer", func(t *testing.T) { testNoAliasing(t, factory) })
	t.Run("InvalidUserID_Rejected", func(t *testing.T) { testInvalidUserID(t, factory) })
	t.Run("Concurrent_SavesForDifferentUsers", func(t *testing.T) { testConcurrentSaves(t, factory) })
}

func testLoadUnknown(t *testing.T, factory StoreFactory) {
	s := factory(t)

	creds, err := s.Load(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if creds == nil {
		t.Fatal("Load() returned nil credentials for unknown user")
	}
	if !creds.IsZero() {
		t.Fatalf("Load() returned non-empty credentials for unknown user: %q", creds.Data)
	}
}

func testSaveThenLoad(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	at := time.Now().UTC().Truncate(time.Millisecond)
	if err := s.Save(ctx, "u1", &authstate.Credentials{Data: []byte(`{"me":"5511"}`), UpdatedAt: at}); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	creds, err := s.Load(ctx, "u1")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if got, want := string(creds.Data), `{"me":"5511"}`; got != want {
		t.Fatalf("Load() data: got %s, want %s", got, want)
	}
	if !creds.UpdatedAt.Equal(at) {
		t.Fatalf("Load() updated_at: got %v, want %v", creds.UpdatedAt, at)
	}
}

func testSaveReplaces(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	for _, v := range []string{"one", "two", "three"} {
		if err := s.Save(ctx, "u1", &authstate.Credentials{Data: []byte(v), UpdatedAt: time.Now()}); err != nil {
			t.Fatalf("Save(%s) failed: %v", v, err)
		}
	}

	creds, err := s.Load(ctx, "u1")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if got := string(creds.Data); got != "three" {
		t.Fatalf("Load() data: got %s, want three", got)
	}
}

func testIsolation(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	if err := s.Save(ctx, "alice", &authstate.Credentials{Data: []byte("a")}); err != nil {
		t.Fatalf("Save(alice) failed: %v", err)
	}
	if err := s.Save(ctx, "bob", &authstate.Credentials{Data: []byte("b")}); err != nil {
		t.Fatalf("Save(bob) failed: %v", err)
	}

	a, err := s.Load(ctx, "alice")
	if err != nil {
		t.Fatalf("Load(alice) failed: %v", err)
	}
	b, err := s.Load(ctx, "bob")
	if err != nil {
		t.Fatalf("Load(bob) failed: %v", err)
	}
	if string(a.Data) != "a" || string(b.Data) != "b" {
		t.Fatalf("users leaked into each other: alice=%q bob=%q", a.Data, b.Data)
	}
}

func testDelete(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	if err := s.Save(ctx, "u1", &authstate.Credentials{Data: []byte("x")}); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	if err := s.Delete(ctx, "u1"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}

	creds, err := s.Load(ctx, "u1")
	if err != nil {
		t.Fatalf("Load() after delete failed: %v", err)
	}
	if !creds.IsZero() {
		t.Fatalf("Load() after delete returned %q", creds.Data)
	}

	if err := s.Delete(ctx, "u1"); err != nil {
		t.Fatalf("second Delete() failed: %v", err)
	}
}

func testNoAliasing(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	buf := []byte("original")
	if err := s.Save(ctx, "u1", &authstate.Credentials{Data: buf}); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	copy(buf, "mutated!")

	creds, err := s.Load(ctx, "u1")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if got := string(creds.Data); got != "original" {
		t.Fatalf("store retained caller buffer: got %s", got)
	}
}

func testInvalidUserID(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	if _, err := s.Load(ctx, "../escape"); !errors.Is(err, authstate.ErrInvalidUserID) {
		t.Fatalf("Load(../escape): got %v, want ErrInvalidUserID", err)
	}
	if err := s.Save(ctx, "", &authstate.Credentials{Data: []byte("x")}); !errors.Is(err, authstate.ErrInvalidUserID) {
		t.Fatalf("Save(\"\"): got %v, want ErrInvalidUserID", err)
	}
}

func testConcurrentSaves(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	users := []string{"c1", "c2", "c3", "c4", "c5", "c6", "c7", "c8"}
	var wg sync.WaitGroup
	errCh := make(chan error, len(users))
	for _, u := range users {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			if err := s.Save(ctx, u, &authstate.Credentials{Data: []byte(u)}); err != nil {
				errCh <- err
			}
		}(u)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("concurrent Save() failed: %v", err)
	}

	for _, u := range users {
		creds, err := s.Load(ctx, u)
		if err != nil {
			t.Fatalf("Load(%s) failed: %v", u, err)
		}
		if string(creds.Data) != u {
			t.Fatalf("Load(%s): got %q", u, creds.Data)
		}
	}
}
