package session

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestRegistry_ConcurrentGetOrCreateSingleClient(t *testing.T) {
	reg, factory, _, _ := newTestRegistry(t)
	ctx := context.Background()

	const callers = 32
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		sessions = make(map[*Session]int)
	)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, _, err := reg.GetOrCreate(ctx, "user-a")
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			mu.Lock()
			sessions[sess]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(sessions) != 1 {
		t.Fatalf("expected all callers to observe one session, got %d distinct", len(sessions))
	}
	if factory.createdCount() != 1 {
		t.Fatalf("expected exactly 1 transport client, got %d", factory.createdCount())
	}
}

func TestRegistry_DoubleInitializeIsNoOp(t *testing.T) {
	reg, factory, _, _ := newTestRegistry(t)
	ctx := context.Background()

	first, created, err := reg.GetOrCreate(ctx, "user-a")
	if err != nil || !created {
		t.Fatalf("first call: created=%v err=%v", created, err)
	}

	second, created, err := reg.GetOrCreate(ctx, "user-a")
	if err != nil {
		t.Fatalf("second call: unexpected error: %v", err)
	}
	if created {
		t.Fatal("second call must join the existing session, not create")
	}
	if first != second {
		t.Fatal("expected both calls to return the same session")
	}
	if factory.createdCount() != 1 {
		t.Fatalf("expected 1 transport client, got %d", factory.createdCount())
	}
}

func TestRegistry_TwoUsersIndependent(t *testing.T) {
	reg, factory, _, notifier := newTestRegistry(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, user := range []string{"user-a", "user-b"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := reg.GetOrCreate(ctx, user); err != nil {
				t.Errorf("create %s: %v", user, err)
			}
		}()
	}
	wg.Wait()

	if factory.createdCount() != 2 {
		t.Fatalf("expected 2 independent clients, got %d", factory.createdCount())
	}

	// Driving A's lifecycle leaves B untouched.
	sessA, _ := reg.Get("user-a")
	sessB, _ := reg.Get("user-b")
	factory.emit("user-a").PairingCode("payload-a")
	waitPhase(t, sessA, PhaseAwaitingPairing)

	if sessB.Status() != PhaseStarting {
		t.Fatalf("user-b phase changed to %s", sessB.Status())
	}
	if ev, ok := notifier.lastOfKind(KindPairingCode); !ok || ev.Payload != "rendered:payload-a" {
		t.Fatalf("expected user-a pairing code, got %+v ok=%v", ev, ok)
	}
}

func TestRegistry_StoreFailureAbortsCreation(t *testing.T) {
	reg, factory, store, _ := newTestRegistry(t)
	ctx := context.Background()

	store.mu.Lock()
	store.loadErr = errors.New("redis down")
	store.mu.Unlock()

	if _, _, err := reg.GetOrCreate(ctx, "user-a"); err == nil {
		t.Fatal("expected creation to fail on store error")
	}
	if _, ok := reg.Get("user-a"); ok {
		t.Fatal("failed creation must not leave a registered session")
	}
	if reg.Count() != 0 {
		t.Fatalf("expected empty registry, got %d", reg.Count())
	}
	if factory.createdCount() != 0 {
		t.Fatalf("expected no transport client, got %d", factory.createdCount())
	}

	// The store recovering makes the same identity creatable again.
	store.mu.Lock()
	store.loadErr = nil
	store.mu.Unlock()
	if _, created, err := reg.GetOrCreate(ctx, "user-a"); err != nil || !created {
		t.Fatalf("expected clean retry, created=%v err=%v", created, err)
	}
}

func TestRegistry_RemoveIsIdempotent(t *testing.T) {
	reg, factory, _, _ := newTestRegistry(t)
	ctx := context.Background()

	// Removing an unknown user is a no-op.
	reg.Remove(ctx, "ghost")

	if _, _, err := reg.GetOrCreate(ctx, "user-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	reg.Remove(ctx, "user-a")

	if !factory.client("user-a").isClosed() {
		t.Fatal("expected transport client closed on removal")
	}
	if _, ok := reg.Get("user-a"); ok {
		t.Fatal("expected session evicted")
	}

	// Second removal of the same user is also a no-op.
	reg.Remove(ctx, "user-a")
}

func TestRegistry_RemoveMatchingSkipsReplacement(t *testing.T) {
	reg, factory, _, _ := newTestRegistry(t)
	ctx := context.Background()

	stale, _, err := reg.GetOrCreate(ctx, "user-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	reg.Remove(ctx, "user-a")

	fresh, _, err := reg.GetOrCreate(ctx, "user-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A removal aimed at the old instance must not touch its replacement.
	reg.RemoveMatching(ctx, "user-a", stale)
	got, ok := reg.Get("user-a")
	if !ok || got != fresh {
		t.Fatal("expected the replacement session to survive a stale removal")
	}
	if factory.client("user-a").isClosed() {
		t.Fatal("expected replacement client to stay open")
	}

	// The matching instance still removes.
	reg.RemoveMatching(ctx, "user-a", fresh)
	if _, ok := reg.Get("user-a"); ok {
		t.Fatal("expected session evicted")
	}
	if factory.createdCount() != 2 {
		t.Fatalf("expected 2 clients total, got %d", factory.createdCount())
	}
}

func TestRegistry_GetHasNoSideEffects(t *testing.T) {
	reg, factory, _, _ := newTestRegistry(t)

	if _, ok := reg.Get("user-a"); ok {
		t.Fatal("expected no session before initialization")
	}
	if factory.createdCount() != 0 {
		t.Fatal("Get must never construct a client")
	}
}

func TestRegistry_DrainClosesAllClients(t *testing.T) {
	reg, factory, _, _ := newTestRegistry(t)
	ctx := context.Background()

	users := []string{"user-a", "user-b", "user-c"}
	for _, u := range users {
		if _, _, err := reg.GetOrCreate(ctx, u); err != nil {
			t.Fatalf("create %s: %v", u, err)
		}
	}

	if err := reg.Drain(ctx); err != nil {
		t.Fatalf("unexpected drain error: %v", err)
	}
	if reg.Count() != 0 {
		t.Fatalf("expected empty registry after drain, got %d", reg.Count())
	}
	for _, u := range users {
		if !factory.client(u).isClosed() {
			t.Fatalf("expected %s client closed on drain", u)
		}
	}
}
