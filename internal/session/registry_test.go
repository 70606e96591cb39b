package session

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestRegistryCreateGetRemove(t *testing.T) {
	r := NewRegistry()
	s := r.Create("CA1", "+15551234567")
	if s.ID == "" {
		t.Fatalf("session ID should not be empty")
	}

	got, err := r.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ConversationID != "CA1" || got.Caller != "+15551234567" {
		t.Fatalf("unexpected session state: %+v", got)
	}

	removed, err := r.Remove(s.ID)
	if err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if removed.ID != s.ID {
		t.Fatalf("Remove() returned %q, want %q", removed.ID, s.ID)
	}
	if _, err := r.Get(s.ID); err != ErrNotFound {
		t.Fatalf("Get() after remove error = %v, want ErrNotFound", err)
	}
}

func TestRegistryConversationBijection(t *testing.T) {
	r := NewRegistry()
	s := r.Create("CA1", "")

	byConv, err := r.GetByConversation("CA1")
	if err != nil {
		t.Fatalf("GetByConversation() error = %v", err)
	}
	if byConv.ID != s.ID {
		t.Fatalf("GetByConversation().ID = %q, want %q", byConv.ID, s.ID)
	}

	if _, err := r.Remove(s.ID); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := r.GetByConversation("CA1"); err != ErrNotFound {
		t.Fatalf("GetByConversation() after remove error = %v, want ErrNotFound", err)
	}
}

func TestRegistryBindConversationAfterCreate(t *testing.T) {
	r := NewRegistry()
	s := r.Create("", "+15550001111")
	if _, err := r.GetByConversation("CA9"); err != ErrNotFound {
		t.Fatalf("lookup before bind error = %v, want ErrNotFound", err)
	}

	if err := r.BindConversation(s.ID, "CA9"); err != nil {
		t.Fatalf("BindConversation() error = %v", err)
	}
	got, err := r.GetByConversation("CA9")
	if err != nil {
		t.Fatalf("GetByConversation() after bind error = %v", err)
	}
	if got.ID != s.ID || got.ConversationID != "CA9" {
		t.Fatalf("unexpected bound session: %+v", got)
	}

	// Rebinding replaces the old mapping in both directions.
	if err := r.BindConversation(s.ID, "CA10"); err != nil {
		t.Fatalf("rebind error = %v", err)
	}
	if _, err := r.GetByConversation("CA9"); err != ErrNotFound {
		t.Fatalf("stale conversation mapping survived rebind")
	}
}

func TestRegistryRemoveIsIdempotent(t *testing.T) {
	r := NewRegistry()
	s := r.Create("CA1", "")
	if _, err := r.Remove(s.ID); err != nil {
		t.Fatalf("first Remove() error = %v", err)
	}
	if _, err := r.Remove(s.ID); err != ErrNotFound {
		t.Fatalf("second Remove() error = %v, want ErrNotFound", err)
	}
}

func TestRegistryUpdateRefreshesActivity(t *testing.T) {
	r := NewRegistry()
	s := r.Create("CA1", "")
	before, _ := r.Get(s.ID)

	time.Sleep(5 * time.Millisecond)
	err := r.Update(s.ID, func(s *Session) {
		s.GenerationInProgress = true
		s.LastUnstableTranscript = "What's the weather?"
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	after, _ := r.Get(s.ID)
	if !after.GenerationInProgress {
		t.Fatalf("GenerationInProgress not applied")
	}
	if !after.LastActivityAt.After(before.LastActivityAt) {
		t.Fatalf("LastActivityAt not refreshed: %v -> %v", before.LastActivityAt, after.LastActivityAt)
	}
}

func TestRegistrySweepExpired(t *testing.T) {
	r := NewRegistry()
	old := r.Create("CA-old", "")
	fresh := r.Create("CA-fresh", "")

	// Backdate the idle session well past the sweep horizon.
	r.mu.Lock()
	r.sessions[old.ID].LastActivityAt = time.Now().UTC().Add(-31 * time.Minute)
	r.sessions[fresh.ID].LastActivityAt = time.Now().UTC().Add(-5 * time.Minute)
	r.mu.Unlock()

	if removed := r.SweepExpired(30 * time.Minute); removed != 1 {
		t.Fatalf("SweepExpired() removed = %d, want 1", removed)
	}
	if _, err := r.Get(old.ID); err != ErrNotFound {
		t.Fatalf("expired session still present")
	}
	if _, err := r.Get(fresh.ID); err != nil {
		t.Fatalf("fresh session removed: %v", err)
	}
	if _, err := r.GetByConversation("CA-old"); err != ErrNotFound {
		t.Fatalf("expired conversation mapping still present")
	}
}

func TestRegistryRemoveHookFires(t *testing.T) {
	r := NewRegistry()
	var mu sync.Mutex
	var removedIDs []string
	r.SetRemoveHook(func(s *Session) {
		mu.Lock()
		removedIDs = append(removedIDs, s.ID)
		mu.Unlock()
	})

	s := r.Create("CA1", "")
	if _, err := r.Remove(s.ID); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(removedIDs) != 1 || removedIDs[0] != s.ID {
		t.Fatalf("remove hook ids = %v, want [%s]", removedIDs, s.ID)
	}
}

func TestRegistryJanitorExpiresIdleSessions(t *testing.T) {
	r := NewRegistry()
	s := r.Create("CA1", "")
	r.mu.Lock()
	r.sessions[s.ID].LastActivityAt = time.Now().UTC().Add(-time.Hour)
	r.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.StartJanitor(ctx, 10*time.Millisecond, 30*time.Minute)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, err := r.Get(s.ID); err == ErrNotFound {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("janitor never removed idle session")
}

func TestRegistryConcurrentUpdates(t *testing.T) {
	r := NewRegistry()
	s := r.Create("CA1", "")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Update(s.ID, func(s *Session) {
				s.Metadata["turns"] = "x"
			})
			_, _ = r.Get(s.ID)
			_, _ = r.GetByConversation("CA1")
		}()
	}
	wg.Wait()

	if _, err := r.Get(s.ID); err != nil {
		t.Fatalf("session lost under concurrent access: %v", err)
	}
}
