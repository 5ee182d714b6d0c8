package registry

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"agentbridge/internal/domain"
)

type stubTransport struct{ name string }

func (s *stubTransport) Enqueue(domain.Message) bool { return true }
func (s *stubTransport) Close(string) error          { return nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := New(discardLogger())
	tr := &stubTransport{name: "a"}

	conn, err := r.Register("agent-a", tr, "127.0.0.1:5000")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if conn.RegisteredAt.IsZero() || conn.LastActivity.IsZero() {
		t.Error("timestamps not set on registration")
	}

	got, err := r.Lookup("agent-a")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got.Transport != tr {
		t.Error("Lookup returned a different transport")
	}
}

func TestRegistryDuplicateFailsFast(t *testing.T) {
	r := New(discardLogger())
	first := &stubTransport{name: "first"}
	if _, err := r.Register("dup", first, ""); err != nil {
		t.Fatal(err)
	}

	_, err := r.Register("dup", &stubTransport{name: "second"}, "")
	if !errors.Is(err, domain.ErrDuplicateRegistration) {
		t.Fatalf("expected ErrDuplicateRegistration, got %v", err)
	}
	if domain.ErrorCodeOf(err) != domain.CodeDuplicateRegistration {
		t.Errorf("code = %s", domain.ErrorCodeOf(err))
	}

	got, _ := r.Lookup("dup")
	if got.Transport != first {
		t.Error("duplicate registration overwrote the original transport")
	}
}

func TestRegistryEmptyID(t *testing.T) {
	r := New(discardLogger())
	if _, err := r.Register("", &stubTransport{}, ""); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestRegistryLookupMissing(t *testing.T) {
	r := New(discardLogger())
	_, err := r.Lookup("ghost")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRegistryUnregister(t *testing.T) {
	r := New(discardLogger())
	r.Register("a", &stubTransport{}, "")

	if !r.Unregister("a") {
		t.Error("Unregister should report removal")
	}
	if r.Unregister("a") {
		t.Error("second Unregister should be a no-op")
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}
}

func TestRegistryUnregisterIfIgnoresReplacedTransport(t *testing.T) {
	r := New(discardLogger())
	old := &stubTransport{name: "old"}
	r.Register("a", old, "")
	r.Unregister("a")
	fresh := &stubTransport{name: "fresh"}
	r.Register("a", fresh, "")

	if r.UnregisterIf("a", old) {
		t.Fatal("stale transport evicted the new registration")
	}
	if !r.UnregisterIf("a", fresh) {
		t.Fatal("matching transport should be removed")
	}
}

func TestRegistryAllSorted(t *testing.T) {
	r := New(discardLogger())
	for _, id := range []string{"c", "a", "b"} {
		r.Register(id, &stubTransport{}, "")
	}
	all := r.All()
	if len(all) != 3 || all[0].ID != "a" || all[1].ID != "b" || all[2].ID != "c" {
		t.Errorf("All not sorted: %+v", all)
	}
}

func TestRegistryStaleAndTouch(t *testing.T) {
	r := New(discardLogger())
	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return clock }

	r.Register("idle", &stubTransport{}, "")
	r.Register("busy", &stubTransport{}, "")

	clock = clock.Add(time.Minute)
	r.Touch("busy")

	stale := r.Stale(clock.Add(-30 * time.Second))
	if len(stale) != 1 || stale[0].ID != "idle" {
		t.Errorf("Stale = %+v, want only idle", stale)
	}
}

func TestRegistryConcurrentRegister(t *testing.T) {
	r := New(discardLogger())
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Register("same", &stubTransport{}, ""); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("expected exactly one winning registration, got %d", wins)
	}
}
