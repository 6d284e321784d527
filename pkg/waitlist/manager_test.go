package waitlist

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/dafyddcrosby/sdc-cnapi/pkg/ticket"
)

func fixedClock(t time.Time) Clock {
	return func() time.Time { return t }
}

func TestManagerCreate(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := newFakeStore()
	mgr := NewManager(store, fixedClock(now), nil)

	result, err := mgr.Create(context.Background(), ticket.CreateParams{
		ServerUUID: "srv-1",
		Scope:      "vm",
		ID:         "A",
		ExpiresAt:  now.Add(time.Minute).Format(time.RFC3339),
	}, "req-1")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if len(result.Queue) != 1 || result.Queue[0] != result.UUID {
		t.Fatalf("queue snapshot = %v, want [%v]", result.Queue, result.UUID)
	}

	got, err := mgr.Get(context.Background(), result.UUID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != ticket.StatusQueued {
		t.Errorf("status = %s, want queued", got.Status)
	}
}

func TestManagerCreateInvalidArgument(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mgr := NewManager(newFakeStore(), fixedClock(now), nil)

	_, err := mgr.Create(context.Background(), ticket.CreateParams{
		ServerUUID: "srv-1",
		Scope:      "vm",
		ID:         "A",
		ExpiresAt:  "garbage",
	}, "req-1")
	if KindOf(err) != KindInvalidArgument {
		t.Fatalf("KindOf(err) = %v, want invalid-argument", KindOf(err))
	}
}

func TestManagerReleaseTerminalIsNoOp(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := newFakeStore()
	mgr := NewManager(store, fixedClock(now), nil)

	result, err := mgr.Create(context.Background(), ticket.CreateParams{
		ServerUUID: "srv-1", Scope: "vm", ID: "A",
		ExpiresAt: now.Add(time.Minute).Format(time.RFC3339),
	}, "req-1")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := mgr.Release(context.Background(), result.UUID); err != nil {
		t.Fatalf("first Release() error = %v", err)
	}
	if err := mgr.Release(context.Background(), result.UUID); err != nil {
		t.Fatalf("second Release() on finished ticket should be a no-op, got error = %v", err)
	}

	got, err := mgr.Get(context.Background(), result.UUID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != ticket.StatusFinished {
		t.Errorf("status = %s, want finished", got.Status)
	}
}

func TestManagerReleaseNotFound(t *testing.T) {
	mgr := NewManager(newFakeStore(), fixedClock(time.Now()), nil)
	err := mgr.Release(context.Background(), uuid.New())
	if KindOf(err) != KindNotFound {
		t.Fatalf("KindOf(err) = %v, want not-found", KindOf(err))
	}
}

func TestManagerDeleteAllRequiresForce(t *testing.T) {
	mgr := NewManager(newFakeStore(), fixedClock(time.Now()), nil)
	err := mgr.DeleteAll(context.Background(), "srv-1", false)
	if KindOf(err) != KindPreconditionFail {
		t.Fatalf("KindOf(err) = %v, want precondition-failed", KindOf(err))
	}
}

func TestManagerDeleteAllRemovesEverything(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := newFakeStore()
	mgr := NewManager(store, fixedClock(now), nil)

	for _, id := range []string{"A", "B", "C"} {
		if _, err := mgr.Create(context.Background(), ticket.CreateParams{
			ServerUUID: "srv-1", Scope: "vm", ID: id,
			ExpiresAt: now.Add(time.Minute).Format(time.RFC3339),
		}, "req-1"); err != nil {
			t.Fatalf("Create(%s) error = %v", id, err)
		}
	}

	if err := mgr.DeleteAll(context.Background(), "srv-1", true); err != nil {
		t.Fatalf("DeleteAll() error = %v", err)
	}

	tickets, err := mgr.List(context.Background(), "srv-1", 1000, 0, "created_at", "ASC")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(tickets) != 0 {
		t.Errorf("tickets = %v, want empty", tickets)
	}
}

func TestManagerListRejectsOversizedLimit(t *testing.T) {
	mgr := NewManager(newFakeStore(), fixedClock(time.Now()), nil)
	_, err := mgr.List(context.Background(), "srv-1", 1001, 0, "created_at", "ASC")
	if KindOf(err) != KindInvalidArgument {
		t.Fatalf("KindOf(err) = %v, want invalid-argument", KindOf(err))
	}
}

// Concurrent releases of the same ticket must all succeed (every loser
// observes the ticket already finished and no-ops) and the notifier must
// fire exactly once, so a successor is never promoted twice.
func TestManagerConcurrentReleaseIsSingleWinner(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := newFakeStore()

	var fireCount int
	var mu sync.Mutex
	notifier := func(_ context.Context, _ uuid.UUID, status ticket.Status) {
		mu.Lock()
		fireCount++
		mu.Unlock()
		if status != ticket.StatusFinished {
			t.Errorf("notifier status = %s, want finished", status)
		}
	}
	mgr := NewManager(store, fixedClock(now), notifier)

	result, err := mgr.Create(context.Background(), ticket.CreateParams{
		ServerUUID: "srv-1", Scope: "vm", ID: "A",
		ExpiresAt: now.Add(time.Minute).Format(time.RFC3339),
	}, "req-1")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	const attempts = 8
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	wg.Add(attempts)
	for i := 0; i < attempts; i++ {
		go func(i int) {
			defer wg.Done()
			errs[i] = mgr.Release(context.Background(), result.UUID)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("attempt %d: Release() error = %v, want nil (no-op on conflict)", i, err)
		}
	}

	got, err := mgr.Get(context.Background(), result.UUID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != ticket.StatusFinished {
		t.Errorf("status = %s, want finished", got.Status)
	}

	mu.Lock()
	defer mu.Unlock()
	if fireCount != 1 {
		t.Errorf("notifier fired %d times, want exactly 1", fireCount)
	}
}
