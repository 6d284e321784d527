package waitlist

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/dafyddcrosby/sdc-cnapi/pkg/ticket"
)

// resolver looks up a ticket's current status, used to pre-resolve a
// registration against a ticket that is already terminal (or active) by the
// time the caller asks to wait.
type resolver interface {
	StatusOf(ctx context.Context, ticketUUID uuid.UUID) (ticket.Status, error)
}

// Handle is a single-shot, single-reader completion handle returned by
// Register. Wait blocks until Fire resolves it or the context is canceled.
type Handle struct {
	ch     chan ticket.Status
	once   sync.Once
	result ticket.Status
}

func newHandle() *Handle {
	return &Handle{ch: make(chan ticket.Status, 1)}
}

func (h *Handle) resolve(status ticket.Status) {
	h.once.Do(func() {
		h.ch <- status
	})
}

// Wait blocks until the handle is resolved or ctx is canceled. A canceled
// wait returns ctx.Err() and does not consume the resolution (spec.md §5:
// cancellation removes the sink without resolving other waiters — the
// registry-side removal happens via Registry.Cancel, which the caller invokes
// after a canceled wait).
func (h *Handle) Wait(ctx context.Context) (ticket.Status, error) {
	select {
	case status := <-h.ch:
		return status, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Registry is the in-process waiter registry (spec.md §4.4): a thread-safe
// map from ticket uuid to the set of handles pending notification. Modeled
// on the precise per-ticket wakeup of a ticket-lock: Fire targets exactly the
// sinks registered for one ticket, never a broadcast.
type Registry struct {
	mu      sync.Mutex
	waiters map[uuid.UUID][]*Handle
	store   resolver
}

// NewRegistry builds a waiter registry backed by store for pre-resolution
// lookups.
func NewRegistry(store resolver) *Registry {
	return &Registry{
		waiters: make(map[uuid.UUID][]*Handle),
		store:   store,
	}
}

// Register returns a completion handle for ticketUUID. If the ticket is
// already active, expired, or finished, the handle is pre-resolved
// immediately. Otherwise a sink is parked in the registry until Fire or
// cancellation.
func (r *Registry) Register(ctx context.Context, ticketUUID uuid.UUID) (*Handle, error) {
	status, err := r.store.StatusOf(ctx, ticketUUID)
	if err != nil {
		return nil, err
	}

	h := newHandle()

	if status == ticket.StatusActive || status.Terminal() {
		h.resolve(status)
		return h, nil
	}

	r.mu.Lock()
	r.waiters[ticketUUID] = append(r.waiters[ticketUUID], h)
	r.mu.Unlock()

	return h, nil
}

// Cancel removes h from the waiter set for ticketUUID without resolving it
// or any other pending handle (spec.md §5). Safe to call after h already
// fired.
func (r *Registry) Cancel(ticketUUID uuid.UUID, h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	handles := r.waiters[ticketUUID]
	for i, w := range handles {
		if w == h {
			r.waiters[ticketUUID] = append(handles[:i], handles[i+1:]...)
			break
		}
	}
	if len(r.waiters[ticketUUID]) == 0 {
		delete(r.waiters, ticketUUID)
	}
}

// Fire atomically removes the sink set for ticketUUID and resolves each with
// status. Idempotent: firing again for a ticket with no pending sinks is a
// no-op.
func (r *Registry) Fire(ticketUUID uuid.UUID, status ticket.Status) {
	r.mu.Lock()
	handles := r.waiters[ticketUUID]
	delete(r.waiters, ticketUUID)
	r.mu.Unlock()

	for _, h := range handles {
		h.resolve(status)
	}
}
