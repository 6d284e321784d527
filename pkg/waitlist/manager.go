// Package waitlist implements the queue manager, director, and waiter
// registry that together enforce at-most-one-active-per-scope ticket
// serialization over an abstract transactional key-value store.
package waitlist

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/dafyddcrosby/sdc-cnapi/internal/kvstore"
	"github.com/dafyddcrosby/sdc-cnapi/pkg/ticket"
)

// Bucket is the single kvstore bucket tickets are persisted in (spec.md §6:
// "one record per ticket in a single bucket").
const Bucket = "waitlist_tickets"

// releaseMaxAttempts bounds Release's retry loop under version conflict
// (spec.md §4.1, §5: "Release retries are bounded (≤5)").
const releaseMaxAttempts = 5

// Clock returns the current time; tests substitute a fixed clock.
type Clock func() time.Time

// Manager is the queue manager (spec.md §4.1): create, release, delete, and
// list tickets, maintaining FIFO ordering under concurrent writers via the
// store's etag discipline.
type Manager struct {
	store    kvstore.Store
	clock    Clock
	notifier func(ctx context.Context, ticketUUID uuid.UUID, status ticket.Status)
}

// NewManager builds a Manager. notifier is called after any store-confirmed
// status transition so the caller can wake the director and/or local
// waiters; it may be nil.
func NewManager(store kvstore.Store, clock Clock, notifier func(context.Context, uuid.UUID, ticket.Status)) *Manager {
	if clock == nil {
		clock = time.Now
	}
	return &Manager{store: store, clock: clock, notifier: notifier}
}

// CreateResult is returned by Create: the new ticket's uuid and the ordered
// queue snapshot it joined.
type CreateResult struct {
	UUID  uuid.UUID
	Queue []uuid.UUID
}

// Create validates params, persists a new queued ticket, and returns it
// along with the current queue order (spec.md §4.1).
func (m *Manager) Create(ctx context.Context, params ticket.CreateParams, reqID string) (CreateResult, error) {
	t, err := ticket.New(params, m.clock().UTC(), reqID)
	if err != nil {
		return CreateResult{}, E(KindInvalidArgument, "Create", err)
	}

	value, err := ticket.Encode(t)
	if err != nil {
		return CreateResult{}, E(KindInternal, "Create", err)
	}

	if _, err := m.store.Put(ctx, Bucket, t.UUID.String(), value, ""); err != nil {
		return CreateResult{}, E(storeErrKind(err), "Create", err)
	}

	queue, err := m.queueSnapshot(ctx, t.ServerUUID, t.Scope, t.ID)
	if err != nil {
		return CreateResult{}, E(storeErrKind(err), "Create", err)
	}

	return CreateResult{UUID: t.UUID, Queue: queue}, nil
}

// Get fetches a single ticket by uuid.
func (m *Manager) Get(ctx context.Context, ticketUUID uuid.UUID) (ticket.Ticket, error) {
	rec, err := m.store.Get(ctx, Bucket, ticketUUID.String())
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return ticket.Ticket{}, E(KindNotFound, "Get", err)
		}
		return ticket.Ticket{}, E(storeErrKind(err), "Get", err)
	}
	t, err := ticket.Decode(rec.Value, rec.ETag)
	if err != nil {
		return ticket.Ticket{}, E(KindInternal, "Get", err)
	}
	return t, nil
}

// StatusOf implements the resolver interface the waiter registry uses for
// pre-resolution lookups.
func (m *Manager) StatusOf(ctx context.Context, ticketUUID uuid.UUID) (ticket.Status, error) {
	t, err := m.Get(ctx, ticketUUID)
	if err != nil {
		return "", err
	}
	return t.Status, nil
}

// Release transitions a ticket to finished (spec.md §4.1). Releasing an
// already-terminal ticket is a no-op success. Version conflicts are retried,
// for at most releaseMaxAttempts attempts in all, before surfacing KindConflict.
func (m *Manager) Release(ctx context.Context, ticketUUID uuid.UUID) error {
	var transitioned bool

	op := func() error {
		rec, err := m.store.Get(ctx, Bucket, ticketUUID.String())
		if err != nil {
			if errors.Is(err, kvstore.ErrNotFound) {
				return backoff.Permanent(E(KindNotFound, "Release", err))
			}
			return backoff.Permanent(E(storeErrKind(err), "Release", err))
		}

		t, err := ticket.Decode(rec.Value, rec.ETag)
		if err != nil {
			return backoff.Permanent(E(KindInternal, "Release", err))
		}

		if t.Status.Terminal() {
			transitioned = false
			return nil
		}

		updated := t.WithStatus(ticket.StatusFinished, m.clock().UTC())
		value, err := ticket.Encode(updated)
		if err != nil {
			return backoff.Permanent(E(KindInternal, "Release", err))
		}

		if _, err := m.store.Put(ctx, Bucket, ticketUUID.String(), value, t.ETag); err != nil {
			if errors.Is(err, kvstore.ErrVersionConflict) {
				return err // retryable
			}
			return backoff.Permanent(E(storeErrKind(err), "Release", err))
		}

		transitioned = true
		return nil
	}

	retryPolicy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), releaseMaxAttempts-1)
	if err := backoff.Retry(op, retryPolicy); err != nil {
		var coreErr *Error
		if errors.As(err, &coreErr) {
			return coreErr
		}
		if errors.Is(err, kvstore.ErrVersionConflict) {
			return E(KindConflict, "Release", err)
		}
		return E(KindInternal, "Release", err)
	}

	if transitioned && m.notifier != nil {
		m.notifier(ctx, ticketUUID, ticket.StatusFinished)
	}
	return nil
}

// Delete unconditionally removes one ticket.
func (m *Manager) Delete(ctx context.Context, ticketUUID uuid.UUID) error {
	if err := m.store.Delete(ctx, Bucket, ticketUUID.String()); err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return E(KindNotFound, "Delete", err)
		}
		return E(storeErrKind(err), "Delete", err)
	}
	return nil
}

// DeleteAll removes every ticket for serverUUID. The manager itself requires
// force=true; the HTTP layer is responsible for rejecting unflagged requests
// with precondition-failed before ever calling this (spec.md §4.1).
func (m *Manager) DeleteAll(ctx context.Context, serverUUID string, force bool) error {
	if !force {
		return E(KindPreconditionFail, "DeleteAll", fmt.Errorf("force flag required"))
	}

	stream, err := m.store.FindObjects(ctx, Bucket,
		kvstore.Filter{"server_uuid": {serverUUID}}, nil, 0, 0)
	if err != nil {
		return E(storeErrKind(err), "DeleteAll", err)
	}
	defer stream.Close()

	var keys []string
	for stream.Next() {
		keys = append(keys, stream.Record().Key)
	}
	if err := stream.Err(); err != nil {
		return E(storeErrKind(err), "DeleteAll", err)
	}

	for _, key := range keys {
		if err := m.store.Delete(ctx, Bucket, key); err != nil && !errors.Is(err, kvstore.ErrNotFound) {
			return E(storeErrKind(err), "DeleteAll", err)
		}
	}
	return nil
}

// List returns tickets for serverUUID ordered by attribute/order, honoring
// limit/offset (spec.md §4.1). limit must already be validated (<=1000) by
// the caller; List enforces it again defensively.
func (m *Manager) List(ctx context.Context, serverUUID string, limit, offset int, attribute, order string) ([]ticket.Ticket, error) {
	if limit <= 0 || limit > 1000 {
		return nil, E(KindInvalidArgument, "List", fmt.Errorf("limit must be between 1 and 1000"))
	}
	if attribute == "" {
		attribute = "created_at"
	}
	if order == "" {
		order = "ASC"
	}

	stream, err := m.store.FindObjects(ctx, Bucket,
		kvstore.Filter{"server_uuid": {serverUUID}},
		[]kvstore.SortField{{Field: attribute, Desc: order == "DESC"}},
		limit, offset)
	if err != nil {
		return nil, E(storeErrKind(err), "List", err)
	}
	defer stream.Close()

	var tickets []ticket.Ticket
	for stream.Next() {
		rec := stream.Record()
		t, err := ticket.Decode(rec.Value, rec.ETag)
		if err != nil {
			return nil, E(KindInternal, "List", err)
		}
		tickets = append(tickets, t)
	}
	if err := stream.Err(); err != nil {
		return nil, E(storeErrKind(err), "List", err)
	}
	return tickets, nil
}

// queueSnapshot reads the non-terminal tickets for (server, scope, id),
// sorted by the queue's total order (spec.md §3).
func (m *Manager) queueSnapshot(ctx context.Context, serverUUID, scope, id string) ([]uuid.UUID, error) {
	stream, err := m.store.FindObjects(ctx, Bucket, kvstore.Filter{
		"server_uuid": {serverUUID},
		"scope":       {scope},
		"id":          {id},
		"status":      {string(ticket.StatusQueued), string(ticket.StatusActive)},
	}, []kvstore.SortField{{Field: "created_at"}}, 0, 0)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var tickets []ticket.Ticket
	for stream.Next() {
		rec := stream.Record()
		t, err := ticket.Decode(rec.Value, rec.ETag)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, t)
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}

	sort.Slice(tickets, func(i, j int) bool { return tickets[i].Before(tickets[j]) })

	out := make([]uuid.UUID, len(tickets))
	for i, t := range tickets {
		out[i] = t.UUID
	}
	return out, nil
}

// storeErrKind maps a kvstore error to the nearest core Kind. Anything not
// a recognized sentinel is treated as a transport failure rather than a
// logic error, since the store is the only external collaborator here.
func storeErrKind(err error) Kind {
	switch {
	case errors.Is(err, kvstore.ErrNotFound):
		return KindNotFound
	case errors.Is(err, kvstore.ErrVersionConflict):
		return KindConflict
	default:
		return KindStoreUnavailable
	}
}
