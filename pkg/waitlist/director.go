package waitlist

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/atomic"

	"github.com/dafyddcrosby/sdc-cnapi/internal/kvstore"
	"github.com/dafyddcrosby/sdc-cnapi/internal/telemetry"
	"github.com/dafyddcrosby/sdc-cnapi/pkg/ticket"
)

// notifyChannel is the redis pub/sub channel directors publish to after a
// confirmed transition, giving other instances' waiters a fast path instead
// of waiting for their own next sweep (spec.md §5: "guaranteed
// millisecond-level wakeup" is explicitly out of scope, so this is a
// best-effort optimization layered on top of, not a replacement for, the
// sweep).
const notifyChannel = "waitlist:notify"

// Stats exposes lock-free counters for observability; they can be read
// without touching the director's internals.
type Stats struct {
	Sweeps    atomic.Uint64
	Expired   atomic.Uint64
	Promoted  atomic.Uint64
	Conflicts atomic.Uint64
}

// Director is the per-process singleton background loop (spec.md §4.2): it
// periodically scans non-terminal tickets, expires overdue ones, promotes
// queue heads, and notifies local waiters. Multiple directors across
// processes coordinate only through the store's etag discipline; conflicts
// are benign and resolve on the next sweep.
type Director struct {
	store    kvstore.Store
	registry *Registry
	clock    Clock
	interval time.Duration
	logger   *slog.Logger
	redis    *redis.Client
	metrics  bool
	nudge    chan struct{}
	Stats    Stats
}

// DirectorOption configures optional Director collaborators.
type DirectorOption func(*Director)

// WithRedis wires a redis client for cross-instance fast-path notification.
// If unset, the director still operates correctly; only the fast path is
// skipped, and waiters fall back to sweep-cadence resolution.
func WithRedis(client *redis.Client) DirectorOption {
	return func(d *Director) { d.redis = client }
}

// WithMetrics turns on Prometheus observations for sweep/expiry/promotion
// counts, recorded against the package-level collectors in internal/telemetry.
func WithMetrics() DirectorOption {
	return func(d *Director) { d.metrics = true }
}

// NewDirector builds a Director. interval is T_sweep (spec.md §4.2,
// recommended 1s).
func NewDirector(store kvstore.Store, registry *Registry, clock Clock, interval time.Duration, logger *slog.Logger, opts ...DirectorOption) *Director {
	if clock == nil {
		clock = time.Now
	}
	d := &Director{store: store, registry: registry, clock: clock, interval: interval, logger: logger, nudge: make(chan struct{}, 1)}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run executes the startup sweep, then loops on a fixed cadence until ctx is
// canceled. If a redis client is configured, it also subscribes to the
// cross-instance notify channel and triggers an out-of-cadence sweep on
// receipt (spec.md §4.2: "on launch, the director immediately runs one sweep
// to catch up on expirations incurred while the process was down").
func (d *Director) Run(ctx context.Context) {
	d.sweepOnce(ctx)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	var notifyCh <-chan *redis.Message
	if d.redis != nil {
		sub := d.redis.Subscribe(ctx, notifyChannel)
		defer sub.Close()
		notifyCh = sub.Channel()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweepOnce(ctx)
		case <-notifyCh:
			// Best-effort: a peer instance observed a transition. An
			// immediate sweep here shortens our own wait latency but is
			// not required for correctness (P2/P5 are already satisfied
			// by the fixed-cadence loop).
			d.sweepOnce(ctx)
		case <-d.nudge:
			// A local Release asked for a prompt re-evaluation instead of
			// waiting out the rest of T_sweep.
			d.sweepOnce(ctx)
		}
	}
}

func (d *Director) sweepOnce(ctx context.Context) {
	start := d.clock()
	if err := d.sweep(ctx); err != nil {
		d.logger.Error("director sweep failed", "error", err)
	}
	d.Stats.Sweeps.Add(1)
	if d.metrics {
		telemetry.SweepDuration.Observe(d.clock().Sub(start).Seconds())
	}
}

// sweep implements one pass of the director (spec.md §4.2): it fetches all
// non-terminal tickets, partitions them into queues, and for each queue in
// order, expires overdue tickets then promotes the head if none is active.
func (d *Director) sweep(ctx context.Context) error {
	now := d.clock().UTC()

	tickets, err := d.loadNonTerminal(ctx)
	if err != nil {
		return err
	}

	queues := partitionByQueue(tickets)

	// Deterministic queue iteration order (spec.md §4.2 step 2: "(server_uuid,
	// scope, id, created_at, uuid)") — doesn't affect correctness across
	// independent queues (Non-goal: cross-scope fairness) but keeps sweep
	// behavior reproducible for tests.
	keys := make([]ticket.QueueKey, 0, len(queues))
	for k := range queues {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.ServerUUID != b.ServerUUID {
			return a.ServerUUID < b.ServerUUID
		}
		if a.Scope != b.Scope {
			return a.Scope < b.Scope
		}
		return a.ID < b.ID
	})

	for _, key := range keys {
		d.sweepQueue(ctx, queues[key], now)
	}

	return nil
}

func (d *Director) loadNonTerminal(ctx context.Context) ([]ticket.Ticket, error) {
	stream, err := d.store.FindObjects(ctx, Bucket,
		kvstore.Filter{"status": {string(ticket.StatusQueued), string(ticket.StatusActive)}},
		[]kvstore.SortField{{Field: "created_at"}}, 0, 0)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var tickets []ticket.Ticket
	for stream.Next() {
		rec := stream.Record()
		t, err := ticket.Decode(rec.Value, rec.ETag)
		if err != nil {
			d.logger.Error("director: skipping unreadable ticket record", "key", rec.Key, "error", err)
			continue
		}
		tickets = append(tickets, t)
	}
	return tickets, stream.Err()
}

func partitionByQueue(tickets []ticket.Ticket) map[ticket.QueueKey][]ticket.Ticket {
	queues := make(map[ticket.QueueKey][]ticket.Ticket)
	for _, t := range tickets {
		key := t.QueueKey()
		queues[key] = append(queues[key], t)
	}
	return queues
}

// sweepQueue applies expire-then-promote to one queue's tickets, already
// filtered to status in {queued, active} (spec.md §4.2 step 2).
func (d *Director) sweepQueue(ctx context.Context, tickets []ticket.Ticket, now time.Time) {
	sort.Slice(tickets, func(i, j int) bool { return tickets[i].Before(tickets[j]) })

	hasActive := false
	for i := range tickets {
		t := tickets[i]
		if t.ExpiresAt.After(now) {
			if t.Status == ticket.StatusActive {
				hasActive = true
			}
			continue
		}

		updated := t.WithStatus(ticket.StatusExpired, now)
		if d.transition(ctx, updated) {
			d.Stats.Expired.Add(1)
			if d.metrics {
				telemetry.TicketsExpiredTotal.WithLabelValues(string(t.Status)).Inc()
			}
			d.announce(ctx, t.UUID, ticket.StatusExpired)
		} else {
			d.Stats.Conflicts.Add(1)
			if d.metrics {
				telemetry.SweepConflictsTotal.Inc()
			}
		}
	}

	if hasActive {
		return
	}

	for i := range tickets {
		t := tickets[i]
		if t.Status != ticket.StatusQueued || !t.ExpiresAt.After(now) {
			continue
		}

		updated := t.WithStatus(ticket.StatusActive, now)
		if d.transition(ctx, updated) {
			d.Stats.Promoted.Add(1)
			if d.metrics {
				telemetry.TicketsPromotedTotal.Inc()
			}
			d.announce(ctx, t.UUID, ticket.StatusActive)
		} else {
			d.Stats.Conflicts.Add(1)
			if d.metrics {
				telemetry.SweepConflictsTotal.Inc()
			}
		}
		break
	}
}

// transition persists updated with an etag-guarded write. Conflicts are
// benign: the next sweep re-observes the now-changed state (spec.md §4.2
// step 3).
func (d *Director) transition(ctx context.Context, updated ticket.Ticket) bool {
	value, err := ticket.Encode(updated)
	if err != nil {
		d.logger.Error("director: failed to encode ticket", "ticket", updated.UUID, "error", err)
		return false
	}

	if _, err := d.store.Put(ctx, Bucket, updated.UUID.String(), value, updated.ETag); err != nil {
		if !errors.Is(err, kvstore.ErrVersionConflict) {
			d.logger.Error("director: failed to persist transition", "ticket", updated.UUID, "error", err)
		}
		return false
	}
	return true
}

// announce notifies the local waiter registry and, if configured, publishes
// to redis so peer instances' waiters can wake early.
func (d *Director) announce(ctx context.Context, ticketUUID uuid.UUID, status ticket.Status) {
	d.registry.Fire(ticketUUID, status)

	if d.redis != nil {
		if err := d.redis.Publish(ctx, notifyChannel, ticketUUID.String()).Err(); err != nil {
			d.logger.Warn("director: redis publish failed", "error", err)
		}
	}
}

// RequestSweep lets a client-initiated transition (Manager.Release) ask the
// director to re-evaluate the affected queue promptly instead of waiting out
// the rest of T_sweep (spec.md §4.1: "signal the director to re-evaluate the
// affected queue promptly (best-effort)"). It takes the same announce path a
// director-driven transition does — firing local waiters and publishing to
// the cross-instance fast-path channel — and additionally nudges this
// process's own sweep loop out of cadence, which the redis fast path alone
// doesn't cover when no redis client is configured.
func (d *Director) RequestSweep(ctx context.Context, ticketUUID uuid.UUID, status ticket.Status) {
	d.announce(ctx, ticketUUID, status)

	select {
	case d.nudge <- struct{}{}:
	default:
		// A sweep is already pending; the existing signal covers this one.
	}
}
