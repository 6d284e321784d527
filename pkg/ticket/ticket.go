// Package ticket defines the waitlist's persisted record shape: the ticket
// model (spec.md §3), its encoding to and from the kvstore's JSON value, and
// the timestamp/validation rules enforced at creation.
package ticket

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the ticket lifecycle state (spec.md §4.3).
type Status string

const (
	StatusQueued   Status = "queued"
	StatusActive   Status = "active"
	StatusExpired  Status = "expired"
	StatusFinished Status = "finished"
)

// Terminal reports whether no further transition out of s is permitted (I3).
func (s Status) Terminal() bool {
	return s == StatusExpired || s == StatusFinished
}

// Valid reports whether s is one of the four recognized statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusActive, StatusExpired, StatusFinished:
		return true
	default:
		return false
	}
}

// Ticket is the persisted record for one waitlist entry (spec.md §3).
type Ticket struct {
	UUID       uuid.UUID      `json:"uuid"`
	ServerUUID string         `json:"server_uuid"`
	Scope      string         `json:"scope"`
	ID         string         `json:"id"`
	Status     Status         `json:"status"`
	Action     string         `json:"action,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	ExpiresAt  time.Time      `json:"expires_at"`
	ReqID      string         `json:"req_id,omitempty"`

	// ETag is the store's optimistic-concurrency token. It does not travel
	// inside the JSON value (it is a kvstore.Record field); it is carried on
	// the Go struct purely as a convenience for round-tripping through
	// Decode/Encode so callers don't need a separate (Ticket, etag) pair.
	ETag string `json:"-"`
}

// CreateParams are the validated inputs to create a new ticket (spec.md §4.1).
type CreateParams struct {
	ServerUUID string
	Scope      string
	ID         string
	ExpiresAt  string // ISO-8601 / RFC3339
	Action     string
	Extra      map[string]any
}

// New validates params and builds a fresh queued ticket. now is injected so
// callers (and tests) control the clock rather than reaching for time.Now
// inside the model.
func New(params CreateParams, now time.Time, reqID string) (Ticket, error) {
	if params.Scope == "" {
		return Ticket{}, fmt.Errorf("scope must not be empty")
	}
	if params.ID == "" {
		return Ticket{}, fmt.Errorf("id must not be empty")
	}
	if params.ServerUUID == "" {
		return Ticket{}, fmt.Errorf("server_uuid must not be empty")
	}

	expiresAt, err := time.Parse(time.RFC3339, params.ExpiresAt)
	if err != nil {
		return Ticket{}, fmt.Errorf("expires_at must be an RFC3339 timestamp: %w", err)
	}
	if !expiresAt.After(now) {
		return Ticket{}, fmt.Errorf("expires_at must be strictly in the future")
	}

	t := Ticket{
		UUID:       uuid.New(),
		ServerUUID: params.ServerUUID,
		Scope:      params.Scope,
		ID:         params.ID,
		Status:     StatusQueued,
		Action:     params.Action,
		Extra:      params.Extra,
		CreatedAt:  now,
		UpdatedAt:  now,
		ExpiresAt:  expiresAt.UTC(),
		ReqID:      reqID,
	}
	return t, nil
}

// Encode marshals the ticket to the JSON form stored as a kvstore record
// value. The etag travels alongside the record, not inside the value.
func Encode(t Ticket) (json.RawMessage, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encoding ticket %s: %w", t.UUID, err)
	}
	return b, nil
}

// Decode unmarshals a stored record value plus its etag into a Ticket.
func Decode(value json.RawMessage, etag string) (Ticket, error) {
	var t Ticket
	if err := json.Unmarshal(value, &t); err != nil {
		return Ticket{}, fmt.Errorf("decoding ticket: %w", err)
	}
	t.ETag = etag
	return t, nil
}

// WithStatus returns a copy of t transitioned to status as of now, with
// updated_at advanced. It does not check that the transition is legal;
// callers (manager, director) are responsible for only calling it on
// transitions permitted by the state machine (spec.md §4.3).
func (t Ticket) WithStatus(status Status, now time.Time) Ticket {
	t.Status = status
	t.UpdatedAt = now
	return t
}

// QueueKey identifies the queue a ticket belongs to: all tickets sharing
// (server_uuid, scope, id) are the same queue (spec.md §3).
type QueueKey struct {
	ServerUUID string
	Scope      string
	ID         string
}

func (t Ticket) QueueKey() QueueKey {
	return QueueKey{ServerUUID: t.ServerUUID, Scope: t.Scope, ID: t.ID}
}

// Before implements the queue's total order: created_at ascending, tie-broken
// by uuid lexicographic ascending (spec.md §3, §4.3).
func (t Ticket) Before(other Ticket) bool {
	if !t.CreatedAt.Equal(other.CreatedAt) {
		return t.CreatedAt.Before(other.CreatedAt)
	}
	return t.UUID.String() < other.UUID.String()
}
