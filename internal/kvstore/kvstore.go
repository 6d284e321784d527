// Package kvstore is the abstract transactional key-value store adapter
// (spec.md §2 item 1). Every waitlist component that touches persisted
// ticket state goes through this interface; nothing above it knows the
// store is backed by Postgres.
package kvstore

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotFound is returned by Get and Delete when the key does not exist.
var ErrNotFound = errors.New("kvstore: not found")

// ErrVersionConflict is returned by Put when the supplied etag no longer
// matches the stored object's current version (spec.md §2: "put with an
// etag yields a version conflict when the object has changed").
var ErrVersionConflict = errors.New("kvstore: version conflict")

// Record is a single stored object.
type Record struct {
	Key   string
	Value json.RawMessage
	ETag  string
}

// Filter restricts FindObjects to objects whose field equals one of the
// listed values (an empty value list for a field means "no constraint").
// Fields are matched against top-level keys of the stored JSON value.
type Filter map[string][]string

// SortField orders FindObjects results by a field of the stored JSON value.
type SortField struct {
	Field string
	Desc  bool
}

// Stream iterates over a FindObjects result set. Callers must call Close.
type Stream interface {
	Next() bool
	Record() Record
	Err() error
	Close()
}

// Store is the abstract transactional key-value store. All operations are
// scoped to a bucket (spec.md §6: "one record per ticket in a single
// bucket").
type Store interface {
	// Get returns the record for key in bucket, or ErrNotFound.
	Get(ctx context.Context, bucket, key string) (Record, error)

	// Put creates or updates the record for key in bucket. If etag is
	// empty, the key must not already exist (create-only); if non-empty,
	// the write only applies if the stored object's current etag matches,
	// otherwise ErrVersionConflict is returned (ErrNotFound if the key does
	// not exist). On success the object's new etag is returned.
	Put(ctx context.Context, bucket, key string, value json.RawMessage, etag string) (newETag string, err error)

	// Delete unconditionally removes the record for key in bucket, or
	// returns ErrNotFound.
	Delete(ctx context.Context, bucket, key string) error

	// FindObjects returns a stream over records in bucket matching filter,
	// ordered by sort, honoring limit and offset.
	FindObjects(ctx context.Context, bucket string, filter Filter, sort []SortField, limit, offset int) (Stream, error)

	// Ping verifies the store is reachable (used by /readyz).
	Ping(ctx context.Context) error

	// Close releases any resources held by the store.
	Close()
}
