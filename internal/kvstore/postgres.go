package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store on a single generic table:
//
//	kv_objects(bucket text, key text, value jsonb, etag text)
//	PRIMARY KEY (bucket, key)
//
// Optimistic concurrency is implemented with an opaque etag column rather
// than relying on row locks, matching the abstract store's documented
// contract (spec.md §2).
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an existing pgx pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping verifies the pool is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the underlying pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Get returns the record for key in bucket.
func (s *PostgresStore) Get(ctx context.Context, bucket, key string) (Record, error) {
	var value []byte
	var etag string
	err := s.pool.QueryRow(ctx,
		`SELECT value, etag FROM kv_objects WHERE bucket = $1 AND key = $2`,
		bucket, key,
	).Scan(&value, &etag)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("getting %s/%s: %w", bucket, key, err)
	}
	return Record{Key: key, Value: value, ETag: etag}, nil
}

// Put creates or updates the record for key in bucket under etag discipline.
func (s *PostgresStore) Put(ctx context.Context, bucket, key string, value json.RawMessage, etag string) (string, error) {
	newETag := uuid.NewString()

	if etag == "" {
		tag, err := s.pool.Exec(ctx,
			`INSERT INTO kv_objects (bucket, key, value, etag)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (bucket, key) DO NOTHING`,
			bucket, key, value, newETag,
		)
		if err != nil {
			return "", fmt.Errorf("creating %s/%s: %w", bucket, key, err)
		}
		if tag.RowsAffected() == 0 {
			return "", ErrVersionConflict
		}
		return newETag, nil
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE kv_objects SET value = $3, etag = $4
		 WHERE bucket = $1 AND key = $2 AND etag = $5`,
		bucket, key, value, newETag, etag,
	)
	if err != nil {
		return "", fmt.Errorf("updating %s/%s: %w", bucket, key, err)
	}
	if tag.RowsAffected() == 0 {
		// Either the key doesn't exist, or the etag is stale. Disambiguate
		// so callers can tell not-found from conflict.
		if _, getErr := s.Get(ctx, bucket, key); errors.Is(getErr, ErrNotFound) {
			return "", ErrNotFound
		}
		return "", ErrVersionConflict
	}
	return newETag, nil
}

// Delete unconditionally removes the record for key in bucket.
func (s *PostgresStore) Delete(ctx context.Context, bucket, key string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM kv_objects WHERE bucket = $1 AND key = $2`, bucket, key)
	if err != nil {
		return fmt.Errorf("deleting %s/%s: %w", bucket, key, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FindObjects streams records in bucket matching filter, ordered by sort.
func (s *PostgresStore) FindObjects(ctx context.Context, bucket string, filter Filter, sort []SortField, limit, offset int) (Stream, error) {
	where := []string{"bucket = $1"}
	args := []any{bucket}
	argN := 2

	// Deterministic field iteration keeps generated SQL stable for tests/logs.
	for _, field := range sortedKeys(filter) {
		values := filter[field]
		if len(values) == 0 {
			continue
		}
		where = append(where, fmt.Sprintf("value->>'%s' = ANY($%d)", sqlIdent(field), argN))
		args = append(args, values)
		argN++
	}

	orderBy := "value->>'created_at' ASC"
	if len(sort) > 0 {
		parts := make([]string, 0, len(sort))
		for _, sf := range sort {
			dir := "ASC"
			if sf.Desc {
				dir = "DESC"
			}
			parts = append(parts, fmt.Sprintf("value->>'%s' %s", sqlIdent(sf.Field), dir))
		}
		orderBy = strings.Join(parts, ", ")
	}

	// limit<=0 means "no limit" to callers (director/manager queue scans);
	// Postgres treats LIMIT 0 as "zero rows", so the clause must be omitted
	// entirely rather than passed through, unlike OFFSET 0 which is already
	// a no-op.
	limitClause := ""
	if limit > 0 {
		limitClause = fmt.Sprintf(" LIMIT $%d", argN)
		args = append(args, limit)
		argN++
	}

	query := fmt.Sprintf(
		`SELECT key, value, etag FROM kv_objects WHERE %s ORDER BY %s%s OFFSET $%d`,
		strings.Join(where, " AND "), orderBy, limitClause, argN,
	)
	args = append(args, offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("finding objects in %s: %w", bucket, err)
	}
	return &pgxStream{rows: rows}, nil
}

// sqlIdent rejects anything that isn't a plausible JSON field name, since
// these values are interpolated into the query text (pgx has no bind-param
// support for jsonb operator keys).
func sqlIdent(field string) string {
	for _, r := range field {
		if !(r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return ""
		}
	}
	return field
}

func sortedKeys(f Filter) []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	// Small maps; insertion-order independence doesn't matter for
	// correctness, only determinism, so a simple pass is enough.
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}

type pgxStream struct {
	rows    pgx.Rows
	current Record
	err     error
}

func (s *pgxStream) Next() bool {
	if !s.rows.Next() {
		return false
	}
	var key string
	var value []byte
	var etag string
	if err := s.rows.Scan(&key, &value, &etag); err != nil {
		s.err = fmt.Errorf("scanning kv_objects row: %w", err)
		return false
	}
	s.current = Record{Key: key, Value: value, ETag: etag}
	return true
}

func (s *pgxStream) Record() Record { return s.current }

func (s *pgxStream) Err() error {
	if s.err != nil {
		return s.err
	}
	return s.rows.Err()
}

func (s *pgxStream) Close() { s.rows.Close() }
