package waitlist

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"

	"github.com/dafyddcrosby/sdc-cnapi/internal/kvstore"
)

// fakeStore is an in-memory kvstore.Store used to test the manager and
// director without a live database, matching the teacher's practice of
// testing business logic independent of a live database.
type fakeStore struct {
	mu      sync.Mutex
	objects map[string]map[string]kvstore.Record
	nextTag int
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[string]map[string]kvstore.Record)}
}

func (s *fakeStore) newETag() string {
	s.nextTag++
	return "etag-" + strconv.Itoa(s.nextTag)
}

func (s *fakeStore) Get(_ context.Context, bucket, key string) (kvstore.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.objects[bucket]
	if !ok {
		return kvstore.Record{}, kvstore.ErrNotFound
	}
	rec, ok := b[key]
	if !ok {
		return kvstore.Record{}, kvstore.ErrNotFound
	}
	return rec, nil
}

func (s *fakeStore) Put(_ context.Context, bucket, key string, value json.RawMessage, etag string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.objects[bucket]
	if !ok {
		b = make(map[string]kvstore.Record)
		s.objects[bucket] = b
	}

	existing, exists := b[key]

	if etag == "" {
		if exists {
			return "", kvstore.ErrVersionConflict
		}
	} else {
		if !exists {
			return "", kvstore.ErrNotFound
		}
		if existing.ETag != etag {
			return "", kvstore.ErrVersionConflict
		}
	}

	newTag := s.newETag()
	b[key] = kvstore.Record{Key: key, Value: value, ETag: newTag}
	return newTag, nil
}

func (s *fakeStore) Delete(_ context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.objects[bucket]
	if !ok {
		return kvstore.ErrNotFound
	}
	if _, ok := b[key]; !ok {
		return kvstore.ErrNotFound
	}
	delete(b, key)
	return nil
}

func (s *fakeStore) FindObjects(_ context.Context, bucket string, filter kvstore.Filter, sort []kvstore.SortField, limit, offset int) (kvstore.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []kvstore.Record
	for _, rec := range s.objects[bucket] {
		if matchesFilter(rec.Value, filter) {
			matched = append(matched, rec)
		}
	}

	sortRecords(matched, sort)

	if offset > len(matched) {
		offset = len(matched)
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}

	return &fakeStream{records: matched}, nil
}

func (s *fakeStore) Ping(_ context.Context) error { return nil }
func (s *fakeStore) Close()                       {}

func matchesFilter(value json.RawMessage, filter kvstore.Filter) bool {
	if len(filter) == 0 {
		return true
	}
	var obj map[string]any
	if err := json.Unmarshal(value, &obj); err != nil {
		return false
	}
	for field, wanted := range filter {
		if len(wanted) == 0 {
			continue
		}
		actual, _ := obj[field].(string)
		found := false
		for _, w := range wanted {
			if actual == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func sortRecords(records []kvstore.Record, fields []kvstore.SortField) {
	if len(fields) == 0 {
		fields = []kvstore.SortField{{Field: "created_at"}}
	}
	less := func(i, j int) bool {
		var a, b map[string]any
		_ = json.Unmarshal(records[i].Value, &a)
		_ = json.Unmarshal(records[j].Value, &b)
		for _, f := range fields {
			av, _ := a[f.Field].(string)
			bv, _ := b[f.Field].(string)
			if av == bv {
				continue
			}
			if f.Desc {
				return strings.Compare(av, bv) > 0
			}
			return strings.Compare(av, bv) < 0
		}
		return false
	}
	for i := 1; i < len(records); i++ {
		for j := i; j > 0 && less(j, j-1); j-- {
			records[j-1], records[j] = records[j], records[j-1]
		}
	}
}

type fakeStream struct {
	records []kvstore.Record
	idx     int
}

func (s *fakeStream) Next() bool {
	if s.idx >= len(s.records) {
		return false
	}
	s.idx++
	return true
}

func (s *fakeStream) Record() kvstore.Record { return s.records[s.idx-1] }
func (s *fakeStream) Err() error             { return nil }
func (s *fakeStream) Close()                 {}
