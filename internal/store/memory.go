package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps sets and items in process memory for local development and tests.
type MemoryStore struct {
	mu    sync.Mutex
	sets  map[setKey]map[string]Member
	items map[Partition]map[string]Item
}

type setKey struct {
	partition Partition
	key       string
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sets:  make(map[setKey]map[string]Member),
		items: make(map[Partition]map[string]Item),
	}
}

// AddMember implements Store.
func (s *MemoryStore) AddMember(ctx context.Context, p Partition, key string, member Member) (Mutation, error) {
	if err := ctx.Err(); err != nil {
		return Mutation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sk := setKey{partition: p, key: key}
	set := s.sets[sk]
	before := len(set)
	if set == nil {
		set = make(map[string]Member)
		s.sets[sk] = set
	}
	if _, exists := set[member.ID]; !exists {
		set[member.ID] = member
	}
	return Mutation{Before: before, After: len(set)}, nil
}

// RemoveMembers implements Store.
func (s *MemoryStore) RemoveMembers(ctx context.Context, p Partition, key string, ids ...string) (Mutation, error) {
	if err := ctx.Err(); err != nil {
		return Mutation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sk := setKey{partition: p, key: key}
	set := s.sets[sk]
	before := len(set)
	for _, id := range ids {
		delete(set, id)
	}
	if len(set) == 0 {
		delete(s.sets, sk)
	}
	return Mutation{Before: before, After: len(set)}, nil
}

// Members implements Store.
func (s *MemoryStore) Members(ctx context.Context, p Partition, key string) ([]Member, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.sets[setKey{partition: p, key: key}]
	out := make([]Member, 0, len(set))
	for _, m := range set {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, p Partition, key string) (*Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[p][key]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

// Put implements Store.
func (s *MemoryStore) Put(ctx context.Context, item Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket := s.items[item.Partition]
	if bucket == nil {
		bucket = make(map[string]Item)
		s.items[item.Partition] = bucket
	}
	bucket[item.Key] = item
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, p Partition, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.items[p], key)
	return nil
}

// DeleteUnlessNewer implements Store.
func (s *MemoryStore) DeleteUnlessNewer(ctx context.Context, p Partition, key string, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[p][key]
	if ok && item.At.After(at) {
		return true, nil
	}
	delete(s.items[p], key)
	return false, nil
}

// Scan implements Store. Items are returned in key order; cursor is an opaque token from a previous page.
func (s *MemoryStore) Scan(ctx context.Context, p Partition, cursor string, limit int) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	after, err := DecodeCursor(p, cursor)
	if err != nil {
		return Page{}, err
	}
	if limit <= 0 {
		limit = 100
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bucket := s.items[p]
	keys := make([]string, 0, len(bucket))
	for k := range bucket {
		if k > after {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	page := Page{}
	for _, k := range keys {
		if len(page.Items) == limit {
			page.Next = EncodeCursor(p, page.Items[len(page.Items)-1].Key)
			break
		}
		page.Items = append(page.Items, bucket[k])
	}
	return page, nil
}

// BatchGet implements Store.
func (s *MemoryStore) BatchGet(ctx context.Context, p Partition, keys []string) (map[string]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Item, len(keys))
	for _, k := range keys {
		if item, ok := s.items[p][k]; ok {
			out[k] = item
		}
	}
	return out, nil
}

// DeleteExpired implements Expirer.
func (s *MemoryStore) DeleteExpired(ctx context.Context, p Partition, cutoff time.Time, limit int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, item := range s.items[p] {
		if limit > 0 && removed >= limit {
			break
		}
		if !item.ExpiresAt.IsZero() && item.ExpiresAt.Before(cutoff) {
			delete(s.items[p], k)
			removed++
		}
	}
	return removed, nil
}
