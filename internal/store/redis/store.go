// Package redis implements store.Store on top of go-redis.
package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"example.com/presence/internal/store"
)

// Sets are hashes of member -> added-at (unix nanos); Lua keeps each mutation atomic
// and reports the hash length before and after.
var addMemberScript = redis.NewScript(`
local before = redis.call('HLEN', KEYS[1])
redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2])
local after = redis.call('HLEN', KEYS[1])
return {before, after}
`)

var removeMembersScript = redis.NewScript(`
local before = redis.call('HLEN', KEYS[1])
if #ARGV > 0 then
  redis.call('HDEL', KEYS[1], unpack(ARGV))
end
local after = redis.call('HLEN', KEYS[1])
return {before, after}
`)

// Items keep At in microseconds alongside the RFC 3339 form; microseconds stay exact as Lua numbers.
var deleteUnlessNewerScript = redis.NewScript(`
local stored = redis.call('HGET', KEYS[1], ARGV[2])
if stored and tonumber(stored) > tonumber(ARGV[1]) then
  return 1
end
redis.call('DEL', KEYS[1])
return 0
`)

const (
	fieldAt        = "at"
	fieldAtMicros  = "at_us"
	fieldExpiresAt = "expires_at"
)

// Store provides Redis-backed keyed storage. Items with an ExpiresAt use native key expiry.
type Store struct {
	client redis.UniversalClient
	prefix string
}

// NewStore creates a Store. An empty prefix defaults to "presence:".
func NewStore(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "presence:"
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) setKey(p store.Partition, key string) string {
	return s.prefix + "set:" + string(p) + ":" + key
}

func (s *Store) itemPrefix(p store.Partition) string {
	return s.prefix + "item:" + string(p) + ":"
}

func (s *Store) itemKey(p store.Partition, key string) string {
	return s.itemPrefix(p) + key
}

// AddMember implements store.Store.
func (s *Store) AddMember(ctx context.Context, p store.Partition, key string, member store.Member) (store.Mutation, error) {
	addedAt := member.AddedAt
	if addedAt.IsZero() {
		addedAt = time.Now().UTC()
	}
	sizes, err := addMemberScript.Run(ctx, s.client, []string{s.setKey(p, key)}, member.ID, addedAt.UnixNano()).Int64Slice()
	if err != nil {
		return store.Mutation{}, err
	}
	return toMutation(sizes)
}

// RemoveMembers implements store.Store.
func (s *Store) RemoveMembers(ctx context.Context, p store.Partition, key string, ids ...string) (store.Mutation, error) {
	args := make([]interface{}, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	sizes, err := removeMembersScript.Run(ctx, s.client, []string{s.setKey(p, key)}, args...).Int64Slice()
	if err != nil {
		return store.Mutation{}, err
	}
	return toMutation(sizes)
}

func toMutation(sizes []int64) (store.Mutation, error) {
	if len(sizes) != 2 {
		return store.Mutation{}, fmt.Errorf("redis store: unexpected script reply %v", sizes)
	}
	return store.Mutation{Before: int(sizes[0]), After: int(sizes[1])}, nil
}

// Members implements store.Store.
func (s *Store) Members(ctx context.Context, p store.Partition, key string) ([]store.Member, error) {
	raw, err := s.client.HGetAll(ctx, s.setKey(p, key)).Result()
	if err != nil {
		return nil, err
	}
	members := make([]store.Member, 0, len(raw))
	for id, nanos := range raw {
		m := store.Member{ID: id}
		if n, err := strconv.ParseInt(nanos, 10, 64); err == nil {
			m.AddedAt = time.Unix(0, n).UTC()
		}
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
	return members, nil
}

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, p store.Partition, key string) (*store.Item, error) {
	raw, err := s.client.HGetAll(ctx, s.itemKey(p, key)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeItem(p, key, raw)
}

// Put implements store.Store.
func (s *Store) Put(ctx context.Context, item store.Item) error {
	k := s.itemKey(item.Partition, item.Key)
	fields := map[string]interface{}{
		fieldAt:        item.At.UTC().Format(time.RFC3339Nano),
		fieldAtMicros:  item.At.UnixMicro(),
		fieldExpiresAt: "",
	}
	if !item.ExpiresAt.IsZero() {
		fields[fieldExpiresAt] = item.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, k, fields)
		if item.ExpiresAt.IsZero() {
			pipe.Persist(ctx, k)
		} else {
			pipe.ExpireAt(ctx, k, item.ExpiresAt)
		}
		return nil
	})
	return err
}

// Delete implements store.Store.
func (s *Store) Delete(ctx context.Context, p store.Partition, key string) error {
	return s.client.Del(ctx, s.itemKey(p, key)).Err()
}

// DeleteUnlessNewer implements store.Store.
func (s *Store) DeleteUnlessNewer(ctx context.Context, p store.Partition, key string, at time.Time) (bool, error) {
	kept, err := deleteUnlessNewerScript.Run(ctx, s.client, []string{s.itemKey(p, key)}, at.UnixMicro(), fieldAtMicros).Int()
	if err != nil {
		return false, err
	}
	return kept == 1, nil
}

// Scan implements store.Store. The token wraps the Redis SCAN cursor, so pages may be
// uneven in size and a key may repeat across pages.
func (s *Store) Scan(ctx context.Context, p store.Partition, cursor string, limit int) (store.Page, error) {
	raw, err := store.DecodeCursor(p, cursor)
	if err != nil {
		return store.Page{}, err
	}
	var position uint64
	if raw != "" {
		position, err = strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return store.Page{}, fmt.Errorf("redis store: invalid cursor: %w", err)
		}
	}
	if limit <= 0 {
		limit = 100
	}

	prefix := s.itemPrefix(p)
	keys, next, err := s.client.Scan(ctx, position, prefix+"*", int64(limit)).Result()
	if err != nil {
		return store.Page{}, err
	}

	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(k, prefix))
	}
	found, err := s.BatchGet(ctx, p, ids)
	if err != nil {
		return store.Page{}, err
	}

	page := store.Page{Items: make([]store.Item, 0, len(found))}
	for _, id := range ids {
		if item, ok := found[id]; ok {
			page.Items = append(page.Items, item)
		}
	}
	if next != 0 {
		page.Next = store.EncodeCursor(p, strconv.FormatUint(next, 10))
	}
	return page, nil
}

// BatchGet implements store.Store.
func (s *Store) BatchGet(ctx context.Context, p store.Partition, keys []string) (map[string]store.Item, error) {
	out := make(map[string]store.Item, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(keys))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = pipe.HGetAll(ctx, s.itemKey(p, k))
		}
		return nil
	})
	if err != nil && err != redis.Nil {
		return nil, err
	}

	for i, cmd := range cmds {
		raw, err := cmd.Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return nil, err
		}
		item, err := decodeItem(p, keys[i], raw)
		if err != nil {
			return nil, err
		}
		if item != nil {
			out[keys[i]] = *item
		}
	}
	return out, nil
}

// Ping verifies connectivity for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func decodeItem(p store.Partition, key string, raw map[string]string) (*store.Item, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	item := store.Item{Partition: p, Key: key}
	at, err := time.Parse(time.RFC3339Nano, raw[fieldAt])
	if err != nil {
		return nil, fmt.Errorf("redis store: decode %s: %w", key, err)
	}
	item.At = at
	if v := raw[fieldExpiresAt]; v != "" {
		expires, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("redis store: decode %s: %w", key, err)
		}
		item.ExpiresAt = expires
	}
	return &item, nil
}
