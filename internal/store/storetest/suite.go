// Package storetest holds a behavioural suite shared by every store.Store implementation.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"example.com/presence/internal/store"
)

// Factory returns a fresh, empty store for one sub-test.
type Factory func(t *testing.T) store.Store

// Run exercises the store contract against the implementation produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("AddMemberIsIdempotent", func(t *testing.T) { testAddMemberIsIdempotent(t, newStore(t)) })
	t.Run("RemoveMembersIsIdempotent", func(t *testing.T) { testRemoveMembersIsIdempotent(t, newStore(t)) })
	t.Run("ConcurrentAddsAreNotLost", func(t *testing.T) { testConcurrentAdds(t, newStore(t)) })
	t.Run("ConcurrentRemovesObserveOneEmptyTransition", func(t *testing.T) { testConcurrentRemoves(t, newStore(t)) })
	t.Run("ItemsRoundTrip", func(t *testing.T) { testItems(t, newStore(t)) })
	t.Run("DeleteUnlessNewerKeepsLaterWrites", func(t *testing.T) { testDeleteUnlessNewer(t, newStore(t)) })
	t.Run("ScanPaginates", func(t *testing.T) { testScan(t, newStore(t)) })
	t.Run("BatchGetSkipsMissing", func(t *testing.T) { testBatchGet(t, newStore(t)) })
}

func testAddMemberIsIdempotent(t *testing.T, s store.Store) {
	ctx := context.Background()
	key := uuid.NewString()
	now := time.Now().UTC().Truncate(time.Millisecond)

	mut, err := s.AddMember(ctx, store.PartitionConnections, key, store.Member{ID: "a", AddedAt: now})
	require.NoError(t, err)
	require.Equal(t, store.Mutation{Before: 0, After: 1}, mut)

	mut, err = s.AddMember(ctx, store.PartitionConnections, key, store.Member{ID: "a", AddedAt: now.Add(time.Second)})
	require.NoError(t, err)
	require.Equal(t, store.Mutation{Before: 1, After: 1}, mut)
	require.False(t, mut.Changed())

	members, err := s.Members(ctx, store.PartitionConnections, key)
	require.NoError(t, err)
	require.Len(t, members, 1)
	require.Equal(t, "a", members[0].ID)
	require.WithinDuration(t, now, members[0].AddedAt, time.Millisecond)
}

func testRemoveMembersIsIdempotent(t *testing.T, s store.Store) {
	ctx := context.Background()
	key := uuid.NewString()

	mut, err := s.RemoveMembers(ctx, store.PartitionConnections, key, "never-added")
	require.NoError(t, err)
	require.Equal(t, store.Mutation{Before: 0, After: 0}, mut)

	for _, id := range []string{"a", "b", "c"} {
		_, err := s.AddMember(ctx, store.PartitionConnections, key, store.Member{ID: id, AddedAt: time.Now().UTC()})
		require.NoError(t, err)
	}

	mut, err = s.RemoveMembers(ctx, store.PartitionConnections, key, "a", "b", "zzz")
	require.NoError(t, err)
	require.Equal(t, store.Mutation{Before: 3, After: 1}, mut)

	mut, err = s.RemoveMembers(ctx, store.PartitionConnections, key, "a")
	require.NoError(t, err)
	require.Equal(t, store.Mutation{Before: 1, After: 1}, mut)

	mut, err = s.RemoveMembers(ctx, store.PartitionConnections, key, "c")
	require.NoError(t, err)
	require.Equal(t, store.Mutation{Before: 1, After: 0}, mut)

	members, err := s.Members(ctx, store.PartitionConnections, key)
	require.NoError(t, err)
	require.Empty(t, members)
}

func testConcurrentAdds(t *testing.T, s store.Store) {
	ctx := context.Background()
	key := uuid.NewString()
	const workers = 32

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		firsts int
		errs   []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			mut, err := s.AddMember(ctx, store.PartitionConnections, key, store.Member{ID: fmt.Sprintf("conn-%02d", i), AddedAt: time.Now().UTC()})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if mut.Before == 0 {
				firsts++
			}
		}(i)
	}
	wg.Wait()

	require.Empty(t, errs)
	require.Equal(t, 1, firsts, "exactly one add must observe the empty set")

	members, err := s.Members(ctx, store.PartitionConnections, key)
	require.NoError(t, err)
	require.Len(t, members, workers)
}

func testConcurrentRemoves(t *testing.T, s store.Store) {
	ctx := context.Background()
	key := uuid.NewString()
	const workers = 16

	for i := 0; i < workers; i++ {
		_, err := s.AddMember(ctx, store.PartitionConnections, key, store.Member{ID: fmt.Sprintf("conn-%02d", i), AddedAt: time.Now().UTC()})
		require.NoError(t, err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		empties int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			mut, err := s.RemoveMembers(ctx, store.PartitionConnections, key, fmt.Sprintf("conn-%02d", i))
			if err != nil {
				return
			}
			if mut.Changed() && mut.After == 0 {
				mu.Lock()
				empties++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, empties)
}

func testItems(t *testing.T, s store.Store) {
	ctx := context.Background()
	key := uuid.NewString()
	at := time.Date(2025, time.March, 3, 10, 0, 0, 0, time.UTC)

	item, err := s.Get(ctx, store.PartitionLastActivity, key)
	require.NoError(t, err)
	require.Nil(t, item)

	require.NoError(t, s.Put(ctx, store.Item{Partition: store.PartitionLastActivity, Key: key, At: at, ExpiresAt: at.Add(time.Hour)}))
	require.NoError(t, s.Put(ctx, store.Item{Partition: store.PartitionLastActivity, Key: key, At: at.Add(time.Minute), ExpiresAt: at.Add(2 * time.Hour)}))

	item, err = s.Get(ctx, store.PartitionLastActivity, key)
	require.NoError(t, err)
	require.NotNil(t, item)
	require.True(t, item.At.Equal(at.Add(time.Minute)), "later put must overwrite")
	require.True(t, item.ExpiresAt.Equal(at.Add(2*time.Hour)))

	require.NoError(t, s.Delete(ctx, store.PartitionLastActivity, key))
	require.NoError(t, s.Delete(ctx, store.PartitionLastActivity, key))

	item, err = s.Get(ctx, store.PartitionLastActivity, key)
	require.NoError(t, err)
	require.Nil(t, item)
}

func testDeleteUnlessNewer(t *testing.T, s store.Store) {
	ctx := context.Background()
	key := uuid.NewString()
	at := time.Date(2025, time.March, 3, 10, 0, 0, 0, time.UTC)

	kept, err := s.DeleteUnlessNewer(ctx, store.PartitionPresence, key, at)
	require.NoError(t, err)
	require.False(t, kept, "absent items are not newer")

	require.NoError(t, s.Put(ctx, store.Item{Partition: store.PartitionPresence, Key: key, At: at.Add(time.Second)}))
	kept, err = s.DeleteUnlessNewer(ctx, store.PartitionPresence, key, at)
	require.NoError(t, err)
	require.True(t, kept)

	item, err := s.Get(ctx, store.PartitionPresence, key)
	require.NoError(t, err)
	require.NotNil(t, item, "a stale delete must not remove a later write")

	kept, err = s.DeleteUnlessNewer(ctx, store.PartitionPresence, key, at.Add(time.Second))
	require.NoError(t, err)
	require.False(t, kept)

	item, err = s.Get(ctx, store.PartitionPresence, key)
	require.NoError(t, err)
	require.Nil(t, item)
}

func testScan(t *testing.T, s store.Store) {
	ctx := context.Background()
	want := make([]string, 0, 7)
	for i := 0; i < 7; i++ {
		key := fmt.Sprintf("scan-%s-%d", uuid.NewString()[:8], i)
		want = append(want, key)
		require.NoError(t, s.Put(ctx, store.Item{Partition: store.PartitionPresence, Key: key, At: time.Now().UTC()}))
	}
	require.NoError(t, s.Put(ctx, store.Item{Partition: store.PartitionLastActivity, Key: "other-partition", At: time.Now().UTC()}))

	var (
		got    []string
		cursor string
		pages  int
	)
	for {
		page, err := s.Scan(ctx, store.PartitionPresence, cursor, 3)
		require.NoError(t, err)
		pages++
		for _, item := range page.Items {
			require.Equal(t, store.PartitionPresence, item.Partition)
			got = append(got, item.Key)
		}
		if page.Next == "" {
			break
		}
		cursor = page.Next
		require.Less(t, pages, 20, "scan did not terminate")
	}

	sort.Strings(want)
	sort.Strings(got)
	require.Equal(t, want, dedupe(got))
}

func testBatchGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	present := uuid.NewString()
	missing := uuid.NewString()
	require.NoError(t, s.Put(ctx, store.Item{Partition: store.PartitionLastActivity, Key: present, At: time.Now().UTC()}))

	items, err := s.BatchGet(ctx, store.PartitionLastActivity, []string{present, missing})
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Contains(t, items, present)

	items, err = s.BatchGet(ctx, store.PartitionLastActivity, nil)
	require.NoError(t, err)
	require.Empty(t, items)
}

// Redis SCAN may return a key more than once across pages.
func dedupe(keys []string) []string {
	out := keys[:0]
	for i, k := range keys {
		if i > 0 && keys[i-1] == k {
			continue
		}
		out = append(out, k)
	}
	return out
}
