package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"example.com/presence/internal/domain"
	"example.com/presence/internal/store"
)

var now = time.Date(2025, time.May, 5, 12, 0, 0, 0, time.UTC)

func TestAddConnectionReportsFirstConnection(t *testing.T) {
	ctx := context.Background()
	reg := New(store.NewMemoryStore())

	first, err := reg.AddConnection(ctx, "u1", "c1", now)
	require.NoError(t, err)
	require.True(t, first)

	first, err = reg.AddConnection(ctx, "u1", "c2", now)
	require.NoError(t, err)
	require.False(t, first)

	ids, err := reg.GetConnections(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, []string{"c1", "c2"}, ids)
}

func TestAddConnectionIsUnique(t *testing.T) {
	ctx := context.Background()
	reg := New(store.NewMemoryStore())

	for i := 0; i < 3; i++ {
		_, err := reg.AddConnection(ctx, "u1", "c1", now)
		require.NoError(t, err)
	}

	ids, err := reg.GetConnections(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, []string{"c1"}, ids)
}

func TestRemoveConnectionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	reg := New(store.NewMemoryStore())

	_, err := reg.AddConnection(ctx, "u1", "c1", now)
	require.NoError(t, err)

	empty, err := reg.RemoveConnection(ctx, "u1", "c1", now)
	require.NoError(t, err)
	require.True(t, empty)

	empty, err = reg.RemoveConnection(ctx, "u1", "c1", now)
	require.NoError(t, err)
	require.False(t, empty, "a repeated removal must not report a second transition")

	empty, err = reg.RemoveConnection(ctx, "ghost", "c9", now)
	require.NoError(t, err)
	require.False(t, empty)
}

func TestRemoveConnectionKeepsOtherConnections(t *testing.T) {
	ctx := context.Background()
	reg := New(store.NewMemoryStore())

	_, _ = reg.AddConnection(ctx, "u1", "c1", now)
	_, _ = reg.AddConnection(ctx, "u1", "c2", now)

	empty, err := reg.RemoveConnection(ctx, "u1", "c1", now)
	require.NoError(t, err)
	require.False(t, empty)

	ids, err := reg.GetConnections(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, []string{"c2"}, ids)
}

func TestRemoveConnectionsPrunesBatch(t *testing.T) {
	ctx := context.Background()
	reg := New(store.NewMemoryStore())
	for _, id := range []string{"A", "B", "C"} {
		_, err := reg.AddConnection(ctx, "u1", id, now)
		require.NoError(t, err)
	}

	empty, err := reg.RemoveConnections(ctx, "u1", []string{"A", "C"}, now)
	require.NoError(t, err)
	require.False(t, empty)

	empty, err = reg.RemoveConnections(ctx, "u1", []string{"B", "A"}, now)
	require.NoError(t, err)
	require.True(t, empty)

	empty, err = reg.RemoveConnections(ctx, "u1", nil, now)
	require.NoError(t, err)
	require.False(t, empty)
}

func TestConcurrentAddsAreBothPresent(t *testing.T) {
	ctx := context.Background()
	reg := New(store.NewMemoryStore())

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		firsts int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			first, err := reg.AddConnection(ctx, "u1", fmt.Sprintf("c%02d", i), now)
			require.NoError(t, err)
			if first {
				mu.Lock()
				firsts++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	ids, err := reg.GetConnections(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, ids, 50)
	require.Equal(t, 1, firsts)
}

func TestConcurrentConnectAndDisconnect(t *testing.T) {
	ctx := context.Background()
	reg := New(store.NewMemoryStore())
	_, err := reg.AddConnection(ctx, "u1", "old", now)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = reg.RemoveConnection(ctx, "u1", "old", now)
	}()
	go func() {
		defer wg.Done()
		_, _ = reg.AddConnection(ctx, "u1", "new", now)
	}()
	wg.Wait()

	ids, err := reg.GetConnections(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, []string{"new"}, ids)
}

func TestGetConnectionsUnknownUser(t *testing.T) {
	ids, err := New(store.NewMemoryStore()).GetConnections(context.Background(), "nobody")
	require.NoError(t, err)
	require.NotNil(t, ids)
	require.Empty(t, ids)
}

func TestRejectsEmptyIdentifiers(t *testing.T) {
	ctx := context.Background()
	reg := New(store.NewMemoryStore())

	_, err := reg.AddConnection(ctx, "", "c1", now)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = reg.AddConnection(ctx, "u1", " ", now)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = reg.RemoveConnection(ctx, "u1", "", now)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = reg.GetConnections(ctx, "")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestStoreFailureSurfacesAsStorageUnavailable(t *testing.T) {
	ctx := context.Background()
	reg := New(failingStore{Store: store.NewMemoryStore(), err: errors.New("connection refused")})

	before := testutil.ToFloat64(mutationsTotal.WithLabelValues("add", "error"))

	_, err := reg.AddConnection(ctx, "u1", "c1", now)
	require.ErrorIs(t, err, domain.ErrStorageUnavailable)
	require.Equal(t, before+1, testutil.ToFloat64(mutationsTotal.WithLabelValues("add", "error")))

	_, err = reg.RemoveConnection(ctx, "u1", "c1", now)
	require.ErrorIs(t, err, domain.ErrStorageUnavailable)

	_, err = reg.GetConnections(ctx, "u1")
	require.ErrorIs(t, err, domain.ErrStorageUnavailable)
}

func TestCancelledContextIsPreserved(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(store.NewMemoryStore()).AddConnection(ctx, "u1", "c1", now)
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, err, domain.ErrStorageUnavailable)
}

type failingStore struct {
	store.Store
	err error
}

func (f failingStore) AddMember(context.Context, store.Partition, string, store.Member) (store.Mutation, error) {
	return store.Mutation{}, f.err
}

func (f failingStore) RemoveMembers(context.Context, store.Partition, string, ...string) (store.Mutation, error) {
	return store.Mutation{}, f.err
}

func (f failingStore) Members(context.Context, store.Partition, string) ([]store.Member, error) {
	return nil, f.err
}
