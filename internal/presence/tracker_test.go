package presence

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"example.com/presence/internal/domain"
	"example.com/presence/internal/events"
	"example.com/presence/internal/registry"
	"example.com/presence/internal/store"
)

var (
	t0        = time.Date(2025, time.April, 1, 9, 0, 0, 0, time.UTC)
	quietLogs = log.New(io.Discard, "", 0)
)

func newTracker(s store.Store, pub events.Publisher, opts ...Option) *Tracker {
	opts = append([]Option{WithLogger(quietLogs), WithClock(func() time.Time { return t0.Add(time.Hour) })}, opts...)
	return NewTracker(s, pub, opts...)
}

func TestOnConnectionAddedPublishesOnlyForFirstConnection(t *testing.T) {
	ctx := context.Background()
	rec := events.NewRecorder()
	tr := newTracker(store.NewMemoryStore(), rec)

	require.NoError(t, tr.OnConnectionAdded(ctx, "u1", false, t0))
	online, err := tr.IsOnline(ctx, "u1")
	require.NoError(t, err)
	require.False(t, online)
	require.Empty(t, rec.Events())

	require.NoError(t, tr.OnConnectionAdded(ctx, "u1", true, t0))
	online, err = tr.IsOnline(ctx, "u1")
	require.NoError(t, err)
	require.True(t, online)

	changes := rec.PresenceChanges()
	require.Len(t, changes, 1)
	require.Equal(t, "u1", changes[0].UserID)
	require.True(t, changes[0].IsOnline)
	require.True(t, changes[0].OccurredAt.Equal(t0))
}

func TestOnConnectionsRemovedWritesLastActivity(t *testing.T) {
	ctx := context.Background()
	rec := events.NewRecorder()
	s := store.NewMemoryStore()
	tr := newTracker(s, rec, WithRetention(48*time.Hour))

	require.NoError(t, tr.OnConnectionAdded(ctx, "u1", true, t0))
	require.NoError(t, tr.OnConnectionsRemoved(ctx, "u1", false, t0.Add(time.Minute)))

	online, err := tr.IsOnline(ctx, "u1")
	require.NoError(t, err)
	require.True(t, online, "a removal that did not empty the set must not change presence")

	offlineAt := t0.Add(2 * time.Minute)
	require.NoError(t, tr.OnConnectionsRemoved(ctx, "u1", true, offlineAt))

	online, err = tr.IsOnline(ctx, "u1")
	require.NoError(t, err)
	require.False(t, online)

	last, err := tr.LastActivity(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, last)
	require.True(t, last.LastSeenAt.Equal(offlineAt))
	require.True(t, last.ExpiresAt.Equal(offlineAt.Add(48*time.Hour)))

	changes := rec.PresenceChanges()
	require.Len(t, changes, 2)
	require.False(t, changes[1].IsOnline)
}

func TestLateOfflineTransitionDoesNotWipeNewerConnect(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	rec := events.NewRecorder()
	reg := registry.New(s)
	tr := newTracker(s, rec)

	first, err := reg.AddConnection(ctx, "u1", "A", t0)
	require.NoError(t, err)
	require.True(t, first)
	require.NoError(t, tr.OnConnectionAdded(ctx, "u1", first, t0))

	// A disconnects and B connects; B's tracker write lands before A's.
	empty, err := reg.RemoveConnection(ctx, "u1", "A", t0.Add(time.Second))
	require.NoError(t, err)
	require.True(t, empty)
	first, err = reg.AddConnection(ctx, "u1", "B", t0.Add(2*time.Second))
	require.NoError(t, err)
	require.True(t, first)

	require.NoError(t, tr.OnConnectionAdded(ctx, "u1", first, t0.Add(2*time.Second)))
	require.NoError(t, tr.OnConnectionsRemoved(ctx, "u1", empty, t0.Add(time.Second)))

	ids, err := reg.GetConnections(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, []string{"B"}, ids)

	online, err := tr.IsOnline(ctx, "u1")
	require.NoError(t, err)
	require.True(t, online)

	status, err := tr.Presence(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, status)
	require.True(t, status.Since.Equal(t0.Add(2*time.Second)))

	last, err := tr.LastActivity(ctx, "u1")
	require.NoError(t, err)
	require.Nil(t, last, "a superseded offline transition must not record last activity")

	changes := rec.PresenceChanges()
	require.Len(t, changes, 2)
	require.True(t, changes[1].IsOnline)
}

func TestPresence(t *testing.T) {
	ctx := context.Background()
	tr := newTracker(store.NewMemoryStore(), nil)

	status, err := tr.Presence(ctx, "u1")
	require.NoError(t, err)
	require.Nil(t, status)

	require.NoError(t, tr.OnConnectionAdded(ctx, "u1", true, t0))
	status, err = tr.Presence(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, &domain.PresenceStatus{UserID: "u1", Since: t0}, status)

	_, err = tr.Presence(ctx, " ")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestDefaultRetentionIsNinetyDays(t *testing.T) {
	ctx := context.Background()
	tr := newTracker(store.NewMemoryStore(), nil)

	require.NoError(t, tr.OnConnectionsRemoved(ctx, "u1", true, t0))
	last, err := tr.LastActivity(ctx, "u1")
	require.NoError(t, err)
	require.True(t, last.ExpiresAt.Equal(t0.Add(90*24*time.Hour)))
}

func TestLastActivityIsOverwrittenByLaterTransition(t *testing.T) {
	ctx := context.Background()
	tr := newTracker(store.NewMemoryStore(), nil)

	require.NoError(t, tr.OnConnectionsRemoved(ctx, "u1", true, t0))
	require.NoError(t, tr.OnConnectionAdded(ctx, "u1", true, t0.Add(time.Hour)))
	require.NoError(t, tr.OnConnectionsRemoved(ctx, "u1", true, t0.Add(2*time.Hour)))

	last, err := tr.LastActivity(ctx, "u1")
	require.NoError(t, err)
	require.True(t, last.LastSeenAt.Equal(t0.Add(2*time.Hour)))
}

func TestPublisherFailureIsSwallowed(t *testing.T) {
	ctx := context.Background()
	rec := events.NewRecorder()
	rec.FailWith(errors.New("broker unavailable"))
	tr := newTracker(store.NewMemoryStore(), rec)

	before := testutil.ToFloat64(publishFailuresTotal)
	require.NoError(t, tr.OnConnectionAdded(ctx, "u1", true, t0))
	require.NoError(t, tr.OnConnectionsRemoved(ctx, "u1", true, t0))
	require.Equal(t, before+2, testutil.ToFloat64(publishFailuresTotal))

	last, err := tr.LastActivity(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, last, "state changes must persist even when publishing fails")
}

func TestBulkStatus(t *testing.T) {
	ctx := context.Background()
	tr := newTracker(store.NewMemoryStore(), nil)

	require.NoError(t, tr.OnConnectionAdded(ctx, "online", true, t0))
	require.NoError(t, tr.OnConnectionsRemoved(ctx, "offline", true, t0.Add(-time.Hour)))

	statuses, err := tr.BulkStatus(ctx, []string{"online", "offline", "ghost", "online", " ", ""})
	require.NoError(t, err)
	require.Len(t, statuses, 3)

	require.True(t, statuses["online"].IsOnline)
	require.NotNil(t, statuses["online"].LastSeenAt)
	require.True(t, statuses["online"].LastSeenAt.Equal(t0.Add(time.Hour)), "online users are seen now")

	require.False(t, statuses["offline"].IsOnline)
	require.NotNil(t, statuses["offline"].LastSeenAt)
	require.True(t, statuses["offline"].LastSeenAt.Equal(t0.Add(-time.Hour)))

	require.False(t, statuses["ghost"].IsOnline)
	require.Nil(t, statuses["ghost"].LastSeenAt)
}

func TestBulkStatusEmptyInput(t *testing.T) {
	statuses, err := newTracker(store.NewMemoryStore(), nil).BulkStatus(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, statuses)
}

func TestListOnlineWalksEveryPage(t *testing.T) {
	ctx := context.Background()
	tr := newTracker(store.NewMemoryStore(), nil, WithPageSize(2))

	for i := 0; i < 5; i++ {
		require.NoError(t, tr.OnConnectionAdded(ctx, fmt.Sprintf("user-%d", i), true, t0))
	}
	require.NoError(t, tr.OnConnectionsRemoved(ctx, "user-2", true, t0))

	users, err := tr.ListOnline(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"user-0", "user-1", "user-3", "user-4"}, users)
}

func TestStoreFailureIsReported(t *testing.T) {
	ctx := context.Background()
	tr := newTracker(brokenStore{Store: store.NewMemoryStore()}, nil)

	err := tr.OnConnectionAdded(ctx, "u1", true, t0)
	require.ErrorIs(t, err, domain.ErrStorageUnavailable)

	_, err = tr.IsOnline(ctx, "u1")
	require.ErrorIs(t, err, domain.ErrStorageUnavailable)

	_, err = tr.IsOnline(ctx, "")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

type brokenStore struct {
	store.Store
}

func (brokenStore) Put(context.Context, store.Item) error { return errors.New("timeout") }

func (brokenStore) Get(context.Context, store.Partition, string) (*store.Item, error) {
	return nil, errors.New("timeout")
}
