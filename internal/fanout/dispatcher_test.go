package fanout

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"example.com/presence/internal/consumer"
	"example.com/presence/internal/domain"
	"example.com/presence/internal/events"
	"example.com/presence/internal/presence"
	"example.com/presence/internal/push"
	"example.com/presence/internal/registry"
	"example.com/presence/internal/store"
)

var (
	t0        = time.Date(2025, time.July, 7, 7, 0, 0, 0, time.UTC)
	quietLogs = log.New(io.Discard, "", 0)
)

type fixture struct {
	store    *store.MemoryStore
	registry *registry.Registry
	tracker  *presence.Tracker
	events   *events.Recorder
	pusher   *push.MemoryPusher
	dispatch *Dispatcher
}

func newFixture(t *testing.T, users map[string][]string) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		store:  store.NewMemoryStore(),
		events: events.NewRecorder(),
		pusher: push.NewMemoryPusher(),
	}
	f.registry = registry.New(f.store)
	f.tracker = presence.NewTracker(f.store, f.events, presence.WithLogger(quietLogs))
	f.dispatch = NewDispatcher(f.registry, f.tracker, f.pusher, WithLogger(quietLogs), WithClock(func() time.Time { return t0 }))

	for user, conns := range users {
		for _, id := range conns {
			first, err := f.registry.AddConnection(ctx, user, id, t0)
			require.NoError(t, err)
			require.NoError(t, f.tracker.OnConnectionAdded(ctx, user, first, t0))
		}
	}
	return f
}

func TestDispatchPrunesGoneConnections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string][]string{"u1": {"A", "B", "C"}})
	f.pusher.SetOutcome("B", domain.ErrGone)

	report, err := f.dispatch.Dispatch(ctx, "u1", []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 3, report.Attempted)
	require.Equal(t, []string{"A", "C"}, report.DeliveredIDs)
	require.Equal(t, []string{"B"}, report.PrunedIDs)
	require.Equal(t, 2, report.Delivered)
	require.Equal(t, 1, report.Pruned)
	require.False(t, report.BecameEmpty)

	ids, err := f.registry.GetConnections(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, []string{"A", "C"}, ids)

	online, err := f.tracker.IsOnline(ctx, "u1")
	require.NoError(t, err)
	require.True(t, online)
}

func TestDispatchToUserWithoutConnectionsSkipsPusher(t *testing.T) {
	f := newFixture(t, nil)

	report, err := f.dispatch.Dispatch(context.Background(), "nobody", []byte("hello"))
	require.NoError(t, err)
	require.Zero(t, report.Attempted)
	require.Zero(t, f.pusher.Calls())
}

func TestDispatchTransientFailuresAreKept(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string][]string{"u1": {"A", "B"}})
	f.pusher.SetOutcome("A", errors.New("throttled"))

	report, err := f.dispatch.Dispatch(ctx, "u1", []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 2, report.Attempted)
	require.Equal(t, []string{"B"}, report.DeliveredIDs)
	require.Empty(t, report.PrunedIDs)

	ids, err := f.registry.GetConnections(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, []string{"A", "B"}, ids)
}

func TestDispatchPruningLastConnectionMarksOffline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string][]string{"u1": {"A", "B"}})
	f.pusher.SetOutcome("A", domain.ErrGone)
	f.pusher.SetOutcome("B", domain.ErrGone)

	report, err := f.dispatch.Dispatch(ctx, "u1", []byte("hello"))
	require.NoError(t, err)
	require.True(t, report.BecameEmpty)
	require.Equal(t, []string{"A", "B"}, report.PrunedIDs)

	online, err := f.tracker.IsOnline(ctx, "u1")
	require.NoError(t, err)
	require.False(t, online)

	last, err := f.tracker.LastActivity(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, last)
	require.True(t, last.LastSeenAt.Equal(t0))

	changes := f.events.PresenceChanges()
	require.False(t, changes[len(changes)-1].IsOnline)
}

func TestDispatchCancelledSkipsPruning(t *testing.T) {
	f := newFixture(t, map[string][]string{"u1": {"A", "B"}})
	f.pusher.SetOutcome("A", domain.ErrGone)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := f.dispatch.Dispatch(ctx, "u1", []byte("hello"))
	require.Error(t, err)
	require.Zero(t, report.Attempted)
	require.Zero(t, f.pusher.Calls())

	ids, err := f.registry.GetConnections(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, []string{"A", "B"}, ids)
}

func TestDispatchCancelledMidFlight(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := &staticRegistry{ids: []string{"A", "B"}}
	pusher := &cancellingPusher{cancel: cancel}
	d := NewDispatcher(reg, nopPresence{}, pusher, WithLogger(quietLogs), WithConcurrency(1))

	report, err := d.Dispatch(ctx, "u1", []byte("hello"))
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, report.PrunedIDs)
	require.Zero(t, reg.removeCalls)
	require.Equal(t, 1, pusher.calls)
	require.Equal(t, 1, report.Attempted, "pushes skipped after cancellation are not attempts")
}

func TestDispatchBoundsConcurrency(t *testing.T) {
	reg := &staticRegistry{ids: []string{"1", "2", "3", "4", "5", "6", "7", "8"}}
	pusher := &countingPusher{}
	d := NewDispatcher(reg, nopPresence{}, pusher, WithLogger(quietLogs), WithConcurrency(2))

	report, err := d.Dispatch(context.Background(), "u1", []byte("x"))
	require.NoError(t, err)
	require.Equal(t, 8, report.Delivered)
	require.LessOrEqual(t, pusher.peak, 2)
}

func TestDispatchRegistryFailure(t *testing.T) {
	reg := &staticRegistry{err: domain.ErrStorageUnavailable}
	d := NewDispatcher(reg, nopPresence{}, push.NewMemoryPusher(), WithLogger(quietLogs))

	_, err := d.Dispatch(context.Background(), "u1", []byte("x"))
	require.ErrorIs(t, err, domain.ErrStorageUnavailable)

	_, err = d.Dispatch(context.Background(), "", []byte("x"))
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestEnvelopeHandlerDropsMalformedInput(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string][]string{"u1": {"A"}})
	h := NewEnvelopeHandler(f.dispatch, quietLogs)
	before := testutil.ToFloat64(malformedTotal.WithLabelValues("test"))

	for _, raw := range []string{"", "not json", `{"body":"no user"}`, "\xff\xfe"} {
		report, err := h.HandleRaw(ctx, "test", []byte(raw))
		require.NoError(t, err)
		require.Zero(t, report.Attempted)
	}

	require.Zero(t, f.pusher.Calls())
	require.Equal(t, before+4, testutil.ToFloat64(malformedTotal.WithLabelValues("test")))
	ids, err := f.registry.GetConnections(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, []string{"A"}, ids)
}

func TestEnvelopeHandlerDeliversBody(t *testing.T) {
	f := newFixture(t, map[string][]string{"u1": {"A"}})
	h := NewEnvelopeHandler(f.dispatch, quietLogs)

	err := h.Handle(context.Background(), consumer.Message{Topic: "inbound", Payload: []byte(`{"userId":"u1","body":"ping"}`)})
	require.NoError(t, err)
	require.Equal(t, []push.Delivery{{ConnectionID: "A", Payload: []byte("ping")}}, f.pusher.Deliveries())
}

func TestEnvelopeHandlerBatchSkipsMalformed(t *testing.T) {
	f := newFixture(t, map[string][]string{"u1": {"A"}, "u2": {"B"}})
	h := NewEnvelopeHandler(f.dispatch, quietLogs)

	reports, err := h.HandleBatch(context.Background(), "batch", [][]byte{
		[]byte(`{"userId":"u1","body":"one"}`),
		[]byte(`garbage`),
		[]byte(`{"userId":"u2","body":"two"}`),
	})
	require.NoError(t, err)
	require.Len(t, reports, 3)
	require.Len(t, f.pusher.Deliveries(), 2)
}

type staticRegistry struct {
	ids         []string
	err         error
	removeCalls int
}

func (r *staticRegistry) GetConnections(context.Context, string) ([]string, error) {
	return r.ids, r.err
}

func (r *staticRegistry) RemoveConnections(context.Context, string, []string, time.Time) (bool, error) {
	r.removeCalls++
	return false, nil
}

type nopPresence struct{}

func (nopPresence) OnConnectionsRemoved(context.Context, string, bool, time.Time) error { return nil }

// cancellingPusher reports the first connection gone and cancels the dispatch.
type cancellingPusher struct {
	cancel context.CancelFunc
	calls  int
}

func (p *cancellingPusher) Push(context.Context, string, []byte) error {
	p.calls++
	p.cancel()
	return domain.ErrGone
}

type countingPusher struct {
	mu       sync.Mutex
	inFlight int
	peak     int
}

func (p *countingPusher) Push(context.Context, string, []byte) error {
	p.mu.Lock()
	p.inFlight++
	if p.inFlight > p.peak {
		p.peak = p.inFlight
	}
	p.mu.Unlock()

	time.Sleep(5 * time.Millisecond)

	p.mu.Lock()
	p.inFlight--
	p.mu.Unlock()
	return nil
}
