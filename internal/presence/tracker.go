// Package presence maintains the online projection and last-seen records derived from
// connection set transitions.
package presence

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"example.com/presence/internal/domain"
	"example.com/presence/internal/events"
	"example.com/presence/internal/observability"
	"example.com/presence/internal/store"
)

// DefaultRetention is how long a last-activity record is kept after the user goes offline.
const DefaultRetention = 90 * 24 * time.Hour

const defaultPageSize = 100

// Tracker reacts to registry transitions. It never mutates connection sets.
type Tracker struct {
	store     store.Store
	publisher events.Publisher
	retention time.Duration
	pageSize  int
	clock     func() time.Time
	logger    *log.Logger
}

// Option customises the Tracker.
type Option func(*Tracker)

// WithLogger overrides the logger.
func WithLogger(logger *log.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithRetention sets how long last-activity records live.
func WithRetention(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.retention = d
		}
	}
}

// WithPageSize sets the scan page size used by ListOnline.
func WithPageSize(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.pageSize = n
		}
	}
}

// WithClock overrides the time source used by read paths.
func WithClock(clock func() time.Time) Option {
	return func(t *Tracker) {
		if clock != nil {
			t.clock = clock
		}
	}
}

// NewTracker constructs a Tracker. A nil publisher discards events.
func NewTracker(s store.Store, publisher events.Publisher, opts ...Option) *Tracker {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	t := &Tracker{
		store:     s,
		publisher: publisher,
		retention: DefaultRetention,
		pageSize:  defaultPageSize,
		clock:     func() time.Time { return time.Now().UTC() },
		logger:    log.New(os.Stdout, "[presence] ", log.LstdFlags|log.LUTC),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// OnConnectionAdded marks the user online when wasFirst is true.
func (t *Tracker) OnConnectionAdded(ctx context.Context, userID string, wasFirst bool, now time.Time) error {
	if !wasFirst {
		return nil
	}
	now = now.UTC()
	if err := t.store.Put(ctx, store.Item{Partition: store.PartitionPresence, Key: userID, At: now}); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrStorageUnavailable, err)
	}
	transitionsTotal.WithLabelValues("online").Inc()
	observability.RecordPresenceTransition(now)
	t.publish(ctx, userID, true, now)
	return nil
}

// OnConnectionsRemoved marks the user offline and records last activity when becameEmpty is true.
// A presence record written after now wins: the call is then a no-op.
func (t *Tracker) OnConnectionsRemoved(ctx context.Context, userID string, becameEmpty bool, now time.Time) error {
	if !becameEmpty {
		return nil
	}
	now = now.UTC()
	newer, err := t.store.DeleteUnlessNewer(ctx, store.PartitionPresence, userID, now)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrStorageUnavailable, err)
	}
	if newer {
		// A later connect already marked the user online again.
		transitionsTotal.WithLabelValues("superseded").Inc()
		t.logger.Printf("skip offline transition user=%s at=%s: superseded by a later connect", userID, now.Format(time.RFC3339Nano))
		return nil
	}
	record := store.Item{
		Partition: store.PartitionLastActivity,
		Key:       userID,
		At:        now,
		ExpiresAt: now.Add(t.retention),
	}
	if err := t.store.Put(ctx, record); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrStorageUnavailable, err)
	}
	transitionsTotal.WithLabelValues("offline").Inc()
	observability.RecordPresenceTransition(now)
	t.publish(ctx, userID, false, now)
	return nil
}

func (t *Tracker) publish(ctx context.Context, userID string, online bool, now time.Time) {
	event, err := events.NewPresenceChanged(userID, online, now)
	if err == nil {
		err = t.publisher.Publish(ctx, event)
	}
	if err != nil {
		publishFailuresTotal.Inc()
		t.logger.Printf("publish presence change user=%s online=%t: %v", userID, online, err)
	}
}

// Presence returns the user's presence record, or nil when the user is offline.
func (t *Tracker) Presence(ctx context.Context, userID string) (*domain.PresenceStatus, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrInvalidArgument)
	}
	item, err := t.store.Get(ctx, store.PartitionPresence, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrStorageUnavailable, err)
	}
	if item == nil {
		return nil, nil
	}
	return &domain.PresenceStatus{UserID: userID, Since: item.At}, nil
}

// IsOnline reports whether the user currently has a presence record.
func (t *Tracker) IsOnline(ctx context.Context, userID string) (bool, error) {
	status, err := t.Presence(ctx, userID)
	if err != nil {
		return false, err
	}
	return status != nil, nil
}

// LastActivity returns the user's last-activity record, or nil when none exists.
func (t *Tracker) LastActivity(ctx context.Context, userID string) (*domain.LastActivityRecord, error) {
	item, err := t.store.Get(ctx, store.PartitionLastActivity, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrStorageUnavailable, err)
	}
	if item == nil {
		return nil, nil
	}
	return &domain.LastActivityRecord{UserID: userID, LastSeenAt: item.At, ExpiresAt: item.ExpiresAt}, nil
}

// BulkStatus resolves the status of each distinct, non-empty user id. Online users report the
// current time as last seen; users never seen report a nil LastSeenAt.
func (t *Tracker) BulkStatus(ctx context.Context, userIDs []string) (map[string]domain.Status, error) {
	ids := distinct(userIDs)
	out := make(map[string]domain.Status, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	online, err := t.store.BatchGet(ctx, store.PartitionPresence, ids)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrStorageUnavailable, err)
	}

	offline := make([]string, 0, len(ids))
	now := t.clock()
	for _, id := range ids {
		if _, ok := online[id]; ok {
			seen := now
			out[id] = domain.Status{UserID: id, IsOnline: true, LastSeenAt: &seen}
			continue
		}
		offline = append(offline, id)
	}
	if len(offline) == 0 {
		return out, nil
	}

	last, err := t.store.BatchGet(ctx, store.PartitionLastActivity, offline)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrStorageUnavailable, err)
	}
	for _, id := range offline {
		status := domain.Status{UserID: id}
		if item, ok := last[id]; ok {
			seen := item.At
			status.LastSeenAt = &seen
		}
		out[id] = status
	}
	return out, nil
}

// ListOnline enumerates every user with a presence record, walking all store pages.
func (t *Tracker) ListOnline(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	cursor := ""
	for {
		page, err := t.store.Scan(ctx, store.PartitionPresence, cursor, t.pageSize)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrStorageUnavailable, err)
		}
		for _, item := range page.Items {
			seen[item.Key] = struct{}{}
		}
		if page.Next == "" {
			break
		}
		cursor = page.Next
	}

	users := make([]string, 0, len(seen))
	for id := range seen {
		users = append(users, id)
	}
	sort.Strings(users)
	return users, nil
}

// Now returns the tracker's current time.
func (t *Tracker) Now() time.Time {
	return t.clock()
}

func distinct(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
