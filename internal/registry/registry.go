// Package registry owns the per-user connection sets.
package registry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"example.com/presence/internal/domain"
	"example.com/presence/internal/store"
)

// Registry maps users to their live connection ids. Every mutation is a single atomic store
// call, so concurrent connects and disconnects for one user never lose updates.
type Registry struct {
	store store.Store
}

// New constructs a Registry.
func New(s store.Store) *Registry {
	return &Registry{store: s}
}

// AddConnection records connectionID for userID. wasFirstConnection is true when the user had
// no live connections before this call.
func (r *Registry) AddConnection(ctx context.Context, userID, connectionID string, now time.Time) (bool, error) {
	if err := validate(userID, connectionID); err != nil {
		return false, err
	}
	mut, err := r.store.AddMember(ctx, store.PartitionConnections, userID, store.Member{ID: connectionID, AddedAt: now.UTC()})
	if err != nil {
		mutationsTotal.WithLabelValues("add", "error").Inc()
		return false, unavailable(err)
	}
	mutationsTotal.WithLabelValues("add", "ok").Inc()
	return mut.Before == 0 && mut.After > 0, nil
}

// RemoveConnection removes connectionID from userID's set. Removing an absent id is a no-op.
// becameEmpty is true only for the call whose removal emptied the set.
func (r *Registry) RemoveConnection(ctx context.Context, userID, connectionID string, now time.Time) (bool, error) {
	if err := validate(userID, connectionID); err != nil {
		return false, err
	}
	return r.remove(ctx, "remove", userID, []string{connectionID})
}

// RemoveConnections prunes several ids as one mutation.
func (r *Registry) RemoveConnections(ctx context.Context, userID string, connectionIDs []string, now time.Time) (bool, error) {
	if strings.TrimSpace(userID) == "" {
		return false, fmt.Errorf("%w: user id is required", domain.ErrInvalidArgument)
	}
	if len(connectionIDs) == 0 {
		return false, nil
	}
	return r.remove(ctx, "prune", userID, connectionIDs)
}

func (r *Registry) remove(ctx context.Context, op, userID string, ids []string) (bool, error) {
	mut, err := r.store.RemoveMembers(ctx, store.PartitionConnections, userID, ids...)
	if err != nil {
		mutationsTotal.WithLabelValues(op, "error").Inc()
		return false, unavailable(err)
	}
	mutationsTotal.WithLabelValues(op, "ok").Inc()
	return mut.Changed() && mut.After == 0, nil
}

// GetConnections returns the connection ids for userID, or an empty slice for unknown users.
func (r *Registry) GetConnections(ctx context.Context, userID string) ([]string, error) {
	set, err := r.Connections(ctx, userID)
	if err != nil {
		return nil, err
	}
	return set.IDs(), nil
}

// Connections returns the full connection set for userID.
func (r *Registry) Connections(ctx context.Context, userID string) (domain.UserConnectionSet, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.UserConnectionSet{}, fmt.Errorf("%w: user id is required", domain.ErrInvalidArgument)
	}
	members, err := r.store.Members(ctx, store.PartitionConnections, userID)
	if err != nil {
		return domain.UserConnectionSet{}, unavailable(err)
	}
	set := domain.UserConnectionSet{UserID: userID, Connections: make([]domain.ConnectionRecord, 0, len(members))}
	for _, m := range members {
		set.Connections = append(set.Connections, domain.ConnectionRecord{UserID: userID, ConnectionID: m.ID, ConnectedAt: m.AddedAt})
	}
	return set, nil
}

func validate(userID, connectionID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: user id is required", domain.ErrInvalidArgument)
	}
	if strings.TrimSpace(connectionID) == "" {
		return fmt.Errorf("%w: connection id is required", domain.ErrInvalidArgument)
	}
	return nil
}

// unavailable keeps the cause in the chain so callers can still match context errors.
func unavailable(err error) error {
	return fmt.Errorf("%w: %w", domain.ErrStorageUnavailable, err)
}
