// Package domain defines the core types and error taxonomy of the presence service.
package domain

import (
	"errors"
	"sort"
	"time"
)

var (
	// ErrUnauthorized indicates a missing or invalid identity token.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrStorageUnavailable indicates the backing store could not be reached. Callers may retry.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrGone indicates the remote endpoint of a connection is confirmed closed.
	ErrGone = errors.New("connection gone")
	// ErrTransientDelivery indicates a push failed for a reason other than the connection being gone.
	ErrTransientDelivery = errors.New("transient delivery failure")
	// ErrMalformedInput indicates an inbound payload that could not be parsed.
	ErrMalformedInput = errors.New("malformed input")
	// ErrInvalidArgument is returned for empty user or connection identifiers.
	ErrInvalidArgument = errors.New("invalid argument")
)

// ConnectionRecord identifies one live duplex session.
type ConnectionRecord struct {
	UserID       string
	ConnectionID string
	ConnectedAt  time.Time
}

// UserConnectionSet is the aggregate of a user's live connections. A non-empty set means online.
type UserConnectionSet struct {
	UserID      string
	Connections []ConnectionRecord
}

// IDs returns the connection ids in the set.
func (s UserConnectionSet) IDs() []string {
	ids := make([]string, 0, len(s.Connections))
	for _, c := range s.Connections {
		ids = append(ids, c.ConnectionID)
	}
	return ids
}

// PresenceStatus exists for a user while they are online.
type PresenceStatus struct {
	UserID string
	Since  time.Time
}

// LastActivityRecord is written when a user's connection set becomes empty.
type LastActivityRecord struct {
	UserID     string
	LastSeenAt time.Time
	ExpiresAt  time.Time
}

// Status is the presence answer for one user. LastSeenAt is nil when the user was never seen.
type Status struct {
	UserID     string
	IsOnline   bool
	LastSeenAt *time.Time
}

// DeliveryReport summarises one fan-out.
type DeliveryReport struct {
	UserID       string
	Attempted    int
	Delivered    int
	Pruned       int
	DeliveredIDs []string
	PrunedIDs    []string
	BecameEmpty  bool
}

// Normalize sorts the id slices so reports compare deterministically.
func (r *DeliveryReport) Normalize() {
	sort.Strings(r.DeliveredIDs)
	sort.Strings(r.PrunedIDs)
	r.Delivered = len(r.DeliveredIDs)
	r.Pruned = len(r.PrunedIDs)
}
