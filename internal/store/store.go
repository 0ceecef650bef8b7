// Package store defines the keyed storage boundary used by the registry and presence tracker.
package store

import (
	"context"
	"time"
)

// Partition is the logical entity type an item belongs to.
type Partition string

const (
	PartitionConnections  Partition = "connections"
	PartitionPresence     Partition = "presence"
	PartitionLastActivity Partition = "last-activity"
)

// Member is one element of a set-typed record.
type Member struct {
	ID      string
	AddedAt time.Time
}

// Mutation reports the size of a set immediately before and after an atomic element operation.
type Mutation struct {
	Before int
	After  int
}

// Changed reports whether the operation added or removed at least one element.
func (m Mutation) Changed() bool {
	return m.Before != m.After
}

// Item is a point record keyed by partition and key. A zero ExpiresAt means no retention horizon.
type Item struct {
	Partition Partition
	Key       string
	At        time.Time
	ExpiresAt time.Time
}

// Page is one page of a partition scan. Next is empty on the last page.
type Page struct {
	Items []Item
	Next  string
}

// Store is the keyed store capability. Element operations must be atomic per (partition, key):
// implementations may never read a whole set, mutate it in memory and write it back.
type Store interface {
	// AddMember adds one element to the set at (p, key). Adding an existing element is a no-op.
	AddMember(ctx context.Context, p Partition, key string, member Member) (Mutation, error)
	// RemoveMembers removes the given elements as one atomic mutation. Absent elements are ignored.
	RemoveMembers(ctx context.Context, p Partition, key string, ids ...string) (Mutation, error)
	// Members lists the elements of the set at (p, key). Unknown keys yield an empty slice.
	Members(ctx context.Context, p Partition, key string) ([]Member, error)

	// Get returns the item or nil when absent.
	Get(ctx context.Context, p Partition, key string) (*Item, error)
	// Put writes the item, overwriting any previous value.
	Put(ctx context.Context, item Item) error
	// Delete removes the item. Deleting an absent item is not an error.
	Delete(ctx context.Context, p Partition, key string) error
	// DeleteUnlessNewer removes the item unless its At is after at, as one atomic step. It
	// reports true when a newer item exists and was kept.
	DeleteUnlessNewer(ctx context.Context, p Partition, key string, at time.Time) (bool, error)
	// Scan returns up to limit items of the partition starting after cursor.
	Scan(ctx context.Context, p Partition, cursor string, limit int) (Page, error)
	// BatchGet returns the items that exist among keys, indexed by key.
	BatchGet(ctx context.Context, p Partition, keys []string) (map[string]Item, error)
}

// Expirer is implemented by stores without native TTL support.
type Expirer interface {
	// DeleteExpired removes up to limit items of the partition whose ExpiresAt is before cutoff.
	DeleteExpired(ctx context.Context, p Partition, cutoff time.Time, limit int) (int, error)
}
