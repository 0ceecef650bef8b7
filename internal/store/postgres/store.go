// Package postgres implements store.Store on top of pgx.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/presence/internal/store"
)

// Store provides Postgres-backed keyed storage. Set mutations take a transaction-scoped
// advisory lock on (partition, key) so concurrent writers to the same set serialise.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore constructs a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const lockSet = `SELECT pg_advisory_xact_lock(hashtextextended($1::text || '/' || $2::text, 0))`

const countMembers = `SELECT COUNT(*) FROM kv_members WHERE partition=$1 AND item_key=$2`

// AddMember implements store.Store.
func (s *Store) AddMember(ctx context.Context, p store.Partition, key string, member store.Member) (store.Mutation, error) {
	var mut store.Mutation
	err := s.mutateSet(ctx, p, key, &mut, func(tx pgx.Tx) error {
		addedAt := member.AddedAt
		if addedAt.IsZero() {
			addedAt = time.Now().UTC()
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO kv_members (partition, item_key, member, added_at) VALUES ($1,$2,$3,$4)
             ON CONFLICT (partition, item_key, member) DO NOTHING`,
			string(p), key, member.ID, addedAt)
		return err
	})
	return mut, err
}

// RemoveMembers implements store.Store.
func (s *Store) RemoveMembers(ctx context.Context, p store.Partition, key string, ids ...string) (store.Mutation, error) {
	var mut store.Mutation
	err := s.mutateSet(ctx, p, key, &mut, func(tx pgx.Tx) error {
		if len(ids) == 0 {
			return nil
		}
		_, err := tx.Exec(ctx,
			`DELETE FROM kv_members WHERE partition=$1 AND item_key=$2 AND member = ANY($3)`,
			string(p), key, ids)
		return err
	})
	return mut, err
}

func (s *Store) mutateSet(ctx context.Context, p store.Partition, key string, mut *store.Mutation, apply func(pgx.Tx) error) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, lockSet, string(p), key); err != nil {
		return err
	}
	if err = tx.QueryRow(ctx, countMembers, string(p), key).Scan(&mut.Before); err != nil {
		return err
	}
	if err = apply(tx); err != nil {
		return err
	}
	if err = tx.QueryRow(ctx, countMembers, string(p), key).Scan(&mut.After); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Members implements store.Store.
func (s *Store) Members(ctx context.Context, p store.Partition, key string) ([]store.Member, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT member, added_at FROM kv_members WHERE partition=$1 AND item_key=$2 ORDER BY member`,
		string(p), key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	members := make([]store.Member, 0)
	for rows.Next() {
		var m store.Member
		if err := rows.Scan(&m.ID, &m.AddedAt); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, p store.Partition, key string) (*store.Item, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT at, expires_at FROM kv_items WHERE partition=$1 AND item_key=$2`,
		string(p), key)

	item := store.Item{Partition: p, Key: key}
	var expires *time.Time
	if err := row.Scan(&item.At, &expires); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if expires != nil {
		item.ExpiresAt = *expires
	}
	return &item, nil
}

// Put implements store.Store.
func (s *Store) Put(ctx context.Context, item store.Item) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO kv_items (partition, item_key, at, expires_at) VALUES ($1,$2,$3,$4)
         ON CONFLICT (partition, item_key) DO UPDATE SET at = EXCLUDED.at, expires_at = EXCLUDED.expires_at`,
		string(item.Partition), item.Key, item.At, nullIfZero(item.ExpiresAt))
	return err
}

// Delete implements store.Store.
func (s *Store) Delete(ctx context.Context, p store.Partition, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM kv_items WHERE partition=$1 AND item_key=$2`, string(p), key)
	return err
}

// DeleteUnlessNewer implements store.Store. The EXISTS probe reads the statement snapshot, so
// it sees the rows the DELETE left in place.
func (s *Store) DeleteUnlessNewer(ctx context.Context, p store.Partition, key string, at time.Time) (bool, error) {
	var kept bool
	err := s.pool.QueryRow(ctx,
		`WITH removed AS (
             DELETE FROM kv_items WHERE partition=$1 AND item_key=$2 AND at <= $3 RETURNING 1)
         SELECT EXISTS (SELECT 1 FROM kv_items WHERE partition=$1 AND item_key=$2 AND at > $3)`,
		string(p), key, at).Scan(&kept)
	return kept, err
}

// Scan implements store.Store. Pages are ordered by key.
func (s *Store) Scan(ctx context.Context, p store.Partition, cursor string, limit int) (store.Page, error) {
	after, err := store.DecodeCursor(p, cursor)
	if err != nil {
		return store.Page{}, err
	}
	if limit <= 0 {
		limit = 100
	}

	// One extra row tells us whether another page exists.
	rows, err := s.pool.Query(ctx,
		`SELECT item_key, at, expires_at FROM kv_items WHERE partition=$1 AND item_key > $2
         ORDER BY item_key LIMIT $3`,
		string(p), after, limit+1)
	if err != nil {
		return store.Page{}, err
	}
	defer rows.Close()

	items, err := scanItems(rows, p)
	if err != nil {
		return store.Page{}, err
	}

	page := store.Page{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		page.Next = store.EncodeCursor(p, page.Items[limit-1].Key)
	}
	return page, nil
}

// BatchGet implements store.Store.
func (s *Store) BatchGet(ctx context.Context, p store.Partition, keys []string) (map[string]store.Item, error) {
	out := make(map[string]store.Item, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT item_key, at, expires_at FROM kv_items WHERE partition=$1 AND item_key = ANY($2)`,
		string(p), keys)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items, err := scanItems(rows, p)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		out[item.Key] = item
	}
	return out, nil
}

// DeleteExpired implements store.Expirer.
func (s *Store) DeleteExpired(ctx context.Context, p store.Partition, cutoff time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 500
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM kv_items WHERE ctid IN (
             SELECT ctid FROM kv_items
             WHERE partition=$1 AND expires_at IS NOT NULL AND expires_at < $2
             LIMIT $3
             FOR UPDATE SKIP LOCKED)`,
		string(p), cutoff, limit)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// Ping verifies connectivity for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func scanItems(rows pgx.Rows, p store.Partition) ([]store.Item, error) {
	items := make([]store.Item, 0)
	for rows.Next() {
		item := store.Item{Partition: p}
		var expires *time.Time
		if err := rows.Scan(&item.Key, &item.At, &expires); err != nil {
			return nil, err
		}
		if expires != nil {
			item.ExpiresAt = *expires
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func nullIfZero(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
