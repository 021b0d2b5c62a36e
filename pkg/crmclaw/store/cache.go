// cache.go implements the persisted cache rows. TTL logic lives in the
// cache package; this layer only does keyed reads, atomic upserts, and
// expiry sweeps.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CacheEntry is one cached payload for (org, key).
type CacheEntry struct {
	OrgID      string
	CacheKey   string
	Payload    []byte
	FetchedAt  time.Time
	TTLSeconds int
}

// Expired reports whether the entry is past fetched_at + ttl at the given time.
func (e *CacheEntry) Expired(at time.Time) bool {
	return at.After(e.FetchedAt.Add(time.Duration(e.TTLSeconds) * time.Second))
}

// GetCacheEntry loads one entry or ErrNotFound.
func (s *Store) GetCacheEntry(ctx context.Context, orgID, key string) (*CacheEntry, error) {
	var e CacheEntry
	var fetched string
	err := s.db.QueryRowContext(ctx,
		`SELECT org_id, cache_key, payload, fetched_at, ttl_seconds
		 FROM cache_entries WHERE org_id = ? AND cache_key = ?`,
		orgID, key).Scan(&e.OrgID, &e.CacheKey, &e.Payload, &fetched, &e.TTLSeconds)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cache entry: %w", err)
	}
	e.FetchedAt = parseTime(fetched)
	return &e, nil
}

// UpsertCacheEntry writes an entry, replacing any previous payload for the
// same (org, key). Single atomic write — last writer wins.
func (s *Store) UpsertCacheEntry(ctx context.Context, orgID, key string, payload []byte, ttlSeconds int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (org_id, cache_key, payload, fetched_at, ttl_seconds)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(org_id, cache_key) DO UPDATE SET
			payload = excluded.payload,
			fetched_at = excluded.fetched_at,
			ttl_seconds = excluded.ttl_seconds`,
		orgID, key, payload, now(), ttlSeconds)
	if err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

// DeleteCacheEntry removes one entry. Deleting a missing entry is a no-op.
func (s *Store) DeleteCacheEntry(ctx context.Context, orgID, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE org_id = ? AND cache_key = ?`, orgID, key)
	if err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

// SweepExpiredCacheEntries deletes every entry past its TTL at the given
// time. Returns the number of rows removed.
func (s *Store) SweepExpiredCacheEntries(ctx context.Context, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM cache_entries
		WHERE julianday(?) > julianday(fetched_at) + ttl_seconds / 86400.0`,
		at.UTC().Format(tsFormat))
	if err != nil {
		return 0, fmt.Errorf("sweep cache entries: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Debug("swept expired cache entries", "removed", n)
	}
	return n, nil
}
