package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/betterhub/hubsync/internal/models"
)

// CacheGet returns the cached entry for (userID, cacheKey), or nil on a miss.
// The store never interprets Data; staleness is judged by the caller from
// SyncedAt.
func (s *Store) CacheGet(ctx context.Context, userID, cacheKey string) (*models.CacheEntry, error) {
	var (
		entry    models.CacheEntry
		data     string
		syncedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT cache_type, data, synced_at FROM cache_entries
		WHERE user_id = ? AND cache_key = ?
	`, userID, cacheKey).Scan(&entry.CacheType, &data, &syncedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query cache entry: %w", err)
	}
	entry.UserID = userID
	entry.CacheKey = cacheKey
	entry.Data = json.RawMessage(data)
	entry.SyncedAt = time.UnixMilli(syncedAt).UTC()
	return &entry, nil
}

// CacheUpsert inserts or replaces the entry for (userID, cacheKey) and
// refreshes synced_at. Last writer wins; there is no versioning.
func (s *Store) CacheUpsert(ctx context.Context, userID, cacheKey, cacheType string, data json.RawMessage) error {
	if data == nil {
		data = json.RawMessage(`null`)
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO cache_entries (user_id, cache_key, cache_type, data, synced_at)
		VALUES (?, ?, ?, ?, ?)
	`, userID, cacheKey, cacheType, string(data), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

// CacheGetAs decodes the cached payload into T. A miss returns (nil, zero, nil).
func CacheGetAs[T any](ctx context.Context, s *Store, userID, cacheKey string) (*T, time.Time, error) {
	entry, err := s.CacheGet(ctx, userID, cacheKey)
	if err != nil || entry == nil {
		return nil, time.Time{}, err
	}
	var v T
	if err := json.Unmarshal(entry.Data, &v); err != nil {
		return nil, time.Time{}, fmt.Errorf("decode cache entry %s/%s: %w", userID, cacheKey, err)
	}
	return &v, entry.SyncedAt, nil
}

// CacheUpsertAs marshals v and stores it under (userID, cacheKey).
func CacheUpsertAs[T any](ctx context.Context, s *Store, userID, cacheKey, cacheType string, v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode cache entry %s/%s: %w", userID, cacheKey, err)
	}
	return s.CacheUpsert(ctx, userID, cacheKey, cacheType, data)
}
