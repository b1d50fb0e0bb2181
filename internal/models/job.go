package models

import (
	"encoding/json"
	"time"
)

// SyncJob statuses persisted in SQLite.
const (
	StatusPending = "pending"
	StatusRunning = "running"
	StatusFailed  = "failed"
)

// SyncJob is a pending or in-flight refresh of GitHub-derived data for one user.
// At most one job per (UserID, DedupeKey) may be pending or running at a time.
type SyncJob struct {
	ID            int64           `json:"id"`
	UserID        string          `json:"user_id"`
	DedupeKey     string          `json:"dedupe_key"`
	JobType       string          `json:"job_type"`
	Payload       json.RawMessage `json:"payload"`
	Status        string          `json:"status"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	LastError     *string         `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// CacheEntry is one cached GitHub payload for a user. Entries are overwritten
// in place on refresh and never expire inside the store; staleness policy
// belongs to the caller reading SyncedAt.
type CacheEntry struct {
	UserID    string          `json:"user_id"`
	CacheKey  string          `json:"cache_key"`
	CacheType string          `json:"cache_type"`
	Data      json.RawMessage `json:"data"`
	SyncedAt  time.Time       `json:"synced_at"`
}
