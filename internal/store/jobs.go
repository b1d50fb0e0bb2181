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

const jobColumns = `id, user_id, dedupe_key, job_type, payload, status, attempts, next_attempt_at, started_at, last_error, created_at, updated_at`

// Enqueue inserts a pending job unless an active (pending or running) job with
// the same (userID, dedupeKey) already exists. The duplicate case is a silent
// no-op, reported through the returned bool rather than an error.
func (s *Store) Enqueue(ctx context.Context, userID, dedupeKey, jobType string, payload json.RawMessage) (bool, error) {
	if payload == nil {
		payload = json.RawMessage(`{}`)
	}
	now := time.Now().UTC().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO sync_jobs (user_id, dedupe_key, job_type, payload, status, attempts, next_attempt_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)
	`, userID, dedupeKey, jobType, string(payload), models.StatusPending, now, now, now)
	if err != nil {
		return false, fmt.Errorf("enqueue job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("enqueue rows affected: %w", err)
	}
	return n == 1, nil
}

// ClaimDue reclaims expired leases, then claims up to limit due pending jobs
// for userID, oldest-scheduled-first with insertion order as the tie-break.
// Each claim is a conditional update that only applies while the row is still
// pending, so concurrent claimers never both own the same job.
func (s *Store) ClaimDue(ctx context.Context, userID string, limit int) ([]models.SyncJob, error) {
	now := time.Now().UTC()
	if err := s.reclaimExpired(ctx, now); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM sync_jobs
		WHERE user_id = ? AND status = ? AND next_attempt_at <= ?
		ORDER BY next_attempt_at, id
		LIMIT ?
	`, userID, models.StatusPending, now.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("select due jobs: %w", err)
	}
	candidates, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}

	claimed := make([]models.SyncJob, 0, len(candidates))
	for _, job := range candidates {
		res, err := s.db.ExecContext(ctx, `
			UPDATE sync_jobs SET status = ?, started_at = ?, updated_at = ?
			WHERE id = ? AND status = ?
		`, models.StatusRunning, now.UnixMilli(), now.UnixMilli(), job.ID, models.StatusPending)
		if err != nil {
			return claimed, fmt.Errorf("claim job %d: %w", job.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return claimed, fmt.Errorf("claim job %d rows affected: %w", job.ID, err)
		}
		if n != 1 {
			// Lost the race to another claimer.
			continue
		}
		started := now
		job.Status = models.StatusRunning
		job.StartedAt = &started
		job.UpdatedAt = now
		claimed = append(claimed, job)
	}
	return claimed, nil
}

// reclaimExpired resets running jobs whose lease has expired back to pending.
// A worker that was merely slow may still finish and double-execute; refreshes
// are idempotent so at-least-once is acceptable.
func (s *Store) reclaimExpired(ctx context.Context, now time.Time) error {
	cutoff := now.Add(-s.opts.LeaseTimeout).UnixMilli()
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_jobs SET status = ?, started_at = NULL, updated_at = ?
		WHERE status = ? AND started_at IS NOT NULL AND started_at <= ?
	`, models.StatusPending, now.UnixMilli(), models.StatusRunning, cutoff)
	if err != nil {
		return fmt.Errorf("reclaim expired leases: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 && s.opts.OnReclaim != nil {
		s.opts.OnReclaim(n)
	}
	return nil
}

// MarkSucceeded deletes the job; completed jobs keep no history.
func (s *Store) MarkSucceeded(ctx context.Context, jobID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_jobs WHERE id = ?`, jobID); err != nil {
		return fmt.Errorf("delete job %d: %w", jobID, err)
	}
	return nil
}

// MarkFailed records a failed attempt. Once attempts reach the configured
// maximum the job is dead-lettered; otherwise it reverts to pending with an
// exponential backoff and becomes claimable again when the backoff elapses.
// Returns the resulting status.
func (s *Store) MarkFailed(ctx context.Context, jobID int64, attempts int, errMsg string) (string, error) {
	next := attempts + 1
	msg := truncate(errMsg, s.opts.ErrorMaxLen)
	now := time.Now().UTC()

	if next >= s.opts.MaxAttempts {
		_, err := s.db.ExecContext(ctx, `
			UPDATE sync_jobs SET status = ?, attempts = ?, last_error = ?, started_at = NULL, updated_at = ?
			WHERE id = ?
		`, models.StatusFailed, next, msg, now.UnixMilli(), jobID)
		if err != nil {
			return "", fmt.Errorf("dead-letter job %d: %w", jobID, err)
		}
		return models.StatusFailed, nil
	}

	nextAttemptAt := now.Add(s.backoffDelay(next))
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_jobs SET status = ?, attempts = ?, last_error = ?, next_attempt_at = ?, started_at = NULL, updated_at = ?
		WHERE id = ?
	`, models.StatusPending, next, msg, nextAttemptAt.UnixMilli(), now.UnixMilli(), jobID)
	if err != nil {
		return "", fmt.Errorf("record failure for job %d: %w", jobID, err)
	}
	return models.StatusPending, nil
}

// backoffDelay is pure exponential (2^attempt seconds) clamped to the
// configured floor and ceiling. No jitter.
func (s *Store) backoffDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		return s.opts.BackoffCeiling
	}
	raw := time.Duration(1<<uint(attempt)) * time.Second
	if raw < s.opts.BackoffFloor {
		return s.opts.BackoffFloor
	}
	if raw > s.opts.BackoffCeiling {
		return s.opts.BackoffCeiling
	}
	return raw
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, jobID int64) (models.SyncJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM sync_jobs WHERE id = ?`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.SyncJob{}, fmt.Errorf("job %d not found: %w", jobID, err)
	}
	if err != nil {
		return models.SyncJob{}, fmt.Errorf("scan job %d: %w", jobID, err)
	}
	return job, nil
}

// FailedJobs lists dead-lettered jobs for a user, most recent failure first.
func (s *Store) FailedJobs(ctx context.Context, userID string) ([]models.SyncJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM sync_jobs
		WHERE user_id = ? AND status = ?
		ORDER BY updated_at DESC, id DESC
	`, userID, models.StatusFailed)
	if err != nil {
		return nil, fmt.Errorf("select failed jobs: %w", err)
	}
	return scanJobs(rows)
}

// Requeue resurrects a dead-lettered job for a fresh round of attempts. This
// is a manual operator action; nothing requeues failed jobs automatically.
// Returns false if the job is not in failed status or an active job with the
// same dedupe key already exists.
func (s *Store) Requeue(ctx context.Context, jobID int64) (bool, error) {
	now := time.Now().UTC().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_jobs SET status = ?, attempts = 0, last_error = NULL, next_attempt_at = ?, started_at = NULL, updated_at = ?
		WHERE id = ? AND status = ?
	`, models.StatusPending, now, now, jobID, models.StatusFailed)
	if isUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("requeue job %d: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("requeue job %d rows affected: %w", jobID, err)
	}
	return n == 1, nil
}

// DueUsers returns distinct users with pending work that is due now. Drives
// the worker loop's per-user claim cycle.
func (s *Store) DueUsers(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT user_id FROM sync_jobs
		WHERE status = ? AND next_attempt_at <= ?
		ORDER BY user_id
		LIMIT ?
	`, models.StatusPending, time.Now().UTC().UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("select due users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan due user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// QueueDepth counts pending jobs that are due now across all users.
func (s *Store) QueueDepth(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sync_jobs WHERE status = ? AND next_attempt_at <= ?
	`, models.StatusPending, time.Now().UTC().UnixMilli()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count due jobs: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (models.SyncJob, error) {
	var (
		job           models.SyncJob
		payload       string
		nextAttemptAt int64
		startedAt     sql.NullInt64
		lastError     sql.NullString
		createdAt     int64
		updatedAt     int64
	)
	err := r.Scan(&job.ID, &job.UserID, &job.DedupeKey, &job.JobType, &payload, &job.Status,
		&job.Attempts, &nextAttemptAt, &startedAt, &lastError, &createdAt, &updatedAt)
	if err != nil {
		return models.SyncJob{}, err
	}
	job.Payload = json.RawMessage(payload)
	job.NextAttemptAt = time.UnixMilli(nextAttemptAt).UTC()
	if startedAt.Valid {
		t := time.UnixMilli(startedAt.Int64).UTC()
		job.StartedAt = &t
	}
	if lastError.Valid {
		job.LastError = &lastError.String
	}
	job.CreatedAt = time.UnixMilli(createdAt).UTC()
	job.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return job, nil
}

func scanJobs(rows *sql.Rows) ([]models.SyncJob, error) {
	defer rows.Close()
	var jobs []models.SyncJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func truncate(s string, max int) string {
	if max > 0 && len(s) > max {
		return s[:max]
	}
	return s
}
