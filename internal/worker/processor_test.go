package worker

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/betterhub/hubsync/internal/config"
	"github.com/betterhub/hubsync/internal/models"
	"github.com/betterhub/hubsync/internal/store"
)

func newTestProcessor(t *testing.T) (*Processor, *store.Store, *sql.DB) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hubsync.db")
	st, err := store.Open(context.Background(), path, store.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	// A second handle onto the same file lets tests rewind job schedules.
	raw, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	t.Cleanup(func() { raw.Close() })

	cfg := config.Config{
		WorkerPollInterval: 10 * time.Millisecond,
		ClaimBatchSize:     5,
	}
	return NewProcessor(cfg, st, zap.NewNop(), "test-worker"), st, raw
}

func TestTickExecutesAndCompletesJobs(t *testing.T) {
	ctx := context.Background()
	p, st, _ := newTestProcessor(t)

	var handled []string
	p.RegisterHandler("repo_sync", func(_ context.Context, job models.SyncJob) error {
		handled = append(handled, job.DedupeKey)
		return nil
	})

	for _, key := range []string{"a", "b"} {
		if _, err := st.Enqueue(ctx, "1", key, "repo_sync", nil); err != nil {
			t.Fatalf("enqueue %s: %v", key, err)
		}
	}

	if err := p.tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(handled) != 2 {
		t.Fatalf("handled %d jobs, want 2", len(handled))
	}

	// Completed jobs leave no rows behind.
	depth, err := st.QueueDepth(ctx)
	if err != nil {
		t.Fatalf("queue depth: %v", err)
	}
	if depth != 0 {
		t.Fatalf("queue depth after success = %d, want 0", depth)
	}
	if jobs, _ := st.FailedJobs(ctx, "1"); len(jobs) != 0 {
		t.Fatalf("no jobs should have failed")
	}
}

func TestTickRecordsFailureForRetry(t *testing.T) {
	ctx := context.Background()
	p, st, _ := newTestProcessor(t)

	p.RegisterHandler("repo_sync", func(context.Context, models.SyncJob) error {
		return errors.New("github unavailable")
	})

	if _, err := st.Enqueue(ctx, "1", "a", "repo_sync", nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := p.tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	// The job backed off; it is pending again but not yet due.
	users, err := st.DueUsers(ctx, 10)
	if err != nil {
		t.Fatalf("due users: %v", err)
	}
	if len(users) != 0 {
		t.Fatalf("job should be in backoff, due users = %v", users)
	}
	if jobs, _ := st.FailedJobs(ctx, "1"); len(jobs) != 0 {
		t.Fatalf("single failure must not dead-letter")
	}
}

func TestTickDeadLettersUnknownJobType(t *testing.T) {
	ctx := context.Background()
	p, st, raw := newTestProcessor(t)

	if _, err := st.Enqueue(ctx, "1", "mystery", "unmapped_type", nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// A job with no registered handler fails every attempt until it
	// dead-letters. Walk it through all eight.
	for i := 0; i < 8; i++ {
		if err := p.tick(ctx); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
		forceDueAll(t, raw)
	}

	failed, err := st.FailedJobs(ctx, "1")
	if err != nil {
		t.Fatalf("failed jobs: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("expected 1 dead-lettered job, got %d", len(failed))
	}
	if failed[0].LastError == nil || *failed[0].LastError == "" {
		t.Fatalf("dead-lettered job should carry its last error")
	}
}

// forceDueAll rewinds every job's schedule so backoff does not stall the test.
func forceDueAll(t *testing.T, raw *sql.DB) {
	t.Helper()
	past := time.Now().UTC().Add(-time.Minute).UnixMilli()
	if _, err := raw.Exec(`UPDATE sync_jobs SET next_attempt_at = ?`, past); err != nil {
		t.Fatalf("force due: %v", err)
	}
}
