package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/betterhub/hubsync/internal/config"
	"github.com/betterhub/hubsync/internal/models"
	"github.com/betterhub/hubsync/internal/store"
)

func newTestServer(t *testing.T) (*httptest.Server, *store.Store) {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "hubsync.db"), store.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	srv := httptest.NewServer(New(config.Load(), st, nil, zap.NewNop()).Router())
	t.Cleanup(srv.Close)
	return srv, st
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func TestRefreshEnqueuesAndDedupes(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/refresh", `{"user_id":"1","job_type":"repo_sync","dedupe_key":"refresh:repoA","payload":{}}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var out struct {
		Enqueued bool `json:"enqueued"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.Enqueued {
		t.Fatalf("first refresh should enqueue")
	}

	resp2 := postJSON(t, srv.URL+"/refresh", `{"user_id":"1","job_type":"repo_sync","dedupe_key":"refresh:repoA"}`)
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusAccepted {
		t.Fatalf("duplicate refresh status = %d, want 202", resp2.StatusCode)
	}
	if err := json.NewDecoder(resp2.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Enqueued {
		t.Fatalf("duplicate refresh should report enqueued=false")
	}
}

func TestRefreshValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	for name, body := range map[string]string{
		"missing user": `{"job_type":"repo_sync"}`,
		"missing type": `{"user_id":"1"}`,
		"bad json":     `{`,
	} {
		resp := postJSON(t, srv.URL+"/refresh", body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: status = %d, want 400", name, resp.StatusCode)
		}
	}
}

func TestCacheEndpoint(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := context.Background()

	resp, err := http.Get(srv.URL + "/cache/1/repos:octocat")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("miss status = %d, want 404", resp.StatusCode)
	}

	if err := st.CacheUpsert(ctx, "1", "repos:octocat", "repo_list", json.RawMessage(`["x"]`)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	resp, err = http.Get(srv.URL + "/cache/1/repos:octocat")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("hit status = %d, want 200", resp.StatusCode)
	}
	var entry models.CacheEntry
	if err := json.NewDecoder(resp.Body).Decode(&entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(entry.Data) != `["x"]` || entry.CacheType != "repo_list" {
		t.Fatalf("entry = %+v", entry)
	}
}

func TestCacheEndpointKeyWithSlash(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := context.Background()

	if err := st.CacheUpsert(ctx, "1", "pulls:octocat/hello-world", "pull_requests", json.RawMessage(`[]`)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	resp, err := http.Get(srv.URL + "/cache/1/pulls:octocat/hello-world")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 for slash-bearing cache key", resp.StatusCode)
	}
	var entry models.CacheEntry
	if err := json.NewDecoder(resp.Body).Decode(&entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entry.CacheKey != "pulls:octocat/hello-world" {
		t.Fatalf("cache_key = %q", entry.CacheKey)
	}
}

func TestFailedJobsAndRequeue(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := context.Background()

	if _, err := st.Enqueue(ctx, "1", "k", "repo_sync", nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	jobs, err := st.ClaimDue(ctx, "1", 1)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("claim: jobs=%d err=%v", len(jobs), err)
	}
	if _, err := st.MarkFailed(ctx, jobs[0].ID, 7, "permanent"); err != nil {
		t.Fatalf("dead-letter: %v", err)
	}

	resp, err := http.Get(srv.URL + "/users/1/jobs/failed")
	if err != nil {
		t.Fatalf("get failed jobs: %v", err)
	}
	defer resp.Body.Close()
	var listing struct {
		Jobs []models.SyncJob `json:"jobs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(listing.Jobs) != 1 || listing.Jobs[0].Status != models.StatusFailed {
		t.Fatalf("failed listing = %+v", listing.Jobs)
	}

	resp2 := postJSON(t, fmt.Sprintf("%s/jobs/%d/requeue", srv.URL, jobs[0].ID), "")
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("requeue status = %d, want 200", resp2.StatusCode)
	}

	// Requeueing it again conflicts: it is pending now, not failed.
	resp3 := postJSON(t, fmt.Sprintf("%s/jobs/%d/requeue", srv.URL, jobs[0].ID), "")
	resp3.Body.Close()
	if resp3.StatusCode != http.StatusConflict {
		t.Fatalf("second requeue status = %d, want 409", resp3.StatusCode)
	}
}
