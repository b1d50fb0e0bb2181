package githubfetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v68/github"
	"go.uber.org/zap"

	"github.com/betterhub/hubsync/internal/models"
	"github.com/betterhub/hubsync/internal/ratelimit"
	"github.com/betterhub/hubsync/internal/store"
)

// Job types executed by the fetcher. API callers enqueue these; the worker
// routes them back here by type.
const (
	JobTypeRepoSync         = "repo_sync"
	JobTypePullRequestSync  = "pull_request_sync"
	JobTypeIssueSync        = "issue_sync"
	JobTypeNotificationSync = "notification_sync"
)

// ErrBudgetExhausted is returned when a user's GitHub API budget has no room
// for the fetch. The job fails and retries once the bucket refills.
var ErrBudgetExhausted = errors.New("github api budget exhausted")

const maxPages = 10

// Fetcher executes refresh jobs against the GitHub API and writes the results
// into the cache store.
type Fetcher struct {
	client *github.Client
	store  *store.Store
	budget *ratelimit.Budget // nil disables budgeting
	logger *zap.Logger
}

// New builds a fetcher. token may be empty for anonymous access; baseURL
// overrides the API endpoint for GitHub Enterprise or tests.
func New(st *store.Store, budget *ratelimit.Budget, logger *zap.Logger, token, baseURL string) (*Fetcher, error) {
	client := github.NewClient(nil)
	if token != "" {
		client = client.WithAuthToken(token)
	}
	if baseURL != "" {
		u, err := url.Parse(strings.TrimSuffix(baseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("parse github base url: %w", err)
		}
		client.BaseURL = u
	}
	return &Fetcher{client: client, store: st, budget: budget, logger: logger}, nil
}

// repoScopedPayload addresses a single repository.
type repoScopedPayload struct {
	Owner string `json:"owner"`
	Repo  string `json:"repo"`
}

type ownerPayload struct {
	Owner string `json:"owner"`
}

// RepoSummary is the cached shape of a repository.
type RepoSummary struct {
	FullName      string    `json:"full_name"`
	Description   string    `json:"description,omitempty"`
	DefaultBranch string    `json:"default_branch"`
	Private       bool      `json:"private"`
	Stars         int       `json:"stars"`
	OpenIssues    int       `json:"open_issues"`
	PushedAt      time.Time `json:"pushed_at"`
}

// PullSummary is the cached shape of a pull request.
type PullSummary struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	State     string    `json:"state"`
	Author    string    `json:"author"`
	Draft     bool      `json:"draft"`
	HeadRef   string    `json:"head_ref"`
	BaseRef   string    `json:"base_ref"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IssueSummary is the cached shape of an issue.
type IssueSummary struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	State     string    `json:"state"`
	Author    string    `json:"author"`
	Labels    []string  `json:"labels,omitempty"`
	Comments  int       `json:"comments"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NotificationSummary is the cached shape of a notification thread.
type NotificationSummary struct {
	Repo      string    `json:"repo"`
	Subject   string    `json:"subject"`
	Type      string    `json:"type"`
	Reason    string    `json:"reason"`
	Unread    bool      `json:"unread"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (f *Fetcher) reserve(ctx context.Context, userID string, cost int) error {
	if f.budget == nil {
		return nil
	}
	allowed, _, err := f.budget.AllowN(ctx, userID, cost)
	if err != nil {
		return fmt.Errorf("check api budget: %w", err)
	}
	if !allowed {
		return ErrBudgetExhausted
	}
	return nil
}

// SyncRepos refreshes the repository list for the owner named in the payload.
func (f *Fetcher) SyncRepos(ctx context.Context, job models.SyncJob) error {
	var p ownerPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decode repo sync payload: %w", err)
	}
	if p.Owner == "" {
		p.Owner = job.UserID
	}
	if err := f.reserve(ctx, job.UserID, maxPages); err != nil {
		return err
	}

	opts := &github.RepositoryListByUserOptions{
		Sort:        "pushed",
		ListOptions: github.ListOptions{PerPage: 100},
	}
	var summaries []RepoSummary
	for page := 0; page < maxPages; page++ {
		repos, resp, err := f.client.Repositories.ListByUser(ctx, p.Owner, opts)
		if err != nil {
			return fmt.Errorf("list repos for %s: %w", p.Owner, err)
		}
		for _, r := range repos {
			summaries = append(summaries, RepoSummary{
				FullName:      r.GetFullName(),
				Description:   r.GetDescription(),
				DefaultBranch: r.GetDefaultBranch(),
				Private:       r.GetPrivate(),
				Stars:         r.GetStargazersCount(),
				OpenIssues:    r.GetOpenIssuesCount(),
				PushedAt:      r.GetPushedAt().Time,
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	f.logger.Debug("synced repos", zap.String("user", job.UserID), zap.String("owner", p.Owner), zap.Int("count", len(summaries)))
	return store.CacheUpsertAs(ctx, f.store, job.UserID, "repos:"+p.Owner, "repo_list", summaries)
}

// SyncPullRequests refreshes open pull requests for one repository.
func (f *Fetcher) SyncPullRequests(ctx context.Context, job models.SyncJob) error {
	var p repoScopedPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decode pull request sync payload: %w", err)
	}
	if p.Owner == "" || p.Repo == "" {
		return fmt.Errorf("pull request sync requires owner and repo")
	}
	if err := f.reserve(ctx, job.UserID, maxPages); err != nil {
		return err
	}

	opts := &github.PullRequestListOptions{
		State:       "open",
		Sort:        "updated",
		Direction:   "desc",
		ListOptions: github.ListOptions{PerPage: 100},
	}
	var summaries []PullSummary
	for page := 0; page < maxPages; page++ {
		pulls, resp, err := f.client.PullRequests.List(ctx, p.Owner, p.Repo, opts)
		if err != nil {
			return fmt.Errorf("list pulls for %s/%s: %w", p.Owner, p.Repo, err)
		}
		for _, pr := range pulls {
			summaries = append(summaries, PullSummary{
				Number:    pr.GetNumber(),
				Title:     pr.GetTitle(),
				State:     pr.GetState(),
				Author:    pr.GetUser().GetLogin(),
				Draft:     pr.GetDraft(),
				HeadRef:   pr.GetHead().GetRef(),
				BaseRef:   pr.GetBase().GetRef(),
				UpdatedAt: pr.GetUpdatedAt().Time,
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	key := fmt.Sprintf("pulls:%s/%s", p.Owner, p.Repo)
	return store.CacheUpsertAs(ctx, f.store, job.UserID, key, "pull_requests", summaries)
}

// SyncIssues refreshes open issues for one repository. Pull requests surfaced
// by the issues API are skipped; they have their own sync.
func (f *Fetcher) SyncIssues(ctx context.Context, job models.SyncJob) error {
	var p repoScopedPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decode issue sync payload: %w", err)
	}
	if p.Owner == "" || p.Repo == "" {
		return fmt.Errorf("issue sync requires owner and repo")
	}
	if err := f.reserve(ctx, job.UserID, maxPages); err != nil {
		return err
	}

	opts := &github.IssueListByRepoOptions{
		State:       "open",
		Sort:        "updated",
		Direction:   "desc",
		ListOptions: github.ListOptions{PerPage: 100},
	}
	var summaries []IssueSummary
	for page := 0; page < maxPages; page++ {
		issues, resp, err := f.client.Issues.ListByRepo(ctx, p.Owner, p.Repo, opts)
		if err != nil {
			return fmt.Errorf("list issues for %s/%s: %w", p.Owner, p.Repo, err)
		}
		for _, is := range issues {
			if is.IsPullRequest() {
				continue
			}
			labels := make([]string, 0, len(is.Labels))
			for _, l := range is.Labels {
				labels = append(labels, l.GetName())
			}
			summaries = append(summaries, IssueSummary{
				Number:    is.GetNumber(),
				Title:     is.GetTitle(),
				State:     is.GetState(),
				Author:    is.GetUser().GetLogin(),
				Labels:    labels,
				Comments:  is.GetComments(),
				UpdatedAt: is.GetUpdatedAt().Time,
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	key := fmt.Sprintf("issues:%s/%s", p.Owner, p.Repo)
	return store.CacheUpsertAs(ctx, f.store, job.UserID, key, "issues", summaries)
}

// SyncNotifications refreshes the authenticated user's notification inbox.
func (f *Fetcher) SyncNotifications(ctx context.Context, job models.SyncJob) error {
	if err := f.reserve(ctx, job.UserID, maxPages); err != nil {
		return err
	}

	opts := &github.NotificationListOptions{
		All:         true,
		ListOptions: github.ListOptions{PerPage: 50},
	}
	var summaries []NotificationSummary
	for page := 0; page < maxPages; page++ {
		notifications, resp, err := f.client.Activity.ListNotifications(ctx, opts)
		if err != nil {
			return fmt.Errorf("list notifications: %w", err)
		}
		for _, n := range notifications {
			summaries = append(summaries, NotificationSummary{
				Repo:      n.GetRepository().GetFullName(),
				Subject:   n.GetSubject().GetTitle(),
				Type:      n.GetSubject().GetType(),
				Reason:    n.GetReason(),
				Unread:    n.GetUnread(),
				UpdatedAt: n.GetUpdatedAt().Time,
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return store.CacheUpsertAs(ctx, f.store, job.UserID, "notifications", "notifications", summaries)
}
