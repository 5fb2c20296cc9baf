// Package github is the code-hosting status provider: a small REST
// client that fetches a pull request's live state and normalizes it into
// the fixed PullRequestStatus shape. Unknown or missing fields map to
// explicit unknown/none sentinels, never silent coercion.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/prsweep/prsweep/internal/model"
)

const (
	defaultAPIURL = "https://api.github.com"
	pageSize      = 100
)

// Review authors treated as bots and ignored when deriving the review
// state, matching the common review integrations.
var defaultBotReviewers = []string{
	"cursor",
	"chatgpt-codex-connector",
	"graphite-app",
}

// Client fetches pull request status from the GitHub REST API.
type Client struct {
	apiURL       string
	token        string
	client       *http.Client
	limiter      *rate.Limiter
	botReviewers map[string]struct{}
}

// NewClient creates a GitHub client. The token is read from the given
// environment variable; apiURL overrides the public endpoint for GHE.
func NewClient(apiURL, tokenEnv string, botReviewers []string) *Client {
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	if tokenEnv == "" {
		tokenEnv = "GITHUB_TOKEN"
	}
	if botReviewers == nil {
		botReviewers = defaultBotReviewers
	}
	bots := make(map[string]struct{}, len(botReviewers))
	for _, b := range botReviewers {
		bots[strings.ToLower(b)] = struct{}{}
	}
	return &Client{
		apiURL: strings.TrimSuffix(apiURL, "/"),
		token:  os.Getenv(tokenEnv),
		client: &http.Client{Timeout: 30 * time.Second},
		// Keep well under GitHub's secondary rate limits.
		limiter:      rate.NewLimiter(rate.Limit(5), 5),
		botReviewers: bots,
	}
}

// IsConfigured returns whether an API token is available.
func (c *Client) IsConfigured() bool {
	return c.token != ""
}

type pullResponse struct {
	State     string    `json:"state"`
	Draft     bool      `json:"draft"`
	Title     string    `json:"title"`
	MergedAt  *string   `json:"merged_at"`
	Mergeable *bool     `json:"mergeable"`
	CreatedAt time.Time `json:"created_at"`
	User      struct {
		Login string `json:"login"`
	} `json:"user"`
	Head struct {
		SHA string `json:"sha"`
	} `json:"head"`
}

type reviewResponse struct {
	State       string    `json:"state"`
	SubmittedAt time.Time `json:"submitted_at"`
	User        struct {
		Login string `json:"login"`
	} `json:"user"`
}

type combinedStatusResponse struct {
	State      string `json:"state"`
	TotalCount int    `json:"total_count"`
}

type checkRunsResponse struct {
	TotalCount int `json:"total_count"`
	CheckRuns  []struct {
		Status     string `json:"status"`
		Conclusion string `json:"conclusion"`
	} `json:"check_runs"`
}

// GetStatus fetches and normalizes the status snapshot for one pull
// request: the pull itself, every review page, and both check surfaces
// (legacy combined commit status and check runs, where Actions report).
func (c *Client) GetStatus(ctx context.Context, ref model.PullRequestRef) (model.PullRequestStatus, error) {
	var pull pullResponse
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d", ref.Owner, ref.Repo, ref.Number)
	if err := c.getJSON(ctx, path, &pull); err != nil {
		return model.PullRequestStatus{}, err
	}

	status := model.PullRequestStatus{
		State:       normalizeState(pull),
		ReviewState: model.ReviewNone,
		ChecksState: model.ChecksNone,
		Mergeable:   normalizeMergeable(pull.Mergeable),
		Title:       pull.Title,
		Author:      pull.User.Login,
		CreatedAt:   pull.CreatedAt,
		ResolvedAt:  time.Now(),
	}

	reviews, err := c.fetchReviews(ctx, path)
	if err != nil {
		return model.PullRequestStatus{}, err
	}
	status.ReviewState = c.normalizeReviews(reviews, pull.User.Login)

	if pull.Head.SHA != "" {
		checks, err := c.fetchChecks(ctx, ref, pull.Head.SHA)
		if err != nil {
			return model.PullRequestStatus{}, err
		}
		status.ChecksState = checks
	}

	return status, nil
}

// fetchReviews pages through all reviews. The deciding review on a
// busy PR can sit past the default page size.
func (c *Client) fetchReviews(ctx context.Context, pullPath string) ([]reviewResponse, error) {
	var reviews []reviewResponse
	for page := 1; ; page++ {
		var batch []reviewResponse
		path := fmt.Sprintf("%s/reviews?per_page=%d&page=%d", pullPath, pageSize, page)
		if err := c.getJSON(ctx, path, &batch); err != nil {
			return nil, err
		}
		reviews = append(reviews, batch...)
		if len(batch) < pageSize {
			return reviews, nil
		}
	}
}

// fetchChecks merges the legacy combined commit status with check runs.
// Repos using only Actions report nothing on the combined endpoint.
func (c *Client) fetchChecks(ctx context.Context, ref model.PullRequestRef, sha string) (model.ChecksState, error) {
	var combined combinedStatusResponse
	statusPath := fmt.Sprintf("/repos/%s/%s/commits/%s/status", ref.Owner, ref.Repo, sha)
	if err := c.getJSON(ctx, statusPath, &combined); err != nil {
		return model.ChecksNone, err
	}
	state := normalizeChecks(combined)

	for page := 1; ; page++ {
		var runs checkRunsResponse
		runsPath := fmt.Sprintf("/repos/%s/%s/commits/%s/check-runs?per_page=%d&page=%d",
			ref.Owner, ref.Repo, sha, pageSize, page)
		if err := c.getJSON(ctx, runsPath, &runs); err != nil {
			return model.ChecksNone, err
		}
		state = mergeChecks(state, normalizeCheckRuns(runs))
		if len(runs.CheckRuns) < pageSize {
			return state, nil
		}
	}
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "GET", c.apiURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}

// checkResponse maps an HTTP error response to the provider error
// taxonomy: rate-limit, transient, or permanent.
func checkResponse(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	if reset, ok := rateLimitReset(resp); ok {
		return &RateLimitError{Reset: reset}
	}

	if resp.StatusCode >= 500 {
		return &TransientError{Err: &RequestError{StatusCode: resp.StatusCode, URL: resp.Request.URL.String()}}
	}

	// 404 (missing or private repo), 401, 403 without rate-limit
	// headers: permanent, do not retry.
	return &RequestError{StatusCode: resp.StatusCode, URL: resp.Request.URL.String()}
}

// rateLimitReset detects a rate-limit response and extracts the reset
// time. GitHub uses 403/429 with X-RateLimit-Remaining: 0, or 429 with
// Retry-After.
func rateLimitReset(resp *http.Response) (time.Time, bool) {
	if resp.StatusCode != http.StatusForbidden && resp.StatusCode != http.StatusTooManyRequests {
		return time.Time{}, false
	}

	if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
		if sec, err := strconv.Atoi(retryAfter); err == nil {
			return time.Now().Add(time.Duration(sec) * time.Second), true
		}
	}

	if resp.Header.Get("X-Ratelimit-Remaining") == "0" {
		if epoch, err := strconv.ParseInt(resp.Header.Get("X-Ratelimit-Reset"), 10, 64); err == nil && epoch > 0 {
			return time.Unix(epoch, 0), true
		}
		// Remaining is zero but no usable reset header: back off a minute.
		return time.Now().Add(time.Minute), true
	}

	return time.Time{}, false
}

func normalizeState(pull pullResponse) model.PRState {
	if pull.MergedAt != nil && *pull.MergedAt != "" {
		return model.PRStateMerged
	}
	switch pull.State {
	case "closed":
		return model.PRStateClosed
	case "open":
		if pull.Draft {
			return model.PRStateDraft
		}
		return model.PRStateOpen
	}
	return model.PRStateUnknown
}

func normalizeMergeable(mergeable *bool) model.Mergeable {
	// GitHub computes mergeability lazily; null is a normal answer.
	if mergeable == nil {
		return model.MergeableUnknown
	}
	if *mergeable {
		return model.MergeableYes
	}
	return model.MergeableNo
}

// normalizeReviews derives the aggregate review state from the latest
// review per human reviewer. Self-reviews and bot reviews are ignored.
func (c *Client) normalizeReviews(reviews []reviewResponse, author string) model.ReviewState {
	latest := make(map[string]reviewResponse)
	for _, r := range reviews {
		login := r.User.Login
		if login == "" || login == author {
			continue
		}
		if _, bot := c.botReviewers[strings.ToLower(login)]; bot {
			continue
		}
		// COMMENTED reviews never override a standing decision.
		state := strings.ToUpper(r.State)
		if state != "APPROVED" && state != "CHANGES_REQUESTED" && state != "COMMENTED" {
			continue
		}
		prev, ok := latest[login]
		if ok && state == "COMMENTED" && strings.ToUpper(prev.State) != "COMMENTED" {
			continue
		}
		if !ok || !r.SubmittedAt.Before(prev.SubmittedAt) {
			latest[login] = r
		}
	}

	if len(latest) == 0 {
		return model.ReviewNone
	}

	approved := false
	for _, r := range latest {
		switch strings.ToUpper(r.State) {
		case "CHANGES_REQUESTED":
			return model.ReviewChangesRequested
		case "APPROVED":
			approved = true
		}
	}
	if approved {
		return model.ReviewApproved
	}
	return model.ReviewPending
}

func normalizeChecks(combined combinedStatusResponse) model.ChecksState {
	if combined.TotalCount == 0 {
		return model.ChecksNone
	}
	switch combined.State {
	case "success":
		return model.ChecksPassing
	case "failure", "error":
		return model.ChecksFailing
	case "pending":
		return model.ChecksPending
	}
	return model.ChecksNone
}

func normalizeCheckRuns(runs checkRunsResponse) model.ChecksState {
	if len(runs.CheckRuns) == 0 {
		return model.ChecksNone
	}
	state := model.ChecksPassing
	for _, run := range runs.CheckRuns {
		switch run.Conclusion {
		case "failure", "timed_out", "cancelled", "action_required", "startup_failure":
			return model.ChecksFailing
		}
		if run.Status != "completed" {
			state = model.ChecksPending
		}
	}
	return state
}

// mergeChecks combines the two check surfaces; a failure on either one
// wins, then pending, then passing.
func mergeChecks(a, b model.ChecksState) model.ChecksState {
	rank := func(s model.ChecksState) int {
		switch s {
		case model.ChecksFailing:
			return 3
		case model.ChecksPending:
			return 2
		case model.ChecksPassing:
			return 1
		}
		return 0
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}
