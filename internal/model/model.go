// Package model contains the domain types shared across the triage
// pipeline. These types are independent of Slack and GitHub wire formats;
// the client packages normalize into them at their boundaries.
package model

import (
	"fmt"
	"strconv"
	"time"
)

// PullRequestRef identifies a pull request on a code-hosting service.
// Two refs are equal iff all four fields match; the struct is used
// directly as a map key for batch deduplication.
type PullRequestRef struct {
	Host   string
	Owner  string
	Repo   string
	Number int
}

// String returns the canonical short form, e.g. "github.com/acme/widgets#42".
func (r PullRequestRef) String() string {
	return fmt.Sprintf("%s/%s/%s#%d", r.Host, r.Owner, r.Repo, r.Number)
}

// URL returns the browsable pull request URL.
func (r PullRequestRef) URL() string {
	return fmt.Sprintf("https://%s/%s/%s/pull/%d", r.Host, r.Owner, r.Repo, r.Number)
}

// PRState is the lifecycle state of a pull request.
type PRState string

const (
	PRStateOpen    PRState = "open"
	PRStateMerged  PRState = "merged"
	PRStateClosed  PRState = "closed"
	PRStateDraft   PRState = "draft"
	PRStateUnknown PRState = "unknown"
)

// ReviewState is the aggregate review decision on a pull request.
type ReviewState string

const (
	ReviewApproved         ReviewState = "approved"
	ReviewChangesRequested ReviewState = "changes_requested"
	ReviewPending          ReviewState = "pending"
	ReviewNone             ReviewState = "none"
)

// ChecksState is the aggregate CI status on the head commit.
type ChecksState string

const (
	ChecksPassing ChecksState = "passing"
	ChecksFailing ChecksState = "failing"
	ChecksPending ChecksState = "pending"
	ChecksNone    ChecksState = "none"
)

// Mergeable is a tri-state mergeability signal. GitHub computes it
// lazily, so "unknown" is a normal answer shortly after a push.
type Mergeable string

const (
	MergeableYes     Mergeable = "yes"
	MergeableNo      Mergeable = "no"
	MergeableUnknown Mergeable = "unknown"
)

// PullRequestStatus is an immutable snapshot of a pull request's state
// at ResolvedAt. A new fetch produces a new value.
type PullRequestStatus struct {
	State       PRState
	ReviewState ReviewState
	ChecksState ChecksState
	Mergeable   Mergeable
	Title       string
	Author      string
	CreatedAt   time.Time
	ResolvedAt  time.Time
}

// AttentionReason explains an attention verdict.
type AttentionReason string

const (
	ReasonMerged           AttentionReason = "merged"
	ReasonClosed           AttentionReason = "closed"
	ReasonChangesRequested AttentionReason = "changes_requested"
	ReasonChecksFailing    AttentionReason = "checks_failing"
	ReasonConflict         AttentionReason = "conflict"
	ReasonStaleDraft       AttentionReason = "stale_draft"
	ReasonNone             AttentionReason = "none"
)

// AttentionVerdict is the classifier output: whether a pull request
// still needs human attention, and why.
type AttentionVerdict struct {
	NeedsAttention bool
	Reason         AttentionReason
}

// Message is a chat message as fetched from the message source.
// ID is the Slack message timestamp, which doubles as the channel-unique
// message identifier. Reactions holds the emoji names already present on
// the message so existing reactions can suppress duplicates.
type Message struct {
	ChannelID string
	ID        string
	Timestamp time.Time
	Text      string
	AuthorID  string
	Reactions []string
}

// ParseSlackTS converts a Slack "seconds.micros" timestamp string to a
// time.Time. Returns the zero time for unparseable input.
func ParseSlackTS(ts string) time.Time {
	f, err := strconv.ParseFloat(ts, 64)
	if err != nil {
		return time.Time{}
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

// FormatSlackTS converts a time.Time to the Slack timestamp string form.
func FormatSlackTS(t time.Time) string {
	return fmt.Sprintf("%d.%06d", t.Unix(), t.Nanosecond()/1000)
}

// TSLess compares two Slack timestamp strings numerically.
func TSLess(a, b string) bool {
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	if errA != nil || errB != nil {
		return a < b
	}
	return fa < fb
}
