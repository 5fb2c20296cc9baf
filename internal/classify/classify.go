// Package classify maps a resolved pull request status to an attention
// verdict. The rule table is evaluated in order and the first match wins;
// merged/closed are terminal and supersede every other signal, so a merged
// PR with failing checks is reported as merged.
package classify

import (
	"time"

	"github.com/prsweep/prsweep/internal/model"
)

// DefaultStaleDraftAge is the draft age beyond which a draft is
// considered abandoned and worth a nudge.
const DefaultStaleDraftAge = 7 * 24 * time.Hour

// Rule is a single row of the decision table.
type Rule struct {
	Name           string
	Matches        func(s model.PullRequestStatus, c *Classifier) bool
	NeedsAttention bool
	Reason         model.AttentionReason
}

// Rules is the ordered decision table. Order is policy: do not reorder.
var Rules = []Rule{
	{
		Name: "merged",
		Matches: func(s model.PullRequestStatus, _ *Classifier) bool {
			return s.State == model.PRStateMerged
		},
		NeedsAttention: false,
		Reason:         model.ReasonMerged,
	},
	{
		Name: "closed",
		Matches: func(s model.PullRequestStatus, _ *Classifier) bool {
			return s.State == model.PRStateClosed
		},
		NeedsAttention: false,
		Reason:         model.ReasonClosed,
	},
	{
		Name: "changes_requested",
		Matches: func(s model.PullRequestStatus, _ *Classifier) bool {
			return s.ReviewState == model.ReviewChangesRequested
		},
		NeedsAttention: true,
		Reason:         model.ReasonChangesRequested,
	},
	{
		Name: "checks_failing",
		Matches: func(s model.PullRequestStatus, _ *Classifier) bool {
			return s.ChecksState == model.ChecksFailing
		},
		NeedsAttention: true,
		Reason:         model.ReasonChecksFailing,
	},
	{
		Name: "conflict",
		Matches: func(s model.PullRequestStatus, _ *Classifier) bool {
			return s.Mergeable == model.MergeableNo && s.State == model.PRStateOpen
		},
		NeedsAttention: true,
		Reason:         model.ReasonConflict,
	},
	{
		Name: "stale_draft",
		Matches: func(s model.PullRequestStatus, c *Classifier) bool {
			if s.State != model.PRStateDraft || s.CreatedAt.IsZero() {
				return false
			}
			return c.now().Sub(s.CreatedAt) > c.staleDraftAge
		},
		NeedsAttention: true,
		Reason:         model.ReasonStaleDraft,
	},
}

// Classifier evaluates the decision table with configured thresholds.
type Classifier struct {
	staleDraftAge time.Duration
	nowFunc       func() time.Time
}

// New creates a classifier. A zero staleDraftAge selects the default.
func New(staleDraftAge time.Duration) *Classifier {
	if staleDraftAge <= 0 {
		staleDraftAge = DefaultStaleDraftAge
	}
	return &Classifier{staleDraftAge: staleDraftAge, nowFunc: time.Now}
}

func (c *Classifier) now() time.Time {
	return c.nowFunc()
}

// Classify returns the attention verdict for a status snapshot.
// Pure function of the snapshot and the configured thresholds.
func (c *Classifier) Classify(s model.PullRequestStatus) model.AttentionVerdict {
	for _, rule := range Rules {
		if rule.Matches(s, c) {
			return model.AttentionVerdict{
				NeedsAttention: rule.NeedsAttention,
				Reason:         rule.Reason,
			}
		}
	}
	return model.AttentionVerdict{NeedsAttention: false, Reason: model.ReasonNone}
}
