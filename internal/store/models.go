package store

import (
	"github.com/prsweep/prsweep/internal/model"
)

// RecordKey identifies one triage record: a pull request reference seen
// in one specific message of one channel.
type RecordKey struct {
	ChannelID string
	MessageID string
	Ref       model.PullRequestRef
}

// TriageRecord is the persisted dedup unit. It is created the first
// time a (channel, message, PR) triple is observed with a resolved
// status, and never deleted. Each notification kind fires at most once
// per distinct verdict reason, which is what the reason slices track.
type TriageRecord struct {
	Key               RecordKey
	LastReason        model.AttentionReason
	LastNotifiedAt    *string
	ReactedReasons    []string
	SummaryReasons    []string
	SummaryIncludedAt *string
	FirstSeenAt       *string
	UpdatedAt         *string
}

// Reacted reports whether any reaction was ever sent for this record.
func (r *TriageRecord) Reacted() bool {
	return len(r.ReactedReasons) > 0
}

// HasReactedFor reports whether a reaction was already sent for the
// given reason.
func (r *TriageRecord) HasReactedFor(reason model.AttentionReason) bool {
	return containsReason(r.ReactedReasons, reason)
}

// HasSummaryFor reports whether the record was already included in a
// channel summary for the given reason.
func (r *TriageRecord) HasSummaryFor(reason model.AttentionReason) bool {
	return containsReason(r.SummaryReasons, reason)
}

func containsReason(reasons []string, reason model.AttentionReason) bool {
	for _, v := range reasons {
		if v == string(reason) {
			return true
		}
	}
	return false
}

// ChannelCursor marks the last fully-processed message timestamp of a
// channel. It only advances; it is never rewound automatically.
type ChannelCursor struct {
	ChannelID string
	LastTS    string
	UpdatedAt *string
}

// Subscriber is a user receiving the cross-channel DM digest.
type Subscriber struct {
	ID        int64
	UserID    string
	Label     *string
	IsActive  bool
	CreatedAt *string
	UpdatedAt *string
}

// RunReport holds the outcome of one triage invocation.
type RunReport struct {
	ID              string
	StartedAt       string
	FinishedAt      *string
	ChannelsScanned int
	MessagesScanned int
	RefsFound       int
	RefsResolved    int
	RefsFailed      int
	ReactionsSent   int
	SummariesSent   int
	DMsSent         int
	FailureSummary  *string
	DigestMarkdown  *string
}
