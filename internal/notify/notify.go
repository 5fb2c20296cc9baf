// Package notify executes the notification plan produced by a triage
// run: emoji reactions, per-channel summary messages, and per-user DM
// digests. Each successful send is stamped into the store before the
// next one is attempted, so a crash mid-dispatch never causes a
// duplicate on the following run.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/prsweep/prsweep/internal/model"
	"github.com/prsweep/prsweep/internal/slack"
	"github.com/prsweep/prsweep/internal/store"
)

const (
	maxSendAttempts = 3
	baseSendDelay   = time.Second
)

// ChatSink is the subset of the chat client the dispatcher needs.
type ChatSink interface {
	React(ctx context.Context, channelID, messageID, emoji string) error
	PostChannelMessage(ctx context.Context, channelID, text string) error
	SendDirectMessage(ctx context.Context, userID, text string) error
	MessageLink(channelID, messageID string) string
	ChannelName(ctx context.Context, channelID string) string
}

// ReactionIntent asks for one emoji reaction on one message.
type ReactionIntent struct {
	Key    store.RecordKey
	Reason model.AttentionReason
	Emoji  string
}

// ChannelSummaryIntent asks for one summary message in one channel.
type ChannelSummaryIntent struct {
	ChannelID string
	Items     []Item
}

// DMIntent asks for one digest DM to one user. Items hold one entry
// per distinct pull request for rendering; Stamps list every record
// that contributed, including duplicates of the same PR from other
// channels, so all of them are marked included on success. When Stamps
// is empty it defaults to the items themselves.
type DMIntent struct {
	UserID string
	Items  []Item
	Stamps []store.SummaryStamp
}

// Plan is everything a run decided to send. Digest holds every
// attention-needing item of the run regardless of notification flags;
// it feeds the stored run report.
type Plan struct {
	Reactions []ReactionIntent
	Summaries []ChannelSummaryIntent
	DMs       []DMIntent
	Digest    []Item
}

// Empty reports whether the plan carries no sends at all.
func (p *Plan) Empty() bool {
	return len(p.Reactions) == 0 && len(p.Summaries) == 0 && len(p.DMs) == 0
}

// Outcome summarizes what a dispatch actually did.
type Outcome struct {
	ReactionsSent  int
	SummariesSent  int
	DMsSent        int
	Failures       []string
	DigestMarkdown string
}

// Dispatcher sends plan intents through a chat sink and stamps each
// success into the store.
type Dispatcher struct {
	sink     ChatSink
	store    *store.Store
	emojiFor func(model.AttentionReason) string
	sleep    func(ctx context.Context, d time.Duration) error
	nowFunc  func() time.Time
	dryRun   bool
}

// New creates a dispatcher. emojiFor maps a verdict reason to the
// reaction emoji used in summaries and digests; it may return "".
func New(sink ChatSink, st *store.Store, emojiFor func(model.AttentionReason) string) *Dispatcher {
	if emojiFor == nil {
		emojiFor = func(model.AttentionReason) string { return "" }
	}
	return &Dispatcher{
		sink:     sink,
		store:    st,
		emojiFor: emojiFor,
		sleep:    sleepCtx,
		nowFunc:  time.Now,
	}
}

// SetDryRun makes Dispatch log every intent instead of sending it.
// Nothing is stamped in dry-run mode.
func (d *Dispatcher) SetDryRun(dryRun bool) {
	d.dryRun = dryRun
}

func (d *Dispatcher) now() time.Time {
	return d.nowFunc()
}

// Dispatch executes a plan. A failed intent is logged and recorded in
// the outcome; it never stops the remaining intents, and its dedup
// stamp is left unset so the next run retries it.
func (d *Dispatcher) Dispatch(ctx context.Context, plan *Plan) *Outcome {
	out := &Outcome{}

	channelNames := d.lookupChannelNames(ctx, plan)

	for _, intent := range plan.Reactions {
		d.dispatchReaction(ctx, intent, out)
	}
	for _, intent := range plan.Summaries {
		d.dispatchSummary(ctx, intent, out)
	}
	for _, intent := range plan.DMs {
		d.dispatchDM(ctx, intent, channelNames, out)
	}

	out.DigestMarkdown = d.composeDigestMarkdown(plan.Digest, channelNames)
	return out
}

func (d *Dispatcher) dispatchReaction(ctx context.Context, intent ReactionIntent, out *Outcome) {
	if d.dryRun {
		log.Info().Str("channel", intent.Key.ChannelID).Str("emoji", intent.Emoji).
			Str("pr", intent.Key.Ref.String()).Msg("Dry run: would add reaction")
		out.ReactionsSent++
		return
	}

	err := d.sendWithRetry(ctx, func() error {
		return d.sink.React(ctx, intent.Key.ChannelID, intent.Key.MessageID, intent.Emoji)
	})
	if err != nil {
		d.recordFailure(out, fmt.Sprintf("reaction :%s: on %s: %v", intent.Emoji, intent.Key.Ref, err))
		return
	}

	if err := d.store.MarkReacted(intent.Key, intent.Reason); err != nil {
		d.recordFailure(out, fmt.Sprintf("stamping reaction for %s: %v", intent.Key.Ref, err))
		return
	}
	out.ReactionsSent++
}

func (d *Dispatcher) dispatchSummary(ctx context.Context, intent ChannelSummaryIntent, out *Outcome) {
	if len(intent.Items) == 0 {
		return
	}
	text := d.composeChannelSummary(intent.Items)

	if d.dryRun {
		log.Info().Str("channel", intent.ChannelID).Int("items", len(intent.Items)).
			Msg("Dry run: would post channel summary")
		out.SummariesSent++
		return
	}

	err := d.sendWithRetry(ctx, func() error {
		return d.sink.PostChannelMessage(ctx, intent.ChannelID, text)
	})
	if err != nil {
		d.recordFailure(out, fmt.Sprintf("channel summary in %s: %v", intent.ChannelID, err))
		return
	}

	stamps := make([]store.SummaryStamp, 0, len(intent.Items))
	for _, item := range intent.Items {
		stamps = append(stamps, store.SummaryStamp{Key: item.Key, Reason: item.Reason})
	}
	if err := d.store.StampChannelSummary(stamps); err != nil {
		d.recordFailure(out, fmt.Sprintf("stamping summary in %s: %v", intent.ChannelID, err))
		return
	}
	out.SummariesSent++
}

func (d *Dispatcher) dispatchDM(ctx context.Context, intent DMIntent, channelNames map[string]string, out *Outcome) {
	if len(intent.Items) == 0 {
		return
	}
	text := d.composeDMDigest(intent.Items, channelNames)

	if d.dryRun {
		log.Info().Str("user", intent.UserID).Int("items", len(intent.Items)).
			Msg("Dry run: would send DM digest")
		out.DMsSent++
		return
	}

	err := d.sendWithRetry(ctx, func() error {
		return d.sink.SendDirectMessage(ctx, intent.UserID, text)
	})
	if err != nil {
		d.recordFailure(out, fmt.Sprintf("DM digest to %s: %v", intent.UserID, err))
		return
	}

	stamps := intent.Stamps
	if len(stamps) == 0 {
		stamps = make([]store.SummaryStamp, 0, len(intent.Items))
		for _, item := range intent.Items {
			stamps = append(stamps, store.SummaryStamp{Key: item.Key, Reason: item.Reason})
		}
	}
	if err := d.store.StampDMInclusions(intent.UserID, stamps); err != nil {
		d.recordFailure(out, fmt.Sprintf("stamping DM to %s: %v", intent.UserID, err))
		return
	}
	out.DMsSent++
}

// sendWithRetry retries transient and rate-limit failures. Permanent
// chat API errors (bad channel, missing scope) fail immediately.
func (d *Dispatcher) sendWithRetry(ctx context.Context, send func() error) error {
	var lastErr error
	for attempt := 1; attempt <= maxSendAttempts; attempt++ {
		lastErr = send()
		if lastErr == nil {
			return nil
		}
		if !slack.IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == maxSendAttempts {
			break
		}
		delay := slack.RetryDelay(lastErr, baseSendDelay<<(attempt-1))
		log.Warn().Err(lastErr).Dur("delay", delay).Int("attempt", attempt).Msg("Send failed, retrying")
		if err := d.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return lastErr
}

func (d *Dispatcher) lookupChannelNames(ctx context.Context, plan *Plan) map[string]string {
	names := make(map[string]string)
	collect := func(items []Item) {
		for _, item := range items {
			id := item.Key.ChannelID
			if _, ok := names[id]; !ok {
				names[id] = d.sink.ChannelName(ctx, id)
			}
		}
	}
	for _, intent := range plan.DMs {
		collect(intent.Items)
	}
	collect(plan.Digest)
	return names
}

func (d *Dispatcher) recordFailure(out *Outcome, msg string) {
	log.Error().Msg(msg)
	out.Failures = append(out.Failures, msg)
}

func sleepCtx(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
