// Package triage runs one triage invocation end to end: scan channels
// for new messages, extract pull request references, resolve their live
// status, classify attention, diff against persisted state, and hand
// the resulting notification plan to the dispatcher. The run is
// designed to be invoked repeatedly from a scheduler; everything that
// must not repeat is guarded by the store.
package triage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/prsweep/prsweep/internal/classify"
	"github.com/prsweep/prsweep/internal/config"
	"github.com/prsweep/prsweep/internal/extract"
	"github.com/prsweep/prsweep/internal/model"
	"github.com/prsweep/prsweep/internal/notify"
	"github.com/prsweep/prsweep/internal/resolve"
	"github.com/prsweep/prsweep/internal/store"
)

// MessageSource fetches channel messages strictly after a timestamp.
type MessageSource interface {
	FetchMessages(ctx context.Context, channelID, afterTS string) ([]model.Message, error)
}

// Options are the effective settings of one run, after merging config
// defaults with command-line flags.
type Options struct {
	Channels             []string
	LookbackDays         int
	AllowReactions       bool
	AllowChannelMessages bool
	DMUserIDs            []string
	// DryRun computes and reports the full plan but writes nothing:
	// no sends, no record updates, no cursor moves, no stored report.
	DryRun bool
}

// Runner wires the pipeline stages together.
type Runner struct {
	cfg        *config.Config
	store      *store.Store
	source     MessageSource
	resolver   *resolve.Resolver
	dispatcher *notify.Dispatcher
	extractor  *extract.Extractor
	classifier *classify.Classifier
	nowFunc    func() time.Time
}

// New creates a runner over an opened store and configured clients.
func New(cfg *config.Config, st *store.Store, source MessageSource, resolver *resolve.Resolver, dispatcher *notify.Dispatcher) *Runner {
	return &Runner{
		cfg:        cfg,
		store:      st,
		source:     source,
		resolver:   resolver,
		dispatcher: dispatcher,
		extractor:  extract.New(cfg.GitHub.Host),
		classifier: classify.New(cfg.StaleDraftAge()),
		nowFunc:    time.Now,
	}
}

// scannedMessage pairs a fetched message with the refs found in it.
type scannedMessage struct {
	msg  model.Message
	refs []model.PullRequestRef
}

// channelScan is the fetch outcome for one channel. A fetch error
// leaves the channel's cursor untouched for this run.
type channelScan struct {
	channelID string
	messages  []scannedMessage
	fetchErr  error
}

// Run executes one triage invocation and persists its run report.
// The report is stored even when some stages failed; the error is
// non-nil only for store-level failures that invalidate the whole run.
func (r *Runner) Run(ctx context.Context, opts Options) (*store.RunReport, error) {
	report := store.NewRunReport()
	var failures []string

	r.dispatcher.SetDryRun(opts.DryRun)

	channels := opts.Channels
	if len(channels) == 0 {
		channels = r.cfg.Channels
	}

	scans := r.scanChannels(ctx, channels, opts.LookbackDays, report, &failures)
	carryover := r.loadCarryover(scans, &failures)

	batch := collectRefs(scans, carryover, report)
	result := r.resolver.Resolve(ctx, batch)
	report.RefsResolved = len(result.Statuses)
	report.RefsFailed = len(result.Errors)
	for ref, err := range result.Errors {
		failures = append(failures, fmt.Sprintf("resolving %s: %v", ref, err))
	}

	plan, err := r.buildPlan(scans, carryover, result, opts)
	if err != nil {
		return report, fmt.Errorf("updating triage records: %w", err)
	}

	if !opts.DryRun {
		r.advanceCursors(scans, result, &failures)
	}

	outcome := r.dispatcher.Dispatch(ctx, plan)
	report.ReactionsSent = outcome.ReactionsSent
	report.SummariesSent = outcome.SummariesSent
	report.DMsSent = outcome.DMsSent
	failures = append(failures, outcome.Failures...)
	if outcome.DigestMarkdown != "" {
		report.DigestMarkdown = &outcome.DigestMarkdown
	}

	if len(failures) > 0 {
		summary := strings.Join(failures, "; ")
		report.FailureSummary = &summary
	}
	finished := r.nowFunc().UTC().Format(time.RFC3339)
	report.FinishedAt = &finished

	if opts.DryRun {
		return report, nil
	}
	if err := r.store.InsertRunReport(report); err != nil {
		return report, fmt.Errorf("storing run report: %w", err)
	}
	return report, nil
}

// scanChannels fetches new messages per channel and extracts refs.
func (r *Runner) scanChannels(ctx context.Context, channels []string, lookbackDays int, report *store.RunReport, failures *[]string) []channelScan {
	scans := make([]channelScan, 0, len(channels))
	for _, channelID := range channels {
		scan := channelScan{channelID: channelID}

		afterTS, err := r.store.GetCursor(channelID)
		if err == nil && afterTS == "" {
			lookback := time.Duration(lookbackDays) * 24 * time.Hour
			afterTS = model.FormatSlackTS(r.nowFunc().Add(-lookback))
		}
		if err == nil {
			var msgs []model.Message
			msgs, err = r.source.FetchMessages(ctx, channelID, afterTS)
			if err == nil {
				report.ChannelsScanned++
				report.MessagesScanned += len(msgs)
				for _, msg := range msgs {
					scan.messages = append(scan.messages, scannedMessage{
						msg:  msg,
						refs: r.extractor.Extract(msg.Text),
					})
				}
			}
		}
		if err != nil {
			log.Error().Err(err).Str("channel", channelID).Msg("Channel scan failed")
			*failures = append(*failures, fmt.Sprintf("scanning %s: %v", channelID, err))
			scan.fetchErr = err
		}
		scans = append(scans, scan)
	}
	return scans
}

// loadCarryover returns stored attention records whose notifications
// may still be pending and whose messages are not in this run's fresh
// scans. Their refs re-enter the resolve batch so a verdict change or
// a previously failed send is picked up even after the cursor moved
// past the message.
func (r *Runner) loadCarryover(scans []channelScan, failures *[]string) []store.TriageRecord {
	records, err := r.store.AttentionRecords()
	if err != nil {
		log.Error().Err(err).Msg("Loading carryover records failed")
		*failures = append(*failures, fmt.Sprintf("loading carryover: %v", err))
		return nil
	}

	fresh := make(map[string]bool)
	for _, scan := range scans {
		for _, sm := range scan.messages {
			fresh[scan.channelID+"\x00"+sm.msg.ID] = true
		}
	}

	var carry []store.TriageRecord
	for _, rec := range records {
		if !fresh[rec.Key.ChannelID+"\x00"+rec.Key.MessageID] {
			carry = append(carry, rec)
		}
	}
	return carry
}

func collectRefs(scans []channelScan, carryover []store.TriageRecord, report *store.RunReport) []model.PullRequestRef {
	var batch []model.PullRequestRef
	for _, scan := range scans {
		for _, sm := range scan.messages {
			report.RefsFound += len(sm.refs)
			batch = append(batch, sm.refs...)
		}
	}
	for _, rec := range carryover {
		batch = append(batch, rec.Key.Ref)
	}
	return batch
}

// planState accumulates notification intents while records are
// processed in deterministic channel/timestamp order.
type planState struct {
	plan         *notify.Plan
	summaryItems map[string][]notify.Item
	summaryOrder []string
	dmUsers      []string
	dmItems      map[string][]notify.Item
	dmStamps     map[string][]store.SummaryStamp
	dmSeen       map[string]map[model.PullRequestRef]bool
}

// buildPlan walks every resolved record, updates the store's verdict
// state, and plans each notification kind that is enabled, not yet
// stamped for the current reason, and not already visible on the
// message.
func (r *Runner) buildPlan(scans []channelScan, carryover []store.TriageRecord, result *resolve.Result, opts Options) (*notify.Plan, error) {
	dmUsers, err := r.digestRecipients(opts.DMUserIDs)
	if err != nil {
		return nil, err
	}

	ps := &planState{
		plan:         &notify.Plan{},
		summaryItems: make(map[string][]notify.Item),
		dmUsers:      dmUsers,
		dmItems:      make(map[string][]notify.Item),
		dmStamps:     make(map[string][]store.SummaryStamp),
		dmSeen:       make(map[string]map[model.PullRequestRef]bool),
	}

	for _, scan := range scans {
		for _, sm := range scan.messages {
			for _, ref := range sm.refs {
				status, ok := result.Statuses[ref]
				if !ok {
					continue
				}
				key := store.RecordKey{ChannelID: scan.channelID, MessageID: sm.msg.ID, Ref: ref}
				if err := r.planRecord(ps, key, status, sm.msg.Reactions, opts); err != nil {
					return nil, err
				}
			}
		}
	}

	// Carryover messages were not re-fetched, so no visible reactions
	// are known for them; their dedup rests on store stamps alone.
	for _, rec := range carryover {
		status, ok := result.Statuses[rec.Key.Ref]
		if !ok {
			continue
		}
		if err := r.planRecord(ps, rec.Key, status, nil, opts); err != nil {
			return nil, err
		}
	}

	for _, channelID := range ps.summaryOrder {
		ps.plan.Summaries = append(ps.plan.Summaries, notify.ChannelSummaryIntent{
			ChannelID: channelID,
			Items:     ps.summaryItems[channelID],
		})
	}
	for _, user := range ps.dmUsers {
		if len(ps.dmItems[user]) == 0 {
			continue
		}
		ps.plan.DMs = append(ps.plan.DMs, notify.DMIntent{
			UserID: user,
			Items:  ps.dmItems[user],
			Stamps: ps.dmStamps[user],
		})
	}
	return ps.plan, nil
}

// planRecord classifies one resolved record, persists its verdict, and
// adds the notification intents that are still due.
func (r *Runner) planRecord(ps *planState, key store.RecordKey, status model.PullRequestStatus, visibleReactions []string, opts Options) error {
	verdict := r.classifier.Classify(status)
	if !opts.DryRun {
		if err := r.store.UpsertRecord(key, verdict.Reason); err != nil {
			return err
		}
	}
	if !verdict.NeedsAttention {
		return nil
	}

	rec, err := r.store.GetRecord(key)
	if err != nil {
		return err
	}
	if rec == nil {
		// Dry run never upserts, so a first observation has no row yet.
		rec = &store.TriageRecord{Key: key, LastReason: verdict.Reason}
	}

	item := notify.Item{Key: key, Reason: verdict.Reason, Status: status}
	ps.plan.Digest = append(ps.plan.Digest, item)

	if opts.AllowReactions {
		emoji := r.cfg.EmojiFor(verdict.Reason)
		switch {
		case emoji == "" || rec.HasReactedFor(verdict.Reason):
		case hasRecognizedReaction(visibleReactions, r.cfg.RecognizedFor(verdict.Reason)):
			// A human already marked the message with an equivalent emoji.
			// Stamp the reason as satisfied, otherwise the carryover path
			// (which sees no visible reactions) would react next run.
			if !opts.DryRun {
				if err := r.store.MarkReacted(key, verdict.Reason); err != nil {
					return err
				}
			}
		default:
			ps.plan.Reactions = append(ps.plan.Reactions, notify.ReactionIntent{
				Key: key, Reason: verdict.Reason, Emoji: emoji,
			})
		}
	}

	if opts.AllowChannelMessages && !rec.HasSummaryFor(verdict.Reason) {
		if _, seen := ps.summaryItems[key.ChannelID]; !seen {
			ps.summaryOrder = append(ps.summaryOrder, key.ChannelID)
		}
		ps.summaryItems[key.ChannelID] = append(ps.summaryItems[key.ChannelID], item)
	}

	for _, user := range ps.dmUsers {
		included, err := r.store.DMIncluded(key, user, verdict.Reason)
		if err != nil {
			return err
		}
		if included {
			continue
		}
		ps.dmStamps[user] = append(ps.dmStamps[user], store.SummaryStamp{Key: key, Reason: verdict.Reason})
		if ps.dmSeen[user] == nil {
			ps.dmSeen[user] = make(map[model.PullRequestRef]bool)
		}
		// The same PR mentioned in several channels shows up once per
		// digest, while every mentioning record gets stamped.
		if !ps.dmSeen[user][key.Ref] {
			ps.dmSeen[user][key.Ref] = true
			ps.dmItems[user] = append(ps.dmItems[user], item)
		}
	}
	return nil
}

// digestRecipients merges active stored subscribers with per-run extra
// user IDs, deduplicated and in stable order.
func (r *Runner) digestRecipients(extra []string) ([]string, error) {
	subs, err := r.store.GetActiveSubscribers()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var users []string
	for _, sub := range subs {
		if !seen[sub.UserID] {
			seen[sub.UserID] = true
			users = append(users, sub.UserID)
		}
	}
	for _, user := range extra {
		if user != "" && !seen[user] {
			seen[user] = true
			users = append(users, user)
		}
	}
	sort.Strings(users)
	return users, nil
}

// advanceCursors moves each channel cursor past the longest prefix of
// messages whose refs all resolved. A message with a failed ref blocks
// the cursor so the message is re-scanned next run.
func (r *Runner) advanceCursors(scans []channelScan, result *resolve.Result, failures *[]string) {
	for _, scan := range scans {
		if scan.fetchErr != nil {
			continue
		}
		advanceTo := ""
		for _, sm := range scan.messages {
			resolved := true
			for _, ref := range sm.refs {
				if _, ok := result.Statuses[ref]; !ok {
					resolved = false
					break
				}
			}
			if !resolved {
				break
			}
			advanceTo = sm.msg.ID
		}
		if advanceTo == "" {
			continue
		}
		if err := r.store.AdvanceCursor(scan.channelID, advanceTo); err != nil {
			log.Error().Err(err).Str("channel", scan.channelID).Msg("Cursor advance failed")
			*failures = append(*failures, fmt.Sprintf("advancing cursor for %s: %v", scan.channelID, err))
		}
	}
}

func hasRecognizedReaction(visible []string, recognized map[string]struct{}) bool {
	for _, emoji := range visible {
		if _, ok := recognized[emoji]; ok {
			return true
		}
	}
	return false
}
