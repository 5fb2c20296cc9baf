package triage

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prsweep/prsweep/internal/config"
	"github.com/prsweep/prsweep/internal/model"
	"github.com/prsweep/prsweep/internal/notify"
	"github.com/prsweep/prsweep/internal/resolve"
	"github.com/prsweep/prsweep/internal/store"
)

// fakeSource serves canned messages per channel, honoring the
// strictly-after cursor the same way the real client does.
type fakeSource struct {
	messages map[string][]model.Message
	errs     map[string]error
	calls    []string
}

func (f *fakeSource) FetchMessages(_ context.Context, channelID, afterTS string) ([]model.Message, error) {
	f.calls = append(f.calls, channelID+" after "+afterTS)
	if err := f.errs[channelID]; err != nil {
		return nil, err
	}
	var out []model.Message
	for _, m := range f.messages[channelID] {
		if afterTS == "" || model.TSLess(afterTS, m.ID) {
			out = append(out, m)
		}
	}
	return out, nil
}

// fakeProvider resolves statuses from a fixed table; refs listed in
// fail always error.
type fakeProvider struct {
	statuses map[model.PullRequestRef]model.PullRequestStatus
	fail     map[model.PullRequestRef]error
	fetches  map[model.PullRequestRef]int
}

func (f *fakeProvider) GetStatus(_ context.Context, ref model.PullRequestRef) (model.PullRequestStatus, error) {
	if f.fetches == nil {
		f.fetches = make(map[model.PullRequestRef]int)
	}
	f.fetches[ref]++
	if err := f.fail[ref]; err != nil {
		return model.PullRequestStatus{}, err
	}
	status, ok := f.statuses[ref]
	if !ok {
		return model.PullRequestStatus{}, errors.New("unknown pull request")
	}
	return status, nil
}

type fakeSink struct {
	reactions []string
	posts     []string
	dmUsers   []string
	dmTexts   []string
}

func (f *fakeSink) React(_ context.Context, channelID, messageID, emoji string) error {
	f.reactions = append(f.reactions, channelID+"/"+messageID+"/"+emoji)
	return nil
}

func (f *fakeSink) PostChannelMessage(_ context.Context, channelID, text string) error {
	f.posts = append(f.posts, channelID)
	return nil
}

func (f *fakeSink) SendDirectMessage(_ context.Context, userID, text string) error {
	f.dmUsers = append(f.dmUsers, userID)
	f.dmTexts = append(f.dmTexts, text)
	return nil
}

func (f *fakeSink) MessageLink(channelID, messageID string) string {
	return "https://acme.slack.com/archives/" + channelID + "/p" + messageID
}

func (f *fakeSink) ChannelName(_ context.Context, channelID string) string {
	return channelID
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.GitHub.Host = "github.com"
	cfg.Triage.StaleDraftDays = 7
	cfg.Reactions.Emoji = map[string]string{
		string(model.ReasonChangesRequested): "rotating_light",
		string(model.ReasonChecksFailing):    "x",
		string(model.ReasonConflict):         "warning",
		string(model.ReasonStaleDraft):       "hourglass_flowing_sand",
	}
	return cfg
}

type harness struct {
	runner   *Runner
	store    *store.Store
	source   *fakeSource
	provider *fakeProvider
	sink     *fakeSink
	cfg      *config.Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := testConfig()
	source := &fakeSource{messages: map[string][]model.Message{}, errs: map[string]error{}}
	provider := &fakeProvider{
		statuses: map[model.PullRequestRef]model.PullRequestStatus{},
		fail:     map[model.PullRequestRef]error{},
	}
	sink := &fakeSink{}
	dispatcher := notify.New(sink, st, cfg.EmojiFor)
	runner := New(cfg, st, source, resolve.New(provider, 2), dispatcher)
	runner.nowFunc = func() time.Time { return time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC) }

	return &harness{runner: runner, store: st, source: source, provider: provider, sink: sink, cfg: cfg}
}

func ref(number int) model.PullRequestRef {
	return model.PullRequestRef{Host: "github.com", Owner: "acme", Repo: "widgets", Number: number}
}

// message builds a fixture message. Timestamps must fall inside the
// harness's scan window: now is pinned to 2025-06-10 12:00 UTC and the
// lookback is 4 days, so 1749427200 (2025-06-09 00:00 UTC) is in range.
func message(channel, ts string, numbers ...int) model.Message {
	text := "please review"
	for _, n := range numbers {
		text += " " + ref(n).URL()
	}
	return model.Message{
		ChannelID: channel,
		ID:        ts,
		Timestamp: model.ParseSlackTS(ts),
		Text:      text,
		AuthorID:  "U1",
	}
}

func openStatus(review model.ReviewState, checks model.ChecksState) model.PullRequestStatus {
	return model.PullRequestStatus{
		State:       model.PRStateOpen,
		ReviewState: review,
		ChecksState: checks,
		Mergeable:   model.MergeableYes,
		Title:       "Fix the frobnicator",
		Author:      "dev",
		CreatedAt:   time.Date(2025, 6, 8, 12, 0, 0, 0, time.UTC),
	}
}

func allOn() Options {
	return Options{
		Channels:             []string{"C1"},
		LookbackDays:         4,
		AllowReactions:       true,
		AllowChannelMessages: true,
	}
}

func TestRunChangesRequestedFiresAllKinds(t *testing.T) {
	h := newHarness(t)
	h.source.messages["C1"] = []model.Message{message("C1", "1749427200.000001", 42)}
	h.provider.statuses[ref(42)] = openStatus(model.ReviewChangesRequested, model.ChecksPassing)
	if _, err := h.store.InsertSubscriber("U7", "amy"); err != nil {
		t.Fatalf("failed to insert subscriber: %v", err)
	}

	report, err := h.runner.Run(context.Background(), allOn())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if len(h.sink.reactions) != 1 || h.sink.reactions[0] != "C1/1749427200.000001/rotating_light" {
		t.Errorf("unexpected reactions: %v", h.sink.reactions)
	}
	if len(h.sink.posts) != 1 || h.sink.posts[0] != "C1" {
		t.Errorf("unexpected channel posts: %v", h.sink.posts)
	}
	if len(h.sink.dmUsers) != 1 || h.sink.dmUsers[0] != "U7" {
		t.Errorf("unexpected DMs: %v", h.sink.dmUsers)
	}

	if report.MessagesScanned != 1 || report.RefsFound != 1 || report.RefsResolved != 1 {
		t.Errorf("unexpected report counts: %+v", report)
	}
	if report.ReactionsSent != 1 || report.SummariesSent != 1 || report.DMsSent != 1 {
		t.Errorf("unexpected send counts: %+v", report)
	}

	cursor, err := h.store.GetCursor("C1")
	if err != nil {
		t.Fatalf("failed to read cursor: %v", err)
	}
	if cursor != "1749427200.000001" {
		t.Errorf("expected cursor at message, got %q", cursor)
	}
}

func TestRunTwiceIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.source.messages["C1"] = []model.Message{message("C1", "1749427200.000001", 42)}
	h.provider.statuses[ref(42)] = openStatus(model.ReviewChangesRequested, model.ChecksPassing)
	if _, err := h.store.InsertSubscriber("U7", ""); err != nil {
		t.Fatalf("failed to insert subscriber: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := h.runner.Run(context.Background(), allOn()); err != nil {
			t.Fatalf("run %d failed: %v", i+1, err)
		}
	}

	if len(h.sink.reactions) != 1 {
		t.Errorf("expected exactly one reaction across runs, got %v", h.sink.reactions)
	}
	if len(h.sink.posts) != 1 {
		t.Errorf("expected exactly one summary across runs, got %v", h.sink.posts)
	}
	if len(h.sink.dmUsers) != 1 {
		t.Errorf("expected exactly one DM across runs, got %v", h.sink.dmUsers)
	}
}

func TestReasonChangeRenotifies(t *testing.T) {
	h := newHarness(t)
	h.source.messages["C1"] = []model.Message{message("C1", "1749427200.000001", 42)}
	h.provider.statuses[ref(42)] = openStatus(model.ReviewNone, model.ChecksFailing)

	if _, err := h.runner.Run(context.Background(), allOn()); err != nil {
		t.Fatalf("first run failed: %v", err)
	}

	// The PR's checks turn green but a reviewer requests changes. The
	// message is behind the cursor now; the carryover path picks it up.
	h.provider.statuses[ref(42)] = openStatus(model.ReviewChangesRequested, model.ChecksPassing)
	if _, err := h.runner.Run(context.Background(), allOn()); err != nil {
		t.Fatalf("second run failed: %v", err)
	}

	want := []string{"C1/1749427200.000001/x", "C1/1749427200.000001/rotating_light"}
	if len(h.sink.reactions) != 2 || h.sink.reactions[0] != want[0] || h.sink.reactions[1] != want[1] {
		t.Errorf("expected one reaction per reason, got %v", h.sink.reactions)
	}

	// A third run with no change sends nothing new.
	if _, err := h.runner.Run(context.Background(), allOn()); err != nil {
		t.Fatalf("third run failed: %v", err)
	}
	if len(h.sink.reactions) != 2 {
		t.Errorf("unchanged verdict must not re-notify, got %v", h.sink.reactions)
	}
}

func TestCursorBlockedByFailedResolution(t *testing.T) {
	h := newHarness(t)
	h.source.messages["C1"] = []model.Message{
		message("C1", "1749427200.000001", 42),
		message("C1", "1749427200.000002", 43),
		message("C1", "1749427200.000003"),
	}
	h.provider.statuses[ref(42)] = openStatus(model.ReviewApproved, model.ChecksPassing)
	h.provider.fail[ref(43)] = errors.New("boom")

	report, err := h.runner.Run(context.Background(), allOn())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	cursor, _ := h.store.GetCursor("C1")
	if cursor != "1749427200.000001" {
		t.Errorf("cursor must stop before the unresolved message, got %q", cursor)
	}
	if report.RefsFailed != 1 {
		t.Errorf("expected 1 failed ref, got %d", report.RefsFailed)
	}
	if report.FailureSummary == nil || !strings.Contains(*report.FailureSummary, "acme/widgets#43") {
		t.Errorf("expected failure summary naming the ref, got %v", report.FailureSummary)
	}

	// Next run re-fetches the blocked message and resolves it.
	h.provider.fail = map[model.PullRequestRef]error{}
	h.provider.statuses[ref(43)] = openStatus(model.ReviewApproved, model.ChecksPassing)
	if _, err := h.runner.Run(context.Background(), allOn()); err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	cursor, _ = h.store.GetCursor("C1")
	if cursor != "1749427200.000003" {
		t.Errorf("expected cursor past all messages, got %q", cursor)
	}
}

func TestCrossChannelDMListsPROnce(t *testing.T) {
	h := newHarness(t)
	h.source.messages["C1"] = []model.Message{message("C1", "1749427200.000001", 42)}
	h.source.messages["C2"] = []model.Message{message("C2", "1749427260.000001", 42)}
	h.provider.statuses[ref(42)] = openStatus(model.ReviewNone, model.ChecksFailing)
	if _, err := h.store.InsertSubscriber("U7", ""); err != nil {
		t.Fatalf("failed to insert subscriber: %v", err)
	}

	opts := allOn()
	opts.Channels = []string{"C1", "C2"}
	if _, err := h.runner.Run(context.Background(), opts); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if h.provider.fetches[ref(42)] != 1 {
		t.Errorf("expected one status fetch for the shared PR, got %d", h.provider.fetches[ref(42)])
	}
	if len(h.sink.dmTexts) != 1 {
		t.Fatalf("expected one DM, got %d", len(h.sink.dmTexts))
	}
	if n := strings.Count(h.sink.dmTexts[0], "widgets/pull/42"); n != 1 {
		t.Errorf("expected PR to appear once in digest, found %d times:\n%s", n, h.sink.dmTexts[0])
	}

	// Both mentioning records are stamped.
	for _, ch := range []struct{ channel, msg string }{{"C1", "1749427200.000001"}, {"C2", "1749427260.000001"}} {
		key := store.RecordKey{ChannelID: ch.channel, MessageID: ch.msg, Ref: ref(42)}
		included, err := h.store.DMIncluded(key, "U7", model.ReasonChecksFailing)
		if err != nil {
			t.Fatalf("failed to check inclusion: %v", err)
		}
		if !included {
			t.Errorf("expected DM inclusion stamp for %s", ch.channel)
		}
	}
}

func TestHealthyPRSendsNothing(t *testing.T) {
	h := newHarness(t)
	h.source.messages["C1"] = []model.Message{message("C1", "1749427200.000001", 42)}
	h.provider.statuses[ref(42)] = openStatus(model.ReviewApproved, model.ChecksPassing)

	if _, err := h.runner.Run(context.Background(), allOn()); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if len(h.sink.reactions)+len(h.sink.posts)+len(h.sink.dmUsers) != 0 {
		t.Errorf("healthy PR must not notify: %v %v %v", h.sink.reactions, h.sink.posts, h.sink.dmUsers)
	}
	key := store.RecordKey{ChannelID: "C1", MessageID: "1749427200.000001", Ref: ref(42)}
	rec, err := h.store.GetRecord(key)
	if err != nil {
		t.Fatalf("failed to get record: %v", err)
	}
	if rec == nil || rec.LastReason != model.ReasonNone {
		t.Errorf("expected record with reason none, got %+v", rec)
	}
}

func TestFlagsSuppressSends(t *testing.T) {
	h := newHarness(t)
	h.source.messages["C1"] = []model.Message{message("C1", "1749427200.000001", 42)}
	h.provider.statuses[ref(42)] = openStatus(model.ReviewNone, model.ChecksFailing)

	opts := Options{Channels: []string{"C1"}, LookbackDays: 4}
	report, err := h.runner.Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if len(h.sink.reactions)+len(h.sink.posts)+len(h.sink.dmUsers) != 0 {
		t.Error("disabled flags must suppress all sends")
	}
	// The pending item still shows in the run digest.
	if report.DigestMarkdown == nil || !strings.Contains(*report.DigestMarkdown, "widgets#42") {
		t.Errorf("expected digest markdown despite disabled sends, got %v", report.DigestMarkdown)
	}
}

func TestExistingReactionRecognized(t *testing.T) {
	h := newHarness(t)
	h.cfg.Reactions.Recognized = map[string][]string{
		string(model.ReasonChecksFailing): {"red_circle"},
	}
	msg := message("C1", "1749427200.000001", 42)
	msg.Reactions = []string{"eyes", "red_circle"}
	h.source.messages["C1"] = []model.Message{msg}
	h.provider.statuses[ref(42)] = openStatus(model.ReviewNone, model.ChecksFailing)

	if _, err := h.runner.Run(context.Background(), allOn()); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if len(h.sink.reactions) != 0 {
		t.Errorf("visible equivalent emoji must suppress the reaction, got %v", h.sink.reactions)
	}
	// Other kinds are unaffected.
	if len(h.sink.posts) != 1 {
		t.Errorf("expected channel summary, got %v", h.sink.posts)
	}

	// The suppression is stamped: the next run reaches the record through
	// the carryover path, which knows nothing about visible reactions, and
	// must still stay quiet.
	if _, err := h.runner.Run(context.Background(), allOn()); err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if len(h.sink.reactions) != 0 {
		t.Errorf("suppressed reaction must stay suppressed across runs, got %v", h.sink.reactions)
	}
}

func TestDryRunPersistsNothing(t *testing.T) {
	h := newHarness(t)
	h.source.messages["C1"] = []model.Message{message("C1", "1749427200.000001", 42)}
	h.provider.statuses[ref(42)] = openStatus(model.ReviewChangesRequested, model.ChecksPassing)
	if _, err := h.store.InsertSubscriber("U7", ""); err != nil {
		t.Fatalf("failed to insert subscriber: %v", err)
	}

	opts := allOn()
	opts.DryRun = true
	report, err := h.runner.Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if len(h.sink.reactions)+len(h.sink.posts)+len(h.sink.dmUsers) != 0 {
		t.Errorf("dry run must not send: %v %v %v", h.sink.reactions, h.sink.posts, h.sink.dmUsers)
	}
	if cursor, _ := h.store.GetCursor("C1"); cursor != "" {
		t.Errorf("dry run must not advance the cursor, got %q", cursor)
	}
	key := store.RecordKey{ChannelID: "C1", MessageID: "1749427200.000001", Ref: ref(42)}
	if rec, _ := h.store.GetRecord(key); rec != nil {
		t.Errorf("dry run must not persist records, got %+v", rec)
	}
	if reports, _ := h.store.ListRunReports(10); len(reports) != 0 {
		t.Errorf("dry run must not store a report, got %d", len(reports))
	}
	// The plan is still computed for the operator to inspect.
	if report.MessagesScanned != 1 || report.RefsResolved != 1 {
		t.Errorf("unexpected dry run counts: %+v", report)
	}
	if report.DigestMarkdown == nil || !strings.Contains(*report.DigestMarkdown, "widgets#42") {
		t.Errorf("expected digest in dry run report, got %v", report.DigestMarkdown)
	}

	// The same run without the flag behaves normally afterwards.
	if _, err := h.runner.Run(context.Background(), allOn()); err != nil {
		t.Fatalf("wet run failed: %v", err)
	}
	if len(h.sink.reactions) != 1 {
		t.Errorf("expected the wet run to react, got %v", h.sink.reactions)
	}
}

func TestChannelFetchFailureIsolated(t *testing.T) {
	h := newHarness(t)
	h.source.messages["C1"] = []model.Message{message("C1", "1749427200.000001", 42)}
	h.source.errs["C2"] = errors.New("channel_not_found")
	h.provider.statuses[ref(42)] = openStatus(model.ReviewNone, model.ChecksFailing)

	opts := allOn()
	opts.Channels = []string{"C1", "C2"}
	report, err := h.runner.Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if report.ChannelsScanned != 1 {
		t.Errorf("expected 1 channel scanned, got %d", report.ChannelsScanned)
	}
	if len(h.sink.reactions) != 1 {
		t.Errorf("healthy channel should still be processed, got %v", h.sink.reactions)
	}
	if cursor, _ := h.store.GetCursor("C2"); cursor != "" {
		t.Errorf("failed channel's cursor must stay put, got %q", cursor)
	}
	if report.FailureSummary == nil || !strings.Contains(*report.FailureSummary, "C2") {
		t.Errorf("expected failure summary naming the channel, got %v", report.FailureSummary)
	}
}

func TestFirstScanUsesLookbackWindow(t *testing.T) {
	h := newHarness(t)
	old := message("C1", model.FormatSlackTS(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)), 41)
	recent := message("C1", model.FormatSlackTS(time.Date(2025, 6, 9, 0, 0, 0, 0, time.UTC)), 42)
	h.source.messages["C1"] = []model.Message{old, recent}
	h.provider.statuses[ref(41)] = openStatus(model.ReviewApproved, model.ChecksPassing)
	h.provider.statuses[ref(42)] = openStatus(model.ReviewApproved, model.ChecksPassing)

	report, err := h.runner.Run(context.Background(), allOn())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if report.MessagesScanned != 1 {
		t.Errorf("expected only the message inside the lookback window, got %d", report.MessagesScanned)
	}
	if h.provider.fetches[ref(41)] != 0 {
		t.Error("message outside the window must not be resolved")
	}
}
