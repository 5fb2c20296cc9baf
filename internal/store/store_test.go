package store

import (
	"path/filepath"
	"testing"

	"github.com/prsweep/prsweep/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testKey(channel, message string, number int) RecordKey {
	return RecordKey{
		ChannelID: channel,
		MessageID: message,
		Ref: model.PullRequestRef{
			Host: "github.com", Owner: "acme", Repo: "widgets", Number: number,
		},
	}
}

func TestGetRecordMissing(t *testing.T) {
	s := openTestStore(t)

	rec, err := s.GetRecord(testKey("C1", "1000.000100", 42))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec != nil {
		t.Error("expected nil for unknown record")
	}
}

func TestUpsertRecordCreatesAndUpdates(t *testing.T) {
	s := openTestStore(t)
	key := testKey("C1", "1000.000100", 42)

	if err := s.UpsertRecord(key, model.ReasonNone); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	rec, err := s.GetRecord(key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec == nil {
		t.Fatal("expected record after upsert")
	}
	if rec.LastReason != model.ReasonNone {
		t.Errorf("expected reason none, got %q", rec.LastReason)
	}
	if rec.Reacted() {
		t.Error("new record should not be marked reacted")
	}

	if err := s.UpsertRecord(key, model.ReasonChangesRequested); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	rec, _ = s.GetRecord(key)
	if rec.LastReason != model.ReasonChangesRequested {
		t.Errorf("expected updated reason, got %q", rec.LastReason)
	}
}

func TestUpsertPreservesStamps(t *testing.T) {
	s := openTestStore(t)
	key := testKey("C1", "1000.000100", 42)

	s.UpsertRecord(key, model.ReasonChangesRequested)
	if err := s.MarkReacted(key, model.ReasonChangesRequested); err != nil {
		t.Fatalf("mark reacted: %v", err)
	}

	// Re-observing the same verdict must not lose the reaction stamp.
	s.UpsertRecord(key, model.ReasonChangesRequested)

	rec, _ := s.GetRecord(key)
	if !rec.HasReactedFor(model.ReasonChangesRequested) {
		t.Error("reaction stamp lost on upsert")
	}
}

func TestMarkReactedPerReason(t *testing.T) {
	s := openTestStore(t)
	key := testKey("C1", "1000.000100", 42)
	s.UpsertRecord(key, model.ReasonChangesRequested)

	s.MarkReacted(key, model.ReasonChangesRequested)
	// Second call for the same reason is a no-op.
	s.MarkReacted(key, model.ReasonChangesRequested)

	rec, _ := s.GetRecord(key)
	if len(rec.ReactedReasons) != 1 {
		t.Errorf("expected 1 reacted reason, got %v", rec.ReactedReasons)
	}
	if rec.LastNotifiedAt == nil {
		t.Error("expected last_notified_at to be set")
	}

	s.MarkReacted(key, model.ReasonChecksFailing)
	rec, _ = s.GetRecord(key)
	if len(rec.ReactedReasons) != 2 {
		t.Errorf("expected 2 reacted reasons after status change, got %v", rec.ReactedReasons)
	}
	if !rec.HasReactedFor(model.ReasonChecksFailing) {
		t.Error("expected checks_failing reaction recorded")
	}
}

func TestStampChannelSummaryBatch(t *testing.T) {
	s := openTestStore(t)
	k1 := testKey("C1", "1000.000100", 1)
	k2 := testKey("C1", "1000.000200", 2)
	s.UpsertRecord(k1, model.ReasonConflict)
	s.UpsertRecord(k2, model.ReasonChecksFailing)

	err := s.StampChannelSummary([]SummaryStamp{
		{Key: k1, Reason: model.ReasonConflict},
		{Key: k2, Reason: model.ReasonChecksFailing},
	})
	if err != nil {
		t.Fatalf("stamp: %v", err)
	}

	for _, k := range []RecordKey{k1, k2} {
		rec, _ := s.GetRecord(k)
		if rec.SummaryIncludedAt == nil {
			t.Errorf("expected summary timestamp on %v", k.Ref)
		}
	}
	rec, _ := s.GetRecord(k1)
	if !rec.HasSummaryFor(model.ReasonConflict) {
		t.Error("expected summary reason recorded")
	}
	if rec.HasSummaryFor(model.ReasonChecksFailing) {
		t.Error("unexpected summary reason")
	}
}

func TestDMInclusionDedup(t *testing.T) {
	s := openTestStore(t)
	key := testKey("C1", "1000.000100", 42)
	s.UpsertRecord(key, model.ReasonChangesRequested)

	included, err := s.DMIncluded(key, "U1", model.ReasonChangesRequested)
	if err != nil {
		t.Fatalf("dm included: %v", err)
	}
	if included {
		t.Error("expected not included before stamp")
	}

	err = s.StampDMInclusions("U1", []SummaryStamp{{Key: key, Reason: model.ReasonChangesRequested}})
	if err != nil {
		t.Fatalf("stamp dm: %v", err)
	}

	included, _ = s.DMIncluded(key, "U1", model.ReasonChangesRequested)
	if !included {
		t.Error("expected included after stamp")
	}

	// Different user and different reason stay independent.
	if included, _ = s.DMIncluded(key, "U2", model.ReasonChangesRequested); included {
		t.Error("inclusion leaked to another user")
	}
	if included, _ = s.DMIncluded(key, "U1", model.ReasonChecksFailing); included {
		t.Error("inclusion leaked to another reason")
	}

	// Re-stamping the same triple is idempotent.
	if err := s.StampDMInclusions("U1", []SummaryStamp{{Key: key, Reason: model.ReasonChangesRequested}}); err != nil {
		t.Fatalf("re-stamp dm: %v", err)
	}
}

func TestAttentionRecords(t *testing.T) {
	s := openTestStore(t)
	s.UpsertRecord(testKey("C1", "1000.000100", 1), model.ReasonMerged)
	s.UpsertRecord(testKey("C1", "1000.000200", 2), model.ReasonChangesRequested)
	s.UpsertRecord(testKey("C2", "1000.000300", 3), model.ReasonStaleDraft)
	s.UpsertRecord(testKey("C2", "1000.000400", 4), model.ReasonNone)

	records, err := s.AttentionRecords()
	if err != nil {
		t.Fatalf("attention records: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 attention records, got %d", len(records))
	}
}

func TestCursorAdvancesStrictly(t *testing.T) {
	s := openTestStore(t)

	ts, err := s.GetCursor("C1")
	if err != nil {
		t.Fatalf("get cursor: %v", err)
	}
	if ts != "" {
		t.Errorf("expected empty cursor, got %q", ts)
	}

	if err := s.AdvanceCursor("C1", "1000.000100"); err != nil {
		t.Fatalf("advance: %v", err)
	}
	ts, _ = s.GetCursor("C1")
	if ts != "1000.000100" {
		t.Errorf("expected advanced cursor, got %q", ts)
	}

	// Going backwards is ignored.
	s.AdvanceCursor("C1", "0999.000100")
	ts, _ = s.GetCursor("C1")
	if ts != "1000.000100" {
		t.Errorf("cursor must not rewind, got %q", ts)
	}

	// Equal timestamp is ignored too: only strictly greater advances.
	s.AdvanceCursor("C1", "1000.000100")
	ts, _ = s.GetCursor("C1")
	if ts != "1000.000100" {
		t.Errorf("cursor changed on equal timestamp: %q", ts)
	}

	s.AdvanceCursor("C1", "1000.000200")
	ts, _ = s.GetCursor("C1")
	if ts != "1000.000200" {
		t.Errorf("expected forward advance, got %q", ts)
	}
}

func TestSubscriberLifecycle(t *testing.T) {
	s := openTestStore(t)

	id, err := s.InsertSubscriber("U123", "alice")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if id == 0 {
		t.Fatal("expected non-zero ID")
	}

	// Duplicate subscription returns 0, no error.
	dup, err := s.InsertSubscriber("U123", "")
	if err != nil {
		t.Fatalf("duplicate insert: %v", err)
	}
	if dup != 0 {
		t.Error("expected 0 for duplicate subscriber")
	}

	active, _ := s.GetActiveSubscribers()
	if len(active) != 1 {
		t.Fatalf("expected 1 active subscriber, got %d", len(active))
	}

	s.ToggleSubscriber(id)
	active, _ = s.GetActiveSubscribers()
	if len(active) != 0 {
		t.Error("expected no active subscribers after toggle")
	}

	all, _ := s.GetAllSubscribers()
	if len(all) != 1 {
		t.Error("toggle must not delete")
	}

	s.DeleteSubscriber(id)
	all, _ = s.GetAllSubscribers()
	if len(all) != 0 {
		t.Error("expected empty after delete")
	}
}

func TestInsertSubscriberSurfacesStoreErrors(t *testing.T) {
	s := openTestStore(t)
	s.Close()

	// Only the duplicate-subscription case maps to (0, nil); a broken
	// store must report its error.
	if _, err := s.InsertSubscriber("U123", ""); err == nil {
		t.Fatal("expected error from closed store")
	}
}

func TestRunReportRoundTrip(t *testing.T) {
	s := openTestStore(t)

	r := NewRunReport()
	r.ChannelsScanned = 2
	r.MessagesScanned = 17
	r.RefsFound = 5
	r.RefsResolved = 4
	r.RefsFailed = 1
	r.ReactionsSent = 3
	finished := "2026-08-31T12:00:00Z"
	r.FinishedAt = &finished
	digest := "*3 PRs need attention*"
	r.DigestMarkdown = &digest

	if err := s.InsertRunReport(r); err != nil {
		t.Fatalf("insert run: %v", err)
	}

	got, err := s.GetRunReport(r.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got == nil {
		t.Fatal("expected run report")
	}
	if got.MessagesScanned != 17 || got.RefsFailed != 1 {
		t.Errorf("unexpected counts: %+v", got)
	}
	if got.DigestMarkdown == nil || *got.DigestMarkdown != digest {
		t.Error("digest markdown not persisted")
	}

	reports, _ := s.ListRunReports(10)
	if len(reports) != 1 {
		t.Errorf("expected 1 report, got %d", len(reports))
	}
}

func TestGetStats(t *testing.T) {
	s := openTestStore(t)
	s.UpsertRecord(testKey("C1", "1000.000100", 1), model.ReasonChangesRequested)
	s.UpsertRecord(testKey("C1", "1000.000200", 2), model.ReasonMerged)
	s.AdvanceCursor("C1", "1000.000200")
	s.InsertSubscriber("U1", "")

	stats, err := s.GetStats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalRecords != 2 {
		t.Errorf("expected 2 records, got %d", stats.TotalRecords)
	}
	if stats.AttentionRecords != 1 {
		t.Errorf("expected 1 attention record, got %d", stats.AttentionRecords)
	}
	if stats.ChannelsTracked != 1 {
		t.Errorf("expected 1 channel, got %d", stats.ChannelsTracked)
	}
	if stats.ActiveSubscribers != 1 {
		t.Errorf("expected 1 active subscriber, got %d", stats.ActiveSubscribers)
	}
}
