package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"fastintercom/internal/client/intercom"
	"fastintercom/internal/models"
	"fastintercom/internal/repository"
	gormrepository "fastintercom/internal/repository/gorm"
)

var testWindowEnd = testT0.Add(2 * time.Hour)

func newEngine(remote RemoteClient, store repository.SyncRepository) *SyncEngine {
	return &SyncEngine{Remote: remote, Store: store, Progress: NewProgressHub()}
}

func windowKey() string {
	return intercom.Window{Start: testT0, End: testWindowEnd}.Key()
}

func TestSyncWindow_FreshWindow(t *testing.T) {
	store := newTestStore(t)
	remote := newFakeRemote(buildPages([]int{50, 50, 20}, updatedAt(testT0.Add(30*time.Minute))))
	engine := newEngine(remote, store)

	stats, err := engine.SyncWindow(context.Background(), testT0, testWindowEnd, SyncOptions{})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if stats.TotalConversations != 120 || stats.NewConversations != 120 || stats.UpdatedConversations != 0 {
		t.Fatalf("stats=%+v", stats)
	}
	if stats.Pages != 3 || stats.APICalls != 3 || stats.Retries != 0 {
		t.Fatalf("pages=%d api_calls=%d retries=%d", stats.Pages, stats.APICalls, stats.Retries)
	}
	if stats.TotalMessages != 240 {
		t.Fatalf("messages=%d want 240", stats.TotalMessages)
	}
	if stats.State != StateDone || stats.StopReason != StopEndOfWindow || engine.State() != StateDone {
		t.Fatalf("state=%s reason=%s engine=%s", stats.State, stats.StopReason, engine.State())
	}

	cp, err := store.LoadCheckpoint(context.Background(), windowKey())
	if err != nil || cp == nil {
		t.Fatalf("checkpoint=%v err=%v", cp, err)
	}
	if cp.Status != models.CheckpointCompleted || cp.Cursor != nil || cp.Page != 3 {
		t.Fatalf("checkpoint status=%s cursor=%v page=%d", cp.Status, cp.Cursor, cp.Page)
	}

	run, err := store.LastRun(context.Background())
	if err != nil || run == nil {
		t.Fatalf("run=%v err=%v", run, err)
	}
	if run.State != string(StateDone) || run.NewConversations != 120 {
		t.Fatalf("run=%+v", run)
	}

	got, err := store.GetConversation(context.Background(), "conv-007")
	if err != nil || got == nil {
		t.Fatalf("conversation=%v err=%v", got, err)
	}
	if got.ResponseTimeSeconds == nil || *got.ResponseTimeSeconds != 90 || len(got.Messages) != 2 {
		t.Fatalf("conversation=%+v", got)
	}
}

func TestSyncWindow_RerunCountsOnlyChanged(t *testing.T) {
	store := newTestStore(t)
	first := buildPages([]int{50, 50, 20}, updatedAt(testT0.Add(30*time.Minute)))
	engine := newEngine(newFakeRemote(first), store)
	if _, err := engine.SyncWindow(context.Background(), testT0, testWindowEnd, SyncOptions{}); err != nil {
		t.Fatalf("first run: %v", err)
	}

	later := testT0.Add(45 * time.Minute)
	second := buildPages([]int{50, 50, 20}, func(n int) time.Time {
		if n%12 == 0 {
			return later
		}
		return testT0.Add(30 * time.Minute)
	})
	engine.Remote = newFakeRemote(second)
	stats, err := engine.SyncWindow(context.Background(), testT0, testWindowEnd, SyncOptions{})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if stats.TotalConversations != 120 || stats.NewConversations != 0 || stats.UpdatedConversations != 10 {
		t.Fatalf("stats=%+v", stats)
	}
	if stats.Resumed {
		t.Fatalf("completed window must not resume")
	}
}

func TestSyncWindow_RateLimitRecovery(t *testing.T) {
	pages := buildPages([]int{50, 50, 20}, updatedAt(testT0.Add(30*time.Minute)))
	var page2Hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Pagination struct {
				StartingAfter string `json:"starting_after"`
			} `json:"pagination"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		cursor := req.Pagination.StartingAfter
		if cursor == "p2" && atomic.AddInt32(&page2Hits, 1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		page := pages[cursor]
		body := map[string]any{"type": "conversation.list", "conversations": page.Conversations}
		if page.NextCursor != nil {
			body["pages"] = map[string]any{"next": map[string]any{"starting_after": *page.NextCursor}}
		}
		_ = json.NewEncoder(w).Encode(body)
	}))
	defer server.Close()

	client := intercom.NewClient(intercom.Options{
		BaseURL:             server.URL,
		HTTPClient:          server.Client(),
		MaxRetries:          1,
		MaxRateLimitRetries: 3,
		BaseDelay:           time.Millisecond,
		MaxDelay:            2 * time.Millisecond,
	})
	engine := newEngine(client, newTestStore(t))

	stats, err := engine.SyncWindow(context.Background(), testT0, testWindowEnd, SyncOptions{})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	want := SyncStats{TotalConversations: 120, NewConversations: 120, Pages: 3, APICalls: 3, Retries: 2, TotalMessages: 240, State: StateDone}
	got := SyncStats{
		TotalConversations:   stats.TotalConversations,
		NewConversations:     stats.NewConversations,
		UpdatedConversations: stats.UpdatedConversations,
		Pages:                stats.Pages,
		APICalls:             stats.APICalls,
		Retries:              stats.Retries,
		TotalMessages:        stats.TotalMessages,
		State:                stats.State,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("stats mismatch (-want +got):\n%s", diff)
	}
}

func TestSyncWindow_ResumeMatchesUninterruptedRun(t *testing.T) {
	pages := buildPages([]int{50, 50, 20}, updatedAt(testT0.Add(30*time.Minute)))

	reference := newTestStore(t)
	if _, err := newEngine(newFakeRemote(pages), reference).SyncWindow(context.Background(), testT0, testWindowEnd, SyncOptions{}); err != nil {
		t.Fatalf("reference run: %v", err)
	}

	store := newTestStore(t)
	first := newFakeRemote(pages)
	engine := newEngine(first, store)
	stats, err := engine.SyncWindow(context.Background(), testT0, testWindowEnd, SyncOptions{MaxRecords: 50})
	if err != nil {
		t.Fatalf("capped run: %v", err)
	}
	if stats.State != StateTimedOut || stats.StopReason != StopRecordCap || stats.Pages != 1 {
		t.Fatalf("capped stats=%+v", stats)
	}

	second := newFakeRemote(pages)
	engine.Remote = second
	stats, err = engine.SyncWindow(context.Background(), testT0, testWindowEnd, SyncOptions{})
	if err != nil {
		t.Fatalf("resumed run: %v", err)
	}
	if !stats.Resumed || stats.Pages != 2 || stats.NewConversations != 70 {
		t.Fatalf("resumed stats=%+v", stats)
	}
	if diff := cmp.Diff([]string{"p2", "p3"}, second.requested()); diff != "" {
		t.Fatalf("resumed cursors (-want +got):\n%s", diff)
	}

	assertSameConversations(t, reference, store)
}

func TestSyncWindow_StaleCheckpointRestarts(t *testing.T) {
	store := newTestStore(t)
	old := time.Now().UTC().Add(-3 * time.Hour)
	cursor := "p2"
	seedCheckpoint(t, store, &models.SyncCheckpoint{
		WindowKey:   windowKey(),
		WindowStart: testT0,
		WindowEnd:   testWindowEnd,
		RunID:       "old-run",
		Cursor:      &cursor,
		Page:        1,
		Status:      models.CheckpointInProgress,
		UpdatedAt:   old,
	})

	remote := newFakeRemote(buildPages([]int{5, 5}, updatedAt(testT0.Add(time.Minute))))
	stats, err := newEngine(remote, store).SyncWindow(context.Background(), testT0, testWindowEnd, SyncOptions{CheckpointTTL: time.Hour})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if stats.Resumed || stats.TotalConversations != 10 {
		t.Fatalf("stats=%+v", stats)
	}
	if got := remote.requested(); len(got) != 2 || got[0] != "" {
		t.Fatalf("cursors=%v want restart from window start", got)
	}
}

func TestSyncWindow_FailureKeepsLastCheckpoint(t *testing.T) {
	store := newTestStore(t)
	pages := buildPages([]int{10, 10, 10}, updatedAt(testT0.Add(time.Minute)))
	remote := newFakeRemote(pages)
	remote.errs["p2"] = intercom.ErrRemoteUnavailable
	remote.attempts["p2"] = 4
	engine := newEngine(remote, store)

	stats, err := engine.SyncWindow(context.Background(), testT0, testWindowEnd, SyncOptions{})
	if !errors.Is(err, intercom.ErrRemoteUnavailable) {
		t.Fatalf("err=%v want ErrRemoteUnavailable", err)
	}
	if stats.State != StateFailed || stats.Pages != 1 || stats.TotalConversations != 10 || stats.Retries != 3 {
		t.Fatalf("stats=%+v", stats)
	}

	cp, _ := store.LoadCheckpoint(context.Background(), windowKey())
	if cp == nil || cp.Status != models.CheckpointInProgress || cp.Cursor == nil || *cp.Cursor != "p2" {
		t.Fatalf("checkpoint=%+v", cp)
	}
	if cp.LastError == nil {
		t.Fatalf("checkpoint last_error not recorded")
	}

	delete(remote.errs, "p2")
	stats, err = engine.SyncWindow(context.Background(), testT0, testWindowEnd, SyncOptions{})
	if err != nil {
		t.Fatalf("retry run: %v", err)
	}
	if !stats.Resumed || stats.NewConversations != 20 || stats.State != StateDone {
		t.Fatalf("retry stats=%+v", stats)
	}
}

func TestSyncWindow_MalformedRecordFails(t *testing.T) {
	store := newTestStore(t)
	pages := buildPages([]int{3}, updatedAt(testT0.Add(time.Minute)))
	page := pages[""]
	page.Conversations[1].State = "archived"
	pages[""] = page

	stats, err := newEngine(newFakeRemote(pages), store).SyncWindow(context.Background(), testT0, testWindowEnd, SyncOptions{})
	if !errors.Is(err, intercom.ErrRemoteProtocol) {
		t.Fatalf("err=%v want ErrRemoteProtocol", err)
	}
	if stats.State != StateFailed || stats.TotalConversations != 0 {
		t.Fatalf("stats=%+v", stats)
	}
	total, _ := store.CountConversations(context.Background(), repository.SearchConversationsParams{})
	if total != 0 {
		t.Fatalf("stored=%d want 0", total)
	}
}

func TestSyncWindow_CancelFinishesCurrentPage(t *testing.T) {
	store := newTestStore(t)
	remote := newFakeRemote(buildPages([]int{5, 5, 5}, updatedAt(testT0.Add(time.Minute))))
	ctx, cancel := context.WithCancel(context.Background())
	remote.hook = func(cursor string) {
		if cursor == "" {
			cancel()
		}
	}

	stats, err := newEngine(remote, store).SyncWindow(ctx, testT0, testWindowEnd, SyncOptions{})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if stats.State != StateTimedOut || stats.StopReason != StopCancelled || stats.Pages != 1 || stats.TotalConversations != 5 {
		t.Fatalf("stats=%+v", stats)
	}
	cp, _ := store.LoadCheckpoint(context.Background(), windowKey())
	if cp == nil || cp.Cursor == nil || *cp.Cursor != "p2" || cp.Page != 1 {
		t.Fatalf("checkpoint=%+v", cp)
	}
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestSyncWindow_DeadlineCheckedBetweenPages(t *testing.T) {
	store := newTestStore(t)
	clock := &testClock{now: time.Now().UTC()}
	remote := newFakeRemote(buildPages([]int{5, 5, 5}, updatedAt(testT0.Add(time.Minute))))
	remote.hook = func(string) { clock.Advance(20 * time.Minute) }
	engine := newEngine(remote, store)
	engine.Now = clock.Now

	stats, err := engine.SyncWindow(context.Background(), testT0, testWindowEnd, SyncOptions{Timeout: 30 * time.Minute})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	// Page 2 starts at +20m and is allowed to finish at +40m.
	if stats.State != StateTimedOut || stats.StopReason != StopDeadline || stats.Pages != 2 {
		t.Fatalf("stats=%+v", stats)
	}
}

func TestSyncWindow_RejectsConcurrentRun(t *testing.T) {
	store := newTestStore(t)
	remote := newFakeRemote(buildPages([]int{5, 5}, updatedAt(testT0.Add(time.Minute))))
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	remote.hook = func(string) {
		once.Do(func() {
			close(started)
			<-release
		})
	}
	engine := newEngine(remote, store)

	type result struct {
		stats SyncStats
		err   error
	}
	done := make(chan result, 1)
	go func() {
		stats, err := engine.SyncWindow(context.Background(), testT0, testWindowEnd, SyncOptions{})
		done <- result{stats, err}
	}()
	<-started

	if _, err := engine.SyncWindow(context.Background(), testT0, testWindowEnd, SyncOptions{}); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("err=%v want ErrRunInProgress", err)
	}
	if state := engine.State(); state != StateFetching {
		t.Fatalf("state=%s want Fetching", state)
	}
	close(release)

	res := <-done
	if res.err != nil || res.stats.State != StateDone || res.stats.Pages != 2 {
		t.Fatalf("first run stats=%+v err=%v", res.stats, res.err)
	}
	cp, _ := store.LoadCheckpoint(context.Background(), windowKey())
	if cp == nil || cp.Status != models.CheckpointCompleted || cp.Page != 2 || cp.RunID != res.stats.RunID {
		t.Fatalf("checkpoint=%+v", cp)
	}
}

func TestSyncWindow_PublishesProgress(t *testing.T) {
	store := newTestStore(t)
	engine := newEngine(newFakeRemote(buildPages([]int{2, 2}, updatedAt(testT0.Add(time.Minute)))), store)
	events, cancel := engine.Progress.Subscribe(16)
	defer cancel()

	if _, err := engine.SyncWindow(context.Background(), testT0, testWindowEnd, SyncOptions{}); err != nil {
		t.Fatalf("err=%v", err)
	}
	var kinds []string
	for len(events) > 0 {
		kinds = append(kinds, (<-events).Type)
	}
	want := []string{EventRunStarted, EventPagePersisted, EventPagePersisted, EventRunFinished}
	if diff := cmp.Diff(want, kinds); diff != "" {
		t.Fatalf("events (-want +got):\n%s", diff)
	}
}

func assertSameConversations(t *testing.T, want, got *gormrepository.Store) {
	t.Helper()
	params := repository.SearchConversationsParams{Limit: 500, OrderBy: "created_at", WithMessages: true}
	a, err := want.SearchConversations(context.Background(), params)
	if err != nil {
		t.Fatalf("reference search: %v", err)
	}
	b, err := got.SearchConversations(context.Background(), params)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if diff := cmp.Diff(a, b, cmpopts.IgnoreFields(models.Conversation{}, "SyncedAt")); diff != "" {
		t.Fatalf("store state differs (-want +got):\n%s", diff)
	}
}

func TestSyncWindow_HydratesPartialParts(t *testing.T) {
	store := newTestStore(t)
	ts := testT0.Add(10 * time.Minute)
	partial := rawConversation(1, ts)
	partial.ConversationParts.TotalCount = 2

	full := rawConversation(1, ts)
	full.ConversationParts.TotalCount = 2
	full.ConversationParts.Parts = append(full.ConversationParts.Parts, intercom.Part{
		ID:        "conv-001-p2",
		PartType:  "note",
		Body:      "internal note",
		CreatedAt: full.ConversationParts.Parts[0].CreatedAt + 60,
		Author:    &intercom.Author{Type: "admin", ID: "a1", Name: "Sam"},
	})

	remote := newFakeRemote(map[string]intercom.Page{"": {Conversations: []intercom.Conversation{partial, rawConversation(2, ts)}}})
	remote.full = map[string]intercom.Conversation{"conv-001": full}
	engine := newEngine(remote, store)

	stats, err := engine.SyncWindow(context.Background(), testT0, testWindowEnd, SyncOptions{HydrateParts: true})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if diff := cmp.Diff([]string{"conv-001"}, remote.hydrated); diff != "" {
		t.Fatalf("hydrated (-want +got):\n%s", diff)
	}
	// one page request plus one hydration call, which took two attempts
	if stats.APICalls != 1 || stats.HydrationCalls != 1 || stats.Retries != 1 || stats.TotalMessages != 5 {
		t.Fatalf("api_calls=%d hydration_calls=%d retries=%d messages=%d", stats.APICalls, stats.HydrationCalls, stats.Retries, stats.TotalMessages)
	}
	got, err := store.GetConversation(context.Background(), "conv-001")
	if err != nil || got == nil || len(got.Messages) != 3 {
		t.Fatalf("conversation=%+v err=%v", got, err)
	}
}

func TestSyncWindow_SecondEngineOnSameStoreRejected(t *testing.T) {
	store := newTestStore(t)
	pages := buildPages([]int{5, 5}, updatedAt(testT0.Add(time.Minute)))
	blocked := newFakeRemote(pages)
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	blocked.hook = func(string) {
		once.Do(func() {
			close(started)
			<-release
		})
	}
	first := newEngine(blocked, store)
	second := newEngine(newFakeRemote(pages), store)

	type result struct {
		stats SyncStats
		err   error
	}
	done := make(chan result, 1)
	go func() {
		stats, err := first.SyncWindow(context.Background(), testT0, testWindowEnd, SyncOptions{})
		done <- result{stats, err}
	}()
	<-started

	if _, err := second.SyncWindow(context.Background(), testT0, testWindowEnd, SyncOptions{}); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("second engine err=%v want ErrRunInProgress", err)
	}
	lease, err := store.CurrentLease(context.Background())
	if err != nil || lease == nil {
		t.Fatalf("lease=%v err=%v", lease, err)
	}
	close(release)

	res := <-done
	if res.err != nil || res.stats.State != StateDone || res.stats.Pages != 2 {
		t.Fatalf("first run stats=%+v err=%v", res.stats, res.err)
	}
	if lease.RunID != res.stats.RunID {
		t.Fatalf("lease run=%s want %s", lease.RunID, res.stats.RunID)
	}
	cp, _ := store.LoadCheckpoint(context.Background(), windowKey())
	if cp == nil || cp.Status != models.CheckpointCompleted || cp.Page != 2 || cp.RunID != res.stats.RunID {
		t.Fatalf("checkpoint=%+v", cp)
	}
	if lease, _ := store.CurrentLease(context.Background()); lease != nil {
		t.Fatalf("lease not released: %+v", lease)
	}

	// With the lease free the other engine runs normally.
	stats, err := second.SyncWindow(context.Background(), testT0, testWindowEnd, SyncOptions{})
	if err != nil || stats.State != StateDone {
		t.Fatalf("second run stats=%+v err=%v", stats, err)
	}
}

func TestSyncWindow_StalledRunLosesLeaseAndCheckpoint(t *testing.T) {
	store := newTestStore(t)
	pages := buildPages([]int{5, 5}, updatedAt(testT0.Add(time.Minute)))
	start := time.Now().UTC()

	stalled := newFakeRemote(pages)
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	stalled.hook = func(string) {
		once.Do(func() {
			close(started)
			<-release
		})
	}
	first := newEngine(stalled, store)
	first.Now = func() time.Time { return start }
	second := newEngine(newFakeRemote(pages), store)
	second.Now = func() time.Time { return start.Add(20 * time.Minute) }

	type result struct {
		stats SyncStats
		err   error
	}
	done := make(chan result, 1)
	go func() {
		stats, err := first.SyncWindow(context.Background(), testT0, testWindowEnd, SyncOptions{LeaseTTL: 10 * time.Minute})
		done <- result{stats, err}
	}()
	<-started

	// The first run's lease expired at +10m, so the second engine takes over.
	taken, err := second.SyncWindow(context.Background(), testT0, testWindowEnd, SyncOptions{LeaseTTL: 10 * time.Minute})
	if err != nil || taken.State != StateDone || taken.Pages != 2 {
		t.Fatalf("takeover stats=%+v err=%v", taken, err)
	}
	close(release)

	res := <-done
	if !errors.Is(res.err, repository.ErrLeaseLost) || res.stats.State != StateFailed {
		t.Fatalf("stalled run stats=%+v err=%v want ErrLeaseLost", res.stats, res.err)
	}
	cp, _ := store.LoadCheckpoint(context.Background(), windowKey())
	if cp == nil || cp.Status != models.CheckpointCompleted || cp.Page != 2 || cp.RunID != taken.RunID || cp.LastError != nil {
		t.Fatalf("checkpoint=%+v want the takeover run's completed checkpoint", cp)
	}
	run, err := store.LastRun(context.Background())
	if err != nil || run == nil || run.RunID != taken.RunID || run.State != string(StateDone) {
		t.Fatalf("last run=%+v err=%v", run, err)
	}
}
