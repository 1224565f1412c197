package gormrepository

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"fastintercom/internal/config"
	"fastintercom/internal/db"
	"fastintercom/internal/models"
	"fastintercom/internal/repository"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	conn, err := db.Open(config.DBConfig{
		Driver: db.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "store.db"),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close(conn) })
	if err := db.AutoMigrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(conn.Gorm)
}

func strPtr(v string) *string { return &v }

func testConversation(id string, updated time.Time, fingerprint string) *models.Conversation {
	return &models.Conversation{
		ID:            id,
		CreatedAt:     updated.Add(-time.Hour),
		UpdatedAt:     updated,
		State:         models.ConversationOpen,
		CustomerEmail: strPtr(id + "@example.com"),
		Tags:          []string{"billing"},
		SyncedAt:      updated,
		Fingerprint:   fingerprint,
	}
}

func TestUpsertConversation_CreatedThenUpdated(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	res, err := store.UpsertConversation(ctx, testConversation("c1", now, "f1"))
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if res.Outcome != repository.Created || !res.Changed {
		t.Fatalf("first=%+v want created/changed", res)
	}

	res, err = store.UpsertConversation(ctx, testConversation("c1", now, "f1"))
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if res.Outcome != repository.Updated || res.Changed {
		t.Fatalf("second=%+v want updated/unchanged", res)
	}

	next := testConversation("c1", now.Add(time.Minute), "f2")
	next.State = models.ConversationClosed
	res, err = store.UpsertConversation(ctx, next)
	if err != nil {
		t.Fatalf("third upsert: %v", err)
	}
	if res.Outcome != repository.Updated || !res.Changed {
		t.Fatalf("third=%+v want updated/changed", res)
	}
	got, err := store.GetConversation(ctx, "c1")
	if err != nil || got == nil {
		t.Fatalf("get: %v %v", got, err)
	}
	if got.State != models.ConversationClosed {
		t.Fatalf("state=%s want closed", got.State)
	}
}

func TestUpsertConversation_OlderRecordIgnored(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if _, err := store.UpsertConversation(ctx, testConversation("c1", now, "new")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	stale := testConversation("c1", now.Add(-time.Hour), "old")
	stale.State = models.ConversationSnoozed
	res, err := store.UpsertConversation(ctx, stale)
	if err != nil {
		t.Fatalf("stale upsert: %v", err)
	}
	if res.Changed {
		t.Fatalf("stale write reported a change")
	}
	got, _ := store.GetConversation(ctx, "c1")
	if got.State != models.ConversationOpen || !got.UpdatedAt.Equal(now) {
		t.Fatalf("got state=%s updated=%v", got.State, got.UpdatedAt)
	}
}

func TestUpsertMessage_DanglingAndIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	msg := &models.Message{ID: "m1", ConversationID: "c1", CreatedAt: now, AuthorType: models.AuthorCustomer, PartType: "source", Body: "refund please"}
	err := store.UpsertMessage(ctx, msg)
	if !errors.Is(err, repository.ErrDanglingReference) {
		t.Fatalf("err=%v want ErrDanglingReference", err)
	}

	if _, err := store.UpsertConversation(ctx, testConversation("c1", now, "f1")); err != nil {
		t.Fatalf("upsert conversation: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := store.UpsertMessage(ctx, msg); err != nil {
			t.Fatalf("upsert message #%d: %v", i, err)
		}
	}
	total, err := store.CountMessages(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if total != 1 {
		t.Fatalf("messages=%d want 1", total)
	}
}

func holdLease(t *testing.T, store *Store, runID string, at time.Time) {
	t.Helper()
	held, err := store.AcquireLease(context.Background(), runID, at, time.Minute)
	if err != nil || !held {
		t.Fatalf("acquire lease %s: held=%v err=%v", runID, held, err)
	}
}

func TestSaveCheckpoint_RejectsRegression(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	holdLease(t, store, "run-a", now)

	cp := &models.SyncCheckpoint{
		WindowKey:   "w1",
		WindowStart: now.Add(-time.Hour),
		WindowEnd:   now,
		RunID:       "run-a",
		Cursor:      strPtr("cursor-2"),
		Page:        2,
		Status:      models.CheckpointInProgress,
		UpdatedAt:   now,
	}
	if err := store.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatalf("save: %v", err)
	}

	back := *cp
	back.Page = 1
	back.Cursor = strPtr("cursor-1")
	if err := store.SaveCheckpoint(ctx, &back); !errors.Is(err, repository.ErrCheckpointRegression) {
		t.Fatalf("err=%v want ErrCheckpointRegression", err)
	}

	// The next lease holder may start the window over.
	if err := store.ReleaseLease(ctx, "run-a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	holdLease(t, store, "run-b", now)
	other := *cp
	other.RunID = "run-b"
	other.Page = 1
	other.Cursor = nil
	if err := store.SaveCheckpoint(ctx, &other); err != nil {
		t.Fatalf("save other run: %v", err)
	}

	got, err := store.LoadCheckpoint(ctx, "w1")
	if err != nil || got == nil {
		t.Fatalf("load: %v %v", got, err)
	}
	if got.RunID != "run-b" || got.Page != 1 || got.Cursor != nil {
		t.Fatalf("got run=%s page=%d cursor=%v", got.RunID, got.Page, got.Cursor)
	}

	if err := store.MarkCheckpointError(ctx, "w1", "run-a", now, errors.New("stale")); err != nil {
		t.Fatalf("mark error: %v", err)
	}
	got, _ = store.LoadCheckpoint(ctx, "w1")
	if got.LastError != nil {
		t.Fatalf("another run's error landed on the checkpoint: %s", *got.LastError)
	}
	if err := store.MarkCheckpointError(ctx, "w1", "run-b", now, errors.New("boom")); err != nil {
		t.Fatalf("mark error: %v", err)
	}
	got, _ = store.LoadCheckpoint(ctx, "w1")
	if got.LastError == nil || *got.LastError != "boom" {
		t.Fatalf("last_error=%v want boom", got.LastError)
	}

	if err := store.ResetCheckpoint(ctx, "w1"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	got, err = store.LoadCheckpoint(ctx, "w1")
	if err != nil || got != nil {
		t.Fatalf("after reset got=%v err=%v", got, err)
	}
}

func TestSyncLease_ExclusiveUntilExpiry(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := store.RecordRun(ctx, &models.SyncRun{RunID: "run-a", WindowStart: now, WindowEnd: now, StartedAt: now, State: models.SyncRunRunning}); err != nil {
		t.Fatalf("record run: %v", err)
	}
	held, err := store.AcquireLease(ctx, "run-a", now, 10*time.Minute)
	if err != nil || !held {
		t.Fatalf("run-a held=%v err=%v", held, err)
	}
	held, err = store.AcquireLease(ctx, "run-b", now.Add(5*time.Minute), 10*time.Minute)
	if err != nil || held {
		t.Fatalf("run-b took a fresh lease: held=%v err=%v", held, err)
	}

	cp := &models.SyncCheckpoint{WindowKey: "w1", WindowStart: now, WindowEnd: now.Add(time.Hour), RunID: "run-a", Page: 1, Status: models.CheckpointInProgress, UpdatedAt: now.Add(8 * time.Minute)}
	if err := store.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatalf("save: %v", err)
	}
	lease, err := store.CurrentLease(ctx)
	if err != nil || lease == nil {
		t.Fatalf("lease=%v err=%v", lease, err)
	}
	if !lease.ExpiresAt.Equal(now.Add(18 * time.Minute)) {
		t.Fatalf("expires_at=%v want renewed to +18m", lease.ExpiresAt)
	}

	// Still inside the renewed lease.
	held, _ = store.AcquireLease(ctx, "run-b", now.Add(15*time.Minute), 10*time.Minute)
	if held {
		t.Fatalf("run-b took a renewed lease")
	}
	held, err = store.AcquireLease(ctx, "run-b", now.Add(20*time.Minute), 10*time.Minute)
	if err != nil || !held {
		t.Fatalf("run-b takeover held=%v err=%v", held, err)
	}

	var runA models.SyncRun
	if err := store.db.Where("run_id = ?", "run-a").Take(&runA).Error; err != nil {
		t.Fatalf("load run-a: %v", err)
	}
	if runA.State != models.SyncRunFailed || runA.FinishedAt == nil || runA.Error == nil {
		t.Fatalf("run-a=%+v want failed", runA)
	}

	next := *cp
	next.Page = 2
	next.UpdatedAt = now.Add(21 * time.Minute)
	if err := store.SaveCheckpoint(ctx, &next); !errors.Is(err, repository.ErrLeaseLost) {
		t.Fatalf("err=%v want ErrLeaseLost", err)
	}
	got, _ := store.LoadCheckpoint(ctx, "w1")
	if got.Page != 1 {
		t.Fatalf("page=%d want 1", got.Page)
	}

	if err := store.ReleaseLease(ctx, "run-a"); err != nil {
		t.Fatalf("release run-a: %v", err)
	}
	if lease, _ := store.CurrentLease(ctx); lease == nil || lease.RunID != "run-b" {
		t.Fatalf("lease=%+v want run-b", lease)
	}
	if err := store.ReleaseLease(ctx, "run-b"); err != nil {
		t.Fatalf("release run-b: %v", err)
	}
	if lease, _ := store.CurrentLease(ctx); lease != nil {
		t.Fatalf("lease=%+v want none", lease)
	}
}

func TestPruneCheckpoints(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	holdLease(t, store, "run", now)

	seed := []struct {
		key    string
		end    time.Time
		status models.CheckpointStatus
	}{
		{"old-done", now.Add(-2 * time.Hour), models.CheckpointCompleted},
		{"old-pending", now.Add(-90 * time.Minute), models.CheckpointInProgress},
		{"current", now, models.CheckpointCompleted},
	}
	for _, c := range seed {
		if err := store.SaveCheckpoint(ctx, &models.SyncCheckpoint{
			WindowKey: c.key, WindowStart: c.end.Add(-time.Hour), WindowEnd: c.end,
			RunID: "run", Page: 1, Status: c.status, UpdatedAt: now,
		}); err != nil {
			t.Fatalf("seed %s: %v", c.key, err)
		}
	}

	pruned, err := store.PruneCheckpoints(ctx, "current", now)
	if err != nil || pruned != 1 {
		t.Fatalf("pruned=%d err=%v want 1", pruned, err)
	}
	items, _ := store.ListCheckpoints(ctx)
	keys := map[string]bool{}
	for _, item := range items {
		keys[item.WindowKey] = true
	}
	if len(keys) != 2 || !keys["current"] || !keys["old-pending"] {
		t.Fatalf("remaining=%v", keys)
	}
}

func TestSearchConversations_Filters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	a := testConversation("a", now, "fa")
	b := testConversation("b", now.Add(time.Minute), "fb")
	b.Tags = []string{"bug", "urgent"}
	b.State = models.ConversationClosed
	for _, c := range []*models.Conversation{a, b} {
		if _, err := store.UpsertConversation(ctx, c); err != nil {
			t.Fatalf("upsert %s: %v", c.ID, err)
		}
	}
	if err := store.UpsertMessage(ctx, &models.Message{ID: "m-a", ConversationID: "a", CreatedAt: now, AuthorType: models.AuthorCustomer, PartType: "source", Body: "I need a Refund"}); err != nil {
		t.Fatalf("message: %v", err)
	}

	items, err := store.SearchConversations(ctx, repository.SearchConversationsParams{Query: strPtr("refund"), WithMessages: true})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(items) != 1 || items[0].ID != "a" || len(items[0].Messages) != 1 {
		t.Fatalf("text search=%+v", items)
	}

	items, err = store.SearchConversations(ctx, repository.SearchConversationsParams{Tag: strPtr("urgent")})
	if err != nil {
		t.Fatalf("tag search: %v", err)
	}
	if len(items) != 1 || items[0].ID != "b" {
		t.Fatalf("tag search=%+v", items)
	}

	closed := models.ConversationClosed
	total, err := store.CountConversations(ctx, repository.SearchConversationsParams{State: &closed})
	if err != nil || total != 1 {
		t.Fatalf("closed count=%d err=%v", total, err)
	}

	items, err = store.SearchConversations(ctx, repository.SearchConversationsParams{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 2 || items[0].ID != "b" {
		t.Fatalf("default order=%+v want b first", items)
	}
}

func TestMetrics(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, rt := range []int64{60, 120, 300} {
		c := testConversation(string(rune('a'+i)), now.Add(time.Duration(i)*time.Minute), "f")
		c.ResponseTimeSeconds = &rt
		if i == 2 {
			c.State = models.ConversationClosed
			resolved := now
			c.ResolvedAt = &resolved
		}
		if _, err := store.UpsertConversation(ctx, c); err != nil {
			t.Fatalf("upsert: %v", err)
		}
		for j, author := range []models.AuthorType{models.AuthorCustomer, models.AuthorAdmin} {
			msg := &models.Message{
				ID:             c.ID + "-" + string(rune('0'+j)),
				ConversationID: c.ID,
				CreatedAt:      now,
				AuthorType:     author,
				PartType:       "comment",
				Body:           "hi",
			}
			if err := store.UpsertMessage(ctx, msg); err != nil {
				t.Fatalf("message: %v", err)
			}
		}
	}

	m, err := store.Metrics(ctx, nil, nil)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if m.Conversations != 3 || m.Messages != 6 || m.CustomerMessages != 3 || m.AdminMessages != 3 {
		t.Fatalf("counts=%+v", m)
	}
	if m.Responded != 3 || m.Resolved != 1 {
		t.Fatalf("responded=%d resolved=%d", m.Responded, m.Resolved)
	}
	if m.AvgResponseSeconds.String() != "160" || m.MedianResponseSeconds.String() != "120" {
		t.Fatalf("avg=%s median=%s", m.AvgResponseSeconds, m.MedianResponseSeconds)
	}
	if m.AvgMessagesPerConversation.String() != "2" {
		t.Fatalf("avg messages=%s want 2", m.AvgMessagesPerConversation)
	}
	if len(m.TopTags) != 1 || m.TopTags[0].Tag != "billing" || m.TopTags[0].Count != 3 {
		t.Fatalf("top tags=%+v", m.TopTags)
	}
}

func TestReadSnapshot_IgnoresLaterCommits(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if _, err := store.UpsertConversation(ctx, testConversation("c1", now, "f1")); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	err := store.ReadSnapshot(ctx, func(repo repository.QueryRepository) error {
		before, err := repo.Metrics(ctx, nil, nil)
		if err != nil {
			return err
		}
		// Committed on another connection while the snapshot is open.
		if _, err := store.UpsertConversation(ctx, testConversation("c2", now, "f2")); err != nil {
			return err
		}
		if err := store.UpsertMessage(ctx, &models.Message{ID: "m2", ConversationID: "c2", CreatedAt: now, AuthorType: models.AuthorCustomer, PartType: "source", Body: "late"}); err != nil {
			return err
		}
		after, err := repo.Metrics(ctx, nil, nil)
		if err != nil {
			return err
		}
		items, total, err := repo.SearchPage(ctx, repository.SearchConversationsParams{})
		if err != nil {
			return err
		}
		if before.Conversations != 1 || after.Conversations != 1 || after.Messages != 0 {
			t.Errorf("snapshot moved: before=%d after=%d messages=%d", before.Conversations, after.Conversations, after.Messages)
		}
		if total != 1 || len(items) != 1 {
			t.Errorf("search total=%d items=%d want 1/1", total, len(items))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	items, total, err := store.SearchPage(ctx, repository.SearchConversationsParams{Limit: 1})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if total != 2 || len(items) != 1 {
		t.Fatalf("total=%d items=%d want 2/1", total, len(items))
	}
	m, err := store.Metrics(ctx, nil, nil)
	if err != nil || m.Conversations != 2 || m.Messages != 1 {
		t.Fatalf("metrics=%+v err=%v", m, err)
	}
}

func TestResetAll(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	if _, err := store.UpsertConversation(ctx, testConversation("c1", now, "f")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.RecordRun(ctx, &models.SyncRun{RunID: "r1", WindowStart: now, WindowEnd: now, StartedAt: now, FinishedAt: &now, State: "Done"}); err != nil {
		t.Fatalf("record run: %v", err)
	}
	holdLease(t, store, "r2", now)
	if err := store.ResetAll(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	total, _ := store.CountConversations(ctx, repository.SearchConversationsParams{})
	run, _ := store.LastRun(ctx)
	lease, _ := store.CurrentLease(ctx)
	if total != 0 || run != nil || lease != nil {
		t.Fatalf("after reset total=%d run=%v lease=%v", total, run, lease)
	}
}
