package service

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"fastintercom/internal/client/intercom"
	"fastintercom/internal/config"
	"fastintercom/internal/db"
	"fastintercom/internal/models"
	gormrepository "fastintercom/internal/repository/gorm"
)

var testT0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *gormrepository.Store {
	t.Helper()
	conn, err := db.Open(config.DBConfig{
		Driver: db.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "sync.db"),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close(conn) })
	if err := db.AutoMigrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return gormrepository.New(conn.Gorm)
}

// seedCheckpoint writes cp the way a finished run would have: under its own lease.
func seedCheckpoint(t *testing.T, store *gormrepository.Store, cp *models.SyncCheckpoint) {
	t.Helper()
	ctx := context.Background()
	if held, err := store.AcquireLease(ctx, cp.RunID, cp.UpdatedAt, time.Minute); err != nil || !held {
		t.Fatalf("lease %s: held=%v err=%v", cp.RunID, held, err)
	}
	if err := store.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatalf("seed checkpoint %s: %v", cp.WindowKey, err)
	}
	if err := store.ReleaseLease(ctx, cp.RunID); err != nil {
		t.Fatalf("release %s: %v", cp.RunID, err)
	}
}

func rawConversation(n int, updatedAt time.Time) intercom.Conversation {
	id := fmt.Sprintf("conv-%03d", n)
	created := testT0.Add(time.Duration(n) * time.Second)
	firstReply := created.Add(90 * time.Second).Unix()
	return intercom.Conversation{
		Type:      "conversation",
		ID:        intercom.FlexString(id),
		CreatedAt: created.Unix(),
		UpdatedAt: updatedAt.Unix(),
		State:     "open",
		Source: &intercom.Source{
			Type:        "conversation",
			ID:          intercom.FlexString(id + "-src"),
			DeliveredAs: "customer_initiated",
			Body:        fmt.Sprintf("<p>question %d</p>", n),
			Author:      &intercom.Author{Type: "user", ID: "u1", Name: "Pat", Email: fmt.Sprintf("c%d@example.com", n)},
		},
		Tags:       &intercom.TagList{Tags: []intercom.Tag{{ID: "1", Name: "billing"}}},
		Statistics: &intercom.Statistics{FirstAdminReplyAt: &firstReply},
		ConversationParts: &intercom.PartList{
			TotalCount: 1,
			Parts: []intercom.Part{{
				ID:        intercom.FlexString(id + "-p1"),
				PartType:  "comment",
				Body:      "answer",
				CreatedAt: firstReply,
				Author:    &intercom.Author{Type: "admin", ID: "a1", Name: "Sam"},
			}},
		},
	}
}

// buildPages splits sequential conversations into a cursor chain "", "p2", "p3", ...
func buildPages(sizes []int, updatedAt func(n int) time.Time) map[string]intercom.Page {
	pages := make(map[string]intercom.Page, len(sizes))
	n := 0
	for i, size := range sizes {
		key := ""
		if i > 0 {
			key = fmt.Sprintf("p%d", i+1)
		}
		page := intercom.Page{Attempts: 1}
		for j := 0; j < size; j++ {
			page.Conversations = append(page.Conversations, rawConversation(n, updatedAt(n)))
			n++
		}
		if i < len(sizes)-1 {
			next := fmt.Sprintf("p%d", i+2)
			page.NextCursor = &next
		}
		pages[key] = page
	}
	return pages
}

func updatedAt(ts time.Time) func(int) time.Time {
	return func(int) time.Time { return ts }
}

type fakeRemote struct {
	mu       sync.Mutex
	pages    map[string]intercom.Page
	errs     map[string]error
	attempts map[string]int
	cursors  []string
	hook     func(cursor string)
	full     map[string]intercom.Conversation
	hydrated []string
}

func newFakeRemote(pages map[string]intercom.Page) *fakeRemote {
	return &fakeRemote{pages: pages, errs: map[string]error{}, attempts: map[string]int{}}
}

func (f *fakeRemote) FetchPage(ctx context.Context, window intercom.Window, cursor *string) (intercom.Page, error) {
	key := ""
	if cursor != nil {
		key = *cursor
	}
	f.mu.Lock()
	f.cursors = append(f.cursors, key)
	hook := f.hook
	err := f.errs[key]
	page, ok := f.pages[key]
	attempts := f.attempts[key]
	f.mu.Unlock()

	if hook != nil {
		hook(key)
	}
	if attempts == 0 {
		attempts = 1
	}
	if err != nil {
		return intercom.Page{Attempts: attempts}, err
	}
	if !ok {
		return intercom.Page{Attempts: attempts}, fmt.Errorf("%w: unknown cursor %q", intercom.ErrRemoteProtocol, key)
	}
	page.Attempts = attempts
	return page, nil
}

func (f *fakeRemote) GetConversation(ctx context.Context, id string) (*intercom.Conversation, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hydrated = append(f.hydrated, id)
	full, ok := f.full[id]
	if !ok {
		return nil, 1, fmt.Errorf("%w: conversation %s not found", intercom.ErrRemoteProtocol, id)
	}
	return &full, 2, nil
}

func (f *fakeRemote) requested() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cursors...)
}
