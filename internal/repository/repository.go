package repository

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"fastintercom/internal/models"
)

var (
	// ErrDanglingReference is returned when a message names a conversation that was never stored.
	ErrDanglingReference = errors.New("dangling reference: parent conversation does not exist")
	// ErrCheckpointRegression is returned when a run tries to move its checkpoint backwards.
	ErrCheckpointRegression = errors.New("checkpoint regression")
	// ErrLeaseLost is returned when a run writes a checkpoint without holding the sync lease.
	ErrLeaseLost = errors.New("sync lease lost")
)

type UpsertOutcome string

const (
	Created UpsertOutcome = "created"
	Updated UpsertOutcome = "updated"
)

// UpsertResult classifies a conversation write. Changed is always true for
// Created; for Updated it reports whether any stored attribute moved.
type UpsertResult struct {
	Outcome UpsertOutcome
	Changed bool
}

// SyncRepository is the write side used by the sync engine.
type SyncRepository interface {
	AcquireLease(ctx context.Context, runID string, now time.Time, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, runID string) error
	UpsertConversation(ctx context.Context, item *models.Conversation) (UpsertResult, error)
	UpsertMessage(ctx context.Context, item *models.Message) error
	LoadCheckpoint(ctx context.Context, windowKey string) (*models.SyncCheckpoint, error)
	SaveCheckpoint(ctx context.Context, item *models.SyncCheckpoint) error
	MarkCheckpointError(ctx context.Context, windowKey, runID string, at time.Time, cause error) error
	ResetCheckpoint(ctx context.Context, windowKey string) error
	PruneCheckpoints(ctx context.Context, keep string, before time.Time) (int64, error)
	LatestCheckpoint(ctx context.Context) (*models.SyncCheckpoint, error)
	LastCompletedCheckpoint(ctx context.Context) (*models.SyncCheckpoint, error)
	RecordRun(ctx context.Context, item *models.SyncRun) error
}

// QueryRepository is the read side served to analytic callers. Each call
// reads one committed state of the store.
type QueryRepository interface {
	// ReadSnapshot runs fn against a repository pinned to a single snapshot,
	// so several reads agree with each other.
	ReadSnapshot(ctx context.Context, fn func(repo QueryRepository) error) error
	SearchConversations(ctx context.Context, params SearchConversationsParams) ([]models.Conversation, error)
	// SearchPage returns one page of matches together with the total match count.
	SearchPage(ctx context.Context, params SearchConversationsParams) ([]models.Conversation, int64, error)
	CountConversations(ctx context.Context, params SearchConversationsParams) (int64, error)
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]models.Message, error)
	CountMessages(ctx context.Context) (int64, error)
	Metrics(ctx context.Context, since, until *time.Time) (Metrics, error)
	ListCheckpoints(ctx context.Context) ([]models.SyncCheckpoint, error)
	ListRecentRuns(ctx context.Context, limit int) ([]models.SyncRun, error)
	LastRun(ctx context.Context) (*models.SyncRun, error)
	CurrentLease(ctx context.Context) (*models.SyncLease, error)
}

type Repository interface {
	SyncRepository
	QueryRepository
	ResetAll(ctx context.Context) error
}

type SearchConversationsParams struct {
	Limit         int
	Offset        int
	Query         *string
	CustomerEmail *string
	State         *models.ConversationState
	Tag           *string
	Since         *time.Time
	Until         *time.Time
	OrderBy       string
	Asc           *bool
	// WithMessages preloads every message ordered by creation time.
	WithMessages bool
}

type StateCount struct {
	State models.ConversationState `json:"state"`
	Count int64                    `json:"count"`
}

type TagCount struct {
	Tag   string `json:"tag"`
	Count int64  `json:"count"`
}

type Metrics struct {
	Since                      *time.Time      `json:"since,omitempty"`
	Until                      *time.Time      `json:"until,omitempty"`
	Conversations              int64           `json:"conversations"`
	Messages                   int64           `json:"messages"`
	CustomerMessages           int64           `json:"customer_messages"`
	AdminMessages              int64           `json:"admin_messages"`
	ByState                    []StateCount    `json:"by_state"`
	Responded                  int64           `json:"responded"`
	AvgResponseSeconds         decimal.Decimal `json:"avg_response_seconds"`
	MedianResponseSeconds      decimal.Decimal `json:"median_response_seconds"`
	Resolved                   int64           `json:"resolved"`
	AvgMessagesPerConversation decimal.Decimal `json:"avg_messages_per_conversation"`
	TopTags                    []TagCount      `json:"top_tags"`
}
