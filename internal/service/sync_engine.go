package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"fastintercom/internal/client/intercom"
	"fastintercom/internal/models"
	"fastintercom/internal/repository"
)

// ErrRunInProgress rejects a sync request while another run holds the engine
// or the store-wide sync lease.
var ErrRunInProgress = errors.New("sync run already in progress")

type RunState string

const (
	StateIdle          RunState = "Idle"
	StateFetching      RunState = "Fetching"
	StateClassifying   RunState = "Classifying"
	StatePersisting    RunState = "Persisting"
	StateCheckpointing RunState = "Checkpointing"
	StateDone          RunState = "Done"
	StateFailed        RunState = "Failed"
	StateTimedOut      RunState = "TimedOut"
)

func (s RunState) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateTimedOut
}

const (
	StopEndOfWindow = "end_of_window"
	StopDeadline    = "deadline"
	StopCancelled   = "cancelled"
	StopRecordCap   = "record_cap"
	StopError       = "error"
)

// RemoteClient is the part of the Intercom client the engine drives.
type RemoteClient interface {
	FetchPage(ctx context.Context, window intercom.Window, cursor *string) (intercom.Page, error)
	GetConversation(ctx context.Context, id string) (*intercom.Conversation, int, error)
}

type SyncOptions struct {
	// Timeout bounds the run's wall clock. It is checked between pages only.
	Timeout time.Duration
	// MaxRecords stops the run once this many conversations were processed.
	MaxRecords int
	// CheckpointTTL is how old an in-progress checkpoint may be and still be resumed.
	CheckpointTTL time.Duration
	// HydrateParts fetches the full conversation when a search record carries a partial part list.
	HydrateParts bool
	// LeaseTTL is how long the store-wide lease survives without a checkpoint
	// write before another process may take it over.
	LeaseTTL time.Duration
}

type SyncStats struct {
	RunID                string        `json:"run_id"`
	WindowStart          time.Time     `json:"window_start"`
	WindowEnd            time.Time     `json:"window_end"`
	StartedAt            time.Time     `json:"started_at"`
	TotalConversations   int           `json:"total_conversations"`
	NewConversations     int           `json:"new_conversations"`
	UpdatedConversations int           `json:"updated_conversations"`
	TotalMessages        int           `json:"total_messages"`
	Pages                int           `json:"pages"`
	APICalls             int           `json:"api_calls"`
	HydrationCalls       int           `json:"hydration_calls"`
	Retries              int           `json:"retries"`
	Duration             time.Duration `json:"duration"`
	State                RunState      `json:"state"`
	StopReason           string        `json:"stop_reason,omitempty"`
	Resumed              bool          `json:"resumed"`
	StartCursor          *string       `json:"start_cursor,omitempty"`
}

// SyncEngine mirrors one time window at a time from the remote API into the
// store. At most one run is in flight per store: the engine lock covers this
// process and the store lease covers engines in other processes. Pages are
// applied strictly in order.
type SyncEngine struct {
	Remote   RemoteClient
	Store    repository.SyncRepository
	Logger   *zap.Logger
	Progress *ProgressHub
	Defaults SyncOptions
	Now      func() time.Time

	runMu   sync.Mutex
	stateMu sync.RWMutex
	state   RunState
	current SyncStats
}

// State reports the current run state, or the terminal state of the last run.
func (e *SyncEngine) State() RunState {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	if e.state == "" {
		return StateIdle
	}
	return e.state
}

// Current returns a snapshot of the in-flight run's stats. ok is false when
// no run is executing.
func (e *SyncEngine) Current() (SyncStats, bool) {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	if e.state == "" || e.state == StateIdle || e.state.Terminal() {
		return SyncStats{}, false
	}
	return e.current, true
}

// SyncWindow runs the fetch, classify, persist and checkpoint loop over
// [start, end]. A timeout, cancellation or record cap ends the run as
// TimedOut with a nil error. Any client or store error ends it as Failed;
// the partial stats are returned together with the error.
func (e *SyncEngine) SyncWindow(ctx context.Context, start, end time.Time, opts SyncOptions) (SyncStats, error) {
	window := intercom.Window{Start: start.UTC(), End: end.UTC()}
	if err := window.Validate(); err != nil {
		return SyncStats{}, err
	}
	if e.Remote == nil || e.Store == nil {
		return SyncStats{}, fmt.Errorf("sync engine is not configured")
	}
	if !e.runMu.TryLock() {
		return SyncStats{}, ErrRunInProgress
	}
	defer e.runMu.Unlock()

	run := &syncRun{
		engine: e,
		window: window,
		key:    window.Key(),
		opts:   e.withDefaults(opts),
		logger: e.logger(),
		// Page work is not preemptible: only the between-page checks look at ctx.
		work: context.WithoutCancel(ctx),
	}
	run.stats = SyncStats{
		RunID:       uuid.NewString(),
		WindowStart: window.Start,
		WindowEnd:   window.End,
		StartedAt:   e.now(),
		State:       StateIdle,
	}
	if run.opts.Timeout > 0 {
		run.deadline = run.stats.StartedAt.Add(run.opts.Timeout)
	}

	held, err := e.Store.AcquireLease(run.work, run.stats.RunID, run.stats.StartedAt, run.opts.LeaseTTL)
	if err != nil {
		return SyncStats{}, fmt.Errorf("acquire sync lease: %w", err)
	}
	if !held {
		return SyncStats{}, ErrRunInProgress
	}
	defer func() {
		if err := e.Store.ReleaseLease(run.work, run.stats.RunID); err != nil {
			run.logger.Warn("release sync lease failed", zap.String("run_id", run.stats.RunID), zap.Error(err))
		}
	}()
	return run.execute(ctx)
}

func (e *SyncEngine) withDefaults(opts SyncOptions) SyncOptions {
	if opts.Timeout <= 0 {
		opts.Timeout = e.Defaults.Timeout
	}
	if opts.MaxRecords <= 0 {
		opts.MaxRecords = e.Defaults.MaxRecords
	}
	if opts.CheckpointTTL <= 0 {
		opts.CheckpointTTL = e.Defaults.CheckpointTTL
	}
	if opts.CheckpointTTL <= 0 {
		opts.CheckpointTTL = time.Hour
	}
	if !opts.HydrateParts {
		opts.HydrateParts = e.Defaults.HydrateParts
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = e.Defaults.LeaseTTL
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 10 * time.Minute
	}
	return opts
}

func (e *SyncEngine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e *SyncEngine) logger() *zap.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return zap.NewNop()
}

func (e *SyncEngine) setState(state RunState, stats SyncStats) {
	e.stateMu.Lock()
	e.state = state
	e.current = stats
	e.stateMu.Unlock()
}

type syncRun struct {
	engine   *SyncEngine
	window   intercom.Window
	key      string
	opts     SyncOptions
	logger   *zap.Logger
	work     context.Context
	deadline time.Time
	stats    SyncStats
	cursor   *string
	page     int
}

func (r *syncRun) execute(ctx context.Context) (SyncStats, error) {
	if err := r.prepare(); err != nil {
		return r.fail(err)
	}
	r.publish(EventRunStarted, "")
	r.logger.Info("sync run started",
		zap.String("run_id", r.stats.RunID),
		zap.String("window", r.key),
		zap.Bool("resumed", r.stats.Resumed),
	)

	for {
		if reason := r.stopReason(ctx); reason != "" {
			return r.finish(StateTimedOut, reason)
		}

		r.transition(StateFetching)
		page, err := r.engine.Remote.FetchPage(r.work, r.window, r.cursor)
		r.countCall(page.Attempts)
		if err != nil {
			return r.fail(err)
		}

		r.transition(StateClassifying)
		records, err := r.classify(page.Conversations)
		if err != nil {
			return r.fail(err)
		}

		r.transition(StatePersisting)
		if err := r.persist(records); err != nil {
			return r.fail(err)
		}

		r.transition(StateCheckpointing)
		if err := r.checkpoint(page.NextCursor); err != nil {
			return r.fail(err)
		}
		r.publish(EventPagePersisted, "")

		if page.NextCursor == nil {
			return r.finish(StateDone, StopEndOfWindow)
		}
		r.cursor = page.NextCursor
	}
}

// prepare records the run as Running, loads the window checkpoint and decides
// whether to resume from it. It then claims the checkpoint for this run.
func (r *syncRun) prepare() error {
	if err := r.engine.Store.RecordRun(r.work, r.history(nil, nil)); err != nil {
		return err
	}
	cp, err := r.engine.Store.LoadCheckpoint(r.work, r.key)
	if err != nil {
		return err
	}
	now := r.engine.now()
	if cp != nil && cp.Status == models.CheckpointInProgress && cp.Cursor != nil && now.Sub(cp.UpdatedAt) <= r.opts.CheckpointTTL {
		cursor := *cp.Cursor
		r.cursor = &cursor
		r.page = cp.Page
		r.stats.Resumed = true
		r.stats.StartCursor = &cursor
	}
	return r.engine.Store.SaveCheckpoint(r.work, &models.SyncCheckpoint{
		WindowKey:     r.key,
		WindowStart:   r.window.Start,
		WindowEnd:     r.window.End,
		RunID:         r.stats.RunID,
		Cursor:        r.cursor,
		Page:          r.page,
		Status:        models.CheckpointInProgress,
		LastAttemptAt: &now,
		LastSuccessAt: lastSuccess(cp),
		StatsJSON:     statsJSON(r.stats),
		UpdatedAt:     now,
	})
}

type normalizedRecord struct {
	conversation *models.Conversation
	messages     []models.Message
}

func (r *syncRun) classify(raws []intercom.Conversation) ([]normalizedRecord, error) {
	now := r.engine.now()
	out := make([]normalizedRecord, 0, len(raws))
	for _, raw := range raws {
		if r.opts.HydrateParts && needsParts(raw) {
			full, attempts, err := r.engine.Remote.GetConversation(r.work, raw.ID.String())
			r.stats.HydrationCalls++
			r.countRetries(attempts)
			if err != nil {
				return nil, err
			}
			if full != nil {
				raw = *full
			}
		}
		conversation, messages, err := normalizeConversation(raw, now)
		if err != nil {
			return nil, err
		}
		out = append(out, normalizedRecord{conversation: conversation, messages: messages})
	}
	return out, nil
}

func (r *syncRun) persist(records []normalizedRecord) error {
	for _, rec := range records {
		res, err := r.engine.Store.UpsertConversation(r.work, rec.conversation)
		if err != nil {
			return err
		}
		r.stats.TotalConversations++
		switch {
		case res.Outcome == repository.Created:
			r.stats.NewConversations++
		case res.Changed:
			r.stats.UpdatedConversations++
		}
		for i := range rec.messages {
			if err := r.engine.Store.UpsertMessage(r.work, &rec.messages[i]); err != nil {
				return err
			}
		}
		r.stats.TotalMessages += len(rec.messages)
	}
	return nil
}

// checkpoint records the cursor of the next page. It runs only after every
// record of the current page is committed.
func (r *syncRun) checkpoint(next *string) error {
	now := r.engine.now()
	status := models.CheckpointInProgress
	if next == nil {
		status = models.CheckpointCompleted
	}
	r.stats.Pages++
	r.stats.Duration = now.Sub(r.stats.StartedAt)
	err := r.engine.Store.SaveCheckpoint(r.work, &models.SyncCheckpoint{
		WindowKey:     r.key,
		WindowStart:   r.window.Start,
		WindowEnd:     r.window.End,
		RunID:         r.stats.RunID,
		Cursor:        next,
		Page:          r.page + 1,
		Status:        status,
		LastAttemptAt: &now,
		LastSuccessAt: &now,
		StatsJSON:     statsJSON(r.stats),
		UpdatedAt:     now,
	})
	if err != nil {
		r.stats.Pages--
		return err
	}
	r.page++
	return nil
}

func (r *syncRun) stopReason(ctx context.Context) string {
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return StopDeadline
		}
		return StopCancelled
	}
	if !r.deadline.IsZero() && !r.engine.now().Before(r.deadline) {
		return StopDeadline
	}
	if r.opts.MaxRecords > 0 && r.stats.TotalConversations >= r.opts.MaxRecords {
		return StopRecordCap
	}
	return ""
}

// countCall counts one logical page request and its retries.
func (r *syncRun) countCall(attempts int) {
	r.stats.APICalls++
	r.countRetries(attempts)
}

func (r *syncRun) countRetries(attempts int) {
	if attempts > 1 {
		r.stats.Retries += attempts - 1
	}
}

func (r *syncRun) transition(state RunState) {
	r.stats.State = state
	r.engine.setState(state, r.stats)
}

func (r *syncRun) finish(state RunState, reason string) (SyncStats, error) {
	r.stats.State = state
	r.stats.StopReason = reason
	r.stats.Duration = r.engine.now().Sub(r.stats.StartedAt)
	r.engine.setState(state, r.stats)
	r.record(nil)
	r.publish(EventRunFinished, "")
	r.logger.Info("sync run finished",
		zap.String("run_id", r.stats.RunID),
		zap.String("state", string(state)),
		zap.String("stop_reason", reason),
		zap.Int("conversations", r.stats.TotalConversations),
		zap.Int("new", r.stats.NewConversations),
		zap.Int("updated", r.stats.UpdatedConversations),
		zap.Int("messages", r.stats.TotalMessages),
		zap.Int("pages", r.stats.Pages),
		zap.Int("api_calls", r.stats.APICalls),
		zap.Int("hydration_calls", r.stats.HydrationCalls),
		zap.Int("retries", r.stats.Retries),
		zap.Duration("duration", r.stats.Duration),
	)
	return r.stats, nil
}

func (r *syncRun) fail(cause error) (SyncStats, error) {
	now := r.engine.now()
	r.stats.State = StateFailed
	r.stats.StopReason = StopError
	r.stats.Duration = now.Sub(r.stats.StartedAt)
	r.engine.setState(StateFailed, r.stats)
	if err := r.engine.Store.MarkCheckpointError(r.work, r.key, r.stats.RunID, now, cause); err != nil {
		r.logger.Warn("record checkpoint error failed", zap.String("window", r.key), zap.Error(err))
	}
	r.record(cause)
	r.publish(EventRunFinished, cause.Error())
	r.logger.Error("sync run failed",
		zap.String("run_id", r.stats.RunID),
		zap.String("window", r.key),
		zap.Int("pages", r.stats.Pages),
		zap.Int("conversations", r.stats.TotalConversations),
		zap.Error(cause),
	)
	return r.stats, fmt.Errorf("sync window %s: %w", r.key, cause)
}

func (r *syncRun) record(cause error) {
	finished := r.engine.now()
	if err := r.engine.Store.RecordRun(r.work, r.history(&finished, cause)); err != nil {
		r.logger.Warn("record sync run failed", zap.String("run_id", r.stats.RunID), zap.Error(err))
	}
}

// history builds the run row. A nil finished time marks the run as Running.
func (r *syncRun) history(finished *time.Time, cause error) *models.SyncRun {
	state := string(r.stats.State)
	if finished == nil {
		state = models.SyncRunRunning
	}
	item := &models.SyncRun{
		RunID:                r.stats.RunID,
		WindowStart:          r.window.Start,
		WindowEnd:            r.window.End,
		StartedAt:            r.stats.StartedAt,
		FinishedAt:           finished,
		State:                state,
		StopReason:           r.stats.StopReason,
		Resumed:              r.stats.Resumed,
		TotalConversations:   r.stats.TotalConversations,
		NewConversations:     r.stats.NewConversations,
		UpdatedConversations: r.stats.UpdatedConversations,
		TotalMessages:        r.stats.TotalMessages,
		Pages:                r.stats.Pages,
		APICalls:             r.stats.APICalls,
		HydrationCalls:       r.stats.HydrationCalls,
		Retries:              r.stats.Retries,
		DurationMS:           r.stats.Duration.Milliseconds(),
	}
	if cause != nil {
		msg := cause.Error()
		item.Error = &msg
	}
	return item
}

func (r *syncRun) publish(kind, errMsg string) {
	r.engine.Progress.Publish(ProgressEvent{
		Type:  kind,
		RunID: r.stats.RunID,
		State: r.stats.State,
		Page:  r.page,
		Stats: r.stats,
		Error: errMsg,
		At:    r.engine.now(),
	})
}

func needsParts(raw intercom.Conversation) bool {
	if raw.ConversationParts == nil {
		return true
	}
	return len(raw.ConversationParts.Parts) < raw.ConversationParts.TotalCount
}

func lastSuccess(cp *models.SyncCheckpoint) *time.Time {
	if cp == nil {
		return nil
	}
	return cp.LastSuccessAt
}

func statsJSON(stats SyncStats) datatypes.JSON {
	raw, err := json.Marshal(stats)
	if err != nil {
		return nil
	}
	return datatypes.JSON(raw)
}
