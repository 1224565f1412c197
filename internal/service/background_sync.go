package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"fastintercom/internal/client/intercom"
	"fastintercom/internal/models"
	"fastintercom/internal/repository"
)

// BackgroundSync keeps the store near-current by syncing a trailing window on
// every tick. Each tick is an independent engine run.
type BackgroundSync struct {
	Engine          *SyncEngine
	Store           repository.SyncRepository
	Logger          *zap.Logger
	InitialSyncDays int
	// Overlap is re-read behind the last completed window end to catch late updates.
	Overlap       time.Duration
	CheckpointTTL time.Duration
	Options       SyncOptions
}

// NextWindow picks the window for the next tick. A fresh interrupted window is
// retried as-is so its checkpoint can be resumed; otherwise the window runs
// from the last completed end (minus overlap) to now.
func (b *BackgroundSync) NextWindow(ctx context.Context, now time.Time) (time.Time, time.Time, error) {
	now = now.UTC()
	latest, err := b.Store.LatestCheckpoint(ctx)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	ttl := b.CheckpointTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	if latest != nil && latest.Status == models.CheckpointInProgress && now.Sub(latest.UpdatedAt) <= ttl {
		return latest.WindowStart, latest.WindowEnd, nil
	}

	completed, err := b.Store.LastCompletedCheckpoint(ctx)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if completed == nil {
		days := b.InitialSyncDays
		if days <= 0 {
			days = 7
		}
		return now.AddDate(0, 0, -days), now, nil
	}
	start := completed.WindowEnd.Add(-b.Overlap)
	if start.After(now) {
		start = now
	}
	return start, now, nil
}

// Tick runs one background sync. A run already in flight is not an error.
// After a completed window, older completed checkpoints are pruned: the next
// window only depends on the newest completed end.
func (b *BackgroundSync) Tick(ctx context.Context) {
	logger := b.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	start, end, err := b.NextWindow(ctx, b.Engine.now())
	if err != nil {
		logger.Warn("background sync window lookup failed", zap.Error(err))
		return
	}
	stats, err := b.Engine.SyncWindow(ctx, start, end, b.Options)
	if errors.Is(err, ErrRunInProgress) {
		logger.Info("background sync skipped, run in progress")
		return
	}
	if err != nil {
		logger.Warn("background sync failed",
			zap.Time("start", start),
			zap.Time("end", end),
			zap.Int("pages", stats.Pages),
			zap.Error(err),
		)
		return
	}
	logger.Info("background sync ok",
		zap.Time("start", start),
		zap.Time("end", end),
		zap.String("state", string(stats.State)),
		zap.Int("new", stats.NewConversations),
		zap.Int("updated", stats.UpdatedConversations),
	)
	if stats.State != StateDone {
		return
	}
	key := intercom.Window{Start: stats.WindowStart, End: stats.WindowEnd}.Key()
	pruned, err := b.Store.PruneCheckpoints(ctx, key, stats.WindowEnd)
	if err != nil {
		logger.Warn("prune checkpoints failed", zap.Error(err))
		return
	}
	if pruned > 0 {
		logger.Debug("pruned completed checkpoints", zap.Int64("count", pruned))
	}
}
