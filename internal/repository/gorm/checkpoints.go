package gormrepository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"fastintercom/internal/models"
	"fastintercom/internal/repository"
)

func (s *Store) LoadCheckpoint(ctx context.Context, windowKey string) (*models.SyncCheckpoint, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	return firstCheckpoint(s.db.WithContext(ctx).Where("window_key = ?", windowKey))
}

// SaveCheckpoint writes the checkpoint for a window and renews the sync lease
// of the writing run. A run that no longer holds the lease is rejected with
// repository.ErrLeaseLost. Within a single run the page counter only moves
// forward; a stale write is rejected with repository.ErrCheckpointRegression.
func (s *Store) SaveCheckpoint(ctx context.Context, item *models.SyncCheckpoint) error {
	if s == nil || s.db == nil {
		return nil
	}
	if item == nil || item.WindowKey == "" {
		return fmt.Errorf("checkpoint window key is required")
	}
	return s.InTx(ctx, func(tx *gorm.DB) error {
		if err := renewLease(tx, item.RunID, item.UpdatedAt); err != nil {
			return err
		}
		existing, err := firstCheckpoint(tx.Where("window_key = ?", item.WindowKey))
		if err != nil {
			return err
		}
		if existing != nil && existing.RunID == item.RunID && item.Page <= existing.Page {
			return fmt.Errorf("window %s page %d <= %d: %w", item.WindowKey, item.Page, existing.Page, repository.ErrCheckpointRegression)
		}
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "window_key"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"window_start",
				"window_end",
				"run_id",
				"cursor",
				"page",
				"status",
				"last_attempt_at",
				"last_success_at",
				"last_error",
				"stats_json",
				"updated_at",
			}),
		}).Create(item).Error
	})
}

// MarkCheckpointError records a failed attempt without moving the cursor. A
// checkpoint written by another run is left alone.
func (s *Store) MarkCheckpointError(ctx context.Context, windowKey, runID string, at time.Time, cause error) error {
	if s == nil || s.db == nil || cause == nil {
		return nil
	}
	msg := cause.Error()
	return s.db.WithContext(ctx).
		Model(&models.SyncCheckpoint{}).
		Where("window_key = ? AND run_id = ?", windowKey, runID).
		Updates(map[string]any{
			"last_attempt_at": at,
			"last_error":      &msg,
			"updated_at":      at,
		}).Error
}

func (s *Store) ResetCheckpoint(ctx context.Context, windowKey string) error {
	if s == nil || s.db == nil {
		return nil
	}
	query := s.db.WithContext(ctx)
	if windowKey == "" {
		return query.Where("1 = 1").Delete(&models.SyncCheckpoint{}).Error
	}
	return query.Where("window_key = ?", windowKey).Delete(&models.SyncCheckpoint{}).Error
}

// PruneCheckpoints deletes completed checkpoints, other than keep, whose
// window ended before endedBefore. In-progress checkpoints stay resumable.
func (s *Store) PruneCheckpoints(ctx context.Context, keep string, endedBefore time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Where("status = ? AND window_end < ? AND window_key <> ?", models.CheckpointCompleted, endedBefore.UTC(), keep).
		Delete(&models.SyncCheckpoint{})
	return res.RowsAffected, res.Error
}

func (s *Store) LatestCheckpoint(ctx context.Context) (*models.SyncCheckpoint, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	return firstCheckpoint(s.db.WithContext(ctx).Order("updated_at desc"))
}

func (s *Store) LastCompletedCheckpoint(ctx context.Context) (*models.SyncCheckpoint, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	return firstCheckpoint(s.db.WithContext(ctx).
		Where("status = ?", models.CheckpointCompleted).
		Order("window_end desc"))
}

func (s *Store) ListCheckpoints(ctx context.Context) ([]models.SyncCheckpoint, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.SyncCheckpoint
	if err := s.db.WithContext(ctx).Order("updated_at desc").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// RecordRun upserts the run history row. The engine writes it in the Running
// state once it holds the lease and again with its final stats.
func (s *Store) RecordRun(ctx context.Context, item *models.SyncRun) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "run_id"}},
		UpdateAll: true,
	}).Create(item).Error
}

func (s *Store) ListRecentRuns(ctx context.Context, limit int) ([]models.SyncRun, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.SyncRun
	if err := s.db.WithContext(ctx).
		Order("started_at desc").
		Limit(normalizeLimit(limit, 20)).
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// LastRun returns the most recently started run that has finished.
func (s *Store) LastRun(ctx context.Context) (*models.SyncRun, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.SyncRun
	err := s.db.WithContext(ctx).
		Where("finished_at IS NOT NULL").
		Order("started_at desc").
		Take(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &item, nil
}

func firstCheckpoint(query *gorm.DB) (*models.SyncCheckpoint, error) {
	var item models.SyncCheckpoint
	if err := query.Take(&item).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &item, nil
}
