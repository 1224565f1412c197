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

// AcquireLease claims the store-wide sync lease for runID. The claim wins when
// no lease exists, when the current one expired at or before now, or when
// runID already holds it. A holder that lost its lease to expiry has its
// running history row marked failed.
func (s *Store) AcquireLease(ctx context.Context, runID string, now time.Time, ttl time.Duration) (bool, error) {
	if s == nil || s.db == nil {
		return true, nil
	}
	if runID == "" {
		return false, fmt.Errorf("lease run id is required")
	}
	now = now.UTC()
	acquired := false
	err := s.InTx(ctx, func(tx *gorm.DB) error {
		previous, err := currentLease(tx)
		if err != nil {
			return err
		}
		lease := &models.SyncLease{
			Name:        models.SyncLeaseName,
			RunID:       runID,
			AcquiredAt:  now,
			HeartbeatAt: now,
			ExpiresAt:   now.Add(ttl),
			TTLMS:       ttl.Milliseconds(),
		}
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"run_id", "acquired_at", "heartbeat_at", "expires_at", "ttl_ms"}),
			Where: clause.Where{Exprs: []clause.Expression{
				clause.Expr{SQL: "sync_leases.expires_at <= ? OR sync_leases.run_id = ?", Vars: []any{now, runID}},
			}},
		}).Create(lease)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		acquired = true
		if previous == nil || previous.RunID == runID {
			return nil
		}
		msg := fmt.Sprintf("sync lease expired at %s and was taken by run %s", previous.ExpiresAt.UTC().Format(time.RFC3339), runID)
		return tx.Model(&models.SyncRun{}).
			Where("run_id = ? AND state = ?", previous.RunID, models.SyncRunRunning).
			Updates(map[string]any{
				"state":       models.SyncRunFailed,
				"stop_reason": "lease_expired",
				"finished_at": now,
				"error":       &msg,
			}).Error
	})
	if err != nil {
		return false, err
	}
	return acquired, nil
}

// ReleaseLease drops the lease if runID still holds it.
func (s *Store) ReleaseLease(ctx context.Context, runID string) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.WithContext(ctx).
		Where("name = ? AND run_id = ?", models.SyncLeaseName, runID).
		Delete(&models.SyncLease{}).Error
}

func (s *Store) CurrentLease(ctx context.Context) (*models.SyncLease, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	return currentLease(s.db.WithContext(ctx))
}

// renewLease checks that runID holds the lease and pushes its expiry out from at.
func renewLease(tx *gorm.DB, runID string, at time.Time) error {
	lease, err := currentLease(tx)
	if err != nil {
		return err
	}
	if lease == nil || lease.RunID != runID {
		return fmt.Errorf("run %s: %w", runID, repository.ErrLeaseLost)
	}
	ttl := time.Duration(lease.TTLMS) * time.Millisecond
	res := tx.Model(&models.SyncLease{}).
		Where("name = ? AND run_id = ?", models.SyncLeaseName, runID).
		Updates(map[string]any{
			"heartbeat_at": at.UTC(),
			"expires_at":   at.UTC().Add(ttl),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("run %s: %w", runID, repository.ErrLeaseLost)
	}
	return nil
}

func currentLease(query *gorm.DB) (*models.SyncLease, error) {
	var item models.SyncLease
	if err := query.Where("name = ?", models.SyncLeaseName).Take(&item).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &item, nil
}
