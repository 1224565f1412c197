package gormrepository

import (
	"context"
	"database/sql"
	"strings"

	"gorm.io/gorm"

	"fastintercom/internal/repository"
)

type Store struct {
	db *gorm.DB
}

var _ repository.Repository = (*Store)(nil)

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) InTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(fn)
}

// readTx runs fn inside one read transaction. SQLite in WAL mode pins the
// snapshot at the first read; Postgres needs REPEATABLE READ for the same.
func (s *Store) readTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	var opts *sql.TxOptions
	if s.db.Dialector != nil && s.db.Dialector.Name() == "postgres" {
		opts = &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}
	}
	if opts == nil {
		return s.db.WithContext(ctx).Transaction(fn)
	}
	return s.db.WithContext(ctx).Transaction(fn, opts)
}

func (s *Store) ReadSnapshot(ctx context.Context, fn func(repo repository.QueryRepository) error) error {
	if s == nil || s.db == nil {
		return fn(s)
	}
	return s.readTx(ctx, func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

// ResetAll removes every mirrored row, checkpoint, run record and lease in one transaction.
func (s *Store) ResetAll(ctx context.Context) error {
	return s.InTx(ctx, func(tx *gorm.DB) error {
		for _, table := range []string{"messages", "conversations", "sync_checkpoints", "sync_runs", "sync_leases"} {
			if err := tx.Exec("DELETE FROM " + table).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

var orderColumns = map[string]struct{}{
	"created_at":            {},
	"updated_at":            {},
	"synced_at":             {},
	"message_count":         {},
	"response_time_seconds": {},
	"state":                 {},
}

func applyOrder(query *gorm.DB, orderBy string, asc *bool, fallback string) *gorm.DB {
	column := strings.TrimSpace(orderBy)
	if _, ok := orderColumns[column]; !ok {
		column = fallback
	}
	direction := "desc"
	if asc != nil && *asc {
		direction = "asc"
	}
	return query.Order(column + " " + direction).Order("id " + direction)
}

func normalizeLimit(limit int, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > 500 {
		return 500
	}
	return limit
}

func normalizeOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}

func likePattern(raw string) string {
	return "%" + strings.ToLower(strings.TrimSpace(raw)) + "%"
}
