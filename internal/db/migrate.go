package db

import (
	"fastintercom/internal/models"
)

func AutoMigrate(db *DB) error {
	if db == nil || db.Gorm == nil || db.SQL == nil {
		return nil
	}

	return db.Gorm.AutoMigrate(
		&models.Conversation{},
		&models.Message{},
		&models.SyncCheckpoint{},
		&models.SyncRun{},
		&models.SyncLease{},
	)
}
