package gormrepository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"fastintercom/internal/models"
	"fastintercom/internal/repository"
)

// UpsertConversation inserts a conversation or refreshes its mutable fields.
// The insert-or-skip and the follow-up update share one transaction, so a
// concurrent reader sees either the old row or the new one. An incoming
// record older than the stored one never overwrites it.
func (s *Store) UpsertConversation(ctx context.Context, item *models.Conversation) (repository.UpsertResult, error) {
	if s == nil || s.db == nil {
		return repository.UpsertResult{}, nil
	}
	if item == nil || item.ID == "" {
		return repository.UpsertResult{}, fmt.Errorf("conversation id is required")
	}
	var result repository.UpsertResult
	err := s.InTx(ctx, func(tx *gorm.DB) error {
		inserted := tx.Omit(clause.Associations).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoNothing: true,
			}).
			Create(item)
		if inserted.Error != nil {
			return inserted.Error
		}
		if inserted.RowsAffected == 1 {
			result = repository.UpsertResult{Outcome: repository.Created, Changed: true}
			return nil
		}

		var existing models.Conversation
		if err := tx.Select("id", "updated_at", "fingerprint").
			Where("id = ?", item.ID).
			Take(&existing).Error; err != nil {
			return err
		}
		result = repository.UpsertResult{Outcome: repository.Updated}
		if existing.Fingerprint == item.Fingerprint || item.UpdatedAt.Before(existing.UpdatedAt) {
			return nil
		}
		if err := tx.Model(&models.Conversation{}).
			Where("id = ?", item.ID).
			Updates(conversationColumns(item)).Error; err != nil {
			return err
		}
		result.Changed = true
		return nil
	})
	if err != nil {
		return repository.UpsertResult{}, err
	}
	return result, nil
}

func conversationColumns(item *models.Conversation) map[string]any {
	return map[string]any{
		"created_at":            item.CreatedAt,
		"updated_at":            item.UpdatedAt,
		"state":                 item.State,
		"customer_email":        item.CustomerEmail,
		"customer_name":         item.CustomerName,
		"assignee_id":           item.AssigneeID,
		"assignee_name":         item.AssigneeName,
		"first_response_at":     item.FirstResponseAt,
		"resolved_at":           item.ResolvedAt,
		"response_time_seconds": item.ResponseTimeSeconds,
		"message_count":         item.MessageCount,
		"tags":                  item.Tags,
		"source_channel":        item.SourceChannel,
		"source_url":            item.SourceURL,
		"synced_at":             item.SyncedAt,
		"fingerprint":           item.Fingerprint,
	}
}

// UpsertMessage stores a message under an existing conversation. Messages are
// immutable once written, so a repeated id is a no-op.
func (s *Store) UpsertMessage(ctx context.Context, item *models.Message) error {
	if s == nil || s.db == nil {
		return nil
	}
	if item == nil || item.ID == "" {
		return fmt.Errorf("message id is required")
	}
	return s.InTx(ctx, func(tx *gorm.DB) error {
		var parents int64
		if err := tx.Model(&models.Conversation{}).
			Where("id = ?", item.ConversationID).
			Count(&parents).Error; err != nil {
			return err
		}
		if parents == 0 {
			return fmt.Errorf("message %s -> conversation %s: %w", item.ID, item.ConversationID, repository.ErrDanglingReference)
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoNothing: true,
		}).Create(item).Error
	})
}

func (s *Store) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.Conversation
	err := s.readTx(ctx, func(tx *gorm.DB) error {
		return tx.Preload("Messages", orderedMessages).
			Where("id = ?", id).
			Take(&item).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.Message
	if err := orderedMessages(s.db.WithContext(ctx)).
		Where("conversation_id = ?", conversationID).
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountMessages(ctx context.Context) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	var total int64
	if err := s.db.WithContext(ctx).Model(&models.Message{}).Count(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Store) SearchConversations(ctx context.Context, params repository.SearchConversationsParams) ([]models.Conversation, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.Conversation
	err := s.readTx(ctx, func(tx *gorm.DB) error {
		var err error
		items, err = searchConversations(tx, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) SearchPage(ctx context.Context, params repository.SearchConversationsParams) ([]models.Conversation, int64, error) {
	if s == nil || s.db == nil {
		return nil, 0, nil
	}
	var (
		items []models.Conversation
		total int64
	)
	err := s.readTx(ctx, func(tx *gorm.DB) error {
		if err := conversationFilters(tx.Model(&models.Conversation{}), params).Count(&total).Error; err != nil {
			return err
		}
		var err error
		items, err = searchConversations(tx, params)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (s *Store) CountConversations(ctx context.Context, params repository.SearchConversationsParams) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	query := conversationFilters(s.db.WithContext(ctx).Model(&models.Conversation{}), params)
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

func searchConversations(tx *gorm.DB, params repository.SearchConversationsParams) ([]models.Conversation, error) {
	query := conversationFilters(tx.Model(&models.Conversation{}), params)
	if params.WithMessages {
		query = query.Preload("Messages", orderedMessages)
	}
	query = applyOrder(query, params.OrderBy, params.Asc, "updated_at")
	var items []models.Conversation
	if err := query.Limit(normalizeLimit(params.Limit, 50)).Offset(normalizeOffset(params.Offset)).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func conversationFilters(query *gorm.DB, params repository.SearchConversationsParams) *gorm.DB {
	if params.Query != nil && *params.Query != "" {
		pattern := likePattern(*params.Query)
		query = query.Where(
			"id IN (SELECT conversation_id FROM messages WHERE LOWER(body) LIKE ?) OR LOWER(customer_email) LIKE ? OR LOWER(customer_name) LIKE ?",
			pattern, pattern, pattern,
		)
	}
	if params.CustomerEmail != nil && *params.CustomerEmail != "" {
		query = query.Where("LOWER(customer_email) = LOWER(?)", *params.CustomerEmail)
	}
	if params.State != nil && *params.State != "" {
		query = query.Where("state = ?", *params.State)
	}
	if params.Tag != nil && *params.Tag != "" {
		query = tagFilter(query, *params.Tag)
	}
	if params.Since != nil {
		query = query.Where("created_at >= ?", params.Since.UTC())
	}
	if params.Until != nil {
		query = query.Where("created_at <= ?", params.Until.UTC())
	}
	return query
}

func orderedMessages(db *gorm.DB) *gorm.DB {
	return db.Order("created_at asc").Order("id asc")
}

// tagFilter matches conversations whose tag list contains tag exactly.
func tagFilter(query *gorm.DB, tag string) *gorm.DB {
	if query.Dialector != nil && query.Dialector.Name() == "postgres" {
		raw, _ := json.Marshal([]string{tag})
		return query.Where("tags @> ?::jsonb", string(raw))
	}
	return query.Where("EXISTS (SELECT 1 FROM json_each(conversations.tags) WHERE json_each.value = ?)", tag)
}
