package gormrepository

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"fastintercom/internal/models"
	"fastintercom/internal/repository"
)

const topTagLimit = 10

// Metrics aggregates conversations created inside [since, until]. A nil bound is open.
func (s *Store) Metrics(ctx context.Context, since, until *time.Time) (repository.Metrics, error) {
	out := repository.Metrics{
		Since:   since,
		Until:   until,
		ByState: []repository.StateCount{},
		TopTags: []repository.TagCount{},
	}
	if s == nil || s.db == nil {
		return out, nil
	}
	err := s.readTx(ctx, func(tx *gorm.DB) error {
		return aggregate(tx, since, until, &out)
	})
	return out, err
}

// aggregate fills out from one transaction so every figure sees the same rows.
func aggregate(tx *gorm.DB, since, until *time.Time, out *repository.Metrics) error {
	scope := func() *gorm.DB {
		query := tx.Model(&models.Conversation{})
		if since != nil {
			query = query.Where("created_at >= ?", since.UTC())
		}
		if until != nil {
			query = query.Where("created_at <= ?", until.UTC())
		}
		return query
	}

	if err := scope().Count(&out.Conversations).Error; err != nil {
		return err
	}
	if out.Conversations == 0 {
		return nil
	}

	if err := scope().
		Select("state, COUNT(*) AS count").
		Group("state").
		Order("state asc").
		Scan(&out.ByState).Error; err != nil {
		return err
	}

	if err := scope().Where("resolved_at IS NOT NULL").Count(&out.Resolved).Error; err != nil {
		return err
	}

	var responseTimes []int64
	if err := scope().
		Where("response_time_seconds IS NOT NULL").
		Order("response_time_seconds asc").
		Pluck("response_time_seconds", &responseTimes).Error; err != nil {
		return err
	}
	out.Responded = int64(len(responseTimes))
	out.AvgResponseSeconds, out.MedianResponseSeconds = averageAndMedian(responseTimes)

	var authors []struct {
		AuthorType models.AuthorType
		Count      int64
	}
	if err := tx.Model(&models.Message{}).
		Select("author_type, COUNT(*) AS count").
		Where("conversation_id IN (?)", scope().Select("id")).
		Group("author_type").
		Scan(&authors).Error; err != nil {
		return err
	}
	for _, row := range authors {
		out.Messages += row.Count
		switch row.AuthorType {
		case models.AuthorCustomer:
			out.CustomerMessages += row.Count
		case models.AuthorAdmin:
			out.AdminMessages += row.Count
		}
	}
	out.AvgMessagesPerConversation = decimal.NewFromInt(out.Messages).
		Div(decimal.NewFromInt(out.Conversations)).
		Round(2)

	var tagged []models.Conversation
	if err := scope().Select("id", "tags").Find(&tagged).Error; err != nil {
		return err
	}
	out.TopTags = topTags(tagged, topTagLimit)
	return nil
}

func averageAndMedian(sorted []int64) (decimal.Decimal, decimal.Decimal) {
	if len(sorted) == 0 {
		return decimal.Zero, decimal.Zero
	}
	sum := decimal.Zero
	for _, v := range sorted {
		sum = sum.Add(decimal.NewFromInt(v))
	}
	avg := sum.Div(decimal.NewFromInt(int64(len(sorted)))).Round(2)

	mid := len(sorted) / 2
	median := decimal.NewFromInt(sorted[mid])
	if len(sorted)%2 == 0 {
		median = decimal.NewFromInt(sorted[mid-1]).Add(median).Div(decimal.NewFromInt(2))
	}
	return avg, median.Round(2)
}

func topTags(items []models.Conversation, limit int) []repository.TagCount {
	counts := make(map[string]int64)
	for _, item := range items {
		for _, tag := range item.Tags {
			if tag == "" {
				continue
			}
			counts[tag]++
		}
	}
	out := make([]repository.TagCount, 0, len(counts))
	for tag, count := range counts {
		out = append(out, repository.TagCount{Tag: tag, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Tag < out[j].Tag
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
