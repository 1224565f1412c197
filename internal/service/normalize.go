package service

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"fastintercom/internal/client/intercom"
	"fastintercom/internal/models"
)

// normalizeConversation turns one raw search record into the stored shape.
// Records missing an id, a timestamp or a known state are rejected as
// protocol errors rather than stored partially.
func normalizeConversation(raw intercom.Conversation, syncedAt time.Time) (*models.Conversation, []models.Message, error) {
	id := strings.TrimSpace(raw.ID.String())
	if id == "" {
		return nil, nil, fmt.Errorf("%w: conversation without id", intercom.ErrRemoteProtocol)
	}
	if raw.CreatedAt <= 0 || raw.UpdatedAt <= 0 {
		return nil, nil, fmt.Errorf("%w: conversation %s: missing created_at or updated_at", intercom.ErrRemoteProtocol, id)
	}
	state := models.ConversationState(strings.ToLower(strings.TrimSpace(raw.State)))
	if !state.Valid() {
		return nil, nil, fmt.Errorf("%w: conversation %s: unknown state %q", intercom.ErrRemoteProtocol, id, raw.State)
	}

	createdAt := time.Unix(raw.CreatedAt, 0).UTC()
	item := &models.Conversation{
		ID:        id,
		CreatedAt: createdAt,
		UpdatedAt: time.Unix(raw.UpdatedAt, 0).UTC(),
		State:     state,
		Tags:      tagNames(raw.Tags),
		SyncedAt:  syncedAt.UTC(),
	}

	if raw.Source != nil {
		if author := raw.Source.Author; author != nil && authorKind(author.Type) == models.AuthorCustomer {
			item.CustomerEmail = optionalString(author.Email)
			item.CustomerName = optionalString(author.Name)
		}
		channel := raw.Source.DeliveredAs
		if strings.TrimSpace(channel) == "" {
			channel = raw.Source.Type
		}
		item.SourceChannel = optionalString(channel)
		item.SourceURL = optionalString(raw.Source.URL)
	}

	if assignee := raw.AdminAssigneeID.String(); assignee != "" && assignee != "0" {
		item.AssigneeID = &assignee
		if raw.Teammates != nil {
			for _, admin := range raw.Teammates.Admins {
				if admin.ID.String() == assignee {
					item.AssigneeName = optionalString(admin.Name)
					break
				}
			}
		}
	}

	if stats := raw.Statistics; stats != nil {
		if stats.FirstAdminReplyAt != nil && *stats.FirstAdminReplyAt > 0 {
			first := time.Unix(*stats.FirstAdminReplyAt, 0).UTC()
			item.FirstResponseAt = &first
			if delay := int64(first.Sub(createdAt) / time.Second); delay >= 0 {
				item.ResponseTimeSeconds = &delay
			}
		}
		if state == models.ConversationClosed && stats.LastCloseAt != nil && *stats.LastCloseAt > 0 {
			resolved := time.Unix(*stats.LastCloseAt, 0).UTC()
			item.ResolvedAt = &resolved
		}
	}

	messages, err := normalizeMessages(id, createdAt, raw)
	if err != nil {
		return nil, nil, err
	}
	item.MessageCount = len(messages)
	if parts := raw.ConversationParts; parts != nil && parts.TotalCount > len(parts.Parts) {
		// A truncated part list still reports its full length.
		item.MessageCount += parts.TotalCount - len(parts.Parts)
	}
	item.Fingerprint = fingerprint(item)
	return item, messages, nil
}

func normalizeMessages(conversationID string, createdAt time.Time, raw intercom.Conversation) ([]models.Message, error) {
	var out []models.Message
	seen := make(map[string]struct{})

	if src := raw.Source; src != nil && hasContent(src.Body, src.Attachments) {
		id := src.ID.String()
		if id == "" {
			id = conversationID + "-source"
		}
		kind, err := messageAuthor(conversationID, id, src.Author)
		if err != nil {
			return nil, err
		}
		msg := models.Message{
			ID:             id,
			ConversationID: conversationID,
			CreatedAt:      createdAt,
			AuthorType:     kind,
			PartType:       "source",
			Body:           src.Body,
			Attachments:    attachments(src.Attachments),
		}
		setAuthor(&msg, src.Author)
		seen[id] = struct{}{}
		out = append(out, msg)
	}

	if raw.ConversationParts == nil {
		return out, nil
	}
	for _, part := range raw.ConversationParts.Parts {
		if !hasContent(part.Body, part.Attachments) {
			continue
		}
		id := part.ID.String()
		if id == "" {
			return nil, fmt.Errorf("%w: conversation %s: part without id", intercom.ErrRemoteProtocol, conversationID)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		if part.CreatedAt <= 0 {
			return nil, fmt.Errorf("%w: conversation %s: part %s without created_at", intercom.ErrRemoteProtocol, conversationID, id)
		}
		kind, err := messageAuthor(conversationID, id, part.Author)
		if err != nil {
			return nil, err
		}
		partType := strings.TrimSpace(part.PartType)
		if partType == "" {
			partType = "comment"
		}
		msg := models.Message{
			ID:             id,
			ConversationID: conversationID,
			CreatedAt:      time.Unix(part.CreatedAt, 0).UTC(),
			AuthorType:     kind,
			PartType:       partType,
			Body:           part.Body,
			Attachments:    attachments(part.Attachments),
		}
		setAuthor(&msg, part.Author)
		seen[id] = struct{}{}
		out = append(out, msg)
	}
	return out, nil
}

func messageAuthor(conversationID, messageID string, author *intercom.Author) (models.AuthorType, error) {
	if author == nil {
		return "", fmt.Errorf("%w: conversation %s: message %s without author", intercom.ErrRemoteProtocol, conversationID, messageID)
	}
	kind := authorKind(author.Type)
	if kind == "" {
		return "", fmt.Errorf("%w: conversation %s: message %s has unknown author type %q", intercom.ErrRemoteProtocol, conversationID, messageID, author.Type)
	}
	return kind, nil
}

func authorKind(raw string) models.AuthorType {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "admin", "team":
		return models.AuthorAdmin
	case "bot":
		return models.AuthorBot
	case "user", "lead", "contact":
		return models.AuthorCustomer
	}
	return ""
}

func setAuthor(msg *models.Message, author *intercom.Author) {
	if author == nil {
		return
	}
	msg.AuthorID = optionalString(author.ID.String())
	msg.AuthorName = optionalString(author.Name)
	msg.AuthorEmail = optionalString(author.Email)
}

func hasContent(body string, files []intercom.Attachment) bool {
	return strings.TrimSpace(body) != "" || len(files) > 0
}

func attachments(in []intercom.Attachment) []models.Attachment {
	if len(in) == 0 {
		return nil
	}
	out := make([]models.Attachment, 0, len(in))
	for _, a := range in {
		if strings.TrimSpace(a.URL) == "" {
			continue
		}
		out = append(out, models.Attachment{URL: a.URL, ContentType: a.ContentType, Name: a.Name})
	}
	return out
}

func tagNames(in *intercom.TagList) []string {
	if in == nil {
		return nil
	}
	out := make([]string, 0, len(in.Tags))
	for _, tag := range in.Tags {
		if name := strings.TrimSpace(tag.Name); name != "" {
			out = append(out, name)
		}
	}
	return out
}

func optionalString(raw string) *string {
	v := strings.TrimSpace(raw)
	if v == "" {
		return nil
	}
	return &v
}

// fingerprint hashes every mutable attribute except the local sync time, so
// a re-fetched but unchanged conversation is not reported as updated.
func fingerprint(item *models.Conversation) string {
	payload := struct {
		UpdatedAt           int64                    `json:"updated_at"`
		State               models.ConversationState `json:"state"`
		CustomerEmail       *string                  `json:"customer_email"`
		CustomerName        *string                  `json:"customer_name"`
		AssigneeID          *string                  `json:"assignee_id"`
		AssigneeName        *string                  `json:"assignee_name"`
		FirstResponseAt     *time.Time               `json:"first_response_at"`
		ResolvedAt          *time.Time               `json:"resolved_at"`
		ResponseTimeSeconds *int64                   `json:"response_time_seconds"`
		MessageCount        int                      `json:"message_count"`
		Tags                []string                 `json:"tags"`
		SourceChannel       *string                  `json:"source_channel"`
		SourceURL           *string                  `json:"source_url"`
	}{
		UpdatedAt:           item.UpdatedAt.Unix(),
		State:               item.State,
		CustomerEmail:       item.CustomerEmail,
		CustomerName:        item.CustomerName,
		AssigneeID:          item.AssigneeID,
		AssigneeName:        item.AssigneeName,
		FirstResponseAt:     item.FirstResponseAt,
		ResolvedAt:          item.ResolvedAt,
		ResponseTimeSeconds: item.ResponseTimeSeconds,
		MessageCount:        item.MessageCount,
		Tags:                item.Tags,
		SourceChannel:       item.SourceChannel,
		SourceURL:           item.SourceURL,
	}
	raw, _ := json.Marshal(payload)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
