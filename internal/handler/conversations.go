package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"fastintercom/internal/service"
)

type ConversationHandler struct {
	Query  *service.QueryService
	Logger *zap.Logger
}

func (h *ConversationHandler) Register(r *gin.Engine) {
	group := r.Group("/api")
	group.GET("/conversations", h.searchConversations)
	group.GET("/conversations/:id", h.getConversation)
	group.GET("/metrics", h.metrics)
	group.GET("/status", h.status)
}

// @Summary Search conversations
// @Tags conversations
// @Param q query string false "text matched against message bodies and customer name/email"
// @Param customer_email query string false "exact customer email"
// @Param state query string false "open|closed|snoozed"
// @Param tag query string false "tag name"
// @Param timeframe query string false "natural language range, e.g. last 7 days, this month"
// @Param since query string false "created at or after (RFC3339 or YYYY-MM-DD)"
// @Param until query string false "created at or before (RFC3339 or YYYY-MM-DD)"
// @Param limit query int false "limit"
// @Param offset query int false "offset"
// @Param order_by query string false "created_at|updated_at|response_time|message_count"
// @Param ascending query bool false "ascending"
// @Param with_messages query bool false "include messages"
// @Success 200 {object} apiResponse
// @Failure 400 {object} apiResponse
// @Router /api/conversations [get]
func (h *ConversationHandler) searchConversations(c *gin.Context) {
	if h.Query == nil || h.Query.Repo == nil {
		Error(c, http.StatusInternalServerError, "service unavailable", nil)
		return
	}
	since, err := timeQuery(c, "since")
	if err != nil {
		Error(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	until, err := timeQuery(c, "until")
	if err != nil {
		Error(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)
	orderBy := parseOrder(c.Query("order_by"), map[string]string{
		"created_at":    "created_at",
		"updated_at":    "updated_at",
		"response_time": "response_time_seconds",
		"message_count": "message_count",
	})

	result, err := h.Query.Search(c.Request.Context(), service.SearchRequest{
		Query:         c.Query("q"),
		CustomerEmail: c.Query("customer_email"),
		State:         c.Query("state"),
		Tag:           c.Query("tag"),
		Timeframe:     c.Query("timeframe"),
		Since:         since,
		Until:         until,
		Limit:         limit,
		Offset:        offset,
		OrderBy:       orderBy,
		Asc:           boolQueryPtr(c, "ascending"),
		WithMessages:  boolQueryDefault(c, "with_messages", false),
	})
	if err != nil {
		if h.Logger != nil && errorStatus(err) >= http.StatusInternalServerError {
			h.Logger.Warn("search conversations failed", zap.Error(err))
		}
		Error(c, errorStatus(err), err.Error(), nil)
		return
	}
	meta := paginationMeta(limit, offset, result.Total)
	if result.Since != nil {
		meta["since"] = result.Since
	}
	if result.Until != nil {
		meta["until"] = result.Until
	}
	Ok(c, result.Items, meta)
}

// @Summary Get conversation
// @Tags conversations
// @Param id path string true "conversation id"
// @Success 200 {object} apiResponse
// @Failure 404 {object} apiResponse
// @Router /api/conversations/{id} [get]
func (h *ConversationHandler) getConversation(c *gin.Context) {
	if h.Query == nil || h.Query.Repo == nil {
		Error(c, http.StatusInternalServerError, "service unavailable", nil)
		return
	}
	id := strings.TrimSpace(c.Param("id"))
	item, err := h.Query.Get(c.Request.Context(), id)
	if err != nil {
		Error(c, errorStatus(err), err.Error(), nil)
		return
	}
	if item == nil {
		Error(c, http.StatusNotFound, "conversation not found", map[string]any{"id": id})
		return
	}
	Ok(c, item, nil)
}

// @Summary Conversation metrics
// @Tags conversations
// @Param timeframe query string false "natural language range, e.g. last 30 days"
// @Param since query string false "created at or after (RFC3339 or YYYY-MM-DD)"
// @Param until query string false "created at or before (RFC3339 or YYYY-MM-DD)"
// @Success 200 {object} apiResponse
// @Router /api/metrics [get]
func (h *ConversationHandler) metrics(c *gin.Context) {
	if h.Query == nil || h.Query.Repo == nil {
		Error(c, http.StatusInternalServerError, "service unavailable", nil)
		return
	}
	since, err := timeQuery(c, "since")
	if err != nil {
		Error(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	until, err := timeQuery(c, "until")
	if err != nil {
		Error(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	out, err := h.Query.Metrics(c.Request.Context(), c.Query("timeframe"), since, until)
	if err != nil {
		if h.Logger != nil {
			h.Logger.Warn("metrics failed", zap.Error(err))
		}
		Error(c, errorStatus(err), err.Error(), nil)
		return
	}
	Ok(c, out, nil)
}

// @Summary Store and sync status
// @Tags conversations
// @Success 200 {object} apiResponse
// @Router /api/status [get]
func (h *ConversationHandler) status(c *gin.Context) {
	if h.Query == nil || h.Query.Repo == nil {
		Error(c, http.StatusInternalServerError, "service unavailable", nil)
		return
	}
	out, err := h.Query.Status(c.Request.Context())
	if err != nil {
		Error(c, errorStatus(err), err.Error(), nil)
		return
	}
	Ok(c, out, nil)
}
