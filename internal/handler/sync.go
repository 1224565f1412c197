package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"fastintercom/internal/repository"
	"fastintercom/internal/service"
)

type SyncHandler struct {
	Engine   *service.SyncEngine
	Repo     repository.Repository
	Progress *service.ProgressHub
	Logger   *zap.Logger
	// Defaults fills options the request leaves unset.
	Defaults service.SyncOptions
	Now      func() time.Time
}

func (h *SyncHandler) Register(r *gin.Engine) {
	group := r.Group("/api/sync")
	group.POST("", h.runSync)
	group.GET("/checkpoints", h.listCheckpoints)
	group.DELETE("/checkpoints", h.resetCheckpoints)
	group.GET("/stream", h.stream)
}

// @Summary Run a catch-up sync
// @Description Syncs [since, until] or the trailing number of days. The run holds the request until it ends.
// @Tags sync
// @Param days query int false "trailing days (default 1)"
// @Param since query string false "window start (RFC3339 or YYYY-MM-DD)"
// @Param until query string false "window end (RFC3339 or YYYY-MM-DD), default now"
// @Param timeout query string false "run timeout, e.g. 5m"
// @Param max_records query int false "stop after this many conversations"
// @Success 200 {object} apiResponse
// @Failure 409 {object} apiResponse
// @Router /api/sync [post]
func (h *SyncHandler) runSync(c *gin.Context) {
	if h.Engine == nil {
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
	end := h.now()
	if until != nil {
		end = *until
	}
	start := end.AddDate(0, 0, -1)
	if days := intQuery(c, "days", 0); days > 0 {
		start = end.AddDate(0, 0, -days)
	}
	if since != nil {
		start = *since
	}
	if !end.After(start) {
		Error(c, http.StatusBadRequest, "window end must be after start", nil)
		return
	}

	opts := h.Defaults
	if timeout := durationQuery(c, "timeout"); timeout > 0 {
		opts.Timeout = timeout
	}
	if maxRecords := intQuery(c, "max_records", 0); maxRecords > 0 {
		opts.MaxRecords = maxRecords
	}

	stats, err := h.Engine.SyncWindow(c.Request.Context(), start, end, opts)
	if err != nil {
		if errors.Is(err, service.ErrRunInProgress) {
			Error(c, http.StatusConflict, err.Error(), map[string]any{"state": h.Engine.State()})
			return
		}
		if h.Logger != nil {
			h.Logger.Warn("manual sync failed", zap.Error(err))
		}
		Error(c, errorStatus(err), err.Error(), map[string]any{"stats": stats})
		return
	}
	Ok(c, stats, nil)
}

// @Summary List sync checkpoints
// @Tags sync
// @Success 200 {object} apiResponse
// @Router /api/sync/checkpoints [get]
func (h *SyncHandler) listCheckpoints(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "service unavailable", nil)
		return
	}
	items, err := h.Repo.ListCheckpoints(c.Request.Context())
	if err != nil {
		Error(c, errorStatus(err), err.Error(), nil)
		return
	}
	Ok(c, items, map[string]any{"total": len(items)})
}

// @Summary Reset sync checkpoints
// @Description Drops one window's checkpoint, or all of them when window_key is empty.
// @Tags sync
// @Param window_key query string false "window key (start/end in RFC3339)"
// @Success 200 {object} apiResponse
// @Router /api/sync/checkpoints [delete]
func (h *SyncHandler) resetCheckpoints(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "service unavailable", nil)
		return
	}
	key := strings.TrimSpace(c.Query("window_key"))
	if err := h.Repo.ResetCheckpoint(c.Request.Context(), key); err != nil {
		Error(c, errorStatus(err), err.Error(), nil)
		return
	}
	if h.Logger != nil {
		h.Logger.Info("sync checkpoints reset", zap.String("window_key", key))
	}
	Ok(c, gin.H{"window_key": key}, nil)
}

// @Summary Stream sync progress
// @Description Websocket that emits one JSON event per run start, persisted page and run end.
// @Tags sync
// @Router /api/sync/stream [get]
func (h *SyncHandler) stream(c *gin.Context) {
	if h.Progress == nil {
		Error(c, http.StatusInternalServerError, "service unavailable", nil)
		return
	}
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		if h.Logger != nil {
			h.Logger.Warn("progress stream upgrade failed", zap.Error(err))
		}
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	events, cancel := h.Progress.Subscribe(32)
	defer cancel()

	// Clients never send; CloseRead ends ctx when they disconnect.
	ctx := conn.CloseRead(c.Request.Context())

	if h.Engine != nil {
		hello := service.ProgressEvent{Type: "hello", State: h.Engine.State(), At: h.now()}
		if current, ok := h.Engine.Current(); ok {
			hello.RunID = current.RunID
			hello.Page = current.Pages
			hello.Stats = current
		}
		if err := writeEvent(ctx, conn, hello); err != nil {
			return
		}
	}
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case event, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "progress hub closed")
				return
			}
			if err := writeEvent(ctx, conn, event); err != nil {
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, event service.ProgressEvent) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(ctx, conn, event)
}

func (h *SyncHandler) now() time.Time {
	if h.Now != nil {
		return h.Now().UTC()
	}
	return time.Now().UTC()
}
