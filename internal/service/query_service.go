package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"fastintercom/internal/models"
	"fastintercom/internal/repository"
)

var ErrInvalidQuery = errors.New("invalid query")

// QueryService answers analytic reads from the local store only. It never
// calls the remote API.
type QueryService struct {
	Repo         repository.QueryRepository
	Engine       *SyncEngine
	Progress     *ProgressHub
	AppID        string
	DBSize       func() int64
	MaxStaleness time.Duration
	Now          func() time.Time
}

type SearchRequest struct {
	Query         string
	CustomerEmail string
	State         string
	Tag           string
	Timeframe     string
	Since         *time.Time
	Until         *time.Time
	Limit         int
	Offset        int
	OrderBy       string
	Asc           *bool
	WithMessages  bool
}

type ConversationView struct {
	models.Conversation
	URL string `json:"url,omitempty"`
}

type SearchResult struct {
	Items []ConversationView `json:"items"`
	Total int64              `json:"total"`
	Since *time.Time         `json:"since,omitempty"`
	Until *time.Time         `json:"until,omitempty"`
}

func (s *QueryService) Search(ctx context.Context, req SearchRequest) (SearchResult, error) {
	since, until, err := s.resolveRange(req.Timeframe, req.Since, req.Until)
	if err != nil {
		return SearchResult{}, err
	}
	params := repository.SearchConversationsParams{
		Limit:         req.Limit,
		Offset:        req.Offset,
		Query:         optionalString(req.Query),
		CustomerEmail: optionalString(req.CustomerEmail),
		Tag:           optionalString(req.Tag),
		Since:         since,
		Until:         until,
		OrderBy:       req.OrderBy,
		Asc:           req.Asc,
		WithMessages:  req.WithMessages,
	}
	if raw := strings.TrimSpace(req.State); raw != "" {
		state := models.ConversationState(strings.ToLower(raw))
		if !state.Valid() {
			return SearchResult{}, fmt.Errorf("%w: unknown state %q", ErrInvalidQuery, raw)
		}
		params.State = &state
	}

	items, total, err := s.Repo.SearchPage(ctx, params)
	if err != nil {
		return SearchResult{}, err
	}
	out := SearchResult{Items: make([]ConversationView, 0, len(items)), Total: total, Since: since, Until: until}
	for _, item := range items {
		out.Items = append(out.Items, s.view(item))
	}
	return out, nil
}

// Get returns one conversation with all its messages, or nil when it was never synced.
func (s *QueryService) Get(ctx context.Context, id string) (*ConversationView, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: conversation id is required", ErrInvalidQuery)
	}
	item, err := s.Repo.GetConversation(ctx, id)
	if err != nil || item == nil {
		return nil, err
	}
	view := s.view(*item)
	return &view, nil
}

func (s *QueryService) Metrics(ctx context.Context, timeframe string, since, until *time.Time) (repository.Metrics, error) {
	from, to, err := s.resolveRange(timeframe, since, until)
	if err != nil {
		return repository.Metrics{}, err
	}
	return s.Repo.Metrics(ctx, from, to)
}

type Status struct {
	Conversations     int64             `json:"conversations"`
	Messages          int64             `json:"messages"`
	DatabaseSizeBytes int64             `json:"database_size_bytes"`
	EngineState       RunState          `json:"engine_state"`
	Current           *SyncStats        `json:"current,omitempty"`
	Lease             *models.SyncLease `json:"lease,omitempty"`
	StreamSubscribers int               `json:"stream_subscribers"`
	LastRun           *models.SyncRun   `json:"last_run,omitempty"`
	RecentRuns        []models.SyncRun  `json:"recent_runs"`
}

func (s *QueryService) Status(ctx context.Context) (Status, error) {
	var out Status
	err := s.Repo.ReadSnapshot(ctx, func(repo repository.QueryRepository) error {
		var err error
		if out.Conversations, err = repo.CountConversations(ctx, repository.SearchConversationsParams{}); err != nil {
			return err
		}
		if out.Messages, err = repo.CountMessages(ctx); err != nil {
			return err
		}
		if out.RecentRuns, err = repo.ListRecentRuns(ctx, 10); err != nil {
			return err
		}
		out.Lease, err = repo.CurrentLease(ctx)
		return err
	})
	if err != nil {
		return out, err
	}
	if len(out.RecentRuns) > 0 {
		out.LastRun = &out.RecentRuns[0]
	}
	if s.DBSize != nil {
		out.DatabaseSizeBytes = s.DBSize()
	}
	out.StreamSubscribers = s.Progress.Subscribers()
	out.EngineState = StateIdle
	if s.Engine != nil {
		out.EngineState = s.Engine.State()
		if current, ok := s.Engine.Current(); ok {
			out.Current = &current
		}
	}
	return out, nil
}

type SyncHealth struct {
	Healthy             bool       `json:"healthy"`
	Reason              string     `json:"reason,omitempty"`
	LastRunState        string     `json:"last_run_state,omitempty"`
	LastRunAt           *time.Time `json:"last_run_at,omitempty"`
	LastRunError        *string    `json:"last_run_error,omitempty"`
	DataThrough         *time.Time `json:"data_through,omitempty"`
	StalenessSeconds    *int64     `json:"staleness_seconds,omitempty"`
	MaxStalenessSeconds int64      `json:"max_staleness_seconds"`
}

// SyncHealth reports whether the last run succeeded and how far behind the
// newest completed window end is.
func (s *QueryService) SyncHealth(ctx context.Context) (SyncHealth, error) {
	maxStale := s.MaxStaleness
	if maxStale <= 0 {
		maxStale = 30 * time.Minute
	}
	out := SyncHealth{MaxStalenessSeconds: int64(maxStale / time.Second)}

	var (
		last        *models.SyncRun
		checkpoints []models.SyncCheckpoint
	)
	err := s.Repo.ReadSnapshot(ctx, func(repo repository.QueryRepository) error {
		var err error
		if last, err = repo.LastRun(ctx); err != nil {
			return err
		}
		checkpoints, err = repo.ListCheckpoints(ctx)
		return err
	})
	if err != nil {
		return out, err
	}
	for i := range checkpoints {
		cp := checkpoints[i]
		if cp.Status != models.CheckpointCompleted {
			continue
		}
		if out.DataThrough == nil || cp.WindowEnd.After(*out.DataThrough) {
			end := cp.WindowEnd
			out.DataThrough = &end
		}
	}

	if last == nil {
		out.Reason = "no sync run recorded"
		return out, nil
	}
	out.LastRunState = last.State
	out.LastRunAt = last.FinishedAt
	out.LastRunError = last.Error
	if out.DataThrough != nil {
		stale := int64(s.now().Sub(*out.DataThrough) / time.Second)
		if stale < 0 {
			stale = 0
		}
		out.StalenessSeconds = &stale
	}

	switch {
	case last.State == string(StateFailed):
		out.Reason = "last run failed"
	case out.StalenessSeconds == nil:
		out.Reason = "no completed window"
	case *out.StalenessSeconds > out.MaxStalenessSeconds:
		out.Reason = "data is stale"
	default:
		out.Healthy = true
	}
	return out, nil
}

// ConversationURL links to the conversation in the Intercom inbox.
func ConversationURL(appID string, conv models.Conversation) string {
	if appID == "" || conv.ID == "" {
		return ""
	}
	link := "https://app.intercom.com/a/inbox/" + url.PathEscape(appID) + "/inbox/search/conversation/" + url.PathEscape(conv.ID)
	if conv.CustomerEmail != nil && *conv.CustomerEmail != "" {
		link += "?query=" + url.QueryEscape(*conv.CustomerEmail)
	}
	return link
}

func (s *QueryService) view(item models.Conversation) ConversationView {
	return ConversationView{Conversation: item, URL: ConversationURL(s.AppID, item)}
}

func (s *QueryService) resolveRange(timeframe string, since, until *time.Time) (*time.Time, *time.Time, error) {
	if strings.TrimSpace(timeframe) != "" {
		from, to := ParseTimeframe(timeframe, s.now())
		return &from, &to, nil
	}
	if since != nil && until != nil && until.Before(*since) {
		return nil, nil, fmt.Errorf("%w: until is before since", ErrInvalidQuery)
	}
	return since, until, nil
}

func (s *QueryService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}
