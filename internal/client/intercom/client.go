package intercom

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"fastintercom/internal/config"
)

var (
	// ErrRemoteUnavailable is returned once transient failures exhaust their retry budget.
	ErrRemoteUnavailable = errors.New("remote unavailable")
	// ErrRemoteProtocol marks responses that break the API contract. It is never retried.
	ErrRemoteProtocol = errors.New("remote protocol error")
)

type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Body)
}

type Options struct {
	BaseURL             string
	Token               string
	APIVersion          string
	HTTPClient          *http.Client
	PageSize            int
	RequestsPerSecond   float64
	Burst               int
	MaxRetries          int
	MaxRateLimitRetries int
	BaseDelay           time.Duration
	MaxDelay            time.Duration
	Logger              *zap.Logger
}

type Client struct {
	baseURL             string
	token               string
	apiVersion          string
	httpClient          *http.Client
	pageSize            int
	limiter             *rate.Limiter
	maxRetries          int
	maxRateLimitRetries int
	baseDelay           time.Duration
	maxDelay            time.Duration
	logger              *zap.Logger
}

func NewClient(opts Options) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.intercom.io"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	apiVersion := strings.TrimSpace(opts.APIVersion)
	if apiVersion == "" {
		apiVersion = "2.11"
	}
	pageSize := opts.PageSize
	if pageSize <= 0 || pageSize > 150 {
		pageSize = 50
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	maxRateLimitRetries := opts.MaxRateLimitRetries
	if maxRateLimitRetries < 0 {
		maxRateLimitRetries = 0
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:             baseURL,
		token:               strings.TrimSpace(opts.Token),
		apiVersion:          apiVersion,
		httpClient:          httpClient,
		pageSize:            pageSize,
		limiter:             rate.NewLimiter(limit, burst),
		maxRetries:          maxRetries,
		maxRateLimitRetries: maxRateLimitRetries,
		baseDelay:           baseDelay,
		maxDelay:            maxDelay,
		logger:              logger,
	}
}

func NewFromConfig(cfg config.IntercomConfig, logger *zap.Logger) *Client {
	return NewClient(Options{
		BaseURL:             cfg.BaseURL,
		Token:               cfg.Token,
		APIVersion:          cfg.APIVersion,
		HTTPClient:          &http.Client{Timeout: cfg.Timeout},
		PageSize:            cfg.PageSize,
		RequestsPerSecond:   cfg.RequestsPerSecond,
		Burst:               cfg.Burst,
		MaxRetries:          cfg.MaxRetries,
		MaxRateLimitRetries: cfg.MaxRateLimitRetries,
		BaseDelay:           cfg.BaseDelay,
		MaxDelay:            cfg.MaxDelay,
		Logger:              logger,
	})
}

// FetchPage returns one page of conversations updated inside the window.
// cursor must come from a previous page of the same window; nil starts the chain.
func (c *Client) FetchPage(ctx context.Context, window Window, cursor *string) (Page, error) {
	if err := window.Validate(); err != nil {
		return Page{}, err
	}
	payload := searchRequest{
		Query:      windowQuery(window),
		Pagination: searchPagination{PerPage: c.pageSize, StartingAfter: cursor},
	}
	body, attempts, err := c.do(ctx, http.MethodPost, "/conversations/search", nil, payload)
	if err != nil {
		return Page{Attempts: attempts}, err
	}
	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Page{Attempts: attempts}, fmt.Errorf("%w: decode search response: %v", ErrRemoteProtocol, err)
	}
	if resp.Conversations == nil {
		return Page{Attempts: attempts}, fmt.Errorf("%w: search response has no conversations field", ErrRemoteProtocol)
	}
	page := Page{
		Conversations: *resp.Conversations,
		TotalCount:    resp.TotalCount,
		Attempts:      attempts,
	}
	if resp.Pages != nil && resp.Pages.Next != nil && resp.Pages.Next.StartingAfter != "" {
		next := resp.Pages.Next.StartingAfter
		if cursor != nil && *cursor == next {
			return page, fmt.Errorf("%w: cursor %q did not advance", ErrRemoteProtocol, next)
		}
		page.NextCursor = &next
	}
	return page, nil
}

// GetConversation fetches one conversation with its full part list.
func (c *Client) GetConversation(ctx context.Context, id string) (*Conversation, int, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, 0, fmt.Errorf("conversation id is required")
	}
	query := url.Values{}
	query.Set("display_as", "plaintext")
	body, attempts, err := c.do(ctx, http.MethodGet, "/conversations/"+url.PathEscape(id), query, nil)
	if err != nil {
		return nil, attempts, err
	}
	var item Conversation
	if err := json.Unmarshal(body, &item); err != nil {
		return nil, attempts, fmt.Errorf("%w: decode conversation %s: %v", ErrRemoteProtocol, id, err)
	}
	return &item, attempts, nil
}

// TestConnection makes one authenticated request and reports whether it succeeded.
// It does not retry.
func (c *Client) TestConnection(ctx context.Context) (bool, error) {
	if _, err := c.me(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// AppID returns the workspace id code used in inbox links.
func (c *Client) AppID(ctx context.Context) (string, error) {
	me, err := c.me(ctx)
	if err != nil {
		return "", err
	}
	if me.App == nil || me.App.IDCode == "" {
		return "", fmt.Errorf("%w: /me response has no app id", ErrRemoteProtocol)
	}
	return me.App.IDCode, nil
}

func (c *Client) me(ctx context.Context) (*Me, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := c.send(ctx, http.MethodGet, "/me", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	body, err := readBody(resp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Status: resp.StatusCode, Body: string(body)}
	}
	var me Me
	if err := json.Unmarshal(body, &me); err != nil {
		return nil, fmt.Errorf("%w: decode /me: %v", ErrRemoteProtocol, err)
	}
	return &me, nil
}

// do runs one logical request with rate limiting and retries. Rate-limit
// responses and transient failures have separate budgets. The returned count
// is the number of HTTP attempts made.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload any) ([]byte, int, error) {
	var encoded []byte
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, err
		}
		encoded = raw
	}

	var (
		attempts       int
		transientTries int
		rateLimitTries int
	)
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, attempts, err
		}
		attempts++
		resp, err := c.send(ctx, method, path, query, encoded)
		if err != nil {
			if ctx.Err() != nil {
				return nil, attempts, ctx.Err()
			}
			if transientTries < c.maxRetries {
				transientTries++
				c.logger.Warn("intercom request failed, retrying",
					zap.String("path", path),
					zap.Int("attempt", attempts),
					zap.Error(err),
				)
				if waitErr := sleepContext(ctx, c.retryDelay(transientTries, nil)); waitErr != nil {
					return nil, attempts, waitErr
				}
				continue
			}
			return nil, attempts, fmt.Errorf("%w: %s %s: %v", ErrRemoteUnavailable, method, path, err)
		}

		body, readErr := readBody(resp)
		if readErr != nil {
			if transientTries < c.maxRetries {
				transientTries++
				if waitErr := sleepContext(ctx, c.retryDelay(transientTries, nil)); waitErr != nil {
					return nil, attempts, waitErr
				}
				continue
			}
			return nil, attempts, fmt.Errorf("%w: read %s: %v", ErrRemoteUnavailable, path, readErr)
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode <= 299:
			return body, attempts, nil
		case resp.StatusCode == http.StatusTooManyRequests:
			apiErr := &APIError{Status: resp.StatusCode, Body: string(body)}
			if rateLimitTries >= c.maxRateLimitRetries {
				return nil, attempts, fmt.Errorf("%w: rate limit retries exhausted: %w", ErrRemoteUnavailable, apiErr)
			}
			rateLimitTries++
			delay := c.retryDelay(rateLimitTries, resp.Header)
			c.logger.Info("intercom rate limited, backing off",
				zap.String("path", path),
				zap.Int("retry", rateLimitTries),
				zap.Duration("delay", delay),
			)
			if waitErr := sleepContext(ctx, delay); waitErr != nil {
				return nil, attempts, waitErr
			}
		case resp.StatusCode >= 500:
			apiErr := &APIError{Status: resp.StatusCode, Body: string(body)}
			if transientTries >= c.maxRetries {
				return nil, attempts, fmt.Errorf("%w: %w", ErrRemoteUnavailable, apiErr)
			}
			transientTries++
			if waitErr := sleepContext(ctx, c.retryDelay(transientTries, resp.Header)); waitErr != nil {
				return nil, attempts, waitErr
			}
		default:
			return nil, attempts, fmt.Errorf("%w: %w", ErrRemoteProtocol, &APIError{Status: resp.StatusCode, Body: string(body)})
		}
	}
}

func (c *Client) send(ctx context.Context, method, path string, query url.Values, payload []byte) (*http.Response, error) {
	fullURL := c.baseURL + path
	if len(query) > 0 {
		fullURL = fullURL + "?" + query.Encode()
	}
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Intercom-Version", c.apiVersion)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.httpClient.Do(req)
}

func readBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// retryDelay is exponential backoff with full jitter, capped at maxDelay.
// A server hint (Retry-After or X-RateLimit-Reset) replaces the computed
// delay when it is longer.
func (c *Client) retryDelay(attempt int, header http.Header) time.Duration {
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			delay = c.maxDelay
			break
		}
	}
	if delay > c.maxDelay {
		delay = c.maxDelay
	}
	delay = time.Duration(rand.Int64N(int64(delay))) + 1
	if hint := serverDelay(header, time.Now()); hint > delay {
		delay = hint
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func serverDelay(header http.Header, now time.Time) time.Duration {
	if header == nil {
		return 0
	}
	if raw := strings.TrimSpace(header.Get("Retry-After")); raw != "" {
		if seconds, err := strconv.Atoi(raw); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
		if at, err := http.ParseTime(raw); err == nil && at.After(now) {
			return at.Sub(now)
		}
	}
	if reset, ok := unixSeconds(header.Get("X-RateLimit-Reset")); ok {
		at := time.Unix(reset, 0)
		if at.After(now) {
			return at.Sub(now)
		}
	}
	return 0
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
