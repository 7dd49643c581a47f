// Package itad is a minimal IsThereAnyDeal API client for Steam price history.
package itad

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/timmy/steamharvest/internal/domain"
	"github.com/timmy/steamharvest/internal/logger"
	"github.com/timmy/steamharvest/internal/ratelimit"
)

// SteamShopID is ITAD's numeric id for the Steam store.
const SteamShopID = 61

// Config holds client settings.
type Config struct {
	BaseURL           string
	APIKey            string
	MaxRetries        int
	RetryAfterDefault time.Duration
	Timeout           time.Duration
}

// Client talks to the ITAD API. Every attempt, retries included, goes through
// the shared limiter.
type Client struct {
	http              *resty.Client
	apiKey            string
	limiter           *ratelimit.Limiter
	maxRetries        int
	retryAfterDefault time.Duration
	sleep             func(ctx context.Context, d time.Duration) error
}

// Option configures a Client.
type Option func(*Client)

// WithSleep replaces the wait used between 429 retries.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) {
		c.sleep = fn
	}
}

// NewClient creates an ITAD client.
func NewClient(cfg Config, limiter *ratelimit.Limiter, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if cfg.RetryAfterDefault <= 0 {
		cfg.RetryAfterDefault = 60 * time.Second
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("User-Agent", "steamharvest/1.0").
		SetHeader("Content-Type", "application/json")

	c := &Client{
		http:              client,
		apiKey:            cfg.APIKey,
		limiter:           limiter,
		maxRetries:        cfg.MaxRetries,
		retryAfterDefault: cfg.RetryAfterDefault,
		sleep:             sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lookup resolves Steam app ids to ITAD game ids.
// Apps ITAD does not know are absent from the returned map.
func (c *Client) Lookup(ctx context.Context, appIDs []int64) (map[int64]string, error) {
	body := make([]string, len(appIDs))
	for i, id := range appIDs {
		body[i] = "app/" + strconv.FormatInt(id, 10)
	}

	raw, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/lookup/id/shop/%d/v1", SteamShopID), nil, body)
	if err != nil {
		return nil, err
	}

	var resp map[string]json.RawMessage
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("itad: decode lookup: %w", err)
	}

	out := make(map[int64]string, len(resp))
	for key, val := range resp {
		appID, err := strconv.ParseInt(key[strings.LastIndex(key, "/")+1:], 10, 64)
		if err != nil {
			continue
		}
		if gameID := decodeGameID(val); gameID != "" {
			out[appID] = gameID
		}
	}
	return out, nil
}

// decodeGameID accepts both "uuid" and {"id": "uuid"} shapes.
func decodeGameID(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}

// Money is an amount in a currency.
type Money struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

// Shop identifies the store of a history entry.
type Shop struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// HistoryEntry is one price change from /games/history/v2.
type HistoryEntry struct {
	Timestamp string `json:"timestamp"`
	Shop      Shop   `json:"shop"`
	Deal      *struct {
		Price   Money `json:"price"`
		Regular Money `json:"regular"`
		Cut     int   `json:"cut"`
	} `json:"deal"`
}

// History fetches the Steam price history of one game in one country.
func (c *Client) History(ctx context.Context, gameID, country, since string) ([]HistoryEntry, error) {
	query := map[string]string{
		"id":      gameID,
		"country": country,
		"shops":   strconv.Itoa(SteamShopID),
	}
	if since != "" {
		query["since"] = since
	}

	raw, err := c.do(ctx, http.MethodGet, "/games/history/v2", query, nil)
	if err != nil {
		return nil, err
	}

	var entries []HistoryEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("itad: decode history: %w", err)
	}
	return entries, nil
}

// StoreLow is the lowest recorded price per shop for one game.
type StoreLow struct {
	ID   string `json:"id"`
	Lows []struct {
		Shop  Shop  `json:"shop"`
		Price Money `json:"price"`
	} `json:"lows"`
}

// HasSteamPrice reports whether Steam ever listed the game in this country.
func (s StoreLow) HasSteamPrice() bool {
	for _, low := range s.Lows {
		if low.Shop.ID == SteamShopID {
			return true
		}
	}
	return false
}

// StoreLows fetches Steam store lows for a set of ITAD game ids.
func (c *Client) StoreLows(ctx context.Context, gameIDs []string, country string) ([]StoreLow, error) {
	query := map[string]string{
		"country": country,
		"shops":   strconv.Itoa(SteamShopID),
	}
	raw, err := c.do(ctx, http.MethodPost, "/games/storelow/v2", query, gameIDs)
	if err != nil {
		return nil, err
	}

	var lows []StoreLow
	if err := json.Unmarshal(raw, &lows); err != nil {
		return nil, fmt.Errorf("itad: decode storelow: %w", err)
	}
	return lows, nil
}

// do runs one request with 429 handling.
// Parameters:
//   - ctx: request context.
//   - method: HTTP method.
//   - path: endpoint path relative to the base URL.
//   - query: query parameters; the API key is added here.
//   - body: JSON body for POST requests, nil otherwise.
// Returns:
//   - []byte: the raw 200 response body.
//   - error: wraps domain.ErrTransientIO for network failures, 5xx, and exhausted 429 retries.
func (c *Client) do(ctx context.Context, method, path string, query map[string]string, body interface{}) ([]byte, error) {
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		release, err := c.limiter.Acquire(ctx)
		if err != nil {
			return nil, err
		}

		req := c.http.R().SetContext(ctx).SetQueryParams(query)
		if c.apiKey != "" {
			req.SetQueryParam("key", c.apiKey)
		}
		if body != nil {
			req.SetBody(body)
		}
		resp, err := req.Execute(method, path)
		release()

		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("itad: %s %s: %v: %w", method, path, err, domain.ErrTransientIO)
		}

		switch code := resp.StatusCode(); {
		case code == http.StatusTooManyRequests:
			wait := c.retryAfter(resp.Header().Get("Retry-After")) * time.Duration(attempt+1)
			logger.With(logger.Fields{
				"path":    path,
				"attempt": attempt + 1,
				"wait":    wait.String(),
			}).Warn(ctx, "ITAD rate limited, backing off")
			if err := c.sleep(ctx, wait); err != nil {
				return nil, err
			}
			continue
		case code >= 500:
			return nil, fmt.Errorf("itad: %s %s: status %d: %w", method, path, code, domain.ErrTransientIO)
		case code != http.StatusOK:
			return nil, fmt.Errorf("itad: %s %s: status %d: %s", method, path, code, truncate(resp.String(), 200))
		}
		return resp.Body(), nil
	}
	return nil, fmt.Errorf("itad: %s %s: rate limited after %d attempts: %w", method, path, c.maxRetries, domain.ErrTransientIO)
}

func (c *Client) retryAfter(header string) time.Duration {
	if header == "" {
		return c.retryAfterDefault
	}
	secs, err := strconv.Atoi(strings.TrimSpace(header))
	if err != nil || secs < 0 {
		return c.retryAfterDefault
	}
	return time.Duration(secs) * time.Second
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
