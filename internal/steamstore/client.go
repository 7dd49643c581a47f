// Package steamstore fetches current prices from the Steam Store appdetails API.
package steamstore

import (
	"context"
	"encoding/json"
	"errors"
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

var (
	// ErrNotListed is returned when the store reports success=false for an app.
	ErrNotListed = errors.New("steamstore: app not listed in region")
	// ErrNoPrice is returned for a paid app without a price_overview block.
	ErrNoPrice = errors.New("steamstore: no price overview")
)

// Config holds client settings.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

// Price is the current store price of an app in one region.
type Price struct {
	AppID           int64
	Free            bool
	Currency        string  // ISO code reported by the store
	Final           float64 // major units
	Initial         float64
	DiscountPercent int
}

// Client queries appdetails for one app and country at a time.
type Client struct {
	http       *resty.Client
	baseURL    string
	limiter    *ratelimit.Limiter
	maxRetries int
	retryDelay time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
}

// Option configures a Client.
type Option func(*Client)

// WithSleep replaces the wait used between retries.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) {
		c.sleep = fn
	}
}

// NewClient creates a Steam Store client sharing limiter with other callers.
func NewClient(cfg Config, limiter *ratelimit.Limiter, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")

	c := &Client{
		http:       client,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		limiter:    limiter,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DetailsURL is the appdetails endpoint of one app in one country.
func (c *Client) DetailsURL(appID int64, country string) string {
	return fmt.Sprintf("%s/api/appdetails?appids=%d&cc=%s&l=en", c.baseURL, appID, strings.ToLower(country))
}

// Price fetches the current price of appID as sold in country.
// Parameters:
//   - ctx: request context.
//   - appID: Steam app id.
//   - country: ISO 3166 country code selecting the store region.
// Returns:
//   - *Price: the parsed price; Free is set for free-to-play apps.
//   - error: ErrNotListed, ErrNoPrice, or an error wrapping domain.ErrTransientIO once retries run out.
func (c *Client) Price(ctx context.Context, appID int64, country string) (*Price, error) {
	url := c.DetailsURL(appID, country)
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			wait := c.retryDelay * time.Duration(1<<uint(attempt-1))
			logger.With(logger.Fields{
				logger.FieldAppID: appID,
				"country":         country,
				"attempt":         attempt,
				"wait":            wait.String(),
			}).Warn(ctx, "Retrying Steam Store request: %v", lastErr)
			if err := c.sleep(ctx, wait); err != nil {
				return nil, err
			}
		}

		release, err := c.limiter.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		res, err := c.http.R().SetContext(ctx).Get(url)
		release()

		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}

		code := res.StatusCode()
		switch {
		case code == http.StatusOK:
			return ParseAppDetails(appID, res.Body())
		case code == http.StatusTooManyRequests || code >= 500:
			lastErr = fmt.Errorf("status %d", code)
			continue
		default:
			return nil, fmt.Errorf("steamstore: GET %s: status %d", url, code)
		}
	}
	return nil, fmt.Errorf("steamstore: GET %s: %v: %w", url, lastErr, domain.ErrTransientIO)
}

type appDetails struct {
	Success bool `json:"success"`
	Data    struct {
		IsFree        bool `json:"is_free"`
		PriceOverview *struct {
			Currency        string `json:"currency"`
			Initial         int64  `json:"initial"`
			Final           int64  `json:"final"`
			DiscountPercent int    `json:"discount_percent"`
		} `json:"price_overview"`
	} `json:"data"`
}

// ParseAppDetails decodes an appdetails body keyed by the app id.
// Prices arrive in minor units and are returned in major units.
func ParseAppDetails(appID int64, body []byte) (*Price, error) {
	var resp map[string]appDetails
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("steamstore: decode details of %d: %w", appID, err)
	}
	details, ok := resp[strconv.FormatInt(appID, 10)]
	if !ok || !details.Success {
		return nil, ErrNotListed
	}
	if details.Data.IsFree {
		return &Price{AppID: appID, Free: true}, nil
	}
	po := details.Data.PriceOverview
	if po == nil || po.Currency == "" {
		return nil, ErrNoPrice
	}
	return &Price{
		AppID:           appID,
		Currency:        strings.ToUpper(po.Currency),
		Final:           float64(po.Final) / 100,
		Initial:         float64(po.Initial) / 100,
		DiscountPercent: po.DiscountPercent,
	}, nil
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
