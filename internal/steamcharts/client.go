// Package steamcharts fetches concurrent-player history from SteamCharts.
package steamcharts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"github.com/timmy/steamharvest/internal/domain"
	"github.com/timmy/steamharvest/internal/logger"
	"github.com/timmy/steamharvest/internal/ratelimit"
)

// ErrNotFound is returned when SteamCharts has no page for an app.
var ErrNotFound = errors.New("steamcharts: app not found")

// Config holds client settings.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

// Client downloads chart data and the monthly summary table.
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

// NewClient creates a SteamCharts client sharing limiter with other callers.
func NewClient(cfg Config, limiter *ratelimit.Limiter, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	client := resty.New()
	client.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(client.GetClient().Transport)
	client.SetHeader("user-agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36")
	client.SetTimeout(cfg.Timeout)

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

// ChartURL is the JSON endpoint of one app.
func (c *Client) ChartURL(appID int64) string {
	return fmt.Sprintf("%s/app/%d/chart-data.json", c.baseURL, appID)
}

// PageURL is the HTML page of one app.
func (c *Client) PageURL(appID int64) string {
	return fmt.Sprintf("%s/app/%d", c.baseURL, appID)
}

// Chart fetches the full player series of an app as average samples.
func (c *Client) Chart(ctx context.Context, appID int64) ([]domain.CCURecord, error) {
	body, err := c.get(ctx, c.ChartURL(appID))
	if err != nil {
		return nil, err
	}
	return ParseChart(appID, body)
}

// Monthly fetches the monthly table of an app as peak and month_avg samples.
func (c *Client) Monthly(ctx context.Context, appID int64) ([]domain.CCURecord, error) {
	body, err := c.get(ctx, c.PageURL(appID))
	if err != nil {
		return nil, err
	}
	return ParseMonthly(appID, body)
}

// get performs a GET with backoff on 429 and 5xx.
// Parameters:
//   - ctx: request context.
//   - url: absolute URL.
// Returns:
//   - []byte: response body of a 200.
//   - error: ErrNotFound on 404; wraps domain.ErrTransientIO once retries run out.
func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			wait := c.retryDelay * time.Duration(1<<uint(attempt-1))
			logger.With(logger.Fields{
				"url":     url,
				"attempt": attempt,
				"wait":    wait.String(),
			}).Warn(ctx, "Retrying SteamCharts request: %v", lastErr)
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
			return res.Body(), nil
		case code == http.StatusNotFound:
			return nil, ErrNotFound
		case code == http.StatusTooManyRequests || code >= 500:
			lastErr = fmt.Errorf("status %d", code)
			continue
		default:
			return nil, fmt.Errorf("steamcharts: GET %s: status %d", url, code)
		}
	}
	return nil, fmt.Errorf("steamcharts: GET %s: %v: %w", url, lastErr, domain.ErrTransientIO)
}

// ParseChart decodes a chart-data.json body of [[timestamp, players], ...].
// Timestamps above 1e10 are milliseconds. Null player counts are skipped.
func ParseChart(appID int64, body []byte) ([]domain.CCURecord, error) {
	var points [][]*float64
	if err := json.Unmarshal(body, &points); err != nil {
		return nil, fmt.Errorf("steamcharts: decode chart of %d: %w", appID, err)
	}

	records := make([]domain.CCURecord, 0, len(points))
	for _, p := range points {
		if len(p) < 2 || p[0] == nil || p[1] == nil {
			continue
		}
		ts := *p[0]
		if ts > 1e10 {
			ts /= 1000
		}
		records = append(records, domain.CCURecord{
			AppID:     appID,
			DateTime:  time.Unix(int64(ts), 0).UTC().Format(domain.DateTimeLayout),
			Players:   int64(math.Round(*p[1])),
			ValueType: domain.ValueTypeAvg,
		})
	}
	return records, nil
}

// ParseMonthly extracts the monthly summary table of an app page.
// The "Last 30 Days" row and rows with an unparseable month are skipped.
func ParseMonthly(appID int64, body []byte) ([]domain.CCURecord, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("steamcharts: parse page of %d: %w", appID, err)
	}

	var records []domain.CCURecord
	doc.Find("table.common-table tbody tr").Each(func(_ int, tr *goquery.Selection) {
		cells := tr.Find("td")
		if cells.Length() < 5 {
			return
		}
		month, err := time.Parse("January 2006", strings.TrimSpace(cells.Eq(0).Text()))
		if err != nil {
			return
		}
		dt := month.Format(domain.DateTimeLayout)

		if avg, ok := parseCount(cells.Eq(1).Text()); ok {
			records = append(records, domain.CCURecord{AppID: appID, DateTime: dt, Players: avg, ValueType: domain.ValueTypeMonthAvg})
		}
		if peak, ok := parseCount(cells.Eq(4).Text()); ok {
			records = append(records, domain.CCURecord{AppID: appID, DateTime: dt, Players: peak, ValueType: domain.ValueTypePeak})
		}
	})
	return records, nil
}

func parseCount(s string) (int64, bool) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if s == "" || s == "-" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return int64(math.Round(f)), true
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
