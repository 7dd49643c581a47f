package steamcharts

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/timmy/steamharvest/internal/domain"
	"github.com/timmy/steamharvest/internal/ratelimit"
)

const monthlyPage = `<html><body>
<table class="common-table">
<thead><tr><th>Month</th><th>Avg. Players</th><th>Gain</th><th>% Gain</th><th>Peak Players</th></tr></thead>
<tbody>
<tr><td>Last 30 Days</td><td>1,000.5</td><td>-</td><td>-</td><td>2,000</td></tr>
<tr><td>September 2024</td><td>1,234.6</td><td>+10</td><td>+1%</td><td>3,456</td></tr>
<tr><td>August 2024</td><td>900</td><td>-</td><td>-</td><td>-</td></tr>
</tbody>
</table>
</body></html>`

func noSleep(context.Context, time.Duration) error { return nil }

func newTestClient(t *testing.T, h http.Handler, retries int) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Config{
		BaseURL:    srv.URL,
		MaxRetries: retries,
		RetryDelay: time.Millisecond,
	}, ratelimit.New(ratelimit.Config{}), WithSleep(noSleep))
}

func TestParseChart(t *testing.T) {
	body := []byte(`[[1700000000000, 120.4], [1700003600, 99], [1700007200000, null], [5]]`)
	recs, err := ParseChart(730, body)
	require.NoError(t, err)
	require.Equal(t, []domain.CCURecord{
		{AppID: 730, DateTime: "2023-11-14 22:13:20", Players: 120, ValueType: domain.ValueTypeAvg},
		{AppID: 730, DateTime: "2023-11-14 23:13:20", Players: 99, ValueType: domain.ValueTypeAvg},
	}, recs)

	_, err = ParseChart(730, []byte(`<html>`))
	require.Error(t, err)
}

func TestParseMonthly(t *testing.T) {
	recs, err := ParseMonthly(440, []byte(monthlyPage))
	require.NoError(t, err)
	require.Equal(t, []domain.CCURecord{
		{AppID: 440, DateTime: "2024-09-01 00:00:00", Players: 1235, ValueType: domain.ValueTypeMonthAvg},
		{AppID: 440, DateTime: "2024-09-01 00:00:00", Players: 3456, ValueType: domain.ValueTypePeak},
		{AppID: 440, DateTime: "2024-08-01 00:00:00", Players: 900, ValueType: domain.ValueTypeMonthAvg},
	}, recs)
}

func TestChartNotFound(t *testing.T) {
	client := newTestClient(t, http.NotFoundHandler(), 3)
	_, err := client.Chart(context.Background(), 1)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestChartRetriesThenSucceeds(t *testing.T) {
	var calls int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/app/730/chart-data.json", r.URL.Path)
		switch atomic.AddInt32(&calls, 1) {
		case 1:
			w.WriteHeader(http.StatusTooManyRequests)
		case 2:
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			_, _ = w.Write([]byte(`[[1700000000000, 5]]`))
		}
	}), 3)

	recs, err := client.Chart(context.Background(), 730)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestChartRetriesExhausted(t *testing.T) {
	var calls int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}), 2)

	_, err := client.Chart(context.Background(), 730)
	require.ErrorIs(t, err, domain.ErrTransientIO)
	require.False(t, errors.Is(err, ErrNotFound))
	require.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestMonthlyFetch(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/app/440", r.URL.Path)
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(monthlyPage))
	}), 0)

	recs, err := client.Monthly(context.Background(), 440)
	require.NoError(t, err)
	require.Len(t, recs, 3)
}
