package itad

import (
	"context"
	"encoding/json"
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

func newTestClient(t *testing.T, h http.Handler, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Config{
		BaseURL:           srv.URL,
		APIKey:            "secret",
		MaxRetries:        3,
		RetryAfterDefault: time.Second,
	}, ratelimit.New(ratelimit.Config{}), opts...)
}

func TestLookup(t *testing.T) {
	var gotBody []string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/lookup/id/shop/61/v1", r.URL.Path)
		require.Equal(t, "secret", r.URL.Query().Get("key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_, _ = w.Write([]byte(`{"app/730":"uuid-730","app/440":{"id":"uuid-440"},"app/1":null}`))
	}))

	ids, err := client.Lookup(context.Background(), []int64{730, 440, 1})
	require.NoError(t, err)
	require.Equal(t, []string{"app/730", "app/440", "app/1"}, gotBody)
	require.Equal(t, map[int64]string{730: "uuid-730", 440: "uuid-440"}, ids)
}

func TestHistoryQuery(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		require.Equal(t, "/games/history/v2", r.URL.Path)
		require.Equal(t, "uuid-730", q.Get("id"))
		require.Equal(t, "DE", q.Get("country"))
		require.Equal(t, "61", q.Get("shops"))
		require.Equal(t, "2012-01-01T00:00:00Z", q.Get("since"))
		_, _ = w.Write([]byte(`[{"timestamp":"2024-03-01T10:00:00+01:00","shop":{"id":61,"name":"Steam"},"deal":{"price":{"amount":4.99,"currency":"EUR"},"regular":{"amount":9.99,"currency":"EUR"},"cut":50}}]`))
	}))

	entries, err := client.History(context.Background(), "uuid-730", "DE", "2012-01-01T00:00:00Z")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, 4.99, entries[0].Deal.Price.Amount)
	require.Equal(t, 50, entries[0].Deal.Cut)
}

func TestRetryAfterBackoff(t *testing.T) {
	var calls int32
	var waits []time.Duration
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}), WithSleep(func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}))

	_, err := client.History(context.Background(), "uuid", "US", "")
	require.NoError(t, err)
	require.Equal(t, int32(3), atomic.LoadInt32(&calls))
	require.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, waits)
}

func TestRetryAfterExhausted(t *testing.T) {
	var waits []time.Duration
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}), WithSleep(func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}))

	_, err := client.History(context.Background(), "uuid", "US", "")
	require.ErrorIs(t, err, domain.ErrTransientIO)
	// missing header falls back to the configured default
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}, waits)
}

func TestServerErrorIsTransient(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := client.StoreLows(context.Background(), []string{"uuid"}, "US")
	require.ErrorIs(t, err, domain.ErrTransientIO)
}

func TestClientErrorIsNotTransient(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"reason":"invalid key"}`))
	}))

	_, err := client.Lookup(context.Background(), []int64{730})
	require.Error(t, err)
	require.False(t, errors.Is(err, domain.ErrTransientIO))
	require.Contains(t, err.Error(), "invalid key")
}

func TestStoreLowsSteamFilter(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/games/storelow/v2", r.URL.Path)
		require.Equal(t, "GB", r.URL.Query().Get("country"))
		_, _ = w.Write([]byte(`[{"id":"a","lows":[{"shop":{"id":61},"price":{"amount":1,"currency":"GBP"}}]},{"id":"b","lows":[]}]`))
	}))

	lows, err := client.StoreLows(context.Background(), []string{"a", "b"}, "GB")
	require.NoError(t, err)
	require.Len(t, lows, 2)
	require.True(t, lows[0].HasSteamPrice())
	require.False(t, lows[1].HasSteamPrice())
}
