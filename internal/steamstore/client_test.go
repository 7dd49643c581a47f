package steamstore

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/timmy/steamharvest/internal/domain"
	"github.com/timmy/steamharvest/internal/ratelimit"
)

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

func TestParseAppDetails(t *testing.T) {
	tests := map[string]struct {
		body    string
		want    *Price
		wantErr error
	}{
		"paid": {
			body: `{"730":{"success":true,"data":{"is_free":false,"price_overview":{"currency":"eur","initial":1999,"final":999,"discount_percent":50}}}}`,
			want: &Price{AppID: 730, Currency: "EUR", Final: 9.99, Initial: 19.99, DiscountPercent: 50},
		},
		"free": {
			body: `{"730":{"success":true,"data":{"is_free":true}}}`,
			want: &Price{AppID: 730, Free: true},
		},
		"not listed": {
			body:    `{"730":{"success":false}}`,
			wantErr: ErrNotListed,
		},
		"other app": {
			body:    `{"440":{"success":true,"data":{"is_free":true}}}`,
			wantErr: ErrNotListed,
		},
		"no overview": {
			body:    `{"730":{"success":true,"data":{"is_free":false}}}`,
			wantErr: ErrNoPrice,
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := ParseAppDetails(730, []byte(tt.body))
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}

	_, err := ParseAppDetails(730, []byte(`<html>`))
	require.Error(t, err)
}

func TestPriceQueriesRegion(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/appdetails", r.URL.Path)
		require.Equal(t, "570", r.URL.Query().Get("appids"))
		require.Equal(t, "gb", r.URL.Query().Get("cc"))
		require.Equal(t, "en", r.URL.Query().Get("l"))
		_, _ = w.Write([]byte(`{"570":{"success":true,"data":{"price_overview":{"currency":"GBP","initial":500,"final":500,"discount_percent":0}}}}`))
	}), 0)

	p, err := client.Price(context.Background(), 570, "GB")
	require.NoError(t, err)
	require.Equal(t, "GBP", p.Currency)
	require.Equal(t, 5.0, p.Final)
}

func TestPriceRetriesThenSucceeds(t *testing.T) {
	var calls int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"10":{"success":true,"data":{"is_free":true}}}`))
	}), 2)

	p, err := client.Price(context.Background(), 10, "US")
	require.NoError(t, err)
	require.True(t, p.Free)
	require.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestPriceGivesUpAsTransient(t *testing.T) {
	var calls int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}), 2)

	_, err := client.Price(context.Background(), 10, "US")
	require.ErrorIs(t, err, domain.ErrTransientIO)
	require.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestPriceClientErrorIsNotRetried(t *testing.T) {
	var calls int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
	}), 3)

	_, err := client.Price(context.Background(), 10, "US")
	require.Error(t, err)
	require.NotErrorIs(t, err, domain.ErrTransientIO)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}
