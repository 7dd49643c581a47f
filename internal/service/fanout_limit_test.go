package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/timmy/steamharvest/internal/batch"
	"github.com/timmy/steamharvest/internal/itad"
	"github.com/timmy/steamharvest/internal/ratelimit"
)

// itadServer answers lookup and history calls and records request concurrency.
type itadServer struct {
	inFlight    int32
	maxInFlight int32
	mu          sync.Mutex
	arrivals    []time.Time
}

func (s *itadServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := atomic.AddInt32(&s.inFlight, 1)
	defer atomic.AddInt32(&s.inFlight, -1)
	for {
		m := atomic.LoadInt32(&s.maxInFlight)
		if n <= m || atomic.CompareAndSwapInt32(&s.maxInFlight, m, n) {
			break
		}
	}
	s.mu.Lock()
	s.arrivals = append(s.arrivals, time.Now())
	s.mu.Unlock()

	time.Sleep(10 * time.Millisecond)
	switch r.URL.Path {
	case "/lookup/id/shop/61/v1":
		_, _ = w.Write([]byte(`{"app/730":"g-730","app/440":"g-440"}`))
	case "/games/history/v2":
		_, _ = w.Write([]byte(`[{"timestamp":"2024-01-01T00:00:00Z","shop":{"id":61},"deal":{"price":{"amount":9.99}}}]`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *itadServer) requests() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time(nil), s.arrivals...)
}

func newLimitedFanout(t *testing.T, srv *itadServer, limits ratelimit.Config) *FanoutClient {
	t.Helper()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	client := itad.NewClient(itad.Config{
		BaseURL:           ts.URL,
		APIKey:            "secret",
		MaxRetries:        1,
		RetryAfterDefault: time.Millisecond,
	}, ratelimit.New(limits))
	sink := &memPriceSink{}
	return NewFanoutClient(client, sink, sink, sink, nil, FanoutConfig{
		Workers:    3,
		MaxRetries: 1,
		RetryDelay: time.Millisecond,
		OutputDir:  t.TempDir(),
	})
}

func TestFanoutCurrenciesShareOneConcurrencySlot(t *testing.T) {
	srv := &itadServer{}
	f := newLimitedFanout(t, srv, ratelimit.Config{MaxConcurrent: 1})

	res, err := f.Process(context.Background(), "job", batch.Batch{Number: 1, AppIDs: []int64{730, 440}}, []string{"USD", "EUR", "GBP"})
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 3)
	for _, o := range res.Outcomes {
		require.NoError(t, o.Err)
	}

	// one lookup plus one history call per (app, currency)
	require.Len(t, srv.requests(), 7)
	require.Equal(t, int32(1), atomic.LoadInt32(&srv.maxInFlight))
}

func TestFanoutCurrenciesShareOneRate(t *testing.T) {
	srv := &itadServer{}
	f := newLimitedFanout(t, srv, ratelimit.Config{RequestsPerSecond: 20})

	_, err := f.Process(context.Background(), "job", batch.Batch{Number: 1, AppIDs: []int64{730, 440}}, []string{"USD", "EUR", "GBP"})
	require.NoError(t, err)

	arrivals := srv.requests()
	sort.Slice(arrivals, func(i, j int) bool { return arrivals[i].Before(arrivals[j]) })
	require.Len(t, arrivals, 7)
	// 20 rps spaces grants 50ms apart across all three currencies
	for i := 1; i < len(arrivals); i++ {
		require.GreaterOrEqual(t, arrivals[i].Sub(arrivals[i-1]), 35*time.Millisecond)
	}
}
