package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/timmy/steamharvest/internal/batch"
	"github.com/timmy/steamharvest/internal/domain"
	"github.com/timmy/steamharvest/internal/itad"
	"github.com/timmy/steamharvest/internal/scheduler"
)

type fakePriceAPI struct {
	mu          sync.Mutex
	games       map[int64]string
	lookupErr   error
	failCountry map[string]error
	listed      map[string][]string // country -> game ids with a Steam low
	calls       map[string]int      // country -> history calls
	lowCalls    int
}

func newFakePriceAPI() *fakePriceAPI {
	return &fakePriceAPI{
		games:       map[int64]string{730: "g-730", 440: "g-440"},
		failCountry: map[string]error{},
		calls:       map[string]int{},
	}
}

func (f *fakePriceAPI) Lookup(_ context.Context, ids []int64) (map[int64]string, error) {
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	out := make(map[int64]string)
	for _, id := range ids {
		if g, ok := f.games[id]; ok {
			out[id] = g
		}
	}
	return out, nil
}

func (f *fakePriceAPI) History(_ context.Context, gameID, country, _ string) ([]itad.HistoryEntry, error) {
	f.mu.Lock()
	f.calls[country]++
	err := f.failCountry[country]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	raw := fmt.Sprintf(`[{"timestamp":"2024-01-01T00:00:00Z","shop":{"id":61},"deal":{"price":{"amount":%d.99}}},
		{"timestamp":"2024-01-02T00:00:00Z","shop":{"id":35},"deal":{"price":{"amount":1}}}]`, len(gameID))
	var entries []itad.HistoryEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (f *fakePriceAPI) StoreLows(_ context.Context, gameIDs []string, country string) ([]itad.StoreLow, error) {
	f.mu.Lock()
	f.lowCalls++
	f.mu.Unlock()
	var lows []itad.StoreLow
	for _, id := range f.listed[country] {
		raw := fmt.Sprintf(`{"id":%q,"lows":[{"shop":{"id":61},"price":{"amount":1}}]}`, id)
		var low itad.StoreLow
		if err := json.Unmarshal([]byte(raw), &low); err != nil {
			return nil, err
		}
		lows = append(lows, low)
	}
	return lows, nil
}

func (f *fakePriceAPI) historyCalls(country string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[country]
}

type memPriceSink struct {
	mu       sync.Mutex
	prices   []domain.PriceRecord
	statuses []domain.PriceFetchStatus
	errors   []domain.ErrorRecord
}

func (m *memPriceSink) SavePrices(_ context.Context, records []domain.PriceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices = append(m.prices, records...)
	return nil
}

func (m *memPriceSink) SaveFetchStatus(_ context.Context, st *domain.PriceFetchStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, *st)
	return nil
}

func (m *memPriceSink) Append(_ context.Context, records ...domain.ErrorRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = append(m.errors, records...)
	return nil
}

func newTestFanout(t *testing.T, api PriceAPI, sink *memPriceSink, hybrid bool) (*FanoutClient, string) {
	t.Helper()
	dir := t.TempDir()
	f := NewFanoutClient(api, sink, sink, sink, nil, FanoutConfig{
		Hybrid:     hybrid,
		Workers:    2,
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
		OutputDir:  dir,
	})
	f.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return f, dir
}

func TestFanoutOneCurrencyFails(t *testing.T) {
	api := newFakePriceAPI()
	api.failCountry["DE"] = fmt.Errorf("itad: status 503: %w", domain.ErrTransientIO)
	sink := &memPriceSink{}
	f, dir := newTestFanout(t, api, sink, false)

	b := batch.Batch{Number: 1, AppIDs: []int64{730, 440}}
	res, err := f.Process(context.Background(), "job-1", b, []string{"USD", "EUR", "GBP"})
	require.NoError(t, err, "a partial failure keeps the batch successful")
	require.Len(t, res.Outcomes, 3)
	require.Equal(t, 4, res.Records())
	require.Empty(t, res.Unresolved)

	// transient failures are retried up to max_retries per app
	require.Equal(t, 6, api.historyCalls("DE"))
	require.Equal(t, 2, api.historyCalls("US"))

	files, err := filepath.Glob(filepath.Join(dir, "price_history_batch_1_*.csv"))
	require.NoError(t, err)
	sort.Strings(files)
	require.Equal(t, []string{
		filepath.Join(dir, "price_history_batch_1_GBP.csv"),
		filepath.Join(dir, "price_history_batch_1_USD.csv"),
	}, files)

	content, err := os.ReadFile(filepath.Join(dir, "price_history_batch_1_USD.csv"))
	require.NoError(t, err)
	require.Equal(t, "app_id,datetime,price_final,currency_symbol,currency_name\n"+
		"440,2024-01-01 00:00:00,5.99,$,U.S. Dollar\n"+
		"730,2024-01-01 00:00:00,5.99,$,U.S. Dollar\n", string(content))

	require.Len(t, sink.errors, 1)
	require.Equal(t, "price:EUR", sink.errors[0].DataType)
	require.Contains(t, sink.errors[0].ErrorMessage, "batch 1")

	status := map[string]domain.PriceFetchStatus{}
	for _, st := range sink.statuses {
		status[st.Currency] = st
	}
	require.Len(t, status, 3)
	require.Equal(t, domain.ItemStatusError, status["EUR"].Status)
	require.Equal(t, domain.ItemStatusDone, status["USD"].Status)
	require.Equal(t, 2, status["USD"].Records)
	require.Equal(t, "price_history_batch_1_USD.csv", status["USD"].File)
	require.Empty(t, status["EUR"].File)
}

func TestFanoutAllCurrenciesFail(t *testing.T) {
	api := newFakePriceAPI()
	api.failCountry["US"] = errors.New("itad: status 403: invalid key")
	api.failCountry["DE"] = errors.New("itad: status 403: invalid key")
	sink := &memPriceSink{}
	f, _ := newTestFanout(t, api, sink, false)

	res, err := f.Process(context.Background(), "job-1", batch.Batch{Number: 2, AppIDs: []int64{730}}, []string{"USD", "EUR"})
	require.ErrorIs(t, err, domain.ErrTransientIO)
	require.NotNil(t, res)
	require.Len(t, sink.errors, 2)
	// non-transient errors are not retried
	require.Equal(t, 1, api.historyCalls("US"))
}

func TestFanoutLookupFailure(t *testing.T) {
	api := newFakePriceAPI()
	api.lookupErr = errors.New("itad: status 401")
	sink := &memPriceSink{}
	f, _ := newTestFanout(t, api, sink, false)

	res, err := f.Process(context.Background(), "job-1", batch.Batch{Number: 1, AppIDs: []int64{730}}, []string{"USD"})
	require.Nil(t, res)
	require.ErrorIs(t, err, domain.ErrTransientIO)
	require.Empty(t, sink.statuses)
}

func TestFanoutHybridSkipsUnlistedApps(t *testing.T) {
	api := newFakePriceAPI()
	api.listed = map[string][]string{"US": {"g-730"}}
	sink := &memPriceSink{}
	f, _ := newTestFanout(t, api, sink, true)

	res, err := f.Process(context.Background(), "job-1", batch.Batch{Number: 1, AppIDs: []int64{730, 440}}, []string{"USD"})
	require.NoError(t, err)
	require.Equal(t, 1, api.lowCalls)
	require.Equal(t, 1, api.historyCalls("US"))
	require.Equal(t, 1, res.Records())
	got := append([]int64(nil), res.Outcomes[0].Succeeded...)
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	require.Equal(t, []int64{440, 730}, got)
}

func TestPriceExecutorItemErrors(t *testing.T) {
	api := newFakePriceAPI()
	sink := &memPriceSink{}
	f, _ := newTestFanout(t, api, sink, false)
	exec := NewPriceExecutor(f, []string{"USD", "GBP"})

	res, err := exec.Execute(context.Background(), scheduler.Dispatch{
		JobID: "job-1",
		Kind:  domain.JobKindPrice,
		Batch: batch.Batch{Number: 1, AppIDs: []int64{730, 999}},
	})
	require.NoError(t, err)
	require.Equal(t, 2, res.Records)
	require.Equal(t, "USD:1 GBP:1", res.Detail)
	require.Equal(t, []scheduler.ItemError{
		{AppID: 999, DataType: domain.DataTypePrice, Message: "no ITAD game id"},
	}, res.ItemErrors)
}

func TestPriceExecutorAllCurrenciesFailed(t *testing.T) {
	api := newFakePriceAPI()
	api.failCountry["US"] = errors.New("boom")
	sink := &memPriceSink{}
	f, _ := newTestFanout(t, api, sink, false)
	exec := NewPriceExecutor(f, []string{"USD"})

	res, err := exec.Execute(context.Background(), scheduler.Dispatch{
		JobID: "job-1",
		Batch: batch.Batch{Number: 1, AppIDs: []int64{730}},
	})
	require.ErrorIs(t, err, domain.ErrTransientIO)
	require.Len(t, res.ItemErrors, 1)
	require.True(t, strings.Contains(res.ItemErrors[0].Message, "boom"))
}
