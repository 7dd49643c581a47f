package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/timmy/steamharvest/internal/domain"
	"github.com/timmy/steamharvest/internal/itad"
	"github.com/timmy/steamharvest/internal/logger"
	"github.com/timmy/steamharvest/internal/scheduler"
	"github.com/timmy/steamharvest/internal/steamstore"
	"golang.org/x/sync/errgroup"
)

var (
	errFreeApp      = errors.New("free to play")
	errNoStorePrice = errors.New("no price in any region")
)

// StoreAPI is the subset of the Steam Store client used by SteamPriceExecutor.
type StoreAPI interface {
	Price(ctx context.Context, appID int64, country string) (*steamstore.Price, error)
	DetailsURL(appID int64, country string) string
}

// SteamPriceExecutor snapshots the current store price of every app in each
// configured currency.
type SteamPriceExecutor struct {
	store      StoreAPI
	prices     PriceStore
	currencies []itad.Currency
	workers    int
	now        func() time.Time
}

// NewSteamPriceExecutor creates a SteamPriceExecutor. Unknown codes are
// ignored; an empty list selects every supported currency. workers bounds the
// number of apps fetched at once.
func NewSteamPriceExecutor(store StoreAPI, prices PriceStore, codes []string, workers int) *SteamPriceExecutor {
	var currencies []itad.Currency
	for _, code := range codes {
		if c, ok := itad.LookupCurrency(code); ok {
			currencies = append(currencies, c)
		}
	}
	if len(currencies) == 0 {
		currencies = itad.Currencies()
	}
	if workers < 1 {
		workers = 1
	}
	return &SteamPriceExecutor{
		store:      store,
		prices:     prices,
		currencies: currencies,
		workers:    workers,
		now:        time.Now,
	}
}

type appPrices struct {
	records []domain.PriceRecord
	err     error
}

// Execute implements scheduler.Executor. All records of a batch share one
// datetime. An app without a single matching price is an item error; the
// batch fails only when every app fails.
func (e *SteamPriceExecutor) Execute(ctx context.Context, d scheduler.Dispatch) (*scheduler.Result, error) {
	start := e.now()
	dt := start.Format(domain.DateTimeLayout)
	results := make([]appPrices, len(d.Batch.AppIDs))

	var g errgroup.Group
	g.SetLimit(e.workers)
	for i, id := range d.Batch.AppIDs {
		g.Go(func() error {
			records, err := e.fetchApp(ctx, id, dt)
			results[i] = appPrices{records: records, err: err}
			return nil
		})
	}
	_ = g.Wait()

	res := &scheduler.Result{}
	if err := ctx.Err(); err != nil {
		return res, fmt.Errorf("batch %d interrupted: %v: %w", d.Batch.Number, err, domain.ErrTransientIO)
	}

	var records []domain.PriceRecord
	for i, id := range d.Batch.AppIDs {
		r := results[i]
		if r.err != nil {
			res.ItemErrors = append(res.ItemErrors, scheduler.ItemError{
				AppID:    id,
				DataType: domain.DataTypePrice,
				Message:  r.err.Error(),
				URL:      e.store.DetailsURL(id, e.currencies[0].Country),
			})
			continue
		}
		records = append(records, r.records...)
	}
	if len(records) > 0 {
		if err := e.prices.SavePrices(ctx, records); err != nil {
			return res, fmt.Errorf("save store prices of batch %d: %v: %w", d.Batch.Number, err, domain.ErrTransientIO)
		}
	}
	res.Records = len(records)

	logger.With(logger.Fields{
		logger.FieldBatch:      d.Batch.Number,
		logger.FieldCount:      res.Records,
		logger.FieldDurationMs: e.now().Sub(start).Milliseconds(),
	}).Info(ctx, "Store prices fetched with %d item errors", len(res.ItemErrors))

	if len(d.Batch.AppIDs) > 0 && len(res.ItemErrors) == len(d.Batch.AppIDs) {
		return res, fmt.Errorf("all %d apps of batch %d failed: %w", len(d.Batch.AppIDs), d.Batch.Number, domain.ErrTransientIO)
	}
	return res, nil
}

// fetchApp walks the currencies of one app. Regions that do not sell the app,
// or that answer in another currency, are skipped.
func (e *SteamPriceExecutor) fetchApp(ctx context.Context, id int64, dt string) ([]domain.PriceRecord, error) {
	var records []domain.PriceRecord
	var lastErr error
	for _, cur := range e.currencies {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, err := e.store.Price(ctx, id, cur.Country)
		switch {
		case errors.Is(err, steamstore.ErrNotListed), errors.Is(err, steamstore.ErrNoPrice):
			continue
		case err != nil:
			lastErr = err
			logger.With(logger.Fields{
				logger.FieldAppID:    id,
				logger.FieldCurrency: cur.Code,
			}).Warn(ctx, "Store price unavailable: %v", err)
			continue
		case p.Free:
			return nil, errFreeApp
		case p.Currency != cur.Code:
			continue
		}
		records = append(records, domain.PriceRecord{
			AppID:          id,
			DateTime:       dt,
			PriceFinal:     p.Final,
			CurrencySymbol: cur.Symbol,
			CurrencyName:   cur.Name,
		})
	}
	if len(records) == 0 {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, errNoStorePrice
	}
	return records, nil
}
