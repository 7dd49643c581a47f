package service

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/timmy/steamharvest/internal/batch"
	"github.com/timmy/steamharvest/internal/domain"
	"github.com/timmy/steamharvest/internal/itad"
	"github.com/timmy/steamharvest/internal/logger"
	"github.com/timmy/steamharvest/internal/storage"
	"golang.org/x/sync/errgroup"
)

// PriceAPI is the subset of the ITAD client used by the fan-out.
type PriceAPI interface {
	Lookup(ctx context.Context, appIDs []int64) (map[int64]string, error)
	History(ctx context.Context, gameID, country, since string) ([]itad.HistoryEntry, error)
	StoreLows(ctx context.Context, gameIDs []string, country string) ([]itad.StoreLow, error)
}

// PriceStore persists price history rows.
type PriceStore interface {
	SavePrices(ctx context.Context, records []domain.PriceRecord) error
}

// FetchStatusStore records the outcome of each (batch, currency) unit.
type FetchStatusStore interface {
	SaveFetchStatus(ctx context.Context, st *domain.PriceFetchStatus) error
}

// ErrorLog appends diagnostic error records.
type ErrorLog interface {
	Append(ctx context.Context, records ...domain.ErrorRecord) error
}

// FanoutConfig holds fan-out settings.
type FanoutConfig struct {
	Since      string
	Hybrid     bool
	Workers    int
	MaxRetries int
	RetryDelay time.Duration
	// OutputDir receives one CSV per (batch, currency).
	OutputDir    string
	UploadPrefix string
}

// CurrencyOutcome is the result of one currency unit.
type CurrencyOutcome struct {
	Currency string
	Records  int
	File     string
	// Succeeded lists the apps whose history was fetched, including apps the
	// storelow pre-pass showed have no Steam price in this country.
	Succeeded []int64
	Err       error
}

// FanoutResult is the outcome of one batch across all currencies.
type FanoutResult struct {
	Outcomes   []CurrencyOutcome
	Resolved   map[int64]string
	Unresolved []int64
}

// Records returns the number of rows written across all currencies.
func (r *FanoutResult) Records() int {
	n := 0
	for _, o := range r.Outcomes {
		n += o.Records
	}
	return n
}

// FanoutClient fetches the price history of a batch in several currencies
// concurrently. All HTTP attempts go through the limiter owned by the PriceAPI.
type FanoutClient struct {
	api      PriceAPI
	prices   PriceStore
	statuses FetchStatusStore
	errs     ErrorLog
	storage  storage.ObjectStorage
	cfg      FanoutConfig
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewFanoutClient creates a FanoutClient. objectStorage may be nil.
func NewFanoutClient(api PriceAPI, prices PriceStore, statuses FetchStatusStore, errs ErrorLog, objectStorage storage.ObjectStorage, cfg FanoutConfig) *FanoutClient {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	return &FanoutClient{
		api:      api,
		prices:   prices,
		statuses: statuses,
		errs:     errs,
		storage:  objectStorage,
		cfg:      cfg,
		sleep:    sleepContext,
	}
}

// Process resolves the batch once and fans out one unit per currency.
// Parameters:
//   - ctx: context bounding the whole batch.
//   - jobID: job the batch belongs to, used for fetch status rows.
//   - b: the batch to fetch.
//   - currencies: ISO codes from the currency table.
// Returns:
//   - *FanoutResult: per-currency outcomes, nil only when the lookup fails.
//   - error: non-nil when the lookup fails or every currency fails.
func (f *FanoutClient) Process(ctx context.Context, jobID string, b batch.Batch, currencies []string) (*FanoutResult, error) {
	log := logger.FromContext(ctx).WithFields(logger.Fields{
		logger.FieldJobID: jobID,
		logger.FieldBatch: b.Number,
	})

	resolved, err := f.api.Lookup(ctx, b.AppIDs)
	if err != nil {
		if !errors.Is(err, domain.ErrTransientIO) {
			err = fmt.Errorf("%v: %w", err, domain.ErrTransientIO)
		}
		return nil, fmt.Errorf("itad lookup for batch %d: %w", b.Number, err)
	}

	res := &FanoutResult{Resolved: resolved}
	for _, id := range b.AppIDs {
		if _, ok := resolved[id]; !ok {
			res.Unresolved = append(res.Unresolved, id)
		}
	}
	if len(resolved) == 0 {
		log.Warn("No app of the batch is known to ITAD")
		return res, nil
	}

	res.Outcomes = make([]CurrencyOutcome, len(currencies))
	var g errgroup.Group
	g.SetLimit(f.cfg.Workers)
	for i, code := range currencies {
		i, code := i, code
		g.Go(func() error {
			res.Outcomes[i] = f.runUnit(ctx, jobID, b, code, resolved)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, o := range res.Outcomes {
		if o.Err != nil {
			failed++
		}
	}
	log.WithFields(logger.Fields{
		logger.FieldCount: res.Records(),
		"failed":          failed,
		"currencies":      len(currencies),
	}).Info("Price fan-out finished")

	if len(currencies) > 0 && failed == len(currencies) {
		return res, fmt.Errorf("all %d currencies failed for batch %d: %w", failed, b.Number, domain.ErrTransientIO)
	}
	return res, nil
}

// runUnit fetches, stores and exports one currency of a batch.
func (f *FanoutClient) runUnit(ctx context.Context, jobID string, b batch.Batch, code string, resolved map[int64]string) CurrencyOutcome {
	out := CurrencyOutcome{Currency: code}
	ctx = logger.WithFields(ctx, logger.Fields{logger.FieldCurrency: code})
	log := logger.FromContext(ctx)

	cur, ok := itad.LookupCurrency(code)
	if !ok {
		out.Err = fmt.Errorf("unknown currency %q: %w", code, domain.ErrInvalidConfig)
		f.finishUnit(ctx, jobID, b, &out)
		return out
	}

	apps := f.candidates(ctx, b, cur, resolved, &out)

	var (
		records []domain.PriceRecord
		lastErr error
		fetched int
	)
	for _, id := range apps {
		entries, err := f.history(ctx, resolved[id], cur.Country)
		if err != nil {
			lastErr = err
			log.WithFields(logger.Fields{logger.FieldAppID: id}).WithError(err).Warn("Price history fetch failed")
			if ctx.Err() != nil {
				break
			}
			continue
		}
		fetched++
		out.Succeeded = append(out.Succeeded, id)
		records = append(records, itad.ParseHistory(id, entries, cur)...)
	}
	if len(apps) > 0 && fetched == 0 {
		out.Succeeded = nil
		out.Err = fmt.Errorf("%s: %w", code, lastErr)
		f.finishUnit(ctx, jobID, b, &out)
		return out
	}

	if err := f.prices.SavePrices(ctx, records); err != nil {
		out.Succeeded = nil
		out.Err = fmt.Errorf("%s: save prices: %w", code, err)
		f.finishUnit(ctx, jobID, b, &out)
		return out
	}
	out.Records = len(records)

	file, err := f.writeCSV(b.Number, cur.Code, records)
	if err != nil {
		log.WithError(err).Warn("Failed to write batch price file")
	} else {
		out.File = file
		f.upload(ctx, file)
	}
	f.finishUnit(ctx, jobID, b, &out)
	return out
}

// candidates returns the resolved apps worth querying in one currency. With
// the hybrid pre-pass, apps Steam never listed in the country are skipped and
// counted as succeeded.
func (f *FanoutClient) candidates(ctx context.Context, b batch.Batch, cur itad.Currency, resolved map[int64]string, out *CurrencyOutcome) []int64 {
	apps := make([]int64, 0, len(resolved))
	for _, id := range b.AppIDs {
		if _, ok := resolved[id]; ok {
			apps = append(apps, id)
		}
	}
	if !f.cfg.Hybrid {
		return apps
	}

	gameIDs := make([]string, len(apps))
	for i, id := range apps {
		gameIDs[i] = resolved[id]
	}
	lows, err := f.api.StoreLows(ctx, gameIDs, cur.Country)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Warn("Storelow pre-pass failed, querying every app")
		return apps
	}
	listed := make(map[string]bool, len(lows))
	for _, low := range lows {
		if low.HasSteamPrice() {
			listed[low.ID] = true
		}
	}

	kept := apps[:0]
	for _, id := range apps {
		if listed[resolved[id]] {
			kept = append(kept, id)
		} else {
			out.Succeeded = append(out.Succeeded, id)
		}
	}
	return kept
}

// history fetches one game, retrying transient failures.
func (f *FanoutClient) history(ctx context.Context, gameID, country string) ([]itad.HistoryEntry, error) {
	var lastErr error
	for attempt := 1; attempt <= f.cfg.MaxRetries; attempt++ {
		entries, err := f.api.History(ctx, gameID, country, f.cfg.Since)
		if err == nil {
			return entries, nil
		}
		lastErr = err
		if !errors.Is(err, domain.ErrTransientIO) || attempt == f.cfg.MaxRetries {
			break
		}
		if err := f.sleep(ctx, f.cfg.RetryDelay*time.Duration(attempt)); err != nil {
			return nil, fmt.Errorf("%v: %w", err, domain.ErrTransientIO)
		}
	}
	return nil, lastErr
}

// finishUnit records the fetch status and, on failure, one error record.
func (f *FanoutClient) finishUnit(ctx context.Context, jobID string, b batch.Batch, out *CurrencyOutcome) {
	st := &domain.PriceFetchStatus{
		JobID:       jobID,
		BatchNumber: b.Number,
		Currency:    out.Currency,
		Status:      domain.ItemStatusDone,
		Records:     out.Records,
		UpdatedAt:   time.Now(),
	}
	if out.File != "" {
		st.File = filepath.Base(out.File)
	}
	if out.Err != nil {
		st.Status = domain.ItemStatusError
		st.Error = out.Err.Error()
		rec := domain.ErrorRecord{
			DataType:     domain.DataTypePrice + ":" + out.Currency,
			ErrorMessage: fmt.Sprintf("batch %d: %s", b.Number, out.Err.Error()),
		}
		if err := f.errs.Append(ctx, rec); err != nil {
			logger.FromContext(ctx).WithError(err).Error("Failed to append price error record")
		}
	}
	if err := f.statuses.SaveFetchStatus(ctx, st); err != nil {
		logger.FromContext(ctx).WithError(err).Error("Failed to save price fetch status")
	}
}

func (f *FanoutClient) writeCSV(number int, code string, records []domain.PriceRecord) (string, error) {
	if f.cfg.OutputDir == "" {
		return "", nil
	}
	if err := os.MkdirAll(f.cfg.OutputDir, 0o755); err != nil {
		return "", err
	}
	name := filepath.Join(f.cfg.OutputDir, fmt.Sprintf("price_history_batch_%d_%s.csv", number, code))
	file, err := os.Create(name)
	if err != nil {
		return "", err
	}
	defer file.Close()

	sort.SliceStable(records, func(i, j int) bool {
		if records[i].AppID != records[j].AppID {
			return records[i].AppID < records[j].AppID
		}
		return records[i].DateTime < records[j].DateTime
	})

	w := csv.NewWriter(file)
	_ = w.Write(priceHeader)
	for _, r := range records {
		_ = w.Write(priceRow(r))
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", err
	}
	return name, file.Close()
}

func (f *FanoutClient) upload(ctx context.Context, file string) {
	if f.storage == nil || file == "" {
		return
	}
	if _, err := storage.UploadFile(ctx, f.storage, f.cfg.UploadPrefix, file, "text/csv"); err != nil {
		logger.FromContext(ctx).WithError(err).Warn("Failed to upload batch price file")
	}
}

var priceHeader = []string{"app_id", "datetime", "price_final", "currency_symbol", "currency_name"}

func priceRow(r domain.PriceRecord) []string {
	return []string{
		strconv.FormatInt(r.AppID, 10),
		r.DateTime,
		strconv.FormatFloat(r.PriceFinal, 'f', -1, 64),
		r.CurrencySymbol,
		r.CurrencyName,
	}
}

// unitSummary renders outcomes as "USD:12 EUR:error" for logs.
func unitSummary(outcomes []CurrencyOutcome) string {
	parts := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		if o.Err != nil {
			parts = append(parts, o.Currency+":error")
			continue
		}
		parts = append(parts, o.Currency+":"+strconv.Itoa(o.Records))
	}
	return strings.Join(parts, " ")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
