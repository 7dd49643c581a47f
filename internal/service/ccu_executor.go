package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/timmy/steamharvest/internal/domain"
	"github.com/timmy/steamharvest/internal/logger"
	"github.com/timmy/steamharvest/internal/scheduler"
	"github.com/timmy/steamharvest/internal/steamcharts"
)

// ChartFetcher is the subset of the SteamCharts client used by CCUExecutor.
type ChartFetcher interface {
	Chart(ctx context.Context, appID int64) ([]domain.CCURecord, error)
	Monthly(ctx context.Context, appID int64) ([]domain.CCURecord, error)
	ChartURL(appID int64) string
}

// CCUStore persists concurrent-player samples.
type CCUStore interface {
	SaveCCU(ctx context.Context, records []domain.CCURecord) error
}

// CCUExecutor fetches SteamCharts history app by app.
type CCUExecutor struct {
	charts  ChartFetcher
	store   CCUStore
	monthly bool
}

// NewCCUExecutor creates a CCUExecutor. With monthly set, the monthly peak
// table is scraped after each chart.
func NewCCUExecutor(charts ChartFetcher, store CCUStore, monthly bool) *CCUExecutor {
	return &CCUExecutor{charts: charts, store: store, monthly: monthly}
}

// Execute implements scheduler.Executor. Per-app failures become item errors;
// the batch fails only when every app fails.
func (e *CCUExecutor) Execute(ctx context.Context, d scheduler.Dispatch) (*scheduler.Result, error) {
	start := time.Now()
	res := &scheduler.Result{}

	for _, id := range d.Batch.AppIDs {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("batch %d interrupted: %v: %w", d.Batch.Number, err, domain.ErrTransientIO)
		}

		n, err := e.fetchApp(ctx, id)
		if err != nil {
			msg := err.Error()
			if errors.Is(err, steamcharts.ErrNotFound) {
				msg = "not found"
			}
			res.ItemErrors = append(res.ItemErrors, scheduler.ItemError{
				AppID:    id,
				DataType: domain.DataTypeCCU,
				Message:  msg,
				URL:      e.charts.ChartURL(id),
			})
			continue
		}
		res.Records += n
	}

	logger.With(logger.Fields{
		logger.FieldBatch:      d.Batch.Number,
		logger.FieldCount:      res.Records,
		logger.FieldDurationMs: time.Since(start).Milliseconds(),
	}).Info(ctx, "CCU batch fetched with %d item errors", len(res.ItemErrors))

	if len(d.Batch.AppIDs) > 0 && len(res.ItemErrors) == len(d.Batch.AppIDs) {
		return res, fmt.Errorf("all %d apps of batch %d failed: %w", len(d.Batch.AppIDs), d.Batch.Number, domain.ErrTransientIO)
	}
	return res, nil
}

func (e *CCUExecutor) fetchApp(ctx context.Context, id int64) (int, error) {
	records, err := e.charts.Chart(ctx, id)
	if err != nil {
		return 0, err
	}
	if e.monthly {
		monthly, err := e.charts.Monthly(ctx, id)
		if err != nil {
			logger.With(logger.Fields{logger.FieldAppID: id}).Warn(ctx, "Monthly table unavailable: %v", err)
		} else {
			records = append(records, monthly...)
		}
	}
	if err := e.store.SaveCCU(ctx, records); err != nil {
		return 0, fmt.Errorf("save ccu: %w", err)
	}
	return len(records), nil
}
