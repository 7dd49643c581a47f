package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/timmy/steamharvest/internal/domain"
	"github.com/timmy/steamharvest/internal/extension"
	"github.com/timmy/steamharvest/internal/logger"
	"github.com/timmy/steamharvest/internal/scheduler"
)

// ExtensionExecutor hands batches to browser tabs through the bridge and
// stores the chart CSV they report.
type ExtensionExecutor struct {
	bridge          *extension.Bridge
	store           CCUStore
	deliveryTimeout time.Duration
	loadTimeout     time.Duration
}

// NewExtensionExecutor creates an ExtensionExecutor.
func NewExtensionExecutor(bridge *extension.Bridge, store CCUStore, deliveryTimeout, loadTimeout time.Duration) *ExtensionExecutor {
	return &ExtensionExecutor{
		bridge:          bridge,
		store:           store,
		deliveryTimeout: deliveryTimeout,
		loadTimeout:     loadTimeout,
	}
}

// Alive implements scheduler.ContextChecker.
func (e *ExtensionExecutor) Alive(contextID string) bool {
	return e.bridge.Alive(contextID)
}

// Execute implements scheduler.Executor.
// A resumed dispatch re-awaits the assignment already held by a live tab.
func (e *ExtensionExecutor) Execute(ctx context.Context, d scheduler.Dispatch) (*scheduler.Result, error) {
	a, ok := e.bridge.Lookup(d.ContextID)
	if !ok {
		a = e.bridge.Submit(d.ContextID, d.JobID, d.Batch.Number, d.Batch.AppIDs)
	}
	defer e.bridge.Release(d.ContextID)

	ackCtx, cancel := context.WithTimeout(ctx, e.deliveryTimeout)
	err := e.bridge.WaitAck(ackCtx, a)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("batch %d: %v: %w", d.Batch.Number, ctx.Err(), domain.ErrTransientIO)
		}
		return nil, fmt.Errorf("batch %d not claimed within %s: %w", d.Batch.Number, e.deliveryTimeout, domain.ErrTargetUnavailable)
	}

	loadCtx, cancel := context.WithTimeout(ctx, e.loadTimeout)
	report, err := e.bridge.WaitResult(loadCtx, a)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("batch %d chart not loaded within %s: %w", d.Batch.Number, e.loadTimeout, domain.ErrTransientIO)
	}

	switch report.Status {
	case extension.ReportTabClosed:
		return nil, fmt.Errorf("batch %d: tab %s closed: %w", d.Batch.Number, a.TabID, domain.ErrTargetUnavailable)
	case extension.ReportError:
		return nil, fmt.Errorf("batch %d: extension reported %q: %w", d.Batch.Number, report.Error, domain.ErrTransientIO)
	}

	records, err := extension.ParseCSV(strings.NewReader(report.CSV), d.Batch.AppIDs)
	if err != nil {
		return nil, fmt.Errorf("batch %d: %v: %w", d.Batch.Number, err, domain.ErrTransientIO)
	}
	if err := e.store.SaveCCU(ctx, records); err != nil {
		return nil, fmt.Errorf("batch %d: save ccu: %w", d.Batch.Number, err)
	}

	seen := make(map[int64]bool, len(d.Batch.AppIDs))
	for _, r := range records {
		seen[r.AppID] = true
	}
	res := &scheduler.Result{Records: len(records)}
	for _, id := range d.Batch.AppIDs {
		if !seen[id] {
			res.ItemErrors = append(res.ItemErrors, scheduler.ItemError{
				AppID:    id,
				DataType: domain.DataTypeCCU,
				Message:  "no data in chart export",
				URL:      a.URL,
			})
		}
	}

	logger.With(logger.Fields{
		logger.FieldBatch: d.Batch.Number,
		logger.FieldTabID: a.TabID,
		logger.FieldCount: res.Records,
	}).Info(ctx, "Extension batch stored")
	return res, nil
}
