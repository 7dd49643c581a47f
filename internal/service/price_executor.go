package service

import (
	"context"
	"sort"
	"strings"

	"github.com/timmy/steamharvest/internal/domain"
	"github.com/timmy/steamharvest/internal/scheduler"
)

// PriceExecutor runs price batches through the currency fan-out.
type PriceExecutor struct {
	fanout     *FanoutClient
	currencies []string
}

// NewPriceExecutor creates a PriceExecutor fetching the given currencies.
func NewPriceExecutor(fanout *FanoutClient, currencies []string) *PriceExecutor {
	return &PriceExecutor{fanout: fanout, currencies: currencies}
}

// Execute implements scheduler.Executor. An app is done when at least one
// currency succeeded for it; unresolved apps and apps without any successful
// currency are reported as item errors.
func (e *PriceExecutor) Execute(ctx context.Context, d scheduler.Dispatch) (*scheduler.Result, error) {
	res, err := e.fanout.Process(ctx, d.JobID, d.Batch, e.currencies)
	if res == nil {
		return nil, err
	}

	out := &scheduler.Result{
		Records: res.Records(),
		Detail:  unitSummary(res.Outcomes),
	}

	ok := make(map[int64]bool, len(d.Batch.AppIDs))
	var failures []string
	for _, o := range res.Outcomes {
		for _, id := range o.Succeeded {
			ok[id] = true
		}
		if o.Err != nil {
			failures = append(failures, o.Err.Error())
		}
	}
	sort.Strings(failures)

	unresolved := make(map[int64]bool, len(res.Unresolved))
	for _, id := range res.Unresolved {
		unresolved[id] = true
	}
	for _, id := range d.Batch.AppIDs {
		switch {
		case unresolved[id]:
			out.ItemErrors = append(out.ItemErrors, scheduler.ItemError{
				AppID:    id,
				DataType: domain.DataTypePrice,
				Message:  "no ITAD game id",
			})
		case !ok[id]:
			msg := "no currency succeeded"
			if len(failures) > 0 {
				msg = strings.Join(failures, "; ")
			}
			out.ItemErrors = append(out.ItemErrors, scheduler.ItemError{
				AppID:    id,
				DataType: domain.DataTypePrice,
				Message:  msg,
			})
		}
	}
	return out, err
}
