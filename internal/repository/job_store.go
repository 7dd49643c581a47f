package repository

import (
	"context"

	"github.com/timmy/steamharvest/internal/batch"
	"github.com/timmy/steamharvest/internal/domain"
	"github.com/timmy/steamharvest/internal/scheduler"
	"gorm.io/gorm"
)

// JobStore records batch outcomes for the controller.
// It implements scheduler.JobStore.
type JobStore struct {
	db   *gorm.DB
	jobs *JobRepository
}

// NewJobStore creates a JobStore over db.
func NewJobStore(db *gorm.DB) *JobStore {
	return &JobStore{db: db, jobs: NewJobRepository(db)}
}

// SaveBatchMapping records the ids of a batch before it is dispatched.
func (s *JobStore) SaveBatchMapping(ctx context.Context, jobID string, b batch.Batch) error {
	return s.jobs.SaveBatchMapping(ctx, jobID, b)
}

// RecordBatchOutcome updates item statuses and appends error records in one transaction.
// Ids listed in res.ItemErrors become error with their own message and URL. A failed
// dispatch also marks every other id of the batch as error with execErr's message;
// otherwise unlisted ids become done. Done ids are never downgraded.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - d: the finished dispatch.
//   - res: executor result, may be nil on failure.
//   - execErr: executor error, nil on success.
// Returns:
//   - error: non-nil if the transaction fails.
func (s *JobStore) RecordBatchOutcome(ctx context.Context, d scheduler.Dispatch, res *scheduler.Result, execErr error) error {
	dataType := domain.DataTypeCCU
	if d.Kind == domain.JobKindPrice || d.Kind == domain.JobKindSteamPrice {
		dataType = domain.DataTypePrice
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		failed := make(map[int64]bool)
		var records []domain.ErrorRecord
		if res != nil {
			for _, ie := range res.ItemErrors {
				failed[ie.AppID] = true
				dt := ie.DataType
				if dt == "" {
					dt = dataType
				}
				records = append(records, domain.ErrorRecord{
					AppID:        ie.AppID,
					DataType:     dt,
					ErrorMessage: ie.Message,
					URL:          ie.URL,
				})
			}
		}

		done := make([]int64, 0, len(d.Batch.AppIDs))
		errored := make([]int64, 0, len(d.Batch.AppIDs))
		for _, id := range d.Batch.AppIDs {
			switch {
			case failed[id]:
				errored = append(errored, id)
			case execErr != nil:
				errored = append(errored, id)
				records = append(records, domain.ErrorRecord{AppID: id, DataType: dataType, ErrorMessage: execErr.Error()})
			default:
				done = append(done, id)
			}
		}
		if err := markDone(tx, done); err != nil {
			return err
		}
		if err := markError(tx, errored); err != nil {
			return err
		}
		return appendErrors(tx, records)
	})
}
