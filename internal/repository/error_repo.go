package repository

import (
	"context"
	"strings"
	"time"

	"github.com/timmy/steamharvest/internal/domain"
	"gorm.io/gorm"
)

// ErrorRepository handles the append-only error log.
type ErrorRepository struct {
	db *gorm.DB
}

// NewErrorRepository creates a new ErrorRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *ErrorRepository: repository instance bound to db.
func NewErrorRepository(db *gorm.DB) *ErrorRepository {
	return &ErrorRepository{db: db}
}

// Append stores error records; a zero Timestamp is set to now.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - records: records to insert.
// Returns:
//   - error: non-nil if the insert fails.
func (r *ErrorRepository) Append(ctx context.Context, records ...domain.ErrorRecord) error {
	return appendErrors(r.db.WithContext(ctx), records)
}

func appendErrors(tx *gorm.DB, records []domain.ErrorRecord) error {
	if len(records) == 0 {
		return nil
	}
	now := time.Now()
	for i := range records {
		if records[i].Timestamp.IsZero() {
			records[i].Timestamp = now
		}
	}
	return tx.CreateInBatches(records, insertChunk).Error
}

// ListByApp returns the error history of one app, oldest first.
func (r *ErrorRepository) ListByApp(ctx context.Context, appID int64) ([]domain.ErrorRecord, error) {
	var rows []domain.ErrorRecord
	err := r.db.WithContext(ctx).Where("app_id = ?", appID).Order("id").Find(&rows).Error
	return rows, err
}

// Count returns the number of stored error records.
func (r *ErrorRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&domain.ErrorRecord{}).Count(&n).Error
	return n, err
}

// ErrorSummary is one row of the error export: an app in error status
// joined with its latest CCU and price failures.
type ErrorSummary struct {
	AppID       int64
	Status      domain.ItemStatus
	CCUError    string
	PriceError  string
	CCUURL      string
	PriceURL    string
	LastUpdated time.Time
}

// Summaries builds the error export rows for every app in error status.
// Parameters:
//   - ctx: context for cancellation and deadlines.
// Returns:
//   - []ErrorSummary: one row per failed app, in id order.
//   - error: non-nil if a query fails.
func (r *ErrorRepository) Summaries(ctx context.Context) ([]ErrorSummary, error) {
	db := r.db.WithContext(ctx)

	var failed []domain.AppStatus
	if err := db.Where("status = ?", domain.ItemStatusError).Order("app_id").Find(&failed).Error; err != nil {
		return nil, err
	}
	if len(failed) == 0 {
		return []ErrorSummary{}, nil
	}

	out := make([]ErrorSummary, len(failed))
	index := make(map[int64]int, len(failed))
	ids := make([]int64, len(failed))
	for i, st := range failed {
		out[i] = ErrorSummary{AppID: st.AppID, Status: st.Status, LastUpdated: st.LastUpdated}
		index[st.AppID] = i
		ids[i] = st.AppID
	}

	for start := 0; start < len(ids); start += insertChunk {
		end := start + insertChunk
		if end > len(ids) {
			end = len(ids)
		}
		var records []domain.ErrorRecord
		if err := db.Where("app_id IN ?", ids[start:end]).Order("id").Find(&records).Error; err != nil {
			return nil, err
		}
		// ascending id order leaves the latest record of each type in place
		for _, rec := range records {
			s := &out[index[rec.AppID]]
			switch {
			case rec.DataType == domain.DataTypeCCU:
				s.CCUError, s.CCUURL = rec.ErrorMessage, rec.URL
			case strings.HasPrefix(rec.DataType, domain.DataTypePrice):
				s.PriceError, s.PriceURL = rec.ErrorMessage, rec.URL
			}
		}
	}
	return out, nil
}
