package repository

import (
	"context"

	"github.com/timmy/steamharvest/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// HistoryRepository stores CCU and price samples.
type HistoryRepository struct {
	db *gorm.DB
}

// NewHistoryRepository creates a new HistoryRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *HistoryRepository: repository instance bound to db.
func NewHistoryRepository(db *gorm.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// SaveCCU upserts CCU samples keyed by (app_id, datetime, value_type).
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - records: samples to store; a repeated point replaces the player count.
// Returns:
//   - error: non-nil if the upsert fails.
func (r *HistoryRepository) SaveCCU(ctx context.Context, records []domain.CCURecord) error {
	return saveCCU(r.db.WithContext(ctx), records)
}

func saveCCU(tx *gorm.DB, records []domain.CCURecord) error {
	if len(records) == 0 {
		return nil
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "app_id"}, {Name: "datetime"}, {Name: "value_type"}},
		DoUpdates: clause.AssignmentColumns([]string{"players"}),
	}).CreateInBatches(records, insertChunk).Error
}

// SavePrices upserts price samples keyed by (app_id, datetime, currency_name).
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - records: price points to store.
// Returns:
//   - error: non-nil if the upsert fails.
func (r *HistoryRepository) SavePrices(ctx context.Context, records []domain.PriceRecord) error {
	return savePrices(r.db.WithContext(ctx), records)
}

func savePrices(tx *gorm.DB, records []domain.PriceRecord) error {
	if len(records) == 0 {
		return nil
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "app_id"}, {Name: "datetime"}, {Name: "currency_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"price_final", "currency_symbol"}),
	}).CreateInBatches(records, insertChunk).Error
}

// CountCCU returns the number of stored CCU samples.
func (r *HistoryRepository) CountCCU(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&domain.CCURecord{}).Count(&n).Error
	return n, err
}

// CountPrices returns the number of stored price samples.
func (r *HistoryRepository) CountPrices(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&domain.PriceRecord{}).Count(&n).Error
	return n, err
}

// EachAverageCCU streams average samples ordered by app and datetime.
// Rows without a value type predate typed samples and count as averages.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - fn: called once per row; returning an error stops the scan.
// Returns:
//   - error: the query error or the first error from fn.
func (r *HistoryRepository) EachAverageCCU(ctx context.Context, fn func(domain.CCURecord) error) error {
	db := r.db.WithContext(ctx)
	rows, err := db.Model(&domain.CCURecord{}).
		Where("value_type = ? OR value_type IS NULL OR value_type = ''", domain.ValueTypeAvg).
		Order("app_id, datetime").
		Rows()
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var rec domain.CCURecord
		if err := db.ScanRows(rows, &rec); err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

// EachPrice streams price samples ordered by app, currency, and datetime.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - fn: called once per row; returning an error stops the scan.
// Returns:
//   - error: the query error or the first error from fn.
func (r *HistoryRepository) EachPrice(ctx context.Context, fn func(domain.PriceRecord) error) error {
	db := r.db.WithContext(ctx)
	rows, err := db.Model(&domain.PriceRecord{}).
		Order("app_id, currency_name, datetime").
		Rows()
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var rec domain.PriceRecord
		if err := db.ScanRows(rows, &rec); err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ListCCU returns the stored samples of one app.
func (r *HistoryRepository) ListCCU(ctx context.Context, appID int64) ([]domain.CCURecord, error) {
	var rows []domain.CCURecord
	err := r.db.WithContext(ctx).Where("app_id = ?", appID).Order("datetime, value_type").Find(&rows).Error
	return rows, err
}

// ListPrices returns the stored price points of one app.
func (r *HistoryRepository) ListPrices(ctx context.Context, appID int64) ([]domain.PriceRecord, error) {
	var rows []domain.PriceRecord
	err := r.db.WithContext(ctx).Where("app_id = ?", appID).Order("currency_name, datetime").Find(&rows).Error
	return rows, err
}
