package repository

import (
	"context"
	"time"

	"github.com/timmy/steamharvest/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// insertChunk bounds the rows per multi-row insert; SQLite caps bound variables.
const insertChunk = 500

// AppStatusRepository handles per-application status rows.
type AppStatusRepository struct {
	db *gorm.DB
}

// NewAppStatusRepository creates a new AppStatusRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *AppStatusRepository: repository instance bound to db.
func NewAppStatusRepository(db *gorm.DB) *AppStatusRepository {
	return &AppStatusRepository{db: db}
}

// InitPending registers ids as pending. Existing rows keep their status.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - ids: Steam application ids.
// Returns:
//   - error: non-nil if the insert fails.
func (r *AppStatusRepository) InitPending(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now()
	rows := make([]domain.AppStatus, len(ids))
	for i, id := range ids {
		rows[i] = domain.AppStatus{AppID: id, Status: domain.ItemStatusPending, LastUpdated: now}
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(rows, insertChunk).Error
}

// MarkDone sets ids to done, creating missing rows.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - ids: Steam application ids.
// Returns:
//   - error: non-nil if the upsert fails.
func (r *AppStatusRepository) MarkDone(ctx context.Context, ids []int64) error {
	return markDone(r.db.WithContext(ctx), ids)
}

// MarkError sets ids to error unless they are already done.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - ids: Steam application ids.
// Returns:
//   - error: non-nil if the upsert fails.
func (r *AppStatusRepository) MarkError(ctx context.Context, ids []int64) error {
	return markError(r.db.WithContext(ctx), ids)
}

func markDone(tx *gorm.DB, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now()
	rows := make([]domain.AppStatus, len(ids))
	for i, id := range ids {
		rows[i] = domain.AppStatus{AppID: id, Status: domain.ItemStatusDone, LastUpdated: now}
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "app_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "last_updated"}),
	}).CreateInBatches(rows, insertChunk).Error
}

func markError(tx *gorm.DB, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now()
	rows := make([]domain.AppStatus, len(ids))
	for i, id := range ids {
		rows[i] = domain.AppStatus{AppID: id, Status: domain.ItemStatusError, LastUpdated: now}
	}
	// a done item is never downgraded by a later failing pass
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "app_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "last_updated"}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Neq{Column: clause.Column{Table: "app_status", Name: "status"}, Value: domain.ItemStatusDone},
		}},
	}).CreateInBatches(rows, insertChunk).Error
}

// GetByID retrieves one status row.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: Steam application id.
// Returns:
//   - *domain.AppStatus: status row if found.
//   - error: gorm.ErrRecordNotFound when the id is unknown.
func (r *AppStatusRepository) GetByID(ctx context.Context, id int64) (*domain.AppStatus, error) {
	var row domain.AppStatus
	if err := r.db.WithContext(ctx).First(&row, "app_id = ?", id).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// ListNotDone returns all ids whose status is not done, in id order.
// Parameters:
//   - ctx: context for cancellation and deadlines.
// Returns:
//   - []int64: pending and failed ids.
//   - error: non-nil if the query fails.
func (r *AppStatusRepository) ListNotDone(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := r.db.WithContext(ctx).Model(&domain.AppStatus{}).
		Where("status <> ?", domain.ItemStatusDone).
		Order("app_id").
		Pluck("app_id", &ids).Error
	return ids, err
}

// ListByStatus returns status rows with the given status, in id order.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - status: status filter.
// Returns:
//   - []domain.AppStatus: matching rows.
//   - error: non-nil if the query fails.
func (r *AppStatusRepository) ListByStatus(ctx context.Context, status domain.ItemStatus) ([]domain.AppStatus, error) {
	var rows []domain.AppStatus
	err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("app_id").
		Find(&rows).Error
	return rows, err
}

// CountByStatus returns the number of rows per status.
// Parameters:
//   - ctx: context for cancellation and deadlines.
// Returns:
//   - map[domain.ItemStatus]int64: counts keyed by status; absent statuses are zero.
//   - error: non-nil if the query fails.
func (r *AppStatusRepository) CountByStatus(ctx context.Context) (map[domain.ItemStatus]int64, error) {
	var rows []struct {
		Status domain.ItemStatus
		Count  int64
	}
	if err := r.db.WithContext(ctx).Model(&domain.AppStatus{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	counts := make(map[domain.ItemStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}
