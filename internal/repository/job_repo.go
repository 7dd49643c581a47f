package repository

import (
	"context"
	"time"

	"github.com/timmy/steamharvest/internal/batch"
	"github.com/timmy/steamharvest/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// JobRepository handles harvest job history, batch mappings, and price fan-out status.
type JobRepository struct {
	db *gorm.DB
}

// NewJobRepository creates a new JobRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *JobRepository: repository instance bound to db.
func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

// Create inserts a new job history row.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - job: job row to persist.
// Returns:
//   - error: non-nil if the insert fails.
func (r *JobRepository) Create(ctx context.Context, job *domain.HarvestJob) error {
	return r.db.WithContext(ctx).Create(job).Error
}

// Finish records the final status and batch counters of a job.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: job id.
//   - status: terminal or stopped status.
//   - completed: batches finished successfully.
//   - failed: batches finished with an error.
//   - errLog: last error text, empty when none.
// Returns:
//   - error: non-nil if the update fails.
func (r *JobRepository) Finish(ctx context.Context, id string, status domain.JobStatus, completed, failed int, errLog string) error {
	updates := map[string]interface{}{
		"status":            status,
		"completed_batches": completed,
		"failed_batches":    failed,
		"error_log":         errLog,
	}
	if status != domain.JobStatusStopped {
		updates["completed_at"] = time.Now()
	}
	return r.db.WithContext(ctx).Model(&domain.HarvestJob{}).Where("id = ?", id).Updates(updates).Error
}

// MarkRunning flags a resumed job as running again.
func (r *JobRepository) MarkRunning(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&domain.HarvestJob{}).Where("id = ?", id).
		Update("status", domain.JobStatusRunning).Error
}

// GetByID retrieves a job by its ID.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: job id.
// Returns:
//   - *domain.HarvestJob: job row if found.
//   - error: non-nil if lookup fails.
func (r *JobRepository) GetByID(ctx context.Context, id string) (*domain.HarvestJob, error) {
	var job domain.HarvestJob
	if err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// ListRecent retrieves the most recent jobs.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - limit: maximum number of jobs to return.
// Returns:
//   - []domain.HarvestJob: jobs ordered by creation time descending.
//   - error: non-nil if the query fails.
func (r *JobRepository) ListRecent(ctx context.Context, limit int) ([]domain.HarvestJob, error) {
	var jobs []domain.HarvestJob
	err := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&jobs).Error
	return jobs, err
}

// SaveBatchMapping records the ids of a batch. The first write wins.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - jobID: owning job.
//   - b: batch whose ids are recorded.
// Returns:
//   - error: non-nil if the insert fails.
func (r *JobRepository) SaveBatchMapping(ctx context.Context, jobID string, b batch.Batch) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&domain.BatchMapping{
		JobID:       jobID,
		BatchNumber: b.Number,
		AppIDs:      domain.IDList(b.AppIDs),
	}).Error
}

// GetBatchMapping returns the recorded ids of one batch.
func (r *JobRepository) GetBatchMapping(ctx context.Context, jobID string, number int) (*domain.BatchMapping, error) {
	var m domain.BatchMapping
	if err := r.db.WithContext(ctx).First(&m, "job_id = ? AND batch_number = ?", jobID, number).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// ListBatchMappings returns all mappings ordered by job creation and batch number.
// An empty jobID selects every job.
func (r *JobRepository) ListBatchMappings(ctx context.Context, jobID string) ([]domain.BatchMapping, error) {
	q := r.db.WithContext(ctx).Order("created_at, job_id, batch_number")
	if jobID != "" {
		q = q.Where("job_id = ?", jobID)
	}
	var rows []domain.BatchMapping
	err := q.Find(&rows).Error
	return rows, err
}

// SaveFetchStatus upserts the outcome of one (batch, currency) fan-out unit.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - st: unit outcome; UpdatedAt is set by GORM.
// Returns:
//   - error: non-nil if the upsert fails.
func (r *JobRepository) SaveFetchStatus(ctx context.Context, st *domain.PriceFetchStatus) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "job_id"}, {Name: "batch_number"}, {Name: "currency"}},
		UpdateAll: true,
	}).Create(st).Error
}

// ListFetchStatus returns the fan-out units of one batch ordered by currency.
func (r *JobRepository) ListFetchStatus(ctx context.Context, jobID string, number int) ([]domain.PriceFetchStatus, error) {
	var rows []domain.PriceFetchStatus
	err := r.db.WithContext(ctx).
		Where("job_id = ? AND batch_number = ?", jobID, number).
		Order("currency").
		Find(&rows).Error
	return rows, err
}
