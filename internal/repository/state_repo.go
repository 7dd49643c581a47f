package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/timmy/steamharvest/internal/domain"
	"github.com/timmy/steamharvest/internal/scheduler"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// stateRowID is the primary key of the single job_states row.
const stateRowID = 1

// StateRepository persists the controller state as one JSON row.
// It implements scheduler.StateStore.
type StateRepository struct {
	db *gorm.DB
}

// NewStateRepository creates a new StateRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *StateRepository: repository instance bound to db.
func NewStateRepository(db *gorm.DB) *StateRepository {
	return &StateRepository{db: db}
}

// Save replaces the stored state in a single statement, so readers see
// either the previous snapshot or this one.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - s: state to store.
// Returns:
//   - error: non-nil if encoding or the upsert fails.
func (r *StateRepository) Save(ctx context.Context, s *scheduler.JobState) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode job state: %w", err)
	}
	rec := domain.JobStateRecord{
		ID:      stateRowID,
		JobID:   s.JobID,
		Payload: string(payload),
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"job_id", "payload", "updated_at"}),
	}).Create(&rec).Error
}

// Load returns the stored state, or nil when nothing was saved yet.
// Parameters:
//   - ctx: context for cancellation and deadlines.
// Returns:
//   - *scheduler.JobState: decoded state or nil.
//   - error: non-nil if the query or decoding fails.
func (r *StateRepository) Load(ctx context.Context) (*scheduler.JobState, error) {
	var rec domain.JobStateRecord
	err := r.db.WithContext(ctx).First(&rec, "id = ?", stateRowID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var s scheduler.JobState
	if err := json.Unmarshal([]byte(rec.Payload), &s); err != nil {
		return nil, fmt.Errorf("decode job state: %w", err)
	}
	return &s, nil
}

// Clear removes the stored state.
func (r *StateRepository) Clear(ctx context.Context) error {
	return r.db.WithContext(ctx).Delete(&domain.JobStateRecord{}, "id = ?", stateRowID).Error
}
