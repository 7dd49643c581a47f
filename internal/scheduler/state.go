package scheduler

import (
	"time"

	"github.com/timmy/steamharvest/internal/batch"
	"github.com/timmy/steamharvest/internal/domain"
)

// ActiveBatch is a dispatched batch awaiting its outcome.
type ActiveBatch struct {
	Batch     batch.Batch `json:"batch"`
	ContextID string      `json:"context_id"`
	StartedAt time.Time   `json:"started_at"`
}

// JobState is the persisted controller state. Only the controller loop mutates it;
// every save writes the whole value.
//
// Invariant: CompletedCount + len(Queue) + len(Active) == TotalCount.
type JobState struct {
	JobID          string         `json:"job_id"`
	Kind           domain.JobKind `json:"kind"`
	Queue          []batch.Batch  `json:"queue"`
	Active         []ActiveBatch  `json:"active"`
	CompletedCount int            `json:"completed_count"`
	TotalCount     int            `json:"total_count"`

	// FailedCount counts every failed batch. ErrorCount is the rolling
	// counter that drives throttling; successes pay it back.
	FailedCount int `json:"failed_count"`
	ErrorCount  int `json:"error_count"`

	IsRunning bool      `json:"is_running"`
	Stopped   bool      `json:"stopped"`
	LastError string    `json:"last_error,omitempty"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Consistent reports whether the batch accounting invariant holds.
func (s *JobState) Consistent() bool {
	return s.CompletedCount+len(s.Queue)+len(s.Active) == s.TotalCount
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s *JobState) Clone() *JobState {
	c := *s
	c.Queue = make([]batch.Batch, len(s.Queue))
	for i, b := range s.Queue {
		c.Queue[i] = cloneBatch(b)
	}
	c.Active = make([]ActiveBatch, len(s.Active))
	for i, a := range s.Active {
		c.Active[i] = a
		c.Active[i].Batch = cloneBatch(a.Batch)
	}
	return &c
}

func cloneBatch(b batch.Batch) batch.Batch {
	ids := make([]int64, len(b.AppIDs))
	copy(ids, b.AppIDs)
	return batch.Batch{Number: b.Number, AppIDs: ids}
}

func (s *JobState) activeIndex(contextID string) int {
	for i, a := range s.Active {
		if a.ContextID == contextID {
			return i
		}
	}
	return -1
}

func (s *JobState) removeActive(i int) {
	s.Active = append(s.Active[:i], s.Active[i+1:]...)
}

// Snapshot is an immutable, consistent view of the controller for status readers.
type Snapshot struct {
	JobID           string         `json:"job_id,omitempty"`
	Kind            domain.JobKind `json:"kind,omitempty"`
	Running         bool           `json:"running"`
	Stopped         bool           `json:"stopped"`
	Total           int            `json:"total"`
	Completed       int            `json:"completed"`
	Pending         int            `json:"pending"`
	Queued          int            `json:"queued"`
	Active          int            `json:"active"`
	ActiveBatches   []int          `json:"active_batches,omitempty"`
	Errors          int            `json:"errors"`
	ThrottleErrors  int            `json:"throttle_errors"`
	MaxParallel     int            `json:"max_parallel"`
	DispatchDelay   time.Duration  `json:"dispatch_delay_ns"`
	ProgressPercent float64        `json:"progress_percent"`
	LastError       string         `json:"last_error,omitempty"`
	StartedAt       time.Time      `json:"started_at,omitempty"`
	UpdatedAt       time.Time      `json:"updated_at,omitempty"`
}

// Progress returns completed/total*100, or 0 for an empty job.
func Progress(completed, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(completed) / float64(total) * 100
}

func newSnapshot(s *JobState, running bool, p Policy) Snapshot {
	maxParallel, delay := Throttle(s.ErrorCount, p)
	active := make([]int, len(s.Active))
	for i, a := range s.Active {
		active[i] = a.Batch.Number
	}
	return Snapshot{
		JobID:           s.JobID,
		Kind:            s.Kind,
		Running:         running,
		Stopped:         s.Stopped,
		Total:           s.TotalCount,
		Completed:       s.CompletedCount,
		Pending:         s.TotalCount - s.CompletedCount,
		Queued:          len(s.Queue),
		Active:          len(s.Active),
		ActiveBatches:   active,
		Errors:          s.FailedCount,
		ThrottleErrors:  s.ErrorCount,
		MaxParallel:     maxParallel,
		DispatchDelay:   delay,
		ProgressPercent: Progress(s.CompletedCount, s.TotalCount),
		LastError:       s.LastError,
		StartedAt:       s.StartedAt,
		UpdatedAt:       s.UpdatedAt,
	}
}
