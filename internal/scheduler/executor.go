package scheduler

import (
	"context"
	"time"

	"github.com/timmy/steamharvest/internal/batch"
	"github.com/timmy/steamharvest/internal/domain"
)

// Dispatch is one execution of a batch. ContextID names the execution context
// (goroutine, browser tab assignment) and survives in the persisted state.
type Dispatch struct {
	JobID     string
	Kind      domain.JobKind
	Batch     batch.Batch
	ContextID string
}

// ItemError is a per-app failure inside an otherwise processed batch.
type ItemError struct {
	AppID    int64
	DataType string
	Message  string
	URL      string
}

// Result is the partial outcome reported by an executor.
type Result struct {
	Records    int
	ItemErrors []ItemError
	// Detail carries executor-specific context for logs, such as per-currency outcomes.
	Detail string
}

// Executor processes one batch end to end. Implementations must honour ctx
// cancellation; the controller bounds every call with the batch timeout.
// A returned error marks the batch failed and should wrap domain.ErrTransientIO
// or domain.ErrTargetUnavailable.
type Executor interface {
	Execute(ctx context.Context, d Dispatch) (*Result, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, d Dispatch) (*Result, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, d Dispatch) (*Result, error) {
	return f(ctx, d)
}

// ContextChecker is implemented by executors whose execution contexts can outlive
// the process, letting a resumed job re-await them instead of failing them.
type ContextChecker interface {
	Alive(contextID string) bool
}

// StateStore persists the controller state atomically.
type StateStore interface {
	// Save replaces the stored state with s.
	Save(ctx context.Context, s *JobState) error
	// Load returns the stored state, or nil when none exists.
	Load(ctx context.Context) (*JobState, error)
}

// JobStore records per-item outcomes and batch mappings.
type JobStore interface {
	SaveBatchMapping(ctx context.Context, jobID string, b batch.Batch) error
	// RecordBatchOutcome stores item statuses and error records for a finished dispatch.
	RecordBatchOutcome(ctx context.Context, d Dispatch, res *Result, execErr error) error
}

// Outcome is delivered to batch hooks after a batch leaves the active set.
type Outcome struct {
	JobID     string
	Kind      domain.JobKind
	Batch     batch.Batch
	ContextID string
	Result    *Result
	Err       error
	Duration  time.Duration
}

// Observer receives controller telemetry.
type Observer interface {
	BatchDispatched(kind domain.JobKind)
	BatchFinished(kind domain.JobKind, failed bool, d time.Duration)
	StateChanged(s Snapshot)
}

type nopObserver struct{}

func (nopObserver) BatchDispatched(domain.JobKind) {}
func (nopObserver) BatchFinished(domain.JobKind, bool, time.Duration) {}
func (nopObserver) StateChanged(Snapshot) {}
