package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/steamharvest/internal/batch"
	"github.com/timmy/steamharvest/internal/domain"
	"github.com/timmy/steamharvest/internal/events"
	"github.com/timmy/steamharvest/internal/logger"
	"github.com/timmy/steamharvest/internal/repository"
	"github.com/timmy/steamharvest/internal/scheduler"
	"github.com/timmy/steamharvest/internal/source"
	"github.com/timmy/steamharvest/internal/source/idfile"
)

// JobConfig holds job service settings.
type JobConfig struct {
	BatchSize   int
	DefaultKind domain.JobKind
}

// StartResult is returned for an accepted job.
type StartResult struct {
	JobID   string `json:"job_id"`
	Kind    string `json:"kind"`
	Total   int    `json:"total"`
	Batches int    `json:"batches"`
}

// Statistics aggregates item and history counts for /status.
type Statistics struct {
	TotalApps    int64 `json:"total_apps"`
	Completed    int64 `json:"completed"`
	Pending      int64 `json:"pending"`
	Errors       int64 `json:"errors"`
	CCURecords   int64 `json:"ccu_records"`
	PriceRecords int64 `json:"price_records"`
}

// Status is the /status payload.
type Status struct {
	Running         bool               `json:"parser_running"`
	Statistics      Statistics         `json:"statistics"`
	ProgressPercent float64            `json:"progress_percent"`
	Job             scheduler.Snapshot `json:"job"`
}

// JobService owns the controller and ties job lifecycle to storage, exports
// and events.
type JobService struct {
	ctrl    *scheduler.Controller
	apps    *repository.AppStatusRepository
	jobs    *repository.JobRepository
	history *repository.HistoryRepository
	exports *ExportService
	events  events.Publisher
	cfg     JobConfig

	// startMu holds Start and Resume from the idle check until the controller runs.
	startMu sync.Mutex

	mu         sync.Mutex
	lastExport *FullExport
	watchers   sync.WaitGroup
}

// JobDeps groups the collaborators of a JobService.
type JobDeps struct {
	States    scheduler.StateStore
	Store     scheduler.JobStore
	Executors map[domain.JobKind]scheduler.Executor
	Apps      *repository.AppStatusRepository
	Jobs      *repository.JobRepository
	History   *repository.HistoryRepository
	Exports   *ExportService
	Events    events.Publisher
}

// NewJobService builds the controller with the service's completion and
// outcome hooks plus any extra options.
// Parameters:
//   - deps: stores, executors and collaborators.
//   - schedCfg: throttle policy and batch timeout.
//   - cfg: batch size and default kind.
//   - opts: extra controller options such as an observer.
// Returns:
//   - *JobService: service with an idle controller.
//   - error: wraps domain.ErrInvalidConfig on bad settings.
func NewJobService(deps JobDeps, schedCfg scheduler.Config, cfg JobConfig, opts ...scheduler.Option) (*JobService, error) {
	if cfg.BatchSize < 1 {
		return nil, fmt.Errorf("batch size must be >= 1: %w", domain.ErrInvalidConfig)
	}
	if deps.Events == nil {
		deps.Events = events.NopPublisher{}
	}
	s := &JobService{
		apps:    deps.Apps,
		jobs:    deps.Jobs,
		history: deps.History,
		exports: deps.Exports,
		events:  deps.Events,
		cfg:     cfg,
	}

	opts = append(opts,
		scheduler.WithCompletionHook(s.onComplete),
		scheduler.WithOutcomeHook(s.onOutcome),
	)
	ctrl, err := scheduler.NewController(deps.States, deps.Store, deps.Executors, schedCfg, opts...)
	if err != nil {
		return nil, err
	}
	s.ctrl = ctrl
	return s, nil
}

// Controller exposes the underlying controller.
func (s *JobService) Controller() *scheduler.Controller {
	return s.ctrl
}

// StartFromReader parses a newline-delimited id list and starts a job.
func (s *JobService) StartFromReader(ctx context.Context, r io.Reader, kind domain.JobKind) (*StartResult, error) {
	return s.StartFromSource(ctx, idfile.NewReaderAdapter("upload", r), kind)
}

// StartFromSource loads ids from src and starts a job over them.
// Parameters:
//   - ctx: request context.
//   - src: id list source.
//   - kind: executor kind, empty for the default.
// Returns:
//   - *StartResult: job id and sizes.
//   - error: load failures and the errors of Start.
func (s *JobService) StartFromSource(ctx context.Context, src source.Source, kind domain.JobKind) (*StartResult, error) {
	ctx = logger.SetSource(ctx, src.GetSourceID())
	ids, err := src.Load(ctx)
	if err != nil {
		return nil, err
	}
	logger.With(logger.Fields{logger.FieldCount: len(ids)}).Info(ctx, "Loaded ids from %s", src.GetDisplayName())
	return s.Start(ctx, ids, kind)
}

// Start plans and starts a job over ids. An empty kind selects the default.
// Parameters:
//   - ctx: request context; the job itself outlives it.
//   - ids: Steam app ids, duplicates removed in order.
//   - kind: executor kind.
// Returns:
//   - *StartResult: job id and sizes.
//   - error: domain.ErrAlreadyRunning, domain.ErrInvalidConfig or domain.ErrPersistence.
func (s *JobService) Start(ctx context.Context, ids []int64, kind domain.JobKind) (*StartResult, error) {
	if kind == "" {
		kind = s.cfg.DefaultKind
	}
	if _, ok := domain.ParseJobKind(string(kind)); !ok {
		return nil, fmt.Errorf("unknown job kind %q: %w", kind, domain.ErrInvalidConfig)
	}

	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.ctrl.Running() {
		return nil, domain.ErrAlreadyRunning
	}

	ids = batch.Dedupe(ids)
	if len(ids) == 0 {
		return nil, fmt.Errorf("no app ids: %w", domain.ErrInvalidConfig)
	}
	batches, err := batch.Plan(ids, s.cfg.BatchSize)
	if err != nil {
		return nil, err
	}

	if err := s.apps.InitPending(ctx, ids); err != nil {
		return nil, fmt.Errorf("init app status: %v: %w", err, domain.ErrPersistence)
	}

	jobID := uuid.New().String()
	now := time.Now()
	job := &domain.HarvestJob{
		ID:           jobID,
		Kind:         kind,
		Status:       domain.JobStatusRunning,
		TotalItems:   len(ids),
		TotalBatches: len(batches),
		StartedAt:    &now,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %v: %w", err, domain.ErrPersistence)
	}

	if err := s.ctrl.Start(ctx, jobID, kind, batches); err != nil {
		_ = s.jobs.Finish(ctx, jobID, domain.JobStatusFailed, 0, 0, err.Error())
		return nil, err
	}

	s.publish(ctx, events.KeyJobStarted, events.JobEvent{
		JobID:  jobID,
		Kind:   string(kind),
		Status: string(domain.JobStatusRunning),
		Total:  len(batches),
		At:     now,
	})
	s.watchers.Add(1)
	go s.watch(jobID)

	return &StartResult{JobID: jobID, Kind: string(kind), Total: len(ids), Batches: len(batches)}, nil
}

// Stop asks the running job to stop. Returns false when idle.
func (s *JobService) Stop() bool {
	if !s.ctrl.Running() {
		return false
	}
	s.ctrl.Stop()
	return true
}

// Resume continues the persisted job. force also resumes a stopped job.
func (s *JobService) Resume(ctx context.Context, force bool) (bool, error) {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	ok, err := s.ctrl.Resume(ctx, force)
	if err != nil || !ok {
		return ok, err
	}
	snap := s.ctrl.Snapshot()
	if err := s.jobs.MarkRunning(ctx, snap.JobID); err != nil {
		logger.CtxWarn(ctx, "Failed to mark job %s running: %v", snap.JobID, err)
	}
	s.watchers.Add(1)
	go s.watch(snap.JobID)
	return true, nil
}

// Running reports whether a job is active.
func (s *JobService) Running() bool {
	return s.ctrl.Running()
}

// Snapshot returns the controller snapshot.
func (s *JobService) Snapshot() scheduler.Snapshot {
	return s.ctrl.Snapshot()
}

// Wait blocks until the current job ends and its history row is written.
func (s *JobService) Wait(ctx context.Context) error {
	jobErr := s.ctrl.Wait(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	recorded := make(chan struct{})
	go func() {
		s.watchers.Wait()
		close(recorded)
	}()
	select {
	case <-recorded:
		return jobErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LastExport returns the export written when the last job completed.
func (s *JobService) LastExport() *FullExport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastExport
}

// Status combines the snapshot with table statistics.
func (s *JobService) Status(ctx context.Context) (*Status, error) {
	snap := s.ctrl.Snapshot()
	counts, err := s.apps.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	ccu, err := s.history.CountCCU(ctx)
	if err != nil {
		return nil, err
	}
	prices, err := s.history.CountPrices(ctx)
	if err != nil {
		return nil, err
	}

	stats := Statistics{
		Completed:    counts[domain.ItemStatusDone],
		Pending:      counts[domain.ItemStatusPending],
		Errors:       counts[domain.ItemStatusError],
		CCURecords:   ccu,
		PriceRecords: prices,
	}
	stats.TotalApps = stats.Completed + stats.Pending + stats.Errors

	return &Status{
		Running:         snap.Running,
		Statistics:      stats,
		ProgressPercent: snap.ProgressPercent,
		Job:             snap,
	}, nil
}

// watch records the job history row once the controller goes idle.
func (s *JobService) watch(jobID string) {
	defer s.watchers.Done()
	<-s.ctrl.Done()

	ctx := logger.SetJobID(context.Background(), jobID)
	snap := s.ctrl.Snapshot()
	// a resumed or newer job has its own watcher
	if snap.JobID != jobID || snap.Running {
		return
	}

	status := domain.JobStatusCompleted
	errLog := ""
	switch err := s.ctrl.Err(); {
	case err != nil:
		status = domain.JobStatusFailed
		errLog = err.Error()
	case snap.Stopped:
		status = domain.JobStatusStopped
	}
	if err := s.jobs.Finish(ctx, jobID, status, snap.Completed, snap.Errors, errLog); err != nil {
		logger.CtxError(ctx, "Failed to record job end: %v", err)
	}
	logger.With(logger.Fields{logger.FieldKind: string(snap.Kind)}).
		WithCount(snap.Completed).
		WithStatus(string(status)).
		Info(ctx, "Job ended: total=%d, errors=%d", snap.Total, snap.Errors)

	ev := events.JobEvent{
		JobID:     jobID,
		Kind:      string(snap.Kind),
		Status:    string(status),
		Total:     snap.Total,
		Completed: snap.Completed,
		Errors:    snap.Errors,
		At:        time.Now(),
	}
	if status == domain.JobStatusCompleted {
		if full := s.LastExport(); full != nil {
			ev.Exports = full.Download
		}
	}
	s.publish(ctx, events.KeyJobFinished, ev)
}

// onComplete writes the final export.
func (s *JobService) onComplete(ctx context.Context, snap scheduler.Snapshot) {
	if s.exports == nil {
		return
	}
	full, err := s.exports.ExportFull(ctx)
	if err != nil {
		logger.CtxError(ctx, "Final export failed: %v", err)
		return
	}
	s.mu.Lock()
	s.lastExport = full
	s.mu.Unlock()
	logger.CtxInfo(ctx, "Final export written: timestamp=%s, batches=%d", full.Timestamp, snap.Total)
}

// onOutcome publishes one event per finished batch.
func (s *JobService) onOutcome(ctx context.Context, o scheduler.Outcome) {
	ev := events.BatchEvent{
		JobID:       o.JobID,
		Kind:        string(o.Kind),
		BatchNumber: o.Batch.Number,
		AppIDs:      o.Batch.AppIDs,
		Failed:      o.Err != nil,
		DurationMs:  o.Duration.Milliseconds(),
	}
	if o.Result != nil {
		ev.Records = o.Result.Records
		ev.ItemErrors = len(o.Result.ItemErrors)
	}
	if o.Err != nil {
		ev.Error = o.Err.Error()
	}
	s.publish(ctx, events.KeyBatchFinished, ev)
}

func (s *JobService) publish(ctx context.Context, key string, payload interface{}) {
	if err := s.events.Publish(ctx, key, payload); err != nil && !errors.Is(err, context.Canceled) {
		logger.CtxWarn(ctx, "Failed to publish %s: %v", key, err)
	}
}
