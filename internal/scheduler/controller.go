// Package scheduler drives batches through a bounded, self-throttling pool of
// executors and persists its state after every transition so a restart resumes
// mid-job.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/steamharvest/internal/batch"
	"github.com/timmy/steamharvest/internal/domain"
	"github.com/timmy/steamharvest/internal/logger"
)

// Config holds controller settings.
type Config struct {
	Policy       Policy
	BatchTimeout time.Duration
}

// CompletionHook runs once when a job drains its queue and active set.
type CompletionHook func(ctx context.Context, s Snapshot)

// OutcomeHook runs after every batch outcome has been recorded.
type OutcomeHook func(ctx context.Context, o Outcome)

// Option configures a Controller.
type Option func(*Controller)

// WithObserver sets the telemetry observer.
func WithObserver(o Observer) Option {
	return func(c *Controller) {
		if o != nil {
			c.observer = o
		}
	}
}

// WithCompletionHook registers a hook fired exactly once per completed job.
func WithCompletionHook(h CompletionHook) Option {
	return func(c *Controller) {
		c.onComplete = append(c.onComplete, h)
	}
}

// WithOutcomeHook registers a hook fired for every batch outcome.
func WithOutcomeHook(h OutcomeHook) Option {
	return func(c *Controller) {
		c.onOutcome = append(c.onOutcome, h)
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// Controller is the Idle -> Running -> Idle job state machine.
type Controller struct {
	cfg        Config
	states     StateStore
	jobs       JobStore
	executors  map[domain.JobKind]Executor
	observer   Observer
	onComplete []CompletionHook
	onOutcome  []OutcomeHook
	now        func() time.Time

	mu      sync.Mutex
	current *run
	lastErr error

	snapshot atomic.Pointer[Snapshot]
}

// run is the loop-local state of one Running phase.
type run struct {
	state    *JobState
	exec     Executor
	results  chan outcome
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	timer         *time.Timer
	timerArmed    bool
	timerDeadline time.Time
	lastDispatch  time.Time

	// persistErr is sticky: once a write fails the job halts.
	persistErr error
	dirty      bool
}

type outcome struct {
	dispatch Dispatch
	result   *Result
	err      error
	duration time.Duration
}

// NewController creates an idle controller.
// Parameters:
//   - states: durable store for the controller snapshot.
//   - jobs: per-item outcome and batch mapping store.
//   - executors: executor per job kind.
//   - cfg: throttle policy and per-batch timeout.
// Returns:
//   - *Controller: idle controller.
//   - error: wraps domain.ErrInvalidConfig on a bad policy.
func NewController(states StateStore, jobs JobStore, executors map[domain.JobKind]Executor, cfg Config, opts ...Option) (*Controller, error) {
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}
	if cfg.BatchTimeout <= 0 {
		return nil, fmt.Errorf("batch timeout must be positive: %w", domain.ErrInvalidConfig)
	}
	c := &Controller{
		cfg:       cfg,
		states:    states,
		jobs:      jobs,
		executors: executors,
		observer:  nopObserver{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.snapshot.Store(&Snapshot{MaxParallel: cfg.Policy.MaxParallel})
	return c, nil
}

// Start accepts a new job and begins dispatching.
// Returns domain.ErrAlreadyRunning when a job is active, domain.ErrInvalidConfig
// for an unknown kind, and domain.ErrPersistence when the initial state cannot be saved.
func (c *Controller) Start(ctx context.Context, jobID string, kind domain.JobKind, batches []batch.Batch) error {
	exec, ok := c.executors[kind]
	if !ok {
		return fmt.Errorf("no executor for job kind %q: %w", kind, domain.ErrInvalidConfig)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		return domain.ErrAlreadyRunning
	}

	now := c.now()
	st := &JobState{
		JobID:      jobID,
		Kind:       kind,
		Queue:      make([]batch.Batch, len(batches)),
		Active:     []ActiveBatch{},
		TotalCount: len(batches),
		IsRunning:  true,
		StartedAt:  now,
		UpdatedAt:  now,
	}
	for i, b := range batches {
		st.Queue[i] = cloneBatch(b)
	}

	if err := c.states.Save(ctx, st.Clone()); err != nil {
		return fmt.Errorf("save initial job state: %v: %w", err, domain.ErrPersistence)
	}

	r := c.newRun(st, exec)
	c.current = r
	c.lastErr = nil
	c.publish(r)

	loopCtx := jobContext(ctx, jobID, kind)
	logger.With(logger.Fields{logger.FieldCount: len(batches)}).
		Info(loopCtx, "Job started: batches=%d, max_parallel=%d", len(batches), c.cfg.Policy.MaxParallel)

	go c.loop(loopCtx, r, nil, nil)
	return nil
}

// Resume restores a persisted job after a restart.
// A state with IsRunning set is always resumed; a stopped job with queued
// batches is resumed only when force is true. Active entries whose context is
// gone are counted as failed; live ones are awaited again.
// Returns whether a job was resumed.
func (c *Controller) Resume(ctx context.Context, force bool) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		return false, domain.ErrAlreadyRunning
	}

	st, err := c.states.Load(ctx)
	if err != nil {
		return false, fmt.Errorf("load job state: %v: %w", err, domain.ErrPersistence)
	}
	if st == nil {
		return false, nil
	}
	resumable := st.IsRunning || (force && st.Stopped && len(st.Queue) > 0)
	if !resumable {
		c.snapshot.Store(ptr(newSnapshot(st, false, c.cfg.Policy)))
		return false, nil
	}

	exec, ok := c.executors[st.Kind]
	if !ok {
		return false, fmt.Errorf("no executor for job kind %q: %w", st.Kind, domain.ErrInvalidConfig)
	}

	var stale, live []ActiveBatch
	checker, _ := exec.(ContextChecker)
	for _, a := range st.Active {
		if checker != nil && checker.Alive(a.ContextID) {
			live = append(live, a)
		} else {
			stale = append(stale, a)
		}
	}

	st.IsRunning = true
	st.Stopped = false
	st.UpdatedAt = c.now()
	if st.Active == nil {
		st.Active = []ActiveBatch{}
	}
	if err := c.states.Save(ctx, st.Clone()); err != nil {
		return false, fmt.Errorf("save resumed job state: %v: %w", err, domain.ErrPersistence)
	}

	r := c.newRun(st, exec)
	c.current = r
	c.lastErr = nil
	c.publish(r)

	loopCtx := jobContext(ctx, st.JobID, st.Kind)
	logger.CtxInfo(loopCtx, "Job resumed: completed=%d, queued=%d, stale=%d, live=%d",
		st.CompletedCount, len(st.Queue), len(stale), len(live))

	go c.loop(loopCtx, r, stale, live)
	return true, nil
}

// Stop prevents new dispatches. In-flight batches run to completion or their
// timeout; the remaining queue is persisted for a later resume. Stop on an idle
// controller is a no-op.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return
	}
	r := c.current
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// Running reports whether a job is active.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil
}

// Snapshot returns the latest published state. Safe for concurrent use.
func (c *Controller) Snapshot() Snapshot {
	return *c.snapshot.Load()
}

// Done returns a channel closed when the current job ends. It is already
// closed when the controller is idle.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.current.done
}

// Wait blocks until the current job ends or ctx is done, returning Err().
func (c *Controller) Wait(ctx context.Context) error {
	select {
	case <-c.Done():
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the fatal error of the last job, wrapping domain.ErrPersistence.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// jobContext detaches the loop from the caller and tags its logs with the job.
func jobContext(ctx context.Context, jobID string, kind domain.JobKind) context.Context {
	ctx = logger.SetComponent(context.WithoutCancel(ctx), "scheduler")
	ctx = logger.WithField(ctx, logger.FieldKind, string(kind))
	return logger.SetJobID(ctx, jobID)
}

func (c *Controller) newRun(st *JobState, exec Executor) *run {
	t := time.NewTimer(time.Hour)
	t.Stop()
	return &run{
		state:   st,
		exec:    exec,
		results: make(chan outcome, c.cfg.Policy.MaxParallel),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
		timer:   t,
	}
}

func (c *Controller) loop(ctx context.Context, r *run, stale, live []ActiveBatch) {
	st := r.state

	for _, a := range stale {
		c.apply(ctx, r, outcome{
			dispatch: c.dispatchFor(st, a),
			err:      fmt.Errorf("execution context %s lost across restart: %w", a.ContextID, domain.ErrTargetUnavailable),
		})
	}
	for _, a := range live {
		c.launch(ctx, r, c.dispatchFor(st, a))
	}

	stopCh := r.stopCh
	for {
		// a pending stop wins over any outcome that arrived with it
		select {
		case <-stopCh:
			stopCh = nil
			c.markStopped(ctx, r)
		default:
		}

		c.fill(ctx, r)

		if len(st.Active) == 0 && (len(st.Queue) == 0 || st.Stopped || r.persistErr != nil) {
			break
		}

		var wake <-chan time.Time
		if r.timerArmed {
			wake = r.timer.C
		}

		select {
		case out := <-r.results:
			c.apply(ctx, r, out)
		case <-stopCh:
			stopCh = nil
			c.markStopped(ctx, r)
		case <-wake:
			r.timerArmed = false
		}
	}

	c.finish(ctx, r)
}

func (c *Controller) markStopped(ctx context.Context, r *run) {
	st := r.state
	st.Stopped = true
	logger.CtxInfo(ctx, "Stop requested: active=%d, queued=%d", len(st.Active), len(st.Queue))
	c.persist(ctx, r)
}

// fill dispatches queued batches while slots are free and the delay has passed.
func (c *Controller) fill(ctx context.Context, r *run) {
	st := r.state
	for !st.Stopped && r.persistErr == nil && len(st.Queue) > 0 {
		maxParallel, delay := Throttle(st.ErrorCount, c.cfg.Policy)
		if len(st.Active) >= maxParallel {
			return
		}
		if !r.lastDispatch.IsZero() {
			now := c.now()
			if wait := delay - now.Sub(r.lastDispatch); wait > 0 {
				// a success may shorten the delay while the timer is armed
				if deadline := now.Add(wait); !r.timerArmed || deadline.Before(r.timerDeadline) {
					r.timer.Reset(wait)
					r.timerArmed = true
					r.timerDeadline = deadline
					logger.CtxDebug(ctx, "Next dispatch in %s: errors=%d", wait, st.ErrorCount)
				}
				return
			}
		}
		c.dispatchNext(ctx, r)
	}
}

func (c *Controller) dispatchNext(ctx context.Context, r *run) {
	st := r.state
	b := st.Queue[0]
	d := Dispatch{
		JobID:     st.JobID,
		Kind:      st.Kind,
		Batch:     b,
		ContextID: uuid.New().String(),
	}

	if err := c.jobs.SaveBatchMapping(ctx, st.JobID, b); err != nil {
		c.halt(ctx, r, fmt.Errorf("save batch mapping %d: %w", b.Number, err))
		return
	}

	now := c.now()
	st.Queue = st.Queue[1:]
	st.Active = append(st.Active, ActiveBatch{Batch: b, ContextID: d.ContextID, StartedAt: now})
	r.lastDispatch = now
	c.persist(ctx, r)

	logger.With(logger.Fields{
		logger.FieldBatch: b.Number,
		logger.FieldCount: len(b.AppIDs),
	}).Info(ctx, "Batch dispatched: active=%d, queued=%d", len(st.Active), len(st.Queue))
	c.observer.BatchDispatched(st.Kind)
	c.launch(ctx, r, d)
}

func (c *Controller) launch(ctx context.Context, r *run, d Dispatch) {
	go func() {
		start := c.now()
		res, err := c.execute(ctx, r.exec, d)
		r.results <- outcome{dispatch: d, result: res, err: err, duration: c.now().Sub(start)}
	}()
}

// execute bounds one executor call by the batch timeout and converts panics
// and deadline overruns into failures.
func (c *Controller) execute(ctx context.Context, exec Executor, d Dispatch) (res *Result, err error) {
	bctx, cancel := context.WithTimeout(ctx, c.cfg.BatchTimeout)
	defer cancel()
	bctx = logger.SetBatch(bctx, d.Batch.Number)

	defer func() {
		if p := recover(); p != nil {
			res = nil
			err = fmt.Errorf("executor panic on batch %d: %v: %w", d.Batch.Number, p, domain.ErrTransientIO)
		}
	}()

	res, err = exec.Execute(bctx, d)
	if err != nil && errors.Is(bctx.Err(), context.DeadlineExceeded) &&
		!errors.Is(err, domain.ErrTransientIO) && !errors.Is(err, domain.ErrTargetUnavailable) {
		err = fmt.Errorf("batch %d timed out after %s: %v: %w", d.Batch.Number, c.cfg.BatchTimeout, err, domain.ErrTransientIO)
	}
	return res, err
}

// apply moves a batch out of the active set and accounts for its outcome.
func (c *Controller) apply(ctx context.Context, r *run, out outcome) {
	st := r.state
	idx := st.activeIndex(out.dispatch.ContextID)
	if idx < 0 {
		logger.CtxWarn(ctx, "Outcome for unknown context ignored: batch=%d, context=%s",
			out.dispatch.Batch.Number, out.dispatch.ContextID)
		return
	}

	b := st.Active[idx].Batch
	if err := c.jobs.RecordBatchOutcome(ctx, c.dispatchFor(st, st.Active[idx]), out.result, out.err); err != nil {
		c.halt(ctx, r, fmt.Errorf("record outcome of batch %d: %w", b.Number, err))
	}

	st.removeActive(idx)
	st.CompletedCount++
	failed := out.err != nil
	if failed {
		st.FailedCount++
		st.ErrorCount++
	} else if st.ErrorCount > 0 {
		st.ErrorCount--
	}
	c.persist(ctx, r)

	fields := logger.Fields{
		logger.FieldBatch:      b.Number,
		logger.FieldDurationMs: out.duration.Milliseconds(),
	}
	maxParallel, delay := Throttle(st.ErrorCount, c.cfg.Policy)
	if failed {
		logger.With(fields).Warn(ctx, "Batch failed: error=%v, completed=%d/%d, error_count=%d, max_parallel=%d, delay=%s",
			out.err, st.CompletedCount, st.TotalCount, st.ErrorCount, maxParallel, delay)
	} else {
		records := 0
		if out.result != nil {
			records = out.result.Records
		}
		logger.With(fields).WithCount(records).Info(ctx, "Batch completed: completed=%d/%d, error_count=%d",
			st.CompletedCount, st.TotalCount, st.ErrorCount)
	}

	c.observer.BatchFinished(st.Kind, failed, out.duration)
	o := Outcome{
		JobID:     st.JobID,
		Kind:      st.Kind,
		Batch:     b,
		ContextID: out.dispatch.ContextID,
		Result:    out.result,
		Err:       out.err,
		Duration:  out.duration,
	}
	for _, h := range c.onOutcome {
		h(ctx, o)
	}
}

// persist writes the whole state and publishes the snapshot. A failed write
// halts the job; later transitions keep retrying so the durable copy catches up.
func (c *Controller) persist(ctx context.Context, r *run) {
	st := r.state
	st.UpdatedAt = c.now()
	if err := c.states.Save(ctx, st.Clone()); err != nil {
		r.dirty = true
		c.halt(ctx, r, fmt.Errorf("save job state: %w", err))
	} else {
		r.dirty = false
	}
	c.publish(r)
}

func (c *Controller) halt(ctx context.Context, r *run, err error) {
	if r.persistErr == nil {
		logger.CtxError(ctx, "Persistence failure, halting job: %v", err)
	}
	r.persistErr = err
	r.state.LastError = err.Error()
}

func (c *Controller) finish(ctx context.Context, r *run) {
	st := r.state
	completed := len(st.Queue) == 0 && r.persistErr == nil

	switch {
	case completed:
		st.IsRunning = false
		st.Stopped = false
	case r.persistErr == nil:
		st.IsRunning = false
		st.Stopped = true
	default:
		// keep IsRunning so a restart resumes from the last good point
	}
	c.persist(ctx, r)

	if r.persistErr != nil && r.dirty {
		if payload, err := json.Marshal(st); err == nil {
			logger.CtxError(ctx, "Unsaved job state: %s", payload)
		}
	}

	snap := newSnapshot(st, false, c.cfg.Policy)
	switch {
	case r.persistErr != nil:
		logger.CtxError(ctx, "Job halted: completed=%d/%d, errors=%d", st.CompletedCount, st.TotalCount, st.FailedCount)
	case completed:
		logger.With(logger.Fields{logger.FieldCount: st.CompletedCount}).
			Info(ctx, "Job completed: total=%d, errors=%d", st.TotalCount, st.FailedCount)
		for _, h := range c.onComplete {
			h(ctx, snap)
		}
	default:
		logger.CtxInfo(ctx, "Job stopped: completed=%d/%d, queued=%d", st.CompletedCount, st.TotalCount, len(st.Queue))
	}

	c.mu.Lock()
	if r.persistErr != nil {
		c.lastErr = fmt.Errorf("%v: %w", r.persistErr, domain.ErrPersistence)
	}
	c.current = nil
	c.snapshot.Store(&snap)
	c.observer.StateChanged(snap)
	close(r.done)
	c.mu.Unlock()
}

func (c *Controller) publish(r *run) {
	snap := newSnapshot(r.state, true, c.cfg.Policy)
	c.snapshot.Store(&snap)
	c.observer.StateChanged(snap)
}

func (c *Controller) dispatchFor(st *JobState, a ActiveBatch) Dispatch {
	return Dispatch{JobID: st.JobID, Kind: st.Kind, Batch: a.Batch, ContextID: a.ContextID}
}

func ptr[T any](v T) *T {
	return &v
}
