package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/timmy/steamharvest/internal/config"
	"github.com/timmy/steamharvest/internal/domain"
	"github.com/timmy/steamharvest/internal/repository"
	"github.com/timmy/steamharvest/internal/scheduler"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := repository.InitDB(&config.DatabaseConfig{
		Driver:       "sqlite",
		Path:         filepath.Join(t.TempDir(), "test.db"),
		MaxIdleConns: 2,
		MaxOpenConns: 4,
		AutoMigrate:  true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

type recordingPublisher struct {
	mu   sync.Mutex
	keys []string
}

func (p *recordingPublisher) Publish(_ context.Context, key string, _ interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, key)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) count(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, k := range p.keys {
		if k == key {
			n++
		}
	}
	return n
}

type jobFixture struct {
	svc     *JobService
	db      *gorm.DB
	apps    *repository.AppStatusRepository
	jobs    *repository.JobRepository
	events  *recordingPublisher
	exports *ExportService
}

func newJobFixture(t *testing.T, exec scheduler.Executor, maxParallel int) *jobFixture {
	t.Helper()
	db := newTestDB(t)
	f := &jobFixture{
		db:     db,
		apps:   repository.NewAppStatusRepository(db),
		jobs:   repository.NewJobRepository(db),
		events: &recordingPublisher{},
	}
	history := repository.NewHistoryRepository(db)
	f.exports = NewExportService(history, repository.NewErrorRepository(db), f.jobs, nil, ExportConfig{Dir: t.TempDir()})

	svc, err := NewJobService(JobDeps{
		States:    repository.NewStateRepository(db),
		Store:     repository.NewJobStore(db),
		Executors: map[domain.JobKind]scheduler.Executor{domain.JobKindCCU: exec},
		Apps:      f.apps,
		Jobs:      f.jobs,
		History:   history,
		Exports:   f.exports,
		Events:    f.events,
	}, scheduler.Config{
		Policy:       scheduler.Policy{MaxParallel: maxParallel, ErrorThreshold: 3},
		BatchTimeout: 5 * time.Second,
	}, JobConfig{BatchSize: 10, DefaultKind: domain.JobKindCCU})
	require.NoError(t, err)
	f.svc = svc
	return f
}

func (f *jobFixture) jobStatus(t *testing.T, id string) domain.JobStatus {
	t.Helper()
	job, err := f.jobs.GetByID(context.Background(), id)
	require.NoError(t, err)
	return job.Status
}

func TestJobServiceRunsToCompletion(t *testing.T) {
	exec := scheduler.ExecutorFunc(func(ctx context.Context, d scheduler.Dispatch) (*scheduler.Result, error) {
		res := &scheduler.Result{Records: len(d.Batch.AppIDs)}
		for _, id := range d.Batch.AppIDs {
			if id == 25 {
				res.ItemErrors = append(res.ItemErrors, scheduler.ItemError{AppID: id, DataType: domain.DataTypeCCU, Message: "not found"})
			}
		}
		return res, nil
	})
	f := newJobFixture(t, exec, 2)
	ctx := context.Background()

	var b strings.Builder
	b.WriteString("# ids\n")
	for i := 1; i <= 25; i++ {
		fmt.Fprintf(&b, "%d\n", i)
	}
	res, err := f.svc.StartFromReader(ctx, strings.NewReader(b.String()), "")
	require.NoError(t, err)
	require.Equal(t, 25, res.Total)
	require.Equal(t, 3, res.Batches)
	require.Equal(t, "ccu", res.Kind)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, f.svc.Wait(waitCtx))

	require.Eventually(t, func() bool {
		return f.jobStatus(t, res.JobID) == domain.JobStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	status, err := f.svc.Status(ctx)
	require.NoError(t, err)
	require.False(t, status.Running)
	require.Equal(t, int64(25), status.Statistics.TotalApps)
	require.Equal(t, int64(24), status.Statistics.Completed)
	require.Equal(t, int64(1), status.Statistics.Errors)
	require.Equal(t, float64(100), status.ProgressPercent)

	full := f.svc.LastExport()
	require.NotNil(t, full)
	require.Equal(t, "/download/errors?timestamp="+full.Timestamp, full.Download[ExportTypeErrors])
	require.Equal(t, 1, full.Files[ExportTypeErrors].Rows)

	require.Equal(t, 1, f.events.count("job.started"))
	require.Equal(t, 3, f.events.count("batch.finished"))
	require.Eventually(t, func() bool { return f.events.count("job.finished") == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestJobServiceStopAndResume(t *testing.T) {
	gate := make(chan struct{})
	var once sync.Once
	started := make(chan struct{})
	exec := scheduler.ExecutorFunc(func(ctx context.Context, d scheduler.Dispatch) (*scheduler.Result, error) {
		once.Do(func() { close(started) })
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &scheduler.Result{Records: 1}, nil
	})
	f := newJobFixture(t, exec, 1)
	ctx := context.Background()

	ids := make([]int64, 30)
	for i := range ids {
		ids[i] = int64(i + 1)
	}
	res, err := f.svc.Start(ctx, ids, domain.JobKindCCU)
	require.NoError(t, err)

	_, err = f.svc.Start(ctx, ids, domain.JobKindCCU)
	require.ErrorIs(t, err, domain.ErrAlreadyRunning)

	<-started
	require.True(t, f.svc.Stop())
	close(gate)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, f.svc.Wait(waitCtx))

	snap := f.svc.Snapshot()
	require.True(t, snap.Stopped)
	require.Equal(t, 1, snap.Completed)
	require.Equal(t, 2, snap.Queued)
	require.False(t, f.svc.Stop(), "stop on an idle service is a no-op")
	require.Eventually(t, func() bool {
		return f.jobStatus(t, res.JobID) == domain.JobStatusStopped
	}, 2*time.Second, 10*time.Millisecond)
	require.Nil(t, f.svc.LastExport(), "a stopped job is not exported")

	resumed, err := f.svc.Resume(ctx, false)
	require.NoError(t, err)
	require.False(t, resumed, "a stopped job needs force")

	resumed, err = f.svc.Resume(ctx, true)
	require.NoError(t, err)
	require.True(t, resumed)
	require.NoError(t, f.svc.Wait(waitCtx))

	snap = f.svc.Snapshot()
	require.Equal(t, 3, snap.Completed)
	require.False(t, snap.Stopped)
	require.Eventually(t, func() bool {
		return f.jobStatus(t, res.JobID) == domain.JobStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestJobServiceRejectsBadInput(t *testing.T) {
	exec := scheduler.ExecutorFunc(func(context.Context, scheduler.Dispatch) (*scheduler.Result, error) {
		return &scheduler.Result{}, nil
	})
	f := newJobFixture(t, exec, 1)
	ctx := context.Background()

	_, err := f.svc.Start(ctx, nil, domain.JobKindCCU)
	require.ErrorIs(t, err, domain.ErrInvalidConfig)

	_, err = f.svc.Start(ctx, []int64{1}, domain.JobKind("steamspy"))
	require.ErrorIs(t, err, domain.ErrInvalidConfig)

	// price has no executor in this fixture
	_, err = f.svc.Start(ctx, []int64{1}, domain.JobKindPrice)
	require.ErrorIs(t, err, domain.ErrInvalidConfig)

	_, err = f.svc.StartFromReader(ctx, strings.NewReader("730\nabc\n"), "")
	require.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestJobServiceConcurrentStartsCreateOneJob(t *testing.T) {
	gate := make(chan struct{})
	exec := scheduler.ExecutorFunc(func(ctx context.Context, d scheduler.Dispatch) (*scheduler.Result, error) {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &scheduler.Result{Records: 1}, nil
	})
	f := newJobFixture(t, exec, 1)
	ctx := context.Background()

	const callers = 8
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Start(ctx, []int64{int64(i + 1), 100}, domain.JobKindCCU)
		}(i)
	}
	wg.Wait()

	started := 0
	for _, err := range errs {
		if err == nil {
			started++
			continue
		}
		require.True(t, errors.Is(err, domain.ErrAlreadyRunning), "unexpected error: %v", err)
	}
	require.Equal(t, 1, started)

	jobs, err := f.jobs.ListRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	close(gate)
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, f.svc.Wait(waitCtx))
}
