package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/timmy/steamharvest/internal/config"
	"github.com/timmy/steamharvest/internal/domain"
	"github.com/timmy/steamharvest/internal/extension"
	"github.com/timmy/steamharvest/internal/logger"
	"github.com/timmy/steamharvest/internal/repository"
	"github.com/timmy/steamharvest/internal/scheduler"
	"github.com/timmy/steamharvest/internal/service"
)

type testServer struct {
	router http.Handler
	svc    Services
}

func newTestServer(t *testing.T, exec scheduler.Executor) *testServer {
	t.Helper()
	db, err := repository.InitDB(&config.DatabaseConfig{
		Driver:       "sqlite",
		Path:         filepath.Join(t.TempDir(), "api.db"),
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

	apps := repository.NewAppStatusRepository(db)
	jobs := repository.NewJobRepository(db)
	history := repository.NewHistoryRepository(db)
	exports := service.NewExportService(history, repository.NewErrorRepository(db), jobs, nil, service.ExportConfig{Dir: t.TempDir()})
	jobService, err := service.NewJobService(service.JobDeps{
		States:    repository.NewStateRepository(db),
		Store:     repository.NewJobStore(db),
		Executors: map[domain.JobKind]scheduler.Executor{domain.JobKindCCU: exec},
		Apps:      apps,
		Jobs:      jobs,
		History:   history,
		Exports:   exports,
	}, scheduler.Config{
		Policy:       scheduler.Policy{MaxParallel: 1, ErrorThreshold: 3},
		BatchTimeout: 5 * time.Second,
	}, service.JobConfig{BatchSize: 10, DefaultKind: domain.JobKindCCU})
	require.NoError(t, err)

	svc := Services{
		Jobs:    jobService,
		Exports: exports,
		Imports: service.NewImportService(apps, history),
		Bridge:  extension.NewBridge(extension.Config{CompareURL: "https://steamdb.info/charts/?compare=", HeartbeatTTL: time.Minute}),
	}
	cfg := &config.Config{
		Server:  config.ServerConfig{Mode: "test", CORS: config.CORSConfig{AllowAllOrigins: true}},
		Metrics: config.MetricsConfig{Enabled: true},
	}
	return &testServer{router: SetupRouter(svc, cfg, logger.GetDefault()), svc: svc}
}

func (s *testServer) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func uploadRequest(t *testing.T, path, body string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "app_ids.txt")
	require.NoError(t, err)
	_, err = fw.Write([]byte(body))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func okExecutor() scheduler.Executor {
	return scheduler.ExecutorFunc(func(_ context.Context, d scheduler.Dispatch) (*scheduler.Result, error) {
		return &scheduler.Result{Records: len(d.Batch.AppIDs)}, nil
	})
}

func TestStartStopStatus(t *testing.T) {
	release := make(chan struct{})
	exec := scheduler.ExecutorFunc(func(ctx context.Context, d scheduler.Dispatch) (*scheduler.Result, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &scheduler.Result{Records: len(d.Batch.AppIDs)}, nil
	})
	s := newTestServer(t, exec)

	w := s.do(t, uploadRequest(t, "/start", "730\n440\n570\n"))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	body := decode(t, w)
	require.Equal(t, "started", body["status"])
	require.Equal(t, float64(3), body["total"])
	require.Equal(t, float64(1), body["batches"])
	require.NotEmpty(t, body["job_id"])

	w = s.do(t, uploadRequest(t, "/api/v1/start", "10\n"))
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "already running", decode(t, w)["error"])

	w = s.do(t, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, true, decode(t, w)["parser_running"])

	w = s.do(t, httptest.NewRequest(http.MethodPost, "/stop", nil))
	require.Equal(t, "stopping", decode(t, w)["status"])
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.svc.Jobs.Wait(ctx))

	w = s.do(t, httptest.NewRequest(http.MethodPost, "/stop", nil))
	require.Equal(t, "not_running", decode(t, w)["status"])

	w = s.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	require.Equal(t, http.StatusOK, w.Code)
	status := decode(t, w)
	require.Equal(t, false, status["parser_running"])
	stats := status["statistics"].(map[string]interface{})
	require.Equal(t, float64(3), stats["total_apps"])
	require.Equal(t, float64(100), status["progress_percent"])

	// the single batch finished, so there is nothing left to resume
	w = s.do(t, httptest.NewRequest(http.MethodPost, "/resume?force=true", nil))
	require.Equal(t, "nothing_to_resume", decode(t, w)["status"])
}

func TestStartRejectsBadInput(t *testing.T) {
	s := newTestServer(t, okExecutor())

	tests := []struct {
		name string
		req  *http.Request
	}{
		{name: "missing file", req: httptest.NewRequest(http.MethodPost, "/start", nil)},
		{name: "non numeric id", req: uploadRequest(t, "/start", "730\nDota 2\n")},
		{name: "empty list", req: uploadRequest(t, "/start", "# nothing\n")},
		{name: "unknown kind", req: uploadRequest(t, "/start?kind=steamspy", "730\n")},
		{name: "kind without executor", req: uploadRequest(t, "/start?kind=price", "730\n")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, tt.req)
			require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			require.NotEmpty(t, decode(t, w)["error"])
		})
	}
}

func TestExportAndDownload(t *testing.T) {
	s := newTestServer(t, okExecutor())

	w := s.do(t, httptest.NewRequest(http.MethodGet, "/export?type=full", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	require.Equal(t, "exported", body["status"])
	links := body["download"].(map[string]interface{})
	ccuLink := links["ccu"].(string)
	require.True(t, strings.HasPrefix(ccuLink, "/download/ccu?timestamp="), ccuLink)

	w = s.do(t, httptest.NewRequest(http.MethodGet, ccuLink, nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "ID,datetime,players\n", w.Body.String())
	require.Contains(t, w.Header().Get("Content-Disposition"), "ccu_history_")

	w = s.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/download/prices", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, httptest.NewRequest(http.MethodGet, "/download/ccu?timestamp=20000101_000000", nil))
	require.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, httptest.NewRequest(http.MethodGet, "/download/players", nil))
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, httptest.NewRequest(http.MethodGet, "/export?type=players", nil))
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, httptest.NewRequest(http.MethodGet, "/export?type=errors", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "No errors to export", decode(t, w)["message"])
}

func TestExtensionRoutes(t *testing.T) {
	s := newTestServer(t, okExecutor())
	bridge := s.svc.Bridge

	post := func(path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		return s.do(t, req)
	}

	w := post("/api/v1/extension/heartbeat", `{"tab_ids":["tab-1"]}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, float64(1), decode(t, w)["tabs"])

	w = s.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/extension/assignments/next?tab_id=tab-1", nil))
	require.Equal(t, http.StatusNoContent, w.Code)

	a := bridge.Submit("ctx-1", "job-1", 1, []int64{730, 440})
	w = s.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/extension/assignments/next?tab_id=tab-1", nil))
	require.Equal(t, http.StatusOK, w.Code)
	got := decode(t, w)
	require.Equal(t, "ctx-1", got["id"])
	require.Equal(t, "https://steamdb.info/charts/?compare=730,440", got["compare_url"])

	w = post("/api/v1/extension/assignments/ctx-1/ack", `{"tab_id":"tab-2"}`)
	require.Equal(t, http.StatusConflict, w.Code)
	w = post("/api/v1/extension/assignments/ctx-9/ack", `{"tab_id":"tab-1"}`)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = post("/api/v1/extension/assignments/ctx-1/ack", `{"tab_id":"tab-1"}`)
	require.Equal(t, http.StatusOK, w.Code)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, bridge.WaitAck(ctx, a))

	w = post("/api/v1/extension/assignments/ctx-1/result", `{"tab_id":"tab-1"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = post("/api/v1/extension/assignments/ctx-1/result", `{"tab_id":"tab-1","csv":"DateTime,CS2,TF2\n2024-01-01 00:00:00,1,2\n"}`)
	require.Equal(t, http.StatusOK, w.Code)
	report, err := bridge.WaitResult(ctx, a)
	require.NoError(t, err)
	require.Equal(t, extension.ReportOK, report.Status)

	w = post("/api/v1/extension/import", `{"730": [["2024-01-01 00:00:00", 10]]}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, float64(1), decode(t, w)["records"])

	w = post("/api/v1/extension/import", `not json`)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthMetricsAndCORS(t *testing.T) {
	s := newTestServer(t, okExecutor())

	for _, path := range []string{"/health", "/api/v1/health"} {
		w := s.do(t, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, w.Code)
		body := decode(t, w)
		require.Equal(t, "ok", body["status"])
		require.Equal(t, false, body["parser_running"])
	}

	w := s.do(t, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/extension/heartbeat", nil)
	req.Header.Set("Origin", "https://steamdb.info")
	w = s.do(t, req)
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	require.NotEmpty(t, w.Header().Get("X-Request-ID"))
}
