package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/timmy/steamharvest/internal/config"
	"github.com/timmy/steamharvest/internal/logger"
)

// Serve runs the HTTP server until ctx is cancelled, then shuts it down
// within server.shutdown_timeout.
// Parameters:
//   - ctx: cancelled on SIGINT/SIGTERM by the caller.
//   - svc: services backing the handlers.
//   - cfg: application configuration.
//   - log: base logger.
// Returns:
//   - error: listen failures or a forced shutdown.
func Serve(ctx context.Context, svc Services, cfg *config.Config, log *logger.Logger) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: SetupRouter(svc, cfg, log),
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(logger.Fields{
			"port": cfg.Server.Port,
			"mode": cfg.Server.Mode,
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	// A running job is left marked running and resumes on the next start
	if svc.Jobs.Running() {
		log.WithField(logger.FieldJobID, svc.Jobs.Snapshot().JobID).Warn("Exiting with a job in progress")
	}
	log.Info("Server exited")
	return nil
}
