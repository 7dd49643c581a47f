package service

import (
	"context"
	"fmt"
	"io"

	"github.com/timmy/steamharvest/internal/domain"
	"github.com/timmy/steamharvest/internal/extension"
	"github.com/timmy/steamharvest/internal/logger"
	"github.com/timmy/steamharvest/internal/repository"
)

// ImportResult summarises an import.
type ImportResult struct {
	Apps    int `json:"apps"`
	Records int `json:"records"`
}

// ImportService loads chart data produced outside the scheduler: the
// extension's local-storage dump and SteamDB CSV downloads.
type ImportService struct {
	apps    *repository.AppStatusRepository
	history *repository.HistoryRepository
}

// NewImportService creates an ImportService.
func NewImportService(apps *repository.AppStatusRepository, history *repository.HistoryRepository) *ImportService {
	return &ImportService{apps: apps, history: history}
}

// ImportExport stores the extension JSON dump and marks its apps done.
// Existing samples are overwritten.
func (s *ImportService) ImportExport(ctx context.Context, r io.Reader) (*ImportResult, error) {
	records, err := extension.ParseExport(r)
	if err != nil {
		return nil, err
	}
	return s.store(ctx, records)
}

// ImportCSV stores a SteamDB CSV. appIDs maps compare columns by position and
// is ignored for the merged app_id,datetime,players layout.
func (s *ImportService) ImportCSV(ctx context.Context, r io.Reader, appIDs []int64) (*ImportResult, error) {
	records, err := extension.ParseCSV(r, appIDs)
	if err != nil {
		return nil, err
	}
	return s.store(ctx, records)
}

func (s *ImportService) store(ctx context.Context, records []domain.CCURecord) (*ImportResult, error) {
	seen := make(map[int64]bool)
	var ids []int64
	for _, r := range records {
		if !seen[r.AppID] {
			seen[r.AppID] = true
			ids = append(ids, r.AppID)
		}
	}

	if err := s.history.SaveCCU(ctx, records); err != nil {
		return nil, fmt.Errorf("save imported ccu: %w", err)
	}
	if err := s.apps.MarkDone(ctx, ids); err != nil {
		return nil, err
	}

	logger.With(logger.Fields{logger.FieldCount: len(records)}).
		Info(ctx, "Imported chart data for %d apps", len(ids))
	return &ImportResult{Apps: len(ids), Records: len(records)}, nil
}
