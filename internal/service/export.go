package service

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/timmy/steamharvest/internal/domain"
	"github.com/timmy/steamharvest/internal/logger"
	"github.com/timmy/steamharvest/internal/repository"
	"github.com/timmy/steamharvest/internal/storage"
)

// Export types accepted by /export and /download.
const (
	ExportTypeCCU    = "ccu"
	ExportTypeErrors = "errors"
	ExportTypePrices = "prices"
	ExportTypeFull   = "full"
)

// ExportTimestampLayout names export files.
const ExportTimestampLayout = "20060102_150405"

// BatchMappingFile is rewritten on every export.
const BatchMappingFile = "batch_mapping.json"

var (
	// ErrUnknownExportType is returned for a type outside ccu, errors, prices.
	ErrUnknownExportType = errors.New("unknown export type")
	// ErrExportNotFound is returned when no file matches a download request.
	ErrExportNotFound = errors.New("export not found")
)

var exportPrefixes = map[string]string{
	ExportTypeCCU:    "ccu_history",
	ExportTypeErrors: "errors",
	ExportTypePrices: "price_history",
}

// ExportConfig holds export settings.
type ExportConfig struct {
	Dir          string
	Upload       bool
	UploadPrefix string
}

// ExportFile describes one written export.
type ExportFile struct {
	Type      string `json:"type"`
	Path      string `json:"path"`
	Timestamp string `json:"timestamp"`
	Rows      int    `json:"rows"`
	URL       string `json:"url,omitempty"`
}

// FullExport is the result of ExportFull.
type FullExport struct {
	Timestamp string                 `json:"timestamp"`
	Files     map[string]*ExportFile `json:"files"`
	Download  map[string]string      `json:"download"`
}

// ExportService writes CSV snapshots of the history tables.
type ExportService struct {
	history *repository.HistoryRepository
	errs    *repository.ErrorRepository
	jobs    *repository.JobRepository
	storage storage.ObjectStorage
	cfg     ExportConfig
	now     func() time.Time
}

// NewExportService creates an ExportService. objectStorage may be nil.
func NewExportService(
	history *repository.HistoryRepository,
	errs *repository.ErrorRepository,
	jobs *repository.JobRepository,
	objectStorage storage.ObjectStorage,
	cfg ExportConfig,
) *ExportService {
	return &ExportService{
		history: history,
		errs:    errs,
		jobs:    jobs,
		storage: objectStorage,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Dir returns the export directory.
func (s *ExportService) Dir() string {
	return s.cfg.Dir
}

// ExportCCU writes ccu_history_{ts}.csv with the average samples.
func (s *ExportService) ExportCCU(ctx context.Context) (*ExportFile, error) {
	return s.export(ctx, ExportTypeCCU, s.timestamp())
}

// ExportErrors writes errors_{ts}.csv with one row per failed app.
func (s *ExportService) ExportErrors(ctx context.Context) (*ExportFile, error) {
	return s.export(ctx, ExportTypeErrors, s.timestamp())
}

// ExportPrices writes price_history_{ts}.csv.
func (s *ExportService) ExportPrices(ctx context.Context) (*ExportFile, error) {
	return s.export(ctx, ExportTypePrices, s.timestamp())
}

// Export writes one export by type name.
func (s *ExportService) Export(ctx context.Context, typ string) (*ExportFile, error) {
	return s.export(ctx, typ, s.timestamp())
}

// ExportFull writes all three exports under one timestamp and refreshes the
// batch mapping file.
// Parameters:
//   - ctx: context for cancellation and deadlines.
// Returns:
//   - *FullExport: written files and their /download links.
//   - error: non-nil if any export fails.
func (s *ExportService) ExportFull(ctx context.Context) (*FullExport, error) {
	ts := s.timestamp()
	full := &FullExport{
		Timestamp: ts,
		Files:     make(map[string]*ExportFile, len(exportPrefixes)),
		Download:  make(map[string]string, len(exportPrefixes)),
	}
	for _, typ := range []string{ExportTypeCCU, ExportTypeErrors, ExportTypePrices} {
		f, err := s.export(ctx, typ, ts)
		if err != nil {
			return nil, err
		}
		full.Files[typ] = f
		full.Download[typ] = DownloadLink(typ, ts)
	}
	return full, nil
}

// DownloadLink returns the relative URL serving an export.
func DownloadLink(typ, ts string) string {
	return fmt.Sprintf("/download/%s?timestamp=%s", typ, ts)
}

// Find returns the path of an export. An empty timestamp selects the latest.
func (s *ExportService) Find(typ, ts string) (string, error) {
	prefix, ok := exportPrefixes[typ]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownExportType, typ)
	}
	if ts != "" {
		if _, err := time.Parse(ExportTimestampLayout, ts); err != nil {
			return "", fmt.Errorf("%w: bad timestamp %q", ErrExportNotFound, ts)
		}
		path := filepath.Join(s.cfg.Dir, fmt.Sprintf("%s_%s.csv", prefix, ts))
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("%w: %s", ErrExportNotFound, filepath.Base(path))
		}
		return path, nil
	}

	matches, err := filepath.Glob(filepath.Join(s.cfg.Dir, prefix+"_*.csv"))
	if err != nil {
		return "", err
	}
	// price_history_batch_* files share the prefix
	kept := matches[:0]
	for _, m := range matches {
		rest := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), prefix+"_"), ".csv")
		if _, err := time.Parse(ExportTimestampLayout, rest); err == nil {
			kept = append(kept, m)
		}
	}
	if len(kept) == 0 {
		return "", fmt.Errorf("%w: no %s export", ErrExportNotFound, typ)
	}
	sort.Strings(kept)
	return kept[len(kept)-1], nil
}

// WriteBatchMapping rewrites batch_mapping.json with every stored mapping,
// keyed by job id and batch number.
func (s *ExportService) WriteBatchMapping(ctx context.Context) (string, error) {
	mappings, err := s.jobs.ListBatchMappings(ctx, "")
	if err != nil {
		return "", err
	}
	out := make(map[string]map[string][]int64)
	for _, m := range mappings {
		if out[m.JobID] == nil {
			out[m.JobID] = make(map[string][]int64)
		}
		out[m.JobID][strconv.Itoa(m.BatchNumber)] = []int64(m.AppIDs)
	}
	payload, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.cfg.Dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(s.cfg.Dir, BatchMappingFile)
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (s *ExportService) timestamp() string {
	return s.now().Format(ExportTimestampLayout)
}

func (s *ExportService) export(ctx context.Context, typ, ts string) (*ExportFile, error) {
	prefix, ok := exportPrefixes[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownExportType, typ)
	}
	if err := os.MkdirAll(s.cfg.Dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(s.cfg.Dir, fmt.Sprintf("%s_%s.csv", prefix, ts))

	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	rows, err := s.write(ctx, typ, file)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("export %s: %w", typ, err)
	}

	if _, err := s.WriteBatchMapping(ctx); err != nil {
		logger.CtxWarn(ctx, "Failed to write batch mapping: %v", err)
	}

	out := &ExportFile{Type: typ, Path: path, Timestamp: ts, Rows: rows}
	if s.cfg.Upload && s.storage != nil {
		key, err := storage.UploadFile(ctx, s.storage, s.cfg.UploadPrefix, path, "text/csv")
		if err != nil {
			logger.CtxWarn(ctx, "Failed to upload export %s: %v", filepath.Base(path), err)
		} else {
			out.URL = s.storage.GetURL(key)
		}
	}

	logger.With(logger.Fields{
		logger.FieldCount: rows,
		"type":            typ,
	}).Info(ctx, "Export written: %s", filepath.Base(path))
	return out, nil
}

func (s *ExportService) write(ctx context.Context, typ string, dst io.Writer) (int, error) {
	w := csv.NewWriter(dst)
	rows := 0
	var err error

	switch typ {
	case ExportTypeCCU:
		_ = w.Write([]string{"ID", "datetime", "players"})
		err = s.history.EachAverageCCU(ctx, func(r domain.CCURecord) error {
			rows++
			return w.Write([]string{strconv.FormatInt(r.AppID, 10), r.DateTime, strconv.FormatInt(r.Players, 10)})
		})
	case ExportTypePrices:
		_ = w.Write(priceHeader)
		err = s.history.EachPrice(ctx, func(r domain.PriceRecord) error {
			rows++
			return w.Write(priceRow(r))
		})
	case ExportTypeErrors:
		_ = w.Write([]string{"app_id", "status", "ccu_error", "price_error", "ccu_url", "price_url", "last_updated"})
		var summaries []repository.ErrorSummary
		summaries, err = s.errs.Summaries(ctx)
		for _, e := range summaries {
			rows++
			_ = w.Write([]string{
				strconv.FormatInt(e.AppID, 10),
				string(e.Status),
				e.CCUError,
				e.PriceError,
				e.CCUURL,
				e.PriceURL,
				e.LastUpdated.Format(domain.DateTimeLayout),
			})
		}
	}
	if err != nil {
		return 0, err
	}
	w.Flush()
	return rows, w.Error()
}
