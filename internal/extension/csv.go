package extension

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/timmy/steamharvest/internal/domain"
)

// ErrBadFormat is returned for CSV or JSON payloads in an unknown shape.
var ErrBadFormat = errors.New("extension: unrecognised export format")

// ParseCSV reads a chart export into average samples.
//
// Two layouts are accepted:
//   - the SteamDB compare export "DateTime,<game>,<game>...", whose value
//     columns belong to appIDs by position;
//   - the merged layout "app_id,datetime,players", where appIDs is ignored.
//
// Rows with an unparseable datetime and empty cells are skipped.
func ParseCSV(r io.Reader, appIDs []int64) ([]domain.CCURecord, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("%w: empty file", ErrBadFormat)
	}
	if err != nil {
		return nil, fmt.Errorf("extension: read csv header: %w", err)
	}
	for i := range header {
		header[i] = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff")))
	}

	switch {
	case len(header) >= 3 && header[0] == "app_id" && header[1] == "datetime":
		return parseMerged(cr)
	case len(header) >= 2 && (header[0] == "datetime" || header[0] == "time" || header[0] == "date"):
		return parseCompare(cr, len(header)-1, appIDs)
	}
	return nil, fmt.Errorf("%w: header %q", ErrBadFormat, strings.Join(header, ","))
}

func parseCompare(cr *csv.Reader, columns int, appIDs []int64) ([]domain.CCURecord, error) {
	if columns > len(appIDs) {
		return nil, fmt.Errorf("%w: %d value columns for %d apps", ErrBadFormat, columns, len(appIDs))
	}
	var records []domain.CCURecord
	for {
		row, err := cr.Read()
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return nil, fmt.Errorf("extension: read csv: %w", err)
		}
		if len(row) == 0 {
			continue
		}
		dt, ok := domain.NormalizeDateTime(row[0])
		if !ok {
			continue
		}
		for col := 1; col < len(row) && col <= columns; col++ {
			players, ok := parsePlayers(row[col])
			if !ok {
				continue
			}
			records = append(records, domain.CCURecord{
				AppID:     appIDs[col-1],
				DateTime:  dt,
				Players:   players,
				ValueType: domain.ValueTypeAvg,
			})
		}
	}
}

func parseMerged(cr *csv.Reader) ([]domain.CCURecord, error) {
	var records []domain.CCURecord
	for {
		row, err := cr.Read()
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return nil, fmt.Errorf("extension: read csv: %w", err)
		}
		if len(row) < 3 {
			continue
		}
		appID, err := strconv.ParseInt(strings.TrimSpace(row[0]), 10, 64)
		if err != nil {
			continue
		}
		dt, ok := domain.NormalizeDateTime(row[1])
		if !ok {
			continue
		}
		players, ok := parsePlayers(row[2])
		if !ok {
			continue
		}
		records = append(records, domain.CCURecord{AppID: appID, DateTime: dt, Players: players, ValueType: domain.ValueTypeAvg})
	}
}

func parsePlayers(s string) (int64, bool) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 {
		return 0, false
	}
	return int64(math.Round(f)), true
}

// ParseExport reads the extension's JSON export: an object keyed by app id
// whose values are [datetime, players] pairs.
func ParseExport(r io.Reader) ([]domain.CCURecord, error) {
	var raw map[string][][]json.RawMessage
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFormat, err)
	}

	var records []domain.CCURecord
	for key, points := range raw {
		appID, err := strconv.ParseInt(strings.TrimSpace(key), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: app id %q", ErrBadFormat, key)
		}
		for _, p := range points {
			if len(p) < 2 {
				continue
			}
			dt, ok := domain.NormalizeDateTime(unquote(p[0]))
			if !ok {
				continue
			}
			players, ok := parsePlayers(unquote(p[1]))
			if !ok {
				continue
			}
			records = append(records, domain.CCURecord{AppID: appID, DateTime: dt, Players: players, ValueType: domain.ValueTypeAvg})
		}
	}
	return records, nil
}

// unquote returns the text of a JSON string or the literal of any other scalar.
func unquote(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
