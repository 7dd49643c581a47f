// Package batch splits an ordered id list into numbered dispatch units.
package batch

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/timmy/steamharvest/internal/domain"
)

// Batch is an ordered group of app ids with a 1-based sequence number unique within a job.
type Batch struct {
	Number int     `json:"number"`
	AppIDs []int64 `json:"app_ids"`
}

// Plan partitions ids into batches of size, preserving order.
// Batch k holds ids[(k-1)*size : k*size]; the last batch may be shorter.
// Parameters:
//   - ids: ordered app ids.
//   - size: batch size, must be >= 1.
// Returns:
//   - []Batch: batches numbered from 1.
//   - error: wraps domain.ErrInvalidConfig when size < 1.
func Plan(ids []int64, size int) ([]Batch, error) {
	if size < 1 {
		return nil, fmt.Errorf("batch size must be >= 1, got %d: %w", size, domain.ErrInvalidConfig)
	}

	batches := make([]Batch, 0, (len(ids)+size-1)/size)
	for start, n := 0, 1; start < len(ids); start, n = start+size, n+1 {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		members := make([]int64, end-start)
		copy(members, ids[start:end])
		batches = append(batches, Batch{Number: n, AppIDs: members})
	}
	return batches, nil
}

// Count returns the number of ids across batches.
func Count(batches []Batch) int {
	n := 0
	for _, b := range batches {
		n += len(b.AppIDs)
	}
	return n
}

// ParseIDs reads a newline-delimited id list.
// Blank lines and lines starting with # are skipped. Any other non-numeric or
// non-positive line is rejected with domain.ErrInvalidConfig.
func ParseIDs(r io.Reader) ([]int64, error) {
	var ids []int64
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		id, err := strconv.ParseInt(line, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("line %d: %q is not an app id: %w", lineNo, line, domain.ErrInvalidConfig)
		}
		ids = append(ids, id)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read id list: %w", err)
	}
	return ids, nil
}

// Dedupe drops repeated ids keeping the first occurrence.
func Dedupe(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
