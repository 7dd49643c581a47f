package idfile

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/timmy/steamharvest/internal/batch"
)

// Adapter implements the Source interface for newline-delimited id files.
type Adapter struct {
	path   string
	reader io.Reader
}

// NewAdapter creates an adapter reading the file at path.
// Parameters:
//   - path: path to the id list.
// Returns:
//   - *Adapter: initialized id file adapter.
func NewAdapter(path string) *Adapter {
	return &Adapter{path: path}
}

// NewReaderAdapter creates an adapter over an already open list, such as an
// uploaded file. name is used as the source id.
func NewReaderAdapter(name string, r io.Reader) *Adapter {
	return &Adapter{path: name, reader: r}
}

// GetSourceID returns the unique identifier for this source.
// Parameters: none.
// Returns:
//   - string: source identifier with "idfile:" prefix.
func (a *Adapter) GetSourceID() string {
	return "idfile:" + filepath.Base(a.path)
}

// GetDisplayName returns a human-readable name for this source.
func (a *Adapter) GetDisplayName() string {
	return fmt.Sprintf("ID file (%s)", a.path)
}

// Load reads and deduplicates the ids. Blank lines and # comments are skipped.
func (a *Adapter) Load(ctx context.Context) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r := a.reader
	if r == nil {
		f, err := os.Open(a.path)
		if err != nil {
			return nil, fmt.Errorf("failed to open id file: %w", err)
		}
		defer f.Close()
		r = f
	}

	ids, err := batch.ParseIDs(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", a.path, err)
	}
	return batch.Dedupe(ids), nil
}
