package source

import "context"

// Source defines the interface for app id list sources.
type Source interface {
	// GetSourceID returns the unique identifier for this source.
	// Parameters: none.
	// Returns:
	//   - string: stable source identifier.
	GetSourceID() string

	// GetDisplayName returns a human-readable name for this source.
	// Parameters: none.
	// Returns:
	//   - string: display-friendly source name.
	GetDisplayName() string

	// Load returns the app ids of this source in order, without duplicates.
	// Parameters:
	//   - ctx: context for cancellation and deadlines.
	// Returns:
	//   - []int64: Steam app ids.
	//   - err: non-nil if reading fails; malformed lists wrap domain.ErrInvalidConfig.
	Load(ctx context.Context) ([]int64, error)
}
