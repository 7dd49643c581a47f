package pending

import (
	"context"
	"fmt"

	"github.com/timmy/steamharvest/internal/domain"
)

// StatusLister lists apps that still need processing.
type StatusLister interface {
	ListNotDone(ctx context.Context) ([]int64, error)
	ListByStatus(ctx context.Context, status domain.ItemStatus) ([]domain.AppStatus, error)
}

// Adapter implements the Source interface over app_status, re-queueing apps
// that are pending or failed in an earlier pass.
type Adapter struct {
	repo       StatusLister
	errorsOnly bool
}

// NewAdapter creates a pending adapter. With errorsOnly set only failed apps
// are returned.
func NewAdapter(repo StatusLister, errorsOnly bool) *Adapter {
	return &Adapter{repo: repo, errorsOnly: errorsOnly}
}

// GetSourceID returns the unique identifier for this source.
func (a *Adapter) GetSourceID() string {
	if a.errorsOnly {
		return "pending:errors"
	}
	return "pending:all"
}

// GetDisplayName returns a human-readable name for this source.
func (a *Adapter) GetDisplayName() string {
	if a.errorsOnly {
		return "Failed apps"
	}
	return "Apps not done"
}

// Load returns the ids in app id order.
func (a *Adapter) Load(ctx context.Context) ([]int64, error) {
	if !a.errorsOnly {
		ids, err := a.repo.ListNotDone(ctx)
		if err != nil {
			return nil, fmt.Errorf("list pending apps: %w", err)
		}
		return ids, nil
	}

	rows, err := a.repo.ListByStatus(ctx, domain.ItemStatusError)
	if err != nil {
		return nil, fmt.Errorf("list failed apps: %w", err)
	}
	ids := make([]int64, len(rows))
	for i, r := range rows {
		ids[i] = r.AppID
	}
	return ids, nil
}
