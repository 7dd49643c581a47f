package scheduler

import (
	"fmt"
	"time"

	"github.com/timmy/steamharvest/internal/domain"
)

// Policy holds the adaptive backoff settings.
type Policy struct {
	MaxParallel    int
	ErrorThreshold int
	BaseDelay      time.Duration
	DelayIncrement time.Duration
	MaxDelay       time.Duration
}

// DefaultPolicy returns the stock settings: two slots, throttled to one after three errors.
func DefaultPolicy() Policy {
	return Policy{
		MaxParallel:    2,
		ErrorThreshold: 3,
		BaseDelay:      time.Second,
		DelayIncrement: 2 * time.Second,
		MaxDelay:       10 * time.Second,
	}
}

// Validate rejects policies the controller cannot run with.
func (p Policy) Validate() error {
	if p.MaxParallel < 1 {
		return fmt.Errorf("max parallel must be >= 1: %w", domain.ErrInvalidConfig)
	}
	if p.ErrorThreshold < 1 {
		return fmt.Errorf("error threshold must be >= 1: %w", domain.ErrInvalidConfig)
	}
	if p.BaseDelay < 0 || p.DelayIncrement < 0 || p.MaxDelay < 0 {
		return fmt.Errorf("delays must not be negative: %w", domain.ErrInvalidConfig)
	}
	return nil
}

// Throttle maps the rolling error count to the current slot limit and
// inter-dispatch delay.
//
//	maxParallel = 1 when errorCount >= ErrorThreshold, else MaxParallel
//	delay       = min(MaxDelay, BaseDelay + errorCount*DelayIncrement)
func Throttle(errorCount int, p Policy) (int, time.Duration) {
	if errorCount < 0 {
		errorCount = 0
	}
	maxParallel := p.MaxParallel
	if errorCount >= p.ErrorThreshold {
		maxParallel = 1
	}
	delay := p.BaseDelay + time.Duration(errorCount)*p.DelayIncrement
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return maxParallel, delay
}
