package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/timmy/steamharvest/internal/domain"
	"github.com/timmy/steamharvest/internal/itad"
)

// DefaultITADBaseURL is the public IsThereAnyDeal API endpoint.
const DefaultITADBaseURL = "https://api.isthereanydeal.com"

// ITADConfig defines the price-history client settings.
type ITADConfig struct {
	APIKey            string        `mapstructure:"api_key"`     // API key (can be set directly or via env var)
	APIKeyEnv         string        `mapstructure:"api_key_env"` // Environment variable name for API key
	BaseURL           string        `mapstructure:"base_url"`
	Currencies        []string      `mapstructure:"currencies"` // ISO codes fanned out per batch
	Since             string        `mapstructure:"since"`      // RFC3339 lower bound for history
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryAfterDefault time.Duration `mapstructure:"retry_after_default"`
	Hybrid            bool          `mapstructure:"hybrid"` // storelow pre-pass before history
	FanoutWorkers     int           `mapstructure:"fanout_workers"`
}

// ResolveEnvVars loads the API key from APIKeyEnv when it is not set directly.
func (c *ITADConfig) ResolveEnvVars() {
	if c.APIKeyEnv != "" && c.APIKey == "" {
		if val := os.Getenv(c.APIKeyEnv); val != "" {
			c.APIKey = val
		}
	}
}

// Validate checks currencies against the known table and normalises them to upper case.
// Returns an error wrapping domain.ErrInvalidConfig on the first failure.
func (c *ITADConfig) Validate() error {
	for i, code := range c.Currencies {
		code = strings.ToUpper(strings.TrimSpace(code))
		if _, ok := itad.LookupCurrency(code); !ok {
			return fmt.Errorf("itad: unknown currency %q: %w", code, domain.ErrInvalidConfig)
		}
		c.Currencies[i] = code
	}
	if c.Since != "" {
		if _, err := time.Parse(time.RFC3339, c.Since); err != nil {
			return fmt.Errorf("itad: since %q is not RFC3339: %w", c.Since, domain.ErrInvalidConfig)
		}
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("itad: max_retries must be >= 1: %w", domain.ErrInvalidConfig)
	}
	if c.FanoutWorkers < 1 {
		return fmt.Errorf("itad: fanout_workers must be >= 1: %w", domain.ErrInvalidConfig)
	}
	return nil
}
