package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/timmy/steamharvest/internal/domain"
)

func validConfig() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			BatchSize:      10,
			MaxParallel:    2,
			ErrorThreshold: 3,
			BaseDelay:      time.Second,
			DelayIncrement: 2 * time.Second,
			MaxDelay:       10 * time.Second,
			BatchTimeout:   time.Minute,
			DefaultKind:    "ccu",
		},
		RateLimit:  RateLimitConfig{RequestsPerSecond: 1, MaxConcurrent: 2},
		SteamStore: SteamStoreConfig{RequestsPerSecond: 50, Workers: 5, Currencies: []string{"gbp"}},
		ITAD: ITADConfig{
			Currencies:    []string{"usd", "EUR"},
			Since:         "2012-01-01T00:00:00Z",
			MaxRetries:    3,
			FanoutWorkers: 3,
		},
	}
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "defaults are valid", mutate: func(c *Config) {}},
		{name: "zero batch size", mutate: func(c *Config) { c.Scheduler.BatchSize = 0 }, wantErr: true},
		{name: "zero max parallel", mutate: func(c *Config) { c.Scheduler.MaxParallel = 0 }, wantErr: true},
		{name: "negative delay", mutate: func(c *Config) { c.Scheduler.BaseDelay = -time.Second }, wantErr: true},
		{name: "unknown kind", mutate: func(c *Config) { c.Scheduler.DefaultKind = "steamspy" }, wantErr: true},
		{name: "zero rate", mutate: func(c *Config) { c.RateLimit.RequestsPerSecond = 0 }, wantErr: true},
		{name: "unknown currency", mutate: func(c *Config) { c.ITAD.Currencies = []string{"XXX"} }, wantErr: true},
		{name: "bad since", mutate: func(c *Config) { c.ITAD.Since = "yesterday" }, wantErr: true},
		{name: "steamprice needs no key", mutate: func(c *Config) { c.Scheduler.DefaultKind = "steamprice" }},
		{name: "unknown store currency", mutate: func(c *Config) { c.SteamStore.Currencies = []string{"XXX"} }, wantErr: true},
		{name: "zero store workers", mutate: func(c *Config) { c.SteamStore.Workers = 0 }, wantErr: true},
		{name: "price without key", mutate: func(c *Config) { c.Scheduler.DefaultKind = "price" }, wantErr: true},
		{name: "price with key", mutate: func(c *Config) {
			c.Scheduler.DefaultKind = "price"
			c.ITAD.APIKey = "secret"
		}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr {
				if !errors.Is(err, domain.ErrInvalidConfig) {
					t.Fatalf("Validate() error = %v, want ErrInvalidConfig", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate() unexpected error: %v", err)
			}
		})
	}
}

func TestValidateNormalisesCurrencies(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() unexpected error: %v", err)
	}
	if cfg.ITAD.Currencies[0] != "USD" {
		t.Errorf("currency not normalised: got %q", cfg.ITAD.Currencies[0])
	}
	if cfg.SteamStore.Currencies[0] != "GBP" {
		t.Errorf("store currency not normalised: got %q", cfg.SteamStore.Currencies[0])
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte("scheduler:\n  batch_size: 25\n  max_parallel: 3\nitad:\n  currencies: [usd]\n")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Scheduler.BatchSize != 25 {
		t.Errorf("batch_size = %d, want 25", cfg.Scheduler.BatchSize)
	}
	if cfg.Scheduler.MaxParallel != 3 {
		t.Errorf("max_parallel = %d, want 3", cfg.Scheduler.MaxParallel)
	}
	if cfg.Scheduler.ErrorThreshold != 3 {
		t.Errorf("error_threshold default = %d, want 3", cfg.Scheduler.ErrorThreshold)
	}
	if cfg.Extension.DeliveryTimeout != 10*time.Second {
		t.Errorf("delivery_timeout default = %v, want 10s", cfg.Extension.DeliveryTimeout)
	}
	if cfg.ITAD.Currencies[0] != "USD" {
		t.Errorf("currencies = %v", cfg.ITAD.Currencies)
	}
}

func TestDSN(t *testing.T) {
	pg := DatabaseConfig{Driver: "postgres", Host: "db", Port: 5432, User: "u", Password: "p", DBName: "steam", SSLMode: "disable"}
	want := "host=db port=5432 user=u password=p dbname=steam sslmode=disable"
	if got := pg.DSN(); got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}
	lite := DatabaseConfig{Driver: "sqlite", Path: "./data/x.db"}
	if got := lite.DSN(); got != "./data/x.db" {
		t.Errorf("DSN() = %q", got)
	}
}
