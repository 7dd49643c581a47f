package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"github.com/timmy/steamharvest/internal/domain"
	"github.com/timmy/steamharvest/internal/itad"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	RateLimit   RateLimitConfig   `mapstructure:"ratelimit"`
	SteamCharts SteamChartsConfig `mapstructure:"steamcharts"`
	SteamStore  SteamStoreConfig  `mapstructure:"steamstore"`
	ITAD        ITADConfig        `mapstructure:"itad"`
	Extension   ExtensionConfig   `mapstructure:"extension"`
	Export      ExportConfig      `mapstructure:"export"`
	Events      EventsConfig      `mapstructure:"events"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	CORS            CORSConfig    `mapstructure:"cors"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Path            string        `mapstructure:"path"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// DSN builds the driver-specific connection string.
func (c *DatabaseConfig) DSN() string {
	if c.Driver == "postgres" {
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
	}
	if c.Path == "" {
		return "file::memory:?cache=shared"
	}
	return c.Path
}

type StorageConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Type      string `mapstructure:"type"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	PublicURL string `mapstructure:"public_url"`
	Prefix    string `mapstructure:"prefix"`
}

type SchedulerConfig struct {
	BatchSize      int           `mapstructure:"batch_size"`
	MaxParallel    int           `mapstructure:"max_parallel"`
	ErrorThreshold int           `mapstructure:"error_threshold"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	DelayIncrement time.Duration `mapstructure:"delay_increment"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	BatchTimeout   time.Duration `mapstructure:"batch_timeout"`
	DefaultKind    string        `mapstructure:"default_kind"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	MaxConcurrent     int     `mapstructure:"max_concurrent"`
}

type SteamChartsConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryDelay   time.Duration `mapstructure:"retry_delay"`
	MonthlyTable bool          `mapstructure:"monthly_table"`
}

type SteamStoreConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Workers           int           `mapstructure:"workers"`    // apps fetched at once
	Currencies        []string      `mapstructure:"currencies"` // empty means every supported currency
}

type ExtensionConfig struct {
	CompareURL      string        `mapstructure:"compare_url"`
	DeliveryTimeout time.Duration `mapstructure:"delivery_timeout"`
	LoadTimeout     time.Duration `mapstructure:"load_timeout"`
	HeartbeatTTL    time.Duration `mapstructure:"heartbeat_ttl"`
}

type ExportConfig struct {
	Dir    string `mapstructure:"dir"`
	Upload bool   `mapstructure:"upload"`
}

type EventsConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	// Set config file path
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Enable environment variable override
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Bind environment variables explicitly for sensitive data
	v.BindEnv("database.driver", "DB_DRIVER")
	v.BindEnv("database.host", "DB_HOST")
	v.BindEnv("database.password", "DB_PASSWORD")
	v.BindEnv("storage.endpoint", "S3_ENDPOINT")
	v.BindEnv("storage.access_key", "S3_ACCESS_KEY")
	v.BindEnv("storage.secret_key", "S3_SECRET_KEY")
	v.BindEnv("itad.api_key", "ITAD_API_KEY")
	v.BindEnv("events.url", "RABBITMQ_URL")
	v.BindEnv("server.port", "PORT")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.ITAD.ResolveEnvVars()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/steam_data.db")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("storage.enabled", false)
	v.SetDefault("storage.bucket", "steamharvest")
	v.SetDefault("storage.prefix", "exports")

	v.SetDefault("scheduler.batch_size", 10)
	v.SetDefault("scheduler.max_parallel", 2)
	v.SetDefault("scheduler.error_threshold", 3)
	v.SetDefault("scheduler.base_delay", time.Second)
	v.SetDefault("scheduler.delay_increment", 2*time.Second)
	v.SetDefault("scheduler.max_delay", 10*time.Second)
	v.SetDefault("scheduler.batch_timeout", 120*time.Second)
	v.SetDefault("scheduler.default_kind", string(domain.JobKindCCU))

	v.SetDefault("ratelimit.requests_per_second", 1.0)
	v.SetDefault("ratelimit.max_concurrent", 4)

	v.SetDefault("steamcharts.base_url", "https://steamcharts.com")
	v.SetDefault("steamcharts.timeout", 30*time.Second)
	v.SetDefault("steamcharts.max_retries", 3)
	v.SetDefault("steamcharts.retry_delay", 2*time.Second)
	v.SetDefault("steamcharts.monthly_table", true)

	v.SetDefault("steamstore.base_url", "https://store.steampowered.com")
	v.SetDefault("steamstore.timeout", 30*time.Second)
	v.SetDefault("steamstore.max_retries", 3)
	v.SetDefault("steamstore.retry_delay", 2*time.Second)
	v.SetDefault("steamstore.requests_per_second", 50.0)
	v.SetDefault("steamstore.workers", 5)
	v.SetDefault("steamstore.currencies", []string{})

	v.SetDefault("itad.base_url", DefaultITADBaseURL)
	v.SetDefault("itad.api_key_env", "ITAD_API_KEY")
	v.SetDefault("itad.currencies", []string{"USD", "EUR", "GBP", "RUB"})
	v.SetDefault("itad.since", "2012-01-01T00:00:00Z")
	v.SetDefault("itad.max_retries", 3)
	v.SetDefault("itad.retry_after_default", 60*time.Second)
	v.SetDefault("itad.hybrid", false)
	v.SetDefault("itad.fanout_workers", 3)

	v.SetDefault("extension.compare_url", "https://steamdb.info/charts/?compare=")
	v.SetDefault("extension.delivery_timeout", 10*time.Second)
	v.SetDefault("extension.load_timeout", 90*time.Second)
	v.SetDefault("extension.heartbeat_ttl", 30*time.Second)

	v.SetDefault("export.dir", "./data/exports")
	v.SetDefault("export.upload", false)

	v.SetDefault("events.enabled", false)
	v.SetDefault("events.exchange", "steamharvest.events")

	v.SetDefault("metrics.enabled", true)
}

// Validate rejects settings the scheduler cannot run with.
// Every failure wraps domain.ErrInvalidConfig.
func (c *Config) Validate() error {
	s := c.Scheduler
	if s.BatchSize < 1 {
		return fmt.Errorf("scheduler.batch_size must be >= 1, got %d: %w", s.BatchSize, domain.ErrInvalidConfig)
	}
	if s.MaxParallel < 1 {
		return fmt.Errorf("scheduler.max_parallel must be >= 1, got %d: %w", s.MaxParallel, domain.ErrInvalidConfig)
	}
	if s.ErrorThreshold < 1 {
		return fmt.Errorf("scheduler.error_threshold must be >= 1, got %d: %w", s.ErrorThreshold, domain.ErrInvalidConfig)
	}
	if s.BaseDelay < 0 || s.DelayIncrement < 0 || s.MaxDelay < 0 {
		return fmt.Errorf("scheduler delays must not be negative: %w", domain.ErrInvalidConfig)
	}
	if s.BatchTimeout <= 0 {
		return fmt.Errorf("scheduler.batch_timeout must be positive: %w", domain.ErrInvalidConfig)
	}
	kind, ok := domain.ParseJobKind(s.DefaultKind)
	if !ok {
		return fmt.Errorf("scheduler.default_kind %q is unknown: %w", s.DefaultKind, domain.ErrInvalidConfig)
	}
	if c.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("ratelimit.requests_per_second must be positive: %w", domain.ErrInvalidConfig)
	}
	if c.RateLimit.MaxConcurrent < 0 {
		return fmt.Errorf("ratelimit.max_concurrent must not be negative: %w", domain.ErrInvalidConfig)
	}
	if err := c.SteamStore.Validate(); err != nil {
		return err
	}
	if err := c.ITAD.Validate(); err != nil {
		return err
	}
	if kind == domain.JobKindPrice && c.ITAD.APIKey == "" {
		return fmt.Errorf("itad.api_key is required for price jobs: %w", domain.ErrInvalidConfig)
	}
	return nil
}

// Validate checks the store currencies against the known table and normalises them.
func (c *SteamStoreConfig) Validate() error {
	for i, code := range c.Currencies {
		code = strings.ToUpper(strings.TrimSpace(code))
		if _, ok := itad.LookupCurrency(code); !ok {
			return fmt.Errorf("steamstore: unknown currency %q: %w", code, domain.ErrInvalidConfig)
		}
		c.Currencies[i] = code
	}
	if c.RequestsPerSecond <= 0 {
		return fmt.Errorf("steamstore.requests_per_second must be positive: %w", domain.ErrInvalidConfig)
	}
	if c.Workers < 1 {
		return fmt.Errorf("steamstore.workers must be >= 1: %w", domain.ErrInvalidConfig)
	}
	return nil
}
