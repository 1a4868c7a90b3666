package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/guregu/null/v5"
	"github.com/joho/godotenv"

	"turnos/internal/models"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Port        string `env:"PORT" envDefault:"8080"`
	DatabaseURL string `env:"DB_DSN"`
	StoreDriver string `env:"STORE_DRIVER" envDefault:"postgres"`

	BusinessTimezone      string `env:"BUSINESS_TIMEZONE" envDefault:"UTC"`
	DefaultServiceMinutes int    `env:"DEFAULT_SERVICE_MINUTES" envDefault:"10"`
	MaxInService          int    `env:"MAX_IN_SERVICE" envDefault:"1"`
	RefreshDebounceMS     int    `env:"REFRESH_DEBOUNCE_MS" envDefault:"350"`
	ElapsedTickSeconds    int    `env:"ELAPSED_TICK_SECONDS" envDefault:"30"`

	// Operating defaults for businesses without a config row.
	DefaultOpenTime      string   `env:"DEFAULT_OPEN_TIME" envDefault:"08:00"`
	DefaultCloseTime     string   `env:"DEFAULT_CLOSE_TIME" envDefault:"23:00"`
	DefaultDailyLimit    int      `env:"DEFAULT_DAILY_LIMIT" envDefault:"50"`
	DefaultOperatingDays []string `env:"DEFAULT_OPERATING_DAYS" envSeparator:"," envDefault:"1,2,3,4,5,6"`

	RateLimitPerMinute         int `env:"RATE_LIMIT_PER_MIN" envDefault:"120"`
	RateLimitBurst             int `env:"RATE_LIMIT_BURST" envDefault:"30"`
	BusinessRateLimitPerMinute int `env:"BUSINESS_RATE_LIMIT_PER_MIN" envDefault:"30"`
	BusinessRateLimitBurst     int `env:"BUSINESS_RATE_LIMIT_BURST" envDefault:"10"`

	SessionTTL time.Duration `env:"SESSION_TTL" envDefault:"8h"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	OTELEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTELInsecure bool   `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"true"`

	// Seed for the memory driver; ignored by postgres.
	SeedBusinessID    string `env:"SEED_BUSINESS_ID"`
	SeedBusinessToken string `env:"SEED_BUSINESS_TOKEN"`
	SeedStaffEmail    string `env:"SEED_STAFF_EMAIL"`
	SeedStaffPassword string `env:"SEED_STAFF_PASSWORD"`
}

// Load reads an optional .env file, then the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.StoreDriver {
	case DriverPostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return errors.New("DB_DSN is required for the postgres store")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := c.BusinessDefaults(); err != nil {
		return err
	}
	return nil
}

func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.BusinessTimezone)
	if err != nil {
		return nil, fmt.Errorf("BUSINESS_TIMEZONE: %w", err)
	}
	return loc, nil
}

// BusinessDefaults overlays the DEFAULT_* keys on the built-in defaults.
func (c Config) BusinessDefaults() (models.BusinessConfig, error) {
	patch := models.BusinessConfigPatch{
		DailyLimit:    null.IntFrom(int64(c.DefaultDailyLimit)),
		OperatingDays: c.DefaultOperatingDays,
	}
	if c.DefaultOpenTime != "" {
		patch.OpenTime = null.StringFrom(c.DefaultOpenTime)
	}
	if c.DefaultCloseTime != "" {
		patch.CloseTime = null.StringFrom(c.DefaultCloseTime)
	}
	cfg, err := models.MergeDefaults(patch, models.DefaultBusinessConfig())
	if err != nil {
		return models.BusinessConfig{}, fmt.Errorf("business defaults: %w", err)
	}
	return cfg, nil
}

func (c Config) RefreshDebounce() time.Duration {
	return time.Duration(c.RefreshDebounceMS) * time.Millisecond
}

func (c Config) ElapsedTick() time.Duration {
	return time.Duration(c.ElapsedTickSeconds) * time.Second
}
