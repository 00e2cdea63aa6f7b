// Package config loads the engine configuration following 12-Factor
// principles: values come from the OS environment (optionally seeded by a
// .env file), are populated via envconfig struct tags, and are validated
// fail-fast at startup. The meter/plan catalog is a separate JSON document;
// its raw syntax beyond that shape is the host application's concern.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"metergate/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used throughout configuration.
type SecretString = types.SecretString

// Config is the top-level configuration struct. It is populated once during
// process initialization and never modified.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Server  ServerConfig
	Store   StoreConfig
	Billing BillingConfig
	Catalog CatalogConfig
}

// ServerConfig holds HTTP server and public URL configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
	// DashboardURL is the public base of the host dashboard (no trailing
	// slash); the gate derives upgrade URLs from it.
	DashboardURL string `envconfig:"DASHBOARD_URL" validate:"omitempty,url"`
}

// StoreConfig selects and configures the usage store driver.
type StoreConfig struct {
	Driver string       `envconfig:"STORE_DRIVER" default:"postgres" validate:"required,oneof=postgres sqlite"`
	DSN    SecretString `envconfig:"STORE_DSN" validate:"required"`
	// AutoMigrate runs the idempotent schema bootstrap at startup.
	AutoMigrate bool `envconfig:"STORE_AUTO_MIGRATE" default:"true"`
}

// BillingConfig holds payment processor credentials and behavior switches.
type BillingConfig struct {
	StripeSecretKey     SecretString `envconfig:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret SecretString `envconfig:"STRIPE_WEBHOOK_SECRET"`
	Currency            string       `envconfig:"BILLING_CURRENCY" default:"usd" validate:"len=3"`
	// ForwardMeterEvents enables best-effort usage forwarding to the
	// processor for meters that declare a remote meter name.
	ForwardMeterEvents bool `envconfig:"FORWARD_METER_EVENTS" default:"false"`
}

// CatalogConfig locates the meter/plan catalog document.
type CatalogConfig struct {
	Path string `envconfig:"CATALOG_PATH" default:"billing.json"`
}

// UpgradeURL returns the dashboard upgrade page, or "" when no dashboard URL
// is configured.
func (s ServerConfig) UpgradeURL() string {
	if s.DashboardURL == "" {
		return ""
	}
	return s.DashboardURL + "/settings/billing"
}

// Load reads, populates, and validates the configuration.
//
// Steps:
//  1. Enforce UTC to keep period bucketing deterministic.
//  2. Load a .env file if present (non-fatal if missing, never overrides
//     existing environment variables).
//  3. Process envconfig tags.
//  4. Validate the struct with go-playground/validator.
func Load() (*Config, error) {
	time.Local = time.UTC

	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("processing environment config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}
