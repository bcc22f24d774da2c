// Package config loads server settings from .env and the environment.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	CatalogSourceFile = "file"
	CatalogSourceS3   = "s3"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	DBSchema    string `mapstructure:"DB_SCHEMA"`

	ClinicName    string `mapstructure:"CLINIC_NAME"`
	ClinicAddress string `mapstructure:"CLINIC_ADDRESS"`

	CatalogSource   string `mapstructure:"CATALOG_SOURCE"`
	CatalogDir      string `mapstructure:"CATALOG_DIR"`
	CatalogBucket   string `mapstructure:"CATALOG_BUCKET"`
	CatalogPrefix   string `mapstructure:"CATALOG_PREFIX"`
	VaccinesFile    string `mapstructure:"VACCINES_FILE"`
	VitaminsFile    string `mapstructure:"VITAMINS_FILE"`
	DuplicatePolicy string `mapstructure:"DUPLICATE_POLICY"`

	AMQPURL     string `mapstructure:"AMQP_URL"`
	EventsQueue string `mapstructure:"EVENTS_QUEUE"`

	ReportBucket string `mapstructure:"REPORT_BUCKET"`
	S3Endpoint   string `mapstructure:"S3_ENDPOINT"`
	AWSRegion    string `mapstructure:"AWS_REGION"`

	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`

	BodyLimit      string `mapstructure:"BODY_LIMIT"`
	RequestTimeout string `mapstructure:"REQUEST_TIMEOUT"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_SCHEMA",
	"CLINIC_NAME", "CLINIC_ADDRESS",
	"CATALOG_SOURCE", "CATALOG_DIR", "CATALOG_BUCKET", "CATALOG_PREFIX",
	"VACCINES_FILE", "VITAMINS_FILE", "DUPLICATE_POLICY",
	"AMQP_URL", "EVENTS_QUEUE",
	"REPORT_BUCKET", "S3_ENDPOINT", "AWS_REGION",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE", "CORS_ORIGINS",
	"BODY_LIMIT", "REQUEST_TIMEOUT",
}

// Load reads .env when present, then the environment. It does not
// validate; call Validate before serving.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("CLINIC_NAME", "Immunization Clinic")
	v.SetDefault("CATALOG_SOURCE", CatalogSourceFile)
	v.SetDefault("CATALOG_DIR", "data")
	v.SetDefault("CATALOG_PREFIX", "catalog/")
	v.SetDefault("VACCINES_FILE", "vaccines.csv")
	v.SetDefault("VITAMINS_FILE", "vitamins.csv")
	v.SetDefault("DUPLICATE_POLICY", "reject")
	v.SetDefault("EVENTS_QUEUE", "clinic.events")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("REQUEST_TIMEOUT", "30s")

	// Unmarshal only sees env vars that were bound.
	for _, k := range keys {
		v.BindEnv(k)
	}

	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// The env value arrives either split or as one comma-separated string.
	cfg.CORSOrigins = splitList(strings.Join(cfg.CORSOrigins, ","))

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Persistent reports whether patients and visits go to PostgreSQL.
func (c *Config) Persistent() bool {
	return c.DatabaseURL != ""
}

// Validate checks the settings that would otherwise fail late, at the first
// request or the first catalog save.
func (c *Config) Validate() error {
	switch c.DuplicatePolicy {
	case "", "reject", "upsert":
	default:
		return fmt.Errorf("DUPLICATE_POLICY must be \"reject\" or \"upsert\", got %q", c.DuplicatePolicy)
	}

	switch c.CatalogSource {
	case CatalogSourceFile, "":
		if c.CatalogDir == "" {
			return fmt.Errorf("CATALOG_DIR is required when CATALOG_SOURCE is %q", CatalogSourceFile)
		}
	case CatalogSourceS3:
		if c.CatalogBucket == "" {
			return fmt.Errorf("CATALOG_BUCKET is required when CATALOG_SOURCE is %q", CatalogSourceS3)
		}
	default:
		return fmt.Errorf("CATALOG_SOURCE must be %q or %q, got %q", CatalogSourceFile, CatalogSourceS3, c.CatalogSource)
	}

	if c.AMQPURL != "" && c.EventsQueue == "" {
		return fmt.Errorf("EVENTS_QUEUE is required when AMQP_URL is set")
	}

	if c.DBMaxConns < 0 || c.DBMinConns < 0 || (c.DBMaxConns > 0 && c.DBMinConns > c.DBMaxConns) {
		return fmt.Errorf("DB_MIN_CONNS (%d) must be between 0 and DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}

	// Outside development every request needs a verifiable token.
	if !c.IsDev() && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY of at least 32 bytes is required when ENV=%q", c.Env)
	}
	return nil
}
