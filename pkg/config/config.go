package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/tollgate/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Storage       StorageConfig       `yaml:"storage"`
	Billing       BillingConfig       `yaml:"billing"`
	Dispatch      DispatchConfig      `yaml:"dispatch"`
	Settlement    SettlementConfig    `yaml:"settlement"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	Version         string        `yaml:"version"`
}

// DatabaseConfig selects and tunes the persistence backend.
// Backend "memory" keeps everything in process and is meant for local runs.
type DatabaseConfig struct {
	Backend     string        `yaml:"backend"`
	URL         string        `yaml:"url"`
	ReplicaURLs []string      `yaml:"replica_urls"`
	MaxConns    int           `yaml:"max_conns"`
	MinConns    int           `yaml:"min_conns"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxLifetime time.Duration `yaml:"max_lifetime"`
	MaxIdleTime time.Duration `yaml:"max_idle_time"`
	Migrate     bool          `yaml:"migrate"`
}

// RedisConfig holds the lease store connection. An empty URL uses the
// in-process locker, which only protects a single process.
type RedisConfig struct {
	URL        string `yaml:"url"`
	Password   string `yaml:"password"`
	DB         int    `yaml:"db"`
	MaxRetries int    `yaml:"max_retries"`
	PoolSize   int    `yaml:"pool_size"`
	KeyPrefix  string `yaml:"key_prefix"`
}

// StorageConfig holds where rendered invoice and statement documents go
type StorageConfig struct {
	Type           string `yaml:"type"`
	FilesystemRoot string `yaml:"filesystem_root"`
	S3Endpoint     string `yaml:"s3_endpoint"`
	S3Region       string `yaml:"s3_region"`
	S3Bucket       string `yaml:"s3_bucket"`
	S3Prefix       string `yaml:"s3_prefix"`
	S3AccessKey    string `yaml:"s3_access_key"`
	S3SecretKey    string `yaml:"s3_secret_key"`
	S3UsePathStyle bool   `yaml:"s3_use_path_style"`
}

// BillingConfig tunes invoice generation
type BillingConfig struct {
	Timezone         string        `yaml:"timezone"`
	VATRate          string        `yaml:"vat_rate"`
	DueDays          int           `yaml:"due_days"`
	ClampShortMonths bool          `yaml:"clamp_short_months"`
	LeaseTTL         time.Duration `yaml:"lease_ttl"`
	Schedule         string        `yaml:"schedule"`
	CompanyName      string        `yaml:"company_name"`
	Currency         string        `yaml:"currency"`
}

// DispatchConfig tunes email delivery of generated documents
type DispatchConfig struct {
	RelayURL          string        `yaml:"relay_url"`
	RelaySecret       string        `yaml:"relay_secret"`
	From              string        `yaml:"from"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxAttempts       int           `yaml:"max_attempts"`
	BatchSize         int           `yaml:"batch_size"`
	Concurrency       int           `yaml:"concurrency"`
	RetryInitialDelay time.Duration `yaml:"retry_initial_delay"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay"`
	Schedule          string        `yaml:"schedule"`
}

// SettlementConfig tunes the payment settlement worker
type SettlementConfig struct {
	GatewayURL          string        `yaml:"gateway_url"`
	GatewayAPIKey       string        `yaml:"gateway_api_key"`
	GatewayTimeout      time.Duration `yaml:"gateway_timeout"`
	BatchSize           int           `yaml:"batch_size"`
	MaxAttempts         int           `yaml:"max_attempts"`
	StaleAfter          time.Duration `yaml:"stale_after"`
	LeaseTTL            time.Duration `yaml:"lease_ttl"`
	ContentionThreshold int           `yaml:"contention_threshold"`
	RetryInitialDelay   time.Duration `yaml:"retry_initial_delay"`
	RetryMaxDelay       time.Duration `yaml:"retry_max_delay"`
	Schedule            string        `yaml:"schedule"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel           string `yaml:"log_level"`
	MetricsEnabled     bool   `yaml:"metrics_enabled"`
	OTelEnabled        bool   `yaml:"otel_enabled"`
	OTelEndpoint       string `yaml:"otel_endpoint"`
	OTelServiceName    string `yaml:"otel_service_name"`
	OTelServiceVersion string `yaml:"otel_service_version"`
	OTelInsecure       bool   `yaml:"otel_insecure"`
}

// Default returns the configuration used when neither file nor env override a value
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			Version:         "dev",
		},
		Database: DatabaseConfig{
			Backend:     "postgres",
			MaxConns:    20,
			MinConns:    2,
			Timeout:     10 * time.Second,
			MaxLifetime: 30 * time.Minute,
			MaxIdleTime: 5 * time.Minute,
			Migrate:     true,
		},
		Redis: RedisConfig{
			MaxRetries: 3,
			PoolSize:   10,
			KeyPrefix:  "tollgate:",
		},
		Storage: StorageConfig{
			Type:           "filesystem",
			FilesystemRoot: "./data/documents",
			S3Region:       "us-east-1",
		},
		Billing: BillingConfig{
			Timezone:    "UTC",
			VATRate:     "0.12",
			DueDays:     15,
			LeaseTTL:    30 * time.Minute,
			CompanyName: "Tollgate Broadband",
			Currency:    "PHP",
		},
		Dispatch: DispatchConfig{
			From:              "billing@localhost",
			Timeout:           10 * time.Second,
			MaxAttempts:       3,
			BatchSize:         50,
			Concurrency:       4,
			RetryInitialDelay: 5 * time.Minute,
			RetryMaxDelay:     2 * time.Hour,
			Schedule:          "@every 1m",
		},
		Settlement: SettlementConfig{
			GatewayTimeout:      10 * time.Second,
			BatchSize:           50,
			MaxAttempts:         3,
			StaleAfter:          10 * time.Minute,
			LeaseTTL:            5 * time.Minute,
			ContentionThreshold: 5,
			RetryInitialDelay:   2 * time.Minute,
			RetryMaxDelay:       time.Hour,
		},
		Observability: ObservabilityConfig{
			LogLevel:           "info",
			MetricsEnabled:     true,
			OTelEndpoint:       "localhost:4317",
			OTelServiceName:    "tollgate",
			OTelServiceVersion: "dev",
			OTelInsecure:       true,
		},
	}
}

// LoadConfig builds the configuration from defaults, then the YAML file
// named by TOLLGATE_CONFIG_FILE when set, then TOLLGATE_* environment variables.
func LoadConfig() (*Config, error) {
	cfg := Default()

	if path := getEnv("TOLLGATE_CONFIG_FILE", ""); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	s := &c.Server
	s.Host = getEnv("TOLLGATE_HOST", s.Host)
	s.Port = getEnv("TOLLGATE_PORT", s.Port)
	s.ReadTimeout = getEnvDuration("TOLLGATE_READ_TIMEOUT", s.ReadTimeout)
	s.WriteTimeout = getEnvDuration("TOLLGATE_WRITE_TIMEOUT", s.WriteTimeout)
	s.IdleTimeout = getEnvDuration("TOLLGATE_IDLE_TIMEOUT", s.IdleTimeout)
	s.ShutdownTimeout = getEnvDuration("TOLLGATE_SHUTDOWN_TIMEOUT", s.ShutdownTimeout)
	s.Version = getEnv("TOLLGATE_VERSION", s.Version)

	d := &c.Database
	d.Backend = getEnv("TOLLGATE_DB_BACKEND", d.Backend)
	d.URL = getEnv("TOLLGATE_POSTGRES_URL", d.URL)
	if replicas := getEnv("TOLLGATE_POSTGRES_REPLICA_URLS", ""); replicas != "" {
		d.ReplicaURLs = splitList(replicas)
	}
	d.MaxConns = getEnvInt("TOLLGATE_POSTGRES_MAX_CONNS", d.MaxConns)
	d.MinConns = getEnvInt("TOLLGATE_POSTGRES_MIN_CONNS", d.MinConns)
	d.Timeout = getEnvDuration("TOLLGATE_POSTGRES_TIMEOUT", d.Timeout)
	d.Migrate = getEnvBool("TOLLGATE_POSTGRES_MIGRATE", d.Migrate)

	r := &c.Redis
	r.URL = getEnv("TOLLGATE_REDIS_URL", r.URL)
	r.Password = getEnv("TOLLGATE_REDIS_PASSWORD", r.Password)
	r.DB = getEnvInt("TOLLGATE_REDIS_DB", r.DB)
	r.MaxRetries = getEnvInt("TOLLGATE_REDIS_MAX_RETRIES", r.MaxRetries)
	r.PoolSize = getEnvInt("TOLLGATE_REDIS_POOL_SIZE", r.PoolSize)
	r.KeyPrefix = getEnv("TOLLGATE_REDIS_KEY_PREFIX", r.KeyPrefix)

	st := &c.Storage
	st.Type = getEnv("TOLLGATE_STORAGE_TYPE", st.Type)
	st.FilesystemRoot = getEnv("TOLLGATE_FILESYSTEM_ROOT", st.FilesystemRoot)
	st.S3Endpoint = getEnv("TOLLGATE_S3_ENDPOINT", st.S3Endpoint)
	st.S3Region = getEnv("TOLLGATE_S3_REGION", st.S3Region)
	st.S3Bucket = getEnv("TOLLGATE_S3_BUCKET", st.S3Bucket)
	st.S3Prefix = getEnv("TOLLGATE_S3_PREFIX", st.S3Prefix)
	st.S3AccessKey = getEnv("TOLLGATE_S3_ACCESS_KEY", st.S3AccessKey)
	st.S3SecretKey = getEnv("TOLLGATE_S3_SECRET_KEY", st.S3SecretKey)
	st.S3UsePathStyle = getEnvBool("TOLLGATE_S3_USE_PATH_STYLE", st.S3UsePathStyle)

	b := &c.Billing
	b.Timezone = getEnv("TOLLGATE_BILLING_TIMEZONE", b.Timezone)
	b.VATRate = getEnv("TOLLGATE_BILLING_VAT_RATE", b.VATRate)
	b.DueDays = getEnvInt("TOLLGATE_BILLING_DUE_DAYS", b.DueDays)
	b.ClampShortMonths = getEnvBool("TOLLGATE_BILLING_CLAMP_SHORT_MONTHS", b.ClampShortMonths)
	b.LeaseTTL = getEnvDuration("TOLLGATE_BILLING_LEASE_TTL", b.LeaseTTL)
	b.Schedule = getEnv("TOLLGATE_BILLING_SCHEDULE", b.Schedule)
	b.CompanyName = getEnv("TOLLGATE_BILLING_COMPANY_NAME", b.CompanyName)
	b.Currency = getEnv("TOLLGATE_BILLING_CURRENCY", b.Currency)

	dp := &c.Dispatch
	dp.RelayURL = getEnv("TOLLGATE_DISPATCH_RELAY_URL", dp.RelayURL)
	dp.RelaySecret = getEnv("TOLLGATE_DISPATCH_RELAY_SECRET", dp.RelaySecret)
	dp.From = getEnv("TOLLGATE_DISPATCH_FROM", dp.From)
	dp.Timeout = getEnvDuration("TOLLGATE_DISPATCH_TIMEOUT", dp.Timeout)
	dp.MaxAttempts = getEnvInt("TOLLGATE_DISPATCH_MAX_ATTEMPTS", dp.MaxAttempts)
	dp.BatchSize = getEnvInt("TOLLGATE_DISPATCH_BATCH_SIZE", dp.BatchSize)
	dp.Concurrency = getEnvInt("TOLLGATE_DISPATCH_CONCURRENCY", dp.Concurrency)
	dp.RetryInitialDelay = getEnvDuration("TOLLGATE_DISPATCH_RETRY_INITIAL_DELAY", dp.RetryInitialDelay)
	dp.RetryMaxDelay = getEnvDuration("TOLLGATE_DISPATCH_RETRY_MAX_DELAY", dp.RetryMaxDelay)
	dp.Schedule = getEnv("TOLLGATE_DISPATCH_SCHEDULE", dp.Schedule)

	se := &c.Settlement
	se.GatewayURL = getEnv("TOLLGATE_GATEWAY_URL", se.GatewayURL)
	se.GatewayAPIKey = getEnv("TOLLGATE_GATEWAY_API_KEY", se.GatewayAPIKey)
	se.GatewayTimeout = getEnvDuration("TOLLGATE_GATEWAY_TIMEOUT", se.GatewayTimeout)
	se.BatchSize = getEnvInt("TOLLGATE_SETTLEMENT_BATCH_SIZE", se.BatchSize)
	se.MaxAttempts = getEnvInt("TOLLGATE_SETTLEMENT_MAX_ATTEMPTS", se.MaxAttempts)
	se.StaleAfter = getEnvDuration("TOLLGATE_SETTLEMENT_STALE_AFTER", se.StaleAfter)
	se.LeaseTTL = getEnvDuration("TOLLGATE_SETTLEMENT_LEASE_TTL", se.LeaseTTL)
	se.ContentionThreshold = getEnvInt("TOLLGATE_SETTLEMENT_CONTENTION_THRESHOLD", se.ContentionThreshold)
	se.RetryInitialDelay = getEnvDuration("TOLLGATE_SETTLEMENT_RETRY_INITIAL_DELAY", se.RetryInitialDelay)
	se.RetryMaxDelay = getEnvDuration("TOLLGATE_SETTLEMENT_RETRY_MAX_DELAY", se.RetryMaxDelay)
	se.Schedule = getEnv("TOLLGATE_SETTLEMENT_SCHEDULE", se.Schedule)

	o := &c.Observability
	o.LogLevel = getEnv("TOLLGATE_LOG_LEVEL", o.LogLevel)
	o.MetricsEnabled = getEnvBool("TOLLGATE_METRICS_ENABLED", o.MetricsEnabled)
	o.OTelEnabled = getEnvBool("TOLLGATE_OTEL_ENABLED", o.OTelEnabled)
	o.OTelEndpoint = getEnv("TOLLGATE_OTEL_ENDPOINT", o.OTelEndpoint)
	o.OTelServiceName = getEnv("TOLLGATE_OTEL_SERVICE_NAME", o.OTelServiceName)
	o.OTelServiceVersion = getEnv("TOLLGATE_OTEL_SERVICE_VERSION", o.OTelServiceVersion)
	o.OTelInsecure = getEnvBool("TOLLGATE_OTEL_INSECURE", o.OTelInsecure)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port == "" {
		errs = append(errs, errors.New("server port is required"))
	}

	switch c.Database.Backend {
	case "postgres":
		if c.Database.URL == "" {
			errs = append(errs, errors.New("postgres URL is required for postgres backend"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("invalid database backend: %s (must be postgres or memory)", c.Database.Backend))
	}

	switch c.Storage.Type {
	case "filesystem":
		if c.Storage.FilesystemRoot == "" {
			errs = append(errs, errors.New("filesystem root is required for filesystem storage"))
		}
	case "s3":
		if c.Storage.S3Bucket == "" {
			errs = append(errs, errors.New("S3 bucket is required for s3 storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid storage type: %s (must be filesystem or s3)", c.Storage.Type))
	}

	if _, err := time.LoadLocation(c.Billing.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("invalid billing timezone %q: %w", c.Billing.Timezone, err))
	}
	if rate, err := decimal.NewFromString(c.Billing.VATRate); err != nil {
		errs = append(errs, fmt.Errorf("invalid VAT rate %q: %w", c.Billing.VATRate, err))
	} else if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		errs = append(errs, fmt.Errorf("VAT rate must be in [0, 1), got %s", c.Billing.VATRate))
	}
	if c.Billing.DueDays < 0 {
		errs = append(errs, errors.New("billing due days must not be negative"))
	}

	if c.Dispatch.MaxAttempts < 1 {
		errs = append(errs, errors.New("dispatch max attempts must be at least 1"))
	}
	if c.Settlement.MaxAttempts < 1 {
		errs = append(errs, errors.New("settlement max attempts must be at least 1"))
	}
	if c.Settlement.BatchSize < 1 {
		errs = append(errs, errors.New("settlement batch size must be at least 1"))
	}
	if c.Settlement.GatewayTimeout <= 0 {
		errs = append(errs, errors.New("gateway timeout must be positive"))
	}
	if c.Settlement.LeaseTTL <= 0 {
		errs = append(errs, errors.New("settlement lease TTL must be positive"))
	}

	for name, spec := range map[string]string{
		"billing":    c.Billing.Schedule,
		"dispatch":   c.Dispatch.Schedule,
		"settlement": c.Settlement.Schedule,
	} {
		if spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			errs = append(errs, fmt.Errorf("invalid %s schedule %q: %w", name, spec, err))
		}
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			errs = append(errs, errors.New("OpenTelemetry endpoint is required when OTel is enabled"))
		}
		if c.Observability.OTelServiceName == "" {
			errs = append(errs, errors.New("OpenTelemetry service name is required when OTel is enabled"))
		}
	}

	return errors.Join(errs...)
}

// Location returns the billing calendar location. Validate guarantees it loads.
func (c BillingConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Rate returns the VAT rate as a decimal. Validate guarantees it parses.
func (c BillingConfig) Rate() decimal.Decimal {
	rate, err := decimal.NewFromString(c.VATRate)
	if err != nil {
		return decimal.Zero
	}
	return rate
}

// Level returns the parsed log level
func (c ObservabilityConfig) Level() observability.LogLevel {
	return observability.ParseLogLevel(strings.ToLower(c.LogLevel))
}

// OTel returns the tracing configuration for observability.InitOTel
func (c ObservabilityConfig) OTel() observability.OTelConfig {
	return observability.OTelConfig{
		Enabled:        c.OTelEnabled,
		Endpoint:       c.OTelEndpoint,
		ServiceName:    c.OTelServiceName,
		ServiceVersion: c.OTelServiceVersion,
		Insecure:       c.OTelInsecure,
	}
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
