package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tollgate/pkg/observability"
)

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("TOLLGATE_TEST_STR", "custom")
	t.Setenv("TOLLGATE_TEST_BOOL", "1")
	t.Setenv("TOLLGATE_TEST_INT", "42")
	t.Setenv("TOLLGATE_TEST_BAD_INT", "forty-two")
	t.Setenv("TOLLGATE_TEST_DUR", "90s")

	assert.Equal(t, "custom", getEnv("TOLLGATE_TEST_STR", "default"))
	assert.Equal(t, "default", getEnv("TOLLGATE_TEST_UNSET", "default"))
	assert.True(t, getEnvBool("TOLLGATE_TEST_BOOL", false))
	assert.True(t, getEnvBool("TOLLGATE_TEST_UNSET", true))
	assert.Equal(t, 42, getEnvInt("TOLLGATE_TEST_INT", 0))
	assert.Equal(t, 7, getEnvInt("TOLLGATE_TEST_BAD_INT", 7))
	assert.Equal(t, 90*time.Second, getEnvDuration("TOLLGATE_TEST_DUR", 0))
}

func TestLoadConfig_EnvOverridesDefaults(t *testing.T) {
	t.Setenv("TOLLGATE_POSTGRES_URL", "postgres://localhost/tollgate")
	t.Setenv("TOLLGATE_POSTGRES_REPLICA_URLS", "postgres://r1/tollgate, postgres://r2/tollgate")
	t.Setenv("TOLLGATE_BILLING_VAT_RATE", "0.10")
	t.Setenv("TOLLGATE_SETTLEMENT_STALE_AFTER", "15m")
	t.Setenv("TOLLGATE_LOG_LEVEL", "DEBUG")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost/tollgate", cfg.Database.URL)
	assert.Equal(t, []string{"postgres://r1/tollgate", "postgres://r2/tollgate"}, cfg.Database.ReplicaURLs)
	assert.True(t, decimal.RequireFromString("0.10").Equal(cfg.Billing.Rate()))
	assert.Equal(t, 15*time.Minute, cfg.Settlement.StaleAfter)
	assert.Equal(t, 3, cfg.Settlement.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.Settlement.GatewayTimeout)
	assert.Equal(t, observability.DebugLevel, cfg.Observability.Level())
	assert.Equal(t, time.UTC, cfg.Billing.Location())
}

func TestLoadConfig_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tollgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  backend: memory
billing:
  timezone: Asia/Manila
  vat_rate: "0.12"
  due_days: 20
  clamp_short_months: true
settlement:
  stale_after: 20m
  schedule: "*/2 * * * *"
dispatch:
  schedule: "@every 30s"
`), 0o600))

	t.Setenv("TOLLGATE_CONFIG_FILE", path)
	t.Setenv("TOLLGATE_BILLING_DUE_DAYS", "25")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Database.Backend)
	assert.Equal(t, "Asia/Manila", cfg.Billing.Location().String())
	assert.True(t, cfg.Billing.ClampShortMonths)
	assert.Equal(t, 25, cfg.Billing.DueDays, "env wins over file")
	assert.Equal(t, 20*time.Minute, cfg.Settlement.StaleAfter)
	assert.Equal(t, "*/2 * * * *", cfg.Settlement.Schedule)
	assert.Equal(t, "@every 30s", cfg.Dispatch.Schedule)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	t.Setenv("TOLLGATE_CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))
	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Database.URL = "postgres://localhost/tollgate"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults with url", mutate: func(*Config) {}},
		{name: "memory backend needs no url", mutate: func(c *Config) { c.Database.Backend = "memory"; c.Database.URL = "" }},
		{name: "postgres without url", mutate: func(c *Config) { c.Database.URL = "" }, wantErr: true},
		{name: "unknown backend", mutate: func(c *Config) { c.Database.Backend = "sqlite" }, wantErr: true},
		{name: "s3 without bucket", mutate: func(c *Config) { c.Storage.Type = "s3" }, wantErr: true},
		{name: "bad timezone", mutate: func(c *Config) { c.Billing.Timezone = "Mars/Olympus" }, wantErr: true},
		{name: "bad VAT", mutate: func(c *Config) { c.Billing.VATRate = "twelve" }, wantErr: true},
		{name: "VAT out of range", mutate: func(c *Config) { c.Billing.VATRate = "1.5" }, wantErr: true},
		{name: "zero max attempts", mutate: func(c *Config) { c.Settlement.MaxAttempts = 0 }, wantErr: true},
		{name: "bad cron", mutate: func(c *Config) { c.Dispatch.Schedule = "every minute" }, wantErr: true},
		{name: "otel without endpoint", mutate: func(c *Config) {
			c.Observability.OTelEnabled = true
			c.Observability.OTelEndpoint = ""
		}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestObservabilityConfig_OTel(t *testing.T) {
	cfg := Default().Observability
	otel := cfg.OTel()
	assert.False(t, otel.Enabled)
	assert.Equal(t, "tollgate", otel.ServiceName)
	assert.Equal(t, "localhost:4317", otel.Endpoint)
}
