package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"librarydesk/internal/store"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "librarydesk.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, "8082", cfg.Server.Port)
	assert.Equal(t, 14, cfg.Circulation.LoanPeriodDays)
}

func TestLoadMissingFileKeepsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: "9000"
  shutdown_timeout: 3s
database:
  driver: sqlite3
  url: /var/lib/librarydesk/desk.db
circulation:
  loan_period_days: 21
  max_active_loans: 3
logging:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, 3*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 21, cfg.Circulation.LoanPeriodDays)
	assert.Equal(t, 3, cfg.Circulation.MaxActiveLoans)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 256, cfg.Notify.QueueSize, "unset keys keep their defaults")

	sc := cfg.StoreConfig()
	assert.Equal(t, store.DriverSQLite, sc.Driver)
	assert.Equal(t, store.SQLiteDSN("/var/lib/librarydesk/desk.db"), sc.DSN)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "server:\n  port: \"9000\"\n")
	t.Setenv("PORT", "9100")
	t.Setenv("DATABASE_DRIVER", "pgx")
	t.Setenv("DATABASE_URL", "postgres://desk@db:5432/desk")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("NOTIFY_WEBHOOK_URL", "http://hooks.internal/notify")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")
	t.Setenv("LOAN_PERIOD_DAYS", "7")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "9100", cfg.Server.Port)
	assert.Equal(t, store.DriverPGX, cfg.Database.Driver)
	assert.Equal(t, "postgres://desk@db:5432/desk", cfg.StoreConfig().DSN)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "http://hooks.internal/notify", cfg.Notify.WebhookURL)
	assert.Equal(t, "collector:4318", cfg.Telemetry.Endpoint)
	assert.Equal(t, 7, cfg.Circulation.LoanPeriodDays)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "server: [port"))
	assert.ErrorContains(t, err, "failed to parse config")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"missing url", func(c *Config) { c.Database.URL = "" }, ErrMissingDatabaseURL},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, store.ErrUnsupportedDriver},
		{"bad port", func(c *Config) { c.Server.Port = "http" }, ErrInvalidPort},
		{"port out of range", func(c *Config) { c.Server.Port = "70000" }, ErrInvalidPort},
		{"zero loan period", func(c *Config) { c.Circulation.LoanPeriodDays = 0 }, ErrInvalidLoanPeriod},
		{"negative cap", func(c *Config) { c.Circulation.MaxActiveLoans = -1 }, ErrNegativeLimit},
		{"negative burst", func(c *Config) { c.RateLimit.Burst = -2 }, ErrNegativeLimit},
		{"log level", func(c *Config) { c.Logging.Level = "loud" }, ErrInvalidLogLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), tt.want)
		})
	}

	assert.NoError(t, Default().Validate())
}
