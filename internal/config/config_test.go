package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"posttrade/internal/model"
	"posttrade/internal/provider"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// Test_Load_Defaults tests that an empty path yields the tag defaults.
func Test_Load_Defaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", c.LogLevel)
	assert.Equal(t, 64, c.Schema.TotalColumns)
	assert.Equal(t, "0.000001", c.Aggregate.Tolerance)
	assert.Equal(t, "100", c.Aggregate.JumpFactor)
	assert.Equal(t, ProviderFake, c.Provider.Type)
	assert.Equal(t, 2000, c.Provider.Rows)
	assert.Equal(t, ",", c.Provider.Comma)
	assert.Equal(t, ":8080", c.Server.Addr)
	assert.Equal(t, 15*time.Second, c.Server.ReadTimeout)
	assert.Equal(t, 10*time.Second, c.Server.ShutdownTimeout)
	assert.Equal(t, "presets", c.Report.PresetsDir)
	assert.Equal(t, Default(), c)
}

// Test_Load_File tests that file values override defaults.
func Test_Load_File(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
schema:
  total_columns: 30
aggregate:
  tolerance: "0.01"
  column_tolerance:
    PremiaCum: "0.5"
  disable_identities: true
  jump_factor: "0"
provider:
  type: csv
  csv_path: /data/trades.csv
  comma: ";"
server:
  addr: "127.0.0.1:9000"
  shutdown_timeout: 3s
`)

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", c.LogLevel)
	assert.Equal(t, zerolog.DebugLevel, c.Level())
	assert.Equal(t, 30, c.SchemaConfig().TotalColumns)
	assert.Equal(t, 3*time.Second, c.Server.ShutdownTimeout)
	assert.Equal(t, 2000, c.Provider.Rows, "Unset fields keep their defaults")

	agg, err := c.AggregateConfig()
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("0.01").Equal(agg.Tolerance))
	assert.True(t, decimal.RequireFromString("0.5").Equal(agg.ColumnTolerance[model.PremiaCum]))
	assert.Nil(t, agg.Identities)
	assert.True(t, agg.JumpFactor.IsZero(), "Zero disables jump detection")

	p, err := c.NewProvider()
	require.NoError(t, err)
	assert.IsType(t, &provider.CSVProvider{}, p)
}

// Test_Load_Invalid tests that invalid configurations are rejected.
func Test_Load_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "Unknown log level", content: "log_level: loud"},
		{name: "Unknown provider", content: "provider:\n  type: s3"},
		{name: "CSV without path", content: "provider:\n  type: csv"},
		{name: "Too few columns", content: "schema:\n  total_columns: 12"},
		{name: "Negative tolerance", content: "aggregate:\n  tolerance: \"-1\""},
		{name: "Tolerance not a decimal", content: "aggregate:\n  tolerance: abc"},
		{name: "Negative jump factor", content: "aggregate:\n  jump_factor: \"-5\""},
		{name: "Unknown tolerance column", content: "aggregate:\n  column_tolerance:\n    Nope: \"1\""},
		{name: "Separator too long", content: "provider:\n  comma: \";;\""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := Load(writeConfig(t, tt.content))
			assert.Nil(t, c)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

// Test_Load_Errors tests unreadable and malformed files.
func Test_Load_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")

	_, err = Load(writeConfig(t, "log_level: [unclosed"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

// Test_LoadWithEnv tests environment overrides.
func Test_LoadWithEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("POSTTRADE_LOG_LEVEL", "warn")
	t.Setenv("POSTTRADE_ROWS", "250")
	t.Setenv("POSTTRADE_ADDR", ":9999")
	t.Setenv("POSTTRADE_TOLERANCE", "0.001")

	c, err := LoadWithEnv("")
	require.NoError(t, err)
	assert.Equal(t, zerolog.WarnLevel, c.Level())
	assert.Equal(t, 250, c.Provider.Rows)
	assert.Equal(t, ":9999", c.Server.Addr)
	assert.Equal(t, "0.001", c.Aggregate.Tolerance)

	t.Setenv("POSTTRADE_ROWS", "many")
	_, err = LoadWithEnv("")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

// Test_LoadWithEnv_DotEnv tests that a .env file in the working directory is read.
func Test_LoadWithEnv_DotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("POSTTRADE_PROVIDER=csv\nPOSTTRADE_CSV_PATH=trades.csv\n"), 0o644))
	t.Cleanup(func() {
		os.Unsetenv("POSTTRADE_PROVIDER")
		os.Unsetenv("POSTTRADE_CSV_PATH")
	})

	c, err := LoadWithEnv("")
	require.NoError(t, err)
	assert.Equal(t, ProviderCSV, c.Provider.Type)
	assert.Equal(t, "trades.csv", c.Provider.CSVPath)
}

// Test_NewProvider tests the fake provider wiring.
func Test_NewProvider(t *testing.T) {
	c := Default()
	c.Provider.Rows = 10

	p, err := c.NewProvider()
	require.NoError(t, err)
	fake, ok := p.(*provider.FakeProvider)
	require.True(t, ok)
	assert.Len(t, fake.Columns(), 64)

	c.Provider.Type = "ftp"
	_, err = c.NewProvider()
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

// Test_Level tests log level parsing.
func Test_Level(t *testing.T) {
	c := Default()
	assert.Equal(t, zerolog.InfoLevel, c.Level())
	c.LogLevel = "nonsense"
	assert.Equal(t, zerolog.InfoLevel, c.Level())
	c.LogLevel = "error"
	assert.Equal(t, zerolog.ErrorLevel, c.Level())
}
