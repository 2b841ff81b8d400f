package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdirTemp runs the test from an empty directory so no stray .env is read.
func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })
	return dir
}

func clearStockEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"STOCK_PORT", "STOCK_DB", "STOCK_DRIVER", "STOCK_LOG_LEVEL", "STOCK_LOG_FORMAT",
		"STOCK_FORMULATIONS", "STOCK_HISTORY_INTERVAL", "STOCK_CORS_ORIGINS",
	} {
		t.Setenv(key, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	chdirTemp(t)
	clearStockEnv(t)

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "vaccine_stock.db", cfg.DB)
	assert.Equal(t, "sqlite3", cfg.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, time.Hour, cfg.HistoryInterval)
	assert.Len(t, cfg.CORSOrigins, 2)
	assert.False(t, cfg.InMemory())
}

func TestLoad_EnvThenFlags(t *testing.T) {
	chdirTemp(t)
	clearStockEnv(t)

	// GIVEN: environment overrides
	t.Setenv("STOCK_PORT", "9090")
	t.Setenv("STOCK_DB", "memory")
	t.Setenv("STOCK_LOG_LEVEL", "debug")
	t.Setenv("STOCK_HISTORY_INTERVAL", "5m")
	t.Setenv("STOCK_CORS_ORIGINS", "https://a.example, https://b.example")

	// WHEN: a flag overrides the port again
	cfg, err := Load([]string{"-port", "7070", "-log-format", "console"})
	require.NoError(t, err)

	// THEN: flags win over env, env wins over defaults
	assert.Equal(t, 7070, cfg.Port)
	assert.True(t, cfg.InMemory())
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 5*time.Minute, cfg.HistoryInterval)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := chdirTemp(t)
	clearStockEnv(t)
	os.Unsetenv("STOCK_DRIVER")
	os.Unsetenv("STOCK_DB")
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("STOCK_DRIVER=postgres\nSTOCK_DB=postgres://localhost/stock\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("STOCK_DRIVER")
		os.Unsetenv("STOCK_DB")
	})

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Driver)
	assert.Equal(t, "postgres://localhost/stock", cfg.DB)
}

func TestLoad_Invalid(t *testing.T) {
	chdirTemp(t)
	clearStockEnv(t)

	t.Setenv("STOCK_PORT", "abc")
	_, err := Load(nil)
	assert.ErrorContains(t, err, "STOCK_PORT")

	t.Setenv("STOCK_PORT", "")
	_, err = Load([]string{"-driver", "mysql"})
	assert.ErrorContains(t, err, "unsupported driver")

	_, err = Load([]string{"-port", "0"})
	assert.ErrorContains(t, err, "invalid port")

	t.Setenv("STOCK_HISTORY_INTERVAL", "soon")
	_, err = Load(nil)
	assert.ErrorContains(t, err, "STOCK_HISTORY_INTERVAL")
}
