package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeYaml(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "fxpulse.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	return path
}

func TestGet_Defaults(t *testing.T) {
	t.Setenv("BYBIT_API_KEY", "key")
	t.Setenv("BYBIT_API_SECRET", "secret")
	t.Setenv("VERTOFX_TOKEN", "token")
	t.Setenv("FX_API_KEY", "fx")

	c, err := Get("")
	require.NoError(t, err)

	assert.Equal(t, StorageSQLite, c.Storage.Driver)
	assert.Equal(t, StateFile, c.State.Backend)
	assert.Equal(t, 5*time.Minute, c.RefreshInterval)
	assert.True(t, c.Margins.USDMarginPct.Equal(decimal.RequireFromString("2.5")))
	assert.Equal(t, "key", c.Bybit.APIKey)
	assert.Equal(t, "secret", c.Bybit.APISecret)
	assert.Equal(t, "token", c.VertoFx.Token)
	assert.Equal(t, "fx", c.FxRates.APIKey)
	assert.Equal(t, Backoff{Base: 2 * time.Minute, Max: 30 * time.Minute}, c.RateLimits["vertofx"])
}

func TestGet_YamlOverridesDefaults(t *testing.T) {
	path := writeYaml(t, `
refresh_interval: 1m
usd_margin_pct: "4"
storage:
  driver: wal
  wal_dir: /tmp/rates
bybit:
  testnet: true
  history_window: 2h
rate_limits:
  bybit:
    base: 30s
    max: 5m
`)

	c, err := Get(path)
	require.NoError(t, err)

	assert.Equal(t, time.Minute, c.RefreshInterval)
	assert.True(t, c.Margins.USDMarginPct.Equal(decimal.NewFromInt(4)))
	assert.True(t, c.Margins.OtherMarginPct.Equal(decimal.NewFromInt(3)))
	assert.Equal(t, StorageWAL, c.Storage.Driver)
	assert.Equal(t, "/tmp/rates", c.Storage.WALDir)
	assert.True(t, c.Bybit.Testnet)
	assert.Equal(t, 2*time.Hour, c.Bybit.HistoryWindow)
	assert.Equal(t, DefaultVertoFxURL, c.VertoFx.BaseURL)
	assert.Equal(t, Backoff{Base: 30 * time.Second, Max: 5 * time.Minute}, c.RateLimits["bybit"])
}

func TestGet_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		errMsg string
	}{
		{
			name:   "bad margin",
			body:   `usd_margin_pct: "abc"`,
			errMsg: "usd_margin_pct",
		},
		{
			name:   "negative margin",
			body:   `other_margin_pct: "-1"`,
			errMsg: "must not be negative",
		},
		{
			name:   "unknown driver",
			body:   "storage:\n  driver: mongo",
			errMsg: "unsupported storage driver",
		},
		{
			name:   "postgres without dsn",
			body:   "storage:\n  driver: postgres\n  dsn: \"\"",
			errMsg: "storage.dsn is required",
		},
		{
			name:   "sql state on wal",
			body:   "storage:\n  driver: wal\nstate:\n  backend: sql",
			errMsg: "needs a sql storage driver",
		},
		{
			name:   "bad offer amount",
			body:   "bybit:\n  offer_amount: \"0\"",
			errMsg: "offer_amount",
		},
		{
			name:   "inverted backoff",
			body:   "rate_limits:\n  fxrates:\n    base: 5m\n    max: 1m",
			errMsg: "invalid rate limit backoff",
		},
		{
			name:   "zero refresh",
			body:   "refresh_interval: 0s",
			errMsg: "refresh_interval",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Get(writeYaml(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestWrite_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")

	tmp := Default()
	tmp.ServerAddr = ":9000"
	tmp.Bybit.Testnet = true
	require.NoError(t, Write(path, tmp))

	c, err := Get(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", c.ServerAddr)
	assert.True(t, c.Bybit.Testnet)
}

func TestGet_MissingFile(t *testing.T) {
	_, err := Get(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
