package setup

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/fxpulse/config"
)

func TestBuildConfig(t *testing.T) {
	a := defaultAnswers()
	a.StorageDriver = config.StoragePostgres
	a.DSN = "postgres://u:p@db:5432/fx"
	a.StateBackend = config.StateSQL
	a.RefreshInterval = "2m"
	a.UsdMarginPct = "4.5"
	a.BybitTestnet = true

	c, err := BuildConfig(a)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "fxpulse.yaml")
	require.NoError(t, config.Write(path, c))

	got, err := config.Get(path)
	require.NoError(t, err)
	assert.Equal(t, config.StoragePostgres, got.Storage.Driver)
	assert.Equal(t, "postgres://u:p@db:5432/fx", got.Storage.DSN)
	assert.Equal(t, config.StateSQL, got.State.Backend)
	assert.Equal(t, 2*time.Minute, got.RefreshInterval)
	assert.True(t, got.Margins.USDMarginPct.Equal(decimal.RequireFromString("4.5")))
	assert.True(t, got.Bybit.Testnet)
}

func TestBuildConfig_WALForcesFileState(t *testing.T) {
	a := defaultAnswers()
	a.StorageDriver = config.StorageWAL
	a.StateBackend = config.StateSQL

	c, err := BuildConfig(a)
	require.NoError(t, err)
	assert.Equal(t, config.StateFile, c.State.Backend)
}

func TestBuildConfig_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Answers)
	}{
		{name: "refresh", modify: func(a *Answers) { a.RefreshInterval = "soon" }},
		{name: "window", modify: func(a *Answers) { a.HistoryWindow = "" }},
		{name: "usd margin", modify: func(a *Answers) { a.UsdMarginPct = "abc" }},
		{name: "other margin", modify: func(a *Answers) { a.OtherMarginPct = "101" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := defaultAnswers()
			tt.modify(&a)
			_, err := BuildConfig(a)
			assert.Error(t, err)
		})
	}
}

func TestValidators(t *testing.T) {
	assert.NoError(t, validatePercent("0"))
	assert.NoError(t, validatePercent("2.5"))
	assert.Error(t, validatePercent("-1"))
	assert.NoError(t, validateDuration("30s"))
	assert.Error(t, validateDuration("0s"))
	assert.Error(t, validateDuration("x"))
}
