package internal

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/fxpulse/config"
	"github.com/vadiminshakov/fxpulse/internal/domain"
)

func testConfig(t *testing.T, driver, backend string) config.Config {
	t.Helper()

	t.Setenv("BYBIT_API_KEY", "")
	t.Setenv("BYBIT_API_SECRET", "")

	conf, err := config.Get("")
	require.NoError(t, err)

	dir := t.TempDir()
	conf.Storage = config.Storage{Driver: driver, DSN: filepath.Join(dir, "fxpulse.db"), WALDir: filepath.Join(dir, "wal")}
	conf.State = config.State{Backend: backend, Path: filepath.Join(dir, "state.json")}
	conf.Margins = domain.MarginSettings{USDMarginPct: decimal.NewFromInt(4), OtherMarginPct: decimal.NewFromInt(5)}

	return conf
}

func TestNewServices(t *testing.T) {
	tests := []struct {
		name    string
		driver  string
		backend string
	}{
		{name: "wal with file state", driver: config.StorageWAL, backend: config.StateFile},
		{name: "sqlite with file state", driver: config.StorageSQLite, backend: config.StateFile},
		{name: "sqlite with sql state", driver: config.StorageSQLite, backend: config.StateSQL},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, err := NewServices(testConfig(t, tt.driver, tt.backend), zap.NewNop())
			require.NoError(t, err)
			defer svc.Close()

			margins, err := svc.Store.LatestMargins()
			require.NoError(t, err)
			require.NotNil(t, margins)
			assert.True(t, margins.USDMarginPct.Equal(decimal.NewFromInt(4)))

			r, err := svc.Refresher()
			require.NoError(t, err)
			assert.NotNil(t, r)
			assert.Equal(t, 0, svc.Cleanup())

			server, err := svc.Server()
			require.NoError(t, err)

			w := httptest.NewRecorder()
			server.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/orders", nil))
			assert.Equal(t, http.StatusServiceUnavailable, w.Code)

			w = httptest.NewRecorder()
			server.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ratelimits", nil))
			assert.Equal(t, http.StatusOK, w.Code)
		})
	}
}

func TestNewServices_KeepsStoredMargins(t *testing.T) {
	conf := testConfig(t, config.StorageWAL, config.StateFile)

	svc, err := NewServices(conf, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, svc.Store.SaveMargins(domain.MarginSettings{USDMarginPct: decimal.NewFromInt(1), OtherMarginPct: decimal.NewFromInt(1)}))
	require.NoError(t, svc.Close())

	svc, err = NewServices(conf, zap.NewNop())
	require.NoError(t, err)
	defer svc.Close()

	margins, err := svc.Store.LatestMargins()
	require.NoError(t, err)
	assert.True(t, margins.USDMarginPct.Equal(decimal.NewFromInt(1)))
}

func TestNewServices_InvalidBackends(t *testing.T) {
	tests := []struct {
		name    string
		driver  string
		backend string
		errMsg  string
	}{
		{name: "unknown driver", driver: "mongo", backend: config.StateFile, errMsg: "unsupported storage driver"},
		{name: "sql state without sql storage", driver: config.StorageWAL, backend: config.StateSQL, errMsg: "needs a sql storage driver"},
		{name: "unknown state backend", driver: config.StorageWAL, backend: "redis", errMsg: "unsupported state backend"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, err := NewServices(testConfig(t, tt.driver, tt.backend), zap.NewNop())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
			assert.Nil(t, svc)
		})
	}
}

func TestUsdtNgnSources(t *testing.T) {
	conf := testConfig(t, config.StorageWAL, config.StateFile)

	svc, err := NewServices(conf, zap.NewNop())
	require.NoError(t, err)
	defer svc.Close()

	sources := usdtNgnSources(svc.Bybit, conf.Bybit)
	require.Len(t, sources, 1)
	assert.Equal(t, "bybit_offers", sources[0].Name)

	conf.Bybit.APIKey = "key"
	sources = usdtNgnSources(svc.Bybit, conf.Bybit)
	require.Len(t, sources, 2)
	assert.Equal(t, "bybit", sources[1].Name)
}
