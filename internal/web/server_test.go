package web

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/fxpulse/internal/domain"
)

type fakeLoader struct {
	mu      sync.Mutex
	current *domain.RateSnapshot
	err     error
	busy    bool
	loads   int
}

func (f *fakeLoader) Current() *domain.RateSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.current
}

func (f *fakeLoader) TryLoad(context.Context) (*domain.RateSnapshot, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.loads++
	if f.busy {
		return f.current, false, nil
	}
	if f.err != nil {
		return nil, true, f.err
	}
	s := newSnapshot(1600)
	f.current = &s

	return f.current, true, nil
}

func (f *fakeLoader) set(s domain.RateSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = &s
}

type fakeHistory struct {
	snapshots []domain.RateSnapshot
	limit     int
}

func (f *fakeHistory) Recent(limit int) ([]domain.RateSnapshot, error) {
	f.limit = limit
	if limit < len(f.snapshots) {
		return f.snapshots[:limit], nil
	}

	return f.snapshots, nil
}

type fakeOrders struct {
	orders []domain.Order
	err    error
	cutoff time.Time
}

func (f *fakeOrders) FetchOrders(_ context.Context, cutoff time.Time) ([]domain.Order, error) {
	f.cutoff = cutoff
	return f.orders, f.err
}

type fakeLimits struct {
	states map[string]domain.RateLimitState
	left   map[string]int
}

func (f *fakeLimits) State(p string) domain.RateLimitState { return f.states[p] }
func (f *fakeLimits) TimeUntilReset(p string) int         { return f.left[p] }

func newSnapshot(rate int64) domain.RateSnapshot {
	return domain.NewRateSnapshot(
		time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		decimal.NewFromInt(rate),
		domain.DefaultFxRates(),
		domain.DefaultVertoFxRates(),
		domain.RateTable{domain.USD: decimal.NewFromInt(rate)},
		domain.DefaultMargins(),
	)
}

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s, err := NewServer(cfg)
	require.NoError(t, err)
	s.now = func() time.Time { return time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC) }

	return s
}

func do(t *testing.T, s *Server, method, target string) *httptest.ResponseRecorder {
	t.Helper()

	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest(method, target, nil))

	return w
}

func TestNewServer_RequiresLoader(t *testing.T) {
	_, err := NewServer(Config{})
	assert.Error(t, err)
}

func TestLatest(t *testing.T) {
	loader := &fakeLoader{}
	s := newTestServer(t, Config{Loader: loader})

	w := do(t, s, http.MethodGet, "/rates/latest")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	loader.set(newSnapshot(1550))
	w = do(t, s, http.MethodGet, "/rates/latest")
	require.Equal(t, http.StatusOK, w.Code)

	var got domain.RateSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.True(t, got.UsdtNgnRate.Equal(decimal.NewFromInt(1550)))
	assert.True(t, got.CostPrices[domain.USD].Equal(decimal.NewFromInt(1550)))
}

func TestRefresh(t *testing.T) {
	loaded := newSnapshot(1590)

	tests := []struct {
		name    string
		loader  *fakeLoader
		status  int
		message string
	}{
		{name: "loads", loader: &fakeLoader{}, status: http.StatusOK},
		{name: "load error", loader: &fakeLoader{err: errors.New("store down")}, status: http.StatusInternalServerError, message: "store down"},
		{name: "in progress before first load", loader: &fakeLoader{busy: true}, status: http.StatusAccepted, message: "refresh already in progress"},
		{name: "in progress with a current snapshot", loader: &fakeLoader{busy: true, current: &loaded}, status: http.StatusAccepted, message: "refresh already in progress"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, Config{Loader: tt.loader})

			w := do(t, s, http.MethodPost, "/rates/refresh")
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, 1, tt.loader.loads)
			if tt.message != "" {
				var resp ErrorResponse
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
				assert.Equal(t, tt.message, resp.Error)
			}
		})
	}
}

func TestHistory(t *testing.T) {
	history := &fakeHistory{snapshots: []domain.RateSnapshot{newSnapshot(1600), newSnapshot(1590), newSnapshot(1580)}}
	s := newTestServer(t, Config{Loader: &fakeLoader{}, History: history})

	tests := []struct {
		name      string
		target    string
		status    int
		wantLimit int
		wantLen   int
	}{
		{name: "default limit", target: "/rates/history", status: http.StatusOK, wantLimit: defaultHistoryLimit, wantLen: 3},
		{name: "explicit limit", target: "/rates/history?limit=2", status: http.StatusOK, wantLimit: 2, wantLen: 2},
		{name: "capped limit", target: "/rates/history?limit=100000", status: http.StatusOK, wantLimit: maxHistoryLimit, wantLen: 3},
		{name: "bad limit", target: "/rates/history?limit=-1", status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			history.limit = 0
			w := do(t, s, http.MethodGet, tt.target)
			require.Equal(t, tt.status, w.Code)
			if tt.status != http.StatusOK {
				return
			}

			var got []domain.RateSnapshot
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
			assert.Len(t, got, tt.wantLen)
			assert.Equal(t, tt.wantLimit, history.limit)
		})
	}
}

func TestHistory_NotConfigured(t *testing.T) {
	s := newTestServer(t, Config{Loader: &fakeLoader{}})
	assert.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodGet, "/rates/history").Code)
}

func TestOrders(t *testing.T) {
	order := domain.Order{
		ID:       "1",
		Side:     domain.OrderSideBuy,
		Status:   domain.OrderStatusCompleted,
		Price:    decimal.NewFromInt(1500),
		Quantity: decimal.NewFromInt(10),
		Amount:   decimal.NewFromInt(15000),
	}
	now := time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		target      string
		orders      []domain.Order
		err         error
		status      int
		wantCutoff  time.Time
		wantPartial bool
	}{
		{name: "default window", target: "/orders", orders: []domain.Order{order}, status: http.StatusOK, wantCutoff: now.Add(-24 * time.Hour)},
		{name: "duration", target: "/orders?since=2h", orders: []domain.Order{order}, status: http.StatusOK, wantCutoff: now.Add(-2 * time.Hour)},
		{name: "timestamp", target: "/orders?since=2024-05-01T10:00:00Z", status: http.StatusOK, wantCutoff: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)},
		{name: "partial", target: "/orders", orders: []domain.Order{order}, err: errors.New("page 2 failed"), status: http.StatusOK, wantCutoff: now.Add(-24 * time.Hour), wantPartial: true},
		{name: "nothing fetched", target: "/orders", err: errors.New("bybit down"), status: http.StatusBadGateway},
		{name: "bad since", target: "/orders?since=yesterday", status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orders := &fakeOrders{orders: tt.orders, err: tt.err}
			s := newTestServer(t, Config{Loader: &fakeLoader{}, Orders: orders})

			w := do(t, s, http.MethodGet, tt.target)
			require.Equal(t, tt.status, w.Code)
			if tt.status != http.StatusOK {
				return
			}

			var got OrdersResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
			assert.True(t, tt.wantCutoff.Equal(orders.cutoff))
			assert.Equal(t, tt.wantPartial, got.Partial)
			assert.Len(t, got.Orders, len(tt.orders))
			if len(tt.orders) > 0 {
				assert.True(t, got.Summary.Buy.VWAP.Equal(decimal.NewFromInt(1500)))
			}
		})
	}
}

func TestRateLimits(t *testing.T) {
	resetAt := time.Date(2024, 5, 2, 0, 5, 0, 0, time.UTC)
	limits := &fakeLimits{
		states: map[string]domain.RateLimitState{"vertofx": {ResetAt: resetAt, ConsecutiveFailures: 2}},
		left:   map[string]int{"vertofx": 300},
	}
	s := newTestServer(t, Config{Loader: &fakeLoader{}, Limits: limits, Providers: []string{"fxrates", "vertofx"}})

	w := do(t, s, http.MethodGet, "/ratelimits")
	require.Equal(t, http.StatusOK, w.Code)

	var got []LimitStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, LimitStatus{Provider: "fxrates"}, got[0])
	assert.True(t, got[1].Limited)
	assert.Equal(t, 300, got[1].SecondsUntilReset)
	assert.Equal(t, 2, got[1].ConsecutiveFailures)
	assert.True(t, resetAt.Equal(got[1].ResetAt))
}

func TestMetricsRoute(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("fxpulse_loads_total 1\n"))
	})

	s := newTestServer(t, Config{Loader: &fakeLoader{}, Metrics: metrics})
	w := do(t, s, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "fxpulse_loads_total")

	s = newTestServer(t, Config{Loader: &fakeLoader{}})
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/metrics").Code)
}

func TestStream(t *testing.T) {
	loader := &fakeLoader{}
	loader.set(newSnapshot(1600))

	s := newTestServer(t, Config{Loader: loader})
	s.pollInterval = 10 * time.Millisecond

	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/rates/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	readEvent := func() domain.RateSnapshot {
		t.Helper()
		var event string
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimSpace(line)
			switch {
			case strings.HasPrefix(line, "event:"):
				event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				require.Equal(t, "rates", event)
				var s domain.RateSnapshot
				require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &s))
				return s
			}
		}
	}

	first := readEvent()
	assert.True(t, first.UsdtNgnRate.Equal(decimal.NewFromInt(1600)))

	loader.set(newSnapshot(1620))
	second := readEvent()
	assert.True(t, second.UsdtNgnRate.Equal(decimal.NewFromInt(1620)))
	assert.NotEqual(t, first.ID, second.ID)
}
