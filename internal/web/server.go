package web

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vadiminshakov/fxpulse/internal/domain"
	"github.com/vadiminshakov/fxpulse/internal/services/bybitp2p"
)

const (
	snapshotPollInterval = 2 * time.Second
	heartbeatInterval    = 30 * time.Second
	defaultOrderWindow   = 24 * time.Hour
	defaultHistoryLimit  = 20
	maxHistoryLimit      = 500
)

type rateLoader interface {
	Current() *domain.RateSnapshot
	TryLoad(ctx context.Context) (*domain.RateSnapshot, bool, error)
}

type historyReader interface {
	Recent(limit int) ([]domain.RateSnapshot, error)
}

type orderFetcher interface {
	FetchOrders(ctx context.Context, cutoff time.Time) ([]domain.Order, error)
}

type limitReporter interface {
	State(provider string) domain.RateLimitState
	TimeUntilReset(provider string) int
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

// LimitStatus is one entry of /ratelimits.
type LimitStatus struct {
	Provider            string    `json:"provider"`
	Limited             bool      `json:"limited"`
	SecondsUntilReset   int       `json:"seconds_until_reset"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	ResetAt             time.Time `json:"reset_at,omitempty"`
}

// OrdersResponse is the body of /orders.
type OrdersResponse struct {
	Since   time.Time        `json:"since"`
	Orders  []domain.Order   `json:"orders"`
	Summary bybitp2p.Summary `json:"summary"`
	Partial bool             `json:"partial"`
	Error   string           `json:"error,omitempty"`
}

// Config dependencies of the server. History, Orders and Metrics are optional.
type Config struct {
	Addr      string
	Loader    rateLoader
	History   historyReader
	Orders    orderFetcher
	Limits    limitReporter
	Providers []string
	Metrics   http.Handler
	Logger    *zap.Logger
}

// Server exposes the rate pipeline over HTTP and an SSE stream.
type Server struct {
	Addr         string
	loader       rateLoader
	history      historyReader
	orders       orderFetcher
	limits       limitReporter
	providers    []string
	metrics      http.Handler
	logger       *zap.Logger
	pollInterval time.Duration
	now          func() time.Time
}

// NewServer creates a new web server instance.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Loader == nil {
		return nil, errors.New("rate loader is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Server{
		Addr:         cfg.Addr,
		loader:       cfg.Loader,
		history:      cfg.History,
		orders:       cfg.Orders,
		limits:       cfg.Limits,
		providers:    cfg.Providers,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
		pollInterval: snapshotPollInterval,
		now:          time.Now,
	}, nil
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/", s.handleIndex)
	r.GET("/rates/latest", s.handleLatest)
	r.POST("/rates/refresh", s.handleRefresh)
	r.GET("/rates/history", s.handleHistory)
	r.GET("/rates/stream", s.handleStream)
	r.GET("/orders", s.handleOrders)
	r.GET("/ratelimits", s.handleRateLimits)
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics))
	}

	return r
}

// Start runs the HTTP server (blocking) and shuts it down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("http server listening", zap.String("addr", s.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

func (s *Server) handleIndex(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(indexHTML))
}

func (s *Server) handleLatest(c *gin.Context) {
	snapshot := s.loader.Current()
	if snapshot == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "no rates loaded yet"})
		return
	}

	c.JSON(http.StatusOK, snapshot)
}

func (s *Server) handleRefresh(c *gin.Context) {
	snapshot, ran, err := s.loader.TryLoad(c.Request.Context())
	if err != nil {
		s.logger.Error("manual refresh failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	if !ran || snapshot == nil {
		c.JSON(http.StatusAccepted, ErrorResponse{Error: "refresh already in progress"})
		return
	}

	c.JSON(http.StatusOK, snapshot)
}

func (s *Server) handleHistory(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "snapshot history not available"})
		return
	}

	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	snapshots, err := s.history.Recent(limit)
	if err != nil {
		s.logger.Error("read snapshot history", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to read snapshot history"})
		return
	}
	if snapshots == nil {
		snapshots = []domain.RateSnapshot{}
	}

	c.JSON(http.StatusOK, snapshots)
}

func (s *Server) handleOrders(c *gin.Context) {
	if s.orders == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "order history not configured"})
		return
	}

	since, err := s.parseSince(c.Query("since"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	orders, err := s.orders.FetchOrders(c.Request.Context(), since)
	if err != nil && len(orders) == 0 {
		s.logger.Warn("order fetch failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, ErrorResponse{Error: err.Error()})
		return
	}
	if orders == nil {
		orders = []domain.Order{}
	}

	resp := OrdersResponse{Since: since, Orders: orders, Summary: bybitp2p.Summarize(orders)}
	if err != nil {
		resp.Partial = true
		resp.Error = err.Error()
	}

	c.JSON(http.StatusOK, resp)
}

// parseSince accepts an RFC 3339 timestamp or a duration back from now.
func (s *Server) parseSince(raw string) (time.Time, error) {
	if raw == "" {
		return s.now().Add(-defaultOrderWindow), nil
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts, nil
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return s.now().Add(-d), nil
	}

	return time.Time{}, errors.New("since must be an RFC 3339 timestamp or a positive duration")
}

func (s *Server) handleRateLimits(c *gin.Context) {
	if s.limits == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "rate limit tracker not available"})
		return
	}

	out := make([]LimitStatus, 0, len(s.providers))
	for _, p := range s.providers {
		state := s.limits.State(p)
		left := s.limits.TimeUntilReset(p)
		out = append(out, LimitStatus{
			Provider:            p,
			Limited:             left > 0,
			SecondsUntilReset:   left,
			ConsecutiveFailures: state.ConsecutiveFailures,
			ResetAt:             state.ResetAt,
		})
	}

	c.JSON(http.StatusOK, out)
}

func (s *Server) handleStream(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	// comment heartbeat keeps proxies from closing idle connections
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	pollTicker := time.NewTicker(s.pollInterval)
	defer pollTicker.Stop()

	var lastID string
	sendSnapshot := func() {
		snapshot := s.loader.Current()
		if snapshot == nil || snapshot.ID.String() == lastID {
			return
		}
		c.SSEvent("rates", snapshot)
		c.Writer.Flush()
		lastID = snapshot.ID.String()
	}

	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()
	sendSnapshot()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-heartbeat.C:
			_, _ = c.Writer.WriteString(": ping\n\n")
			c.Writer.Flush()
		case <-pollTicker.C:
			sendSnapshot()
		}
	}
}

const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <title>fxpulse</title>
  <style>
    body { font-family:'Space Mono',monospace; margin:2rem; color:#111; }
    table { border-collapse:collapse; margin-top:1rem; }
    td, th { border:2px solid #111; padding:.4rem .9rem; text-align:right; }
    .status { font-size:.7rem; text-transform:uppercase; letter-spacing:.1em; }
  </style>
</head>
<body>
  <h1>fxpulse</h1>
  <div id="status" class="status">Connecting…</div>
  <div id="usdt"></div>
  <table>
    <thead><tr><th>Currency</th><th>FX</th><th>Verto buy</th><th>Verto sell</th><th>Cost price</th></tr></thead>
    <tbody id="rows"></tbody>
  </table>
<script>
const statusEl = document.getElementById('status');
const rows = document.getElementById('rows');

function render(s){
  document.getElementById('usdt').textContent =
    'USDT/NGN ' + s.usdt_ngn_rate + ' (' + s.usdt_ngn_source + ') at ' + new Date(s.ts).toLocaleTimeString([], { hour12:false });
  rows.innerHTML = '';
  const verto = s.vertofx_rates || {};
  Object.keys(s.cost_prices || {}).sort().forEach((code) => {
    const q = verto[code] || {};
    const tr = document.createElement('tr');
    [code, (s.fx_rates || {})[code], q.buy, q.sell, s.cost_prices[code]].forEach((v) => {
      const td = document.createElement('td');
      td.textContent = v === undefined ? '-' : v;
      tr.appendChild(td);
    });
    rows.appendChild(tr);
  });
}

function connectSSE(){
  const source = new EventSource('/rates/stream');
  statusEl.textContent = 'Status: receiving data';
  source.addEventListener('rates', (event) => {
    try{
      render(JSON.parse(event.data));
    }catch(err){
      console.error('payload parse', err);
    }
  });
  source.addEventListener('error', () => {
    statusEl.textContent = 'Reconnecting…';
    source.close();
    setTimeout(connectSSE, 2000);
  });
}

connectSSE();
</script>
</body>
</html>`
