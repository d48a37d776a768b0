package loader

import (
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/fxpulse/internal/domain"
)

const guardKey = "rates_loading"

// RatesContext is the state shared by consecutive load cycles: the in-flight guard,
// last-known-good provider values and the current snapshot. Tests build their own.
type RatesContext struct {
	guardMu sync.Mutex
	guard   *gocache.Cache

	mu      sync.RWMutex
	usdtNgn decimal.Decimal
	fx      domain.RateTable
	verto   domain.QuoteTable
	current *domain.RateSnapshot
}

// NewRatesContext creates an empty context whose guard expires after guardTTL.
func NewRatesContext(guardTTL time.Duration) *RatesContext {
	if guardTTL <= 0 {
		guardTTL = defaultGuardTTL
	}

	return &RatesContext{guard: gocache.New(guardTTL, 2*guardTTL)}
}

// tryAcquire sets the soft in-flight flag and returns the token identifying this
// holder. It fails while another holder's flag has not expired.
func (rc *RatesContext) tryAcquire() (string, bool) {
	rc.guardMu.Lock()
	defer rc.guardMu.Unlock()

	token := uuid.NewString()
	if err := rc.guard.Add(guardKey, token, gocache.DefaultExpiration); err != nil {
		return "", false
	}

	return token, true
}

// release clears the flag only while it still carries token. A cycle that outlived the
// guard TTL must not clear the flag of the cycle that took over.
func (rc *RatesContext) release(token string) {
	rc.guardMu.Lock()
	defer rc.guardMu.Unlock()

	if held, ok := rc.guard.Get(guardKey); ok && held == token {
		rc.guard.Delete(guardKey)
	}
}

// Loading reports whether a cycle holds the guard.
func (rc *RatesContext) Loading() bool {
	_, held := rc.guard.Get(guardKey)
	return held
}

// Current returns the last produced snapshot, nil before the first cycle.
func (rc *RatesContext) Current() *domain.RateSnapshot {
	rc.mu.RLock()
	defer rc.mu.RUnlock()

	if rc.current == nil {
		return nil
	}
	s := *rc.current

	return &s
}

func (rc *RatesContext) lastUsdtNgn() (decimal.Decimal, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()

	return rc.usdtNgn, rc.usdtNgn.IsPositive()
}

func (rc *RatesContext) lastFx() domain.RateTable {
	rc.mu.RLock()
	defer rc.mu.RUnlock()

	return rc.fx.Clone()
}

func (rc *RatesContext) lastVerto() domain.QuoteTable {
	rc.mu.RLock()
	defer rc.mu.RUnlock()

	return rc.verto.Clone()
}

func (rc *RatesContext) rememberUsdtNgn(v decimal.Decimal) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.usdtNgn = v
}

func (rc *RatesContext) rememberFx(t domain.RateTable) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.fx = t.Clone()
}

func (rc *RatesContext) rememberVerto(t domain.QuoteTable) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.verto = t.Clone()
}

func (rc *RatesContext) setCurrent(s domain.RateSnapshot) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.current = &s
}
