// Package ratelimit tracks provider refusals and the backoff window that follows them.
// State lives in a durable key-value store so a restart does not reset the cooldown.
package ratelimit

import (
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/fxpulse/internal/domain"
	"go.uber.org/zap"
)

const (
	DefaultBaseBackoff = 60 * time.Second
	DefaultMaxBackoff  = 15 * time.Minute

	keyPrefix = "ratelimit:"
)

// KV is the durable store holding tracker state.
type KV interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Delete(key string) error
}

// Policy backoff bounds for one provider.
type Policy struct {
	Base time.Duration
	Max  time.Duration
}

// Tracker records rate limit hits per provider.
type Tracker struct {
	kv       KV
	logger   *zap.Logger
	now      func() time.Time
	mu       sync.Mutex
	policies map[string]Policy
	fallback Policy
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// WithPolicy sets backoff bounds for provider.
func WithPolicy(provider string, p Policy) Option {
	return func(t *Tracker) {
		t.policies[provider] = p
	}
}

// NewTracker creates a tracker over kv.
func NewTracker(kv KV, logger *zap.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}

	t := &Tracker{
		kv:       kv,
		logger:   logger,
		now:      time.Now,
		policies: make(map[string]Policy),
		fallback: Policy{Base: DefaultBaseBackoff, Max: DefaultMaxBackoff},
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Backoff returns the cooldown after n consecutive hits: min(2^(n-1)*base, max).
func Backoff(n int, p Policy) time.Duration {
	d := p.Base
	if d >= p.Max {
		return p.Max
	}

	for i := 1; i < n; i++ {
		d *= 2
		if d >= p.Max {
			return p.Max
		}
	}

	return d
}

// IsLimited reports whether provider is inside a cooldown. Expired state is cleared.
func (t *Tracker) IsLimited(provider string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.load(provider)
	if !ok || state.ResetAt.IsZero() {
		return false
	}

	if t.now().Before(state.ResetAt) {
		return true
	}

	// keep the counter so the next hit keeps growing the backoff
	state.ResetAt = time.Time{}
	if state.ConsecutiveFailures == 0 {
		t.delete(provider)
	} else {
		t.store(provider, state)
	}

	return false
}

// RecordLimitHit starts a cooldown. A positive retryAfter is used verbatim, otherwise
// exponential backoff over the persisted failure counter applies.
func (t *Tracker) RecordLimitHit(provider string, retryAfter time.Duration) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, _ := t.load(provider)
	state.ConsecutiveFailures++

	wait := retryAfter
	if wait <= 0 {
		wait = Backoff(state.ConsecutiveFailures, t.policy(provider))
	}
	state.ResetAt = t.now().Add(wait)

	t.store(provider, state)

	t.logger.Warn("provider rate limited",
		zap.String("provider", provider),
		zap.Duration("cooldown", wait),
		zap.Int("consecutive_failures", state.ConsecutiveFailures),
	)

	return wait
}

// RecordSuccess resets the failure counter. An active cooldown is left in place.
func (t *Tracker) RecordSuccess(provider string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.load(provider)
	if !ok || state.ConsecutiveFailures == 0 {
		return
	}

	state.ConsecutiveFailures = 0
	if state.ResetAt.IsZero() {
		t.delete(provider)
		return
	}

	t.store(provider, state)
}

// TimeUntilReset returns whole seconds of cooldown left, rounded up, 0 when not limited.
func (t *Tracker) TimeUntilReset(provider string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.load(provider)
	if !ok {
		return 0
	}

	left := state.ResetAt.Sub(t.now())
	if left <= 0 {
		return 0
	}

	return int(math.Ceil(left.Seconds()))
}

// State returns the stored state of provider.
func (t *Tracker) State(provider string) domain.RateLimitState {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, _ := t.load(provider)

	return state
}

func (t *Tracker) policy(provider string) Policy {
	if p, ok := t.policies[provider]; ok {
		if p.Base <= 0 {
			p.Base = t.fallback.Base
		}
		if p.Max <= 0 {
			p.Max = t.fallback.Max
		}
		return p
	}

	return t.fallback
}

func (t *Tracker) load(provider string) (domain.RateLimitState, bool) {
	raw, found, err := t.kv.Get(keyPrefix + provider)
	if err != nil {
		t.logger.Warn("read rate limit state", zap.String("provider", provider), zap.Error(err))
		return domain.RateLimitState{}, false
	}
	if !found {
		return domain.RateLimitState{}, false
	}

	var state domain.RateLimitState
	if err := json.Unmarshal(raw, &state); err != nil {
		t.logger.Warn("drop corrupt rate limit state", zap.String("provider", provider), zap.Error(err))
		t.delete(provider)
		return domain.RateLimitState{}, false
	}

	return state, true
}

func (t *Tracker) store(provider string, state domain.RateLimitState) {
	payload, err := json.Marshal(state)
	if err == nil {
		err = t.kv.Set(keyPrefix+provider, payload)
	}
	if err != nil {
		t.logger.Error("persist rate limit state", zap.String("provider", provider),
			zap.Error(errors.Wrap(err, "store")))
	}
}

func (t *Tracker) delete(provider string) {
	if err := t.kv.Delete(keyPrefix + provider); err != nil {
		t.logger.Warn("delete rate limit state", zap.String("provider", provider), zap.Error(err))
	}
}
