package domain

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		expected  Outcome
		retryable bool
	}{
		{name: "nil", err: nil, expected: OutcomeOK},
		{name: "plain error", err: errors.New("boom"), expected: OutcomeTransient, retryable: true},
		{name: "rate limited", err: RateLimited("vertofx", time.Minute, nil), expected: OutcomeRateLimited},
		{name: "wrapped permanent", err: errors.Wrap(Permanent("fx", errors.New("bad json")), "fetch"), expected: OutcomePermanent},
		{name: "transient", err: Transient("bybit", errors.New("reset")), expected: OutcomeTransient, retryable: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, KindOf(tt.err))
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}
}

func TestFetchErrorMessage(t *testing.T) {
	err := RateLimited("vertofx", 0, errors.New("status 429"))
	assert.Equal(t, "vertofx: rate_limited: status 429", err.Error())
	assert.Equal(t, "fx: permanent", Permanent("fx", nil).Error())
}

func TestResult(t *testing.T) {
	ok := OK(42, SourceLive)
	assert.True(t, ok.Ok())
	assert.Equal(t, SourceLive, ok.Source)

	failed := Failed[int](RateLimited("vertofx", 0, nil))
	assert.False(t, failed.Ok())
	assert.Equal(t, OutcomeRateLimited, failed.Outcome)
}
