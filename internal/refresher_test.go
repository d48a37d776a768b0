package internal

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/fxpulse/internal/domain"
)

type countingLoader struct {
	calls atomic.Int32
	err   error
}

func (l *countingLoader) LoadAll(context.Context) (*domain.RateSnapshot, error) {
	l.calls.Add(1)
	if l.err != nil {
		return nil, l.err
	}
	s := domain.RateSnapshot{}

	return &s, nil
}

type countingSweeper struct {
	calls atomic.Int32
}

func (s *countingSweeper) Cleanup() int {
	s.calls.Add(1)
	return 1
}

func TestNewRefresher(t *testing.T) {
	tests := []struct {
		name     string
		loader   snapshotLoader
		interval time.Duration
		errMsg   string
	}{
		{name: "nil loader", loader: nil, interval: time.Second, errMsg: "loader is required"},
		{name: "zero interval", loader: &countingLoader{}, interval: 0, errMsg: "refresh interval must be positive"},
		{name: "valid", loader: &countingLoader{}, interval: time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewRefresher(tt.loader, tt.interval, 0)
			if tt.errMsg != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
				assert.Nil(t, r)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, r)
		})
	}
}

func TestRefresher_Run(t *testing.T) {
	loader := &countingLoader{}
	sweeper := &countingSweeper{}

	r, err := NewRefresher(loader, 10*time.Millisecond, 10*time.Millisecond, sweeper)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err = r.Run(ctx, zap.NewNop())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, loader.calls.Load(), int32(3))
	assert.GreaterOrEqual(t, sweeper.calls.Load(), int32(2))
}

func TestRefresher_RunSurvivesLoadErrors(t *testing.T) {
	loader := &countingLoader{err: errors.New("boom")}

	r, err := NewRefresher(loader, 5*time.Millisecond, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, r.Run(ctx, zap.NewNop()), context.DeadlineExceeded)
	assert.Greater(t, loader.calls.Load(), int32(1))
}

func TestRefresher_LoadsImmediately(t *testing.T) {
	loader := &countingLoader{}

	r, err := NewRefresher(loader, time.Hour, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, r.Run(ctx, zap.NewNop()), context.Canceled)
	assert.Equal(t, int32(1), loader.calls.Load())
}
