package bybitp2p

import (
	"strconv"
	"sync"
	"time"

	"github.com/hirokisan/bybit/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Clock is the time source used for request timestamps.
type Clock interface {
	Now() time.Time
}

// LocalClock uses the host time.
type LocalClock struct{}

func (LocalClock) Now() time.Time { return time.Now() }

// ServerTimeSource reports exchange time.
type ServerTimeSource interface {
	ServerTime() (time.Time, error)
}

// V5ServerTime reads server time through the official v5 market endpoint.
type V5ServerTime struct {
	client *bybit.Client
}

// NewV5ServerTime wraps client.
func NewV5ServerTime(client *bybit.Client) *V5ServerTime {
	return &V5ServerTime{client: client}
}

func (s *V5ServerTime) ServerTime() (time.Time, error) {
	res, err := s.client.V5().Market().GetServerTime()
	if err != nil {
		return time.Time{}, errors.Wrap(err, "get server time")
	}

	nanos, err := strconv.ParseInt(res.Result.TimeNano, 10, 64)
	if err == nil && nanos > 0 {
		return time.Unix(0, nanos), nil
	}

	secs, err := strconv.ParseInt(res.Result.TimeSecond, 10, 64)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "parse server time %q", res.Result.TimeSecond)
	}

	return time.Unix(secs, 0), nil
}

// SyncedClock is host time corrected by the offset to the exchange clock, so signed
// requests stay inside the receive window on hosts with drift.
type SyncedClock struct {
	source ServerTimeSource
	logger *zap.Logger
	local  func() time.Time

	mu     sync.RWMutex
	offset time.Duration
}

// NewSyncedClock creates a clock with zero offset. Call Sync to measure it.
func NewSyncedClock(source ServerTimeSource, logger *zap.Logger) *SyncedClock {
	return &SyncedClock{source: source, logger: logger, local: time.Now}
}

// Sync measures the offset. On failure the previous offset is kept.
func (c *SyncedClock) Sync() error {
	before := c.local()
	server, err := c.source.ServerTime()
	if err != nil {
		c.logger.Warn("bybit server time sync failed", zap.Error(err))
		return err
	}
	after := c.local()

	midpoint := before.Add(after.Sub(before) / 2)
	offset := server.Sub(midpoint)

	c.mu.Lock()
	c.offset = offset
	c.mu.Unlock()

	c.logger.Debug("bybit clock synced", zap.Duration("offset", offset))

	return nil
}

func (c *SyncedClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.local().Add(c.offset)
}
