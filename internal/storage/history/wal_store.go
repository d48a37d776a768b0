// Package history keeps rate snapshots and the last cost-price table in a WAL.
package history

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/fxpulse/internal/domain"
	"github.com/vadiminshakov/gowal"
)

const (
	defaultHistoryDir   = "./wal/rates"
	historySegmentLimit = 1000
	historyMaxSegments  = 100
	snapshotKeyPrefix   = "rate_snapshot_"
	costPricesKey       = "cost_prices"
	marginSettingsKey   = "margin_settings"
)

// ErrNotInitialized is returned by methods of a nil or closed store.
var ErrNotInitialized = errors.New("rate history store is not initialized")

type snapshotEnvelope struct {
	Index    uint64              `json:"index"`
	Snapshot domain.RateSnapshot `json:"snapshot"`
}

// WALStore persists rate snapshots, cost prices and margin settings.
type WALStore struct {
	wal *gowal.Wal
	mu  sync.RWMutex
}

// NewWALStore opens the WAL under dir.
func NewWALStore(dir string) (*WALStore, error) {
	if dir == "" {
		dir = defaultHistoryDir
	}

	cfg := gowal.Config{
		Dir:              dir,
		Prefix:           "rates_",
		SegmentThreshold: historySegmentLimit,
		MaxSegments:      historyMaxSegments,
		IsInSyncDiskMode: true,
	}

	wal, err := gowal.NewWAL(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "init rate history WAL")
	}

	return &WALStore{wal: wal}, nil
}

// Insert appends a snapshot.
func (s *WALStore) Insert(snapshot domain.RateSnapshot) error {
	if s == nil || s.wal == nil {
		return ErrNotInitialized
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.wal.CurrentIndex() + 1
	payload, err := json.Marshal(snapshotEnvelope{Index: next, Snapshot: snapshot})
	if err != nil {
		return errors.Wrap(err, "marshal rate snapshot")
	}

	return errors.Wrap(s.wal.Write(next, snapshotKeyPrefix+snapshot.ID.String(), payload), "write rate snapshot")
}

// Latest returns the most recently inserted snapshot, nil when none exist.
func (s *WALStore) Latest() (*domain.RateSnapshot, error) {
	records, err := s.SnapshotsAfter(0)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	latest := records[len(records)-1].Snapshot

	return &latest, nil
}

// SnapshotsAfter returns snapshots written after the provided WAL index.
func (s *WALStore) SnapshotsAfter(index uint64) ([]domain.RateSnapshotRecord, error) {
	if s == nil || s.wal == nil {
		return nil, ErrNotInitialized
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.wal.CurrentIndex() <= index {
		return nil, nil
	}

	var records []domain.RateSnapshotRecord
	for msg := range s.wal.Iterator() {
		if !strings.HasPrefix(msg.Key, snapshotKeyPrefix) {
			continue
		}

		var env snapshotEnvelope
		if err := json.Unmarshal(msg.Value, &env); err != nil {
			return nil, errors.Wrap(err, "decode rate snapshot")
		}
		if env.Index <= index {
			continue
		}

		records = append(records, domain.RateSnapshotRecord{Index: env.Index, Snapshot: env.Snapshot})
	}

	return records, nil
}

// SaveCostPrices appends the current cost-price table.
func (s *WALStore) SaveCostPrices(prices domain.RateTable) error {
	return s.writeKey(costPricesKey, prices)
}

// LatestCostPrices returns the last saved cost-price table, nil when none was saved.
func (s *WALStore) LatestCostPrices() (domain.RateTable, error) {
	var prices domain.RateTable
	found, err := s.latestKey(costPricesKey, &prices)
	if err != nil || !found {
		return nil, err
	}

	return prices, nil
}

// SaveMargins appends margin settings.
func (s *WALStore) SaveMargins(m domain.MarginSettings) error {
	return s.writeKey(marginSettingsKey, m)
}

// LatestMargins returns the last saved margin settings, nil when none were saved.
func (s *WALStore) LatestMargins() (*domain.MarginSettings, error) {
	var m domain.MarginSettings
	found, err := s.latestKey(marginSettingsKey, &m)
	if err != nil || !found {
		return nil, err
	}

	return &m, nil
}

// Recent returns up to limit snapshots, newest first.
func (s *WALStore) Recent(limit int) ([]domain.RateSnapshot, error) {
	records, err := s.SnapshotsAfter(0)
	if err != nil {
		return nil, err
	}

	out := make([]domain.RateSnapshot, 0, min(limit, len(records)))
	for i := len(records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, records[i].Snapshot)
	}

	return out, nil
}

// Close closes the underlying WAL.
func (s *WALStore) Close() error {
	if s == nil || s.wal == nil {
		return ErrNotInitialized
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wal.Close()
}

func (s *WALStore) writeKey(key string, v any) error {
	if s == nil || s.wal == nil {
		return ErrNotInitialized
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "marshal %s", key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return errors.Wrapf(s.wal.Write(s.wal.CurrentIndex()+1, key, payload), "write %s", key)
}

func (s *WALStore) latestKey(key string, dst any) (bool, error) {
	if s == nil || s.wal == nil {
		return false, ErrNotInitialized
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var last []byte
	for msg := range s.wal.Iterator() {
		if msg.Key == key {
			last = msg.Value
		}
	}
	if last == nil {
		return false, nil
	}

	if err := json.Unmarshal(last, dst); err != nil {
		return false, errors.Wrapf(err, "decode %s", key)
	}

	return true, nil
}
