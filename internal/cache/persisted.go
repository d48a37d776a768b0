package cache

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// KV is the durable key-value storage the persisted cache writes through to.
type KV interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Delete(key string) error
	Keys(prefix string) ([]string, error)
}

const persistedKeyPrefix = "cache:"

type persistedEntry struct {
	Value  json.RawMessage `json:"value"`
	Expiry *int64          `json:"expiry"`
}

// Persisted is a TTL cache stored in a KV as JSON {value, expiry}. Entries that do not
// decode to that shape are deleted and reported as misses.
type Persisted struct {
	kv     KV
	logger *zap.Logger
	now    func() time.Time
}

// NewPersisted creates a cache over kv.
func NewPersisted(kv KV, logger *zap.Logger, now func() time.Time) *Persisted {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Persisted{kv: kv, logger: logger, now: now}
}

// Set stores value as JSON until now+ttl.
func (p *Persisted) Set(key string, value any, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return errors.Wrapf(err, "encode cache value %s", key)
	}

	expiry := p.now().Add(ttl).UnixMilli()
	raw, err := json.Marshal(persistedEntry{Value: payload, Expiry: &expiry})
	if err != nil {
		return errors.Wrapf(err, "encode cache entry %s", key)
	}

	return errors.Wrapf(p.kv.Set(persistedKeyPrefix+key, raw), "store cache entry %s", key)
}

// Get decodes a fresh value into dst. Any storage or decode problem is a miss.
func (p *Persisted) Get(key string, dst any) bool {
	_, ok := p.GetWithExpiry(key, dst)
	return ok
}

// GetWithExpiry is Get that also returns the entry expiry.
func (p *Persisted) GetWithExpiry(key string, dst any) (time.Time, bool) {
	entry, ok := p.load(key)
	if !ok {
		return time.Time{}, false
	}

	if p.now().UnixMilli() >= *entry.Expiry {
		p.drop(key)
		return time.Time{}, false
	}

	if err := json.Unmarshal(entry.Value, dst); err != nil {
		p.logger.Debug("dropping undecodable cache value", zap.String("key", key), zap.Error(err))
		p.drop(key)
		return time.Time{}, false
	}

	return time.UnixMilli(*entry.Expiry), true
}

// IsValid reports whether key holds a well-formed unexpired entry.
func (p *Persisted) IsValid(key string) bool {
	entry, ok := p.load(key)
	if !ok {
		return false
	}

	return p.now().UnixMilli() < *entry.Expiry
}

// Delete removes key.
func (p *Persisted) Delete(key string) error {
	return p.kv.Delete(persistedKeyPrefix + key)
}

// Cleanup removes expired and malformed entries and returns how many were removed.
func (p *Persisted) Cleanup() int {
	keys, err := p.kv.Keys(persistedKeyPrefix)
	if err != nil {
		p.logger.Warn("list persisted cache keys", zap.Error(err))
		return 0
	}

	removed := 0
	nowMs := p.now().UnixMilli()

	for _, full := range keys {
		key := strings.TrimPrefix(full, persistedKeyPrefix)
		raw, found, err := p.kv.Get(full)
		if err != nil || !found {
			continue
		}
		entry, ok := decodeEntry(raw)
		if !ok || nowMs >= *entry.Expiry {
			p.drop(key)
			removed++
		}
	}

	return removed
}

func (p *Persisted) load(key string) (persistedEntry, bool) {
	raw, found, err := p.kv.Get(persistedKeyPrefix + key)
	if err != nil {
		p.logger.Debug("read persisted cache", zap.String("key", key), zap.Error(err))
		return persistedEntry{}, false
	}
	if !found {
		return persistedEntry{}, false
	}

	entry, ok := decodeEntry(raw)
	if !ok {
		p.drop(key)
		return persistedEntry{}, false
	}

	return entry, true
}

func (p *Persisted) drop(key string) {
	if err := p.kv.Delete(persistedKeyPrefix + key); err != nil {
		p.logger.Debug("delete persisted cache entry", zap.String("key", key), zap.Error(err))
	}
}

func decodeEntry(raw []byte) (persistedEntry, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return persistedEntry{}, false
	}

	var entry persistedEntry
	if err := json.Unmarshal(trimmed, &entry); err != nil {
		return persistedEntry{}, false
	}
	if entry.Expiry == nil || len(entry.Value) == 0 {
		return persistedEntry{}, false
	}

	return entry, true
}
