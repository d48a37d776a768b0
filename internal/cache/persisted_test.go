package cache

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemKV() *memKV {
	return &memKV{data: make(map[string][]byte)}
}

func (m *memKV) Get(key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memKV) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memKV) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memKV) Keys(prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

type quote struct {
	Buy  float64 `json:"buy"`
	Sell float64 `json:"sell"`
}

func TestPersisted_RoundTripAndExpiry(t *testing.T) {
	clock := newFakeClock()
	kv := newMemKV()
	p := NewPersisted(kv, zap.NewNop(), clock.Now)

	require.NoError(t, p.Set("eur", quote{Buy: 1, Sell: 2}, time.Minute))

	var got quote
	require.True(t, p.Get("eur", &got))
	assert.Equal(t, quote{Buy: 1, Sell: 2}, got)
	assert.True(t, p.IsValid("eur"))

	clock.Advance(time.Minute)
	assert.False(t, p.Get("eur", &got))
	_, found, _ := kv.Get("cache:eur")
	assert.False(t, found, "expired entry is removed")
}

func TestPersisted_MalformedEntries(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "not json", raw: "garbage"},
		{name: "array", raw: "[1,2]"},
		{name: "missing expiry", raw: `{"value":1}`},
		{name: "string expiry", raw: `{"value":1,"expiry":"soon"}`},
		{name: "missing value", raw: `{"expiry":99999999999999}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kv := newMemKV()
			require.NoError(t, kv.Set("cache:k", []byte(tt.raw)))
			p := NewPersisted(kv, zap.NewNop(), nil)

			var v any
			assert.False(t, p.Get("k", &v))
			_, found, _ := kv.Get("cache:k")
			assert.False(t, found, "malformed entry is dropped")
		})
	}
}

func TestPersisted_Cleanup(t *testing.T) {
	clock := newFakeClock()
	kv := newMemKV()
	p := NewPersisted(kv, zap.NewNop(), clock.Now)

	require.NoError(t, p.Set("short", 1, time.Second))
	require.NoError(t, p.Set("long", 2, time.Hour))
	require.NoError(t, kv.Set("cache:broken", []byte("{")))
	require.NoError(t, kv.Set("ratelimit:vertofx", []byte("{}")))

	clock.Advance(time.Minute)

	assert.Equal(t, 2, p.Cleanup())
	keys, _ := kv.Keys("")
	assert.ElementsMatch(t, []string{"cache:long", "ratelimit:vertofx"}, keys)
}

func TestLayered(t *testing.T) {
	clock := newFakeClock()
	kv := newMemKV()
	durable := NewPersisted(kv, zap.NewNop(), clock.Now)

	first := NewLayered[quote](NewExpiring(4, WithClock(clock.Now)), durable)
	require.NoError(t, first.Set("usd", quote{Buy: 3}, 5*time.Minute))

	// a fresh process only has the durable tier
	mem := NewExpiring(4, WithClock(clock.Now))
	second := NewLayered[quote](mem, durable)

	got, ok := second.Get("usd")
	require.True(t, ok)
	assert.Equal(t, quote{Buy: 3}, got)
	assert.True(t, mem.IsValid("usd"), "durable hit is promoted")

	clock.Advance(5 * time.Minute)
	assert.False(t, second.IsValid("usd"))
	_, ok = second.Get("usd")
	assert.False(t, ok)
}
