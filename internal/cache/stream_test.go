package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamCachePutGet(t *testing.T) {
	s := NewStreamCache(time.Second, nil, 0, NewSerializer(EncodingJSON, 1024))

	ts := time.Now()
	s.Put(context.Background(), "700.hk", map[string]interface{}{"lastPrice": 561.0}, ts, "longport")

	snap, ok := s.GetLatest(context.Background(), "700.HK")
	require.True(t, ok, "lookup is case-insensitive on symbol")
	assert.Equal(t, "longport", snap.Provider)
	assert.WithinDuration(t, ts, snap.TS, time.Millisecond)
}

func TestStreamCacheNewestWins(t *testing.T) {
	s := NewStreamCache(time.Second, nil, 0, NewSerializer(EncodingJSON, 1024))

	s.Put(context.Background(), "AAPL.US", map[string]interface{}{"lastPrice": 1.0}, time.Now(), "longport")
	s.Put(context.Background(), "AAPL.US", map[string]interface{}{"lastPrice": 2.0}, time.Now(), "longport")

	snap, ok := s.GetLatest(context.Background(), "AAPL.US")
	require.True(t, ok)
	payload := snap.Payload.(map[string]interface{})
	assert.Equal(t, 2.0, payload["lastPrice"])
	assert.Equal(t, 1, s.Len(), "snapshots replace, never accumulate")
}

func TestStreamCacheExpiry(t *testing.T) {
	s := NewStreamCache(10*time.Millisecond, nil, 0, NewSerializer(EncodingJSON, 1024))

	s.Put(context.Background(), "700.HK", map[string]interface{}{}, time.Now(), "longport")
	time.Sleep(30 * time.Millisecond)

	_, ok := s.GetLatest(context.Background(), "700.HK")
	assert.False(t, ok, "stale snapshot with no warm fallback is a miss")
}

func TestStreamCacheInvalidate(t *testing.T) {
	s := NewStreamCache(time.Second, nil, 0, NewSerializer(EncodingJSON, 1024))

	s.Put(context.Background(), "700.HK", map[string]interface{}{}, time.Now(), "longport")
	s.Invalidate(context.Background(), "700.HK")

	_, ok := s.GetLatest(context.Background(), "700.HK")
	assert.False(t, ok)
}

func TestStreamCacheHealthyWithoutWarm(t *testing.T) {
	s := NewStreamCache(time.Second, nil, 0, NewSerializer(EncodingJSON, 1024))
	assert.True(t, s.Healthy())
}
