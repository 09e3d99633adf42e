package cache

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// StreamSnapshot is the per-symbol latest value fed by provider push.
type StreamSnapshot struct {
	Symbol   string      `json:"symbol"`
	Payload  interface{} `json:"payload"`
	TS       time.Time   `json:"ts"`
	Provider string      `json:"provider"`
}

// StreamCache holds the latest snapshot per symbol with a short TTL bounding
// staleness. Writes happen on provider push; reads happen on WS subscribe and
// on each fan-out tick. Snapshots are written through to a dedicated Redis DB
// so restarts and sibling processes can rehydrate, but the write is
// best-effort. The cache knows nothing about sockets.
type StreamCache struct {
	mu      sync.RWMutex
	entries map[string]streamEntry

	hotTTL  time.Duration
	warm    *WarmCache // separate stream DB, may be nil
	warmTTL time.Duration
	ser     *Serializer
}

type streamEntry struct {
	snap      StreamSnapshot
	expiresAt time.Time
}

// NewStreamCache creates a stream cache. warm may be nil for process-local
// operation.
func NewStreamCache(hotTTL time.Duration, warm *WarmCache, warmTTL time.Duration, ser *Serializer) *StreamCache {
	if hotTTL <= 0 {
		hotTTL = 2 * time.Second
	}
	if warmTTL <= 0 {
		warmTTL = 10 * time.Second
	}
	return &StreamCache{
		entries: make(map[string]streamEntry),
		hotTTL:  hotTTL,
		warm:    warm,
		warmTTL: warmTTL,
		ser:     ser,
	}
}

// Put replaces the latest snapshot for a symbol.
func (s *StreamCache) Put(ctx context.Context, symbol string, payload interface{}, ts time.Time, provider string) {
	snap := StreamSnapshot{Symbol: symbol, Payload: payload, TS: ts, Provider: provider}

	s.mu.Lock()
	s.entries[StreamKey(symbol)] = streamEntry{snap: snap, expiresAt: time.Now().Add(s.hotTTL)}
	s.mu.Unlock()

	if s.warm == nil {
		return
	}
	data, err := s.ser.Encode(snap)
	if err != nil {
		log.Error().Err(err).Str("symbol", symbol).Msg("Failed to encode stream snapshot")
		return
	}
	if err := s.warm.Set(ctx, StreamKey(symbol), data, s.warmTTL); err != nil {
		log.Debug().Err(err).Str("symbol", symbol).Msg("Stream warm write skipped")
	}
}

// GetLatest returns the freshest snapshot for a symbol, falling back to the
// warm tier when the local entry has aged out.
func (s *StreamCache) GetLatest(ctx context.Context, symbol string) (*StreamSnapshot, bool) {
	key := StreamKey(symbol)

	s.mu.RLock()
	ent, ok := s.entries[key]
	s.mu.RUnlock()
	if ok && time.Now().Before(ent.expiresAt) {
		snap := ent.snap
		return &snap, true
	}

	if s.warm == nil || !s.warm.Healthy() {
		return nil, false
	}
	data, ok, err := s.warm.Get(ctx, key)
	if err != nil || !ok {
		return nil, false
	}
	var snap StreamSnapshot
	if err := s.ser.Decode(data, &snap); err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("Dropping undecodable stream snapshot")
		_ = s.warm.Del(ctx, key)
		return nil, false
	}

	s.mu.Lock()
	s.entries[key] = streamEntry{snap: snap, expiresAt: time.Now().Add(s.hotTTL)}
	s.mu.Unlock()
	return &snap, true
}

// Invalidate removes a symbol's snapshot from both tiers.
func (s *StreamCache) Invalidate(ctx context.Context, symbol string) {
	key := StreamKey(symbol)

	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()

	if s.warm != nil {
		if err := s.warm.Del(ctx, key); err != nil {
			log.Debug().Err(err).Str("symbol", symbol).Msg("Stream warm delete skipped")
		}
	}
}

// Len returns the number of locally cached symbols, expired included until
// the next replacement.
func (s *StreamCache) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Healthy probes the stream tier: local state is always available; the warm
// write-through only degrades freshness across processes.
func (s *StreamCache) Healthy() bool {
	if s.warm == nil {
		return true
	}
	return s.warm.Healthy()
}
