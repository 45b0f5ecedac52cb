package cache

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
)

// schemaVersion is bumped whenever the persisted entry layout changes.
// Entries written with any other version decode as malformed.
const schemaVersion = 1

type envelope struct {
	Version int                `json:"v"`
	Entry   *domain.CacheEntry `json:"entry"`
}

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	decoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
)

// encodeEntry serializes entry for the L2 and L3 tiers.
func encodeEntry(entry *domain.CacheEntry) ([]byte, error) {
	raw, err := json.Marshal(envelope{Version: schemaVersion, Entry: entry})
	if err != nil {
		return nil, fmt.Errorf("marshal cache envelope: %w", err)
	}
	return encoder.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
}

// decodeEntry is the inverse of encodeEntry. Any failure is reported as
// domain.ErrMalformedCacheEntry.
func decodeEntry(key string, data []byte) (*domain.CacheEntry, error) {
	raw, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, domain.WrapError(domain.ErrMalformedCacheEntry, "cache.decode", err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, domain.WrapError(domain.ErrMalformedCacheEntry, "cache.decode", err)
	}
	if env.Version != schemaVersion {
		return nil, domain.WrapError(domain.ErrMalformedCacheEntry, "cache.decode",
			fmt.Errorf("schema version %d, want %d", env.Version, schemaVersion))
	}
	if env.Entry == nil || env.Entry.Key != key {
		return nil, domain.WrapError(domain.ErrMalformedCacheEntry, "cache.decode",
			fmt.Errorf("entry key mismatch"))
	}
	return env.Entry, nil
}
