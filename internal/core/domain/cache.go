package domain

import (
	"strings"
	"time"
)

type Tier string

const (
	TierL1 Tier = "l1"
	TierL2 Tier = "l2"
	TierL3 Tier = "l3"
)

// KeyType is the prefix before the first ':' of a cache key.
type KeyType string

const (
	KeyTypeAll       KeyType = ""
	KeyTypeRetrieval KeyType = "retrieval"
	KeyTypeEmbedding KeyType = "embedding"
	KeyTypeGeneric   KeyType = "generic"
)

func KeyTypeOf(key string) KeyType {
	prefix, _, ok := strings.Cut(key, ":")
	if !ok || prefix == "" {
		return KeyTypeGeneric
	}
	switch KeyType(prefix) {
	case KeyTypeRetrieval, KeyTypeEmbedding:
		return KeyType(prefix)
	default:
		return KeyTypeGeneric
	}
}

type Strategy string

const (
	StrategyRecency    Strategy = "recency"
	StrategyFrequency  Strategy = "frequency"
	StrategySimilarity Strategy = "similarity"
)

type CacheEntry struct {
	Key          string        `json:"key"`
	Value        []byte        `json:"value"`
	KeyType      KeyType       `json:"key_type"`
	CreatedAt    time.Time     `json:"created_at"`
	LastAccessed time.Time     `json:"last_accessed"`
	AccessCount  uint64        `json:"access_count"`
	Importance   float64       `json:"importance"`
	TTL          time.Duration `json:"ttl"`
	Embedding    []float32     `json:"embedding,omitempty"`
	Category     string        `json:"category,omitempty"`
	ClusterID    string        `json:"cluster_id,omitempty"`
	Tags         []string      `json:"tags,omitempty"`
	Tier         Tier          `json:"tier"`
}

// Expired reports whether the entry outlived its TTL; zero TTL never expires.
func (e *CacheEntry) Expired(now time.Time) bool {
	if e.TTL <= 0 {
		return false
	}
	return !now.Before(e.CreatedAt.Add(e.TTL))
}

func (e *CacheEntry) Touch(now time.Time) {
	e.AccessCount++
	e.LastAccessed = now
}

type TierStats struct {
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	HitRate   float64 `json:"hit_rate"`
	Evictions uint64  `json:"evictions"`
	Size      int     `json:"size"`
	Available bool    `json:"available"`
}

type CacheStats struct {
	Tiers         map[Tier]TierStats   `json:"tiers"`
	HitRate       float64              `json:"hit_rate"`
	SemanticHits  uint64               `json:"semantic_hits"`
	ClusterCounts map[string]int       `json:"cluster_counts"`
	Strategies    map[KeyType]Strategy `json:"strategies"`
	AsyncFailures uint64               `json:"async_failures"`
}
