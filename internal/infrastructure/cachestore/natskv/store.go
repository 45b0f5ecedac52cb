// Package natskv implements the shared L2 cache tier on a NATS JetStream
// key-value bucket.
package natskv

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
)

// keyValue is the slice of a JetStream bucket the store uses.
type keyValue interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	// Create fails with jetstream.ErrKeyExists when key holds a value.
	Create(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

type bucket struct {
	kv jetstream.KeyValue
}

func (b bucket) Get(ctx context.Context, key string) ([]byte, error) {
	entry, err := b.kv.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return entry.Value(), nil
}

func (b bucket) Put(ctx context.Context, key string, value []byte) error {
	_, err := b.kv.Put(ctx, key, value)
	return err
}

func (b bucket) Create(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := b.kv.Create(ctx, key, value, jetstream.KeyTTL(ttl))
	return err
}

func (b bucket) Delete(ctx context.Context, key string) error {
	return b.kv.Delete(ctx, key)
}

func (b bucket) Keys(ctx context.Context) ([]string, error) {
	lister, err := b.kv.ListKeys(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = lister.Stop() }()
	var out []string
	for k := range lister.Keys() {
		out = append(out, k)
	}
	return out, nil
}

// Store satisfies ports.DistributedStore. Bucket keys are
// "<key type>.<base64url(cache key)>" because cache keys may hold characters
// NATS subjects reject. When the bucket allows per-key TTL, SetEX writes
// the entry TTL to JetStream; otherwise the bucket max age bounds it and the
// cache envelope expiry is checked on read.
type Store struct {
	kv        keyValue
	perKeyTTL bool
}

// Open binds to bucket, creating it with the given max age when absent.
// New buckets enable per-key TTL; servers older than 2.11 reject that and
// get a plain bucket.
func Open(conn *nats.Conn, name string, maxAge, timeout time.Duration) (*Store, error) {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("open jetstream: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	kv, err := js.KeyValue(ctx, name)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		cfg := jetstream.KeyValueConfig{
			Bucket:         name,
			Description:    "knowledge retrieval L2 cache",
			TTL:            maxAge,
			History:        1,
			LimitMarkerTTL: time.Minute,
		}
		kv, err = js.CreateKeyValue(ctx, cfg)
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			cfg.LimitMarkerTTL = 0
			kv, err = js.CreateKeyValue(ctx, cfg)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("bind kv bucket %s: %w", name, err)
	}
	status, err := kv.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("kv bucket %s status: %w", name, err)
	}
	return &Store{kv: bucket{kv: kv}, perKeyTTL: status.LimitMarkerTTL() > 0}, nil
}

func newStore(kv keyValue, perKeyTTL bool) *Store {
	return &Store{kv: kv, perKeyTTL: perKeyTTL}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	value, err := s.kv.Get(ctx, bucketKey(key))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, domain.ErrCacheMiss
		}
		return nil, fmt.Errorf("kv get: %w", err)
	}
	return value, nil
}

// SetEX stores value; ttl <= 0 keeps it until the bucket max age.
// Per-key TTL is only accepted on create, so an existing key is deleted
// first. Losing that race to another writer leaves the other value.
func (s *Store) SetEX(ctx context.Context, key string, ttl time.Duration, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k := bucketKey(key)
	if !s.perKeyTTL || ttl <= 0 {
		if err := s.kv.Put(ctx, k, value); err != nil {
			return fmt.Errorf("kv put: %w", err)
		}
		return nil
	}
	// JetStream message TTLs have second granularity.
	ttl = max(ttl.Round(time.Second), time.Second)
	err := s.kv.Create(ctx, k, value, ttl)
	if errors.Is(err, jetstream.ErrKeyExists) {
		if err := s.kv.Delete(ctx, k); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
			return fmt.Errorf("kv delete before create: %w", err)
		}
		err = s.kv.Create(ctx, k, value, ttl)
		if errors.Is(err, jetstream.ErrKeyExists) {
			return nil
		}
	}
	if err != nil {
		return fmt.Errorf("kv create: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.kv.Delete(ctx, bucketKey(key)); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("kv delete: %w", err)
	}
	return nil
}

// Keys returns the cache keys matching pattern, where '*' matches any run of
// characters. Keys are returned sorted.
func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	raw, err := s.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("kv keys: %w", err)
	}
	out := make([]string, 0, len(raw))
	for _, k := range raw {
		key, ok := cacheKey(k)
		if !ok || !matchGlob(pattern, key) {
			continue
		}
		out = append(out, key)
	}
	sort.Strings(out)
	return out, nil
}

func bucketKey(key string) string {
	return string(domain.KeyTypeOf(key)) + "." + base64.RawURLEncoding.EncodeToString([]byte(key))
}

func cacheKey(bucketKey string) (string, bool) {
	_, encoded, ok := strings.Cut(bucketKey, ".")
	if !ok {
		return "", false
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", false
	}
	return string(raw), true
}

func matchGlob(pattern, s string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == s
	}
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	last := parts[len(parts)-1]
	for _, part := range parts[1 : len(parts)-1] {
		i := strings.Index(s, part)
		if i < 0 {
			return false
		}
		s = s[i+len(part):]
	}
	return len(s) >= len(last) && strings.HasSuffix(s, last)
}
