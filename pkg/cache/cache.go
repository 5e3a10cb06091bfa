package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	// ErrCacheMiss is returned when a key is not found in cache
	ErrCacheMiss = errors.New("cache miss")
)

// Cache defines the interface for cache operations
type Cache interface {
	// Get decodes the value stored under key into dest
	Get(ctx context.Context, key string, dest interface{}) error

	// Set stores a value in cache with TTL. A zero ttl uses the default.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	Delete(ctx context.Context, key string) error

	// Invalidate removes all keys matching a glob pattern
	Invalidate(ctx context.Context, pattern string) error

	Ping(ctx context.Context) error
	Close() error
}

// Codec defines the interface for encoding/decoding cache values
type Codec interface {
	Encode(value interface{}) ([]byte, error)
	Decode(data []byte, dest interface{}) error
}

// JSONCodec implements Codec using JSON encoding
type JSONCodec struct{}

func (c *JSONCodec) Encode(value interface{}) ([]byte, error) {
	return json.Marshal(value)
}

func (c *JSONCodec) Decode(data []byte, dest interface{}) error {
	return json.Unmarshal(data, dest)
}

// Options represents cache configuration options
type Options struct {
	// DefaultTTL applies when Set is called with a zero ttl
	DefaultTTL time.Duration

	// Namespace prefixes every key and labels the cache metrics
	Namespace string

	Codec Codec
}

func DefaultOptions() *Options {
	return &Options{
		DefaultTTL: 5 * time.Minute,
		Codec:      &JSONCodec{},
	}
}

// KeyBuilder joins key parts with ':'.
type KeyBuilder struct {
	namespace string
}

func NewKeyBuilder(namespace string) *KeyBuilder {
	return &KeyBuilder{namespace: namespace}
}

func (b *KeyBuilder) Build(parts ...string) string {
	if b.namespace != "" {
		parts = append([]string{b.namespace}, parts...)
	}
	return strings.Join(parts, ":")
}

// Pattern builds a pattern for cache invalidation
func (b *KeyBuilder) Pattern(parts ...string) string {
	return b.Build(parts...) + "*"
}
