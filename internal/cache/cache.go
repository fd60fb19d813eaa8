package cache

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Namespace prefixes every key written by the ingester.
const Namespace = "feedingest"

// Cache is a small byte cache used for derived listings that writes invalidate.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Key builds a namespaced cache key.
func Key(parts ...string) string {
	return Namespace + ":" + strings.Join(parts, ":")
}

// New creates the configured cache backend.
func New(ctx context.Context, typ, redisAddr string) (Cache, error) {
	switch strings.TrimSpace(strings.ToLower(typ)) {
	case "", "none", "disabled":
		return noopCache{}, nil
	case "memory":
		return NewMemory(), nil
	case "redis":
		return NewRedis(ctx, redisAddr)
	default:
		return nil, fmt.Errorf("unsupported cache type %q", typ)
	}
}

type noopCache struct{}

func (noopCache) Get(context.Context, string) ([]byte, bool, error)        { return nil, false, nil }
func (noopCache) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (noopCache) Delete(context.Context, string) error                     { return nil }
func (noopCache) Close() error                                             { return nil }
