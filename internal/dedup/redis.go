package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/punchamoorthee/depositops/internal/domain"
	"github.com/redis/go-redis/v9"
)

type RedisGuard struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisGuard(client redis.UniversalClient, ttl time.Duration) *RedisGuard {
	return &RedisGuard{
		client: client,
		prefix: "deposit:event:",
		ttl:    ttl,
	}
}

func (g *RedisGuard) Seen(ctx context.Context, ref domain.EventRef) (bool, error) {
	n, err := g.client.Exists(ctx, fmt.Sprintf("%s%s", g.prefix, key(ref))).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (g *RedisGuard) Mark(ctx context.Context, ref domain.EventRef) error {
	return g.client.Set(ctx, fmt.Sprintf("%s%s", g.prefix, key(ref)), 1, g.ttl).Err()
}
