package governor

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

// RedisCounter shares call budgets across instances.
type RedisCounter struct {
	client redis.Cmdable
	prefix string
}

// NewRedisCounter creates a Counter backed by Redis. Keys are namespaced
// under prefix ("consensus" -> "consensus:rate:<key>").
func NewRedisCounter(client redis.Cmdable, prefix string) *RedisCounter {
	if prefix == "" {
		prefix = "consensus"
	}
	return &RedisCounter{client: client, prefix: prefix}
}

func (r *RedisCounter) key(k string) string {
	return r.prefix + ":rate:" + k
}

// Get implements Counter.
func (r *RedisCounter) Get(ctx context.Context, key string) (int, error) {
	n, err := r.client.Get(ctx, r.key(key)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, eris.Wrapf(err, "governor: redis get %s", key)
	}
	return n, nil
}

// Incr implements Counter. INCR and EXPIREAT run in one transaction so a
// window key never outlives its boundary.
func (r *RedisCounter) Incr(ctx context.Context, key string, expireAt time.Time) (int, error) {
	k := r.key(key)
	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.ExpireAt(ctx, k, expireAt)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, eris.Wrapf(err, "governor: redis incr %s", key)
	}
	return int(incr.Val()), nil
}
