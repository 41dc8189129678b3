package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// generationTTL outlives any cached value. An expired generation reads as 0,
// which only makes in-flight loads skip their write.
const generationTTL = 24 * time.Hour

// Redis is a Backend on a shared go-redis client. The client lifecycle is
// managed by the caller. Generations live in a sibling key so that nodes
// sharing the instance agree on them.
type Redis struct {
	client redis.UniversalClient
}

func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

func (r *Redis) Generation(ctx context.Context, key string) (uint64, error) {
	gen, err := r.client.Get(ctx, generationKey(key)).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

// SetIfGeneration watches the generation key so an Invalidate racing with the
// write aborts it.
func (r *Redis) SetIfGeneration(ctx context.Context, key string, gen uint64, value []byte, ttl time.Duration) (bool, error) {
	genKey := generationKey(key)
	stored := false
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, genKey).Uint64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != gen {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, value, ttl)
			return nil
		})
		if err != nil {
			return err
		}
		stored = true
		return nil
	}, genKey)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	return stored, err
}

func (r *Redis) Invalidate(ctx context.Context, key string) error {
	genKey := generationKey(key)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, genKey)
		pipe.Expire(ctx, genKey, generationTTL)
		pipe.Del(ctx, key)
		return nil
	})
	return err
}

func generationKey(key string) string {
	return key + ":gen"
}
