package kv

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis adapts a go-redis client to the Store contract.
//
// Watch maps onto WATCH/MULTI/EXEC via the client's Watch helper; the
// time-ordered index maps onto a sorted set scored by unix seconds.
type Redis struct {
	rdb *redis.Client
}

func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

// delIfEqualsScript deletes KEYS[1] only when it still holds ARGV[1].
// Compare-and-delete must be atomic or a stale cleanup could release a key
// that a newer owner has since reacquired.
var delIfEqualsScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.rdb.Set(ctx, key, value, ttl).Err()
}

func (r *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return r.rdb.SetNX(ctx, key, value, ttl).Result()
}

func (r *Redis) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.rdb.Del(ctx, keys...).Err()
}

func (r *Redis) DelIfEquals(ctx context.Context, key, expected string) (bool, error) {
	n, err := delIfEqualsScript.Run(ctx, r.rdb, []string{key}, expected).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return r.rdb.Expire(ctx, key, ttl).Result()
}

func (r *Redis) Watch(ctx context.Context, key string, fn func(tx Tx) error) error {
	err := r.rdb.Watch(ctx, func(rtx *redis.Tx) error {
		return fn(&redisTx{tx: rtx})
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrTxConflict
	}
	return err
}

func (r *Redis) IndexAdd(ctx context.Context, index, member string, at time.Time) error {
	return r.rdb.ZAdd(ctx, index, redis.Z{Score: float64(at.Unix()), Member: member}).Err()
}

func (r *Redis) IndexOlderThan(ctx context.Context, index string, cutoff time.Time, limit int64) ([]string, error) {
	return r.rdb.ZRangeByScore(ctx, index, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(cutoff.Unix(), 10),
		Count: limit,
	}).Result()
}

func (r *Redis) IndexRemove(ctx context.Context, index string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return r.rdb.ZRem(ctx, index, args...).Err()
}

type redisTx struct {
	tx *redis.Tx
}

func (t *redisTx) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := t.tx.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (t *redisTx) Commit(ctx context.Context, fn func(p Pipe)) error {
	_, err := t.tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		fn(&redisPipe{pipe: pipe})
		return nil
	})
	return err
}

type redisPipe struct {
	pipe redis.Pipeliner
}

func (p *redisPipe) Set(key, value string, ttl time.Duration) {
	p.pipe.Set(context.Background(), key, value, ttl)
}

func (p *redisPipe) Del(key string) {
	p.pipe.Del(context.Background(), key)
}

func (p *redisPipe) Expire(key string, ttl time.Duration) {
	p.pipe.Expire(context.Background(), key, ttl)
}
