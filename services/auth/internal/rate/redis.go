package rate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultRedisPrefix = "authcore:rl:"

// RedisStore keeps each record as a JSON value with a TTL matching its
// expiry. Apply is an optimistic WATCH/MULTI transaction; a concurrent write
// to the same key surfaces as ErrConflict.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedis(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
	}
}

func (s *RedisStore) Name() string {
	return "redis"
}

func (s *RedisStore) Apply(ctx context.Context, key Key, now time.Time, fn Mutation) (*Record, error) {
	redisKey := s.prefix + key.String()

	var out *Record
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := s.load(ctx, tx, redisKey)
		if err != nil {
			return err
		}

		next := fn(cur)
		var payload []byte
		if next != nil {
			if payload, err = json.Marshal(next); err != nil {
				return fmt.Errorf("encode record: %w", err)
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next == nil {
				pipe.Del(ctx, redisKey)
				return nil
			}
			pipe.Set(ctx, redisKey, payload, keyTTL(next, now))
			return nil
		})
		if err != nil {
			return err
		}
		out = next
		return nil
	}, redisKey)

	if errors.Is(err, redis.TxFailedErr) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *RedisStore) load(ctx context.Context, tx *redis.Tx, redisKey string) (*Record, error) {
	raw, err := tx.Get(ctx, redisKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		// A corrupt value is treated as absent and overwritten.
		return nil, nil
	}
	return &rec, nil
}

func (s *RedisStore) Delete(ctx context.Context, key Key) error {
	return s.client.Del(ctx, s.prefix+key.String()).Err()
}

// Sweep is a no-op: every key carries a TTL equal to its record's expiry.
func (s *RedisStore) Sweep(context.Context, time.Time) (int, error) {
	return 0, nil
}

// keyTTL is the time from now until rec expires, at least one second.
func keyTTL(rec *Record, now time.Time) time.Duration {
	ttl := rec.Expiry().Sub(now)
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}
