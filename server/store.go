package server

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by Store reads when the key is missing or
// has expired. Pipeline reads treat it as a defined default, never as
// a failure.
var ErrNotFound = errors.New("store: key not found")

// Batch collects writes that must land together on a stage handoff. If
// the batch fails, none of the writes are observed and the stage does
// not advance.
type Batch interface {
	Set(key, value string, ttl time.Duration)
	Del(keys ...string)
	HSet(key string, fields map[string]string, ttl time.Duration)
}

// Store is the narrow facade over the expiring key-value store. All
// cross-component state goes through it; the underlying command
// surface never leaks into the pipeline.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error

	HSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error
	HGet(ctx context.Context, key, field string) (string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// Incr increments an atomic counter, setting ttl on first use.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	TTL(ctx context.Context, key string) (time.Duration, error)

	Batch(ctx context.Context, fn func(b Batch)) error

	Publish(ctx context.Context, channel, payload string) error
	Subscribe(ctx context.Context, channel string) (<-chan string, func())

	Close() error
}

// redisStore implements Store on go-redis.
type redisStore struct {
	rdb *redis.Client
}

// NewRedisStore connects to the key-value store at the given URL.
func NewRedisStore(ctx context.Context, url string) (Store, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &redisStore{rdb: rdb}, nil
}

func (s *redisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return v, err
}

func (s *redisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

func (s *redisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.rdb.Del(ctx, keys...).Err()
}

func (s *redisStore) HSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	pipe := s.rdb.TxPipeline()
	args := make([]interface{}, 0, len(fields)*2)
	for f, v := range fields {
		args = append(args, f, v)
	}
	pipe.HSet(ctx, key, args...)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *redisStore) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := s.rdb.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return v, err
}

func (s *redisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.rdb.HGetAll(ctx, key).Result()
}

func (s *redisStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := s.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (s *redisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, ErrNotFound
	}
	return d, nil
}

type redisBatch struct {
	ctx  context.Context
	pipe redis.Pipeliner
}

func (b *redisBatch) Set(key, value string, ttl time.Duration) {
	b.pipe.Set(b.ctx, key, value, ttl)
}

func (b *redisBatch) Del(keys ...string) {
	if len(keys) > 0 {
		b.pipe.Del(b.ctx, keys...)
	}
}

func (b *redisBatch) HSet(key string, fields map[string]string, ttl time.Duration) {
	args := make([]interface{}, 0, len(fields)*2)
	for f, v := range fields {
		args = append(args, f, v)
	}
	b.pipe.HSet(b.ctx, key, args...)
	if ttl > 0 {
		b.pipe.Expire(b.ctx, key, ttl)
	}
}

func (s *redisStore) Batch(ctx context.Context, fn func(b Batch)) error {
	pipe := s.rdb.TxPipeline()
	fn(&redisBatch{ctx: ctx, pipe: pipe})
	_, err := pipe.Exec(ctx)
	return err
}

func (s *redisStore) Publish(ctx context.Context, channel, payload string) error {
	return s.rdb.Publish(ctx, channel, payload).Err()
}

func (s *redisStore) Subscribe(ctx context.Context, channel string) (<-chan string, func()) {
	sub := s.rdb.Subscribe(ctx, channel)
	out := make(chan string, 16)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			out <- msg.Payload
		}
	}()
	return out, func() { sub.Close() }
}

func (s *redisStore) Close() error {
	return s.rdb.Close()
}
