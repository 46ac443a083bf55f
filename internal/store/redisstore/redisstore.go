// Package redisstore provides a Redis implementation of store.Store.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/lifeline/internal/store"
)

var tracer = otel.Tracer("github.com/linnemanlabs/lifeline/internal/store/redisstore")

const scanBatch = 500

// Config holds connection settings.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// Store persists keys in Redis. Every key is namespaced with KeyPrefix.
type Store struct {
	rdb    redis.UniversalClient
	prefix string
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return &Store{rdb: rdb, prefix: cfg.KeyPrefix}, nil
}

// NewFromClient wraps an existing client.
func NewFromClient(rdb redis.UniversalClient, prefix string) *Store {
	return &Store{rdb: rdb, prefix: prefix}
}

// Close shuts down the client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

func (s *Store) k(key string) string { return s.prefix + key }

func (s *Store) span(ctx context.Context, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "redisstore."+op, trace.WithAttributes(
		attribute.String("db.system", "redis"),
		attribute.String("db.operation.name", strings.ToUpper(op)),
	))
}

func fail(span trace.Span, op, key string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return store.Unavailable(op, key, err)
}

// Get returns the string value of key.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, span := s.span(ctx, "get")
	defer span.End()

	v, err := s.rdb.Get(ctx, s.k(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fail(span, "get", key, err)
	}
	return v, true, nil
}

// Set stores value under key with an optional ttl.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, span := s.span(ctx, "set")
	defer span.End()

	if err := s.rdb.Set(ctx, s.k(key), value, ttl).Err(); err != nil {
		return fail(span, "set", key, err)
	}
	return nil
}

// SetNX stores value only if key does not exist.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, span := s.span(ctx, "setnx")
	defer span.End()

	ok, err := s.rdb.SetNX(ctx, s.k(key), value, ttl).Result()
	if err != nil {
		return false, fail(span, "setnx", key, err)
	}
	return ok, nil
}

// Del removes keys.
func (s *Store) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	ctx, span := s.span(ctx, "del")
	defer span.End()

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.k(k)
	}
	n, err := s.rdb.Del(ctx, full...).Result()
	if err != nil {
		return 0, fail(span, "del", keys[0], err)
	}
	return n, nil
}

// Expire sets a ttl on an existing key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ctx, span := s.span(ctx, "expire")
	defer span.End()

	ok, err := s.rdb.Expire(ctx, s.k(key), ttl).Result()
	if err != nil {
		return false, fail(span, "expire", key, err)
	}
	return ok, nil
}

// TTL returns the remaining lifetime of key, store.NoExpiry or store.Missing.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	ctx, span := s.span(ctx, "ttl")
	defer span.End()

	d, err := s.rdb.TTL(ctx, s.k(key)).Result()
	if err != nil {
		return 0, fail(span, "ttl", key, err)
	}
	switch d {
	case -1:
		return store.NoExpiry, nil
	case -2:
		return store.Missing, nil
	}
	return d, nil
}

// IncrBy atomically adds n to the integer at key.
func (s *Store) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	ctx, span := s.span(ctx, "incrby")
	defer span.End()

	v, err := s.rdb.IncrBy(ctx, s.k(key), n).Result()
	if err != nil {
		return 0, fail(span, "incrby", key, err)
	}
	return v, nil
}

// HIncrBy atomically adds n to a hash field.
func (s *Store) HIncrBy(ctx context.Context, key, field string, n int64) (int64, error) {
	ctx, span := s.span(ctx, "hincrby")
	defer span.End()

	v, err := s.rdb.HIncrBy(ctx, s.k(key), field, n).Result()
	if err != nil {
		return 0, fail(span, "hincrby", key, err)
	}
	return v, nil
}

// HIncrByFloat atomically adds f to a hash field.
func (s *Store) HIncrByFloat(ctx context.Context, key, field string, f float64) (float64, error) {
	ctx, span := s.span(ctx, "hincrbyfloat")
	defer span.End()

	v, err := s.rdb.HIncrByFloat(ctx, s.k(key), field, f).Result()
	if err != nil {
		return 0, fail(span, "hincrbyfloat", key, err)
	}
	return v, nil
}

// HGetAll returns every field of a hash.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	ctx, span := s.span(ctx, "hgetall")
	defer span.End()

	m, err := s.rdb.HGetAll(ctx, s.k(key)).Result()
	if err != nil {
		return nil, fail(span, "hgetall", key, err)
	}
	return m, nil
}

// HSet writes fields into a hash.
func (s *Store) HSet(ctx context.Context, key string, fields map[string]string) error {
	ctx, span := s.span(ctx, "hset")
	defer span.End()

	if len(fields) == 0 {
		return nil
	}
	if err := s.rdb.HSet(ctx, s.k(key), fields).Err(); err != nil {
		return fail(span, "hset", key, err)
	}
	return nil
}

// HSetNX writes field only if the hash does not hold it yet.
func (s *Store) HSetNX(ctx context.Context, key, field, value string) (bool, error) {
	ctx, span := s.span(ctx, "hsetnx")
	defer span.End()

	ok, err := s.rdb.HSetNX(ctx, s.k(key), field, value).Result()
	if err != nil {
		return false, fail(span, "hsetnx", key, err)
	}
	return ok, nil
}

// ZAdd adds or updates member with score.
func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	ctx, span := s.span(ctx, "zadd")
	defer span.End()

	if err := s.rdb.ZAdd(ctx, s.k(key), redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fail(span, "zadd", key, err)
	}
	return nil
}

// ZRangeByScore returns members with min <= score <= max ordered by score.
func (s *Store) ZRangeByScore(ctx context.Context, key string, minScore, maxScore float64) ([]string, error) {
	ctx, span := s.span(ctx, "zrangebyscore")
	defer span.End()

	out, err := s.rdb.ZRangeByScore(ctx, s.k(key), &redis.ZRangeBy{
		Min: formatScore(minScore),
		Max: formatScore(maxScore),
	}).Result()
	if err != nil {
		return nil, fail(span, "zrangebyscore", key, err)
	}
	return out, nil
}

// ZRemRangeByScore removes members with min <= score <= max.
func (s *Store) ZRemRangeByScore(ctx context.Context, key string, minScore, maxScore float64) (int64, error) {
	ctx, span := s.span(ctx, "zremrangebyscore")
	defer span.End()

	n, err := s.rdb.ZRemRangeByScore(ctx, s.k(key), formatScore(minScore), formatScore(maxScore)).Result()
	if err != nil {
		return 0, fail(span, "zremrangebyscore", key, err)
	}
	return n, nil
}

// ZRem removes members from a sorted set.
func (s *Store) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	ctx, span := s.span(ctx, "zrem")
	defer span.End()

	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	n, err := s.rdb.ZRem(ctx, s.k(key), args...).Result()
	if err != nil {
		return 0, fail(span, "zrem", key, err)
	}
	return n, nil
}

// Scan iterates SCAN MATCH over the keyspace and returns unprefixed keys.
func (s *Store) Scan(ctx context.Context, pattern string) ([]string, error) {
	ctx, span := s.span(ctx, "scan")
	defer span.End()

	var out []string
	iter := s.rdb.Scan(ctx, 0, s.k(pattern), scanBatch).Iterator()
	for iter.Next(ctx) {
		out = append(out, strings.TrimPrefix(iter.Val(), s.prefix))
	}
	if err := iter.Err(); err != nil {
		return out, fail(span, "scan", pattern, err)
	}
	span.SetAttributes(attribute.Int("lifeline.scan.keys", len(out)))
	return out, nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return store.Unavailable("ping", "", err)
	}
	return nil
}

func formatScore(f float64) string {
	switch {
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsInf(f, 1):
		return "+inf"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

var _ store.Store = (*Store)(nil)
