// Package store defines the shared key-value contract lifeline persists all
// of its state through: alerts, escalation timers, cooldown windows, subject
// history, circuit breaker snapshots and response metrics.
//
// The store is the single source of truth shared by every background task and
// every process instance. Cross-task coordination relies on its atomic
// primitives (SetNX, IncrBy, HIncrBy, TTL) rather than in-process locks.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	// NoExpiry is returned by TTL for a key that exists without an expiry.
	NoExpiry time.Duration = -1

	// Missing is returned by TTL for a key that does not exist.
	Missing time.Duration = -2
)

// ErrUnavailable marks errors caused by an unreachable or failing backend.
// Callers use errors.Is(err, ErrUnavailable) to select their degraded mode.
var ErrUnavailable = errors.New("store unavailable")

// Store is an ordered key-value store with expiry, atomic increments, numeric
// score ranges and pattern based key enumeration.
//
// A ttl of zero means the key never expires. Get and HGetAll report a missing
// key through the bool/empty result, never through an error.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	TTL(ctx context.Context, key string) (time.Duration, error)

	IncrBy(ctx context.Context, key string, n int64) (int64, error)
	HIncrBy(ctx context.Context, key, field string, n int64) (int64, error)
	HIncrByFloat(ctx context.Context, key, field string, f float64) (float64, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	// HSet writes only the given fields, leaving the others untouched.
	HSet(ctx context.Context, key string, fields map[string]string) error
	// HSetNX writes field only if it is not already set.
	HSetNX(ctx context.Context, key, field, value string) (bool, error)

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRangeByScore(ctx context.Context, key string, minScore, maxScore float64) ([]string, error)
	ZRemRangeByScore(ctx context.Context, key string, minScore, maxScore float64) (int64, error)
	ZRem(ctx context.Context, key string, members ...string) (int64, error)

	// Scan returns every key matching a glob pattern ("alert:*").
	Scan(ctx context.Context, pattern string) ([]string, error)

	Ping(ctx context.Context) error
}

// OpError wraps a backend failure for a single store operation.
type OpError struct {
	Op  string
	Key string
	Err error
}

func (e *OpError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Key, e.Err)
}

// Unwrap exposes both ErrUnavailable and the backend cause.
func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrUnavailable}
	}
	return []error{ErrUnavailable, e.Err}
}

// Unavailable builds an *OpError for op on key.
func Unavailable(op, key string, err error) error {
	return &OpError{Op: op, Key: key, Err: err}
}
