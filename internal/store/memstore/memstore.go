// Package memstore provides an in-memory implementation of store.Store.
// Suitable for dev/testing and single-instance deployments; expiry is
// evaluated lazily against an injectable clock.
package memstore

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/linnemanlabs/lifeline/internal/store"
)

var errWrongType = errors.New("WRONGTYPE operation against a key holding the wrong kind of value")

// Store holds all keys in memory.
type Store struct {
	mu      sync.Mutex
	now     func() time.Time
	strs    map[string]string
	hashes  map[string]map[string]string
	zsets   map[string]map[string]float64
	expires map[string]time.Time
	failErr error
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used to evaluate expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New initializes a new in-memory Store.
func New(opts ...Option) *Store {
	s := &Store{
		now:     time.Now,
		strs:    make(map[string]string),
		hashes:  make(map[string]map[string]string),
		zsets:   make(map[string]map[string]float64),
		expires: make(map[string]time.Time),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Fail makes every subsequent operation return err wrapped as unavailable.
// Passing nil restores normal operation.
func (s *Store) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

func (s *Store) check(op, key string) error {
	if s.failErr != nil {
		return store.Unavailable(op, key, s.failErr)
	}
	return nil
}

// expire drops key if its deadline passed. Caller holds mu.
func (s *Store) expire(key string) {
	exp, ok := s.expires[key]
	if !ok || s.now().Before(exp) {
		return
	}
	s.drop(key)
}

func (s *Store) drop(key string) bool {
	_, a := s.strs[key]
	_, b := s.hashes[key]
	_, c := s.zsets[key]
	delete(s.strs, key)
	delete(s.hashes, key)
	delete(s.zsets, key)
	delete(s.expires, key)
	return a || b || c
}

func (s *Store) exists(key string) bool {
	s.expire(key)
	_, a := s.strs[key]
	_, b := s.hashes[key]
	_, c := s.zsets[key]
	return a || b || c
}

func (s *Store) setTTL(key string, ttl time.Duration) {
	if ttl > 0 {
		s.expires[key] = s.now().Add(ttl)
		return
	}
	delete(s.expires, key)
}

// Get returns the string value of key.
func (s *Store) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("get", key); err != nil {
		return "", false, err
	}
	s.expire(key)
	v, ok := s.strs[key]
	return v, ok, nil
}

// Set stores value under key, replacing any previous value and expiry.
func (s *Store) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("set", key); err != nil {
		return err
	}
	s.drop(key)
	s.strs[key] = value
	s.setTTL(key, ttl)
	return nil
}

// SetNX stores value only if key does not exist.
func (s *Store) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("setnx", key); err != nil {
		return false, err
	}
	if s.exists(key) {
		return false, nil
	}
	s.strs[key] = value
	s.setTTL(key, ttl)
	return true, nil
}

// Del removes keys and returns how many existed.
func (s *Store) Del(_ context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("del", ""); err != nil {
		return 0, err
	}
	var n int64
	for _, k := range keys {
		s.expire(k)
		if s.drop(k) {
			n++
		}
	}
	return n, nil
}

// Expire sets a ttl on an existing key.
func (s *Store) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("expire", key); err != nil {
		return false, err
	}
	if !s.exists(key) {
		return false, nil
	}
	if ttl <= 0 {
		s.drop(key)
		return true, nil
	}
	s.setTTL(key, ttl)
	return true, nil
}

// TTL returns the remaining lifetime of key, store.NoExpiry or store.Missing.
func (s *Store) TTL(_ context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("ttl", key); err != nil {
		return 0, err
	}
	if !s.exists(key) {
		return store.Missing, nil
	}
	exp, ok := s.expires[key]
	if !ok {
		return store.NoExpiry, nil
	}
	return exp.Sub(s.now()), nil
}

// IncrBy atomically adds n to the integer stored at key.
func (s *Store) IncrBy(_ context.Context, key string, n int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("incrby", key); err != nil {
		return 0, err
	}
	s.expire(key)
	if _, ok := s.hashes[key]; ok {
		return 0, errWrongType
	}
	cur, err := parseInt(s.strs[key])
	if err != nil {
		return 0, err
	}
	cur += n
	s.strs[key] = strconv.FormatInt(cur, 10)
	return cur, nil
}

// HIncrBy atomically adds n to a hash field.
func (s *Store) HIncrBy(_ context.Context, key, field string, n int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("hincrby", key); err != nil {
		return 0, err
	}
	h, err := s.hash(key)
	if err != nil {
		return 0, err
	}
	cur, err := parseInt(h[field])
	if err != nil {
		return 0, err
	}
	cur += n
	h[field] = strconv.FormatInt(cur, 10)
	return cur, nil
}

// HIncrByFloat atomically adds f to a hash field.
func (s *Store) HIncrByFloat(_ context.Context, key, field string, f float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("hincrbyfloat", key); err != nil {
		return 0, err
	}
	h, err := s.hash(key)
	if err != nil {
		return 0, err
	}
	var cur float64
	if v := h[field]; v != "" {
		cur, err = strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, err
		}
	}
	cur += f
	h[field] = strconv.FormatFloat(cur, 'f', -1, 64)
	return cur, nil
}

func (s *Store) hash(key string) (map[string]string, error) {
	s.expire(key)
	if _, ok := s.strs[key]; ok {
		return nil, errWrongType
	}
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	return h, nil
}

// HGetAll returns a copy of every field of a hash, empty if missing.
func (s *Store) HGetAll(_ context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("hgetall", key); err != nil {
		return nil, err
	}
	s.expire(key)
	out := make(map[string]string, len(s.hashes[key]))
	for k, v := range s.hashes[key] {
		out[k] = v
	}
	return out, nil
}

// HSet writes fields into a hash, creating it if needed.
func (s *Store) HSet(_ context.Context, key string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("hset", key); err != nil {
		return err
	}
	h, err := s.hash(key)
	if err != nil {
		return err
	}
	for f, v := range fields {
		h[f] = v
	}
	return nil
}

// HSetNX writes field only if the hash does not hold it yet.
func (s *Store) HSetNX(_ context.Context, key, field, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("hsetnx", key); err != nil {
		return false, err
	}
	h, err := s.hash(key)
	if err != nil {
		return false, err
	}
	if _, ok := h[field]; ok {
		return false, nil
	}
	h[field] = value
	return true, nil
}

// ZAdd adds or updates member with score.
func (s *Store) ZAdd(_ context.Context, key string, score float64, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("zadd", key); err != nil {
		return err
	}
	s.expire(key)
	if _, ok := s.strs[key]; ok {
		return errWrongType
	}
	z, ok := s.zsets[key]
	if !ok {
		z = make(map[string]float64)
		s.zsets[key] = z
	}
	z[member] = score
	return nil
}

// ZRangeByScore returns members with min <= score <= max ordered by score.
func (s *Store) ZRangeByScore(_ context.Context, key string, minScore, maxScore float64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("zrangebyscore", key); err != nil {
		return nil, err
	}
	s.expire(key)
	type entry struct {
		member string
		score  float64
	}
	var entries []entry
	for m, sc := range s.zsets[key] {
		if sc >= minScore && sc <= maxScore {
			entries = append(entries, entry{m, sc})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].score == entries[j].score {
			return entries[i].member < entries[j].member
		}
		return entries[i].score < entries[j].score
	})
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.member
	}
	return out, nil
}

// ZRemRangeByScore removes members with min <= score <= max.
func (s *Store) ZRemRangeByScore(_ context.Context, key string, minScore, maxScore float64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("zremrangebyscore", key); err != nil {
		return 0, err
	}
	s.expire(key)
	z := s.zsets[key]
	var n int64
	for m, sc := range z {
		if sc >= minScore && sc <= maxScore {
			delete(z, m)
			n++
		}
	}
	if z != nil && len(z) == 0 {
		s.drop(key)
	}
	return n, nil
}

// ZRem removes members from a sorted set.
func (s *Store) ZRem(_ context.Context, key string, members ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("zrem", key); err != nil {
		return 0, err
	}
	s.expire(key)
	z := s.zsets[key]
	var n int64
	for _, m := range members {
		if _, ok := z[m]; ok {
			delete(z, m)
			n++
		}
	}
	if z != nil && len(z) == 0 {
		s.drop(key)
	}
	return n, nil
}

// Scan returns all live keys matching pattern, sorted.
func (s *Store) Scan(_ context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("scan", pattern); err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	collect := func(k string) {
		seen[k] = struct{}{}
	}
	for k := range s.strs {
		collect(k)
	}
	for k := range s.hashes {
		collect(k)
	}
	for k := range s.zsets {
		collect(k)
	}
	var out []string
	for k := range seen {
		if !s.exists(k) {
			continue
		}
		if store.Match(pattern, k) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Ping reports whether the store is usable.
func (s *Store) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.check("ping", "")
}

func parseInt(v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, errors.New("ERR value is not an integer or out of range")
	}
	return n, nil
}

var _ store.Store = (*Store)(nil)
