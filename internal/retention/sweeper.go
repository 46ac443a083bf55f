// Package retention deletes expired state from the store on a daily
// schedule.
//
// Categories keyed by time (alerts and escalation timers through their ULID,
// daily and weekly stats through their date suffix) are deleted by age. Time
// series (subject history) are trimmed by score. TTL-bearing categories
// (cooldowns, opt-outs, escalation claims) expire on their own; the sweeper
// only verifies that every key still carries a TTL and repairs those that
// lost it.
package retention

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/linnemanlabs/lifeline/internal/alert"
	"github.com/linnemanlabs/lifeline/internal/store"
)

var tracer = otel.Tracer("github.com/linnemanlabs/lifeline/internal/retention")

// Categories.
const (
	CategoryAlerts    = "alerts"
	CategoryTimers    = "escalation_timers"
	CategoryHistory   = "history"
	CategoryDaily     = "daily_stats"
	CategoryWeekly    = "weekly_summaries"
	CategoryCooldowns = "cooldowns"
	CategoryOptOuts   = "opt_outs"
	CategoryClaims    = "escalation_claims"
)

// ErrAlreadyRunning is returned when a cleanup is already in progress on this
// or another instance.
var ErrAlreadyRunning = errors.New("retention: cleanup already running")

// Config holds retention periods and the schedule.
type Config struct {
	Alerts          time.Duration
	Timers          time.Duration
	History         time.Duration
	DailyStats      time.Duration
	WeeklySummaries time.Duration

	// TTLs applied to keys of TTL-bearing categories found without one.
	CooldownTTL time.Duration
	OptOutTTL   time.Duration
	ClaimTTL    time.Duration

	// Hour of day (0-23) the daily cleanup runs at, in Location.
	Hour     int
	Location *time.Location
}

// DefaultConfig returns the default retention periods.
func DefaultConfig() Config {
	const day = 24 * time.Hour
	return Config{
		Alerts:          90 * day,
		Timers:          7 * day,
		History:         30 * day,
		DailyStats:      365 * day,
		WeeklySummaries: 730 * day,
		CooldownTTL:     15 * time.Minute,
		OptOutTTL:       30 * day,
		ClaimTTL:        2 * time.Minute,
		Hour:            3,
		Location:        time.UTC,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	for _, f := range []struct{ v, def *time.Duration }{
		{&c.Alerts, &d.Alerts},
		{&c.Timers, &d.Timers},
		{&c.History, &d.History},
		{&c.DailyStats, &d.DailyStats},
		{&c.WeeklySummaries, &d.WeeklySummaries},
		{&c.CooldownTTL, &d.CooldownTTL},
		{&c.OptOutTTL, &d.OptOutTTL},
		{&c.ClaimTTL, &d.ClaimTTL},
	} {
		if *f.v <= 0 {
			*f.v = *f.def
		}
	}
	if c.Hour < 0 || c.Hour > 23 {
		c.Hour = d.Hour
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	return c
}

// Report summarizes one cleanup run.
type Report struct {
	StartedAt          time.Time        `json:"started_at"`
	RemovedByCategory  map[string]int64 `json:"removed_by_category"`
	RepairedByCategory map[string]int64 `json:"repaired_by_category"`
	DurationMs         int64            `json:"duration_ms"`
}

// Removed returns the total number of removed entries.
func (r *Report) Removed() int64 {
	var n int64
	for _, v := range r.RemovedByCategory {
		n += v
	}
	return n
}

// Hooks receive cleanup events for observability.
type Hooks struct {
	OnCleanup func(r *Report, err error)
}

// Sweeper runs retention cleanups.
type Sweeper struct {
	store  store.Store
	cfg    Config
	logger log.Logger
	hooks  Hooks
	now    func() time.Time
	owner  string

	mu sync.Mutex
}

// New creates a retention sweeper.
func New(st store.Store, cfg Config, logger log.Logger, hooks Hooks) *Sweeper {
	if logger == nil {
		logger = log.Nop()
	}
	return &Sweeper{
		store:  st,
		cfg:    cfg.withDefaults(),
		logger: logger,
		hooks:  hooks,
		now:    time.Now,
		owner:  fmt.Sprintf("retention-%d", time.Now().UnixNano()),
	}
}

// Schedule returns the cron spec of the daily cleanup.
func (s *Sweeper) Schedule() string { return fmt.Sprintf("0 %d * * *", s.cfg.Hour) }

// Run executes RunCleanup daily at the configured hour until ctx is
// cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	c := cron.New(cron.WithLocation(s.cfg.Location))
	if _, err := c.AddFunc(s.Schedule(), func() {
		if _, err := s.RunCleanup(ctx); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			s.logger.Error(ctx, err, "scheduled retention cleanup incomplete")
		}
	}); err != nil {
		return fmt.Errorf("retention: schedule: %w", err)
	}

	s.logger.Info(ctx, "retention cleanup scheduled", "schedule", s.Schedule(), "location", s.cfg.Location.String())
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// RunCleanup runs one cleanup over every category. A failing category does
// not stop the others; their errors are joined.
func (s *Sweeper) RunCleanup(ctx context.Context) (*Report, error) {
	if !s.mu.TryLock() {
		return nil, ErrAlreadyRunning
	}
	defer s.mu.Unlock()

	ctx, span := tracer.Start(ctx, "retention.RunCleanup")
	defer span.End()

	// one sweeper across instances; the lock expires if this process dies
	ok, err := s.store.SetNX(ctx, store.RetentionLockKey, s.owner, time.Hour)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "lock failed")
		return nil, fmt.Errorf("retention: lock: %w", err)
	}
	if !ok {
		return nil, ErrAlreadyRunning
	}
	defer func() {
		if _, err := s.store.Del(context.WithoutCancel(ctx), store.RetentionLockKey); err != nil {
			s.logger.Warn(ctx, "failed to release retention lock", "error", err)
		}
	}()

	start := s.now()
	r := &Report{
		StartedAt:          start,
		RemovedByCategory:  map[string]int64{},
		RepairedByCategory: map[string]int64{},
	}

	var errs []error
	step := func(category string, fn func(context.Context) (int64, error)) {
		n, err := fn(ctx)
		r.RemovedByCategory[category] = n
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", category, err))
		}
	}
	repair := func(category, prefix string, ttl time.Duration) {
		n, err := s.verifyTTL(ctx, prefix, ttl)
		r.RepairedByCategory[category] = n
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", category, err))
		}
	}

	step(CategoryAlerts, func(ctx context.Context) (int64, error) {
		return s.deleteByID(ctx, store.AlertPrefix, start.Add(-s.cfg.Alerts), nil)
	})
	step(CategoryTimers, func(ctx context.Context) (int64, error) {
		return s.deleteByID(ctx, store.TimerPrefix, start.Add(-s.cfg.Timers), func(ctx context.Context, ids []string) error {
			_, err := s.store.ZRem(ctx, store.PendingTimersKey, ids...)
			return err
		})
	})
	step(CategoryHistory, func(ctx context.Context) (int64, error) {
		return s.trimHistory(ctx, start.Add(-s.cfg.History))
	})
	step(CategoryDaily, func(ctx context.Context) (int64, error) {
		return s.deleteByDate(ctx, store.DailyStatsPrefix, start.Add(-s.cfg.DailyStats))
	})
	step(CategoryWeekly, func(ctx context.Context) (int64, error) {
		return s.deleteByDate(ctx, store.WeeklySummaryPrefix, start.Add(-s.cfg.WeeklySummaries))
	})
	repair(CategoryCooldowns, store.CooldownPrefix, s.cfg.CooldownTTL)
	repair(CategoryOptOuts, store.OptOutPrefix, s.cfg.OptOutTTL)
	repair(CategoryClaims, store.ClaimPrefix, s.cfg.ClaimTTL)

	r.DurationMs = s.now().Sub(start).Milliseconds()
	err = errors.Join(errs...)

	span.SetAttributes(
		attribute.Int64("retention.removed", r.Removed()),
		attribute.Int64("retention.duration_ms", r.DurationMs),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "cleanup incomplete")
	}
	if s.hooks.OnCleanup != nil {
		s.hooks.OnCleanup(r, err)
	}

	kv := []any{"duration_ms", r.DurationMs, "removed", r.Removed()}
	for c, n := range r.RemovedByCategory {
		kv = append(kv, "removed_"+c, n)
	}
	for c, n := range r.RepairedByCategory {
		if n > 0 {
			kv = append(kv, "repaired_"+c, n)
		}
	}
	if err != nil {
		s.logger.Error(ctx, err, "retention cleanup finished with errors", kv...)
	} else {
		s.logger.Info(ctx, "retention cleanup finished", kv...)
	}
	return r, err
}

// deleteByID removes keys under prefix whose ULID suffix is older than
// cutoff. after receives the ids of each deleted batch.
func (s *Sweeper) deleteByID(ctx context.Context, prefix string, cutoff time.Time, after func(context.Context, []string) error) (int64, error) {
	keys, err := s.store.Scan(ctx, store.Pattern(prefix))
	if err != nil {
		return 0, err
	}
	var expired, ids []string
	for _, k := range keys {
		id := strings.TrimPrefix(k, prefix)
		created, err := alert.IDTime(id)
		if err != nil {
			s.logger.Warn(ctx, "skipping key with unparseable id", "key", k)
			continue
		}
		if created.Before(cutoff) {
			expired = append(expired, k)
			ids = append(ids, id)
		}
	}
	return s.deleteBatch(ctx, expired, ids, after)
}

// deleteByDate removes keys under prefix whose date suffix is before the
// cutoff day.
func (s *Sweeper) deleteByDate(ctx context.Context, prefix string, cutoff time.Time) (int64, error) {
	keys, err := s.store.Scan(ctx, store.Pattern(prefix))
	if err != nil {
		return 0, err
	}
	c := cutoff.In(s.cfg.Location)
	cutoffDay := time.Date(c.Year(), c.Month(), c.Day(), 0, 0, 0, 0, s.cfg.Location)

	var expired []string
	for _, k := range keys {
		day, err := time.ParseInLocation(store.DateLayout, strings.TrimPrefix(k, prefix), s.cfg.Location)
		if err != nil {
			s.logger.Warn(ctx, "skipping key with unparseable date", "key", k)
			continue
		}
		if day.Before(cutoffDay) {
			expired = append(expired, k)
		}
	}
	return s.deleteBatch(ctx, expired, nil, nil)
}

const batchSize = 500

func (s *Sweeper) deleteBatch(ctx context.Context, keys, ids []string, after func(context.Context, []string) error) (int64, error) {
	var removed int64
	for start := 0; start < len(keys); start += batchSize {
		end := min(start+batchSize, len(keys))
		n, err := s.store.Del(ctx, keys[start:end]...)
		removed += n
		if err != nil {
			return removed, err
		}
		if after != nil {
			if err := after(ctx, ids[start:end]); err != nil {
				return removed, err
			}
		}
	}
	return removed, nil
}

func (s *Sweeper) trimHistory(ctx context.Context, cutoff time.Time) (int64, error) {
	keys, err := s.store.Scan(ctx, store.Pattern(store.HistoryPrefix))
	if err != nil {
		return 0, err
	}
	var removed int64
	var errs []error
	// history scores are unix seconds; the cutoff second itself is kept
	maxScore := float64(cutoff.Unix() - 1)
	for _, k := range keys {
		n, err := s.store.ZRemRangeByScore(ctx, k, math.Inf(-1), maxScore)
		removed += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return removed, errors.Join(errs...)
}

// verifyTTL applies ttl to every key under prefix that has no expiry and
// returns how many were repaired.
func (s *Sweeper) verifyTTL(ctx context.Context, prefix string, ttl time.Duration) (int64, error) {
	keys, err := s.store.Scan(ctx, store.Pattern(prefix))
	if err != nil {
		return 0, err
	}
	var repaired int64
	var errs []error
	for _, k := range keys {
		remaining, err := s.store.TTL(ctx, k)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if remaining != store.NoExpiry {
			continue
		}
		ok, err := s.store.Expire(ctx, k, ttl)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			repaired++
			s.logger.Warn(ctx, "repaired key without expiry", "key", k, "ttl", ttl.String())
		}
	}
	return repaired, errors.Join(errs...)
}
