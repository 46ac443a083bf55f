package retention

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/linnemanlabs/lifeline/internal/store"
	"github.com/linnemanlabs/lifeline/internal/store/memstore"
)

var now = time.Date(2026, 6, 15, 3, 0, 0, 0, time.UTC)

func idAt(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
}

func newSweeper(st store.Store, hooks Hooks) *Sweeper {
	s := New(st, DefaultConfig(), log.Nop(), hooks)
	s.now = func() time.Time { return now }
	return s
}

func mustSet(t *testing.T, st store.Store, key string, ttl time.Duration) {
	t.Helper()
	if err := st.Set(context.Background(), key, "x", ttl); err != nil {
		t.Fatalf("Set %s: %v", key, err)
	}
}

func exists(t *testing.T, st store.Store, key string) bool {
	t.Helper()
	_, ok, err := st.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get %s: %v", key, err)
	}
	return ok
}

func TestRunCleanup_AlertsByAge(t *testing.T) {
	t.Parallel()

	st := memstore.New(memstore.WithClock(func() time.Time { return now }))
	old := idAt(now.Add(-91 * 24 * time.Hour))
	recent := idAt(now.Add(-89 * 24 * time.Hour))
	mustSet(t, st, store.AlertKey(old), 0)
	mustSet(t, st, store.AlertKey(recent), 0)
	mustSet(t, st, store.AlertKey("not-a-ulid"), 0)

	r, err := newSweeper(st, Hooks{}).RunCleanup(context.Background())
	if err != nil {
		t.Fatalf("RunCleanup: %v", err)
	}
	if r.RemovedByCategory[CategoryAlerts] != 1 {
		t.Errorf("removed alerts = %d, want 1", r.RemovedByCategory[CategoryAlerts])
	}
	if exists(t, st, store.AlertKey(old)) {
		t.Error("old alert should be deleted")
	}
	if !exists(t, st, store.AlertKey(recent)) {
		t.Error("recent alert should be kept")
	}
	if !exists(t, st, store.AlertKey("not-a-ulid")) {
		t.Error("unparseable keys are skipped, not deleted")
	}
}

func TestRunCleanup_TimersAndPendingIndex(t *testing.T) {
	t.Parallel()

	st := memstore.New(memstore.WithClock(func() time.Time { return now }))
	ctx := context.Background()
	old := idAt(now.Add(-8 * 24 * time.Hour))
	recent := idAt(now.Add(-time.Hour))
	for _, id := range []string{old, recent} {
		mustSet(t, st, store.TimerKey(id), 0)
		if err := st.ZAdd(ctx, store.PendingTimersKey, 1, id); err != nil {
			t.Fatal(err)
		}
	}

	r, err := newSweeper(st, Hooks{}).RunCleanup(ctx)
	if err != nil {
		t.Fatalf("RunCleanup: %v", err)
	}
	if r.RemovedByCategory[CategoryTimers] != 1 {
		t.Errorf("removed timers = %d, want 1", r.RemovedByCategory[CategoryTimers])
	}
	pending, _ := st.ZRangeByScore(ctx, store.PendingTimersKey, 0, 10)
	if len(pending) != 1 || pending[0] != recent {
		t.Errorf("pending = %v, want [%s]", pending, recent)
	}
}

func TestRunCleanup_TrimsHistory(t *testing.T) {
	t.Parallel()

	st := memstore.New(memstore.WithClock(func() time.Time { return now }))
	ctx := context.Background()
	key := store.HistoryKey("u1")
	_ = st.ZAdd(ctx, key, float64(now.Add(-31*24*time.Hour).Unix()), "old")
	_ = st.ZAdd(ctx, key, float64(now.Add(-29*24*time.Hour).Unix()), "new")

	r, err := newSweeper(st, Hooks{}).RunCleanup(ctx)
	if err != nil {
		t.Fatalf("RunCleanup: %v", err)
	}
	if r.RemovedByCategory[CategoryHistory] != 1 {
		t.Errorf("removed history = %d, want 1", r.RemovedByCategory[CategoryHistory])
	}
	left, _ := st.ZRangeByScore(ctx, key, 0, float64(now.Unix()))
	if len(left) != 1 || left[0] != "new" {
		t.Errorf("history = %v, want [new]", left)
	}
}

func TestRunCleanup_StatsByDate(t *testing.T) {
	t.Parallel()

	st := memstore.New(memstore.WithClock(func() time.Time { return now }))
	ctx := context.Background()
	oldDay := now.AddDate(0, 0, -400)
	newDay := now.AddDate(0, 0, -10)
	for _, d := range []time.Time{oldDay, newDay} {
		if _, err := st.HIncrBy(ctx, store.DailyStatsKey(d), "created", 1); err != nil {
			t.Fatal(err)
		}
	}
	mustSet(t, st, store.WeeklySummaryKey(now.AddDate(-3, 0, 0)), 0)
	mustSet(t, st, store.WeeklySummaryKey(now.AddDate(0, 0, -7)), 0)
	mustSet(t, st, store.DailyStatsPrefix+"garbage", 0)

	r, err := newSweeper(st, Hooks{}).RunCleanup(ctx)
	if err != nil {
		t.Fatalf("RunCleanup: %v", err)
	}
	if r.RemovedByCategory[CategoryDaily] != 1 || r.RemovedByCategory[CategoryWeekly] != 1 {
		t.Errorf("removed = %v", r.RemovedByCategory)
	}
	fields, _ := st.HGetAll(ctx, store.DailyStatsKey(newDay))
	if fields["created"] != "1" {
		t.Error("recent daily aggregate should be kept")
	}
	if !exists(t, st, store.WeeklySummaryKey(now.AddDate(0, 0, -7))) {
		t.Error("recent weekly summary should be kept")
	}
}

func TestRunCleanup_RepairsMissingTTL(t *testing.T) {
	t.Parallel()

	st := memstore.New(memstore.WithClock(func() time.Time { return now }))
	ctx := context.Background()
	mustSet(t, st, store.CooldownKey("leaked"), 0)
	mustSet(t, st, store.CooldownKey("fine"), 5*time.Minute)
	mustSet(t, st, store.OptOutKey("u1"), 0)
	mustSet(t, st, store.ClaimKey("a1"), 0)
	mustSet(t, st, store.BreakerKey("notify"), 0)

	r, err := newSweeper(st, Hooks{}).RunCleanup(ctx)
	if err != nil {
		t.Fatalf("RunCleanup: %v", err)
	}
	if r.RepairedByCategory[CategoryCooldowns] != 1 || r.RepairedByCategory[CategoryOptOuts] != 1 || r.RepairedByCategory[CategoryClaims] != 1 {
		t.Errorf("repaired = %v", r.RepairedByCategory)
	}
	ttl, _ := st.TTL(ctx, store.CooldownKey("leaked"))
	if ttl <= 0 || ttl > 15*time.Minute {
		t.Errorf("repaired cooldown ttl = %v", ttl)
	}
	ttl, _ = st.TTL(ctx, store.CooldownKey("fine"))
	if ttl != 5*time.Minute {
		t.Errorf("existing ttl changed to %v", ttl)
	}
	ttl, _ = st.TTL(ctx, store.BreakerKey("notify"))
	if ttl != store.NoExpiry {
		t.Error("breaker snapshots carry no retention")
	}
}

func TestRunCleanup_Lock(t *testing.T) {
	t.Parallel()

	st := memstore.New()
	mustSet(t, st, store.RetentionLockKey, time.Hour)

	if _, err := newSweeper(st, Hooks{}).RunCleanup(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}

	_, _ = st.Del(context.Background(), store.RetentionLockKey)
	if _, err := newSweeper(st, Hooks{}).RunCleanup(context.Background()); err != nil {
		t.Fatalf("RunCleanup: %v", err)
	}
	if exists(t, st, store.RetentionLockKey) {
		t.Error("lock should be released after the run")
	}
}

func TestRunCleanup_StoreUnavailable(t *testing.T) {
	t.Parallel()

	st := memstore.New()
	st.Fail(errors.New("down"))
	if _, err := newSweeper(st, Hooks{}).RunCleanup(context.Background()); !errors.Is(err, store.ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}

func TestRunCleanup_Metrics(t *testing.T) {
	t.Parallel()

	st := memstore.New(memstore.WithClock(func() time.Time { return now }))
	mustSet(t, st, store.AlertKey(idAt(now.AddDate(-1, 0, 0))), 0)
	mustSet(t, st, store.CooldownKey("leaked"), 0)

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	if _, err := newSweeper(st, m.Hooks()).RunCleanup(context.Background()); err != nil {
		t.Fatalf("RunCleanup: %v", err)
	}
	if got := testutil.ToFloat64(m.RunsTotal.WithLabelValues("ok")); got != 1 {
		t.Errorf("runs ok = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RemovedTotal.WithLabelValues(CategoryAlerts)); got != 1 {
		t.Errorf("removed alerts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RepairedTotal.WithLabelValues(CategoryCooldowns)); got != 1 {
		t.Errorf("repaired cooldowns = %v, want 1", got)
	}
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	s := New(memstore.New(), Config{Hour: 25, Alerts: time.Hour}, nil, Hooks{})
	if s.cfg.Hour != 3 {
		t.Errorf("Hour = %d, want default 3", s.cfg.Hour)
	}
	if s.cfg.Alerts != time.Hour || s.cfg.Timers != 7*24*time.Hour {
		t.Errorf("cfg = %+v", s.cfg)
	}
	if s.Schedule() != "0 3 * * *" {
		t.Errorf("Schedule = %q", s.Schedule())
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	t.Parallel()

	s := New(memstore.New(), DefaultConfig(), nil, Hooks{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
