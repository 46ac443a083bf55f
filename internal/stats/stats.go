// Package stats maintains per-day response aggregates with atomic hash
// increments and composes weekly summaries from them.
//
// Lifecycle events are bucketed by the alert's creation day, so an
// acknowledgment after midnight still counts toward the day its alert was
// raised. Write failures never propagate to the caller.
package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/lifeline/internal/alert"
	"github.com/linnemanlabs/lifeline/internal/store"
)

// Hash fields of a daily aggregate.
const (
	fieldCreated            = "created"
	fieldCreatedTierPrefix  = "created:"
	fieldSuppressed         = "suppressed"
	fieldDeliveryFailed     = "delivery_failed"
	fieldAcknowledged       = "acknowledged"
	fieldAckSecondsSum      = "ack_seconds_sum"
	fieldEscalated          = "escalated"
	fieldAssistantContacted = "assistant_contacted"
	fieldAssistantSecSum    = "assistant_seconds_sum"
	fieldOptOuts            = "opt_outs"
)

// Hooks receive tracker events for observability.
type Hooks struct {
	OnWriteFailure func(event string)
}

// Tracker records lifecycle events and reads aggregates.
type Tracker struct {
	store  store.Store
	logger log.Logger
	hooks  Hooks
	loc    *time.Location
	now    func() time.Time
}

// New creates a Tracker. Days are cut in loc; nil means UTC.
func New(st store.Store, loc *time.Location, logger log.Logger, hooks Hooks) *Tracker {
	if logger == nil {
		logger = log.Nop()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Tracker{store: st, logger: logger, hooks: hooks, loc: loc, now: time.Now}
}

// Location returns the timezone days are cut in.
func (t *Tracker) Location() *time.Location { return t.loc }

func (t *Tracker) dayKey(at time.Time) string {
	return store.DailyStatsKey(at.In(t.loc))
}

type incr struct {
	field string
	n     int64
	f     float64
	float bool
}

func (t *Tracker) apply(ctx context.Context, event string, at time.Time, ops ...incr) {
	key := t.dayKey(at)
	for _, op := range ops {
		var err error
		if op.float {
			_, err = t.store.HIncrByFloat(ctx, key, op.field, op.f)
		} else {
			_, err = t.store.HIncrBy(ctx, key, op.field, op.n)
		}
		if err != nil {
			t.logger.Warn(ctx, "metrics write failed, skipping", "event", event, "key", key, "field", op.field, "error", err)
			if t.hooks.OnWriteFailure != nil {
				t.hooks.OnWriteFailure(event)
			}
			return
		}
	}
}

// RecordCreated counts a new alert under its tier.
func (t *Tracker) RecordCreated(ctx context.Context, a *alert.Alert) {
	t.apply(ctx, "created", a.CreatedAt,
		incr{field: fieldCreated, n: 1},
		incr{field: fieldCreatedTierPrefix + string(a.Severity), n: 1},
	)
}

// RecordSuppressed counts an event absorbed by an active cooldown.
func (t *Tracker) RecordSuppressed(ctx context.Context, at time.Time) {
	t.apply(ctx, "suppressed", at, incr{field: fieldSuppressed, n: 1})
}

// RecordDeliveryFailed counts an alert whose notification could not be sent.
func (t *Tracker) RecordDeliveryFailed(ctx context.Context, a *alert.Alert) {
	t.apply(ctx, "delivery_failed", a.CreatedAt, incr{field: fieldDeliveryFailed, n: 1})
}

// RecordAcknowledged counts an acknowledgment and adds its time to
// acknowledge to the running sum.
func (t *Tracker) RecordAcknowledged(ctx context.Context, a *alert.Alert) {
	t.apply(ctx, "acknowledged", a.CreatedAt,
		incr{field: fieldAcknowledged, n: 1},
		incr{field: fieldAckSecondsSum, f: a.TimeToAcknowledge().Seconds(), float: true},
	)
}

// RecordEscalated counts an automatic escalation.
func (t *Tracker) RecordEscalated(ctx context.Context, a *alert.Alert) {
	t.apply(ctx, "escalated", a.CreatedAt, incr{field: fieldEscalated, n: 1})
}

// RecordAssistantContacted counts an assistant outreach and adds its time to
// contact to the running sum.
func (t *Tracker) RecordAssistantContacted(ctx context.Context, a *alert.Alert) {
	t.apply(ctx, "assistant_contacted", a.CreatedAt,
		incr{field: fieldAssistantContacted, n: 1},
		incr{field: fieldAssistantSecSum, f: a.TimeToAssistant().Seconds(), float: true},
	)
}

// RecordOptOut counts a subject opt-out.
func (t *Tracker) RecordOptOut(ctx context.Context, a *alert.Alert) {
	t.apply(ctx, "opt_out", a.CreatedAt, incr{field: fieldOptOuts, n: 1})
}

// DailyAggregate returns the aggregate for the calendar day of date. A day
// without activity is a zero aggregate, not an error.
func (t *Tracker) DailyAggregate(ctx context.Context, date time.Time) (*DailyAggregate, error) {
	day := date.In(t.loc)
	fields, err := t.store.HGetAll(ctx, store.DailyStatsKey(day))
	if err != nil {
		return nil, fmt.Errorf("stats: read %s: %w", day.Format(store.DateLayout), err)
	}
	agg := parseDaily(fields)
	agg.Date = day.Format(store.DateLayout)
	return agg, nil
}

// WeeklySummary composes the seven daily aggregates ending on endDate.
func (t *Tracker) WeeklySummary(ctx context.Context, endDate time.Time) (*WeeklySummary, error) {
	end := endDate.In(t.loc)
	s := &WeeklySummary{
		StartDate:   end.AddDate(0, 0, -6).Format(store.DateLayout),
		EndDate:     end.Format(store.DateLayout),
		Days:        make([]DailyAggregate, 0, 7),
		Totals:      DailyAggregate{CreatedByTier: map[alert.Tier]int64{}},
		GeneratedAt: t.now().UTC(),
	}
	for i := 6; i >= 0; i-- {
		d, err := t.DailyAggregate(ctx, end.AddDate(0, 0, -i))
		if err != nil {
			return nil, err
		}
		s.Days = append(s.Days, *d)
		s.Totals.add(d)
	}
	s.Totals.Date = ""
	s.Totals.finish()
	return s, nil
}

// SaveWeekly stores s under its end date.
func (t *Tracker) SaveWeekly(ctx context.Context, s *WeeklySummary) error {
	end, err := time.ParseInLocation(store.DateLayout, s.EndDate, t.loc)
	if err != nil {
		return fmt.Errorf("stats: weekly end date: %w", err)
	}
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("stats: encode weekly summary: %w", err)
	}
	return t.store.Set(ctx, store.WeeklySummaryKey(end), string(b), 0)
}

// LoadWeekly returns a previously saved summary.
func (t *Tracker) LoadWeekly(ctx context.Context, endDate time.Time) (*WeeklySummary, bool, error) {
	raw, ok, err := t.store.Get(ctx, store.WeeklySummaryKey(endDate.In(t.loc)))
	if err != nil || !ok {
		return nil, false, err
	}
	var s WeeklySummary
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, false, fmt.Errorf("stats: decode weekly summary: %w", err)
	}
	return &s, true, nil
}

func parseDaily(fields map[string]string) *DailyAggregate {
	agg := &DailyAggregate{CreatedByTier: map[alert.Tier]int64{}}
	for k, v := range fields {
		switch {
		case k == fieldAckSecondsSum:
			agg.AckSecondsSum = parseFloat(v)
		case k == fieldAssistantSecSum:
			agg.AssistantSecondsSum = parseFloat(v)
		case strings.HasPrefix(k, fieldCreatedTierPrefix):
			agg.CreatedByTier[alert.Tier(strings.TrimPrefix(k, fieldCreatedTierPrefix))] = parseInt(v)
		default:
			n := parseInt(v)
			switch k {
			case fieldCreated:
				agg.Created = n
			case fieldSuppressed:
				agg.Suppressed = n
			case fieldDeliveryFailed:
				agg.DeliveryFailed = n
			case fieldAcknowledged:
				agg.Acknowledged = n
			case fieldEscalated:
				agg.Escalated = n
			case fieldAssistantContacted:
				agg.AssistantContacted = n
			case fieldOptOuts:
				agg.OptOuts = n
			}
		}
	}
	agg.finish()
	return agg
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
