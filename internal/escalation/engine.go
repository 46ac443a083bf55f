// Package escalation watches unacknowledged alerts and escalates them once
// their deadline passes.
//
// Each watched alert has a persisted timer record and an entry in a sorted
// set scored by deadline. A periodic sweep reads the due entries, claims
// each one with a conditional set so only one instance acts, re-checks the
// record (check-then-act) and escalates. Acknowledgment flips the record to
// a terminal state, which the sweep observes before acting.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/lifeline/internal/alert"
	"github.com/linnemanlabs/lifeline/internal/assistant"
	"github.com/linnemanlabs/lifeline/internal/breaker"
	"github.com/linnemanlabs/lifeline/internal/notify"
	"github.com/linnemanlabs/lifeline/internal/store"
)

var tracer = otel.Tracer("github.com/linnemanlabs/lifeline/internal/escalation")

// Contacter reaches the subject of an alert.
type Contacter interface {
	Contact(ctx context.Context, subjectID string, c assistant.Context) (string, error)
}

// Notifier posts the escalation notice.
type Notifier interface {
	SendNotification(ctx context.Context, destination string, msg notify.Message) (string, error)
}

// Recorder receives escalation lifecycle metrics.
type Recorder interface {
	RecordEscalated(ctx context.Context, a *alert.Alert)
	RecordAssistantContacted(ctx context.Context, a *alert.Alert)
}

// Cooldown re-arms a subject's suppression window.
type Cooldown interface {
	Arm(ctx context.Context, subjectID string) error
}

// Config tunes the engine.
type Config struct {
	Delay         time.Duration
	MinTier       alert.Tier
	SweepInterval time.Duration
	// RearmCooldown extends the subject cooldown when an escalation notice
	// is posted.
	RearmCooldown bool
	ClaimTTL      time.Duration
}

// DefaultConfig returns the stock escalation settings.
func DefaultConfig() Config {
	return Config{
		Delay:         15 * time.Minute,
		MinTier:       alert.TierHigh,
		SweepInterval: 30 * time.Second,
		RearmCooldown: true,
		ClaimTTL:      2 * time.Minute,
	}
}

// Hooks receive engine events.
type Hooks struct {
	OnWatch     func(tier alert.Tier)
	OnCancel    func()
	OnEscalated func(tier alert.Tier, assistantContacted bool)
	OnSweep     func(due int, duration time.Duration)
}

// Deps are the engine's collaborators. Assistant, Notifier, Stats and
// Cooldown may be nil.
type Deps struct {
	Store     store.Store
	Alerts    *alert.Repository
	Assistant Contacter
	Notifier  Notifier
	// Transport guards Notifier.
	Transport *breaker.Breaker
	Stats     Recorder
	Cooldown  Cooldown
}

// Engine runs escalation timers.
type Engine struct {
	store     store.Store
	alerts    *alert.Repository
	assistant Contacter
	notifier  Notifier
	tx        *breaker.Breaker
	stats     Recorder
	cooldown  Cooldown
	cfg       Config
	logger    log.Logger
	hooks     Hooks
	owner     string
	now       func() time.Time
}

// NewEngine creates an Engine.
func NewEngine(deps Deps, cfg Config, logger log.Logger, hooks Hooks) *Engine {
	if logger == nil {
		logger = log.Nop()
	}
	d := DefaultConfig()
	if cfg.Delay <= 0 {
		cfg.Delay = d.Delay
	}
	if cfg.MinTier == "" {
		cfg.MinTier = d.MinTier
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = d.SweepInterval
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = d.ClaimTTL
	}
	host, _ := os.Hostname()
	return &Engine{
		store:     deps.Store,
		alerts:    deps.Alerts,
		assistant: deps.Assistant,
		notifier:  deps.Notifier,
		tx:        deps.Transport,
		stats:     deps.Stats,
		cooldown:  deps.Cooldown,
		cfg:       cfg,
		logger:    logger,
		hooks:     hooks,
		owner:     fmt.Sprintf("%s/%d", host, os.Getpid()),
		now:       time.Now,
	}
}

// Delay is the time from alert creation to escalation.
func (e *Engine) Delay() time.Duration { return e.cfg.Delay }

// Eligible reports whether alerts of tier are watched.
func (e *Engine) Eligible(tier alert.Tier) bool { return tier.AtLeast(e.cfg.MinTier) }

// Watch starts a pending timer for a. It returns false without writing when
// the alert is below the minimum tier.
func (e *Engine) Watch(ctx context.Context, a *alert.Alert, deadline time.Time) (bool, error) {
	if !e.Eligible(a.Severity) {
		return false, nil
	}
	t := &Timer{
		AlertID:   a.ID,
		SubjectID: a.SubjectID,
		Tier:      a.Severity,
		Deadline:  deadline,
		State:     StatePending,
		CreatedAt: e.now(),
	}
	if err := e.saveTimer(ctx, t); err != nil {
		return false, fmt.Errorf("escalation: watch %s: %w", a.ID, err)
	}
	if err := e.store.ZAdd(ctx, store.PendingTimersKey, deadlineScore(deadline), a.ID); err != nil {
		return false, fmt.Errorf("escalation: schedule %s: %w", a.ID, err)
	}
	if e.hooks.OnWatch != nil {
		e.hooks.OnWatch(a.Severity)
	}
	return true, nil
}

// Cancel moves a pending timer to acknowledged. It reports false when there
// was no pending timer for the alert.
func (e *Engine) Cancel(ctx context.Context, alertID string) (bool, error) {
	t, ok, err := e.loadTimer(ctx, alertID)
	if err != nil {
		return false, fmt.Errorf("escalation: cancel %s: %w", alertID, err)
	}
	if !ok || t.State != StatePending {
		return false, nil
	}
	now := e.now()
	t.State = StateAcknowledged
	t.ResolvedAt = &now
	if err := e.saveTimer(ctx, t); err != nil {
		return false, fmt.Errorf("escalation: cancel %s: %w", alertID, err)
	}
	if _, err := e.store.ZRem(ctx, store.PendingTimersKey, alertID); err != nil {
		// the sweep drops terminal timers it finds, so this only delays cleanup
		e.logger.Warn(ctx, "failed to unschedule acknowledged timer", "alert_id", alertID, "error", err)
	}
	if e.hooks.OnCancel != nil {
		e.hooks.OnCancel()
	}
	return true, nil
}

// Timer returns the persisted timer for alertID.
func (e *Engine) Timer(ctx context.Context, alertID string) (*Timer, bool, error) {
	return e.loadTimer(ctx, alertID)
}

// PendingCount returns the number of scheduled timers.
func (e *Engine) PendingCount(ctx context.Context) (int, error) {
	ids, err := e.store.ZRangeByScore(ctx, store.PendingTimersKey, negInf, posInf)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Run sweeps every SweepInterval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	e.logger.Info(ctx, "escalation sweep started", "interval", e.cfg.SweepInterval.String(), "delay", e.cfg.Delay.String())
	for {
		if _, err := e.Sweep(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error(ctx, err, "escalation sweep incomplete")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep escalates every pending timer whose deadline has passed and returns
// how many were escalated. Failures on individual timers are joined; the
// remaining timers are still processed.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	start := e.now()
	ctx, span := tracer.Start(ctx, "escalation.Sweep")
	defer span.End()

	ids, err := e.due(ctx, start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("escalation: list due timers: %w", err)
	}
	span.SetAttributes(attribute.Int("escalation.due", len(ids)))

	var errs []error
	fired := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		ok, err := e.fire(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			fired++
		}
	}
	if e.hooks.OnSweep != nil {
		e.hooks.OnSweep(len(ids), e.now().Sub(start))
	}
	err = errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return fired, err
}

// fire claims and escalates one due timer.
func (e *Engine) fire(ctx context.Context, alertID string) (bool, error) {
	claimed, err := e.store.SetNX(ctx, store.ClaimKey(alertID), e.owner, e.cfg.ClaimTTL)
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", alertID, err)
	}
	if !claimed {
		return false, nil
	}
	release := func() {
		if _, err := e.store.Del(ctx, store.ClaimKey(alertID)); err != nil {
			e.logger.Warn(ctx, "failed to release escalation claim", "alert_id", alertID, "error", err)
		}
	}

	t, ok, err := e.loadTimer(ctx, alertID)
	if err != nil {
		release()
		return false, fmt.Errorf("load timer %s: %w", alertID, err)
	}
	if !ok || t.State.Terminal() {
		_, _ = e.store.ZRem(ctx, store.PendingTimersKey, alertID)
		release()
		return false, nil
	}
	now := e.now()
	if now.Before(t.Deadline) {
		release()
		return false, nil
	}
	// an acknowledgment can land before its timer exists, e.g. while the
	// notification is still being delivered
	if a, found, err := e.alerts.Get(ctx, alertID); err == nil && found && a.Acknowledged() {
		t.State = StateAcknowledged
		t.ResolvedAt = a.AcknowledgedAt
		if err := e.saveTimer(ctx, t); err != nil {
			release()
			return false, fmt.Errorf("persist acknowledged timer %s: %w", alertID, err)
		}
		_, _ = e.store.ZRem(ctx, store.PendingTimersKey, alertID)
		release()
		return false, nil
	}

	contacted := e.escalate(ctx, t, now)

	t.State = StateEscalated
	t.ResolvedAt = &now
	if err := e.saveTimer(ctx, t); err != nil {
		// leave the claim to expire so another sweep does not repeat the
		// escalation before the record is writable again
		return true, fmt.Errorf("persist escalated timer %s: %w", alertID, err)
	}
	if _, err := e.store.ZRem(ctx, store.PendingTimersKey, alertID); err != nil {
		return true, fmt.Errorf("unschedule %s: %w", alertID, err)
	}
	release()

	if e.hooks.OnEscalated != nil {
		e.hooks.OnEscalated(t.Tier, contacted)
	}
	return true, nil
}

// escalate performs the escalation action for t and reports whether the
// assistant reached the subject. Collaborator failures are logged; the
// alert is marked regardless.
func (e *Engine) escalate(ctx context.Context, t *Timer, now time.Time) bool {
	ctx, span := tracer.Start(ctx, "escalation.escalate", trace.WithAttributes(
		attribute.String("alert.id", t.AlertID),
		attribute.String("alert.tier", string(t.Tier)),
	))
	defer span.End()

	L := e.logger.With("alert_id", t.AlertID, "subject", t.SubjectID, "tier", string(t.Tier))

	a, found, err := e.alerts.Get(ctx, t.AlertID)
	if err != nil {
		L.Warn(ctx, "alert record unreadable, escalating from timer", "error", err)
	}
	if !found {
		a = &alert.Alert{ID: t.AlertID, SubjectID: t.SubjectID, Severity: t.Tier, CreatedAt: t.CreatedAt}
		if err == nil {
			L.Warn(ctx, "alert record missing, escalating from timer")
		}
	}

	optedOut := a.SubjectOptedOut
	if !optedOut {
		if oo, err := e.alerts.IsOptedOut(ctx, a.SubjectID); err != nil {
			L.Warn(ctx, "opt-out lookup failed, treating subject as reachable", "error", err)
		} else if oo {
			optedOut = true
			a.SubjectOptedOut = true
		}
	}

	contacted := false
	switch {
	case optedOut:
		L.Info(ctx, "subject opted out, skipping assistant outreach")
	case e.assistant == nil:
		L.Warn(ctx, "no assistant configured, skipping outreach")
	default:
		ref, err := e.assistant.Contact(ctx, a.SubjectID, assistant.Context{
			AlertID:   a.ID,
			OriginID:  a.OriginID,
			Tier:      a.Severity,
			CreatedAt: a.CreatedAt,
		})
		if err != nil {
			L.Error(ctx, err, "assistant outreach failed")
			span.RecordError(err)
		} else {
			contacted = true
			at := e.now()
			a.AssistantContactedAt = &at
			a.AssistantSession = ref
		}
	}

	a.WasAutoEscalated = true
	a.EscalatedAt = &now
	if found {
		if err := e.alerts.MarkEscalated(ctx, a); err != nil {
			L.Error(ctx, err, "failed to mark alert escalated")
		}
	}
	if e.stats != nil {
		e.stats.RecordEscalated(ctx, a)
		if contacted {
			e.stats.RecordAssistantContacted(ctx, a)
		}
	}

	e.postNotice(ctx, L, a, contacted)

	if e.cfg.RearmCooldown && e.cooldown != nil {
		if err := e.cooldown.Arm(ctx, a.SubjectID); err != nil {
			L.Warn(ctx, "failed to re-arm cooldown after escalation", "error", err)
		}
	}

	L.Info(ctx, "alert auto-escalated", "assistant_contacted", contacted, "opted_out", optedOut)
	return contacted
}

func (e *Engine) postNotice(ctx context.Context, L log.Logger, a *alert.Alert, contacted bool) {
	if e.notifier == nil || a.Destination == "" {
		return
	}
	msg := notify.EscalationNotice(a, contacted)
	send := func(ctx context.Context) (string, error) {
		return e.notifier.SendNotification(ctx, a.Destination, msg)
	}
	var err error
	if e.tx != nil {
		_, err = breaker.Retry(ctx, e.tx, send)
	} else {
		_, err = send(ctx)
	}
	if err != nil {
		L.Error(ctx, err, "failed to post escalation notice", "level_override", "critical")
	}
}
