// Package dispatch turns classified events into alerts: cooldown gate,
// routing, persistence, notification and escalation watch. It also applies
// responder actions (acknowledge, opt-out) to persisted alerts.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/lifeline/internal/alert"
	"github.com/linnemanlabs/lifeline/internal/breaker"
	"github.com/linnemanlabs/lifeline/internal/notify"
	"github.com/linnemanlabs/lifeline/internal/routing"
)

var tracer = otel.Tracer("github.com/linnemanlabs/lifeline/internal/dispatch")

// Outcome reasons.
const (
	ReasonDispatched     = "dispatched"
	ReasonSuppressed     = "suppressed by cooldown"
	ReasonBelowThreshold = "below alert threshold"
	ReasonDeliveryFailed = "delivery failed"
)

// DefaultOptOutTTL is how long an opt-out marker suppresses outreach.
const DefaultOptOutTTL = 30 * 24 * time.Hour

// Outcome is the result of dispatching one event.
type Outcome struct {
	AlertID        string     `json:"alert_id,omitempty"`
	Tier           alert.Tier `json:"tier"`
	EffectiveScore float64    `json:"effective_score"`
	Destination    string     `json:"destination,omitempty"`
	Suppressed     bool       `json:"suppressed"`
	PingTeam       bool       `json:"ping_team"`
	Watched        bool       `json:"watched"`
	DeliveryFailed bool       `json:"delivery_failed"`
	Reason         string     `json:"reason"`
}

// Cooldown gates repeat alerts per subject.
type Cooldown interface {
	IsSuppressed(ctx context.Context, subjectID string) (bool, error)
	TryArm(ctx context.Context, subjectID string) (bool, error)
	Clear(ctx context.Context, subjectID string) error
}

// Sender delivers notifications.
type Sender interface {
	SendNotification(ctx context.Context, destination string, msg notify.Message) (string, error)
}

// Watcher tracks unacknowledged alerts.
type Watcher interface {
	Watch(ctx context.Context, a *alert.Alert, deadline time.Time) (bool, error)
	Cancel(ctx context.Context, alertID string) (bool, error)
	Delay() time.Duration
}

// Recorder receives lifecycle metrics. Implementations never fail.
type Recorder interface {
	RecordCreated(ctx context.Context, a *alert.Alert)
	RecordSuppressed(ctx context.Context, at time.Time)
	RecordDeliveryFailed(ctx context.Context, a *alert.Alert)
	RecordAcknowledged(ctx context.Context, a *alert.Alert)
	RecordOptOut(ctx context.Context, a *alert.Alert)
}

// Hooks receive dispatch events for observability.
type Hooks struct {
	OnOutcome      func(result string, tier alert.Tier)
	OnNotification func(tier alert.Tier, delivered bool)
	OnAcknowledged func(timeToAck time.Duration)
	OnOptOut       func()
	OnDegraded     func(op string)
}

// Deps are the service's collaborators. Watcher and Stats may be nil.
type Deps struct {
	Alerts    *alert.Repository
	Cooldown  Cooldown
	Router    *routing.Router
	Sender    Sender
	Transport *breaker.Breaker
	Watcher   Watcher
	Stats     Recorder
}

// Config tunes the service.
type Config struct {
	AutoEscalate bool
	OptOutTTL    time.Duration
}

// Service is the business boundary for alert dispatch.
type Service struct {
	alerts   *alert.Repository
	cooldown Cooldown
	router   *routing.Router
	sender   Sender
	tx       *breaker.Breaker
	watcher  Watcher
	stats    Recorder
	cfg      Config
	logger   log.Logger
	hooks    Hooks
	now      func() time.Time
}

// NewService creates a dispatch service.
func NewService(deps Deps, cfg Config, logger log.Logger, hooks Hooks) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.OptOutTTL <= 0 {
		cfg.OptOutTTL = DefaultOptOutTTL
	}
	tx := deps.Transport
	if tx == nil {
		tx = breaker.New("notify", breaker.DefaultConfig(), logger, breaker.Hooks{}, nil)
	}
	return &Service{
		alerts:   deps.Alerts,
		cooldown: deps.Cooldown,
		router:   deps.Router,
		sender:   deps.Sender,
		tx:       tx,
		watcher:  deps.Watcher,
		stats:    deps.Stats,
		cfg:      cfg,
		logger:   logger,
		hooks:    hooks,
		now:      time.Now,
	}
}

// Dispatch processes one classified event. The only error it returns is a
// *alert.ValidationError for an event that cannot be processed; collaborator
// failures degrade the outcome instead.
func (s *Service) Dispatch(ctx context.Context, ev alert.ClassifiedEvent) (*Outcome, error) {
	ctx, span := tracer.Start(ctx, "dispatch.Dispatch", trace.WithAttributes(
		attribute.String("event.origin", ev.OriginID),
		attribute.Float64("event.score", ev.SeverityScore),
	))
	defer span.End()

	now := s.now()
	repaired, fatal := ev.Normalize(now)
	if fatal != nil {
		span.SetStatus(codes.Error, fatal.Error())
		s.logger.Warn(ctx, "rejected classified event", "error", fatal)
		return nil, fatal
	}
	for _, r := range repaired {
		s.logger.Warn(ctx, "repaired classified event", "subject", ev.SubjectID, "error", r)
	}

	L := s.logger.With("subject", ev.SubjectID, "origin", ev.OriginID)

	suppressed, err := s.cooldown.IsSuppressed(ctx, ev.SubjectID)
	if err != nil {
		L.Warn(ctx, "cooldown unavailable, treating subject as not suppressed", "error", err)
		s.degraded("cooldown_check")
	}
	if suppressed {
		return s.suppressed(ctx, span, now), nil
	}

	d := s.router.Route(ev, s.router.PolicyFor(ev.OriginID))
	span.SetAttributes(attribute.String("alert.tier", string(d.Tier)))
	out := &Outcome{
		Tier:           d.Tier,
		EffectiveScore: d.EffectiveScore,
		Destination:    d.Destination,
		PingTeam:       d.ShouldPingTeam,
	}
	if !d.ShouldAlert {
		out.Reason = ReasonBelowThreshold
		s.outcome("below_threshold", d.Tier)
		return out, nil
	}

	// claim the cooldown atomically; a concurrent dispatch for the same
	// subject that got here first wins
	armed, err := s.cooldown.TryArm(ctx, ev.SubjectID)
	if err != nil {
		L.Warn(ctx, "cooldown unavailable, dispatching without suppression window", "error", err)
		s.degraded("cooldown_arm")
	} else if !armed {
		return s.suppressed(ctx, span, now), nil
	}

	a := &alert.Alert{
		ID:             alert.NewID(),
		SubjectID:      ev.SubjectID,
		OriginID:       ev.OriginID,
		Severity:       d.Tier,
		EffectiveScore: d.EffectiveScore,
		Destination:    d.Destination,
		CreatedAt:      now,
	}
	out.AlertID = a.ID
	span.SetAttributes(attribute.String("alert.id", a.ID))
	L = L.With("alert_id", a.ID, "tier", string(a.Severity))

	persisted := true
	if err := s.alerts.Put(ctx, a); err != nil {
		persisted = false
		L.Error(ctx, err, "failed to persist alert, notifying anyway")
		s.degraded("alert_write")
	}
	s.record(func(r Recorder) { r.RecordCreated(ctx, a) })

	ref, err := breaker.Retry(ctx, s.tx, func(ctx context.Context) (string, error) {
		return s.sender.SendNotification(ctx, a.Destination, notify.AlertMessage(a, d.ShouldPingTeam))
	})
	if err != nil {
		a.DeliveryFailed = true
		out.DeliveryFailed = true
		span.RecordError(err)
		if d.ShouldPingTeam {
			L.Error(ctx, err, "alert delivery failed", "level_override", "critical", "destination", a.Destination)
		} else {
			L.Error(ctx, err, "alert delivery failed", "destination", a.Destination)
		}
		s.record(func(r Recorder) { r.RecordDeliveryFailed(ctx, a) })
		if armed {
			// let the next event for this subject try to reach the team again
			if err := s.cooldown.Clear(ctx, ev.SubjectID); err != nil {
				L.Warn(ctx, "failed to clear cooldown after delivery failure", "error", err)
			}
		}
	} else {
		a.MessageRef = ref
	}
	if s.hooks.OnNotification != nil {
		s.hooks.OnNotification(a.Severity, !a.DeliveryFailed)
	}

	if persisted {
		if err := s.alerts.MarkDelivery(ctx, a); err != nil {
			L.Error(ctx, err, "failed to update alert delivery state")
		}
	}

	if d.ShouldPingTeam && s.cfg.AutoEscalate && s.watcher != nil && persisted {
		watched, err := s.watcher.Watch(ctx, a, a.CreatedAt.Add(s.watcher.Delay()))
		if err != nil {
			L.Error(ctx, err, "failed to arm escalation watch", "level_override", "critical")
		}
		out.Watched = watched
	}

	if a.DeliveryFailed {
		out.Reason = ReasonDeliveryFailed
		s.outcome("delivery_failed", a.Severity)
	} else {
		out.Reason = ReasonDispatched
		s.outcome("dispatched", a.Severity)
	}
	L.Info(ctx, "alert dispatched",
		"destination", a.Destination,
		"score", a.EffectiveScore,
		"ping", d.ShouldPingTeam,
		"watched", out.Watched,
		"delivery_failed", a.DeliveryFailed,
	)
	return out, nil
}

func (s *Service) suppressed(ctx context.Context, span trace.Span, now time.Time) *Outcome {
	span.SetAttributes(attribute.Bool("dispatch.suppressed", true))
	s.record(func(r Recorder) { r.RecordSuppressed(ctx, now) })
	s.outcome("suppressed", alert.TierNone)
	return &Outcome{Suppressed: true, Tier: alert.TierNone, Reason: ReasonSuppressed}
}

func (s *Service) record(fn func(Recorder)) {
	if s.stats != nil {
		fn(s.stats)
	}
}

func (s *Service) outcome(result string, tier alert.Tier) {
	if s.hooks.OnOutcome != nil {
		s.hooks.OnOutcome(result, tier)
	}
}

func (s *Service) degraded(op string) {
	if s.hooks.OnDegraded != nil {
		s.hooks.OnDegraded(op)
	}
}

// Get retrieves an alert by id.
func (s *Service) Get(ctx context.Context, id string) (*alert.Alert, bool, error) {
	return s.alerts.Get(ctx, id)
}

// Acknowledge records that by has taken the alert. Acknowledging twice is a
// no-op that returns the stored alert.
func (s *Service) Acknowledge(ctx context.Context, alertID, by string) (*alert.Alert, error) {
	L := s.logger.With("alert_id", alertID, "by", by)

	a, ok, err := s.alerts.Get(ctx, alertID)
	if err != nil {
		return nil, fmt.Errorf("dispatch: acknowledge %s: %w", alertID, err)
	}
	if !ok {
		L.Warn(ctx, "acknowledgment for unknown alert ignored")
		return nil, alert.ErrNotFound
	}
	if a.Acknowledged() {
		return a, nil
	}

	first, err := s.alerts.Acknowledge(ctx, a, s.now(), by)
	if err != nil {
		return nil, fmt.Errorf("dispatch: acknowledge %s: %w", alertID, err)
	}
	if !first {
		return a, nil
	}

	if s.watcher != nil {
		if _, err := s.watcher.Cancel(ctx, alertID); err != nil {
			L.Warn(ctx, "failed to cancel escalation watch", "error", err)
		}
	}
	s.record(func(r Recorder) { r.RecordAcknowledged(ctx, a) })
	if s.hooks.OnAcknowledged != nil {
		s.hooks.OnAcknowledged(a.TimeToAcknowledge())
	}
	L.Info(ctx, "alert acknowledged", "time_to_ack", a.TimeToAcknowledge().String())
	return a, nil
}

// OptOut records that the alert's subject declined further outreach. Future
// escalations for the subject skip assistant contact.
func (s *Service) OptOut(ctx context.Context, alertID, by string) (*alert.Alert, error) {
	L := s.logger.With("alert_id", alertID, "by", by)

	a, ok, err := s.alerts.Get(ctx, alertID)
	if err != nil {
		return nil, fmt.Errorf("dispatch: opt out %s: %w", alertID, err)
	}
	if !ok {
		L.Warn(ctx, "opt-out for unknown alert ignored")
		return nil, alert.ErrNotFound
	}
	if a.SubjectOptedOut {
		return a, nil
	}

	now := s.now()
	a.SubjectOptedOut = true
	if err := s.alerts.MarkSubjectOptedOut(ctx, alertID); err != nil {
		return nil, fmt.Errorf("dispatch: opt out %s: %w", alertID, err)
	}
	if err := s.alerts.MarkOptedOut(ctx, a.SubjectID, now, s.cfg.OptOutTTL); err != nil {
		L.Warn(ctx, "failed to write opt-out marker", "error", err)
	}
	s.record(func(r Recorder) { r.RecordOptOut(ctx, a) })
	if s.hooks.OnOptOut != nil {
		s.hooks.OnOptOut()
	}
	L.Info(ctx, "subject opted out", "subject", a.SubjectID)
	return a, nil
}

// HandleUserAction applies a chat gateway button press. Unknown alerts and
// actions are warned no-ops.
func (s *Service) HandleUserAction(ctx context.Context, ua notify.UserAction) error {
	var err error
	switch ua.ActionID {
	case notify.ActionAcknowledge:
		_, err = s.Acknowledge(ctx, ua.AlertID, ua.UserID)
	case notify.ActionOptOut:
		_, err = s.OptOut(ctx, ua.AlertID, ua.UserID)
	default:
		s.logger.Warn(ctx, "unknown user action ignored", "action", ua.ActionID, "alert_id", ua.AlertID)
		return nil
	}
	if errors.Is(err, alert.ErrNotFound) {
		return nil
	}
	return err
}
