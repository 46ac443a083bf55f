package alert

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/lifeline/internal/store"
)

// hash fields of an alert record
const (
	fID               = "id"
	fSubject          = "subject_id"
	fOrigin           = "origin_id"
	fSeverity         = "severity"
	fScore            = "effective_score"
	fDestination      = "destination"
	fCreatedAt        = "created_at"
	fAcknowledgedAt   = "acknowledged_at"
	fAcknowledgedBy   = "acknowledged_by"
	fTimeToAck        = "time_to_acknowledge_seconds"
	fEscalatedAt      = "escalated_at"
	fAssistantAt      = "assistant_contacted_at"
	fAssistantSession = "assistant_session"
	fAutoEscalated    = "was_auto_escalated"
	fOptedOut         = "subject_opted_out"
	fDeliveryFailed   = "delivery_failed"
	fMessageRef       = "message_ref"
)

// Repository persists alerts and opt-out markers in the shared store.
//
// An alert is a hash. Every lifecycle step writes only the fields it owns,
// so acknowledgment, opt-out, delivery and escalation updates racing on
// the same alert never erase each other.
type Repository struct {
	store store.Store
}

// NewRepository returns a Repository over st.
func NewRepository(st store.Store) *Repository {
	return &Repository{store: st}
}

// NewID returns a globally unique, time-ordered alert id.
func NewID() string {
	return ulid.Make().String()
}

// IDTime extracts the creation time encoded in an alert id.
func IDTime(id string) (time.Time, error) {
	u, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse alert id %q: %w", id, err)
	}
	return ulid.Time(u.Time()), nil
}

// Get returns the alert with id. ok is false when it does not exist.
func (r *Repository) Get(ctx context.Context, id string) (*Alert, bool, error) {
	h, err := r.store.HGetAll(ctx, store.AlertKey(id))
	if err != nil {
		return nil, false, err
	}
	// a hash without an id is the remnant of an update racing a delete
	if h[fID] == "" {
		return nil, false, nil
	}
	a, err := decode(h)
	if err != nil {
		return nil, false, fmt.Errorf("decode alert %s: %w", id, err)
	}
	return a, true, nil
}

// Put writes every set field of a. Alerts carry no ttl; the retention
// sweeper removes them by the age encoded in their id.
func (r *Repository) Put(ctx context.Context, a *Alert) error {
	return r.store.HSet(ctx, store.AlertKey(a.ID), encode(a))
}

// MarkDelivery records the outcome of the team notification.
func (r *Repository) MarkDelivery(ctx context.Context, a *Alert) error {
	fields := map[string]string{fDeliveryFailed: strconv.FormatBool(a.DeliveryFailed)}
	if a.MessageRef != "" {
		fields[fMessageRef] = a.MessageRef
	}
	return r.store.HSet(ctx, store.AlertKey(a.ID), fields)
}

// Acknowledge records the first acknowledgment of a at the given time and
// fills the acknowledgment fields of a. It reports false when the alert was
// already acknowledged; a then holds the stored values.
func (r *Repository) Acknowledge(ctx context.Context, a *Alert, at time.Time, by string) (bool, error) {
	key := store.AlertKey(a.ID)
	first, err := r.store.HSetNX(ctx, key, fAcknowledgedAt, formatTime(at))
	if err != nil {
		return false, err
	}
	if !first {
		stored, ok, err := r.Get(ctx, a.ID)
		if err != nil {
			return false, err
		}
		if ok {
			*a = *stored
		}
		return false, nil
	}

	a.AcknowledgedAt = &at
	a.AcknowledgedBy = by
	secs := a.TimeToAcknowledge().Seconds()
	a.TimeToAckSeconds = &secs
	return true, r.store.HSet(ctx, key, map[string]string{
		fAcknowledgedBy: by,
		fTimeToAck:      formatFloat(secs),
	})
}

// MarkEscalated records the escalation fields of a.
func (r *Repository) MarkEscalated(ctx context.Context, a *Alert) error {
	fields := map[string]string{fAutoEscalated: strconv.FormatBool(a.WasAutoEscalated)}
	if a.EscalatedAt != nil {
		fields[fEscalatedAt] = formatTime(*a.EscalatedAt)
	}
	if a.AssistantContactedAt != nil {
		fields[fAssistantAt] = formatTime(*a.AssistantContactedAt)
	}
	if a.AssistantSession != "" {
		fields[fAssistantSession] = a.AssistantSession
	}
	if a.SubjectOptedOut {
		fields[fOptedOut] = "true"
	}
	return r.store.HSet(ctx, store.AlertKey(a.ID), fields)
}

// MarkSubjectOptedOut flags the alert's subject as opted out.
func (r *Repository) MarkSubjectOptedOut(ctx context.Context, id string) error {
	return r.store.HSet(ctx, store.AlertKey(id), map[string]string{fOptedOut: "true"})
}

// MarkOptedOut records that subject asked not to be contacted for ttl.
func (r *Repository) MarkOptedOut(ctx context.Context, subjectID string, at time.Time, ttl time.Duration) error {
	return r.store.Set(ctx, store.OptOutKey(subjectID), at.UTC().Format(time.RFC3339), ttl)
}

// IsOptedOut reports whether subject has an active opt-out marker.
func (r *Repository) IsOptedOut(ctx context.Context, subjectID string) (bool, error) {
	_, ok, err := r.store.Get(ctx, store.OptOutKey(subjectID))
	return ok, err
}

func encode(a *Alert) map[string]string {
	h := map[string]string{
		fID:             a.ID,
		fSubject:        a.SubjectID,
		fSeverity:       string(a.Severity),
		fScore:          formatFloat(a.EffectiveScore),
		fCreatedAt:      formatTime(a.CreatedAt),
		fAutoEscalated:  strconv.FormatBool(a.WasAutoEscalated),
		fOptedOut:       strconv.FormatBool(a.SubjectOptedOut),
		fDeliveryFailed: strconv.FormatBool(a.DeliveryFailed),
	}
	set := func(field, v string) {
		if v != "" {
			h[field] = v
		}
	}
	setTime := func(field string, t *time.Time) {
		if t != nil {
			h[field] = formatTime(*t)
		}
	}
	set(fOrigin, a.OriginID)
	set(fDestination, a.Destination)
	set(fAcknowledgedBy, a.AcknowledgedBy)
	set(fAssistantSession, a.AssistantSession)
	set(fMessageRef, a.MessageRef)
	setTime(fAcknowledgedAt, a.AcknowledgedAt)
	setTime(fEscalatedAt, a.EscalatedAt)
	setTime(fAssistantAt, a.AssistantContactedAt)
	if a.TimeToAckSeconds != nil {
		h[fTimeToAck] = formatFloat(*a.TimeToAckSeconds)
	}
	return h
}

func decode(h map[string]string) (*Alert, error) {
	a := &Alert{
		ID:               h[fID],
		SubjectID:        h[fSubject],
		OriginID:         h[fOrigin],
		Severity:         Tier(h[fSeverity]),
		Destination:      h[fDestination],
		AcknowledgedBy:   h[fAcknowledgedBy],
		AssistantSession: h[fAssistantSession],
		MessageRef:       h[fMessageRef],
		WasAutoEscalated: h[fAutoEscalated] == "true",
		SubjectOptedOut:  h[fOptedOut] == "true",
		DeliveryFailed:   h[fDeliveryFailed] == "true",
	}
	var err error
	if v := h[fScore]; v != "" {
		if a.EffectiveScore, err = strconv.ParseFloat(v, 64); err != nil {
			return nil, fmt.Errorf("%s: %w", fScore, err)
		}
	}
	if v := h[fCreatedAt]; v != "" {
		if a.CreatedAt, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return nil, fmt.Errorf("%s: %w", fCreatedAt, err)
		}
	}
	for field, dst := range map[string]**time.Time{
		fAcknowledgedAt: &a.AcknowledgedAt,
		fEscalatedAt:    &a.EscalatedAt,
		fAssistantAt:    &a.AssistantContactedAt,
	} {
		v := h[field]
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", field, err)
		}
		*dst = &t
	}
	if v := h[fTimeToAck]; v != "" {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", fTimeToAck, err)
		}
		a.TimeToAckSeconds = &secs
	}
	return a, nil
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func formatFloat(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }
