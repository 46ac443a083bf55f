package alert

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrNotFound is returned when an alert record does not exist.
var ErrNotFound = errors.New("alert not found")

// ValidationError describes a malformed event or configuration value.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ClassifiedEvent is the classifier's verdict on one message.
type ClassifiedEvent struct {
	SubjectID     string    `json:"subject_id"`
	OriginID      string    `json:"origin_id"`
	SeverityScore float64   `json:"severity_score"`
	RawSeverity   string    `json:"raw_severity,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	// Fallback marks a conservative default score used when the classifier
	// was unavailable. Routing never drops such an event.
	Fallback bool `json:"fallback,omitempty"`
}

// Normalize repairs recoverable defects in place and returns them as
// validation errors. It returns a non-nil fatal error when the event cannot
// be processed at all.
func (e *ClassifiedEvent) Normalize(now time.Time) (repaired []error, fatal error) {
	if e.SubjectID == "" {
		return nil, &ValidationError{Field: "subject_id", Reason: "required"}
	}
	if math.IsNaN(e.SeverityScore) || e.SeverityScore < 0 || e.SeverityScore > 1 {
		repaired = append(repaired, &ValidationError{Field: "severity_score", Reason: fmt.Sprintf("%v outside [0,1], clamped", e.SeverityScore)})
		e.SeverityScore = Clamp(e.SeverityScore)
	}
	if e.Timestamp.IsZero() {
		repaired = append(repaired, &ValidationError{Field: "timestamp", Reason: "missing, using receive time"})
		e.Timestamp = now
	}
	return repaired, nil
}

// Alert is the record of one dispatched notification. It is created by the
// dispatcher, annotated by acknowledgment and escalation and never re-scored.
type Alert struct {
	ID                   string     `json:"id"`
	SubjectID            string     `json:"subject_id"`
	OriginID             string     `json:"origin_id"`
	Severity             Tier       `json:"severity"`
	EffectiveScore       float64    `json:"effective_score"`
	Destination          string     `json:"destination"`
	CreatedAt            time.Time  `json:"created_at"`
	AcknowledgedAt       *time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgedBy       string     `json:"acknowledged_by,omitempty"`
	// TimeToAckSeconds is derived when the acknowledgment is written.
	TimeToAckSeconds     *float64   `json:"time_to_acknowledge_seconds,omitempty"`
	EscalatedAt          *time.Time `json:"escalated_at,omitempty"`
	AssistantContactedAt *time.Time `json:"assistant_contacted_at,omitempty"`
	AssistantSession     string     `json:"assistant_session,omitempty"`
	WasAutoEscalated     bool       `json:"was_auto_escalated"`
	SubjectOptedOut      bool       `json:"subject_opted_out"`
	DeliveryFailed       bool       `json:"delivery_failed"`
	MessageRef           string     `json:"message_ref,omitempty"`
}

// Acknowledged reports whether a responder has acknowledged the alert.
func (a *Alert) Acknowledged() bool { return a.AcknowledgedAt != nil }

// TimeToAcknowledge is acknowledgedAt - createdAt, zero when unacknowledged.
func (a *Alert) TimeToAcknowledge() time.Duration {
	if a.AcknowledgedAt == nil {
		return 0
	}
	return a.AcknowledgedAt.Sub(a.CreatedAt)
}

// TimeToAssistant is assistantContactedAt - createdAt, zero when never contacted.
func (a *Alert) TimeToAssistant() time.Duration {
	if a.AssistantContactedAt == nil {
		return 0
	}
	return a.AssistantContactedAt.Sub(a.CreatedAt)
}
