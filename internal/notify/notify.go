// Package notify defines the chat gateway contract and the notification
// content lifeline sends through it.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/linnemanlabs/lifeline/internal/alert"
)

// Action ids carried on interactive buttons.
const (
	ActionAcknowledge = "ack"
	ActionOptOut      = "optout"
)

// Button is an interactive element attached to a notification. Value carries
// the alert id back on the user action callback.
type Button struct {
	ActionID string
	Label    string
	Value    string
	Style    string
}

// Field is one labelled value rendered alongside the text.
type Field struct {
	Label string
	Value string
}

// Message is gateway-neutral notification content.
type Message struct {
	AlertID  string
	Tier     alert.Tier
	Title    string
	Text     string
	Fields   []Field
	Buttons  []Button
	PingTeam bool
	// ThreadRef replies to an earlier message instead of starting a new one.
	ThreadRef string
	Footer    string
}

// UserAction is an inbound acknowledgment or opt-out from a responder.
type UserAction struct {
	ActionID string
	AlertID  string
	UserID   string
	At       time.Time
}

// ActionHandler consumes user actions.
type ActionHandler func(ctx context.Context, a UserAction) error

// Gateway is the chat gateway collaborator.
type Gateway interface {
	// MonitoredOrigins returns the origins whose messages are screened.
	MonitoredOrigins() []string
	// SendNotification posts msg to destination and returns a message ref.
	SendNotification(ctx context.Context, destination string, msg Message) (string, error)
	// SendDirect posts a private message to a subject.
	SendDirect(ctx context.Context, subjectID, text string) (string, error)
	// OnUserAction registers a callback for acknowledgment and opt-out.
	OnUserAction(h ActionHandler)
}

// AlertMessage builds the initial notification for a.
func AlertMessage(a *alert.Alert, pingTeam bool) Message {
	return Message{
		AlertID:  a.ID,
		Tier:     a.Severity,
		Title:    fmt.Sprintf("%s risk message detected", tierLabel(a.Severity)),
		Text:     fmt.Sprintf("A message from subject `%s` in `%s` was classified as *%s*.", a.SubjectID, a.OriginID, a.Severity),
		PingTeam: pingTeam,
		Fields: []Field{
			{Label: "Severity", Value: string(a.Severity)},
			{Label: "Score", Value: fmt.Sprintf("%.2f", a.EffectiveScore)},
			{Label: "Subject", Value: a.SubjectID},
			{Label: "Origin", Value: a.OriginID},
		},
		Buttons: []Button{
			{ActionID: ActionAcknowledge, Label: "Acknowledge", Value: a.ID, Style: "primary"},
			{ActionID: ActionOptOut, Label: "Subject opted out", Value: a.ID, Style: "danger"},
		},
		Footer: fmt.Sprintf("alert %s • %s", a.ID, a.CreatedAt.UTC().Format("2006-01-02 15:04 UTC")),
	}
}

// EscalationNotice builds the follow-up posted when nobody acknowledged a in
// time. It threads under the original message when one was delivered.
func EscalationNotice(a *alert.Alert, assistantContacted bool) Message {
	text := fmt.Sprintf("No acknowledgment for alert `%s` after %s.", a.ID, time.Since(a.CreatedAt).Round(time.Minute))
	switch {
	case a.SubjectOptedOut:
		text += " Subject opted out, assistant outreach skipped."
	case assistantContacted:
		text += " The assistant has reached out to the subject."
	default:
		text += " Assistant outreach failed, manual follow-up required."
	}
	return Message{
		AlertID:   a.ID,
		Tier:      a.Severity,
		Title:     "Alert auto-escalated",
		Text:      text,
		PingTeam:  a.Severity.PingsTeam(),
		ThreadRef: a.MessageRef,
		Buttons: []Button{
			{ActionID: ActionAcknowledge, Label: "Acknowledge", Value: a.ID, Style: "primary"},
		},
		Footer: fmt.Sprintf("alert %s", a.ID),
	}
}

func tierLabel(t alert.Tier) string {
	switch t {
	case alert.TierCritical:
		return "Critical"
	case alert.TierHigh:
		return "High"
	case alert.TierMedium:
		return "Medium"
	case alert.TierLow:
		return "Low"
	default:
		return "Unrated"
	}
}
