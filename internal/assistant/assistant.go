// Package assistant reaches out to a subject directly when an alert was not
// acknowledged in time. The outreach text is generated by the language model
// and delivered as a private chat message.
package assistant

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/lifeline/internal/alert"
	"github.com/linnemanlabs/lifeline/internal/breaker"
	"github.com/linnemanlabs/lifeline/internal/llm/claude"
)

const systemPrompt = `You write a short, warm, private check-in message to a community member whose recent message suggested they may be struggling.
Rules:
- two to four sentences, plain text, no markdown
- do not mention monitoring, classifiers, scores or alerts
- do not diagnose or give medical advice
- invite them to reply, and say a human from the team is available
- if the situation sounds urgent, gently mention that local emergency services or a crisis line can help right now`

// FallbackMessage is sent when text generation is unavailable.
const FallbackMessage = "Hi, I wanted to check in and see how you're doing. " +
	"If you'd like to talk, just reply here and someone from our team will be with you. " +
	"If you're in immediate danger, please contact local emergency services or a crisis line."

// Generator produces the outreach text.
type Generator interface {
	Generate(ctx context.Context, system, prompt string) (*claude.Reply, error)
}

// DirectSender delivers a private message to a subject.
type DirectSender interface {
	SendDirect(ctx context.Context, subjectID, text string) (string, error)
}

// Context is what the assistant knows about the alert it follows up on.
type Context struct {
	AlertID   string
	OriginID  string
	Tier      alert.Tier
	CreatedAt time.Time
}

// Assistant contacts subjects through the chat gateway.
type Assistant struct {
	gen        Generator
	sender     DirectSender
	genBreaker *breaker.Breaker
	tx         *breaker.Breaker
	logger     log.Logger
}

// New creates an Assistant. gen may be nil, in which case the fallback
// message is always used. genBreaker guards generation and tx guards the
// chat gateway.
func New(gen Generator, sender DirectSender, genBreaker, tx *breaker.Breaker, logger log.Logger) *Assistant {
	if logger == nil {
		logger = log.Nop()
	}
	return &Assistant{gen: gen, sender: sender, genBreaker: genBreaker, tx: tx, logger: logger}
}

// Contact sends a check-in to subjectID and returns the delivered message
// ref as the session ref. Generation failure degrades to FallbackMessage;
// only a delivery failure is returned.
func (a *Assistant) Contact(ctx context.Context, subjectID string, c Context) (string, error) {
	L := a.logger.With("alert_id", c.AlertID, "subject", subjectID)

	text := a.compose(ctx, L, c)

	ref, err := breaker.Retry(ctx, a.tx, func(ctx context.Context) (string, error) {
		return a.sender.SendDirect(ctx, subjectID, text)
	})
	if err != nil {
		return "", fmt.Errorf("assistant: contact %s: %w", subjectID, err)
	}
	L.Info(ctx, "assistant contacted subject", "session_ref", ref)
	return ref, nil
}

func (a *Assistant) compose(ctx context.Context, L log.Logger, c Context) string {
	if a.gen == nil {
		return FallbackMessage
	}
	reply, err := breaker.Call(ctx, a.genBreaker, func(ctx context.Context) (*claude.Reply, error) {
		return a.gen.Generate(ctx, systemPrompt, prompt(c))
	})
	if err != nil {
		L.Warn(ctx, "outreach generation unavailable, using fallback message", "error", err)
		return FallbackMessage
	}
	return strings.TrimSpace(reply.Text)
}

func prompt(c Context) string {
	var b strings.Builder
	b.WriteString("Write the check-in message.\n")
	fmt.Fprintf(&b, "Concern level: %s\n", c.Tier)
	if !c.CreatedAt.IsZero() {
		fmt.Fprintf(&b, "Their message was posted about %s ago.\n", time.Since(c.CreatedAt).Round(time.Minute))
	}
	return b.String()
}
