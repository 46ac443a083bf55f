package assistant

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/lifeline/internal/alert"
	"github.com/linnemanlabs/lifeline/internal/breaker"
	"github.com/linnemanlabs/lifeline/internal/llm/claude"
)

type mockGenerator struct {
	text string
	err  error

	mu      sync.Mutex
	prompts []string
}

func (m *mockGenerator) Generate(_ context.Context, _, prompt string) (*claude.Reply, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, prompt)
	m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return &claude.Reply{Text: m.text}, nil
}

type mockSender struct {
	err error

	mu   sync.Mutex
	sent map[string]string
}

func (m *mockSender) SendDirect(_ context.Context, subjectID, text string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	if m.sent == nil {
		m.sent = make(map[string]string)
	}
	m.sent[subjectID] = text
	return "ts-" + subjectID, nil
}

func testBreaker(name string) *breaker.Breaker {
	return breaker.New(name, breaker.Config{
		RetryAttempts:        2,
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     time.Millisecond,
	}, log.Nop(), breaker.Hooks{}, nil)
}

func testContext() Context {
	return Context{AlertID: "01JN", OriginID: "C1", Tier: alert.TierCritical, CreatedAt: time.Now().Add(-16 * time.Minute)}
}

func TestContact_GeneratedMessage(t *testing.T) {
	t.Parallel()

	gen := &mockGenerator{text: "  Hey, checking in.  "}
	sender := &mockSender{}
	a := New(gen, sender, testBreaker("assistant"), testBreaker("notify"), log.Nop())

	ref, err := a.Contact(context.Background(), "U1", testContext())
	if err != nil {
		t.Fatalf("Contact: %v", err)
	}
	if ref != "ts-U1" {
		t.Errorf("ref = %q, want ts-U1", ref)
	}
	if sender.sent["U1"] != "Hey, checking in." {
		t.Errorf("sent = %q", sender.sent["U1"])
	}
	if len(gen.prompts) != 1 || !strings.Contains(gen.prompts[0], "critical") {
		t.Errorf("prompts = %v, want tier in prompt", gen.prompts)
	}
}

func TestContact_GenerationFailureUsesFallback(t *testing.T) {
	t.Parallel()

	sender := &mockSender{}
	a := New(&mockGenerator{err: errors.New("overloaded")}, sender, testBreaker("assistant"), testBreaker("notify"), log.Nop())

	if _, err := a.Contact(context.Background(), "U1", testContext()); err != nil {
		t.Fatalf("Contact: %v", err)
	}
	if sender.sent["U1"] != FallbackMessage {
		t.Errorf("sent = %q, want fallback", sender.sent["U1"])
	}
}

func TestContact_NilGenerator(t *testing.T) {
	t.Parallel()

	sender := &mockSender{}
	a := New(nil, sender, nil, testBreaker("notify"), nil)

	if _, err := a.Contact(context.Background(), "U1", testContext()); err != nil {
		t.Fatalf("Contact: %v", err)
	}
	if sender.sent["U1"] != FallbackMessage {
		t.Errorf("sent = %q, want fallback", sender.sent["U1"])
	}
}

func TestContact_DeliveryFailure(t *testing.T) {
	t.Parallel()

	a := New(nil, &mockSender{err: errors.New("slack down")}, nil, testBreaker("notify"), log.Nop())

	_, err := a.Contact(context.Background(), "U1", testContext())
	if !errors.Is(err, breaker.ErrDependencyUnavailable) {
		t.Errorf("expected ErrDependencyUnavailable, got %v", err)
	}
}
