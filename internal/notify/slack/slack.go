// Package slack is the Slack chat gateway: it posts alert notifications via
// chat.postMessage and receives acknowledgment and opt-out button presses
// through the interactivity endpoint.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"golang.org/x/time/rate"

	"github.com/linnemanlabs/lifeline/internal/notify"
)

const (
	defaultBaseURL = "https://slack.com/api"
	httpTimeout    = 10 * time.Second
)

// ErrNotConfigured is returned by sends when no bot token is set.
var ErrNotConfigured = errors.New("slack: bot token not configured")

// Config configures the gateway.
type Config struct {
	BotToken      string
	SigningSecret string
	// BaseURL overrides the Web API root, used by tests.
	BaseURL string
	// TeamMention is prepended when a message pings the team, e.g.
	// "<!subteam^S123>" or "<!here>".
	TeamMention      string
	MonitoredOrigins []string
	// RatePerSecond bounds outbound posts. Zero disables limiting.
	RatePerSecond float64
}

// Gateway implements notify.Gateway against the Slack Web API.
type Gateway struct {
	cfg     Config
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	logger  log.Logger
	now     func() time.Time

	mu       sync.RWMutex
	handlers []notify.ActionHandler
	inflight sync.WaitGroup
}

var _ notify.Gateway = (*Gateway)(nil)

// New creates a Slack gateway.
func New(cfg Config, logger log.Logger) *Gateway {
	if logger == nil {
		logger = log.Nop()
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	g := &Gateway{
		cfg:     cfg,
		baseURL: base,
		client:  &http.Client{Timeout: httpTimeout},
		logger:  logger,
		now:     time.Now,
	}
	if cfg.RatePerSecond > 0 {
		burst := int(cfg.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return g
}

// MonitoredOrigins returns the configured channel ids.
func (g *Gateway) MonitoredOrigins() []string {
	out := make([]string, len(g.cfg.MonitoredOrigins))
	copy(out, g.cfg.MonitoredOrigins)
	return out
}

// OnUserAction registers h for inbound button presses.
func (g *Gateway) OnUserAction(h notify.ActionHandler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers = append(g.handlers, h)
}

// SendNotification posts msg to the destination channel and returns the
// message timestamp, which Slack uses as the message ref.
func (g *Gateway) SendNotification(ctx context.Context, destination string, msg notify.Message) (string, error) {
	payload := buildMessage(msg, g.cfg.TeamMention)
	payload["channel"] = destination
	if msg.ThreadRef != "" {
		payload["thread_ts"] = msg.ThreadRef
		payload["reply_broadcast"] = msg.PingTeam
	}
	return g.post(ctx, payload)
}

// SendDirect posts text to the subject's app direct message channel.
func (g *Gateway) SendDirect(ctx context.Context, subjectID, text string) (string, error) {
	return g.post(ctx, map[string]any{
		"channel": subjectID,
		"text":    text,
	})
}

type postResponse struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error"`
	Channel string `json:"channel"`
	TS      string `json:"ts"`
}

func (g *Gateway) post(ctx context.Context, payload map[string]any) (string, error) {
	if g.cfg.BotToken == "" {
		return "", ErrNotConfigured
	}
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("slack: rate limit wait: %w", err)
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/chat.postMessage", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+g.cfg.BotToken)

	resp, err := g.client.Do(req) //nolint:gosec // G704: base URL is from trusted config, not user input
	if err != nil {
		return "", fmt.Errorf("slack: post message: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("slack: chat.postMessage returned %d: %s", resp.StatusCode, string(respBody))
	}

	var pr postResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&pr); err != nil {
		return "", fmt.Errorf("slack: decode response: %w", err)
	}
	if !pr.OK {
		return "", fmt.Errorf("slack: chat.postMessage: %s", pr.Error)
	}
	return pr.TS, nil
}
