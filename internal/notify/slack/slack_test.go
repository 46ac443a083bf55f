package slack

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/lifeline/internal/alert"
	"github.com/linnemanlabs/lifeline/internal/notify"
)

func testMessage() notify.Message {
	return notify.AlertMessage(&alert.Alert{
		ID:             "01JN123",
		SubjectID:      "U42",
		OriginID:       "C-general",
		Severity:       alert.TierCritical,
		EffectiveScore: 0.92,
		CreatedAt:      time.Date(2026, 2, 26, 14, 23, 0, 0, time.UTC),
	}, true)
}

func slackServer(t *testing.T, got *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat.postMessage" {
			t.Errorf("path = %s, want /chat.postMessage", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer xoxb-test" {
			t.Errorf("authorization = %q", r.Header.Get("Authorization"))
		}
		if got != nil {
			if err := json.NewDecoder(r.Body).Decode(got); err != nil {
				t.Errorf("decode body: %v", err)
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "channel": "C1", "ts": "1700000000.000100"})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSendNotification_PostsMessage(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := slackServer(t, &got)
	g := New(Config{BotToken: "xoxb-test", BaseURL: srv.URL, TeamMention: "<!here>"}, log.Nop())

	ref, err := g.SendNotification(context.Background(), "#crisis", testMessage())
	if err != nil {
		t.Fatalf("SendNotification: %v", err)
	}
	if ref != "1700000000.000100" {
		t.Errorf("ref = %q, want message ts", ref)
	}
	if got["channel"] != "#crisis" {
		t.Errorf("channel = %v, want #crisis", got["channel"])
	}
	if text, _ := got["text"].(string); !strings.HasPrefix(text, "<!here>") {
		t.Errorf("fallback text = %q, want team mention prefix", text)
	}

	blocks, ok := got["blocks"].([]any)
	if !ok {
		t.Fatal("expected blocks array in payload")
	}
	// header, mention, text, fields, actions, context
	if len(blocks) != 6 {
		t.Errorf("blocks count = %d, want 6", len(blocks))
	}
	header := blocks[0].(map[string]any)
	headerText := header["text"].(map[string]any)["text"].(string)
	if !strings.Contains(headerText, "\U0001f534") {
		t.Errorf("header = %q, want red circle for critical", headerText)
	}

	actions := blocks[4].(map[string]any)
	elements := actions["elements"].([]any)
	if len(elements) != 2 {
		t.Fatalf("action elements = %d, want 2", len(elements))
	}
	first := elements[0].(map[string]any)
	if first["action_id"] != notify.ActionAcknowledge || first["value"] != "01JN123" {
		t.Errorf("first button = %v", first)
	}
}

func TestSendNotification_NoMentionWithoutPing(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := slackServer(t, &got)
	g := New(Config{BotToken: "xoxb-test", BaseURL: srv.URL, TeamMention: "<!here>"}, log.Nop())

	msg := testMessage()
	msg.PingTeam = false
	if _, err := g.SendNotification(context.Background(), "#monitor", msg); err != nil {
		t.Fatalf("SendNotification: %v", err)
	}
	if text, _ := got["text"].(string); strings.Contains(text, "<!here>") {
		t.Errorf("fallback text = %q, should not mention the team", text)
	}
	if blocks := got["blocks"].([]any); len(blocks) != 5 {
		t.Errorf("blocks count = %d, want 5", len(blocks))
	}
}

func TestSendNotification_Threaded(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := slackServer(t, &got)
	g := New(Config{BotToken: "xoxb-test", BaseURL: srv.URL}, log.Nop())

	msg := testMessage()
	msg.ThreadRef = "1699999999.000001"
	if _, err := g.SendNotification(context.Background(), "#crisis", msg); err != nil {
		t.Fatalf("SendNotification: %v", err)
	}
	if got["thread_ts"] != "1699999999.000001" {
		t.Errorf("thread_ts = %v", got["thread_ts"])
	}
	if got["reply_broadcast"] != true {
		t.Errorf("reply_broadcast = %v, want true for pinging notice", got["reply_broadcast"])
	}
}

func TestSendDirect(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := slackServer(t, &got)
	g := New(Config{BotToken: "xoxb-test", BaseURL: srv.URL}, log.Nop())

	if _, err := g.SendDirect(context.Background(), "U42", "hello"); err != nil {
		t.Fatalf("SendDirect: %v", err)
	}
	if got["channel"] != "U42" || got["text"] != "hello" {
		t.Errorf("payload = %v", got)
	}
}

func TestSend_NotConfigured(t *testing.T) {
	t.Parallel()

	g := New(Config{}, log.Nop())
	_, err := g.SendNotification(context.Background(), "#x", testMessage())
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
}

func TestSend_NonOKStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("internal error"))
	}))
	defer srv.Close()

	g := New(Config{BotToken: "xoxb-test", BaseURL: srv.URL}, log.Nop())
	_, err := g.SendNotification(context.Background(), "#x", testMessage())
	if err == nil {
		t.Fatal("expected error on non-OK status")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("error = %q, want to contain status code 500", err.Error())
	}
}

func TestSend_APIError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ok":false,"error":"channel_not_found"}`))
	}))
	defer srv.Close()

	g := New(Config{BotToken: "xoxb-test", BaseURL: srv.URL}, log.Nop())
	_, err := g.SendNotification(context.Background(), "#gone", testMessage())
	if err == nil || !strings.Contains(err.Error(), "channel_not_found") {
		t.Errorf("error = %v, want channel_not_found", err)
	}
}

func TestMonitoredOrigins_Copy(t *testing.T) {
	t.Parallel()

	g := New(Config{MonitoredOrigins: []string{"C1", "C2"}}, log.Nop())
	got := g.MonitoredOrigins()
	got[0] = "mutated"
	if g.MonitoredOrigins()[0] != "C1" {
		t.Error("MonitoredOrigins must return a copy")
	}
}

func TestTierEmoji(t *testing.T) {
	t.Parallel()

	tests := []struct {
		tier alert.Tier
		want string
	}{
		{alert.TierCritical, "\U0001f534"},
		{alert.TierHigh, "\U0001f7e0"},
		{alert.TierMedium, "\U0001f7e1"},
		{alert.TierLow, "\U0001f7e2"},
		{"", "\U0001f7e2"},
	}
	for _, tt := range tests {
		t.Run(string(tt.tier), func(t *testing.T) {
			t.Parallel()
			if got := tierEmoji(tt.tier); got != tt.want {
				t.Errorf("tierEmoji(%q) = %q, want %q", tt.tier, got, tt.want)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", 4000)
	got := truncate(long, maxTextLen)
	if len(got) != maxTextLen || !strings.HasSuffix(got, "...") {
		t.Errorf("truncate produced len %d", len(got))
	}
	if truncate("short", maxTextLen) != "short" {
		t.Error("short strings must be unchanged")
	}
}

func FuzzSlackBuild(f *testing.F) {
	f.Add("Critical risk", "text *bold*", "U1", true)
	f.Add("", "", "", false)
	f.Add("<@U123> mention", "```code``` <http://example.com|link>", "U\x00", true)
	f.Add(strings.Repeat("A", 5000), strings.Repeat("x", 10000), "subject", false)

	f.Fuzz(func(t *testing.T, title, text, subject string, ping bool) {
		msg := notify.Message{
			AlertID:  "fuzz-id",
			Tier:     alert.TierHigh,
			Title:    title,
			Text:     text,
			PingTeam: ping,
			Fields:   []notify.Field{{Label: "Subject", Value: subject}},
		}

		data, err := json.Marshal(buildMessage(msg, "<!here>"))
		if err != nil {
			t.Fatalf("buildMessage produced non-marshalable output: %v", err)
		}
		var decoded map[string]any
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("buildMessage JSON does not round-trip: %v", err)
		}
		if _, ok := decoded["blocks"].([]any); !ok {
			t.Fatal("expected blocks array")
		}
	})
}

// actions

func signedRequest(t *testing.T, secret string, ts time.Time, payload any) *http.Request {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	body := url.Values{"payload": {string(raw)}}.Encode()
	tsRaw := strconv.FormatInt(ts.Unix(), 10)

	req := httptest.NewRequest(http.MethodPost, "/slack/actions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Slack-Request-Timestamp", tsRaw)
	req.Header.Set("X-Slack-Signature", sign(secret, tsRaw, []byte(body)))
	return req
}

func blockActions(actionID, alertID string) map[string]any {
	return map[string]any{
		"type": "block_actions",
		"user": map[string]any{"id": "U-responder"},
		"actions": []map[string]any{
			{"action_id": actionID, "value": alertID},
		},
	}
}

func TestActionsHandler_DeliversActions(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g := New(Config{SigningSecret: "shh"}, log.Nop())
	g.now = func() time.Time { return now }

	var mu sync.Mutex
	var got []notify.UserAction
	g.OnUserAction(func(_ context.Context, a notify.UserAction) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, a)
		return nil
	})

	rec := httptest.NewRecorder()
	g.ActionsHandler().ServeHTTP(rec, signedRequest(t, "shh", now, blockActions(notify.ActionAcknowledge, "01JNALERT")))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if err := g.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("actions = %d, want 1", len(got))
	}
	want := notify.UserAction{ActionID: "ack", AlertID: "01JNALERT", UserID: "U-responder", At: now}
	if got[0] != want {
		t.Errorf("action = %+v, want %+v", got[0], want)
	}
}

func TestActionsHandler_HandlerErrorStillOK(t *testing.T) {
	t.Parallel()

	now := time.Now()
	g := New(Config{SigningSecret: "shh"}, log.Nop())
	g.OnUserAction(func(context.Context, notify.UserAction) error { return errors.New("store down") })

	rec := httptest.NewRecorder()
	g.ActionsHandler().ServeHTTP(rec, signedRequest(t, "shh", now, blockActions(notify.ActionOptOut, "01JN")))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	_ = g.Drain(context.Background())
}

func TestActionsHandler_AnswersBeforeSlowHandler(t *testing.T) {
	t.Parallel()

	now := time.Now()
	g := New(Config{SigningSecret: "shh"}, log.Nop())

	release := make(chan struct{})
	done := make(chan error, 1)
	g.OnUserAction(func(ctx context.Context, _ notify.UserAction) error {
		<-release
		done <- ctx.Err()
		return nil
	})

	reqCtx, cancel := context.WithCancel(context.Background())
	req := signedRequest(t, "shh", now, blockActions(notify.ActionAcknowledge, "01JN")).WithContext(reqCtx)
	rec := httptest.NewRecorder()
	g.ActionsHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || !rec.Flushed {
		t.Fatalf("status = %d flushed = %v, want 200 flushed while the handler runs", rec.Code, rec.Flushed)
	}

	// the request is over; the handler keeps its context
	cancel()
	close(release)
	if err := g.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if err := <-done; err != nil {
		t.Errorf("handler context = %v, want not cancelled", err)
	}
}

func TestGateway_DrainTimesOut(t *testing.T) {
	t.Parallel()

	g := New(Config{SigningSecret: "shh"}, log.Nop())
	release := make(chan struct{})
	defer close(release)
	g.OnUserAction(func(context.Context, notify.UserAction) error {
		<-release
		return nil
	})
	g.ActionsHandler().ServeHTTP(httptest.NewRecorder(), signedRequest(t, "shh", time.Now(), blockActions("ack", "01JN")))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := g.Drain(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Drain = %v, want deadline exceeded", err)
	}
}

func TestActionsHandler_Rejects(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		secret string
		signAs string
		ts     time.Time
	}{
		{"wrong secret", "shh", "other", now},
		{"stale timestamp", "shh", "shh", now.Add(-10 * time.Minute)},
		{"future timestamp", "shh", "shh", now.Add(10 * time.Minute)},
		{"no secret configured", "", "", now},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			g := New(Config{SigningSecret: tt.secret}, log.Nop())
			g.now = func() time.Time { return now }
			called := false
			g.OnUserAction(func(context.Context, notify.UserAction) error {
				called = true
				return nil
			})

			rec := httptest.NewRecorder()
			g.ActionsHandler().ServeHTTP(rec, signedRequest(t, tt.signAs, tt.ts, blockActions("ack", "01JN")))
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
			if called {
				t.Error("handler must not run for rejected requests")
			}
		})
	}
}

func TestActionsHandler_IgnoresOtherInteractionTypes(t *testing.T) {
	t.Parallel()

	now := time.Now()
	g := New(Config{SigningSecret: "shh"}, log.Nop())
	called := false
	g.OnUserAction(func(context.Context, notify.UserAction) error {
		called = true
		return nil
	})

	rec := httptest.NewRecorder()
	g.ActionsHandler().ServeHTTP(rec, signedRequest(t, "shh", now, map[string]any{"type": "view_submission"}))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	_ = g.Drain(context.Background())
	if called {
		t.Error("non block_actions interactions must be ignored")
	}
}
