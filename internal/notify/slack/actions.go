package slack

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/linnemanlabs/lifeline/internal/notify"
)

const (
	maxActionBody    = 64 << 10
	signatureVersion = "v0"
	maxClockSkew     = 5 * time.Minute
)

var (
	errStaleRequest = errors.New("request timestamp outside allowed window")
	errBadSignature = errors.New("signature mismatch")
	errNoSecret     = errors.New("signing secret not configured")
)

// interaction is the subset of a block_actions payload the gateway reads.
type interaction struct {
	Type string `json:"type"`
	User struct {
		ID string `json:"id"`
	} `json:"user"`
	Actions []struct {
		ActionID string `json:"action_id"`
		Value    string `json:"value"`
	} `json:"actions"`
}

// ActionsHandler returns the interactivity request URL handler. Requests
// are authenticated with the app signing secret and answered at once; each
// button press is then delivered to the registered action handlers in the
// background.
func (g *Gateway) ActionsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxActionBody))
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}

		if err := g.verify(r.Header, body); err != nil {
			g.logger.Warn(r.Context(), "rejected slack interaction", "error", err)
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}

		form, err := url.ParseQuery(string(body))
		if err != nil {
			http.Error(w, "invalid form body", http.StatusBadRequest)
			return
		}
		var in interaction
		if err := json.Unmarshal([]byte(form.Get("payload")), &in); err != nil {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}

		// slack retries an interaction that is not answered within 3s, so
		// the response goes out before any handler runs
		w.WriteHeader(http.StatusOK)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}

		if in.Type != "block_actions" {
			return
		}
		g.mu.RLock()
		handlers := append([]notify.ActionHandler(nil), g.handlers...)
		g.mu.RUnlock()

		actions := make([]notify.UserAction, 0, len(in.Actions))
		for _, a := range in.Actions {
			actions = append(actions, notify.UserAction{
				ActionID: a.ActionID,
				AlertID:  a.Value,
				UserID:   in.User.ID,
				At:       g.now(),
			})
		}

		ctx := context.WithoutCancel(r.Context())
		g.inflight.Add(1)
		go func() {
			defer g.inflight.Done()
			for _, ua := range actions {
				for _, h := range handlers {
					if err := h(ctx, ua); err != nil {
						g.logger.Error(ctx, err, "user action handler failed",
							"action", ua.ActionID, "alert_id", ua.AlertID, "user", ua.UserID)
					}
				}
			}
		}()
	})
}

// Drain waits for action handlers still running after their request was
// answered, or until ctx is done.
func (g *Gateway) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gateway) verify(h http.Header, body []byte) error {
	if g.cfg.SigningSecret == "" {
		return errNoSecret
	}
	tsRaw := h.Get("X-Slack-Request-Timestamp")
	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return errStaleRequest
	}
	if d := g.now().Sub(time.Unix(ts, 0)); d > maxClockSkew || d < -maxClockSkew {
		return errStaleRequest
	}
	want := sign(g.cfg.SigningSecret, tsRaw, body)
	if !hmac.Equal([]byte(want), []byte(h.Get("X-Slack-Signature"))) {
		return errBadSignature
	}
	return nil
}

func sign(secret, ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	var base bytes.Buffer
	base.WriteString(signatureVersion)
	base.WriteByte(':')
	base.WriteString(ts)
	base.WriteByte(':')
	base.Write(body)
	mac.Write(base.Bytes())
	return signatureVersion + "=" + hex.EncodeToString(mac.Sum(nil))
}
