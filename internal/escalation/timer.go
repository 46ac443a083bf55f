package escalation

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/linnemanlabs/lifeline/internal/alert"
	"github.com/linnemanlabs/lifeline/internal/store"
)

// State is the lifecycle state of a watched alert.
type State string

const (
	StatePending      State = "pending"
	StateAcknowledged State = "acknowledged"
	StateEscalated    State = "escalated"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateAcknowledged || s == StateEscalated }

// Timer is the persisted escalation watch of one alert. The deadline is
// absolute so a restarted process recomputes the remaining time from it.
type Timer struct {
	AlertID    string     `json:"alert_id"`
	SubjectID  string     `json:"subject_id"`
	Tier       alert.Tier `json:"tier"`
	Deadline   time.Time  `json:"deadline"`
	State      State      `json:"state"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

func deadlineScore(t time.Time) float64 { return float64(t.UnixMilli()) }

func (e *Engine) loadTimer(ctx context.Context, alertID string) (*Timer, bool, error) {
	raw, ok, err := e.store.Get(ctx, store.TimerKey(alertID))
	if err != nil || !ok {
		return nil, false, err
	}
	var t Timer
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, false, fmt.Errorf("decode timer %s: %w", alertID, err)
	}
	return &t, true, nil
}

func (e *Engine) saveTimer(ctx context.Context, t *Timer) error {
	b, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode timer %s: %w", t.AlertID, err)
	}
	return e.store.Set(ctx, store.TimerKey(t.AlertID), string(b), 0)
}

// due returns the ids of pending timers whose deadline score is at or
// before now.
func (e *Engine) due(ctx context.Context, now time.Time) ([]string, error) {
	return e.store.ZRangeByScore(ctx, store.PendingTimersKey, negInf, deadlineScore(now))
}

var (
	negInf = math.Inf(-1)
	posInf = math.Inf(1)
)
