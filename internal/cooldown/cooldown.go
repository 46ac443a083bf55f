// Package cooldown suppresses repeat alerts for a subject inside a window.
// Expiry is delegated to the store's key ttl so every instance sharing the
// store sees the same window.
package cooldown

import (
	"context"
	"fmt"
	"time"

	"github.com/linnemanlabs/lifeline/internal/store"
)

// DefaultWindow is the stock suppression window.
const DefaultWindow = 15 * time.Minute

// Tracker reads and arms per-subject cooldowns.
type Tracker struct {
	store  store.Store
	window time.Duration
	now    func() time.Time
}

// New returns a Tracker with the given window. A non-positive window uses
// DefaultWindow.
func New(st store.Store, window time.Duration) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Tracker{store: st, window: window, now: time.Now}
}

// Window returns the configured suppression window.
func (t *Tracker) Window() time.Duration { return t.window }

// IsSuppressed reports whether subject is inside an active cooldown.
func (t *Tracker) IsSuppressed(ctx context.Context, subjectID string) (bool, error) {
	_, ok, err := t.store.Get(ctx, store.CooldownKey(subjectID))
	if err != nil {
		return false, fmt.Errorf("cooldown: check %s: %w", subjectID, err)
	}
	return ok, nil
}

// Arm starts or restarts the cooldown for subject. Re-arming an active
// cooldown extends it to a full window from now.
func (t *Tracker) Arm(ctx context.Context, subjectID string) error {
	return t.ArmFor(ctx, subjectID, t.window)
}

// ArmFor arms the cooldown with an explicit window.
func (t *Tracker) ArmFor(ctx context.Context, subjectID string, window time.Duration) error {
	if window <= 0 {
		return nil
	}
	armedAt := t.now().UTC().Format(time.RFC3339)
	if err := t.store.Set(ctx, store.CooldownKey(subjectID), armedAt, window); err != nil {
		return fmt.Errorf("cooldown: arm %s: %w", subjectID, err)
	}
	return nil
}

// TryArm arms the cooldown only if none is active and reports whether this
// caller armed it. Concurrent dispatchers for one subject race on the
// store's conditional set, so exactly one of them proceeds.
func (t *Tracker) TryArm(ctx context.Context, subjectID string) (bool, error) {
	armedAt := t.now().UTC().Format(time.RFC3339)
	ok, err := t.store.SetNX(ctx, store.CooldownKey(subjectID), armedAt, t.window)
	if err != nil {
		return false, fmt.Errorf("cooldown: arm %s: %w", subjectID, err)
	}
	return ok, nil
}

// Clear removes the cooldown. Clearing an absent cooldown is a no-op.
func (t *Tracker) Clear(ctx context.Context, subjectID string) error {
	if _, err := t.store.Del(ctx, store.CooldownKey(subjectID)); err != nil {
		return fmt.Errorf("cooldown: clear %s: %w", subjectID, err)
	}
	return nil
}

// Remaining returns how long the cooldown still holds, zero when inactive.
func (t *Tracker) Remaining(ctx context.Context, subjectID string) (time.Duration, error) {
	ttl, err := t.store.TTL(ctx, store.CooldownKey(subjectID))
	if err != nil {
		return 0, fmt.Errorf("cooldown: ttl %s: %w", subjectID, err)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}
