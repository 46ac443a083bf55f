// Package routing resolves a classified event to a severity tier, a
// destination channel and a notification policy.
package routing

import (
	"github.com/linnemanlabs/lifeline/internal/alert"
)

// DefaultSensitivity applies to origins without an explicit multiplier.
const DefaultSensitivity = 1.0

// Policy is the contextual modifier for one origin.
type Policy struct {
	Sensitivity float64
}

// Decision is the routing outcome for one event.
type Decision struct {
	Tier           alert.Tier
	EffectiveScore float64
	Destination    string
	ShouldPingTeam bool
	ShouldAlert    bool
}

// Config configures a Router.
type Config struct {
	// Channels maps a tier to its destination channel.
	Channels map[alert.Tier]string
	// DefaultDestination receives tiers absent from Channels.
	DefaultDestination string
	// AlertOnLow makes LOW tier events alert.
	AlertOnLow bool
	// Sensitivity maps an origin to its multiplier.
	Sensitivity map[string]float64
	Thresholds  alert.Thresholds
}

// Router is immutable after construction and safe for concurrent use.
type Router struct {
	channels    map[alert.Tier]string
	fallback    string
	alertOnLow  bool
	sensitivity map[string]float64
	thresholds  alert.Thresholds
}

// New builds a Router. Invalid thresholds fall back to the defaults.
func New(cfg Config) *Router {
	th := cfg.Thresholds
	if th.Validate() != nil {
		th = alert.DefaultThresholds
	}
	r := &Router{
		channels:    make(map[alert.Tier]string, len(cfg.Channels)),
		fallback:    cfg.DefaultDestination,
		alertOnLow:  cfg.AlertOnLow,
		sensitivity: make(map[string]float64, len(cfg.Sensitivity)),
		thresholds:  th,
	}
	for t, ch := range cfg.Channels {
		if ch != "" {
			r.channels[t] = ch
		}
	}
	for origin, m := range cfg.Sensitivity {
		if m >= 0 {
			r.sensitivity[origin] = m
		}
	}
	return r
}

// PolicyFor returns the sensitivity policy for origin.
func (r *Router) PolicyFor(originID string) Policy {
	if m, ok := r.sensitivity[originID]; ok {
		return Policy{Sensitivity: m}
	}
	return Policy{Sensitivity: DefaultSensitivity}
}

// Destination resolves the channel for tier, falling back to the default
// monitor destination.
func (r *Router) Destination(t alert.Tier) string {
	if ch, ok := r.channels[t]; ok {
		return ch
	}
	return r.fallback
}

// Route scores ev under policy and decides where and whether it alerts.
// A fallback event is never scaled below its own score and always alerts,
// at LOW or above.
func (r *Router) Route(ev alert.ClassifiedEvent, p Policy) Decision {
	score := alert.Clamp(ev.SeverityScore * p.Sensitivity)
	if ev.Fallback {
		score = max(score, alert.Clamp(ev.SeverityScore))
	}
	tier := r.thresholds.Tier(score)
	if ev.Fallback && !tier.AtLeast(alert.TierLow) {
		tier = alert.TierLow
	}

	d := Decision{
		Tier:           tier,
		EffectiveScore: score,
		ShouldPingTeam: tier.PingsTeam(),
		ShouldAlert:    tier.AlertsByDefault() || (tier == alert.TierLow && r.alertOnLow) || ev.Fallback,
	}
	if tier != alert.TierNone {
		d.Destination = r.Destination(tier)
	}
	return d
}
