package alert

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Tier is a discrete severity bucket derived from a continuous score.
type Tier string

const (
	TierNone     Tier = "none"
	TierLow      Tier = "low"
	TierMedium   Tier = "medium"
	TierHigh     Tier = "high"
	TierCritical Tier = "critical"
)

// tierTraits is the per-dimension behavior of a tier.
type tierTraits struct {
	rank           int
	pingTeam       bool
	alertByDefault bool
}

var traits = map[Tier]tierTraits{
	TierNone:     {rank: 0},
	TierLow:      {rank: 1},
	TierMedium:   {rank: 2, alertByDefault: true},
	TierHigh:     {rank: 3, alertByDefault: true, pingTeam: true},
	TierCritical: {rank: 4, alertByDefault: true, pingTeam: true},
}

// Tiers lists every tier from most to least severe.
var Tiers = []Tier{TierCritical, TierHigh, TierMedium, TierLow, TierNone}

// ParseTier parses a tier name case-insensitively.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := traits[t]; !ok {
		return TierNone, fmt.Errorf("unknown tier %q", s)
	}
	return t, nil
}

// Rank orders tiers, none=0 .. critical=4. Unknown tiers rank as none.
func (t Tier) Rank() int { return traits[t].rank }

// AtLeast reports whether t is as severe as min or more.
func (t Tier) AtLeast(minTier Tier) bool { return t.Rank() >= minTier.Rank() }

// PingsTeam reports whether alerts of this tier page the response team.
func (t Tier) PingsTeam() bool { return traits[t].pingTeam }

// AlertsByDefault reports whether this tier produces an alert without opt-in.
func (t Tier) AlertsByDefault() bool { return traits[t].alertByDefault }

// Thresholds are the inclusive lower bounds of each tier.
type Thresholds struct {
	Critical float64
	High     float64
	Medium   float64
	Low      float64
}

// DefaultThresholds are the stock tier boundaries.
var DefaultThresholds = Thresholds{Critical: 0.85, High: 0.55, Medium: 0.28, Low: 0.16}

var errThresholdOrder = errors.New("tier thresholds must satisfy 0 < low < medium < high < critical <= 1")

// Validate checks the thresholds are strictly ordered inside (0, 1].
func (th Thresholds) Validate() error {
	if th.Low <= 0 || th.Low >= th.Medium || th.Medium >= th.High || th.High >= th.Critical || th.Critical > 1 {
		return errThresholdOrder
	}
	return nil
}

// Tier maps an effective score onto a tier. Bounds are inclusive on the
// lower edge of each tier.
func (th Thresholds) Tier(score float64) Tier {
	switch {
	case score >= th.Critical:
		return TierCritical
	case score >= th.High:
		return TierHigh
	case score >= th.Medium:
		return TierMedium
	case score >= th.Low:
		return TierLow
	default:
		return TierNone
	}
}

// Clamp restricts v to [0, 1]; NaN clamps to 0.
func Clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
