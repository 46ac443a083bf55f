package store

import "time"

// Key layout. Every key lifeline writes is built here so the retention
// sweeper and the components agree on categories.
const (
	AlertPrefix         = "alert:"
	TimerPrefix         = "escalation:timer:"
	ClaimPrefix         = "escalation:claim:"
	PendingTimersKey    = "escalation:pending"
	CooldownPrefix      = "cooldown:"
	HistoryPrefix       = "history:"
	BreakerPrefix       = "breaker:"
	DailyStatsPrefix    = "stats:daily:"
	WeeklySummaryPrefix = "stats:weekly:"
	OptOutPrefix        = "optout:"
	RetentionLockKey    = "retention:lock"

	// DateLayout is the layout of date suffixed keys.
	DateLayout = "2006-01-02"
)

func AlertKey(id string) string         { return AlertPrefix + id }
func TimerKey(alertID string) string    { return TimerPrefix + alertID }
func ClaimKey(alertID string) string    { return ClaimPrefix + alertID }
func CooldownKey(subject string) string { return CooldownPrefix + subject }
func HistoryKey(subject string) string  { return HistoryPrefix + subject }
func BreakerKey(name string) string     { return BreakerPrefix + name }
func OptOutKey(subject string) string   { return OptOutPrefix + subject }

// DailyStatsKey returns the aggregate hash key for the calendar day of t.
func DailyStatsKey(t time.Time) string { return DailyStatsPrefix + t.Format(DateLayout) }

// WeeklySummaryKey returns the summary key for the week ending on the day of t.
func WeeklySummaryKey(t time.Time) string { return WeeklySummaryPrefix + t.Format(DateLayout) }

// Pattern returns the scan pattern matching every key under prefix.
func Pattern(prefix string) string { return prefix + "*" }
