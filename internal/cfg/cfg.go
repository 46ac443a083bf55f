// Package cfg holds lifeline's application configuration.
package cfg

import (
	"errors"
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/linnemanlabs/lifeline/internal/alert"
)

// Config adds lifeline-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string
	APITokenPrevious      string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string
	DatabaseURL   string

	SlackBotToken      string
	SlackSigningSecret string
	SlackBaseURL       string
	SlackTeamMention   string
	SlackRatePerSecond float64
	MonitoredOrigins   string
	ChannelMap         string
	DefaultChannel     string

	ClassifierEndpoint       string
	ClassifierTimeoutSeconds int
	ClassifierFallbackScore  float64
	ClaudeAPIKey             string
	ClaudeModel              string

	FailureThreshold       int
	SuccessThreshold       int
	RecoveryTimeoutSeconds int
	CallTimeoutSeconds     int
	RetryAttempts          int

	CooldownSeconds int
	AlertOnLow      bool
	Sensitivity     string

	AutoEscalate            bool
	EscalationDelayMinutes  int
	EscalationMinSeverity   string
	EscalationSweepSeconds  int
	EscalationRearmCooldown bool
	OptOutDays              int

	RetentionAlertDays   int
	RetentionTimerDays   int
	RetentionHistoryDays int
	RetentionDailyDays   int
	RetentionWeeklyDays  int
	CleanupHour          int
	ReportDay            string
	ReportHour           int
	Timezone             string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required on /api/v1 routes")
	fs.StringVar(&c.APITokenPrevious, "api-token-previous", "", "previous bearer token still accepted during rotation")

	fs.StringVar(&c.RedisAddr, "redis-addr", "", "redis address host:port (empty = in-memory store, single instance only)")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "redis password")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "redis database number")
	fs.StringVar(&c.KeyPrefix, "key-prefix", "lifeline:", "prefix applied to every store key")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL URL for the weekly summary archive (empty = no archive)")

	fs.StringVar(&c.SlackBotToken, "slack-bot-token", "", "Slack bot token used to post alerts")
	fs.StringVar(&c.SlackSigningSecret, "slack-signing-secret", "", "Slack signing secret used to verify interactive callbacks")
	fs.StringVar(&c.SlackBaseURL, "slack-base-url", "https://slack.com/api", "Slack Web API base URL")
	fs.StringVar(&c.SlackTeamMention, "slack-team-mention", "<!here>", "mention prepended to alerts that ping the team")
	fs.Float64Var(&c.SlackRatePerSecond, "slack-rate-per-second", 1, "maximum outbound Slack messages per second")
	fs.StringVar(&c.MonitoredOrigins, "monitored-origins", "", "comma separated origin (channel) ids whose messages are classified")
	fs.StringVar(&c.ChannelMap, "channel-map", "", "tier=destination pairs, e.g. critical=C1,high=C1")
	fs.StringVar(&c.DefaultChannel, "default-channel", "", "destination for tiers without a mapping and for weekly reports")

	fs.StringVar(&c.ClassifierEndpoint, "classifier-endpoint", "", "base URL of the severity classification service (empty = message intake disabled)")
	fs.IntVar(&c.ClassifierTimeoutSeconds, "classifier-timeout-seconds", 10, "timeout for one classification request")
	fs.Float64Var(&c.ClassifierFallbackScore, "classifier-fallback-score", 0.28, "score used when the classifier is unavailable (0..1]")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for assistant message generation (empty = fixed fallback message)")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-5", "Claude model used by the assistant")

	fs.IntVar(&c.FailureThreshold, "breaker-failure-threshold", 5, "consecutive failures that open a dependency circuit")
	fs.IntVar(&c.SuccessThreshold, "breaker-success-threshold", 2, "consecutive half-open successes that close a circuit")
	fs.IntVar(&c.RecoveryTimeoutSeconds, "breaker-recovery-timeout-seconds", 30, "seconds a circuit stays open before a trial call")
	fs.IntVar(&c.CallTimeoutSeconds, "breaker-call-timeout-seconds", 10, "timeout applied to one dependency call (0 = none)")
	fs.IntVar(&c.RetryAttempts, "retry-attempts", 3, "attempts per dependency operation including the first (1..10)")

	fs.IntVar(&c.CooldownSeconds, "cooldown-seconds", 900, "per-subject suppression window after an alert")
	fs.BoolVar(&c.AlertOnLow, "alert-on-low", false, "also alert LOW tier events")
	fs.StringVar(&c.Sensitivity, "sensitivity", "", "origin=multiplier pairs scaling classifier scores, e.g. C1=1.2,C2=0.5")

	fs.BoolVar(&c.AutoEscalate, "auto-escalate", true, "escalate unacknowledged team alerts to assistant outreach")
	fs.IntVar(&c.EscalationDelayMinutes, "escalation-delay-minutes", 15, "minutes an alert may stay unacknowledged before escalation")
	fs.StringVar(&c.EscalationMinSeverity, "escalation-min-severity", "high", "lowest tier that is escalated")
	fs.IntVar(&c.EscalationSweepSeconds, "escalation-sweep-seconds", 30, "interval between escalation sweeps")
	fs.BoolVar(&c.EscalationRearmCooldown, "escalation-rearm-cooldown", true, "re-arm the subject cooldown when an alert escalates")
	fs.IntVar(&c.OptOutDays, "opt-out-days", 30, "days an opt-out suppresses assistant outreach")

	fs.IntVar(&c.RetentionAlertDays, "retention-alert-days", 90, "days alert records are kept")
	fs.IntVar(&c.RetentionTimerDays, "retention-timer-days", 7, "days escalation timers are kept")
	fs.IntVar(&c.RetentionHistoryDays, "retention-history-days", 30, "days subject message history is kept")
	fs.IntVar(&c.RetentionDailyDays, "retention-daily-days", 365, "days daily aggregates are kept")
	fs.IntVar(&c.RetentionWeeklyDays, "retention-weekly-days", 730, "days weekly summaries are kept in the store")
	fs.IntVar(&c.CleanupHour, "cleanup-hour", 3, "hour of day (0..23) the retention cleanup runs")
	fs.StringVar(&c.ReportDay, "report-day", "monday", "weekday the weekly report is posted")
	fs.IntVar(&c.ReportHour, "report-hour", 9, "hour of day (0..23) the weekly report is posted")
	fs.StringVar(&c.Timezone, "timezone", "UTC", "IANA timezone days and schedules are cut in")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}
	if c.APIToken == "" {
		errs = append(errs, errors.New("API_TOKEN is required"))
	}
	if c.RedisDB < 0 {
		errs = append(errs, fmt.Errorf("invalid REDIS_DB %d (must be >= 0)", c.RedisDB))
	}
	if c.SlackRatePerSecond <= 0 {
		errs = append(errs, fmt.Errorf("invalid SLACK_RATE_PER_SECOND %v (must be > 0)", c.SlackRatePerSecond))
	}
	if c.ClassifierTimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("invalid CLASSIFIER_TIMEOUT_SECONDS %d (must be > 0)", c.ClassifierTimeoutSeconds))
	}
	if c.ClassifierFallbackScore <= 0 || c.ClassifierFallbackScore > 1 {
		errs = append(errs, fmt.Errorf("invalid CLASSIFIER_FALLBACK_SCORE %v (must be in (0,1])", c.ClassifierFallbackScore))
	}
	if c.ClaudeAPIKey != "" && c.ClaudeModel == "" {
		errs = append(errs, errors.New("CLAUDE_MODEL is required when CLAUDE_API_KEY is set"))
	}

	// Resilience
	positive := []struct {
		name string
		v    int
	}{
		{"BREAKER_FAILURE_THRESHOLD", c.FailureThreshold},
		{"BREAKER_SUCCESS_THRESHOLD", c.SuccessThreshold},
		{"BREAKER_RECOVERY_TIMEOUT_SECONDS", c.RecoveryTimeoutSeconds},
		{"COOLDOWN_SECONDS", c.CooldownSeconds},
		{"ESCALATION_DELAY_MINUTES", c.EscalationDelayMinutes},
		{"ESCALATION_SWEEP_SECONDS", c.EscalationSweepSeconds},
		{"OPT_OUT_DAYS", c.OptOutDays},
		{"RETENTION_ALERT_DAYS", c.RetentionAlertDays},
		{"RETENTION_TIMER_DAYS", c.RetentionTimerDays},
		{"RETENTION_HISTORY_DAYS", c.RetentionHistoryDays},
		{"RETENTION_DAILY_DAYS", c.RetentionDailyDays},
		{"RETENTION_WEEKLY_DAYS", c.RetentionWeeklyDays},
	}
	for _, p := range positive {
		if p.v <= 0 {
			errs = append(errs, fmt.Errorf("invalid %s %d (must be > 0)", p.name, p.v))
		}
	}
	if c.CallTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("invalid BREAKER_CALL_TIMEOUT_SECONDS %d (must be >= 0)", c.CallTimeoutSeconds))
	}
	if c.RetryAttempts < 1 || c.RetryAttempts > 10 {
		errs = append(errs, fmt.Errorf("invalid RETRY_ATTEMPTS %d (must be 1..10)", c.RetryAttempts))
	}

	// Schedules
	if c.CleanupHour < 0 || c.CleanupHour > 23 {
		errs = append(errs, fmt.Errorf("invalid CLEANUP_HOUR %d (must be 0..23)", c.CleanupHour))
	}
	if c.ReportHour < 0 || c.ReportHour > 23 {
		errs = append(errs, fmt.Errorf("invalid REPORT_HOUR %d (must be 0..23)", c.ReportHour))
	}
	if _, err := c.ReportWeekday(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Location loads Timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// ReportWeekday parses ReportDay.
func (c *Config) ReportWeekday() (time.Weekday, error) {
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.EqualFold(c.ReportDay, d.String()) {
			return d, nil
		}
	}
	return 0, fmt.Errorf("invalid REPORT_DAY %q (must be a weekday name)", c.ReportDay)
}

// Origins returns the monitored origin ids.
func (c *Config) Origins() []string {
	return splitList(c.MonitoredOrigins)
}

// Sensitivities parses the origin=multiplier list. Malformed entries are
// reported to warn and skipped.
func (c *Config) Sensitivities(warn func(error)) map[string]float64 {
	out := map[string]float64{}
	for _, pair := range splitList(c.Sensitivity) {
		origin, raw, ok := strings.Cut(pair, "=")
		origin = strings.TrimSpace(origin)
		if !ok || origin == "" {
			warn(&alert.ValidationError{Field: "sensitivity", Reason: fmt.Sprintf("entry %q is not origin=multiplier, ignored", pair)})
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil || v < 0 {
			warn(&alert.ValidationError{Field: "sensitivity", Reason: fmt.Sprintf("multiplier %q for %s is not a non-negative number, using default", raw, origin)})
			continue
		}
		out[origin] = v
	}
	return out
}

// Channels parses the tier=destination list. Unknown tiers are reported to
// warn and skipped.
func (c *Config) Channels(warn func(error)) map[alert.Tier]string {
	out := map[alert.Tier]string{}
	for _, pair := range splitList(c.ChannelMap) {
		name, dest, ok := strings.Cut(pair, "=")
		dest = strings.TrimSpace(dest)
		if !ok || dest == "" {
			warn(&alert.ValidationError{Field: "channel_map", Reason: fmt.Sprintf("entry %q is not tier=destination, ignored", pair)})
			continue
		}
		tier, err := alert.ParseTier(name)
		if err != nil {
			warn(&alert.ValidationError{Field: "channel_map", Reason: fmt.Sprintf("%v, ignored", err)})
			continue
		}
		out[tier] = dest
	}
	return out
}

// EscalationTier parses EscalationMinSeverity, falling back to HIGH.
func (c *Config) EscalationTier(warn func(error)) alert.Tier {
	t, err := alert.ParseTier(c.EscalationMinSeverity)
	if err != nil || t == alert.TierNone {
		warn(&alert.ValidationError{Field: "escalation_min_severity", Reason: fmt.Sprintf("%q is not an alerting tier, using high", c.EscalationMinSeverity)})
		return alert.TierHigh
	}
	return t
}

// Days converts a day count to a duration.
func Days(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
