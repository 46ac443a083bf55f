package cfg

import (
	"flag"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/lifeline/internal/alert"
)

// validBase returns a Config with defaults registered and required fields set.
func validBase(t *testing.T) Config {
	t.Helper()
	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse empty args: %v", err)
	}
	c.APIToken = "test-token-123"
	return c
}

func TestRegisterFlags_Defaults(t *testing.T) {
	t.Parallel()

	c := validBase(t)
	if c.DrainSeconds != 60 || c.ShutdownBudgetSeconds != 90 || c.APIPort != 8080 {
		t.Errorf("budgets/port = %d/%d/%d", c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort)
	}
	if c.FailureThreshold != 5 || c.SuccessThreshold != 2 || c.RecoveryTimeoutSeconds != 30 {
		t.Errorf("breaker defaults = %d/%d/%d", c.FailureThreshold, c.SuccessThreshold, c.RecoveryTimeoutSeconds)
	}
	if c.CooldownSeconds != 900 || c.EscalationDelayMinutes != 15 || c.EscalationMinSeverity != "high" {
		t.Errorf("alerting defaults = %d/%d/%s", c.CooldownSeconds, c.EscalationDelayMinutes, c.EscalationMinSeverity)
	}
	if c.ClassifierFallbackScore != 0.28 {
		t.Errorf("fallback score = %v, want 0.28", c.ClassifierFallbackScore)
	}
	if !c.AutoEscalate || !c.EscalationRearmCooldown || c.AlertOnLow {
		t.Error("unexpected toggle defaults")
	}
	if err := c.Validate(); err != nil {
		t.Errorf("defaults plus token should validate: %v", err)
	}
}

func TestRegisterFlags_Override(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)
	args := []string{
		"-http-port", "9090",
		"-redis-addr", "redis:6379",
		"-breaker-failure-threshold", "3",
		"-cooldown-seconds", "60",
		"-alert-on-low",
		"-auto-escalate=false",
		"-report-day", "friday",
		"-timezone", "Europe/Berlin",
	}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.APIPort != 9090 || c.RedisAddr != "redis:6379" || c.FailureThreshold != 3 || c.CooldownSeconds != 60 {
		t.Errorf("overrides not applied: %+v", c)
	}
	if !c.AlertOnLow || c.AutoEscalate {
		t.Error("bool overrides not applied")
	}
	if d, err := c.ReportWeekday(); err != nil || d != time.Friday {
		t.Errorf("ReportWeekday = %v, %v", d, err)
	}
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{"drain zero", func(c *Config) { c.DrainSeconds = 0 }, "DRAIN_SECONDS"},
		{"budget below drain", func(c *Config) { c.ShutdownBudgetSeconds = 30 }, "must be greater than DRAIN_SECONDS"},
		{"port too high", func(c *Config) { c.APIPort = 70000 }, "HTTP_PORT"},
		{"no token", func(c *Config) { c.APIToken = "" }, "API_TOKEN is required"},
		{"fallback score zero", func(c *Config) { c.ClassifierFallbackScore = 0 }, "CLASSIFIER_FALLBACK_SCORE"},
		{"fallback score above one", func(c *Config) { c.ClassifierFallbackScore = 1.5 }, "CLASSIFIER_FALLBACK_SCORE"},
		{"failure threshold", func(c *Config) { c.FailureThreshold = 0 }, "BREAKER_FAILURE_THRESHOLD"},
		{"cooldown", func(c *Config) { c.CooldownSeconds = -1 }, "COOLDOWN_SECONDS"},
		{"retry attempts", func(c *Config) { c.RetryAttempts = 11 }, "RETRY_ATTEMPTS"},
		{"cleanup hour", func(c *Config) { c.CleanupHour = 24 }, "CLEANUP_HOUR"},
		{"report day", func(c *Config) { c.ReportDay = "someday" }, "REPORT_DAY"},
		{"timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }, "TIMEZONE"},
		{"model without key", func(c *Config) { c.ClaudeAPIKey = "sk"; c.ClaudeModel = "" }, "CLAUDE_MODEL"},
		{"slack rate", func(c *Config) { c.SlackRatePerSecond = 0 }, "SLACK_RATE_PER_SECOND"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := validBase(t)
			tt.mutate(&c)
			err := c.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error = %q, want substring %q", err, tt.wantSub)
			}
		})
	}
}

func TestValidate_MultipleErrorsJoined(t *testing.T) {
	t.Parallel()

	c := validBase(t)
	c.APIPort = 0
	c.APIToken = ""
	err := c.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, sub := range []string{"HTTP_PORT", "API_TOKEN"} {
		if !strings.Contains(err.Error(), sub) {
			t.Errorf("joined error missing %s: %v", sub, err)
		}
	}
}

func collect() (func(error), *[]error) {
	var got []error
	return func(err error) { got = append(got, err) }, &got
}

func TestSensitivities(t *testing.T) {
	t.Parallel()

	c := Config{Sensitivity: "C1=1.2, C2 = 0.5,broken,C3=abc,C4=-1,=2"}
	warn, got := collect()
	s := c.Sensitivities(warn)
	if len(s) != 2 || s["C1"] != 1.2 || s["C2"] != 0.5 {
		t.Errorf("sensitivities = %v", s)
	}
	if len(*got) != 4 {
		t.Errorf("warnings = %d, want 4: %v", len(*got), *got)
	}
}

func TestChannels(t *testing.T) {
	t.Parallel()

	c := Config{ChannelMap: "critical=C1,HIGH=C1,medium=C2,urgent=C9,low="}
	warn, got := collect()
	ch := c.Channels(warn)
	if ch[alert.TierCritical] != "C1" || ch[alert.TierHigh] != "C1" || ch[alert.TierMedium] != "C2" {
		t.Errorf("channels = %v", ch)
	}
	if len(ch) != 3 {
		t.Errorf("len = %d, want 3", len(ch))
	}
	if len(*got) != 2 {
		t.Errorf("warnings = %d, want 2", len(*got))
	}
}

func TestEscalationTier(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in    string
		want  alert.Tier
		warns int
	}{
		{"critical", alert.TierCritical, 0},
		{"Medium", alert.TierMedium, 0},
		{"none", alert.TierHigh, 1},
		{"bogus", alert.TierHigh, 1},
	}
	for _, tt := range tests {
		warn, got := collect()
		c := Config{EscalationMinSeverity: tt.in}
		if tier := c.EscalationTier(warn); tier != tt.want || len(*got) != tt.warns {
			t.Errorf("EscalationTier(%q) = %s with %d warnings", tt.in, tier, len(*got))
		}
	}
}

func TestOrigins(t *testing.T) {
	t.Parallel()

	c := Config{MonitoredOrigins: " C1, ,C2,"}
	got := c.Origins()
	if len(got) != 2 || got[0] != "C1" || got[1] != "C2" {
		t.Errorf("Origins = %v", got)
	}
	if (&Config{}).Origins() != nil {
		t.Error("empty list should be nil")
	}
}

func TestDays(t *testing.T) {
	t.Parallel()

	if Days(2) != 48*time.Hour {
		t.Errorf("Days(2) = %v", Days(2))
	}
}
