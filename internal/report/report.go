// Package report composes the weekly response summary, archives it and posts
// it to the monitor channel.
package report

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/robfig/cron/v3"

	"github.com/linnemanlabs/lifeline/internal/alert"
	"github.com/linnemanlabs/lifeline/internal/breaker"
	"github.com/linnemanlabs/lifeline/internal/notify"
	"github.com/linnemanlabs/lifeline/internal/stats"
)

// Summarizer composes and stores weekly summaries.
type Summarizer interface {
	WeeklySummary(ctx context.Context, endDate time.Time) (*stats.WeeklySummary, error)
	SaveWeekly(ctx context.Context, s *stats.WeeklySummary) error
	Location() *time.Location
}

// Archiver keeps summaries long term.
type Archiver interface {
	SaveWeekly(ctx context.Context, s *stats.WeeklySummary) error
}

// Poster delivers the formatted report.
type Poster interface {
	SendNotification(ctx context.Context, destination string, msg notify.Message) (string, error)
}

// Config holds the schedule and destination.
type Config struct {
	Weekday     time.Weekday
	Hour        int
	Destination string
}

// Reporter generates weekly reports.
type Reporter struct {
	stats   Summarizer
	archive Archiver
	poster  Poster
	tx      *breaker.Breaker
	cfg     Config
	logger  log.Logger
	now     func() time.Time
}

// New creates a reporter. archive and poster may be nil.
func New(sum Summarizer, archive Archiver, poster Poster, tx *breaker.Breaker, cfg Config, logger log.Logger) *Reporter {
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.Hour < 0 || cfg.Hour > 23 {
		cfg.Hour = 9
	}
	if tx == nil {
		tx = breaker.New("notify", breaker.DefaultConfig(), logger, breaker.Hooks{}, nil)
	}
	return &Reporter{
		stats:   sum,
		archive: archive,
		poster:  poster,
		tx:      tx,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// Schedule returns the cron spec of the weekly run.
func (r *Reporter) Schedule() string {
	return fmt.Sprintf("0 %d * * %d", r.cfg.Hour, int(r.cfg.Weekday))
}

// Run generates the report on schedule until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context) error {
	c := cron.New(cron.WithLocation(r.stats.Location()))
	if _, err := c.AddFunc(r.Schedule(), func() {
		if _, err := r.RunWeekly(ctx); err != nil {
			r.logger.Error(ctx, err, "weekly report failed")
		}
	}); err != nil {
		return fmt.Errorf("report: schedule: %w", err)
	}

	r.logger.Info(ctx, "weekly report scheduled", "schedule", r.Schedule())
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// RunWeekly generates the report for the week ending yesterday.
func (r *Reporter) RunWeekly(ctx context.Context) (*stats.WeeklySummary, error) {
	yesterday := r.now().In(r.stats.Location()).AddDate(0, 0, -1)
	return r.Generate(ctx, yesterday)
}

// Generate composes, stores, archives and posts the summary ending on
// endDate. Only failing to compose is an error; the later steps are logged.
func (r *Reporter) Generate(ctx context.Context, endDate time.Time) (*stats.WeeklySummary, error) {
	s, err := r.stats.WeeklySummary(ctx, endDate)
	if err != nil {
		return nil, fmt.Errorf("report: compose: %w", err)
	}
	L := r.logger.With("week_ending", s.EndDate)

	var errs []error
	if err := r.stats.SaveWeekly(ctx, s); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}
	if r.archive != nil {
		if err := r.archive.SaveWeekly(ctx, s); err != nil {
			errs = append(errs, fmt.Errorf("archive: %w", err))
		}
	}
	if r.poster != nil && r.cfg.Destination != "" {
		if _, err := breaker.Retry(ctx, r.tx, func(ctx context.Context) (string, error) {
			return r.poster.SendNotification(ctx, r.cfg.Destination, Format(s))
		}); err != nil {
			errs = append(errs, fmt.Errorf("post: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		L.Warn(ctx, "weekly report partially delivered", "error", err)
	} else {
		L.Info(ctx, "weekly report delivered", "created", s.Totals.Created, "acknowledged", s.Totals.Acknowledged)
	}
	return s, nil
}

// Format renders a summary as a notification.
func Format(s *stats.WeeklySummary) notify.Message {
	t := s.Totals

	var b strings.Builder
	fmt.Fprintf(&b, "*%d* alerts, *%d* acknowledged (%.0f%%), *%d* escalated.\n",
		t.Created, t.Acknowledged, t.AckRate()*100, t.Escalated)
	for _, tier := range alert.Tiers {
		if n := t.CreatedByTier[tier]; n > 0 {
			fmt.Fprintf(&b, "• %s: %d\n", strings.ToUpper(string(tier)), n)
		}
	}
	if t.Suppressed > 0 {
		fmt.Fprintf(&b, "%d repeat events suppressed by cooldown.\n", t.Suppressed)
	}
	if t.DeliveryFailed > 0 {
		fmt.Fprintf(&b, "%d notifications could not be delivered.\n", t.DeliveryFailed)
	}

	return notify.Message{
		Title: fmt.Sprintf("Weekly summary %s to %s", s.StartDate, s.EndDate),
		Text:  strings.TrimRight(b.String(), "\n"),
		Fields: []notify.Field{
			{Label: "Avg time to acknowledge", Value: formatSeconds(t.AvgTimeToAckSeconds)},
			{Label: "Assistant contacted", Value: fmt.Sprintf("%d", t.AssistantContacted)},
			{Label: "Avg time to assistant", Value: formatSeconds(t.AvgTimeToAssistantSeconds)},
			{Label: "Opt-outs", Value: fmt.Sprintf("%d", t.OptOuts)},
		},
		Footer: "weekly report",
	}
}

func formatSeconds(s float64) string {
	if s <= 0 {
		return "n/a"
	}
	return (time.Duration(s * float64(time.Second))).Round(time.Second).String()
}
