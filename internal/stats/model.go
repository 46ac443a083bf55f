package stats

import (
	"time"

	"github.com/linnemanlabs/lifeline/internal/alert"
)

// DailyAggregate is the rollup of one calendar day.
type DailyAggregate struct {
	Date                      string               `json:"date,omitempty"`
	Created                   int64                `json:"created"`
	CreatedByTier             map[alert.Tier]int64 `json:"created_by_tier"`
	Suppressed                int64                `json:"suppressed"`
	DeliveryFailed            int64                `json:"delivery_failed"`
	Acknowledged              int64                `json:"acknowledged"`
	AckSecondsSum             float64              `json:"ack_seconds_sum"`
	AvgTimeToAckSeconds       float64              `json:"avg_time_to_ack_seconds"`
	Escalated                 int64                `json:"escalated"`
	AssistantContacted        int64                `json:"assistant_contacted"`
	AssistantSecondsSum       float64              `json:"assistant_seconds_sum"`
	AvgTimeToAssistantSeconds float64              `json:"avg_time_to_assistant_seconds"`
	OptOuts                   int64                `json:"opt_outs"`
}

func (d *DailyAggregate) add(o *DailyAggregate) {
	d.Created += o.Created
	for t, n := range o.CreatedByTier {
		d.CreatedByTier[t] += n
	}
	d.Suppressed += o.Suppressed
	d.DeliveryFailed += o.DeliveryFailed
	d.Acknowledged += o.Acknowledged
	d.AckSecondsSum += o.AckSecondsSum
	d.Escalated += o.Escalated
	d.AssistantContacted += o.AssistantContacted
	d.AssistantSecondsSum += o.AssistantSecondsSum
	d.OptOuts += o.OptOuts
}

// finish derives averages from sums and counts.
func (d *DailyAggregate) finish() {
	d.AvgTimeToAckSeconds = 0
	if d.Acknowledged > 0 {
		d.AvgTimeToAckSeconds = d.AckSecondsSum / float64(d.Acknowledged)
	}
	d.AvgTimeToAssistantSeconds = 0
	if d.AssistantContacted > 0 {
		d.AvgTimeToAssistantSeconds = d.AssistantSecondsSum / float64(d.AssistantContacted)
	}
}

// AckRate is acknowledged / created, zero without alerts.
func (d *DailyAggregate) AckRate() float64 {
	if d.Created == 0 {
		return 0
	}
	return float64(d.Acknowledged) / float64(d.Created)
}

// WeeklySummary composes seven consecutive daily aggregates.
type WeeklySummary struct {
	StartDate   string           `json:"start_date"`
	EndDate     string           `json:"end_date"`
	Days        []DailyAggregate `json:"days"`
	Totals      DailyAggregate   `json:"totals"`
	GeneratedAt time.Time        `json:"generated_at"`
}
