// Package pgarchive keeps weekly response summaries in PostgreSQL beyond the
// retention window of the key-value store.
package pgarchive

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/lifeline/internal/stats"
	"github.com/linnemanlabs/lifeline/internal/store"
)

var tracer = otel.Tracer("github.com/linnemanlabs/lifeline/internal/report/pgarchive")

//go:embed schema.sql
var schema string

// Archive stores weekly summaries.
type Archive struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Archive.
func New(ctx context.Context, pool *pgxpool.Pool) (*Archive, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Archive{pool: pool}, nil
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// SaveWeekly inserts or replaces the summary for its end date.
func (a *Archive) SaveWeekly(ctx context.Context, s *stats.WeeklySummary) error {
	ctx, span := startSpan(ctx, "pgarchive.SaveWeekly", "UPSERT")
	defer span.End()

	end, err := time.Parse(store.DateLayout, s.EndDate)
	if err != nil {
		return fail(span, fmt.Errorf("end date: %w", err))
	}
	start, err := time.Parse(store.DateLayout, s.StartDate)
	if err != nil {
		return fail(span, fmt.Errorf("start date: %w", err))
	}
	body, err := json.Marshal(s)
	if err != nil {
		return fail(span, fmt.Errorf("marshal summary: %w", err))
	}

	query := `INSERT INTO weekly_summaries (
		end_date, start_date, created, acknowledged, escalated, opt_outs, avg_ack_s, summary, generated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	ON CONFLICT (end_date) DO UPDATE SET
		start_date   = EXCLUDED.start_date,
		created      = EXCLUDED.created,
		acknowledged = EXCLUDED.acknowledged,
		escalated    = EXCLUDED.escalated,
		opt_outs     = EXCLUDED.opt_outs,
		avg_ack_s    = EXCLUDED.avg_ack_s,
		summary      = EXCLUDED.summary,
		generated_at = EXCLUDED.generated_at,
		archived_at  = now()`

	t := s.Totals
	if _, err := a.pool.Exec(ctx, query,
		end, start, t.Created, t.Acknowledged, t.Escalated, t.OptOuts, t.AvgTimeToAckSeconds,
		body, s.GeneratedAt,
	); err != nil {
		return fail(span, fmt.Errorf("upsert weekly summary: %w", err))
	}
	return nil
}

// LoadWeekly returns the archived summary ending on endDate.
func (a *Archive) LoadWeekly(ctx context.Context, endDate time.Time) (*stats.WeeklySummary, bool, error) {
	ctx, span := startSpan(ctx, "pgarchive.LoadWeekly", "SELECT")
	defer span.End()

	day := time.Date(endDate.Year(), endDate.Month(), endDate.Day(), 0, 0, 0, 0, time.UTC)
	var body []byte
	err := a.pool.QueryRow(ctx, `SELECT summary FROM weekly_summaries WHERE end_date = $1`, day).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fail(span, fmt.Errorf("select weekly summary: %w", err))
	}
	var s stats.WeeklySummary
	if err := json.Unmarshal(body, &s); err != nil {
		return nil, false, fail(span, fmt.Errorf("unmarshal summary: %w", err))
	}
	return &s, true, nil
}

// Recent returns up to limit summaries, newest first.
func (a *Archive) Recent(ctx context.Context, limit int) ([]*stats.WeeklySummary, error) {
	ctx, span := startSpan(ctx, "pgarchive.Recent", "SELECT")
	defer span.End()

	if limit <= 0 {
		limit = 12
	}
	rows, err := a.pool.Query(ctx, `SELECT summary FROM weekly_summaries ORDER BY end_date DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fail(span, fmt.Errorf("list weekly summaries: %w", err))
	}
	defer rows.Close()

	var out []*stats.WeeklySummary
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fail(span, fmt.Errorf("scan summary: %w", err))
		}
		var s stats.WeeklySummary
		if err := json.Unmarshal(body, &s); err != nil {
			return nil, fail(span, fmt.Errorf("unmarshal summary: %w", err))
		}
		out = append(out, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, err)
	}
	return out, nil
}
