// Package alertapi is the HTTP surface of lifeline: message and event
// intake, responder actions, operational status and response statistics.
package alertapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/lifeline/internal/alert"
	"github.com/linnemanlabs/lifeline/internal/breaker"
	"github.com/linnemanlabs/lifeline/internal/dispatch"
	"github.com/linnemanlabs/lifeline/internal/intake"
	"github.com/linnemanlabs/lifeline/internal/retention"
	"github.com/linnemanlabs/lifeline/internal/stats"
)

// Dispatcher defines the alert operations the API needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev alert.ClassifiedEvent) (*dispatch.Outcome, error)
	Get(ctx context.Context, id string) (*alert.Alert, bool, error)
	Acknowledge(ctx context.Context, id, by string) (*alert.Alert, error)
	OptOut(ctx context.Context, id, by string) (*alert.Alert, error)
}

// Intake runs raw messages through classification and dispatch.
type Intake interface {
	Handle(ctx context.Context, m intake.Message) (*intake.Result, error)
}

// Breakers lists dependency circuit states.
type Breakers interface {
	Status(ctx context.Context) []breaker.Snapshot
}

// Escalations reports outstanding escalation watches.
type Escalations interface {
	PendingCount(ctx context.Context) (int, error)
}

// Pinger checks the shared store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Stats reads response metrics.
type Stats interface {
	DailyAggregate(ctx context.Context, date time.Time) (*stats.DailyAggregate, error)
	WeeklySummary(ctx context.Context, endDate time.Time) (*stats.WeeklySummary, error)
	LoadWeekly(ctx context.Context, endDate time.Time) (*stats.WeeklySummary, bool, error)
	Location() *time.Location
}

// Archive holds weekly summaries past store retention.
type Archive interface {
	LoadWeekly(ctx context.Context, endDate time.Time) (*stats.WeeklySummary, bool, error)
}

// Cleaner runs retention on demand.
type Cleaner interface {
	RunCleanup(ctx context.Context) (*retention.Report, error)
}

// Deps are the API's collaborators. Only Dispatcher is required; routes
// backed by a nil collaborator answer 501.
type Deps struct {
	Dispatcher  Dispatcher
	Intake      Intake
	Breakers    Breakers
	Escalations Escalations
	Store       Pinger
	Stats       Stats
	Archive     Archive
	Cleaner     Cleaner

	// Auth wraps the /api/v1 routes when set.
	Auth func(http.Handler) http.Handler
	// SlackActions receives interactive callbacks; it authenticates itself.
	SlackActions http.Handler
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	deps   Deps
}

// New creates a new API handler.
func New(logger log.Logger, deps Deps) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if deps.Dispatcher == nil {
		panic(xerrors.New("dispatcher is required"))
	}
	return &API{
		logger: logger,
		deps:   deps,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	if a.deps.SlackActions != nil {
		r.Method(http.MethodPost, "/slack/actions", a.deps.SlackActions)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if a.deps.Auth != nil {
			r.Use(a.deps.Auth)
		}
		r.Post("/messages", a.handleMessage)
		r.Post("/events", a.handleEvent)
		r.Get("/alerts/{id}", a.handleGetAlert)
		r.Post("/alerts/{id}/ack", a.handleAcknowledge)
		r.Post("/alerts/{id}/optout", a.handleOptOut)
		r.Get("/status", a.handleStatus)
		r.Get("/stats/daily/{date}", a.handleDailyStats)
		r.Get("/stats/weekly/{date}", a.handleWeeklyStats)
		r.Post("/retention/run", a.handleRetention)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
