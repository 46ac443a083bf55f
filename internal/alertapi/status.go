package alertapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/lifeline/internal/breaker"
	"github.com/linnemanlabs/lifeline/internal/retention"
	"github.com/linnemanlabs/lifeline/internal/store"
)

type statusResponse struct {
	Store              string             `json:"store"`
	Dependencies       []breaker.Snapshot `json:"dependencies"`
	PendingEscalations *int               `json:"pending_escalations,omitempty"`
	Degraded           bool               `json:"degraded"`
}

// handleStatus reports point-in-time dependency health. It answers 200 even
// when degraded; the body carries the detail.
func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Store: "unknown", Dependencies: []breaker.Snapshot{}}

	if a.deps.Store != nil {
		resp.Store = "ok"
		if err := a.deps.Store.Ping(r.Context()); err != nil {
			a.logger.Warn(r.Context(), "store ping failed", "error", err)
			resp.Store = "unavailable"
			resp.Degraded = true
		}
	}
	if a.deps.Breakers != nil {
		resp.Dependencies = a.deps.Breakers.Status(r.Context())
		for _, s := range resp.Dependencies {
			if s.State != breaker.StateClosed {
				resp.Degraded = true
			}
		}
	}
	if a.deps.Escalations != nil {
		if n, err := a.deps.Escalations.PendingCount(r.Context()); err == nil {
			resp.PendingEscalations = &n
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) parseDate(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	if a.deps.Stats == nil {
		writeError(w, http.StatusNotImplemented, "statistics not configured")
		return time.Time{}, false
	}
	d, err := time.ParseInLocation(store.DateLayout, chi.URLParam(r, "date"), a.deps.Stats.Location())
	if err != nil {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return time.Time{}, false
	}
	return d, true
}

func (a *API) handleDailyStats(w http.ResponseWriter, r *http.Request) {
	day, ok := a.parseDate(w, r)
	if !ok {
		return
	}
	agg, err := a.deps.Stats.DailyAggregate(r.Context(), day)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to read daily aggregate", "date", day.Format(store.DateLayout))
		writeError(w, http.StatusServiceUnavailable, "statistics unavailable")
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

// handleWeeklyStats serves a stored summary, then an archived one, and
// composes it from daily aggregates as a last resort.
func (a *API) handleWeeklyStats(w http.ResponseWriter, r *http.Request) {
	end, ok := a.parseDate(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	s, found, err := a.deps.Stats.LoadWeekly(ctx, end)
	if err != nil {
		a.logger.Warn(ctx, "failed to load stored weekly summary", "error", err)
	}
	if !found && a.deps.Archive != nil {
		s, found, err = a.deps.Archive.LoadWeekly(ctx, end)
		if err != nil {
			a.logger.Warn(ctx, "failed to load archived weekly summary", "error", err)
		}
	}
	if !found {
		var cerr error
		s, cerr = a.deps.Stats.WeeklySummary(ctx, end)
		if cerr != nil {
			a.logger.Error(ctx, cerr, "failed to compose weekly summary")
			writeError(w, http.StatusServiceUnavailable, "statistics unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, s)
}

func (a *API) handleRetention(w http.ResponseWriter, r *http.Request) {
	if a.deps.Cleaner == nil {
		writeError(w, http.StatusNotImplemented, "retention not configured")
		return
	}
	rep, err := a.deps.Cleaner.RunCleanup(r.Context())
	if errors.Is(err, retention.ErrAlreadyRunning) {
		writeError(w, http.StatusConflict, "cleanup already running")
		return
	}
	if rep == nil {
		a.logger.Error(r.Context(), err, "retention cleanup failed")
		writeError(w, http.StatusServiceUnavailable, "retention unavailable")
		return
	}
	resp := map[string]any{"report": rep}
	if err != nil {
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}
