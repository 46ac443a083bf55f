package alertapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/lifeline/internal/alert"
	"github.com/linnemanlabs/lifeline/internal/intake"
)

func (a *API) handleMessage(w http.ResponseWriter, r *http.Request) {
	if a.deps.Intake == nil {
		writeError(w, http.StatusNotImplemented, "message intake not configured")
		return
	}
	var m intake.Message
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	res, err := a.deps.Intake.Handle(r.Context(), m)
	if err != nil {
		a.writeDispatchError(w, r, err)
		return
	}
	if res.Outcome != nil && res.Outcome.AlertID != "" {
		trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("lifeline.alert.id", res.Outcome.AlertID))
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (a *API) handleEvent(w http.ResponseWriter, r *http.Request) {
	var ev alert.ClassifiedEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	out, err := a.deps.Dispatcher.Dispatch(r.Context(), ev)
	if err != nil {
		a.writeDispatchError(w, r, err)
		return
	}
	if out.AlertID != "" {
		trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("lifeline.alert.id", out.AlertID))
	}
	writeJSON(w, http.StatusAccepted, out)
}

func (a *API) writeDispatchError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *alert.ValidationError
	if errors.As(err, &ve) {
		writeError(w, http.StatusBadRequest, ve.Error())
		return
	}
	a.logger.Error(r.Context(), err, "dispatch failed")
	writeError(w, http.StatusInternalServerError, "internal error")
}

func (a *API) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("lifeline.alert.id", id))

	al, ok, err := a.deps.Dispatcher.Get(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get alert", "id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, al)
}

type actionRequest struct {
	By string `json:"by"`
}

// actor reads the optional {"by": ...} body; an empty body is allowed.
func actor(r *http.Request) (string, error) {
	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	if req.By == "" {
		req.By = "api"
	}
	return req.By, nil
}

func (a *API) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	a.handleAction(w, r, "acknowledge", a.deps.Dispatcher.Acknowledge)
}

func (a *API) handleOptOut(w http.ResponseWriter, r *http.Request) {
	a.handleAction(w, r, "opt out", a.deps.Dispatcher.OptOut)
}

func (a *API) handleAction(w http.ResponseWriter, r *http.Request, name string, fn func(ctx context.Context, id, by string) (*alert.Alert, error)) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("lifeline.alert.id", id))

	by, err := actor(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	al, err := fn(r.Context(), id, by)
	if errors.Is(err, alert.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to "+name+" alert", "id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, al)
}
