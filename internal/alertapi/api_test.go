package alertapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/lifeline/internal/alert"
	"github.com/linnemanlabs/lifeline/internal/authmw"
	"github.com/linnemanlabs/lifeline/internal/breaker"
	"github.com/linnemanlabs/lifeline/internal/classifier"
	"github.com/linnemanlabs/lifeline/internal/cooldown"
	"github.com/linnemanlabs/lifeline/internal/dispatch"
	"github.com/linnemanlabs/lifeline/internal/intake"
	"github.com/linnemanlabs/lifeline/internal/notify"
	"github.com/linnemanlabs/lifeline/internal/retention"
	"github.com/linnemanlabs/lifeline/internal/routing"
	"github.com/linnemanlabs/lifeline/internal/stats"
	"github.com/linnemanlabs/lifeline/internal/store/memstore"
)

type fakeSender struct{}

func (fakeSender) SendNotification(context.Context, string, notify.Message) (string, error) {
	return "ts", nil
}

type fakeClassifier struct{ score float64 }

func (f fakeClassifier) Classify(context.Context, string, []string) (*classifier.Result, error) {
	return &classifier.Result{Score: f.score}, nil
}

type fakeArchive struct {
	s *stats.WeeklySummary
}

func (f fakeArchive) LoadWeekly(context.Context, time.Time) (*stats.WeeklySummary, bool, error) {
	return f.s, f.s != nil, nil
}

type env struct {
	store    *memstore.Store
	svc      *dispatch.Service
	breakers *breaker.Registry
	stats    *stats.Tracker
	router   chi.Router
}

func newEnv(t *testing.T, tweak func(*Deps)) *env {
	t.Helper()
	st := memstore.New()
	reg := breaker.NewRegistry(breaker.DefaultConfig(), log.Nop(), breaker.Hooks{}, nil)
	tr := stats.New(st, time.UTC, log.Nop(), stats.Hooks{})
	svc := dispatch.NewService(dispatch.Deps{
		Alerts:    alert.NewRepository(st),
		Cooldown:  cooldown.New(st, time.Minute),
		Router:    routing.New(routing.Config{DefaultDestination: "#monitor", Thresholds: alert.DefaultThresholds}),
		Sender:    fakeSender{},
		Transport: reg.Get("notify"),
		Stats:     tr,
	}, dispatch.Config{}, log.Nop(), dispatch.Hooks{})
	pipe := intake.New(st, fakeClassifier{score: 0.9}, reg.Get("classifier"), svc,
		intake.Config{MonitoredOrigins: []string{"general"}}, log.Nop(), intake.Hooks{})

	deps := Deps{
		Dispatcher: svc,
		Intake:     pipe,
		Breakers:   reg,
		Store:      st,
		Stats:      tr,
		Cleaner:    retention.New(st, retention.DefaultConfig(), log.Nop(), retention.Hooks{}),
	}
	if tweak != nil {
		tweak(&deps)
	}
	r := chi.NewRouter()
	New(nil, deps).RegisterRoutes(r)
	return &env{store: st, svc: svc, breakers: reg, stats: tr, router: r}
}

func (e *env) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, http.NoBody)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
	return v
}

func TestNew_NilDispatcher_Panics(t *testing.T) {
	t.Parallel()

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("New without dispatcher did not panic")
		}
	}()
	New(nil, Deps{})
}

func TestPostEvent(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"critical", `{"subject_id":"u1","origin_id":"general","severity_score":0.9}`, http.StatusAccepted},
		{"below threshold", `{"subject_id":"u2","severity_score":0.01}`, http.StatusAccepted},
		{"missing subject", `{"severity_score":0.9}`, http.StatusBadRequest},
		{"invalid json", `{bad`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := e.do(t, http.MethodPost, "/api/v1/events", tt.body)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
		})
	}
}

func TestPostEvent_OutcomeAndGet(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	rec := e.do(t, http.MethodPost, "/api/v1/events", `{"subject_id":"u1","severity_score":0.9}`)
	out := decode[dispatch.Outcome](t, rec)
	if out.AlertID == "" || out.Tier != alert.TierCritical {
		t.Fatalf("outcome = %+v", out)
	}

	rec = e.do(t, http.MethodGet, "/api/v1/alerts/"+out.AlertID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET alert status = %d", rec.Code)
	}
	a := decode[alert.Alert](t, rec)
	if a.ID != out.AlertID || a.SubjectID != "u1" {
		t.Errorf("alert = %+v", a)
	}

	if rec := e.do(t, http.MethodGet, "/api/v1/alerts/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("missing alert status = %d, want 404", rec.Code)
	}
}

func TestPostMessage(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	rec := e.do(t, http.MethodPost, "/api/v1/messages", `{"origin_id":"general","subject_id":"u1","text":"i need help"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	res := decode[intake.Result](t, rec)
	if res.Ignored || res.Outcome == nil || res.Outcome.Tier != alert.TierCritical {
		t.Errorf("result = %+v", res)
	}

	rec = e.do(t, http.MethodPost, "/api/v1/messages", `{"origin_id":"elsewhere","subject_id":"u1","text":"hi"}`)
	if res := decode[intake.Result](t, rec); !res.Ignored {
		t.Error("unmonitored origin should be ignored")
	}

	if rec := e.do(t, http.MethodPost, "/api/v1/messages", `{"origin_id":"general","text":"hi"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("missing subject status = %d, want 400", rec.Code)
	}
}

func TestPostMessage_NotConfigured(t *testing.T) {
	t.Parallel()

	e := newEnv(t, func(d *Deps) { d.Intake = nil })
	if rec := e.do(t, http.MethodPost, "/api/v1/messages", `{}`); rec.Code != http.StatusNotImplemented {
		t.Errorf("status = %d, want 501", rec.Code)
	}
}

func TestAcknowledgeAndOptOut(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	out := decode[dispatch.Outcome](t, e.do(t, http.MethodPost, "/api/v1/events", `{"subject_id":"u1","severity_score":0.9}`))

	rec := e.do(t, http.MethodPost, "/api/v1/alerts/"+out.AlertID+"/ack", `{"by":"U123"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("ack status = %d", rec.Code)
	}
	if a := decode[alert.Alert](t, rec); a.AcknowledgedBy != "U123" || a.AcknowledgedAt == nil {
		t.Errorf("acked alert = %+v", a)
	}

	rec = e.do(t, http.MethodPost, "/api/v1/alerts/"+out.AlertID+"/optout", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("optout status = %d", rec.Code)
	}
	if a := decode[alert.Alert](t, rec); !a.SubjectOptedOut {
		t.Error("subject should be opted out")
	}

	for _, path := range []string{"/api/v1/alerts/missing/ack", "/api/v1/alerts/missing/optout"} {
		if rec := e.do(t, http.MethodPost, path, ""); rec.Code != http.StatusNotFound {
			t.Errorf("%s status = %d, want 404", path, rec.Code)
		}
	}
	if rec := e.do(t, http.MethodPost, "/api/v1/alerts/"+out.AlertID+"/ack", `{bad`); rec.Code != http.StatusBadRequest {
		t.Errorf("bad body status = %d, want 400", rec.Code)
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	rec := e.do(t, http.MethodGet, "/api/v1/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decode[statusResponse](t, rec)
	if resp.Store != "ok" || resp.Degraded {
		t.Errorf("resp = %+v", resp)
	}
	if len(resp.Dependencies) != 2 {
		t.Errorf("dependencies = %+v, want classifier and notify", resp.Dependencies)
	}

	e.store.Fail(errors.New("down"))
	resp = decode[statusResponse](t, e.do(t, http.MethodGet, "/api/v1/status", ""))
	if resp.Store != "unavailable" || !resp.Degraded {
		t.Errorf("resp = %+v, want degraded store", resp)
	}
}

func TestStatus_ReportsPeerBreakerState(t *testing.T) {
	t.Parallel()

	var st *memstore.Store
	e := newEnv(t, func(d *Deps) {
		st = d.Store.(*memstore.Store)
		d.Breakers = breaker.NewRegistry(breaker.DefaultConfig(), log.Nop(), breaker.Hooks{}, breaker.NewStoreRecorder(st))
	})

	// another instance saw the assistant fail; this one never called it
	peer := breaker.New("assistant", breaker.Config{FailureThreshold: 1, RecoveryTimeout: time.Hour}, nil, breaker.Hooks{}, breaker.NewStoreRecorder(st))
	_ = peer.Call(context.Background(), func(context.Context) error { return errors.New("timeout") })

	resp := decode[statusResponse](t, e.do(t, http.MethodGet, "/api/v1/status", ""))
	var found bool
	for _, s := range resp.Dependencies {
		if s.Name == "assistant" {
			found = true
			if s.State != breaker.StateOpen {
				t.Errorf("assistant state = %s, want open", s.State)
			}
		}
	}
	if !found {
		t.Fatalf("dependencies = %+v, want persisted assistant state", resp.Dependencies)
	}
	if !resp.Degraded {
		t.Error("an open peer circuit should mark the status degraded")
	}
}

func TestStats(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	e.do(t, http.MethodPost, "/api/v1/events", `{"subject_id":"u1","severity_score":0.9}`)
	today := time.Now().UTC().Format("2006-01-02")

	rec := e.do(t, http.MethodGet, "/api/v1/stats/daily/"+today, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("daily status = %d", rec.Code)
	}
	if agg := decode[stats.DailyAggregate](t, rec); agg.Created != 1 {
		t.Errorf("created = %d, want 1", agg.Created)
	}

	rec = e.do(t, http.MethodGet, "/api/v1/stats/weekly/"+today, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("weekly status = %d", rec.Code)
	}
	if s := decode[stats.WeeklySummary](t, rec); s.Totals.Created != 1 || len(s.Days) != 7 {
		t.Errorf("summary = %+v", s)
	}

	if rec := e.do(t, http.MethodGet, "/api/v1/stats/daily/yesterday", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad date status = %d, want 400", rec.Code)
	}
}

func TestWeeklyStats_FromArchive(t *testing.T) {
	t.Parallel()

	archived := &stats.WeeklySummary{EndDate: "2020-01-07", Totals: stats.DailyAggregate{Created: 42}}
	e := newEnv(t, func(d *Deps) { d.Archive = fakeArchive{s: archived} })

	rec := e.do(t, http.MethodGet, "/api/v1/stats/weekly/2020-01-07", "")
	if s := decode[stats.WeeklySummary](t, rec); s.Totals.Created != 42 {
		t.Errorf("summary = %+v, want archived copy", s)
	}
}

func TestRetentionRun(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	rec := e.do(t, http.MethodPost, "/api/v1/retention/run", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body.String())
	}
	resp := decode[struct {
		Report retention.Report `json:"report"`
	}](t, rec)
	if resp.Report.RemovedByCategory == nil {
		t.Error("report should list categories")
	}

	_ = e.store.Set(context.Background(), "retention:lock", "other", time.Hour)
	if rec := e.do(t, http.MethodPost, "/api/v1/retention/run", ""); rec.Code != http.StatusConflict {
		t.Errorf("locked status = %d, want 409", rec.Code)
	}
}

func TestAuth(t *testing.T) {
	t.Parallel()

	slackHit := false
	e := newEnv(t, func(d *Deps) {
		d.Auth = authmw.BearerToken("tok")
		d.SlackActions = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			slackHit = true
			w.WriteHeader(http.StatusOK)
		})
	})

	if rec := e.do(t, http.MethodGet, "/api/v1/status", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", http.NoBody)
	req.Header.Set("Authorization", "Bearer tok")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("authenticated status = %d, want 200", rec.Code)
	}

	if rec := e.do(t, http.MethodPost, "/slack/actions", ""); rec.Code != http.StatusOK || !slackHit {
		t.Errorf("slack actions must bypass bearer auth, status = %d", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	tests := []struct {
		method, path string
	}{
		{http.MethodGet, "/api/v1/events"},
		{http.MethodDelete, "/api/v1/alerts/x"},
		{http.MethodGet, "/api/v1/alerts/x/ack"},
		{http.MethodPost, "/api/v1/status"},
	}
	for _, tt := range tests {
		if rec := e.do(t, tt.method, tt.path, ""); rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s %s = %d, want 405", tt.method, tt.path, rec.Code)
		}
	}
}
