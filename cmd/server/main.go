// Lifeline watches community channels for people in crisis, alerts the
// response team and escalates unacknowledged alerts to assistant outreach.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/prof"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/go-core/health"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/otelx"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/lifeline/internal/alert"
	"github.com/linnemanlabs/lifeline/internal/alertapi"
	"github.com/linnemanlabs/lifeline/internal/assistant"
	"github.com/linnemanlabs/lifeline/internal/authmw"
	"github.com/linnemanlabs/lifeline/internal/breaker"
	lc "github.com/linnemanlabs/lifeline/internal/cfg"
	"github.com/linnemanlabs/lifeline/internal/classifier"
	"github.com/linnemanlabs/lifeline/internal/cooldown"
	"github.com/linnemanlabs/lifeline/internal/dispatch"
	"github.com/linnemanlabs/lifeline/internal/escalation"
	"github.com/linnemanlabs/lifeline/internal/intake"
	"github.com/linnemanlabs/lifeline/internal/llm/claude"
	"github.com/linnemanlabs/lifeline/internal/notify/slack"
	"github.com/linnemanlabs/lifeline/internal/postgres"
	"github.com/linnemanlabs/lifeline/internal/report"
	"github.com/linnemanlabs/lifeline/internal/report/pgarchive"
	"github.com/linnemanlabs/lifeline/internal/retention"
	"github.com/linnemanlabs/lifeline/internal/routing"
	"github.com/linnemanlabs/lifeline/internal/stats"
	"github.com/linnemanlabs/lifeline/internal/store"
	"github.com/linnemanlabs/lifeline/internal/store/memstore"
	"github.com/linnemanlabs/lifeline/internal/store/redisstore"
)

const appName = "lifeline"
const component = "server"

// breaker names, one circuit per external dependency
const (
	depNotify     = "notify"
	depClassifier = "classifier"
	depAssistant  = "assistant"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Set app name and component
	v.AppName = appName
	v.Component = component

	// Get build/version info
	vi := v.Get()

	// each package registers its own flags and options struct
	var (
		appCfg    lc.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	// cmdline first, env vars fill only what flags left unset
	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	cfg.FillFromEnv(flag.CommandLine, "LIFELINE_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := errors.Join(
		appCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	// cross-cutting checks that only main can validate
	if appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}

	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()

	L := lg.With("component", vi.Component)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"enable_tracing", traceCfg.EnableTracing,
		"enable_pyroscope", profCfg.EnablePyroscope,
		"redis", appCfg.RedisAddr != "",
		"archive", appCfg.DatabaseURL != "",
		"classifier", appCfg.ClassifierEndpoint != "",
		"auto_escalate", appCfg.AutoEscalate,
		"timezone", appCfg.Timezone,
	)

	// soft configuration problems are logged and defaulted, never fatal
	warn := func(err error) { L.Warn(ctx, "configuration value ignored", "error", err) }

	// Setup pyroscope profiling early so we get profiles from the entire app lifetime
	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
	}
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf == nil {
		stopProf = func() {}
	}
	defer stopProf()

	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version

	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx == nil {
		shutdownOtelx = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOtelx(context.Background()) }()

	var m = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, &vi)
	m.SetProfilingActive(profErr == nil && profCfg.EnablePyroscope)
	reg := m.Registry()

	loc, err := appCfg.Location()
	if err != nil {
		return err
	}
	weekday, err := appCfg.ReportWeekday()
	if err != nil {
		return err
	}

	// Shared store: redis for multi-instance deployments, memory otherwise.
	var st store.Store
	if appCfg.RedisAddr != "" {
		rs, err := redisstore.New(ctx, redisstore.Config{
			Addr:      appCfg.RedisAddr,
			Password:  appCfg.RedisPassword,
			DB:        appCfg.RedisDB,
			KeyPrefix: appCfg.KeyPrefix,
		})
		if err != nil {
			return fmt.Errorf("redis store: %w", err)
		}
		defer func() { _ = rs.Close() }()
		st = rs
		L.Info(ctx, "using redis store", "addr", appCfg.RedisAddr, "key_prefix", appCfg.KeyPrefix)
	} else {
		st = memstore.New()
		L.Warn(ctx, "using in-memory store (no redis-addr configured), state is lost on restart")
	}

	// One circuit per dependency; transitions persist so every instance and
	// the status endpoint see them.
	breakers := breaker.NewRegistry(breakerConfig(&appCfg), L, breaker.NewMetrics(reg).Hooks(), breaker.NewStoreRecorder(st))
	notifyCB := breakers.Get(depNotify)

	gateway := slack.New(slack.Config{
		BotToken:         appCfg.SlackBotToken,
		SigningSecret:    appCfg.SlackSigningSecret,
		BaseURL:          appCfg.SlackBaseURL,
		TeamMention:      appCfg.SlackTeamMention,
		MonitoredOrigins: appCfg.Origins(),
		RatePerSecond:    appCfg.SlackRatePerSecond,
	}, L)
	if appCfg.SlackBotToken == "" {
		L.Warn(ctx, "slack bot token not configured, notifications will fail and open the notify circuit")
	}

	router := routing.New(routing.Config{
		Channels:           appCfg.Channels(warn),
		DefaultDestination: appCfg.DefaultChannel,
		AlertOnLow:         appCfg.AlertOnLow,
		Sensitivity:        appCfg.Sensitivities(warn),
		Thresholds:         alert.DefaultThresholds,
	})

	cd := cooldown.New(st, time.Duration(appCfg.CooldownSeconds)*time.Second)
	alerts := alert.NewRepository(st)
	tracker := stats.New(st, loc, L, stats.NewMetrics(reg).Hooks())

	// Assistant outreach falls back to a fixed message without an API key.
	var gen assistant.Generator
	if appCfg.ClaudeAPIKey != "" {
		gen = claude.New(appCfg.ClaudeAPIKey, appCfg.ClaudeModel)
		L.Info(ctx, "initialized LLM provider", "provider", "claude", "model", appCfg.ClaudeModel)
	} else {
		L.Info(ctx, "no claude api key configured, assistant uses the fallback message")
	}
	outreach := assistant.New(gen, gateway, breakers.Get(depAssistant), notifyCB, L)

	engine := escalation.NewEngine(escalation.Deps{
		Store:     st,
		Alerts:    alerts,
		Assistant: outreach,
		Notifier:  gateway,
		Transport: notifyCB,
		Stats:     tracker,
		Cooldown:  cd,
	}, escalation.Config{
		Delay:         time.Duration(appCfg.EscalationDelayMinutes) * time.Minute,
		MinTier:       appCfg.EscalationTier(warn),
		SweepInterval: time.Duration(appCfg.EscalationSweepSeconds) * time.Second,
		RearmCooldown: appCfg.EscalationRearmCooldown,
	}, L, escalation.NewMetrics(reg).Hooks())

	svc := dispatch.NewService(dispatch.Deps{
		Alerts:    alerts,
		Cooldown:  cd,
		Router:    router,
		Sender:    gateway,
		Transport: notifyCB,
		Watcher:   engine,
		Stats:     tracker,
	}, dispatch.Config{
		AutoEscalate: appCfg.AutoEscalate,
		OptOutTTL:    lc.Days(appCfg.OptOutDays),
	}, L, dispatch.NewMetrics(reg).Hooks())

	gateway.OnUserAction(svc.HandleUserAction)

	// Message intake needs a classifier; without one only pre-classified
	// events are accepted.
	var pipeline alertapi.Intake
	if appCfg.ClassifierEndpoint != "" {
		pipeline = intake.New(st,
			classifier.New(appCfg.ClassifierEndpoint, time.Duration(appCfg.ClassifierTimeoutSeconds)*time.Second),
			breakers.Get(depClassifier),
			svc,
			intake.Config{
				MonitoredOrigins: appCfg.Origins(),
				FallbackScore:    appCfg.ClassifierFallbackScore,
			}, L, intake.NewMetrics(reg).Hooks())
		L.Info(ctx, "message intake enabled", "endpoint", appCfg.ClassifierEndpoint, "origins", len(appCfg.Origins()))
	}

	sweeper := retention.New(st, retentionConfig(&appCfg, loc, cd.Window()), L, retention.NewMetrics(reg).Hooks())

	// Weekly summaries are archived to postgres when configured.
	var (
		archiver report.Archiver
		archive  alertapi.Archive
	)
	if appCfg.DatabaseURL != "" {
		dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lifeline_db_query_duration_seconds",
			Help:    "Duration of individual database queries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"caller", "outcome"})
		reg.MustRegister(dbQueryDuration)

		postgres.SetQueryObserver(postgres.QueryObserverFunc(
			func(_ context.Context, caller, outcome string, dur time.Duration) {
				dbQueryDuration.WithLabelValues(caller, outcome).Observe(dur.Seconds())
			},
		))

		pool, err := postgres.NewPool(ctx, appCfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres pool: %w", err)
		}
		defer pool.Close()
		pa, err := pgarchive.New(ctx, pool)
		if err != nil {
			return fmt.Errorf("pgarchive init: %w", err)
		}
		archiver, archive = pa, pa
		L.Info(ctx, "weekly summary archive enabled")
	}

	reporter := report.New(tracker, archiver, gateway, notifyCB, report.Config{
		Weekday:     weekday,
		Hour:        appCfg.ReportHour,
		Destination: appCfg.DefaultChannel,
	}, L)

	// Background loops share a context cancelled at shutdown.
	loopCtx, stopLoops := context.WithCancel(ctx)
	defer stopLoops()
	loops, loopCtx := errgroup.WithContext(loopCtx)
	if appCfg.AutoEscalate {
		loops.Go(func() error { return engine.Run(loopCtx) })
	}
	loops.Go(func() error { return sweeper.Run(loopCtx) })
	loops.Go(func() error { return reporter.Run(loopCtx) })

	var shutdownGate health.ShutdownGate

	readiness := health.All(
		shutdownGate.Probe(),
	)
	liveness := health.Fixed(true, "")

	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() {
		err := opsHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	r := chi.NewRouter()

	r.Use(middleware.Compress(5, "application/json"))

	// Annotate logger (and tracer if trace is recording) with http.route from chi route pattern
	r.Use(httpmw.AnnotateHTTPRoute)

	r.Use(httpmw.AccessLog())

	// Slack interaction payloads stay well under this
	r.Use(httpmw.MaxBody(1024 * 64))

	r.Get("/-/healthy", health.HealthzHandler(liveness))
	r.Get("/-/ready", health.ReadyzHandler(readiness))

	api := alertapi.New(L, alertapi.Deps{
		Dispatcher:   svc,
		Intake:       pipeline,
		Breakers:     breakers,
		Escalations:  engine,
		Store:        st,
		Stats:        tracker,
		Archive:      archive,
		Cleaner:      sweeper,
		Auth:         authmw.BearerToken(appCfg.APIToken, appCfg.APITokenPrevious),
		SlackActions: gateway.ActionsHandler(),
	})
	api.RegisterRoutes(r)

	// middleware stack for main listener, outermost sees the raw request first
	var h http.Handler = r

	h = httpmw.WithLogger(L)(h)

	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)

	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)

	h = m.Middleware(h)

	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
		TrustedHops: httpmwCfg.TrustedProxyHops,
	})(h)

	h = httpmw.RequestID("X-Request-Id")(h)

	h = httpmw.Recover(L, nil)(h)

	h = httpmw.SecurityHeaders(h)

	apiOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}

	apiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, apiOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		return err
	}
	defer func() {
		err := apiHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop api http listener")
		}
	}()

	if err := notifySystemd(); err != nil {
		// worst case systemd kills the process after its start timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// Wait for ctrl+c / sigterm, or a background loop failing to start
	select {
	case <-ctx.Done():
	case <-loopCtx.Done():
		if ctx.Err() == nil {
			L.Warn(context.Background(), "background loop stopped unexpectedly, shutting down")
		}
	}

	L.Info(context.Background(), "shutdown signal received")

	// fail readiness so the load balancer drains us
	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	drainDuration := time.Duration(appCfg.DrainSeconds) * time.Second
	L.Info(context.Background(), "sleeping for drain period", "drain_seconds", appCfg.DrainSeconds)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainDuration):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	// Shutdown components with per-component budget sliced from total.
	type stopFn struct {
		name string
		fn   func(context.Context) error
	}
	stopFns := []stopFn{
		{"api http server", apiHTTPStop},
		{"slack actions", gateway.Drain},
		{"background loops", func(ctx context.Context) error {
			stopLoops()
			done := make(chan error, 1)
			go func() { done <- loops.Wait() }()
			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				return ctx.Err()
			}
		}},
		{"ops http server", opsHTTPStop},
		{"otel", shutdownOtelx},
	}

	budget := time.Duration(appCfg.ShutdownBudgetSeconds) * time.Second
	perComponent := budget / time.Duration(len(stopFns))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range stopFns {
		cctx, ccancel := context.WithTimeout(shutdownCtx, perComponent)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}

	stopProf()

	L.Info(context.Background(), "shutdown complete")
	return nil
}

func breakerConfig(c *lc.Config) breaker.Config {
	return breaker.Config{
		FailureThreshold: c.FailureThreshold,
		SuccessThreshold: c.SuccessThreshold,
		RecoveryTimeout:  time.Duration(c.RecoveryTimeoutSeconds) * time.Second,
		CallTimeout:      time.Duration(c.CallTimeoutSeconds) * time.Second,
		RetryAttempts:    c.RetryAttempts,
	}
}

func retentionConfig(c *lc.Config, loc *time.Location, cooldownTTL time.Duration) retention.Config {
	rc := retention.DefaultConfig()
	rc.Alerts = lc.Days(c.RetentionAlertDays)
	rc.Timers = lc.Days(c.RetentionTimerDays)
	rc.History = lc.Days(c.RetentionHistoryDays)
	rc.DailyStats = lc.Days(c.RetentionDailyDays)
	rc.WeeklySummaries = lc.Days(c.RetentionWeeklyDays)
	rc.CooldownTTL = cooldownTTL
	rc.OptOutTTL = lc.Days(c.OptOutDays)
	rc.Hour = c.CleanupHour
	rc.Location = loc
	return rc
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // G704: addr is from NOTIFY_SOCKET set by systemd not user input, no context support in net package for unixgram sockets
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
