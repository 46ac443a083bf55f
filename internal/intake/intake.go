// Package intake turns raw messages from monitored origins into classified
// events and hands them to the dispatcher.
package intake

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/lifeline/internal/alert"
	"github.com/linnemanlabs/lifeline/internal/breaker"
	"github.com/linnemanlabs/lifeline/internal/classifier"
	"github.com/linnemanlabs/lifeline/internal/dispatch"
	"github.com/linnemanlabs/lifeline/internal/store"
)

// DefaultFallbackScore is used when the classifier cannot be reached. It
// lands in MEDIUM so the event alerts without pinging the team.
const DefaultFallbackScore = 0.28

// Message is one raw message observed on a monitored origin.
type Message struct {
	OriginID  string    `json:"origin_id"`
	SubjectID string    `json:"subject_id"`
	Text      string    `json:"text"`
	At        time.Time `json:"at,omitempty"`
}

// Result describes what the pipeline did with a message.
type Result struct {
	Ignored  bool              `json:"ignored"`
	Fallback bool              `json:"fallback"`
	Score    float64           `json:"score"`
	Outcome  *dispatch.Outcome `json:"outcome,omitempty"`
}

// Classifier scores a message in the context of recent history.
type Classifier interface {
	Classify(ctx context.Context, text string, history []string) (*classifier.Result, error)
}

// Dispatcher receives classified events.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev alert.ClassifiedEvent) (*dispatch.Outcome, error)
}

// Config tunes the pipeline.
type Config struct {
	MonitoredOrigins []string
	FallbackScore    float64
	HistoryWindow    time.Duration
	HistoryLimit     int
}

// Hooks receive pipeline events for observability.
type Hooks struct {
	OnMessage  func(result string)
	OnFallback func()
}

// Pipeline is the message intake path.
type Pipeline struct {
	store      store.Store
	classifier Classifier
	cb         *breaker.Breaker
	dispatcher Dispatcher
	origins    map[string]struct{}
	cfg        Config
	logger     log.Logger
	hooks      Hooks
	now        func() time.Time
}

// New creates an intake pipeline. An empty origin list monitors nothing.
func New(st store.Store, c Classifier, cb *breaker.Breaker, d Dispatcher, cfg Config, logger log.Logger, hooks Hooks) *Pipeline {
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.FallbackScore <= 0 || cfg.FallbackScore > 1 {
		cfg.FallbackScore = DefaultFallbackScore
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 24 * time.Hour
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}
	if cb == nil {
		cb = breaker.New("classifier", breaker.DefaultConfig(), logger, breaker.Hooks{}, nil)
	}
	origins := make(map[string]struct{}, len(cfg.MonitoredOrigins))
	for _, o := range cfg.MonitoredOrigins {
		origins[o] = struct{}{}
	}
	return &Pipeline{
		store:      st,
		classifier: c,
		cb:         cb,
		dispatcher: d,
		origins:    origins,
		cfg:        cfg,
		logger:     logger,
		hooks:      hooks,
		now:        time.Now,
	}
}

// Monitors reports whether messages from origin are processed.
func (p *Pipeline) Monitors(origin string) bool {
	_, ok := p.origins[origin]
	return ok
}

// Handle classifies and dispatches one message. Messages from origins that
// are not monitored are ignored. Classifier and store failures never
// surface; only a malformed message is an error.
func (p *Pipeline) Handle(ctx context.Context, m Message) (*Result, error) {
	if !p.Monitors(m.OriginID) {
		p.message("ignored")
		return &Result{Ignored: true}, nil
	}
	if m.SubjectID == "" {
		return nil, &alert.ValidationError{Field: "subject_id", Reason: "required"}
	}
	if strings.TrimSpace(m.Text) == "" {
		return nil, &alert.ValidationError{Field: "text", Reason: "required"}
	}
	if m.At.IsZero() {
		m.At = p.now()
	}

	L := p.logger.With("subject", m.SubjectID, "origin", m.OriginID)

	history, err := p.history(ctx, m.SubjectID, m.At)
	if err != nil {
		L.Warn(ctx, "subject history unavailable, classifying without it", "error", err)
	}
	if err := p.appendHistory(ctx, m); err != nil {
		L.Warn(ctx, "failed to append subject history", "error", err)
	}

	res := &Result{}
	verdict, err := breaker.Retry(ctx, p.cb, func(ctx context.Context) (*classifier.Result, error) {
		return p.classifier.Classify(ctx, m.Text, history)
	})
	if err != nil {
		res.Fallback = true
		res.Score = p.cfg.FallbackScore
		if breaker.IsOpen(err) {
			L.Warn(ctx, "classifier circuit open, using fallback score", "score", res.Score)
		} else {
			L.Error(ctx, err, "classification failed, using fallback score", "score", res.Score)
		}
		if p.hooks.OnFallback != nil {
			p.hooks.OnFallback()
		}
	} else {
		res.Score = verdict.Score
	}

	out, err := p.dispatcher.Dispatch(ctx, alert.ClassifiedEvent{
		SubjectID:     m.SubjectID,
		OriginID:      m.OriginID,
		SeverityScore: res.Score,
		RawSeverity:   rawSeverity(verdict),
		Timestamp:     m.At,
		Fallback:      res.Fallback,
	})
	if err != nil {
		var ve *alert.ValidationError
		if errors.As(err, &ve) {
			return nil, err
		}
		return nil, fmt.Errorf("intake: dispatch: %w", err)
	}
	res.Outcome = out
	p.message("classified")
	return res, nil
}

func rawSeverity(r *classifier.Result) string {
	if r == nil {
		return ""
	}
	return r.Tier
}

func (p *Pipeline) message(result string) {
	if p.hooks.OnMessage != nil {
		p.hooks.OnMessage(result)
	}
}

// history members are "<unix nanos>:<text>" so identical texts stay distinct.
func historyMember(m Message) string {
	return strconv.FormatInt(m.At.UnixNano(), 10) + ":" + m.Text
}

func historyText(member string) string {
	if i := strings.IndexByte(member, ':'); i >= 0 {
		return member[i+1:]
	}
	return member
}

func (p *Pipeline) appendHistory(ctx context.Context, m Message) error {
	return p.store.ZAdd(ctx, store.HistoryKey(m.SubjectID), float64(m.At.Unix()), historyMember(m))
}

func (p *Pipeline) history(ctx context.Context, subjectID string, at time.Time) ([]string, error) {
	members, err := p.store.ZRangeByScore(ctx, store.HistoryKey(subjectID),
		float64(at.Add(-p.cfg.HistoryWindow).Unix()), float64(at.Unix()))
	if err != nil {
		return nil, err
	}
	if len(members) > p.cfg.HistoryLimit {
		members = members[len(members)-p.cfg.HistoryLimit:]
	}
	out := make([]string, 0, len(members))
	for _, mem := range members {
		out = append(out, historyText(mem))
	}
	return out, nil
}

// Origins returns the monitored origins in sorted order.
func (p *Pipeline) Origins() []string {
	out := make([]string, 0, len(p.origins))
	for o := range p.origins {
		out = append(out, o)
	}
	slices.Sort(out)
	return out
}
