// Package breaker wraps calls to unreliable external dependencies in a
// circuit breaker with bounded retry.
//
// States: closed (pass through) -> open after FailureThreshold consecutive
// failures (fail fast) -> half_open on the first call after RecoveryTimeout
// (one trial call at a time) -> closed after SuccessThreshold consecutive
// successes, or back to open on any trial failure.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/sony/gobreaker"
)

// ErrDependencyUnavailable is matched by every error a Breaker returns: the
// circuit was open or the call itself failed.
var ErrDependencyUnavailable = errors.New("dependency unavailable")

// State is a circuit state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

func fromGo(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Config tunes one breaker.
type Config struct {
	FailureThreshold     int
	SuccessThreshold     int
	RecoveryTimeout      time.Duration
	CallTimeout          time.Duration
	RetryAttempts        int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
}

// DefaultConfig returns the stock thresholds: 5 failures to open, 30s
// recovery, 2 successes to close.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:     5,
		SuccessThreshold:     2,
		RecoveryTimeout:      30 * time.Second,
		CallTimeout:          10 * time.Second,
		RetryAttempts:        3,
		RetryInitialInterval: 200 * time.Millisecond,
		RetryMaxInterval:     2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = d.RecoveryTimeout
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 1
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = d.RetryInitialInterval
	}
	if c.RetryMaxInterval <= 0 {
		c.RetryMaxInterval = d.RetryMaxInterval
	}
	return c
}

// UnavailableError is returned when a call was rejected or failed.
type UnavailableError struct {
	Dependency string
	// Open is true when the call was rejected without invoking the dependency.
	Open bool
	Err  error
}

func (e *UnavailableError) Error() string {
	if e.Open {
		return fmt.Sprintf("%s: circuit open", e.Dependency)
	}
	return fmt.Sprintf("%s: %v", e.Dependency, e.Err)
}

// Unwrap exposes ErrDependencyUnavailable and the underlying cause.
func (e *UnavailableError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrDependencyUnavailable}
	}
	return []error{ErrDependencyUnavailable, e.Err}
}

// IsOpen reports whether err is a fail-fast rejection.
func IsOpen(err error) bool {
	var ue *UnavailableError
	return errors.As(err, &ue) && ue.Open
}

// Hooks receive breaker events, typically wired to Prometheus.
type Hooks struct {
	OnStateChange func(name string, from, to State)
	OnCall        func(name, outcome string)
}

// Breaker protects one named dependency.
type Breaker struct {
	name   string
	cfg    Config
	cb     *gobreaker.CircuitBreaker
	logger log.Logger
	hooks  Hooks
	rec    Recorder

	trial   atomic.Bool
	dirty   atomic.Bool
	changed atomic.Bool

	mu          sync.Mutex
	lastFailure time.Time
	lastChange  time.Time
}

// New creates a breaker for dependency name. rec may be nil.
func New(name string, cfg Config, logger log.Logger, hooks Hooks, rec Recorder) *Breaker {
	if logger == nil {
		logger = log.Nop()
	}
	cfg = cfg.withDefaults()
	b := &Breaker{
		name:       name,
		cfg:        cfg,
		logger:     logger.With("dependency", name),
		hooks:      hooks,
		rec:        rec,
		lastChange: time.Now(),
	}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(cfg.SuccessThreshold), //nolint:gosec // validated positive and small
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold) //nolint:gosec // validated positive and small
		},
		OnStateChange: b.onStateChange,
	})
	return b
}

// Name returns the dependency name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state. Reading it may move an open circuit whose
// recovery timeout elapsed to half_open.
func (b *Breaker) State() State { return fromGo(b.cb.State()) }

func (b *Breaker) onStateChange(name string, from, to gobreaker.State) {
	b.mu.Lock()
	b.lastChange = time.Now()
	b.mu.Unlock()
	b.dirty.Store(true)
	b.changed.Store(true)

	f, t := fromGo(from), fromGo(to)
	if t == StateOpen {
		b.logger.Warn(context.Background(), "circuit opened", "from", string(f), "to", string(t))
	} else {
		b.logger.Info(context.Background(), "circuit state change", "from", string(f), "to", string(t))
	}
	if b.hooks.OnStateChange != nil {
		b.hooks.OnStateChange(name, f, t)
	}
}

func (b *Breaker) observe(outcome string) {
	if b.hooks.OnCall != nil {
		b.hooks.OnCall(b.name, outcome)
	}
}

// Snapshot returns the point-in-time circuit state.
func (b *Breaker) Snapshot() Snapshot {
	state := b.State()
	counts := b.cb.Counts()
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:                 b.name,
		State:                state,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		LastFailureAt:        b.lastFailure,
		UpdatedAt:            b.lastChange,
	}
}

// flush persists the snapshot after a transition. Best effort.
func (b *Breaker) flush(ctx context.Context) {
	if b.rec == nil || !b.dirty.Swap(false) {
		return
	}
	if err := b.rec.SaveBreaker(context.WithoutCancel(ctx), b.Snapshot()); err != nil {
		b.logger.Warn(ctx, "failed to persist breaker state", "error", err)
	}
}

// Call runs op once through the breaker.
func (b *Breaker) Call(ctx context.Context, op func(context.Context) error) error {
	_, err := Call(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Call runs op once through b and returns its result. While the circuit is
// open, or a half-open trial is already in flight, op is not invoked.
func Call[T any](ctx context.Context, b *Breaker, op func(context.Context) (T, error)) (T, error) {
	var zero T

	if b.cb.State() == gobreaker.StateHalfOpen {
		if !b.trial.CompareAndSwap(false, true) {
			b.observe("rejected")
			return zero, &UnavailableError{Dependency: b.name, Open: true}
		}
		defer b.trial.Store(false)
	}

	res, err := b.cb.Execute(func() (any, error) {
		cctx := ctx
		if b.cfg.CallTimeout > 0 {
			var cancel context.CancelFunc
			cctx, cancel = context.WithTimeout(ctx, b.cfg.CallTimeout)
			defer cancel()
		}
		return op(cctx)
	})
	b.flush(ctx)

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			b.observe("rejected")
			return zero, &UnavailableError{Dependency: b.name, Open: true}
		}
		b.mu.Lock()
		b.lastFailure = time.Now()
		b.mu.Unlock()
		b.observe("failure")
		return zero, &UnavailableError{Dependency: b.name, Err: err}
	}

	b.observe("success")
	v, _ := res.(T)
	return v, nil
}
