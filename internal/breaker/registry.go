package breaker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/lifeline/internal/store"
)

// Snapshot is the persisted CircuitBreakerState of one dependency.
type Snapshot struct {
	Name                 string    `json:"name"`
	State                State     `json:"state"`
	ConsecutiveFailures  uint32    `json:"consecutive_failures"`
	ConsecutiveSuccesses uint32    `json:"consecutive_successes"`
	LastFailureAt        time.Time `json:"last_failure_at,omitempty"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// Recorder persists snapshots so other instances can observe them.
type Recorder interface {
	SaveBreaker(ctx context.Context, s Snapshot) error
}

// StoreRecorder writes snapshots under breaker:<name>.
type StoreRecorder struct {
	store store.Store
}

// NewStoreRecorder returns a Recorder backed by st.
func NewStoreRecorder(st store.Store) *StoreRecorder {
	return &StoreRecorder{store: st}
}

// SaveBreaker implements Recorder.
func (r *StoreRecorder) SaveBreaker(ctx context.Context, s Snapshot) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode breaker snapshot: %w", err)
	}
	return r.store.Set(ctx, store.BreakerKey(s.Name), string(b), 0)
}

// LoadBreaker reads the last persisted snapshot for name.
func (r *StoreRecorder) LoadBreaker(ctx context.Context, name string) (*Snapshot, bool, error) {
	raw, ok, err := r.store.Get(ctx, store.BreakerKey(name))
	if err != nil || !ok {
		return nil, false, err
	}
	var s Snapshot
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, false, fmt.Errorf("decode breaker snapshot %s: %w", name, err)
	}
	return &s, true, nil
}

// LoadAll reads every persisted snapshot.
func (r *StoreRecorder) LoadAll(ctx context.Context) ([]Snapshot, error) {
	keys, err := r.store.Scan(ctx, store.Pattern(store.BreakerPrefix))
	if err != nil {
		return nil, err
	}
	out := make([]Snapshot, 0, len(keys))
	for _, key := range keys {
		s, ok, err := r.LoadBreaker(ctx, strings.TrimPrefix(key, store.BreakerPrefix))
		if err != nil {
			return out, err
		}
		if ok {
			out = append(out, *s)
		}
	}
	return out, nil
}

// snapshotLoader is implemented by recorders that can read back what other
// instances persisted.
type snapshotLoader interface {
	LoadAll(ctx context.Context) ([]Snapshot, error)
}

// Registry holds one breaker per dependency and answers status queries.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	cfg      Config
	logger   log.Logger
	hooks    Hooks
	rec      Recorder
}

// NewRegistry creates an empty registry. Breakers created through it share
// cfg, hooks and rec.
func NewRegistry(cfg Config, logger log.Logger, hooks Hooks, rec Recorder) *Registry {
	if logger == nil {
		logger = log.Nop()
	}
	return &Registry{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
		logger:   logger,
		hooks:    hooks,
		rec:      rec,
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, r.cfg, r.logger, r.hooks, r.rec)
	r.breakers[name] = b
	if r.hooks.OnStateChange != nil {
		r.hooks.OnStateChange(name, StateClosed, StateClosed)
	}
	return b
}

// Snapshots returns the state of every registered dependency, sorted by name.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Status returns the cluster view of every dependency: local breakers merged
// with snapshots other instances persisted. A persisted snapshot replaces the
// local one when this instance has no breaker for the dependency, when the
// local breaker never changed state, or when the persisted one is newer.
// Unreadable persisted state degrades to the local view.
func (r *Registry) Status(ctx context.Context) []Snapshot {
	local := r.Snapshots()
	loader, ok := r.rec.(snapshotLoader)
	if !ok {
		return local
	}
	persisted, err := loader.LoadAll(ctx)
	if err != nil {
		r.logger.Warn(ctx, "failed to load persisted breaker state", "error", err)
	}
	if len(persisted) == 0 {
		return local
	}

	r.mu.Lock()
	changed := make(map[string]bool, len(r.breakers))
	for name, b := range r.breakers {
		changed[name] = b.changed.Load()
	}
	r.mu.Unlock()

	byName := make(map[string]Snapshot, len(local)+len(persisted))
	for _, s := range local {
		byName[s.Name] = s
	}
	for _, p := range persisted {
		cur, exists := byName[p.Name]
		if !exists || !changed[p.Name] || p.UpdatedAt.After(cur.UpdatedAt) {
			byName[p.Name] = p
		}
	}

	out := make([]Snapshot, 0, len(byName))
	for _, s := range byName {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
