// Package registry holds the authoritative in-memory set of flag definitions.
//
// Readers get immutable snapshots without locking. Writers are serialized per flag,
// and every accepted write bumps the flag version by exactly one.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rafaeljc/bifrost/internal/observability"
	"github.com/rafaeljc/bifrost/internal/ruleengine"
)

// ErrFlagNotFound is returned when a flag id is unknown.
var ErrFlagNotFound = errors.New("flag not found")

// Mutation kinds reported to listeners and metrics.
const (
	KindUpsert = "upsert"
	KindMutate = "mutate"
)

// Source loads the initial flag definitions.
type Source interface {
	Name() string
	Load(ctx context.Context) ([]*ruleengine.Flag, error)
}

// Change describes an accepted write. Before is nil for a newly created flag.
type Change struct {
	Kind   string
	Before *ruleengine.Flag
	After  *ruleengine.Flag
}

// Listener observes accepted writes. Listeners run synchronously while the flag
// is still locked, so they must not write to the same flag.
type Listener func(Change)

type slot struct {
	mu   sync.Mutex
	flag atomic.Pointer[ruleengine.Flag]
}

// Registry is safe for concurrent use.
type Registry struct {
	logger *slog.Logger
	now    func() time.Time

	mu    sync.RWMutex
	slots map[string]*slot

	lmu       sync.RWMutex
	listeners []Listener
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the clock used for created/updated timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates an empty registry.
func New(logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		logger: logger,
		now:    time.Now,
		slots:  make(map[string]*slot),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnChange registers l for every subsequent accepted write.
func (r *Registry) OnChange(l Listener) {
	r.lmu.Lock()
	defer r.lmu.Unlock()
	r.listeners = append(r.listeners, l)
}

func (r *Registry) notify(c Change) {
	r.lmu.RLock()
	defer r.lmu.RUnlock()
	for _, l := range r.listeners {
		l(c)
	}
}

func (r *Registry) lookup(id string) *slot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.slots[id]
}

func (r *Registry) lookupOrCreate(id string) *slot {
	if s := r.lookup(id); s != nil {
		return s
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.slots[id]; ok {
		return s
	}
	s := &slot{}
	r.slots[id] = s
	return s
}

// Snapshot returns the current definition of id. The returned flag is shared
// and must be treated as read-only.
func (r *Registry) Snapshot(id string) (*ruleengine.Flag, bool) {
	s := r.lookup(id)
	if s == nil {
		return nil, false
	}
	f := s.flag.Load()
	return f, f != nil
}

// Get returns a private copy of the current definition of id.
func (r *Registry) Get(id string) (*ruleengine.Flag, error) {
	f, ok := r.Snapshot(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFlagNotFound, id)
	}
	return f.Clone(), nil
}

// Version returns the current version of id. Its signature matches cache.VersionLookup.
func (r *Registry) Version(id string) (int64, bool) {
	f, ok := r.Snapshot(id)
	if !ok {
		return 0, false
	}
	return f.Version, true
}

// All returns copies of every flag ordered by id.
func (r *Registry) All() []*ruleengine.Flag {
	r.mu.RLock()
	out := make([]*ruleengine.Flag, 0, len(r.slots))
	for _, s := range r.slots {
		if f := s.flag.Load(); f != nil {
			out = append(out, f.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of stored flags.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, s := range r.slots {
		if s.flag.Load() != nil {
			n++
		}
	}
	return n
}

// Upsert validates flag and stores a copy of it as the next version of flag.ID.
// The caller-supplied Version is ignored. It returns the stored definition.
func (r *Registry) Upsert(flag *ruleengine.Flag) (*ruleengine.Flag, error) {
	return r.put(flag, false)
}

// put stores flag as the next version of flag.ID. With seed set, a flag new to
// the registry keeps its Version when it is at least 1, as loaded from a source.
func (r *Registry) put(flag *ruleengine.Flag, seed bool) (*ruleengine.Flag, error) {
	if flag == nil {
		return nil, fmt.Errorf("%w: nil flag", ruleengine.ErrInvalidFlag)
	}
	next := flag.Clone()
	if err := ruleengine.CompileFlag(next); err != nil {
		return nil, err
	}

	s := r.lookupOrCreate(next.ID)
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.flag.Load()
	now := r.now().UTC()
	next.UpdatedAt = now
	if prev != nil {
		next.Version = prev.Version + 1
		next.CreatedAt = prev.CreatedAt
	} else {
		if !seed || next.Version < 1 {
			next.Version = 1
		}
		if next.CreatedAt.IsZero() {
			next.CreatedAt = now
		}
	}
	s.flag.Store(next)

	observability.RegistryMutationsTotal.WithLabelValues(KindUpsert).Inc()
	observability.RegistryFlags.Set(float64(r.Len()))
	r.logger.Debug("flag stored", slog.String("flag_id", next.ID), slog.Int64("version", next.Version))

	r.notify(Change{Kind: KindUpsert, Before: prev, After: next})
	return next, nil
}

// MutateFunc edits a private copy of a flag. Returning false leaves the flag
// untouched and its version unchanged.
type MutateFunc func(f *ruleengine.Flag) (changed bool, err error)

// Mutate applies fn to the current definition of id while holding the flag's
// write lock, then stores the result as the next version. It returns the
// definition before and after; both are the same when fn made no change.
func (r *Registry) Mutate(id string, fn MutateFunc) (before, after *ruleengine.Flag, err error) {
	s := r.lookup(id)
	if s == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrFlagNotFound, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.flag.Load()
	if prev == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrFlagNotFound, id)
	}

	next := prev.Clone()
	changed, err := fn(next)
	if err != nil {
		return prev, prev, err
	}
	if !changed {
		return prev, prev, nil
	}
	next.ID = prev.ID
	if err := ruleengine.CompileFlag(next); err != nil {
		return prev, prev, err
	}

	next.Version = prev.Version + 1
	next.CreatedAt = prev.CreatedAt
	next.UpdatedAt = r.now().UTC()
	s.flag.Store(next)

	observability.RegistryMutationsTotal.WithLabelValues(KindMutate).Inc()
	r.notify(Change{Kind: KindMutate, Before: prev, After: next})
	return prev, next, nil
}

// Load upserts every flag returned by src. Flags new to the registry keep their
// stored version. Invalid definitions are logged and skipped; the number of
// stored flags is returned.
func (r *Registry) Load(ctx context.Context, src Source) (int, error) {
	flags, err := src.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load flags from %s: %w", src.Name(), err)
	}

	loaded := 0
	for _, f := range flags {
		if _, err := r.put(f, true); err != nil {
			id := ""
			if f != nil {
				id = f.ID
			}
			r.logger.Warn("skipping invalid flag definition",
				slog.String("source", src.Name()),
				slog.String("flag_id", id),
				slog.Any("error", err),
			)
			continue
		}
		loaded++
	}

	r.logger.Info("flags loaded", slog.String("source", src.Name()), slog.Int("loaded", loaded), slog.Int("total", len(flags)))
	return loaded, nil
}
