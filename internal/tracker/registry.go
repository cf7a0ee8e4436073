package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound    = errors.New("process not found")
	ErrAllocation  = errors.New("cannot allocate process")
	ErrTerminal    = errors.New("process is terminal")
	ErrTransition  = errors.New("invalid status transition")
	ErrStageOrder  = errors.New("stage is not the current stage")
	ErrNotTerminal = errors.New("process is still running")
)

const (
	DefaultRetention = 30 * time.Minute
	DefaultCapacity  = 1000
)

// Observer receives the new snapshot after every successful mutation.
// Observe is called while the record's writer lock is held, so
// implementations must not block.
type Observer interface {
	Observe(Snapshot)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Snapshot)

func (f ObserverFunc) Observe(s Snapshot) { f(s) }

// Registry is the keyed store of process records. Writers for one record
// are serialised by that record's lock; readers load the last published
// snapshot and never wait on a writer.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	now       func() time.Time
	newID     func() string
	retention time.Duration
	capacity  int
	observers []Observer
	logger    *slog.Logger
}

type entry struct {
	mu      sync.Mutex
	rec     *Record
	removed bool
	snap    atomic.Pointer[Snapshot]
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithIDGenerator overrides the uuid-based id generator.
func WithIDGenerator(gen func() string) Option {
	return func(r *Registry) { r.newID = gen }
}

// WithRetention sets how long terminal records are kept before Sweep
// evicts them. Zero or negative keeps them until capacity forces eviction.
func WithRetention(d time.Duration) Option {
	return func(r *Registry) { r.retention = d }
}

// WithCapacity sets the soft cap on stored records.
func WithCapacity(n int) Option {
	return func(r *Registry) { r.capacity = n }
}

// WithObserver registers an observer for snapshot changes.
func WithObserver(o Observer) Option {
	return func(r *Registry) {
		if o != nil {
			r.observers = append(r.observers, o)
		}
	}
}

// WithLogger sets the logger used for eviction messages.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		entries:   make(map[string]*entry),
		now:       time.Now,
		newID:     uuid.NewString,
		retention: DefaultRetention,
		capacity:  DefaultCapacity,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create allocates a new record in initializing state positioned at the
// first stage and returns its id.
func (r *Registry) Create(fileName string, fileSize int64, stages Catalog) (string, error) {
	if err := stages.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrAllocation, err)
	}

	r.mu.Lock()
	id := r.uniqueIDLocked()
	if r.capacity > 0 && len(r.entries) >= r.capacity {
		r.evictOldestLocked(len(r.entries) - r.capacity + 1)
	}

	e := &entry{rec: newRecord(id, fileName, fileSize, stages, r.now)}
	snap := e.rec.Snapshot()
	e.snap.Store(&snap)
	e.mu.Lock()
	r.entries[id] = e
	r.mu.Unlock()

	for _, o := range r.observers {
		o.Observe(snap.clone())
	}
	e.mu.Unlock()

	return id, nil
}

func (r *Registry) uniqueIDLocked() string {
	for {
		id := r.newID()
		if _, taken := r.entries[id]; id != "" && !taken {
			return id
		}
	}
}

// Get returns a copy of the record's latest snapshot.
func (r *Registry) Get(id string) (Snapshot, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return e.snap.Load().clone(), nil
}

// Mutate applies fn to the record under that record's exclusive lock.
// fn runs against a working copy; if it returns an error nothing is
// committed, so a reader sees either the state before fn or after it.
func (r *Registry) Mutate(id string, fn func(*Record) error) error {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return ErrNotFound
	}

	work := e.rec.clone()
	if err := fn(work); err != nil {
		return err
	}
	e.rec = work
	r.publish(e)
	return nil
}

// publish stores the record's snapshot and notifies observers. Caller
// holds e.mu.
func (r *Registry) publish(e *entry) {
	snap := e.rec.Snapshot()
	e.snap.Store(&snap)
	for _, o := range r.observers {
		o.Observe(snap.clone())
	}
}

// List returns snapshots of every record, newest first.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	out := make([]Snapshot, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.snap.Load().clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.After(out[j].StartTime)
	})
	return out
}

// Len returns the number of stored records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Delete removes a terminal record.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return ErrNotFound
	}
	if !e.snap.Load().IsTerminal() {
		return ErrNotTerminal
	}
	r.removeLocked(id, e)
	return nil
}

// Sweep evicts terminal records that finished more than the retention
// period before now. It returns the number evicted.
func (r *Registry) Sweep(now time.Time) int {
	if r.retention <= 0 {
		return 0
	}
	cutoff := now.Add(-r.retention)

	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for id, e := range r.entries {
		s := e.snap.Load()
		if s.FinishedAt != nil && s.FinishedAt.Before(cutoff) {
			r.removeLocked(id, e)
			evicted++
		}
	}
	if evicted > 0 && r.logger != nil {
		r.logger.Info("evicted expired processes", "count", evicted, "remaining", len(r.entries))
	}
	return evicted
}

// RunJanitor sweeps on every tick until ctx is done.
func (r *Registry) RunJanitor(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Sweep(r.now())
		}
	}
}

// evictOldestLocked drops up to n terminal records, oldest finish first.
// In-flight records are never evicted. Caller holds r.mu.
func (r *Registry) evictOldestLocked(n int) {
	type candidate struct {
		id       string
		finished time.Time
	}
	var terminal []candidate
	for id, e := range r.entries {
		if s := e.snap.Load(); s.FinishedAt != nil {
			terminal = append(terminal, candidate{id, *s.FinishedAt})
		}
	}
	sort.Slice(terminal, func(i, j int) bool {
		return terminal[i].finished.Before(terminal[j].finished)
	})
	if n > len(terminal) {
		n = len(terminal)
	}
	for _, c := range terminal[:n] {
		r.removeLocked(c.id, r.entries[c.id])
	}
	if n > 0 && r.logger != nil {
		r.logger.Info("evicted processes at capacity", "count", n, "capacity", r.capacity)
	}
}

func (r *Registry) removeLocked(id string, e *entry) {
	e.mu.Lock()
	e.removed = true
	e.mu.Unlock()
	delete(r.entries, id)
}
