package extable

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/evanphx/bottomhalf/log"
	hclog "github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
)

// Unit is a dynamically loaded body of code and its fault table.
type Unit struct {
	Name  string
	Table Table

	// Digest identifies the image the table was decoded from, if known.
	Digest string
}

// Handle names an attached unit. Handles are never reused.
type Handle uint64

// attachment is the registry's record of a loaded unit. Lookups count
// themselves in scanning while they read the unit's table; Detach flips
// detached and then waits for scanning to reach zero.
type attachment struct {
	handle Handle
	unit   *Unit

	scanning atomic.Int64
	detached atomic.Bool
}

// enter registers a scan of a's table. It fails once Detach has begun.
func (a *attachment) enter() bool {
	a.scanning.Add(1)
	if a.detached.Load() {
		a.scanning.Add(-1)
		return false
	}

	return true
}

func (a *attachment) exit() {
	a.scanning.Add(-1)
}

type cached struct {
	att   *attachment
	fixup uint64
}

// view is an immutable list of attachments in load order. Each view owns
// its own cache so that results cached against a unit never outlive the
// view that contained it.
type view struct {
	units []*attachment
	cache *lru.ARCCache
}

// Match describes where LookupAll found a fixup.
type Match struct {
	Fixup uint64

	// Unit is nil when the core table matched.
	Unit   *Unit
	Handle Handle
}

// Config tunes a Registry.
type Config struct {
	// CacheSize bounds the per-view cache of extension hits. Zero disables
	// caching.
	CacheSize int

	Logger hclog.Logger
}

// Registry is the core table plus the set of loaded extension units.
// Lookups never take a lock and never wait on Attach or Detach.
type Registry struct {
	L hclog.Logger

	core      Table
	cacheSize int

	mu   sync.Mutex
	next Handle

	// draining holds units removed from the view whose in-flight scans
	// had not finished when Detach gave up. Guarded by mu.
	draining map[Handle]*attachment
	cur      atomic.Pointer[view]

	lookups atomic.Uint64
	misses  atomic.Uint64
	hits    atomic.Uint64
}

// NewRegistry returns a registry searching core first.
func NewRegistry(core Table, cfg Config) (*Registry, error) {
	r := &Registry{
		L:         cfg.Logger,
		core:      core,
		cacheSize: cfg.CacheSize,
	}

	if r.L == nil {
		r.L = log.L
	}

	if r.cacheSize < 0 {
		return nil, errors.Errorf("extable: invalid cache size %d", cfg.CacheSize)
	}

	v, err := r.newView(nil, nil)
	if err != nil {
		return nil, err
	}

	r.cur.Store(v)

	return r, nil
}

func (r *Registry) newView(units []*attachment, cache *lru.ARCCache) (*view, error) {
	v := &view{units: units, cache: cache}

	if v.cache == nil && r.cacheSize > 0 {
		c, err := lru.NewARC(r.cacheSize)
		if err != nil {
			return nil, err
		}
		v.cache = c
	}

	return v, nil
}

// Core returns the core image's table.
func (r *Registry) Core() Table {
	return r.core
}

// Attach adds unit after every unit already loaded.
func (r *Registry) Attach(unit *Unit) (Handle, error) {
	if unit == nil || unit.Name == "" {
		return 0, ErrInvalidUnit
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.cur.Load()

	for _, a := range old.units {
		if a.unit.Name == unit.Name {
			return 0, errors.Wrapf(ErrDuplicateUnit, "unit=%s", unit.Name)
		}
	}

	r.next++
	att := &attachment{handle: r.next, unit: unit}

	units := make([]*attachment, len(old.units), len(old.units)+1)
	copy(units, old.units)
	units = append(units, att)

	// Appending cannot change which unit matches first for an address
	// already cached, so the cache carries over.
	v, err := r.newView(units, old.cache)
	if err != nil {
		return 0, err
	}

	r.cur.Store(v)

	r.L.Info("extable-attach", "unit", unit.Name, "handle", att.handle, "entries", unit.Table.Len())

	return att.handle, nil
}

// Detach removes the unit for h. Once Detach returns nil, no lookup is
// reading the unit's table and none will again.
//
// If ctx ends while lookups are still scanning the table, the unit is
// already invisible to new lookups but the returned error means the
// table must not be released yet.
func (r *Registry) Detach(ctx context.Context, h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if att, ok := r.draining[h]; ok {
		return r.finishDetach(ctx, att)
	}

	old := r.cur.Load()

	var (
		att   *attachment
		units = make([]*attachment, 0, len(old.units))
	)

	for _, a := range old.units {
		if a.handle == h {
			att = a
			continue
		}

		units = append(units, a)
	}

	if att == nil {
		return errors.Wrapf(ErrUnknownUnit, "handle=%d", h)
	}

	v, err := r.newView(units, nil)
	if err != nil {
		return err
	}

	att.detached.Store(true)
	r.cur.Store(v)

	return r.finishDetach(ctx, att)
}

// finishDetach waits for scans of att to end. On failure att is parked in
// draining so a later Detach with the same handle resumes the wait.
func (r *Registry) finishDetach(ctx context.Context, att *attachment) error {
	if err := att.drain(ctx); err != nil {
		if r.draining == nil {
			r.draining = make(map[Handle]*attachment)
		}
		r.draining[att.handle] = att

		r.L.Error("extable-detach-drain", "unit", att.unit.Name, "error", err)
		return errors.Wrapf(err, "waiting for lookups in unit=%s", att.unit.Name)
	}

	delete(r.draining, att.handle)

	r.L.Info("extable-detach", "unit", att.unit.Name, "handle", att.handle)

	return nil
}

func (a *attachment) drain(ctx context.Context) error {
	for spins := 0; a.scanning.Load() != 0; spins++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if spins < 100 {
			runtime.Gosched()
		} else {
			time.Sleep(10 * time.Microsecond)
		}
	}

	return nil
}

// Lookup finds a handle by unit name. A unit whose Detach is still
// waiting on in-flight lookups is found too, so the caller can retry.
func (r *Registry) Lookup(name string) (Handle, bool) {
	for _, a := range r.cur.Load().units {
		if a.unit.Name == name {
			return a.handle, true
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for h, a := range r.draining {
		if a.unit.Name == name {
			return h, true
		}
	}

	return 0, false
}

// Units returns the attached units in load order.
func (r *Registry) Units() []*Unit {
	v := r.cur.Load()

	units := make([]*Unit, len(v.units))
	for i, a := range v.units {
		units[i] = a.unit
	}

	return units
}

// LookupAll returns the fixup for addr, searching the core table and then
// each attached unit in load order.
func (r *Registry) LookupAll(addr uint64) (uint64, error) {
	m, err := r.Search(addr)
	if err != nil {
		return 0, err
	}

	return m.Fixup, nil
}

// Search is LookupAll that also reports which table matched.
func (r *Registry) Search(addr uint64) (Match, error) {
	r.lookups.Add(1)

	if fixup, ok := r.core.Lookup(addr); ok {
		return Match{Fixup: fixup}, nil
	}

	v := r.cur.Load()

	if v.cache != nil {
		if val, ok := v.cache.Get(addr); ok {
			c := val.(cached)
			if !c.att.detached.Load() {
				r.hits.Add(1)
				return Match{Fixup: c.fixup, Unit: c.att.unit, Handle: c.att.handle}, nil
			}
		}
	}

	for _, a := range v.units {
		if !a.enter() {
			continue
		}

		fixup, ok := a.unit.Table.Lookup(addr)
		a.exit()

		if ok {
			if v.cache != nil {
				v.cache.Add(addr, cached{att: a, fixup: fixup})
			}

			r.L.Trace("extable-match", "addr", fmt.Sprintf("%#x", addr), "unit", a.unit.Name)

			return Match{Fixup: fixup, Unit: a.unit, Handle: a.handle}, nil
		}
	}

	r.misses.Add(1)

	return Match{}, errors.Wrapf(ErrNotFound, "address=%#x", addr)
}

// Stats are cumulative lookup counters.
type Stats struct {
	Lookups   uint64
	Misses    uint64
	CacheHits uint64
}

func (r *Registry) Stats() Stats {
	return Stats{
		Lookups:   r.lookups.Load(),
		Misses:    r.misses.Load(),
		CacheHits: r.hits.Load(),
	}
}
