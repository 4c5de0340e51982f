// Package cache is the only gateway between in-memory emitter records and
// persistent storage. It hands out snapshots, batches dirty records into one
// transaction per sync and ages out records that are no longer seen.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/starfail/rfloc/pkg/emitter"
	"github.com/starfail/rfloc/pkg/geo"
	"github.com/starfail/rfloc/pkg/logx"
	"github.com/starfail/rfloc/pkg/metrics"
	"github.com/starfail/rfloc/pkg/store"
	"github.com/starfail/rfloc/pkg/tracing"
)

// Defaults for Config.
const (
	DefaultMaxAge  = 30
	DefaultMaxSize = 200
)

// Config tunes the working set
type Config struct {
	// MaxAge is how many syncs an unused record survives in memory.
	MaxAge int
	// MaxSize is the working set size above which everything is dropped
	// after a sync.
	MaxSize   int
	ASUScale  emitter.ASUScale
	Blacklist *emitter.Blacklist
}

// Cache owns every emitter.Emitter. All methods are safe for concurrent use
// and run one at a time.
type Cache struct {
	mu      sync.Mutex
	store   store.Store
	cfg     Config
	entries map[emitter.Identification]*emitter.Emitter
	logger  *logx.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// New creates an empty cache over st. m may be nil.
func New(st store.Store, cfg Config, logger *logx.Logger, m *metrics.Metrics) *Cache {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.ASUScale.Max == 0 {
		cfg.ASUScale = emitter.DefaultASUScale
	}
	if logger == nil {
		logger = logx.Nop()
	}
	return &Cache{
		store:   st,
		cfg:     cfg,
		entries: make(map[emitter.Identification]*emitter.Emitter),
		logger:  logger,
		metrics: m,
		tracer:  tracing.Tracer("github.com/starfail/rfloc/pkg/cache"),
	}
}

// get returns the record for id, loading it from storage or creating it on a
// miss. A storage error leaves the working set untouched.
func (c *Cache) get(ctx context.Context, id emitter.Identification) (*emitter.Emitter, error) {
	if e, ok := c.entries[id]; ok {
		e.ResetAge()
		return e, nil
	}

	e := emitter.New(id, c.cfg.Blacklist)
	info, err := c.store.Lookup(ctx, id)
	switch {
	case err == nil:
		e.Load(info)
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, fmt.Errorf("load emitter %s: %w", id, err)
	}

	c.entries[id] = e
	c.metrics.SetCacheSize(len(c.entries))
	return e, nil
}

// Get returns a snapshot of the record for id, creating it if needed.
func (c *Cache) Get(ctx context.Context, id emitter.Identification) (emitter.View, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, err := c.get(ctx, id)
	if err != nil {
		return emitter.View{}, err
	}
	return e.View(), nil
}

// Observe records a sighting: the emitter's signal strength and note are
// refreshed from obs.
func (c *Cache) Observe(ctx context.Context, obs emitter.Observation) (emitter.View, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, err := c.get(ctx, obs.Ident)
	if err != nil {
		return emitter.View{}, err
	}

	wasBlacklisted := e.Status() == emitter.StatusBlacklisted
	e.SetASU(obs.ASU)
	e.SetNote(obs.Note)
	if !wasBlacklisted && e.Status() == emitter.StatusBlacklisted {
		c.logger.Info("emitter blacklisted", "emitter", obs.Ident.String(), "note", obs.Note)
		c.metrics.RecordEmitterEvent(obs.Ident.Kind.String(), "blacklist")
	}
	return e.View(), nil
}

// UpdateCoverage folds a reference fix into id's coverage and reports
// whether it changed.
func (c *Cache) UpdateCoverage(ctx context.Context, id emitter.Identification, fix geo.Fix) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, err := c.get(ctx, id)
	if err != nil {
		return false, err
	}

	_, hadCoverage := e.Coverage()
	changed := e.UpdateLocation(fix)
	// a located emitter only ever shrinks back to a point when it moved
	if cov, _ := e.Coverage(); changed && hadCoverage && cov.Radius == 0 {
		c.logger.Debug("emitter moved", "emitter", id.String(), "lat", fix.Lat, "lon", fix.Lon)
		c.metrics.RecordEmitterEvent(id.Kind.String(), "moved")
	}
	return changed, nil
}

// Location returns where id says the device is, if it is trusted enough.
func (c *Cache) Location(ctx context.Context, id emitter.Identification) (emitter.Location, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, err := c.get(ctx, id)
	if err != nil {
		return emitter.Location{}, false, err
	}
	loc, ok := e.PublicLocation(c.cfg.ASUScale)
	return loc, ok, nil
}

// IncrementTrust raises id's trust and reports whether it changed.
func (c *Cache) IncrementTrust(ctx context.Context, id emitter.Identification) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, err := c.get(ctx, id)
	if err != nil {
		return false, err
	}
	changed := e.IncrementTrust()
	if changed {
		c.metrics.RecordTrust(id.Kind.String(), "up")
	}
	return changed, nil
}

// DecrementTrust lowers id's trust and reports whether it changed.
func (c *Cache) DecrementTrust(ctx context.Context, id emitter.Identification) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, err := c.get(ctx, id)
	if err != nil {
		return false, err
	}
	changed := e.DecrementTrust()
	if changed {
		c.metrics.RecordTrust(id.Kind.String(), "down")
		if e.Exhausted() {
			c.logger.Debug("emitter trust exhausted", "emitter", id.String())
		}
	}
	return changed, nil
}

// Expected returns every known emitter of kind whose coverage center lies in
// box: those in storage plus located records not yet written out.
// Blacklisted records are skipped. The result is sorted by id.
func (c *Cache) Expected(ctx context.Context, kind emitter.Kind, box geo.BoundingBox) ([]emitter.Identification, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	records, err := c.store.InBox(ctx, kind, box)
	if err != nil {
		return nil, fmt.Errorf("query expected %s emitters: %w", kind, err)
	}

	seen := make(map[emitter.Identification]bool, len(records))
	for _, r := range records {
		if e, ok := c.entries[r.Ident]; ok && e.Status() == emitter.StatusBlacklisted {
			continue
		}
		seen[r.Ident] = true
	}
	for id, e := range c.entries {
		if id.Kind != kind || e.Status() == emitter.StatusBlacklisted {
			continue
		}
		if cov, ok := e.Coverage(); ok && box.Contains(cov.Lat, cov.Lon) {
			seen[id] = true
		}
	}

	ids := make([]emitter.Identification, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

type pending struct {
	e      *emitter.Emitter
	action emitter.SyncAction
}

// Sync writes every dirty record to storage in one transaction, then ages
// the working set. On error nothing in memory changes, so the next Sync
// retries the same records.
func (c *Cache) Sync(ctx context.Context) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, span := c.tracer.Start(ctx, "cache.sync", trace.WithAttributes(attribute.Int("cache.size", len(c.entries))))
	start := time.Now()
	defer func() {
		c.metrics.RecordSync(time.Since(start), err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	var dirty []pending
	for _, e := range c.entries {
		if action := e.PendingSync(); action != emitter.SyncNone {
			dirty = append(dirty, pending{e: e, action: action})
		}
	}
	sort.Slice(dirty, func(i, j int) bool {
		return dirty[i].e.Ident().String() < dirty[j].e.Ident().String()
	})
	span.SetAttributes(attribute.Int("cache.dirty", len(dirty)))

	if len(dirty) > 0 {
		if err := c.write(ctx, dirty); err != nil {
			c.logger.Error("cache sync failed", "error", err, "dirty", len(dirty))
			return err
		}
	}

	for _, p := range dirty {
		id := p.e.Ident()
		p.e.Synced(p.action)
		c.metrics.RecordEmitterEvent(id.Kind.String(), p.action.String())
		if p.action == emitter.SyncDelete && p.e.Status() != emitter.StatusBlacklisted {
			delete(c.entries, id)
		}
	}

	evicted := 0
	for id, e := range c.entries {
		if e.Age() >= c.cfg.MaxAge {
			delete(c.entries, id)
			evicted++
			c.metrics.RecordEmitterEvent(id.Kind.String(), "evict")
			continue
		}
		e.IncrementAge()
	}

	if len(c.entries) > c.cfg.MaxSize {
		c.logger.Warn("working set over limit, clearing", "size", len(c.entries), "limit", c.cfg.MaxSize)
		c.entries = make(map[emitter.Identification]*emitter.Emitter)
	}

	c.metrics.SetCacheSize(len(c.entries))
	if len(dirty) > 0 || evicted > 0 {
		c.logger.Debug("cache synced", "written", len(dirty), "evicted", evicted, "size", len(c.entries))
	}
	return nil
}

func (c *Cache) write(ctx context.Context, dirty []pending) error {
	tx, err := c.store.Begin(ctx)
	if err != nil {
		return err
	}

	for _, p := range dirty {
		id := p.e.Ident()
		switch p.action {
		case emitter.SyncInsert:
			err = tx.Insert(ctx, id, p.e.Info())
		case emitter.SyncUpdate:
			err = tx.Update(ctx, id, p.e.Info())
		case emitter.SyncDelete:
			err = tx.Delete(ctx, id)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				c.logger.Warn("rollback failed", "error", rbErr)
			}
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Clear drops the whole working set without writing anything.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[emitter.Identification]*emitter.Emitter)
	c.metrics.SetCacheSize(0)
}

// Len returns the working set size.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
