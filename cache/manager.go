package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lirancohen/plinth/entity"
	"github.com/lirancohen/plinth/store"
)

// reconcileConcurrency caps the sweep's concurrent store reads.
const reconcileConcurrency = 8

// Manager is the two-tier read-through cache. It tracks every key it
// has served so the reconciliation sweep knows what to re-validate.
type Manager struct {
	cfg Config

	mu      sync.Mutex
	tracked map[entity.Key]struct{}
}

// New creates a Manager from the given configuration.
func New(config Config) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	cfg := config.withDefaults()

	return &Manager{
		cfg:     cfg,
		tracked: make(map[entity.Key]struct{}),
	}, nil
}

// Latest returns the current snapshot for key, consulting L1, then L2,
// then the store. A tier failure degrades to the next level; store
// errors are returned as-is.
func (m *Manager) Latest(ctx context.Context, key entity.Key) (entity.Snapshot, error) {
	if snap, ok := m.tierGet(ctx, m.cfg.L1, "l1", key); ok {
		return snap, nil
	}
	if m.cfg.L2 != nil {
		if snap, ok := m.tierGet(ctx, m.cfg.L2, "l2", key); ok {
			m.tierSet(ctx, m.cfg.L1, "l1", key, snap, m.cfg.L1TTL)
			m.track(key)
			return snap, nil
		}
	}

	snap, err := m.cfg.Source.Latest(ctx, key)
	if err != nil {
		return entity.Snapshot{}, err
	}
	m.tierSet(ctx, m.cfg.L1, "l1", key, snap, m.cfg.L1TTL)
	if m.cfg.L2 != nil {
		m.tierSet(ctx, m.cfg.L2, "l2", key, snap, m.cfg.L2TTL)
	}
	m.track(key)
	return snap, nil
}

// LatestLocal is the read path for transactional reads: it consults
// the process-local tier and then the store, and populates only the
// local tier. The shared tier is a derived, best-effort view for
// external readers and is never consulted when the result feeds a
// commit decision.
func (m *Manager) LatestLocal(ctx context.Context, key entity.Key) (entity.Snapshot, error) {
	if snap, ok := m.tierGet(ctx, m.cfg.L1, "l1", key); ok {
		return snap, nil
	}

	snap, err := m.cfg.Source.Latest(ctx, key)
	if err != nil {
		return entity.Snapshot{}, err
	}
	m.tierSet(ctx, m.cfg.L1, "l1", key, snap, m.cfg.L1TTL)
	m.track(key)
	return snap, nil
}

// Evict removes keys from both tiers. Tier failures are logged and
// otherwise ignored; the reconciliation sweep is the backstop for
// evictions that did not land.
func (m *Manager) Evict(ctx context.Context, keys ...entity.Key) {
	for _, key := range keys {
		m.tierDelete(ctx, m.cfg.L1, "l1", key)
		if m.cfg.L2 != nil {
			m.tierDelete(ctx, m.cfg.L2, "l2", key)
		}
	}
}

// InvalidateCommitted evicts every committed snapshot's key plus the
// dependent keys declared for its entity type.
func (m *Manager) InvalidateCommitted(ctx context.Context, snaps []entity.Snapshot) {
	seen := make(map[entity.Key]struct{}, len(snaps))
	keys := make([]entity.Key, 0, len(snaps))
	add := func(key entity.Key) {
		if key.Validate() != nil {
			return
		}
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}

	for _, snap := range snaps {
		add(snap.Key())
		if dep := m.cfg.Dependencies[snap.EntityType]; dep != nil {
			for _, k := range dep(snap) {
				add(k)
			}
		}
	}

	m.Evict(ctx, keys...)
}

// Run drives the reconciliation sweep until ctx is cancelled and
// returns ctx.Err().
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Reconcile(ctx)
		}
	}
}

// Reconcile re-validates every tracked key against the store once.
// Entries whose version no longer matches the store are evicted; the
// next read repopulates them. Keys absent from every tier are dropped
// from tracking.
func (m *Manager) Reconcile(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(reconcileConcurrency)

	for _, key := range m.trackedKeys() {
		key := key
		g.Go(func() error {
			m.reconcileKey(gctx, key)
			return nil
		})
	}
	g.Wait()
}

func (m *Manager) reconcileKey(ctx context.Context, key entity.Key) {
	l1Snap, l1OK, l1Err := m.cfg.L1.Get(ctx, key)
	var (
		l2Snap entity.Snapshot
		l2OK   bool
		l2Err  error
	)
	if m.cfg.L2 != nil {
		l2Snap, l2OK, l2Err = m.cfg.L2.Get(ctx, key)
	}

	if !l1OK && !l2OK {
		// Only stop tracking on clean misses; an errored tier may
		// still hold the entry.
		if l1Err == nil && l2Err == nil {
			m.untrack(key)
		} else {
			m.cfg.Logger.Warn("cache: reconcile tier read failed",
				"key", key.String(), "l1_error", l1Err, "l2_error", l2Err)
		}
		return
	}

	latest, err := m.cfg.Source.Latest(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		m.Evict(ctx, key)
		m.untrack(key)
		return
	}
	if err != nil {
		m.cfg.Logger.Warn("cache: reconcile store read failed",
			"key", key.String(), "error", err)
		return
	}

	if l1OK && l1Snap.Version != latest.Version {
		m.cfg.Logger.Debug("cache: evicting stale l1 entry",
			"key", key.String(), "cached_version", l1Snap.Version, "store_version", latest.Version)
		m.tierDelete(ctx, m.cfg.L1, "l1", key)
	}
	if l2OK && l2Snap.Version != latest.Version {
		m.cfg.Logger.Debug("cache: evicting stale l2 entry",
			"key", key.String(), "cached_version", l2Snap.Version, "store_version", latest.Version)
		m.tierDelete(ctx, m.cfg.L2, "l2", key)
	}
}

func (m *Manager) tierGet(ctx context.Context, tier Tier, name string, key entity.Key) (entity.Snapshot, bool) {
	snap, ok, err := tier.Get(ctx, key)
	if err != nil {
		m.cfg.Logger.Warn("cache: tier read failed",
			"tier", name, "key", key.String(), "error", err)
		return entity.Snapshot{}, false
	}
	return snap, ok
}

func (m *Manager) tierSet(ctx context.Context, tier Tier, name string, key entity.Key, snap entity.Snapshot, ttl time.Duration) {
	if err := tier.Set(ctx, key, snap, ttl); err != nil {
		m.cfg.Logger.Warn("cache: tier write failed",
			"tier", name, "key", key.String(), "error", err)
	}
}

func (m *Manager) tierDelete(ctx context.Context, tier Tier, name string, key entity.Key) {
	if err := tier.Delete(ctx, key); err != nil {
		m.cfg.Logger.Warn("cache: tier eviction failed",
			"tier", name, "key", key.String(), "error", err)
	}
}

func (m *Manager) track(key entity.Key) {
	m.mu.Lock()
	m.tracked[key] = struct{}{}
	m.mu.Unlock()
}

func (m *Manager) untrack(key entity.Key) {
	m.mu.Lock()
	delete(m.tracked, key)
	m.mu.Unlock()
}

func (m *Manager) trackedKeys() []entity.Key {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]entity.Key, 0, len(m.tracked))
	for key := range m.tracked {
		keys = append(keys, key)
	}
	return keys
}
