// Package serving holds the read-path: the in-memory model snapshot cache
// and the request scorer built on top of it.
package serving

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ensemble"
	"github.com/opensource-finance/kestrel/internal/integrity"
)

// Snapshot is one loaded, verified, immutable model generation. Scoring
// reads a snapshot without locks; reloads swap the whole snapshot at once.
type Snapshot struct {
	Scorer  *ensemble.Scorer
	Version int64
	Slot    string
}

// ModelCache holds the current snapshot per tenant. Readers never block on
// a reload; they keep the old snapshot until the swap lands.
type ModelCache struct {
	registry domain.ModelRegistry
	logger   *slog.Logger

	// tenantID -> *Snapshot
	snapshots sync.Map

	// reloadMu serializes reloads per process so concurrent reload calls
	// don't race the registry. Readers are unaffected.
	reloadMu sync.Mutex
}

// NewModelCache creates an empty cache backed by the registry.
func NewModelCache(registry domain.ModelRegistry, logger *slog.Logger) *ModelCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &ModelCache{registry: registry, logger: logger}
}

// Reload pulls the first usable bundle for the tenant through the corruption
// gate and swaps it in. On ErrNoUsableModel any existing snapshot is dropped
// so the scorer degrades instead of serving a generation that no longer
// verifies.
func (c *ModelCache) Reload(ctx context.Context, tenantID string) error {
	c.reloadMu.Lock()
	defer c.reloadMu.Unlock()

	bundle, slot, err := integrity.LoadUsable(ctx, c.registry, tenantID, c.logger)
	if errors.Is(err, integrity.ErrNoUsableModel) {
		c.snapshots.Delete(tenantID)
		return err
	}
	if err != nil {
		return err
	}

	scorer, err := ensemble.FromBundle(bundle)
	if err != nil {
		return fmt.Errorf("failed to build scorer from bundle v%d: %w", bundle.Version, err)
	}

	c.snapshots.Store(tenantID, &Snapshot{
		Scorer:  scorer,
		Version: bundle.Version,
		Slot:    slot,
	})

	c.logger.Info("model snapshot loaded",
		"tenant_id", tenantID,
		"version", bundle.Version,
		"slot", slot,
		"orders", scorer.Orders())
	return nil
}

// Current returns the tenant's snapshot, or nil when none is loaded.
func (c *ModelCache) Current(tenantID string) *Snapshot {
	v, ok := c.snapshots.Load(tenantID)
	if !ok {
		return nil
	}
	return v.(*Snapshot)
}
