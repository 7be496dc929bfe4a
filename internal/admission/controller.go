// Package admission bounds how many worker units run at once, across every
// scheduler sharing the same counter.
package admission

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/hlsconverter/orchestrator/internal/logging"
	"github.com/hlsconverter/orchestrator/internal/shared"
)

// Controller hands out capacity slots from a shared counter. A slot is held
// from a successful TryReserve until the matching Release. With a holder
// key set, the slots this process holds are also counted under that key so
// another process can settle them if this one dies.
type Controller struct {
	store  shared.Store
	key    string
	max    int64
	holder string
	log    *zap.Logger

	violations atomic.Int64
}

func New(store shared.Store, key string, max int64, log *zap.Logger) (*Controller, error) {
	if max <= 0 {
		return nil, fmt.Errorf("max concurrent jobs must be positive, got %d", max)
	}
	return &Controller{
		store: store,
		key:   key,
		max:   max,
		log:   logging.OrNop(log).Named("admission"),
	}, nil
}

// SetHolder names the per-process counter mirrored by TryReserve and
// Release. It must be called before the controller is shared.
func (c *Controller) SetHolder(key string) { c.holder = key }

func (c *Controller) Holder() string { return c.holder }

// TryReserve claims a slot if one is free. It is a single atomic
// increment-if-below-ceiling; false means the pool is full.
func (c *Controller) TryReserve(ctx context.Context) (bool, error) {
	ok, err := c.store.IncrBelow(ctx, c.key, c.max)
	if err != nil {
		return false, fmt.Errorf("reserve slot: %w", err)
	}
	if !ok || c.holder == "" {
		return ok, nil
	}
	if _, err := c.store.IncrBelow(ctx, c.holder, math.MaxInt64); err != nil {
		if _, _, derr := c.store.DecrFloor(ctx, c.key); derr != nil {
			c.log.Error("undo reservation", zap.Error(derr))
		}
		return false, fmt.Errorf("record held slot: %w", err)
	}
	return true, nil
}

// Release returns a slot. Releasing with the counter already at zero leaves
// it at zero and is recorded as a violation.
func (c *Controller) Release(ctx context.Context) error {
	_, clamped, err := c.store.DecrFloor(ctx, c.key)
	if err != nil {
		return fmt.Errorf("release slot: %w", err)
	}
	if clamped {
		c.violations.Add(1)
		c.log.Error("capacity released with no slot held",
			zap.String("invariant", "double-release"),
			zap.String("counter", c.key),
		)
	}
	if c.holder != "" {
		// The shared slot is already back. A stale holder count makes a
		// later Settle release one slot too many.
		if _, _, err := c.store.DecrFloor(ctx, c.holder); err != nil {
			c.log.Warn("release held slot", zap.String("holder", c.holder), zap.Error(err))
		}
	}
	return nil
}

func (c *Controller) CurrentLoad(ctx context.Context) (int64, error) {
	n, err := c.store.Counter(ctx, c.key)
	if err != nil {
		return 0, fmt.Errorf("read load: %w", err)
	}
	return n, nil
}

func (c *Controller) Max() int64 { return c.max }

// Available is Max minus the current load, never negative.
func (c *Controller) Available(ctx context.Context) (int64, error) {
	n, err := c.CurrentLoad(ctx)
	if err != nil {
		return 0, err
	}
	return max(c.max-n, 0), nil
}

// Violations counts double releases seen by this controller.
func (c *Controller) Violations() int64 { return c.violations.Load() }

// Settle takes over the slots counted under another holder that has gone
// away. adopted of them belong to units this controller's holder now
// watches and stay reserved; the rest are released. When the departed
// holder counted fewer than adopted, the shared counter lost those
// reservations and is raised to cover them. Settle returns how many slots
// were released.
func (c *Controller) Settle(ctx context.Context, departed string, adopted int64) (int64, error) {
	held, err := c.store.Counter(ctx, departed)
	if err != nil {
		return 0, fmt.Errorf("read held slots: %w", err)
	}

	if c.holder != "" {
		for i := int64(0); i < adopted; i++ {
			if _, err := c.store.IncrBelow(ctx, c.holder, math.MaxInt64); err != nil {
				return 0, fmt.Errorf("take over held slot: %w", err)
			}
		}
	}
	for i := held; i < adopted; i++ {
		if _, err := c.store.IncrBelow(ctx, c.key, math.MaxInt64); err != nil {
			return 0, fmt.Errorf("restore slot: %w", err)
		}
	}

	var released int64
	for i := adopted; i < held; i++ {
		if _, _, err := c.store.DecrFloor(ctx, c.key); err != nil {
			return released, fmt.Errorf("release leaked slot: %w", err)
		}
		released++
	}
	if err := c.store.SetCounter(ctx, departed, 0); err != nil {
		return released, fmt.Errorf("clear held slots: %w", err)
	}

	if released > 0 || held < adopted {
		c.log.Warn("capacity settled for departed holder",
			zap.String("holder", departed),
			zap.Int64("held", held),
			zap.Int64("adopted", adopted),
			zap.Int64("released", released),
		)
	}
	return released, nil
}
