package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultNodeKeyPrefix     = "hls:node"
	defaultHeartbeatInterval = 5 * time.Second
)

// NewOwnerID names one orchestrator process on node. Units are labelled
// with it, so a restarted process never mistakes its predecessor's units
// for its own.
func NewOwnerID(node string) string {
	return node + "/" + uuid.NewString()[:8]
}

// nodeOf returns the node part of an owner id.
func nodeOf(owner string) string {
	if i := strings.LastIndexByte(owner, '/'); i >= 0 {
		return owner[:i]
	}
	return owner
}

// ownerKeys are the shared keys kept for one owner.
type ownerKeys struct {
	heartbeat string // unix millis of the last beat, 0 once retired
	held      string // capacity slots the owner holds
	claim     string // set once a peer has settled the owner
}

func (p *Pool) keysFor(owner string) ownerKeys {
	base := p.cfg.NodeKeyPrefix + ":" + owner
	return ownerKeys{
		heartbeat: base + ":heartbeat",
		held:      base + ":held",
		claim:     base + ":claimed",
	}
}

// registryKey lists every owner that has beaten at least once and has not
// been settled yet.
func (p *Pool) registryKey() string { return p.cfg.NodeKeyPrefix + ":registry" }

func (p *Pool) Owner() string { return p.cfg.Owner }

// Beat records that this pool is alive. The first successful call also
// registers the owner so peers can find it after it is gone.
func (p *Pool) Beat(ctx context.Context) error {
	if p.registered.CompareAndSwap(false, true) {
		if err := p.deps.Shared.PushBack(ctx, p.registryKey(), p.cfg.Owner); err != nil {
			p.registered.Store(false)
			return fmt.Errorf("register owner: %w", err)
		}
	}
	if err := p.deps.Shared.SetCounter(ctx, p.keysFor(p.cfg.Owner).heartbeat, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// heartbeat beats every HeartbeatInterval until ctx is done, then marks the
// owner as retired so peers need not wait for the beat to go stale.
func (p *Pool) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		if err := p.Beat(ctx); err != nil && ctx.Err() == nil {
			p.log.Warn("heartbeat failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := p.deps.Shared.SetCounter(rctx, p.keysFor(p.cfg.Owner).heartbeat, 0); err != nil {
				p.log.Warn("retire heartbeat", zap.Error(err))
			}
			return
		case <-ticker.C:
		}
	}
}

// ownerLive reports whether owner's process still watches its units. With
// takeOver set, other owners on this pool's node are treated as earlier
// runs of this process.
func (p *Pool) ownerLive(ctx context.Context, owner string, takeOver bool) (bool, error) {
	if owner == p.cfg.Owner {
		return true, nil
	}
	if takeOver && owner != "" && nodeOf(owner) == p.cfg.NodeID {
		return false, nil
	}
	at, err := p.deps.Shared.Counter(ctx, p.keysFor(owner).heartbeat)
	if err != nil {
		return false, fmt.Errorf("read heartbeat of %s: %w", owner, err)
	}
	return at > 0 && time.Since(time.UnixMilli(at)) <= p.cfg.HeartbeatTTL, nil
}
