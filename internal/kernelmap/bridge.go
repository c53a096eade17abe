package kernelmap

import (
	"context"
	"time"

	"scaletozero/internal/model"
	"scaletozero/pkg/logger"
)

// Snapshotter is the subset of the registry the reconciler needs: a
// full point-in-time view to diff against the kernel table. Declared
// here (rather than depending on the registry package) so the bridge
// can be tested against a fake snapshot source.
type Snapshotter interface {
	Snapshot() []*model.ServiceRecord
}

// Bridge exposes Set/Delete to the rest of the core (spec.md §4.B) and
// runs the 100ms drift reconciler as a background task.
type Bridge struct {
	table     Table
	snapshots Snapshotter
	interval  time.Duration

	lostTicks   int
	maxLostTicks int
}

// New returns a Bridge over table, reconciling against snapshots every
// interval (default 100ms per spec.md §6.4's RECONCILER_INTERVAL_MS).
func New(table Table, snapshots Snapshotter, interval time.Duration) *Bridge {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Bridge{table: table, snapshots: snapshots, interval: interval, maxLostTicks: 50}
}

// Set idempotently upserts ip's availability into the kernel table
// (invariant 1).
func (b *Bridge) Set(ip string, isAvailable bool) error {
	u32, err := model.IPv4ToUint32(ip)
	if err != nil {
		return err
	}
	return b.table.Set(u32, isAvailable)
}

// Delete removes ip from the kernel table.
func (b *Bridge) Delete(ip string) error {
	u32, err := model.IPv4ToUint32(ip)
	if err != nil {
		return err
	}
	return b.table.Delete(u32)
}

// Get reports the kernel table's current belief for ip, used by tests
// and the invariant checks in spec.md §8.
func (b *Bridge) Get(ip string) (bool, error) {
	u32, err := model.IPv4ToUint32(ip)
	if err != nil {
		return false, err
	}
	entries, err := b.table.Enumerate()
	if err != nil {
		return false, err
	}
	return entries[u32], nil
}

// Run drives the 100ms reconciler until ctx is cancelled. Drift can be
// caused by a kernel-filter restart or a missed update; a single failed
// tick is logged and retried, matching spec.md §7 (Timeout/TransientAPIError
// are logged, not fatal). Only a handle that stays unreachable across
// maxLostTicks consecutive ticks is treated as the Fatal condition named
// in spec.md §7 ("kernel-map handle lost").
func (b *Bridge) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.reconcileOnce(ctx)
		}
	}
}

func (b *Bridge) reconcileOnce(ctx context.Context) {
	desired := make(map[uint32]bool)
	for _, rec := range b.snapshots.Snapshot() {
		u32, err := model.IPv4ToUint32(rec.IP)
		if err != nil {
			continue
		}
		desired[u32] = rec.Available()
	}

	actual, err := b.table.Enumerate()
	if err != nil {
		b.lostTicks++
		logger.WarnCtx(ctx, "kernel map reconciler: enumerate failed (%d consecutive): %v", b.lostTicks, err)
		if b.lostTicks >= b.maxLostTicks {
			logger.FatalCtx(ctx, "kernel map handle lost after %d consecutive reconciler ticks", b.lostTicks)
		}
		return
	}
	b.lostTicks = 0

	for ip, want := range desired {
		if got, ok := actual[ip]; !ok || got != want {
			if err := b.table.Set(ip, want); err != nil {
				logger.WarnCtx(ctx, "kernel map reconciler: repair set(%d,%v) failed: %v", ip, want, err)
			}
		}
	}
	for ip := range actual {
		if _, ok := desired[ip]; !ok {
			if err := b.table.Delete(ip); err != nil {
				logger.WarnCtx(ctx, "kernel map reconciler: repair delete(%d) failed: %v", ip, err)
			}
		}
	}
}
