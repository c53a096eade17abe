// Package idledetector implements the idle detector (spec.md §4.E): a
// 1-second ticker that scans the registry for available services that
// have exceeded their configured idle window and submits scale-down
// requests, in priority order. Grounded on the teacher's periodic
// reconciliation-loop shape (the same ticker-driven scan pattern as
// internal/kernelmap's reconciler), adapted here to drive scale-down
// decisions instead of kernel-map repair.
package idledetector

import (
	"context"
	"sort"
	"time"

	"scaletozero/internal/model"
	"scaletozero/internal/registry"
	"scaletozero/pkg/logger"
)

// ScaleDownRequester is the subset of the scaling scheduler (component
// F) the detector needs.
type ScaleDownRequester interface {
	RequestScaleDown(ctx context.Context, ip string)
}

// CycleObserver receives the wall-clock duration of one scan tick, for
// the idle-detector-cycle-duration metric (ambient observability,
// SPEC_FULL.md domain stack). Left nil disables the observation.
type CycleObserver interface {
	Observe(seconds float64)
}

// Detector periodically scans the registry for idle, available
// services.
type Detector struct {
	registry  *registry.Registry
	scheduler ScaleDownRequester
	interval  time.Duration
	cycles    CycleObserver
}

// New returns a Detector scanning the registry every interval (default
// 1s per spec.md §4.E).
func New(reg *registry.Registry, scheduler ScaleDownRequester, interval time.Duration) *Detector {
	if interval <= 0 {
		interval = time.Second
	}
	return &Detector{registry: reg, scheduler: scheduler, interval: interval}
}

// SetCycleObserver wires an optional metrics sink recording each scan
// tick's duration.
func (d *Detector) SetCycleObserver(o CycleObserver) {
	d.cycles = o
}

// Run drives the scan loop until ctx is cancelled.
func (d *Detector) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *Detector) tick(ctx context.Context) {
	start := time.Now()
	if d.cycles != nil {
		defer func() { d.cycles.Observe(time.Since(start).Seconds()) }()
	}

	now := time.Now()
	snapshot := d.registry.Snapshot()

	idle := make([]*model.ServiceRecord, 0, len(snapshot))
	for _, rec := range snapshot {
		// Only records in the literal AVAILABLE state are candidates;
		// a record already SCALING_DOWN would otherwise be resubmitted
		// every tick until the scheduler finishes the transition.
		if rec.State != model.StateAvailable {
			continue
		}
		if now.Sub(rec.LastActivity) >= rec.ScaleDownIdle {
			idle = append(idle, rec)
		}
	}

	sort.Slice(idle, func(i, j int) bool { return idle[i].Priority < idle[j].Priority })

	for _, rec := range idle {
		logger.DebugCtx(ctx, "idle detector: submitting scale-down for %s (idle %s)", rec.IP, now.Sub(rec.LastActivity))
		d.scheduler.RequestScaleDown(ctx, rec.IP)
	}
}
