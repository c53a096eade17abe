// Package packetconsumer implements the packet-event consumer (spec.md
// §4.D): it drains a lazy, unbounded sequence of PacketEvents from the
// kernel filter and applies them to the registry, one notification
// source processed serially to preserve per-IP ordering. Grounded on
// the teacher's single-goroutine-per-informer consumption pattern in
// pkg/deploy/k8s/manager.go's event handlers.
package packetconsumer

import (
	"context"
	"time"

	"scaletozero/internal/model"
	"scaletozero/internal/registry"
	"scaletozero/pkg/logger"
)

// Source is the subset of packetsource.Source the consumer needs,
// declared locally so this package does not depend on the ring-buffer
// machinery directly.
type Source interface {
	Events(ctx context.Context) <-chan model.PacketEvent
}

// ScaleUpRequester is the subset of the scaling scheduler (component F)
// the consumer needs: submit a scale-up request for the service at ip
// (spec.md §4.D step 4). Duplicate submissions within the scheduler's
// rate window are coalesced by the scheduler itself, not here.
type ScaleUpRequester interface {
	RequestScaleUp(ctx context.Context, ip string)
}

// ActivityPublisher is the subset of the distributed coordinator
// (component H) the consumer optionally notifies: "any node that sees
// a local traffic update may also write /coord/services/{ip} ... this
// is the only write from followers" (spec.md §4.H). Left nil when
// coordination is disabled.
type ActivityPublisher interface {
	PublishNow(ctx context.Context, ip string) error
}

// LatencyObserver receives the wall-clock duration of one handle call,
// for the packet-event-handling-latency metric (ambient observability,
// SPEC_FULL.md domain stack). Left nil disables the observation.
type LatencyObserver interface {
	Observe(seconds float64)
}

// Consumer applies PacketEvents to the registry.
type Consumer struct {
	registry *registry.Registry
	source   Source
	scaleUp  ScaleUpRequester
	activity ActivityPublisher
	latency  LatencyObserver
}

// New constructs a Consumer reading from source.
func New(reg *registry.Registry, source Source, scaleUp ScaleUpRequester) *Consumer {
	return &Consumer{registry: reg, source: source, scaleUp: scaleUp}
}

// SetActivityPublisher wires an optional coordinator hook so the
// consumer can eagerly republish a service's LastActivity without
// waiting for the coordinator's own sync interval. Safe to call once
// before Run; nil disables the hook (the default).
func (c *Consumer) SetActivityPublisher(p ActivityPublisher) {
	c.activity = p
}

// SetLatencyObserver wires an optional metrics sink recording how long
// each packet event takes to apply.
func (c *Consumer) SetLatencyObserver(o LatencyObserver) {
	c.latency = o
}

// Run drains source.Events until ctx is cancelled or the source closes
// its channel. Events are applied one at a time in the order the
// source delivers them, preserving per-producer ordering.
func (c *Consumer) Run(ctx context.Context) {
	for event := range c.source.Events(ctx) {
		c.handle(ctx, event)
	}
}

func (c *Consumer) handle(ctx context.Context, event model.PacketEvent) {
	if c.latency != nil {
		start := time.Now()
		defer func() { c.latency.Observe(time.Since(start).Seconds()) }()
	}

	ip := model.Uint32ToIPv4(event.IPv4)
	rec := c.registry.Get(ip)
	if rec == nil {
		logger.DebugCtx(ctx, "packet consumer: %s not in registry, dropping event", ip)
		return
	}

	now := time.Now()
	c.registry.Mutate(ip, func(r *model.ServiceRecord) { r.LastActivity = now })
	if c.activity != nil {
		// PublishNow only marks ip dirty (coordinator.Coordinator batches
		// the actual etcd write on a 100ms ticker), so it's cheap enough
		// to call inline on the hot path.
		if err := c.activity.PublishNow(ctx, ip); err != nil {
			logger.DebugCtx(ctx, "packet consumer: mark activity dirty for %s failed: %v", ip, err)
		}
	}

	// Unconditional pulse to every declared dependency/dependent, even
	// when that service is currently unavailable (spec.md §4.D step 3):
	// otherwise a child of a parent taking live traffic would keep
	// accruing idle time and get scaled back down seconds after being
	// brought up, flapping.
	for _, ref := range rec.Dependencies {
		c.pulse(ref, now)
	}
	for _, ref := range rec.Dependents {
		c.pulse(ref, now)
	}

	if event.Kind == model.PacketScaleUp {
		c.scaleUp.RequestScaleUp(ctx, ip)
	}
}

func (c *Consumer) pulse(ref model.WorkloadRef, now time.Time) {
	depIP, ok := c.registry.IPForWorkload(ref)
	if !ok {
		return
	}
	c.registry.Mutate(depIP, func(r *model.ServiceRecord) { r.LastActivity = now })
}
