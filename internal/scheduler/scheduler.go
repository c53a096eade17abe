// Package scheduler implements the scaling scheduler (spec.md §4.F):
// priority-ordered scale-up/scale-down execution, a per-service rate
// limiter, one-hop dependency closure expansion, and the per-service
// serialization discipline spec.md §5 requires. Grounded on the
// teacher's pkg/autoscaler/decision_engine.go (priority sort, cooldown
// gating) and pkg/autoscaler/executor.go (serialized scale execution,
// event recording), generalized from a single-endpoint cooldown table
// to the dependency-aware, per-service-locked model this spec needs.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"scaletozero/internal/kernelmap"
	"scaletozero/internal/model"
	"scaletozero/internal/registry"
	"scaletozero/internal/workloadapi"
	"scaletozero/pkg/logger"
)

// AutoscalerManager is the subset of the autoscaler lifecycle manager
// (component G) the scheduler drives directly (spec.md §4.F steps 1a/1b
// and 4d).
type AutoscalerManager interface {
	// Capture fetches the live autoscaler spec for workload so it can
	// be restored bit-identical later.
	Capture(ctx context.Context, workload model.WorkloadRef) (*model.AutoscalerSpec, error)
	// Delete removes the live autoscaler object.
	Delete(ctx context.Context, workload model.WorkloadRef) error
	// ScheduleRecreate queues recreation of workload's autoscaler from
	// spec after delay, decoupling it from the scale-up critical path
	// (spec.md §4.G).
	ScheduleRecreate(workload model.WorkloadRef, name string, spec model.AutoscalerSpec, delay time.Duration)
}

// ScaleMetrics is the subset of the metrics registry the scheduler
// records against, for the scale-up/down-count and failure-count
// metrics (ambient observability, SPEC_FULL.md domain stack). Left nil
// disables recording.
type ScaleMetrics interface {
	ObserveScaleUp(reason string)
	ObserveScaleDown(reason string)
	ObserveScaleFailure(direction string)
}

// Config tunes the scheduler's timings (spec.md §6.4 / §4.F).
type Config struct {
	RateWindow    time.Duration // minimum gap between scale-ups of one service
	ReadyTimeout  time.Duration // scaleup_ready_timeout
	InterStepDelay time.Duration // pause between services in a scale-up batch
	RecreateDelay time.Duration // autoscaler_recreate_delay
}

// Scheduler executes scale-up/scale-down decisions against a
// WorkloadAPI and the kernel-map bridge, keeping the registry's state
// machine and the rest of the core in sync.
type Scheduler struct {
	registry   *registry.Registry
	bridge     *kernelmap.Bridge
	workload   workloadapi.WorkloadAPI
	autoscaler AutoscalerManager
	cfg        Config

	rateMu      sync.Mutex
	lastScaleUp map[string]time.Time

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	events  *eventLog
	metrics ScaleMetrics
}

// SetMetrics wires an optional metrics sink.
func (s *Scheduler) SetMetrics(m ScaleMetrics) {
	s.metrics = m
}

// New constructs a Scheduler. Zero-valued Config fields fall back to
// spec.md §6.4's defaults.
func New(reg *registry.Registry, bridge *kernelmap.Bridge, workload workloadapi.WorkloadAPI, autoscaler AutoscalerManager, cfg Config) *Scheduler {
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = 5 * time.Second
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 30 * time.Second
	}
	if cfg.InterStepDelay <= 0 {
		cfg.InterStepDelay = 500 * time.Millisecond
	}
	if cfg.RecreateDelay <= 0 {
		cfg.RecreateDelay = 10 * time.Second
	}

	return &Scheduler{
		registry:    reg,
		bridge:      bridge,
		workload:    workload,
		autoscaler:  autoscaler,
		cfg:         cfg,
		lastScaleUp: make(map[string]time.Time),
		locks:       make(map[string]*sync.Mutex),
		events:      newEventLog(200),
	}
}

// RecentEvents returns the scheduler's recent scaling-event history,
// oldest first, for diagnostics (not part of the spec's modeled
// components).
func (s *Scheduler) RecentEvents() []ScalingEvent {
	return s.events.Recent()
}

func (s *Scheduler) lockFor(ip string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[ip]
	if !ok {
		l = &sync.Mutex{}
		s.locks[ip] = l
	}
	return l
}

// RequestScaleUp submits a scale-up for the service at ip (spec.md
// §4.D step 4 / §4.F). Rate-limited here so duplicate submissions
// within the rate window are coalesced without ever spawning a
// goroutine for the rejected ones.
func (s *Scheduler) RequestScaleUp(ctx context.Context, ip string) {
	now := time.Now()

	s.rateMu.Lock()
	if last, ok := s.lastScaleUp[ip]; ok && now.Sub(last) < s.cfg.RateWindow {
		s.rateMu.Unlock()
		logger.DebugCtx(ctx, "scheduler: scale-up for %s coalesced (within rate window)", ip)
		return
	}
	s.lastScaleUp[ip] = now
	s.rateMu.Unlock()

	go s.scaleUp(ctx, ip)
}

// RequestScaleDown submits a scale-down for the service at ip (spec.md
// §4.E).
func (s *Scheduler) RequestScaleDown(ctx context.Context, ip string) {
	go s.scaleDown(ctx, ip)
}

// scaleUp implements spec.md §4.F's scale-up algorithm: expand the
// one-hop closure, sort by priority descending, and bring each member
// up in turn with a settling delay between them.
func (s *Scheduler) scaleUp(ctx context.Context, ip string) {
	rec := s.registry.Get(ip)
	if rec == nil {
		logger.DebugCtx(ctx, "scheduler: scale-up target %s no longer in registry", ip)
		return
	}

	closure := s.closure(rec)
	sort.Slice(closure, func(i, j int) bool { return closure[i].Priority > closure[j].Priority })

	for i, member := range closure {
		s.scaleUpOne(ctx, member.IP)
		if i != len(closure)-1 {
			time.Sleep(s.cfg.InterStepDelay)
		}
	}
}

// closure returns {rec} ∪ dependencies(rec) ∪ dependents(rec), one hop
// only — transitive expansion is intentionally not performed (spec.md
// §4.F step 2: dependency pulses in component D keep grandparents
// alive instead).
func (s *Scheduler) closure(rec *model.ServiceRecord) []*model.ServiceRecord {
	seen := map[string]bool{rec.IP: true}
	out := []*model.ServiceRecord{rec}

	refs := make([]model.WorkloadRef, 0, len(rec.Dependencies)+len(rec.Dependents))
	refs = append(refs, rec.Dependencies...)
	refs = append(refs, rec.Dependents...)

	for _, ref := range refs {
		memberIP, ok := s.registry.IPForWorkload(ref)
		if !ok || seen[memberIP] {
			continue
		}
		member := s.registry.Get(memberIP)
		if member == nil {
			continue
		}
		seen[memberIP] = true
		out = append(out, member)
	}
	return out
}

func (s *Scheduler) scaleUpOne(ctx context.Context, ip string) {
	lock := s.lockFor(ip)
	lock.Lock()
	defer lock.Unlock()

	rec := s.registry.Get(ip)
	if rec == nil {
		return
	}
	prevState := rec.State
	s.registry.Mutate(ip, func(r *model.ServiceRecord) { r.State = model.StateScalingUp })

	if err := s.workload.Scale(ctx, rec.Workload, 1); err != nil {
		logger.WarnCtx(ctx, "scheduler: scale-up %s failed: %v", rec.Workload, err)
		s.registry.Mutate(ip, func(r *model.ServiceRecord) { r.State = prevState })
		if s.metrics != nil {
			s.metrics.ObserveScaleFailure("up")
		}
		return
	}

	if !s.waitReady(ctx, rec.Workload) {
		logger.WarnCtx(ctx, "scheduler: %s not ready within %s, proceeding anyway", rec.Workload, s.cfg.ReadyTimeout)
	}

	s.registry.Mutate(ip, func(r *model.ServiceRecord) { r.State = model.StateAvailable })
	if err := s.bridge.Set(ip, true); err != nil {
		logger.WarnCtx(ctx, "scheduler: kernel map set(%s, true) failed: %v", ip, err)
	}
	s.events.record(ScalingEvent{Action: "scale_up", Workload: rec.Workload, Reason: "traffic", Timestamp: time.Now()})
	if s.metrics != nil {
		s.metrics.ObserveScaleUp("traffic")
	}

	if rec.Autoscaler.Enabled && rec.Autoscaler.Suspended {
		spec := model.AutoscalerSpec{}
		if rec.Autoscaler.CapturedSpec != nil {
			spec = *rec.Autoscaler.CapturedSpec
		}
		s.autoscaler.ScheduleRecreate(rec.Workload, rec.Autoscaler.Name, spec, s.cfg.RecreateDelay)
		s.registry.Mutate(ip, func(r *model.ServiceRecord) { r.Autoscaler.Suspended = false })
	}
}

// waitReady polls WorkloadAPI.Ready until it reports ready or
// cfg.ReadyTimeout elapses. A timeout is logged by the caller, never
// fatal (spec.md §7).
func (s *Scheduler) waitReady(ctx context.Context, workload model.WorkloadRef) bool {
	deadline := time.Now().Add(s.cfg.ReadyTimeout)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		ready, err := s.workload.Ready(ctx, workload)
		if err != nil {
			logger.WarnCtx(ctx, "scheduler: readiness check for %s failed: %v", workload, err)
		} else if ready {
			return true
		}

		if time.Now().After(deadline) {
			return false
		}

		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// scaleDown implements spec.md §4.F's single-service scale-down
// algorithm.
func (s *Scheduler) scaleDown(ctx context.Context, ip string) {
	lock := s.lockFor(ip)
	lock.Lock()
	defer lock.Unlock()

	rec := s.registry.Get(ip)
	if rec == nil || rec.State != model.StateAvailable {
		return
	}
	s.registry.Mutate(ip, func(r *model.ServiceRecord) { r.State = model.StateScalingDown })

	if rec.Autoscaler.Enabled && !rec.Autoscaler.Suspended {
		spec, err := s.autoscaler.Capture(ctx, rec.Workload)
		if err != nil {
			logger.WarnCtx(ctx, "scheduler: capture autoscaler for %s failed, aborting scale-down: %v", rec.Workload, err)
			s.registry.Mutate(ip, func(r *model.ServiceRecord) { r.State = model.StateAvailable })
			return
		}
		if err := s.autoscaler.Delete(ctx, rec.Workload); err != nil {
			logger.WarnCtx(ctx, "scheduler: delete autoscaler for %s failed, aborting scale-down: %v", rec.Workload, err)
			s.registry.Mutate(ip, func(r *model.ServiceRecord) { r.State = model.StateAvailable })
			if s.metrics != nil {
				s.metrics.ObserveScaleFailure("down")
			}
			return
		}
		s.registry.Mutate(ip, func(r *model.ServiceRecord) {
			r.Autoscaler.CapturedSpec = spec
			r.Autoscaler.Suspended = true
		})
	}

	if err := s.workload.Scale(ctx, rec.Workload, 0); err != nil {
		logger.WarnCtx(ctx, "scheduler: scale-down %s failed, aborting: %v", rec.Workload, err)
		s.registry.Mutate(ip, func(r *model.ServiceRecord) { r.State = model.StateAvailable })
		if s.metrics != nil {
			s.metrics.ObserveScaleFailure("down")
		}
		return
	}

	s.registry.Mutate(ip, func(r *model.ServiceRecord) { r.State = model.StateUnavailable })
	if err := s.bridge.Set(ip, false); err != nil {
		logger.WarnCtx(ctx, "scheduler: kernel map set(%s, false) failed: %v", ip, err)
	}
	s.events.record(ScalingEvent{Action: "scale_down", Workload: rec.Workload, Reason: "idle", Timestamp: time.Now()})
	if s.metrics != nil {
		s.metrics.ObserveScaleDown("idle")
	}
}
