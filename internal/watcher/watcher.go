// Package watcher implements the cluster watcher (spec.md §4.C): it
// streams service, deployment, and stateful-set events from the
// cluster API, parses the scale-to-zero annotation set, and keeps the
// registry in sync. Grounded on the teacher's
// pkg/deploy/k8s/manager.go informer wiring (shared informer factory,
// cache.ResourceEventHandlerFuncs, async start + background
// WaitForCacheSync), generalized from a namespace-scoped Deployment/Pod
// pair to a cluster-wide Service/Deployment/StatefulSet triple.
package watcher

import (
	"context"
	"fmt"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	appslisters "k8s.io/client-go/listers/apps/v1"
	corelisters "k8s.io/client-go/listers/core/v1"
	"k8s.io/client-go/tools/cache"

	"scaletozero/internal/kernelmap"
	"scaletozero/internal/model"
	"scaletozero/internal/registry"
	"scaletozero/internal/workloadapi"
	"scaletozero/pkg/logger"
)

// AutoscalerRequester is the subset of the autoscaler lifecycle manager
// (component G) the watcher needs: request creation of a live
// autoscaler the first time a managed, available service is observed
// (spec.md §4.C step 7).
type AutoscalerRequester interface {
	RequestCreate(ctx context.Context, workload model.WorkloadRef, name string, seed model.AutoscalerSpec)
}

// Watcher subscribes to service/deployment/statefulset informers and
// keeps the registry and kernel-map bridge in sync with the cluster.
type Watcher struct {
	clientset kubernetes.Interface
	registry  *registry.Registry
	bridge    *kernelmap.Bridge
	workload  workloadapi.WorkloadAPI
	autoscale AutoscalerRequester
	namespace string

	factory          informers.SharedInformerFactory
	serviceLister    corelisters.ServiceLister
	deploymentLister appslisters.DeploymentLister
	statefulLister   appslisters.StatefulSetLister
}

// New constructs a Watcher. namespace empty means cluster-wide, the
// controller's default mode.
func New(clientset kubernetes.Interface, reg *registry.Registry, bridge *kernelmap.Bridge, workload workloadapi.WorkloadAPI, autoscale AutoscalerRequester, namespace string) *Watcher {
	return &Watcher{
		clientset: clientset,
		registry:  reg,
		bridge:    bridge,
		workload:  workload,
		autoscale: autoscale,
		namespace: namespace,
	}
}

// Run starts the informers and blocks until ctx is cancelled. The
// shared informer's reflector retries a broken watch with its own
// exponential backoff (client-go's default backoff manager, base 1s
// capped at 30s), satisfying spec.md §4.C's reconnect requirement
// without this package re-implementing backoff.
func (w *Watcher) Run(ctx context.Context) error {
	var opts []informers.SharedInformerOption
	if w.namespace != "" {
		opts = append(opts, informers.WithNamespace(w.namespace))
	}
	w.factory = informers.NewSharedInformerFactoryWithOptions(w.clientset, 5*time.Minute, opts...)

	serviceInformer := w.factory.Core().V1().Services()
	deploymentInformer := w.factory.Apps().V1().Deployments()
	statefulInformer := w.factory.Apps().V1().StatefulSets()

	w.serviceLister = serviceInformer.Lister()
	w.deploymentLister = deploymentInformer.Lister()
	w.statefulLister = statefulInformer.Lister()

	serviceInformer.Informer().AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc:    func(obj interface{}) { w.handleServiceUpsert(ctx, obj) },
		UpdateFunc: func(_, obj interface{}) { w.handleServiceUpsert(ctx, obj) },
		DeleteFunc: func(obj interface{}) { w.handleServiceDelete(ctx, obj) },
	})

	deploymentInformer.Informer().AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc:    func(obj interface{}) { w.handleWorkloadEvent(ctx, model.WorkloadDeployment, obj) },
		UpdateFunc: func(_, obj interface{}) { w.handleWorkloadEvent(ctx, model.WorkloadDeployment, obj) },
	})

	statefulInformer.Informer().AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc:    func(obj interface{}) { w.handleWorkloadEvent(ctx, model.WorkloadStatefulSet, obj) },
		UpdateFunc: func(_, obj interface{}) { w.handleWorkloadEvent(ctx, model.WorkloadStatefulSet, obj) },
	})

	stopCh := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(stopCh)
	}()

	logger.InfoCtx(ctx, "cluster watcher: starting informers (namespace=%q)", w.namespace)
	go w.factory.Start(stopCh)

	if !cache.WaitForCacheSync(stopCh, serviceInformer.Informer().HasSynced, deploymentInformer.Informer().HasSynced, statefulInformer.Informer().HasSynced) {
		return fmt.Errorf("cluster watcher: informer cache failed to sync")
	}
	logger.InfoCtx(ctx, "cluster watcher: informer cache synced")

	<-ctx.Done()
	return nil
}

func (w *Watcher) handleServiceUpsert(ctx context.Context, obj interface{}) {
	svc, ok := obj.(*corev1.Service)
	if !ok {
		return
	}

	if !marked(svc.Annotations) {
		return
	}

	ip := svc.Spec.ClusterIP
	if ip == "" || ip == corev1.ClusterIPNone {
		logger.WarnCtx(ctx, "cluster watcher: service %s/%s has no cluster IP yet, deferring", svc.Namespace, svc.Name)
		return
	}

	parsed, err := parseAnnotations(svc.Annotations, svc.Namespace)
	if err != nil {
		logger.WarnCtx(ctx, "cluster watcher: service %s/%s: %v", svc.Namespace, svc.Name, err)
		return
	}

	w.detectCycles(ctx, parsed)

	computedPriority := model.ComputePriority(len(parsed.dependencies), len(parsed.dependents))
	explicit := false
	finalPriority := computedPriority
	if parsed.explicitPriority != nil {
		finalPriority = *parsed.explicitPriority
		explicit = true
	}

	existing := w.registry.Get(ip)
	isNew := existing == nil

	available := false
	if n, err := w.workload.Replicas(ctx, parsed.workload); err != nil {
		logger.WarnCtx(ctx, "cluster watcher: reading replica count for %s: %v", parsed.workload, err)
		if existing != nil {
			available = existing.Available()
		}
	} else {
		available = n > 0
	}

	state := model.StateUnknown
	switch {
	case existing != nil:
		state = existing.State
	case available:
		state = model.StateAvailable
	default:
		state = model.StateUnavailable
	}

	record := &model.ServiceRecord{
		IP:               ip,
		ScaleDownIdle:    time.Duration(parsed.scaleDownTimeSec) * time.Second,
		Workload:         parsed.workload,
		State:            state,
		Dependencies:     parsed.dependencies,
		Dependents:       parsed.dependents,
		Priority:         finalPriority,
		PriorityExplicit: explicit,
		Autoscaler: model.AutoscalerState{
			Enabled: parsed.hpaEnabled,
			Name:    parsed.workload.Name,
		},
	}
	if existing != nil {
		record.LastActivity = existing.LastActivity
		record.Autoscaler = existing.Autoscaler
		record.Autoscaler.Enabled = parsed.hpaEnabled
	}

	w.registry.Upsert(ip, record)

	if isNew && available && parsed.hpaEnabled && w.autoscale != nil {
		seed := model.AutoscalerSpec{MinReplicas: parsed.minReplicas, MaxReplicas: parsed.maxReplicas, TargetCPUUtilization: parsed.targetCPU}
		w.autoscale.RequestCreate(ctx, parsed.workload, parsed.workload.Name, seed)
	}
}

func (w *Watcher) handleServiceDelete(ctx context.Context, obj interface{}) {
	svc, ok := obj.(*corev1.Service)
	if !ok {
		if tomb, ok := obj.(cache.DeletedFinalStateUnknown); ok {
			svc, ok = tomb.Obj.(*corev1.Service)
			if !ok {
				return
			}
		} else {
			return
		}
	}

	ip := svc.Spec.ClusterIP
	if ip == "" {
		return
	}

	w.registry.Remove(ip)
	if err := w.bridge.Delete(ip); err != nil {
		logger.WarnCtx(ctx, "cluster watcher: kernel map delete(%s) failed: %v", ip, err)
	}
}

// handleWorkloadEvent updates availability for the service referencing
// this workload, without ever touching LastActivity (spec.md §4.C).
func (w *Watcher) handleWorkloadEvent(ctx context.Context, kind model.WorkloadKind, obj interface{}) {
	var name, namespace string
	var ready int32

	switch kind {
	case model.WorkloadDeployment:
		dep, ok := obj.(*appsv1.Deployment)
		if !ok {
			return
		}
		name, namespace, ready = dep.Name, dep.Namespace, dep.Status.ReadyReplicas
	case model.WorkloadStatefulSet:
		ss, ok := obj.(*appsv1.StatefulSet)
		if !ok {
			return
		}
		name, namespace, ready = ss.Name, ss.Namespace, ss.Status.ReadyReplicas
	}

	ref := model.WorkloadRef{Kind: kind, Name: name, Namespace: namespace}
	ip, ok := w.registry.IPForWorkload(ref)
	if !ok {
		return
	}

	available := ready > 0
	w.registry.Mutate(ip, func(rec *model.ServiceRecord) {
		if available && !rec.Available() {
			rec.State = model.StateAvailable
		} else if !available && rec.Available() {
			rec.State = model.StateUnavailable
		}
	})
}

// detectCycles logs a diagnostic (never blocking registry population)
// when a service's own workload appears among its declared
// dependencies/dependents, or when a declared dependency already
// registered lists this service's workload back among its own
// dependencies/dependents. Only direct and one-hop cycles are checked:
// the runtime itself only ever walks one hop (spec.md §4.F), so a
// diagnostic beyond that reach would report cycles nothing in the
// system can actually traverse.
func (w *Watcher) detectCycles(ctx context.Context, parsed parsedAnnotations) {
	self := parsed.workload.String()
	for _, ref := range append(append([]model.WorkloadRef(nil), parsed.dependencies...), parsed.dependents...) {
		if ref.String() == self {
			logger.WarnCtx(ctx, "cluster watcher: %s declares itself as a dependency/dependent", self)
			return
		}
	}

	for _, rec := range w.registry.Snapshot() {
		if rec.Workload.String() == self {
			continue
		}
		for _, d := range append(append([]model.WorkloadRef(nil), rec.Dependencies...), rec.Dependents...) {
			if d.String() != self {
				continue
			}
			for _, mine := range append(append([]model.WorkloadRef(nil), parsed.dependencies...), parsed.dependents...) {
				if mine.String() == rec.Workload.String() {
					logger.WarnCtx(ctx, "cluster watcher: dependency cycle between %s and %s", self, rec.Workload)
				}
			}
		}
	}
}
