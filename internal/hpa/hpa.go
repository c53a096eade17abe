// Package hpa implements the autoscaler lifecycle manager (spec.md
// §4.G): capture/delete/recreate of a cluster HorizontalPodAutoscaler
// around a scale-to-zero cycle. Grounded on the teacher's
// pkg/autoscaler/executor.go capture-before-mutate / restore-after
// shape (there applied to endpoint metadata; here to a real
// autoscalingv2.HorizontalPodAutoscaler object) and
// pkg/deploy/k8s/manager.go's clientset construction pattern.
package hpa

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	autoscalingv2 "k8s.io/api/autoscaling/v2"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"scaletozero/internal/model"
	scerrors "scaletozero/pkg/errors"
	"scaletozero/pkg/logger"
)

// Manager creates, captures, deletes, and recreates HPA objects on
// behalf of the scaling scheduler and the cluster watcher.
type Manager struct {
	clientset kubernetes.Interface
}

// New returns a Manager backed by clientset.
func New(clientset kubernetes.Interface) *Manager {
	return &Manager{clientset: clientset}
}

// Capture fetches the live autoscaler for workload and returns it as a
// portable AutoscalerSpec, opaque fields (Metrics/Behavior) preserved
// verbatim so a later recreate is bit-identical (spec.md §4.G).
func (m *Manager) Capture(ctx context.Context, workload model.WorkloadRef) (*model.AutoscalerSpec, error) {
	live, err := m.clientset.AutoscalingV2().HorizontalPodAutoscalers(workload.Namespace).Get(ctx, workload.Name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, fmt.Errorf("%w: autoscaler %s/%s", scerrors.ErrNotFound, workload.Namespace, workload.Name)
		}
		return nil, fmt.Errorf("%w: get autoscaler %s/%s: %v", scerrors.ErrTransientAPI, workload.Namespace, workload.Name, err)
	}

	spec := &model.AutoscalerSpec{
		MinReplicas: 1,
		MaxReplicas: live.Spec.MaxReplicas,
	}
	if live.Spec.MinReplicas != nil {
		spec.MinReplicas = *live.Spec.MinReplicas
	}
	for _, metric := range live.Spec.Metrics {
		if metric.Type == autoscalingv2.ResourceMetricSourceType && metric.Resource != nil &&
			metric.Resource.Name == "cpu" && metric.Resource.Target.AverageUtilization != nil {
			target := *metric.Resource.Target.AverageUtilization
			spec.TargetCPUUtilization = &target
		}
	}
	if len(live.Spec.Metrics) > 0 {
		raw, err := json.Marshal(live.Spec.Metrics)
		if err != nil {
			return nil, fmt.Errorf("marshal captured metrics for %s: %w", workload, err)
		}
		spec.Metrics = raw
	}
	if live.Spec.Behavior != nil {
		raw, err := json.Marshal(live.Spec.Behavior)
		if err != nil {
			return nil, fmt.Errorf("marshal captured behavior for %s: %w", workload, err)
		}
		spec.Behavior = raw
	}
	return spec, nil
}

// Delete removes the live autoscaler for workload. A vanished
// autoscaler is treated as success (spec.md §7 NotFoundError:
// "treat as success for delete").
func (m *Manager) Delete(ctx context.Context, workload model.WorkloadRef) error {
	err := m.clientset.AutoscalingV2().HorizontalPodAutoscalers(workload.Namespace).Delete(ctx, workload.Name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("%w: delete autoscaler %s/%s: %v", scerrors.ErrTransientAPI, workload.Namespace, workload.Name, err)
	}
	return nil
}

// RequestCreate creates a new autoscaler for workload seeded from
// seed, used by the cluster watcher on first discovery of a managed,
// available service (spec.md §4.C step 7). An already-existing
// autoscaler is left untouched.
func (m *Manager) RequestCreate(ctx context.Context, workload model.WorkloadRef, name string, seed model.AutoscalerSpec) {
	if err := m.create(ctx, workload, name, seed); err != nil {
		logger.WarnCtx(ctx, "hpa: create autoscaler for %s failed: %v", workload, err)
	}
}

// ScheduleRecreate queues recreation of workload's autoscaler from
// spec to run after delay, on its own goroutine so the scaling
// scheduler's scale-up critical path never waits on autoscaler API
// latency (spec.md §4.G).
func (m *Manager) ScheduleRecreate(workload model.WorkloadRef, name string, spec model.AutoscalerSpec, delay time.Duration) {
	go func() {
		time.Sleep(delay)
		ctx := context.Background()
		if err := m.create(ctx, workload, name, spec); err != nil {
			logger.WarnCtx(ctx, "hpa: recreate autoscaler for %s failed: %v", workload, err)
		}
	}()
}

func (m *Manager) create(ctx context.Context, workload model.WorkloadRef, name string, spec model.AutoscalerSpec) error {
	minReplicas := spec.MinReplicas
	hpaSpec := autoscalingv2.HorizontalPodAutoscalerSpec{
		ScaleTargetRef: autoscalingv2.CrossVersionObjectReference{
			Kind: string(workload.Kind),
			Name: workload.Name,
		},
		MinReplicas: &minReplicas,
		MaxReplicas: spec.MaxReplicas,
	}

	switch {
	case len(spec.Metrics) > 0:
		var metrics []autoscalingv2.MetricSpec
		if err := json.Unmarshal(spec.Metrics, &metrics); err != nil {
			return fmt.Errorf("unmarshal captured metrics for %s: %w", workload, err)
		}
		hpaSpec.Metrics = metrics
	case spec.TargetCPUUtilization != nil:
		target := *spec.TargetCPUUtilization
		hpaSpec.Metrics = []autoscalingv2.MetricSpec{{
			Type: autoscalingv2.ResourceMetricSourceType,
			Resource: &autoscalingv2.ResourceMetricSource{
				Name: "cpu",
				Target: autoscalingv2.MetricTarget{
					Type:               autoscalingv2.UtilizationMetricType,
					AverageUtilization: &target,
				},
			},
		}}
	}

	if len(spec.Behavior) > 0 {
		var behavior autoscalingv2.HorizontalPodAutoscalerBehavior
		if err := json.Unmarshal(spec.Behavior, &behavior); err != nil {
			return fmt.Errorf("unmarshal captured behavior for %s: %w", workload, err)
		}
		hpaSpec.Behavior = &behavior
	}

	obj := &autoscalingv2.HorizontalPodAutoscaler{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: workload.Namespace},
		Spec:       hpaSpec,
	}

	_, err := m.clientset.AutoscalingV2().HorizontalPodAutoscalers(workload.Namespace).Create(ctx, obj, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("%w: create autoscaler %s/%s: %v", scerrors.ErrTransientAPI, workload.Namespace, name, err)
	}
	return nil
}
