// Package workloadapi defines the abstract WorkloadAPI boundary
// (spec.md §1: "the concrete cluster-API client" is treated as an
// abstract interface, out of scope beyond this boundary). The concrete
// k8s-backed implementation lives in the k8s subpackage.
package workloadapi

import (
	"context"

	"scaletozero/internal/model"
)

// WorkloadAPI is the set of cluster operations the scaling scheduler
// (spec.md §4.F) and the cluster watcher (spec.md §4.C) need against a
// workload's replica count. Every method is expected to honor ctx's
// deadline per spec.md §5 ("every outbound API call uses a deadline").
type WorkloadAPI interface {
	// Scale sets workload's desired replica count.
	Scale(ctx context.Context, workload model.WorkloadRef, replicas int32) error

	// Ready reports whether workload currently has at least one ready
	// replica. Callers bound their own wait/poll loop around it
	// (spec.md §4.F scale-up step b: "bounded by scaleup_ready_timeout").
	Ready(ctx context.Context, workload model.WorkloadRef) (bool, error)

	// Replicas returns the workload's current desired replica count,
	// used by the cluster watcher to derive a service's initial
	// availability when it observes the service (spec.md §4.C).
	// Deployment/statefulset events read ready replicas from the event
	// object instead.
	Replicas(ctx context.Context, workload model.WorkloadRef) (int32, error)
}
