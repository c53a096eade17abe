// Package model holds the data types shared by every component of the
// scaling engine: the registry's ServiceRecord, workload references, the
// autoscaler spec snapshot, and the packet events read off the kernel
// filter.
package model

import (
	"encoding/json"
	"time"
)

// WorkloadKind identifies the kind of workload a service targets.
type WorkloadKind string

const (
	WorkloadDeployment  WorkloadKind = "Deployment"
	WorkloadStatefulSet WorkloadKind = "StatefulSet"
)

// WorkloadRef identifies a single scalable workload in the cluster.
type WorkloadRef struct {
	Kind      WorkloadKind `json:"kind"`
	Name      string       `json:"name"`
	Namespace string       `json:"namespace"`
}

func (w WorkloadRef) String() string {
	return string(w.Kind) + "/" + w.Namespace + "/" + w.Name
}

// Empty reports whether the reference carries no workload.
func (w WorkloadRef) Empty() bool {
	return w.Name == "" || w.Namespace == ""
}

// AutoscalerSpec is the captured spec of a cluster autoscaler (HPA),
// opaque fields included verbatim so recreation is bit-identical.
type AutoscalerSpec struct {
	MinReplicas           int32           `json:"minReplicas"`
	MaxReplicas           int32           `json:"maxReplicas"`
	TargetCPUUtilization  *int32          `json:"targetCpuUtilizationPercentage,omitempty"`
	Metrics               json.RawMessage `json:"metrics,omitempty"`
	Behavior              json.RawMessage `json:"behavior,omitempty"`
}

// AutoscalerState describes a service's relationship to its cluster
// autoscaler (component G, spec.md §4.G).
type AutoscalerState struct {
	Enabled      bool            `json:"enabled"`
	Name         string          `json:"name"`
	Suspended    bool            `json:"suspended"`
	CapturedSpec *AutoscalerSpec `json:"capturedSpec,omitempty"`
}

// ServiceState is the tagged variant backing a ServiceRecord's lifecycle
// (spec.md §9 design note: represented as a tagged variant rather than
// an assortment of booleans). Available and the autoscaler's Suspended
// flag are derived views of this state for the kernel map and the
// autoscaler lifecycle manager respectively.
type ServiceState int

const (
	StateUnknown ServiceState = iota
	StateAvailable
	StateScalingUp
	StateScalingDown
	StateUnavailable
)

func (s ServiceState) String() string {
	switch s {
	case StateAvailable:
		return "AVAILABLE"
	case StateScalingUp:
		return "SCALING_UP"
	case StateScalingDown:
		return "SCALING_DOWN"
	case StateUnavailable:
		return "UNAVAILABLE"
	default:
		return "UNKNOWN"
	}
}

// ServiceRecord is the per-service record owned exclusively by the
// registry (spec.md §3, §4.A). IP is the dotted-quad service address and
// doubles as the record's key.
type ServiceRecord struct {
	IP             string
	ScaleDownIdle  time.Duration
	LastActivity   time.Time
	Workload       WorkloadRef
	State          ServiceState
	Dependencies   []WorkloadRef
	Dependents     []WorkloadRef
	Priority       int
	PriorityExplicit bool
	Autoscaler     AutoscalerState
}

// Available is a derived view of State for the kernel map (invariant 1).
func (r *ServiceRecord) Available() bool {
	return r.State == StateAvailable || r.State == StateScalingDown
}

// Clone returns a deep copy safe to hand out of the registry lock.
func (r *ServiceRecord) Clone() *ServiceRecord {
	c := *r
	c.Dependencies = append([]WorkloadRef(nil), r.Dependencies...)
	c.Dependents = append([]WorkloadRef(nil), r.Dependents...)
	if r.Autoscaler.CapturedSpec != nil {
		spec := *r.Autoscaler.CapturedSpec
		c.Autoscaler.CapturedSpec = &spec
	}
	return &c
}

// PacketEventKind distinguishes the two notifications the kernel filter
// can raise for a dormant or active service (spec.md §6.2).
type PacketEventKind int32

const (
	PacketTraffic PacketEventKind = 0
	PacketScaleUp PacketEventKind = 1
)

// PacketEvent is a single notification read off the kernel filter.
type PacketEvent struct {
	IPv4 uint32
	Kind PacketEventKind
}
