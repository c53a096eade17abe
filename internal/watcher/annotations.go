package watcher

import (
	"fmt"
	"strconv"
	"strings"

	"scaletozero/internal/model"
)

// Annotation keys recognised on service objects (spec.md §6.1). The
// scale-down-time key doubles as the scale-to-zero marker: a service
// missing it is not managed by this controller.
const (
	annotationScaleDownTime    = "scale-to-zero/scale-down-time"
	annotationReference        = "scale-to-zero/reference"
	annotationHPAEnabled       = "scale-to-zero/hpa-enabled"
	annotationMinReplicas      = "scale-to-zero/min-replicas"
	annotationMaxReplicas      = "scale-to-zero/max-replicas"
	annotationTargetCPU        = "scale-to-zero/target-cpu-utilization"
	annotationDependencies     = "scale-to-zero/dependencies"
	annotationDependents       = "scale-to-zero/dependents"
	annotationScalingPriority  = "scale-to-zero/scaling-priority"
)

// parsedAnnotations is the decoded form of a service's scale-to-zero
// annotation set (spec.md §4.C step 1 and 4).
type parsedAnnotations struct {
	scaleDownTimeSec int
	workload         model.WorkloadRef
	hpaEnabled       bool
	minReplicas      int32
	maxReplicas      int32
	targetCPU        *int32
	dependencies     []model.WorkloadRef
	dependents       []model.WorkloadRef
	explicitPriority *int
}

// marked reports whether svc carries the marker annotation; services
// without it are ignored entirely (spec.md §4.C step 2).
func marked(annotations map[string]string) bool {
	_, ok := annotations[annotationScaleDownTime]
	return ok
}

func parseAnnotations(annotations map[string]string, namespace string) (parsedAnnotations, error) {
	var out parsedAnnotations

	idleSec, err := strconv.Atoi(annotations[annotationScaleDownTime])
	if err != nil {
		return out, fmt.Errorf("%s: invalid integer %q: %w", annotationScaleDownTime, annotations[annotationScaleDownTime], err)
	}
	out.scaleDownTimeSec = idleSec

	ref, err := parseWorkloadRef(annotations[annotationReference], namespace)
	if err != nil {
		return out, fmt.Errorf("%s: %w", annotationReference, err)
	}
	out.workload = ref

	out.hpaEnabled = annotations[annotationHPAEnabled] == "true"

	out.minReplicas = 1
	if v, ok := annotations[annotationMinReplicas]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return out, fmt.Errorf("%s: invalid integer %q: %w", annotationMinReplicas, v, err)
		}
		out.minReplicas = int32(n)
	}

	out.maxReplicas = 1
	if v, ok := annotations[annotationMaxReplicas]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return out, fmt.Errorf("%s: invalid integer %q: %w", annotationMaxReplicas, v, err)
		}
		out.maxReplicas = int32(n)
	}

	if v, ok := annotations[annotationTargetCPU]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return out, fmt.Errorf("%s: invalid integer %q: %w", annotationTargetCPU, v, err)
		}
		n32 := int32(n)
		out.targetCPU = &n32
	}

	deps, err := parseWorkloadRefList(annotations[annotationDependencies], namespace)
	if err != nil {
		return out, fmt.Errorf("%s: %w", annotationDependencies, err)
	}
	out.dependencies = deps

	dependents, err := parseWorkloadRefList(annotations[annotationDependents], namespace)
	if err != nil {
		return out, fmt.Errorf("%s: %w", annotationDependents, err)
	}
	out.dependents = dependents

	if v, ok := annotations[annotationScalingPriority]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return out, fmt.Errorf("%s: invalid integer %q: %w", annotationScalingPriority, v, err)
		}
		out.explicitPriority = &n
	}

	return out, nil
}

// parseWorkloadRef parses a single "<kind>/<name>" reference, kind one
// of "deployment" or "statefulset" (case-insensitive per spec.md §6.1).
func parseWorkloadRef(raw, namespace string) (model.WorkloadRef, error) {
	parts := strings.SplitN(raw, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return model.WorkloadRef{}, fmt.Errorf("malformed workload reference %q, want <kind>/<name>", raw)
	}

	var kind model.WorkloadKind
	switch strings.ToLower(parts[0]) {
	case "deployment":
		kind = model.WorkloadDeployment
	case "statefulset":
		kind = model.WorkloadStatefulSet
	default:
		return model.WorkloadRef{}, fmt.Errorf("unknown workload kind %q", parts[0])
	}

	return model.WorkloadRef{Kind: kind, Name: parts[1], Namespace: namespace}, nil
}

func parseWorkloadRefList(raw, namespace string) ([]model.WorkloadRef, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	items := strings.Split(raw, ",")
	out := make([]model.WorkloadRef, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		ref, err := parseWorkloadRef(item, namespace)
		if err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, nil
}
