package model

// ComputePriority derives a ServiceRecord's scaling priority from its
// dependency/dependent counts when no explicit override is supplied
// (spec.md §4.F). Lower values are serviced first by the scale-down
// loop, so parents (services with dependencies) go down before their
// children; higher values are serviced first by the scale-up loop, so
// children (services with dependents) are brought up before their
// parents.
func ComputePriority(dependencyCount, dependentCount int) int {
	if dependencyCount > 0 {
		p := 10 + 5*dependencyCount
		if p > 30 {
			p = 30
		}
		return p
	}
	if dependentCount > 0 {
		p := 90 + 5*dependentCount
		if p > 110 {
			p = 110
		}
		return p
	}
	return 50
}
